// Command rlearn runs raster machine-learning pipelines described by a
// YAML configuration: sample labelled pixels or survey points from a
// raster stack, fit a k-nearest-neighbour model, and stream prediction
// rasters back into the store.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v2"

	"github.com/stevenpawley/r.learn.ml/rlearn"
	"github.com/stevenpawley/r.learn.ml/rlearn/knn"
	"github.com/stevenpawley/r.learn.ml/rlearn/rasterdb"
	s3store "github.com/stevenpawley/r.learn.ml/rlearn/s3"
	"github.com/stevenpawley/r.learn.ml/rlearn/vector"
)

func main() {
	configPath := flag.String("config", "rlearn.yaml", "pipeline configuration file")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "rlearn: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Sugar()

	if err := run(context.Background(), *configPath, log); err != nil {
		log.Fatalw("pipeline failed", "error", err)
	}
}

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

type pipelineConfig struct {
	Store struct {
		Type   string `yaml:"type"`
		Path   string `yaml:"path"`
		Bucket string `yaml:"bucket"`
		Prefix string `yaml:"prefix"`
		Mapset string `yaml:"mapset"`
	} `yaml:"store"`

	Stack struct {
		Rasters     []string `yaml:"rasters"`
		Group       string   `yaml:"group"`
		NoData      *float64 `yaml:"nodata"`
		Categorical []string `yaml:"categorical"`
	} `yaml:"stack"`

	Task string `yaml:"task"`

	Model struct {
		Kind string `yaml:"kind"`
		K    int    `yaml:"k"`
	} `yaml:"model"`

	Training struct {
		Label  string   `yaml:"label"`
		Points string   `yaml:"points"`
		Fields []string `yaml:"fields"`
	} `yaml:"training"`

	Output struct {
		Raster    string `yaml:"raster"`
		Height    int    `yaml:"height"`
		Overwrite bool   `yaml:"overwrite"`
		Samples   string `yaml:"samples"`
	} `yaml:"output"`
}

func loadConfig(path string) (*pipelineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg pipelineConfig
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Model.Kind == "" {
		cfg.Model.Kind = "classifier"
	}
	if cfg.Model.K == 0 {
		cfg.Model.K = 5
	}
	return &cfg, nil
}

// -----------------------------------------------------------------------------
// Pipeline
// -----------------------------------------------------------------------------

func run(ctx context.Context, configPath string, log *zap.SugaredLogger) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}

	stack, err := buildStack(ctx, cfg, store)
	if err != nil {
		return err
	}
	log.Infow("stack ready", "layers", stack.Count(), "names", stack.Names())

	switch cfg.Task {
	case "predict", "predict-proba":
		return runPredict(ctx, cfg, store, stack, log)
	case "extract-pixels":
		return runExtractPixels(ctx, cfg, store, stack, log)
	case "extract-points":
		return runExtractPoints(ctx, cfg, store, stack, log)
	default:
		return fmt.Errorf("unknown task %q", cfg.Task)
	}
}

func openStore(ctx context.Context, cfg *pipelineConfig, log *zap.SugaredLogger) (*rasterdb.Store, error) {
	var opts []rasterdb.StoreOption
	if cfg.Store.Mapset != "" {
		opts = append(opts, rasterdb.WithMapset(cfg.Store.Mapset))
	}

	switch cfg.Store.Type {
	case "fs":
		objects, err := rasterdb.NewFS(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("open store root %q: %w", cfg.Store.Path, err)
		}
		log.Infow("using filesystem store", "path", cfg.Store.Path)
		return rasterdb.New(objects, opts...), nil

	case "s3":
		awsCfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		client := awss3.NewFromConfig(awsCfg)
		objects, err := s3store.New(client, s3store.Config{
			Bucket: cfg.Store.Bucket,
			Prefix: cfg.Store.Prefix,
		})
		if err != nil {
			return nil, err
		}
		log.Infow("using s3 store", "bucket", cfg.Store.Bucket, "prefix", cfg.Store.Prefix)
		return rasterdb.New(objects, opts...), nil

	case "memory":
		return rasterdb.New(rasterdb.NewMemory(), opts...), nil

	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Store.Type)
	}
}

func buildStack(ctx context.Context, cfg *pipelineConfig, store *rasterdb.Store) (*rlearn.Stack, error) {
	var opts []rlearn.StackOption
	if cfg.Stack.NoData != nil {
		opts = append(opts, rlearn.WithNoData(*cfg.Stack.NoData))
	}

	var stack *rlearn.Stack
	var err error
	switch {
	case cfg.Stack.Group != "":
		stack, err = rlearn.NewFromGroup(ctx, store, cfg.Stack.Group, opts...)
	case len(cfg.Stack.Rasters) > 0:
		stack, err = rlearn.New(ctx, store, cfg.Stack.Rasters, opts...)
	default:
		return nil, fmt.Errorf("config names neither stack.rasters nor stack.group")
	}
	if err != nil {
		return nil, err
	}

	if len(cfg.Stack.Categorical) > 0 {
		if err := stack.SetCategorical(cfg.Stack.Categorical...); err != nil {
			return nil, err
		}
	}
	return stack, nil
}

func nodataOf(cfg *pipelineConfig) float64 {
	if cfg.Stack.NoData != nil {
		return *cfg.Stack.NoData
	}
	return rlearn.DefaultNoData
}

func runPredict(ctx context.Context, cfg *pipelineConfig, store *rasterdb.Store, stack *rlearn.Stack, log *zap.SugaredLogger) error {
	if cfg.Output.Raster == "" {
		return fmt.Errorf("task %q needs output.raster", cfg.Task)
	}

	opts := []rlearn.PredictOption{
		rlearn.WithHeight(cfg.Output.Height),
		rlearn.WithOverwrite(cfg.Output.Overwrite),
		rlearn.WithProgress(func(done, total int) {
			log.Infow("window predicted", "done", done, "total", total)
		}),
	}

	switch cfg.Model.Kind {
	case "classifier":
		clf := knn.NewClassifier(cfg.Model.K)
		x, y, _, err := trainingSamples(ctx, cfg, store, stack)
		if err != nil {
			return err
		}
		labels := make([]int, len(y))
		for i, v := range y {
			labels[i] = int(v)
		}
		if err := clf.Fit(x, labels); err != nil {
			return err
		}
		log.Infow("classifier fitted", "samples", len(labels), "k", cfg.Model.K, "classes", clf.Classes())

		if cfg.Task == "predict-proba" {
			opts = append(opts, rlearn.WithClassLabels(clf.Classes()...))
			return stack.PredictProba(ctx, clf, cfg.Output.Raster, opts...)
		}
		return stack.Predict(ctx, clf, cfg.Output.Raster, opts...)

	case "regressor":
		if cfg.Task == "predict-proba" {
			return fmt.Errorf("task predict-proba needs a classifier model")
		}
		reg := knn.NewRegressor(cfg.Model.K)
		x, y, _, err := trainingSamples(ctx, cfg, store, stack)
		if err != nil {
			return err
		}
		if err := reg.Fit(x, y); err != nil {
			return err
		}
		log.Infow("regressor fitted", "samples", len(y), "k", cfg.Model.K)
		return stack.Predict(ctx, reg, cfg.Output.Raster, opts...)

	default:
		return fmt.Errorf("unknown model kind %q", cfg.Model.Kind)
	}
}

// trainingSamples extracts the feature matrix and response vector from
// whichever training source the config names: a labelled raster or a
// point file.
func trainingSamples(ctx context.Context, cfg *pipelineConfig, store *rasterdb.Store, stack *rlearn.Stack) (x *mat.Dense, y []float64, cat []int, err error) {
	switch {
	case cfg.Training.Label != "":
		tab := rasterdb.NewTabber(store, nodataOf(cfg))
		return stack.ExtractPixels(ctx, tab, cfg.Training.Label)

	case cfg.Training.Points != "":
		if len(cfg.Training.Fields) != 1 {
			return nil, nil, nil, fmt.Errorf("point training needs exactly one training.fields entry")
		}
		prov, err := pointProvider(cfg, store)
		if err != nil {
			return nil, nil, nil, err
		}
		x, ym, cat, err := stack.ExtractPoints(ctx, prov, cfg.Training.Points, cfg.Training.Fields)
		if err != nil {
			return nil, nil, nil, err
		}
		n, _ := ym.Dims()
		y := make([]float64, n)
		for i := range y {
			y[i] = ym.At(i, 0)
		}
		return x, y, cat, nil

	default:
		return nil, nil, nil, fmt.Errorf("config names neither training.label nor training.points")
	}
}

func pointProvider(cfg *pipelineConfig, store *rasterdb.Store) (*vector.Provider, error) {
	f, err := os.Open(cfg.Training.Points)
	if err != nil {
		return nil, fmt.Errorf("open points %q: %w", cfg.Training.Points, err)
	}
	defer func() { _ = f.Close() }()

	ps, err := vector.ReadGeoJSON(f)
	if err != nil {
		return nil, err
	}

	prov := vector.NewProvider(store, nodataOf(cfg))
	prov.Register(cfg.Training.Points, ps)
	return prov, nil
}

func runExtractPixels(ctx context.Context, cfg *pipelineConfig, store *rasterdb.Store, stack *rlearn.Stack, log *zap.SugaredLogger) error {
	if cfg.Training.Label == "" {
		return fmt.Errorf("task extract-pixels needs training.label")
	}
	tab := rasterdb.NewTabber(store, nodataOf(cfg))
	frame, err := stack.ExtractPixelsFrame(ctx, tab, cfg.Training.Label)
	if err != nil {
		return err
	}
	log.Infow("pixels extracted", "records", frame.Len(), "columns", frame.Columns())
	return writeSamples(cfg, frame, log)
}

func runExtractPoints(ctx context.Context, cfg *pipelineConfig, store *rasterdb.Store, stack *rlearn.Stack, log *zap.SugaredLogger) error {
	if cfg.Training.Points == "" || len(cfg.Training.Fields) == 0 {
		return fmt.Errorf("task extract-points needs training.points and training.fields")
	}
	prov, err := pointProvider(cfg, store)
	if err != nil {
		return err
	}
	frame, err := stack.ExtractPointsFrame(ctx, prov, cfg.Training.Points, cfg.Training.Fields)
	if err != nil {
		return err
	}
	log.Infow("points extracted", "records", frame.Len(), "columns", frame.Columns())
	return writeSamples(cfg, frame, log)
}

// writeSamples exports an extracted frame as a Parquet file.
func writeSamples(cfg *pipelineConfig, frame *rlearn.Frame, log *zap.SugaredLogger) error {
	if cfg.Output.Samples == "" {
		return fmt.Errorf("extraction tasks need output.samples")
	}

	f, err := os.Create(cfg.Output.Samples)
	if err != nil {
		return fmt.Errorf("create %q: %w", cfg.Output.Samples, err)
	}
	if err := frame.WriteParquet(f); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	log.Infow("samples written", "path", cfg.Output.Samples, "records", frame.Len())
	return nil
}
