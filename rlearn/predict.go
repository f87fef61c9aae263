package rlearn

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// maskedFill is the placeholder written into feature matrices in place of
// masked cells before an estimator call. It is distinct from any valid
// cell value and from the no-data sentinel.
const maskedFill = -99999

// -----------------------------------------------------------------------------
// Options
// -----------------------------------------------------------------------------

// PredictOption configures a prediction run.
type PredictOption func(*predictConfig)

type predictConfig struct {
	height      int
	overwrite   bool
	classLabels []int
	progress    func(done, total int)
}

// WithHeight sets the row-batch height for streaming prediction. Each
// batch of rows is read, predicted, and written before the next one is
// touched, bounding memory independent of raster size. The default (0)
// reads and predicts the whole raster in one shot.
func WithHeight(rows int) PredictOption {
	return func(c *predictConfig) { c.height = rows }
}

// WithOverwrite allows prediction to replace existing output rasters.
func WithOverwrite(v bool) PredictOption {
	return func(c *predictConfig) { c.overwrite = v }
}

// WithClassLabels supplies explicit class labels for probability output,
// bypassing label inference from the estimator.
func WithClassLabels(labels ...int) PredictOption {
	return func(c *predictConfig) { c.classLabels = labels }
}

// WithProgress registers a callback invoked after each completed window
// with the number of windows done and the total.
func WithProgress(fn func(done, total int)) PredictOption {
	return func(c *predictConfig) { c.progress = fn }
}

func newPredictConfig(opts []PredictOption) predictConfig {
	var cfg predictConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// -----------------------------------------------------------------------------
// Prediction entry points
// -----------------------------------------------------------------------------

// Predict runs an estimator over the stack and writes the result as one
// or more new rasters.
//
// The estimator is probed on a single representative window to determine
// output cardinality and numeric type. A single-target estimator produces
// one raster named output; a multi-target estimator produces one raster
// per target, named output_<index>. Integer-valued single-target results
// are written as CELL storage with the stack's no-data sentinel as fill;
// real-valued and multi-target results are written as FCELL with NaN fill.
func (s *Stack) Predict(ctx context.Context, est Estimator, output string, opts ...PredictOption) error {
	cfg := newPredictConfig(opts)

	reg, err := s.store.Region(ctx)
	if err != nil {
		return fmt.Errorf("rlearn: region: %w", err)
	}

	probe, pm, err := s.probe(ctx, reg, est.Predict)
	if err != nil {
		return err
	}
	_, targets := probe.Dims()

	if targets == 1 {
		ctype, fill := scalarOutputType(probe, pm, s.nodata)
		specs := []outputSpec{{name: output, ctype: ctype}}
		return s.streamPredict(ctx, reg, cfg, specs, []int{0}, fill, func(b *Block) (*Block, error) {
			return applyEstimator(est.Predict, b)
		})
	}

	// Multi-target: one FCELL raster per target.
	specs := make([]outputSpec, targets)
	indexes := make([]int, targets)
	for i := 0; i < targets; i++ {
		specs[i] = outputSpec{name: fmt.Sprintf("%s_%d", output, i), ctype: FCell}
		indexes[i] = i
	}
	return s.streamPredict(ctx, reg, cfg, specs, indexes, math.NaN(), func(b *Block) (*Block, error) {
		return applyEstimator(est.Predict, b)
	})
}

// PredictProba runs a probability estimator over the stack and writes one
// FCELL raster per class, named output_<label>.
//
// Without explicit class labels, labels are inferred by probing the
// estimator on one window and enumerating result columns. When exactly
// two classes are present, only the positive class (the larger label) is
// written, since the pair is complementary.
func (s *Stack) PredictProba(ctx context.Context, est ProbabilityEstimator, output string, opts ...PredictOption) error {
	cfg := newPredictConfig(opts)

	reg, err := s.store.Region(ctx)
	if err != nil {
		return fmt.Errorf("rlearn: region: %w", err)
	}

	labels := cfg.classLabels
	if labels == nil {
		probe, _, err := s.probe(ctx, reg, est.PredictProba)
		if err != nil {
			return err
		}
		_, classes := probe.Dims()
		labels = make([]int, classes)
		for i := range labels {
			labels[i] = i
		}
	}

	var indexes []int
	if len(labels) == 2 {
		positive := labels[0]
		if labels[1] > positive {
			positive = labels[1]
		}
		labels = []int{positive}
		indexes = []int{1}
	} else {
		indexes = make([]int, len(labels))
		for i := range indexes {
			indexes[i] = i
		}
	}

	specs := make([]outputSpec, len(labels))
	for i, label := range labels {
		specs[i] = outputSpec{name: fmt.Sprintf("%s_%d", output, label), ctype: FCell}
	}
	return s.streamPredict(ctx, reg, cfg, specs, indexes, math.NaN(), func(b *Block) (*Block, error) {
		return applyEstimator(est.PredictProba, b)
	})
}

// -----------------------------------------------------------------------------
// Dispatch internals
// -----------------------------------------------------------------------------

type outputSpec struct {
	name  string
	ctype CellType
}

// probe reads one representative window and runs the given prediction
// call on it, returning the raw result and the window's pixel mask.
func (s *Stack) probe(ctx context.Context, reg Region, predict func(*mat.Dense) (*mat.Dense, error)) (*mat.Dense, []bool, error) {
	b, err := s.readRange(ctx, 0, 1, reg)
	if err != nil {
		return nil, nil, err
	}
	res, err := predict(b.Pixels(maskedFill))
	if err != nil {
		return nil, nil, fmt.Errorf("rlearn: probe predict: %w", err)
	}
	if n, _ := res.Dims(); n != reg.Cols {
		return nil, nil, fmt.Errorf("rlearn: probe predict returned %d samples for %d pixels", n, reg.Cols)
	}
	return res, b.PixelMask(), nil
}

// scalarOutputType decides the storage type and fill value of a
// single-target output from a probe result: integral unmasked values
// write integer storage with the sentinel fill, anything real-valued
// writes floating storage with NaN fill.
func scalarOutputType(probe *mat.Dense, pm []bool, sentinel float64) (CellType, float64) {
	n, _ := probe.Dims()
	for p := 0; p < n; p++ {
		if pm[p] {
			continue
		}
		v := probe.At(p, 0)
		if math.IsNaN(v) || math.Trunc(v) != v {
			return FCell, math.NaN()
		}
	}
	return Cell, sentinel
}

// applyEstimator runs one prediction call over a block: reshape to a
// pixel matrix with masked cells filled, predict, and reshape the result
// back to (outputs, rows, cols). The output mask is the input's per-pixel
// any-band mask broadcast across every output band.
func applyEstimator(predict func(*mat.Dense) (*mat.Dense, error), b *Block) (*Block, error) {
	pm := b.PixelMask()
	res, err := predict(b.Pixels(maskedFill))
	if err != nil {
		return nil, err
	}

	n, outputs := res.Dims()
	if n != b.Rows()*b.Cols() {
		return nil, fmt.Errorf("rlearn: estimator returned %d samples for %d pixels", n, b.Rows()*b.Cols())
	}

	out := NewBlock(outputs, b.Rows(), b.Cols())
	for band := 0; band < outputs; band++ {
		for p := 0; p < n; p++ {
			r, c := p/b.Cols(), p%b.Cols()
			out.Set(band, r, c, res.At(p, band))
			if pm[p] {
				out.SetMasked(band, r, c, true)
			}
		}
	}
	return out, nil
}

// streamPredict iterates windows in increasing row order, predicts each
// one, and appends result rows to the output rasters. All outputs are
// opened up front and closed on every exit path, including a failed
// window, so no handle is leaked by a mid-stream error.
func (s *Stack) streamPredict(ctx context.Context, reg Region, cfg predictConfig, specs []outputSpec, indexes []int, fill float64, fn func(*Block) (*Block, error)) error {
	height := cfg.height
	if height <= 0 {
		height = reg.Rows
	}
	wins, err := Windows(reg.Rows, height)
	if err != nil {
		return err
	}

	writers := make([]RowWriter, 0, len(specs))
	for _, spec := range specs {
		w, cerr := s.store.Create(ctx, spec.name, spec.ctype, cfg.overwrite)
		if cerr != nil {
			for _, open := range writers {
				_ = open.Close()
			}
			return fmt.Errorf("rlearn: create output %s: %w", spec.name, cerr)
		}
		writers = append(writers, w)
	}

	runErr := func() error {
		for wi, win := range wins {
			b, err := s.readRange(ctx, win.Start, win.Stop, reg)
			if err != nil {
				return err
			}

			out, err := fn(b)
			if err != nil {
				return fmt.Errorf("rlearn: predict window [%d,%d): %w", win.Start, win.Stop, err)
			}
			if out.Bands() <= maxIndex(indexes) {
				return fmt.Errorf("rlearn: window [%d,%d): estimator produced %d outputs, need %d", win.Start, win.Stop, out.Bands(), maxIndex(indexes)+1)
			}
			out.FillMasked(fill)

			for i, idx := range indexes {
				for r := 0; r < out.Rows(); r++ {
					if err := writers[i].WriteRow(out.Row(idx, r)); err != nil {
						return fmt.Errorf("rlearn: write output %s: %w", specs[i].name, err)
					}
				}
			}

			if cfg.progress != nil {
				cfg.progress(wi+1, len(wins))
			}
		}
		return nil
	}()

	var closeErr error
	for i, w := range writers {
		if err := w.Close(); err != nil && closeErr == nil {
			closeErr = fmt.Errorf("rlearn: close output %s: %w", specs[i].name, err)
		}
	}

	if runErr != nil {
		return runErr
	}
	return closeErr
}

func maxIndex(xs []int) int {
	m := 0
	for _, x := range xs {
		if x > m {
			m = x
		}
	}
	return m
}
