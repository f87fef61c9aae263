package rlearn

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// -----------------------------------------------------------------------------
// Options
// -----------------------------------------------------------------------------

// ExtractOption configures a sample extraction.
type ExtractOption func(*extractConfig)

type extractConfig struct {
	keepNaN bool
}

// WithKeepNaN retains records carrying NaN in predictor columns. Records
// with NaN in a response column are always dropped.
func WithKeepNaN() ExtractOption {
	return func(c *extractConfig) { c.keepNaN = true }
}

func newExtractConfig(opts []ExtractOption) extractConfig {
	var cfg extractConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// -----------------------------------------------------------------------------
// Zonal extraction
// -----------------------------------------------------------------------------

// ExtractPixelsFrame cross-tabulates a labelled raster against the stack
// and returns the samples as a frame with columns
// ("cat", label short name, stack layer names...). The cat column is a
// sequential record identifier starting at one.
//
// Sentinel values in the stream are mapped to NaN. Records whose response
// value is NaN are dropped unconditionally; records with NaN predictors
// are dropped too unless WithKeepNaN is given.
func (s *Stack) ExtractPixelsFrame(ctx context.Context, tab ZonalTabber, label string, opts ...ExtractOption) (*Frame, error) {
	cfg := newExtractConfig(opts)

	if s.Count() == 0 {
		return nil, fmt.Errorf("rlearn: extract: %w", ErrEmptyStack)
	}

	rc, err := tab.CrossTab(ctx, label, s.FullNames())
	if err != nil {
		return nil, fmt.Errorf("rlearn: cross-tabulate %q: %w", label, err)
	}
	defer rc.Close()

	respName := shortName(label)
	cols := append([]string{"cat", respName}, s.Names()...)
	f := NewFrame(cols)

	// Each record is coord|coord|label|v1|...|vN. The coordinate fields
	// are placeholders and carry no information here.
	want := 3 + s.Count()
	record := make([]float64, len(cols))

	sc := bufio.NewScanner(rc)
	cat := 0
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, "|")
		if len(fields) != want {
			return nil, fmt.Errorf("rlearn: cross-tab record %q: got %d fields, want %d", line, len(fields), want)
		}

		cat++
		record[0] = float64(cat)
		for i, field := range fields[2:] {
			v, err := parseSample(field)
			if err != nil {
				return nil, fmt.Errorf("rlearn: cross-tab record %q: %w", line, err)
			}
			record[1+i] = v
		}
		if err := f.Append(record); err != nil {
			return nil, err
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("rlearn: cross-tab stream: %w", err)
	}

	f.ReplaceSentinel(s.nodata)
	if cfg.keepNaN {
		return f.DropNaN(respName)
	}
	return f.DropNaN()
}

// ExtractPixels cross-tabulates a labelled raster against the stack and
// splits the samples into a feature matrix X (samples x layers), a
// response vector y, and the record identifiers.
func (s *Stack) ExtractPixels(ctx context.Context, tab ZonalTabber, label string, opts ...ExtractOption) (x *mat.Dense, y []float64, cat []int, err error) {
	f, err := s.ExtractPixelsFrame(ctx, tab, label, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	return splitSamples(f, []string{shortName(label)}, s.Names())
}

// -----------------------------------------------------------------------------
// Point extraction
// -----------------------------------------------------------------------------

// ExtractPointsFrame samples every stack layer at the locations of a
// named point set and joins the samples with the requested attribute
// fields. Columns are ("cat", fields..., stack layer names...), one
// record per point, ordered by point key.
//
// A point outside the region or over no-data in some layer gets NaN for
// that layer. Records with NaN in any requested field are dropped
// unconditionally; NaN predictors additionally drop the record unless
// WithKeepNaN is given.
func (s *Stack) ExtractPointsFrame(ctx context.Context, prov PointProvider, points string, fields []string, opts ...ExtractOption) (*Frame, error) {
	cfg := newExtractConfig(opts)

	if s.Count() == 0 {
		return nil, fmt.Errorf("rlearn: extract: %w", ErrEmptyStack)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("rlearn: extract points %q: no attribute fields requested", points)
	}

	table, err := prov.OpenTable(ctx, points)
	if err != nil {
		return nil, fmt.Errorf("rlearn: open points %q: %w", points, err)
	}
	attrs, err := table.Rows(ctx)
	if err != nil {
		return nil, fmt.Errorf("rlearn: read attributes of %q: %w", points, err)
	}

	// Sample each layer in band order, accumulating per-point columns.
	samples := make(map[int][]float64, len(attrs))
	for band, full := range s.FullNames() {
		if err := s.samplePoints(ctx, prov, points, full, band, samples); err != nil {
			return nil, err
		}
	}

	keys := make([]int, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	cols := make([]string, 0, 1+len(fields)+s.Count())
	cols = append(cols, "cat")
	cols = append(cols, fields...)
	cols = append(cols, s.Names()...)
	f := NewFrame(cols)

	record := make([]float64, len(cols))
	for _, k := range keys {
		record[0] = float64(k)
		for i, field := range fields {
			v, ok := attrs[k][field]
			if !ok {
				return nil, fmt.Errorf("rlearn: points %q: field %q: %w", points, field, ErrUnknownLabel)
			}
			record[1+i] = v
		}
		vals := samples[k]
		for band := 0; band < s.Count(); band++ {
			v := math.NaN()
			if vals != nil && band < len(vals) {
				v = vals[band]
			}
			record[1+len(fields)+band] = v
		}
		if err := f.Append(record); err != nil {
			return nil, err
		}
	}

	f.ReplaceSentinel(s.nodata)
	if cfg.keepNaN {
		return f.DropNaN(fields...)
	}
	return f.DropNaN()
}

// samplePoints streams one layer's point samples into the per-point
// accumulator at band position band.
func (s *Stack) samplePoints(ctx context.Context, prov PointProvider, points, raster string, band int, dst map[int][]float64) (err error) {
	rc, err := prov.SampleAtPoints(ctx, points, raster)
	if err != nil {
		return fmt.Errorf("rlearn: sample %q at %q: %w", raster, points, err)
	}
	defer func() {
		if cerr := rc.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("rlearn: close sample stream of %q: %w", raster, cerr)
		}
	}()

	sc := bufio.NewScanner(rc)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		idField, valField, ok := strings.Cut(line, "|")
		if !ok {
			return fmt.Errorf("rlearn: sample record %q: missing separator", line)
		}
		id, perr := strconv.Atoi(idField)
		if perr != nil {
			return fmt.Errorf("rlearn: sample record %q: bad point id: %w", line, perr)
		}
		v, perr := parseSample(valField)
		if perr != nil {
			return fmt.Errorf("rlearn: sample record %q: %w", line, perr)
		}

		vals := dst[id]
		for len(vals) <= band {
			vals = append(vals, math.NaN())
		}
		vals[band] = v
		dst[id] = vals
	}
	if serr := sc.Err(); serr != nil {
		return fmt.Errorf("rlearn: sample stream of %q: %w", raster, serr)
	}
	return nil
}

// ExtractPoints samples the stack at a named point set and splits the
// result into a feature matrix X (samples x layers), a response matrix Y
// (samples x fields), and the point keys.
func (s *Stack) ExtractPoints(ctx context.Context, prov PointProvider, points string, fields []string, opts ...ExtractOption) (x, y *mat.Dense, cat []int, err error) {
	f, err := s.ExtractPointsFrame(ctx, prov, points, fields, opts...)
	if err != nil {
		return nil, nil, nil, err
	}

	x, err = f.Matrix(s.Names()...)
	if err != nil {
		return nil, nil, nil, err
	}
	y, err = f.Matrix(fields...)
	if err != nil {
		return nil, nil, nil, err
	}
	cat, ok := f.IntColumn("cat")
	if !ok {
		return nil, nil, nil, fmt.Errorf("rlearn: point keys are not integral")
	}
	return x, y, cat, nil
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

// parseSample converts one streamed sample token to a value, mapping the
// missing token to NaN.
func parseSample(field string) (float64, error) {
	if field == MissingToken {
		return math.NaN(), nil
	}
	v, err := strconv.ParseFloat(field, 64)
	if err != nil {
		return 0, fmt.Errorf("bad value %q: %w", field, err)
	}
	return v, nil
}

// splitSamples splits an extracted frame into features, a single response
// column, and record identifiers.
func splitSamples(f *Frame, respCols, featCols []string) (x *mat.Dense, y []float64, cat []int, err error) {
	x, err = f.Matrix(featCols...)
	if err != nil {
		return nil, nil, nil, err
	}
	y, err = f.Column(respCols[0])
	if err != nil {
		return nil, nil, nil, err
	}
	cat, ok := f.IntColumn("cat")
	if !ok {
		return nil, nil, nil, fmt.Errorf("rlearn: record identifiers are not integral")
	}
	return x, y, cat, nil
}
