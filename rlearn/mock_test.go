package rlearn

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// mockStore is an in-memory RasterStore with a single mapset, enough to
// exercise the stack, read, and predict paths without real storage.
type mockStore struct {
	region  Region
	mapset  string
	rasters map[string][][]float64
	types   map[string]CellType
	groups  map[string][]string

	createErr error
	closeErr  error
	writers   []*mockWriter
}

var _ RasterStore = (*mockStore)(nil)

func newMockStore(region Region) *mockStore {
	return &mockStore{
		region:  region,
		mapset:  "testing",
		rasters: make(map[string][][]float64),
		types:   make(map[string]CellType),
		groups:  make(map[string][]string),
	}
}

func (m *mockStore) add(name string, ctype CellType, rows [][]float64) {
	m.rasters[name] = rows
	m.types[name] = ctype
}

func (m *mockStore) Region(ctx context.Context) (Region, error) {
	return m.region, nil
}

func (m *mockStore) Resolve(ctx context.Context, raster string) (Layer, error) {
	name, mapset := SplitName(raster)
	if mapset != "" && mapset != m.mapset {
		return Layer{}, ErrLayerNotFound
	}
	if _, ok := m.rasters[name]; !ok {
		return Layer{}, ErrLayerNotFound
	}
	return Layer{Name: name, Mapset: m.mapset, Type: m.types[name]}, nil
}

func (m *mockStore) Open(ctx context.Context, name, mapset string) (RowReader, error) {
	rows, ok := m.rasters[name]
	if !ok {
		return nil, ErrLayerNotFound
	}
	return &mockReader{rows: rows}, nil
}

func (m *mockStore) Create(ctx context.Context, name string, ctype CellType, overwrite bool) (RowWriter, error) {
	if m.createErr != nil {
		return nil, m.createErr
	}
	if _, exists := m.rasters[name]; exists && !overwrite {
		return nil, fmt.Errorf("raster %q exists", name)
	}
	w := &mockWriter{store: m, name: name, ctype: ctype}
	m.writers = append(m.writers, w)
	return w, nil
}

func (m *mockStore) ListGroup(ctx context.Context, group string) ([]string, error) {
	members, ok := m.groups[group]
	if !ok {
		return nil, fmt.Errorf("group %q not found", group)
	}
	return members, nil
}

type mockReader struct {
	rows   [][]float64
	closed bool
}

func (r *mockReader) ReadRow(i int) ([]float64, error) {
	if i < 0 || i >= len(r.rows) {
		return nil, fmt.Errorf("row %d out of range", i)
	}
	return r.rows[i], nil
}

func (r *mockReader) ReadAll() ([][]float64, error) { return r.rows, nil }

func (r *mockReader) Close() error {
	r.closed = true
	return nil
}

type mockWriter struct {
	store  *mockStore
	name   string
	ctype  CellType
	rows   [][]float64
	closed bool
}

func (w *mockWriter) WriteRow(row []float64) error {
	cp := make([]float64, len(row))
	copy(cp, row)
	w.rows = append(w.rows, cp)
	return nil
}

func (w *mockWriter) Close() error {
	w.closed = true
	if w.store.closeErr != nil {
		return w.store.closeErr
	}
	w.store.add(w.name, w.ctype, w.rows)
	return nil
}

// mockTabber serves a fixed cross-tab stream.
type mockTabber struct {
	records []string
	label   string
	rasters []string
}

var _ ZonalTabber = (*mockTabber)(nil)

func (m *mockTabber) CrossTab(ctx context.Context, label string, rasters []string) (io.ReadCloser, error) {
	m.label = label
	m.rasters = rasters
	return io.NopCloser(bytes.NewBufferString(strings.Join(m.records, "\n"))), nil
}

// mockPoints serves fixed attributes and per-raster sample streams.
type mockPoints struct {
	key     string
	columns []TableColumn
	attrs   map[int]map[string]float64
	samples map[string][]string
}

var _ PointProvider = (*mockPoints)(nil)

func (m *mockPoints) OpenTable(ctx context.Context, points string) (AttributeTable, error) {
	return m, nil
}

func (m *mockPoints) Key() string { return m.key }

func (m *mockPoints) Columns() []TableColumn { return m.columns }

func (m *mockPoints) Rows(ctx context.Context) (map[int]map[string]float64, error) {
	return m.attrs, nil
}

func (m *mockPoints) SampleAtPoints(ctx context.Context, points, raster string) (io.ReadCloser, error) {
	recs, ok := m.samples[raster]
	if !ok {
		return nil, fmt.Errorf("no samples for raster %q", raster)
	}
	return io.NopCloser(bytes.NewBufferString(strings.Join(recs, "\n"))), nil
}

// constEstimator predicts a fixed value per target for every sample.
type constEstimator struct {
	values []float64
}

var _ Estimator = (*constEstimator)(nil)

func (e *constEstimator) Predict(x *mat.Dense) (*mat.Dense, error) {
	n, _ := x.Dims()
	out := mat.NewDense(n, len(e.values), nil)
	for i := 0; i < n; i++ {
		for j, v := range e.values {
			out.Set(i, j, v)
		}
	}
	return out, nil
}

// sumEstimator predicts the per-sample feature sum, giving outputs that
// vary with the input so windowed and one-shot runs can be compared.
type sumEstimator struct{}

var _ Estimator = (*sumEstimator)(nil)

func (sumEstimator) Predict(x *mat.Dense) (*mat.Dense, error) {
	n, k := x.Dims()
	out := mat.NewDense(n, 1, nil)
	for i := 0; i < n; i++ {
		var sum float64
		for j := 0; j < k; j++ {
			sum += x.At(i, j)
		}
		out.Set(i, 0, sum)
	}
	return out, nil
}

// probaEstimator emits fixed class probabilities for every sample.
type probaEstimator struct {
	probs []float64
}

var _ ProbabilityEstimator = (*probaEstimator)(nil)

func (e *probaEstimator) Predict(x *mat.Dense) (*mat.Dense, error) {
	n, _ := x.Dims()
	out := mat.NewDense(n, 1, nil)
	for i := 0; i < n; i++ {
		best := 0
		for j, p := range e.probs {
			if p > e.probs[best] {
				best = j
			}
		}
		out.Set(i, 0, float64(best))
	}
	return out, nil
}

func (e *probaEstimator) PredictProba(x *mat.Dense) (*mat.Dense, error) {
	n, _ := x.Dims()
	out := mat.NewDense(n, len(e.probs), nil)
	for i := 0; i < n; i++ {
		for j, p := range e.probs {
			out.Set(i, j, p)
		}
	}
	return out, nil
}

// failEstimator fails every prediction call.
type failEstimator struct{}

var _ Estimator = (*failEstimator)(nil)

func (failEstimator) Predict(x *mat.Dense) (*mat.Dense, error) {
	return nil, fmt.Errorf("model failure")
}
