package rlearn

import (
	"fmt"
	"io"
	"math"

	"github.com/parquet-go/parquet-go"
	"gonum.org/v1/gonum/mat"
)

func nan() float64 { return math.NaN() }

// -----------------------------------------------------------------------------
// Frame
// -----------------------------------------------------------------------------

// Frame is a small column-ordered numeric table used for extracted
// samples and tabular stack exports. Missing values are NaN.
type Frame struct {
	columns []string
	colIdx  map[string]int
	records [][]float64
}

// NewFrame creates an empty frame with the given ordered columns.
func NewFrame(columns []string) *Frame {
	idx := make(map[string]int, len(columns))
	for i, c := range columns {
		idx[c] = i
	}
	return &Frame{columns: columns, colIdx: idx}
}

// Columns returns the ordered column names.
func (f *Frame) Columns() []string {
	out := make([]string, len(f.columns))
	copy(out, f.columns)
	return out
}

// Len returns the number of records.
func (f *Frame) Len() int { return len(f.records) }

// Append adds one record. Its length must match the column count.
func (f *Frame) Append(record []float64) error {
	if len(record) != len(f.columns) {
		return fmt.Errorf("rlearn: record has %d values, frame has %d columns", len(record), len(f.columns))
	}
	row := make([]float64, len(record))
	copy(row, record)
	f.records = append(f.records, row)
	return nil
}

// Record returns the backing slice of record i.
func (f *Frame) Record(i int) []float64 { return f.records[i] }

// Column returns the values of one column.
func (f *Frame) Column(name string) ([]float64, error) {
	i, ok := f.colIdx[name]
	if !ok {
		return nil, fmt.Errorf("rlearn: frame column %q: %w", name, ErrUnknownLabel)
	}
	out := make([]float64, len(f.records))
	for r, rec := range f.records {
		out[r] = rec[i]
	}
	return out, nil
}

// IntColumn returns a column as integers when every value is integral
// (no fractional remainder). The second result reports whether the
// coercion applied.
func (f *Frame) IntColumn(name string) ([]int, bool) {
	vals, err := f.Column(name)
	if err != nil {
		return nil, false
	}
	out := make([]int, len(vals))
	for i, v := range vals {
		if math.IsNaN(v) || math.Trunc(v) != v {
			return nil, false
		}
		out[i] = int(v)
	}
	return out, true
}

// Matrix assembles the named columns into a dense (records x columns)
// matrix, in the requested order.
func (f *Frame) Matrix(cols ...string) (*mat.Dense, error) {
	idx := make([]int, len(cols))
	for i, c := range cols {
		j, ok := f.colIdx[c]
		if !ok {
			return nil, fmt.Errorf("rlearn: frame column %q: %w", c, ErrUnknownLabel)
		}
		idx[i] = j
	}

	if len(f.records) == 0 {
		return nil, fmt.Errorf("rlearn: frame has no records")
	}
	out := mat.NewDense(len(f.records), len(cols), nil)
	for r, rec := range f.records {
		for i, j := range idx {
			out.Set(r, i, rec[j])
		}
	}
	return out, nil
}

// DropNaN returns a new frame without the records holding NaN in any of
// the named columns. With no columns given, every column participates.
func (f *Frame) DropNaN(cols ...string) (*Frame, error) {
	idx := make([]int, 0, len(cols))
	if len(cols) == 0 {
		for i := range f.columns {
			idx = append(idx, i)
		}
	} else {
		for _, c := range cols {
			j, ok := f.colIdx[c]
			if !ok {
				return nil, fmt.Errorf("rlearn: frame column %q: %w", c, ErrUnknownLabel)
			}
			idx = append(idx, j)
		}
	}

	out := NewFrame(f.columns)
	for _, rec := range f.records {
		keep := true
		for _, j := range idx {
			if math.IsNaN(rec[j]) {
				keep = false
				break
			}
		}
		if keep {
			if err := out.Append(rec); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// ReplaceSentinel maps every occurrence of the sentinel value, in any
// column, to NaN.
func (f *Frame) ReplaceSentinel(sentinel float64) {
	for _, rec := range f.records {
		for i, v := range rec {
			if v == sentinel {
				rec[i] = math.NaN()
			}
		}
	}
}

// -----------------------------------------------------------------------------
// Parquet export
// -----------------------------------------------------------------------------

// WriteParquet serializes the frame as a Parquet file with one DOUBLE
// column per frame column. NaN values are written as nulls.
func (f *Frame) WriteParquet(w io.Writer) error {
	group := make(parquet.Group, len(f.columns))
	for _, c := range f.columns {
		group[c] = parquet.Optional(parquet.Leaf(parquet.DoubleType))
	}
	schema := parquet.NewSchema("samples", group)

	// Column order of the built schema may differ from frame order.
	fields := schema.Fields()
	order := make([]int, len(fields))
	for i, fld := range fields {
		j, ok := f.colIdx[fld.Name()]
		if !ok {
			return fmt.Errorf("rlearn: parquet schema field %q not in frame", fld.Name())
		}
		order[i] = j
	}

	rowBuf := parquet.NewBuffer(schema)
	for r, rec := range f.records {
		row := make(parquet.Row, len(order))
		for i, j := range order {
			v := rec[j]
			if math.IsNaN(v) {
				row[i] = parquet.NullValue().Level(0, 0, i)
				continue
			}
			row[i] = parquet.DoubleValue(v).Level(0, 1, i)
		}
		if _, err := rowBuf.WriteRows([]parquet.Row{row}); err != nil {
			return fmt.Errorf("rlearn: parquet write record %d: %w", r, err)
		}
	}

	pw := parquet.NewWriter(w, schema, parquet.Compression(&parquet.Snappy))
	if _, err := pw.WriteRowGroup(rowBuf); err != nil {
		_ = pw.Close()
		return fmt.Errorf("rlearn: parquet write row group: %w", err)
	}
	if err := pw.Close(); err != nil {
		return fmt.Errorf("rlearn: parquet close: %w", err)
	}
	return nil
}
