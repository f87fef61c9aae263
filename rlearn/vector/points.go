// Package vector provides point feature sets with attribute tables and a
// raster sampler over them, implementing the point sampling contract of
// the rlearn package.
package vector

import (
	"context"
	"fmt"
	"io"
	"math"
	"sort"

	geom "github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/stevenpawley/r.learn.ml/rlearn"
)

// KeyColumn is the primary-key column of every point set.
const KeyColumn = "cat"

// PointSet is an in-memory point feature set with numeric attributes,
// keyed by an integer category. It implements rlearn.AttributeTable.
type PointSet struct {
	points  map[int]*geom.Point
	attrs   map[int]map[string]float64
	order   []int
	columns []rlearn.TableColumn
}

var _ rlearn.AttributeTable = (*PointSet)(nil)

// NewPointSet creates an empty point set with the given attribute
// columns. The key column is implicit and always present.
func NewPointSet(fields ...string) *PointSet {
	columns := make([]rlearn.TableColumn, 0, len(fields)+1)
	columns = append(columns, rlearn.TableColumn{Name: KeyColumn, Type: "INTEGER"})
	for _, f := range fields {
		columns = append(columns, rlearn.TableColumn{Name: f, Type: "DOUBLE PRECISION"})
	}
	return &PointSet{
		points:  make(map[int]*geom.Point),
		attrs:   make(map[int]map[string]float64),
		columns: columns,
	}
}

// Add registers one point with its attribute values. Adding an existing
// key replaces the previous feature.
func (ps *PointSet) Add(key int, x, y float64, attrs map[string]float64) {
	if _, exists := ps.points[key]; !exists {
		ps.order = append(ps.order, key)
	}
	ps.points[key] = geom.NewPointFlat(geom.XY, []float64{x, y})

	cp := make(map[string]float64, len(attrs))
	for k, v := range attrs {
		cp[k] = v
	}
	ps.attrs[key] = cp
}

// Len returns the number of points.
func (ps *PointSet) Len() int { return len(ps.order) }

// Keys returns the point keys in insertion order.
func (ps *PointSet) Keys() []int {
	out := make([]int, len(ps.order))
	copy(out, ps.order)
	return out
}

// Point returns the geometry of one point.
func (ps *PointSet) Point(key int) (*geom.Point, bool) {
	p, ok := ps.points[key]
	return p, ok
}

// Key returns the primary-key column name.
func (ps *PointSet) Key() string { return KeyColumn }

// Columns returns the ordered table columns.
func (ps *PointSet) Columns() []rlearn.TableColumn {
	out := make([]rlearn.TableColumn, len(ps.columns))
	copy(out, ps.columns)
	return out
}

// Rows returns the attribute values of every point keyed by category.
func (ps *PointSet) Rows(ctx context.Context) (map[int]map[string]float64, error) {
	out := make(map[int]map[string]float64, len(ps.attrs))
	for k, attrs := range ps.attrs {
		cp := make(map[string]float64, len(attrs))
		for name, v := range attrs {
			cp[name] = v
		}
		out[k] = cp
	}
	return out, nil
}

// ReadGeoJSON builds a PointSet from a GeoJSON feature collection of
// point geometries. Numeric properties become attribute columns; the
// feature's "cat" property, when integral, becomes its key, otherwise
// keys are assigned sequentially from one. Missing attribute values are
// NaN.
func ReadGeoJSON(r io.Reader) (*PointSet, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("vector: read geojson: %w", err)
	}

	var fc geojson.FeatureCollection
	if err := fc.UnmarshalJSON(data); err != nil {
		return nil, fmt.Errorf("vector: decode geojson: %w", err)
	}

	// Collect the union of numeric property names for the column set.
	fieldSet := make(map[string]bool)
	for _, f := range fc.Features {
		for name, v := range f.Properties {
			if name == KeyColumn {
				continue
			}
			if _, ok := v.(float64); ok {
				fieldSet[name] = true
			}
		}
	}
	fields := make([]string, 0, len(fieldSet))
	for name := range fieldSet {
		fields = append(fields, name)
	}
	sort.Strings(fields)

	ps := NewPointSet(fields...)
	for i, f := range fc.Features {
		pt, ok := f.Geometry.(*geom.Point)
		if !ok {
			return nil, fmt.Errorf("vector: feature %d: geometry is %T, want point", i, f.Geometry)
		}

		key := i + 1
		if raw, ok := f.Properties[KeyColumn].(float64); ok && math.Trunc(raw) == raw {
			key = int(raw)
		}

		attrs := make(map[string]float64, len(fields))
		for _, name := range fields {
			v, ok := f.Properties[name].(float64)
			if !ok {
				v = math.NaN()
			}
			attrs[name] = v
		}
		ps.Add(key, pt.X(), pt.Y(), attrs)
	}
	return ps, nil
}
