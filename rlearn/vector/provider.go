package vector

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/stevenpawley/r.learn.ml/rlearn"
)

// Provider serves registered point sets and samples rasters at their
// locations, implementing rlearn.PointProvider.
type Provider struct {
	store  rlearn.RasterStore
	nodata float64
	sets   map[string]*PointSet
}

var _ rlearn.PointProvider = (*Provider)(nil)

// NewProvider creates a Provider over a raster store. Sampled cells equal
// to the no-data sentinel, or non-finite, report the missing token.
func NewProvider(store rlearn.RasterStore, nodata float64) *Provider {
	return &Provider{
		store:  store,
		nodata: nodata,
		sets:   make(map[string]*PointSet),
	}
}

// Register makes a point set available under a name.
func (p *Provider) Register(name string, ps *PointSet) {
	p.sets[name] = ps
}

// OpenTable opens the attribute table of a registered point set.
func (p *Provider) OpenTable(ctx context.Context, points string) (rlearn.AttributeTable, error) {
	ps, ok := p.sets[points]
	if !ok {
		return nil, fmt.Errorf("vector: point set %q: %w", points, rlearn.ErrLayerNotFound)
	}
	return ps, nil
}

// SampleAtPoints samples one raster at every point of a registered set,
// in key order. Each record is "key|value"; points outside the region or
// over no-data cells report the missing token instead of a value.
func (p *Provider) SampleAtPoints(ctx context.Context, points, raster string) (io.ReadCloser, error) {
	ps, ok := p.sets[points]
	if !ok {
		return nil, fmt.Errorf("vector: point set %q: %w", points, rlearn.ErrLayerNotFound)
	}

	reg, err := p.store.Region(ctx)
	if err != nil {
		return nil, fmt.Errorf("vector: sample %q: %w", raster, err)
	}
	layer, err := p.store.Resolve(ctx, raster)
	if err != nil {
		return nil, fmt.Errorf("vector: sample %q: %w", raster, err)
	}
	r, err := p.store.Open(ctx, layer.Name, layer.Mapset)
	if err != nil {
		return nil, fmt.Errorf("vector: sample %q: %w", raster, err)
	}
	defer func() { _ = r.Close() }()

	ew, ns := reg.EWRes(), reg.NSRes()

	var buf bytes.Buffer
	for _, key := range ps.order {
		pt := ps.points[key]

		buf.WriteString(strconv.Itoa(key))
		buf.WriteByte('|')

		col := int(math.Floor((pt.X() - reg.West) / ew))
		row := int(math.Floor((reg.North - pt.Y()) / ns))
		if row < 0 || row >= reg.Rows || col < 0 || col >= reg.Cols {
			buf.WriteString(rlearn.MissingToken)
			buf.WriteByte('\n')
			continue
		}

		cells, err := r.ReadRow(row)
		if err != nil {
			return nil, fmt.Errorf("vector: sample %q row %d: %w", raster, row, err)
		}
		v := cells[col]
		if v == p.nodata || math.IsNaN(v) || math.IsInf(v, 0) {
			buf.WriteString(rlearn.MissingToken)
		} else {
			buf.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
		}
		buf.WriteByte('\n')
	}

	return io.NopCloser(bytes.NewReader(buf.Bytes())), nil
}
