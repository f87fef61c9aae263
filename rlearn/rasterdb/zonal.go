package rasterdb

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/stevenpawley/r.learn.ml/rlearn"
)

// Tabber cross-tabulates a label raster against value rasters cell by
// cell, implementing rlearn.ZonalTabber.
type Tabber struct {
	store  rlearn.RasterStore
	nodata float64
}

var _ rlearn.ZonalTabber = (*Tabber)(nil)

// NewTabber creates a Tabber over a raster store. Cells equal to the
// no-data sentinel, or non-finite, in any participating raster are
// excluded from the tabulation.
func NewTabber(store rlearn.RasterStore, nodata float64) *Tabber {
	return &Tabber{store: store, nodata: nodata}
}

// CrossTab walks the region row by row and emits one pipe-delimited
// record per distinct (label, values...) grouping, in first-seen order.
// The leading two fields hold the cell-center coordinates of the first
// cell of each grouping.
func (t *Tabber) CrossTab(ctx context.Context, label string, rasters []string) (io.ReadCloser, error) {
	reg, err := t.store.Region(ctx)
	if err != nil {
		return nil, fmt.Errorf("rasterdb: cross-tab: %w", err)
	}

	names := append([]string{label}, rasters...)
	readers := make([]rlearn.RowReader, 0, len(names))
	defer func() {
		for _, r := range readers {
			_ = r.Close()
		}
	}()
	for _, raster := range names {
		layer, err := t.store.Resolve(ctx, raster)
		if err != nil {
			return nil, fmt.Errorf("rasterdb: cross-tab %q: %w", raster, err)
		}
		r, err := t.store.Open(ctx, layer.Name, layer.Mapset)
		if err != nil {
			return nil, fmt.Errorf("rasterdb: cross-tab %q: %w", raster, err)
		}
		readers = append(readers, r)
	}

	var buf bytes.Buffer
	seen := make(map[string]bool)
	ew, ns := reg.EWRes(), reg.NSRes()

	rows := make([][]float64, len(readers))
	for row := 0; row < reg.Rows; row++ {
		for i, r := range readers {
			rows[i], err = r.ReadRow(row)
			if err != nil {
				return nil, fmt.Errorf("rasterdb: cross-tab %q row %d: %w", names[i], row, err)
			}
		}

		for col := 0; col < reg.Cols; col++ {
			fields := make([]string, 0, len(readers))
			valid := true
			for i := range readers {
				v := rows[i][col]
				if v == t.nodata || math.IsNaN(v) || math.IsInf(v, 0) {
					valid = false
					break
				}
				fields = append(fields, strconv.FormatFloat(v, 'g', -1, 64))
			}
			if !valid {
				continue
			}

			key := strings.Join(fields, "|")
			if seen[key] {
				continue
			}
			seen[key] = true

			x := reg.West + (float64(col)+0.5)*ew
			y := reg.North - (float64(row)+0.5)*ns
			buf.WriteString(strconv.FormatFloat(x, 'g', -1, 64))
			buf.WriteByte('|')
			buf.WriteString(strconv.FormatFloat(y, 'g', -1, 64))
			buf.WriteByte('|')
			buf.WriteString(key)
			buf.WriteByte('\n')
		}
	}

	return io.NopCloser(bytes.NewReader(buf.Bytes())), nil
}
