package rlearn

import (
	"context"
	"fmt"
)

// -----------------------------------------------------------------------------
// Windowed reads
// -----------------------------------------------------------------------------

// Read reads the entire stack into one masked Block shaped
// (count, region rows, region cols).
func (s *Stack) Read(ctx context.Context) (*Block, error) {
	reg, err := s.store.Region(ctx)
	if err != nil {
		return nil, fmt.Errorf("rlearn: region: %w", err)
	}
	return s.readRange(ctx, 0, reg.Rows, reg)
}

// ReadRow reads a single row of every layer into a (count, 1, cols) Block.
func (s *Stack) ReadRow(ctx context.Context, row int) (*Block, error) {
	reg, err := s.store.Region(ctx)
	if err != nil {
		return nil, fmt.Errorf("rlearn: region: %w", err)
	}
	if row < 0 || row >= reg.Rows {
		return nil, fmt.Errorf("rlearn: row %d of %d: %w", row, reg.Rows, ErrInvalidWindow)
	}
	return s.readRange(ctx, row, row+1, reg)
}

// ReadWindow reads a row window of every layer into a
// (count, window height, cols) Block.
func (s *Stack) ReadWindow(ctx context.Context, w Window) (*Block, error) {
	reg, err := s.store.Region(ctx)
	if err != nil {
		return nil, fmt.Errorf("rlearn: region: %w", err)
	}
	if w.Start < 0 || w.Stop <= w.Start || w.Stop > reg.Rows {
		return nil, fmt.Errorf("rlearn: window [%d,%d) of %d rows: %w", w.Start, w.Stop, reg.Rows, ErrInvalidWindow)
	}
	return s.readRange(ctx, w.Start, w.Stop, reg)
}

// readRange materializes rows [start, stop) of every layer, then applies
// the no-data normalization: cells equal to the sentinel or non-finite
// are masked. Any read failure for any band fails the whole call.
func (s *Stack) readRange(ctx context.Context, start, stop int, reg Region) (*Block, error) {
	if s.Count() == 0 {
		return nil, fmt.Errorf("rlearn: read: %w", ErrEmptyStack)
	}

	b := NewBlock(s.Count(), stop-start, reg.Cols)

	for band, name := range s.names {
		layer := s.layers[name]
		if err := s.readBand(ctx, layer, band, start, stop, reg.Cols, b); err != nil {
			return nil, err
		}
	}

	b.ApplyNoData(s.nodata)
	return b, nil
}

// readBand copies rows [start, stop) of one layer into band slot `band`
// of the destination block. The layer handle is closed on every path.
func (s *Stack) readBand(ctx context.Context, layer Layer, band, start, stop, cols int, dst *Block) (err error) {
	r, err := s.store.Open(ctx, layer.Name, layer.Mapset)
	if err != nil {
		return fmt.Errorf("rlearn: open raster %s: %w", layer.FullName(), err)
	}
	defer func() {
		if cerr := r.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("rlearn: close raster %s: %w", layer.FullName(), cerr)
		}
	}()

	for i := start; i < stop; i++ {
		row, rerr := r.ReadRow(i)
		if rerr != nil {
			return fmt.Errorf("rlearn: read raster %s row %d: %w", layer.FullName(), i, rerr)
		}
		if len(row) != cols {
			return fmt.Errorf("rlearn: raster %s row %d: got %d cols, region has %d", layer.FullName(), i, len(row), cols)
		}
		copy(dst.Row(band, i-start), row)
	}
	return nil
}

// Head reads a preview window covering up to the first ten rows.
func (s *Stack) Head(ctx context.Context) (*Block, error) {
	reg, err := s.store.Region(ctx)
	if err != nil {
		return nil, fmt.Errorf("rlearn: region: %w", err)
	}
	stop := 10
	if stop > reg.Rows {
		stop = reg.Rows
	}
	return s.readRange(ctx, 0, stop, reg)
}

// Tail reads a preview window covering up to the last ten rows.
func (s *Stack) Tail(ctx context.Context) (*Block, error) {
	reg, err := s.store.Region(ctx)
	if err != nil {
		return nil, fmt.Errorf("rlearn: region: %w", err)
	}
	start := reg.Rows - 10
	if start < 0 {
		start = 0
	}
	return s.readRange(ctx, start, reg.Rows, reg)
}

// ToFrame reads the whole stack into a tabular frame with one record per
// cell: x and y cell-center coordinates followed by one column per layer.
// Masked cells become NaN.
func (s *Stack) ToFrame(ctx context.Context) (*Frame, error) {
	reg, err := s.store.Region(ctx)
	if err != nil {
		return nil, fmt.Errorf("rlearn: region: %w", err)
	}

	b, err := s.readRange(ctx, 0, reg.Rows, reg)
	if err != nil {
		return nil, err
	}

	cols := append([]string{"x", "y"}, s.Names()...)
	f := NewFrame(cols)

	ew, ns := reg.EWRes(), reg.NSRes()
	record := make([]float64, len(cols))
	for r := 0; r < reg.Rows; r++ {
		y := reg.North - (float64(r)+0.5)*ns
		for c := 0; c < reg.Cols; c++ {
			record[0] = reg.West + (float64(c)+0.5)*ew
			record[1] = y
			for band := 0; band < b.Bands(); band++ {
				v := b.At(band, r, c)
				if b.Masked(band, r, c) {
					v = nan()
				}
				record[2+band] = v
			}
			if err := f.Append(record); err != nil {
				return nil, err
			}
		}
	}
	return f, nil
}
