package rlearn

import (
	"context"
	"fmt"
)

// Window is a half-open row range [Start, Stop) over a raster's row
// dimension. Windows are cheap descriptors; producing them reads nothing.
type Window struct {
	Start int
	Stop  int
}

// Height returns the number of rows covered by the window.
func (w Window) Height() int { return w.Stop - w.Start }

// Windows covers [0, rows) with consecutive windows of the requested
// height, in increasing row order. The final window is clipped to the
// remaining rows. A height of at least rows yields a single window
// covering the whole extent.
func Windows(rows, height int) ([]Window, error) {
	if rows <= 0 {
		return nil, fmt.Errorf("rlearn: %d rows: %w", rows, ErrInvalidWindow)
	}
	if height <= 0 {
		return nil, fmt.Errorf("rlearn: window height %d: %w", height, ErrInvalidWindow)
	}

	out := make([]Window, 0, (rows+height-1)/height)
	for start := 0; start < rows; start += height {
		stop := start + height
		if stop > rows {
			stop = rows
		}
		out = append(out, Window{Start: start, Stop: stop})
	}
	return out, nil
}

// RowWindows covers the stack's full row extent with windows of the
// requested height.
func (s *Stack) RowWindows(ctx context.Context, height int) ([]Window, error) {
	reg, err := s.store.Region(ctx)
	if err != nil {
		return nil, fmt.Errorf("rlearn: region: %w", err)
	}
	return Windows(reg.Rows, height)
}
