package rlearn

import (
	"errors"
	"testing"
)

func TestWindowsClipsLast(t *testing.T) {
	wins, err := Windows(10, 3)
	if err != nil {
		t.Fatalf("Windows: %v", err)
	}

	want := []Window{{0, 3}, {3, 6}, {6, 9}, {9, 10}}
	if len(wins) != len(want) {
		t.Fatalf("got %d windows, want %d", len(wins), len(want))
	}
	for i, w := range want {
		if wins[i] != w {
			t.Errorf("window %d = %+v, want %+v", i, wins[i], w)
		}
	}
	if got := wins[3].Height(); got != 1 {
		t.Errorf("last window height = %d, want 1", got)
	}
}

func TestWindowsFullExtent(t *testing.T) {
	wins, err := Windows(10, 100)
	if err != nil {
		t.Fatalf("Windows: %v", err)
	}
	if len(wins) != 1 || wins[0] != (Window{0, 10}) {
		t.Fatalf("got %+v, want one full-extent window", wins)
	}
}

func TestWindowsInvalid(t *testing.T) {
	if _, err := Windows(10, 0); !errors.Is(err, ErrInvalidWindow) {
		t.Errorf("height 0: err = %v, want ErrInvalidWindow", err)
	}
	if _, err := Windows(0, 5); !errors.Is(err, ErrInvalidWindow) {
		t.Errorf("0 rows: err = %v, want ErrInvalidWindow", err)
	}
	if _, err := Windows(10, -1); !errors.Is(err, ErrInvalidWindow) {
		t.Errorf("negative height: err = %v, want ErrInvalidWindow", err)
	}
}
