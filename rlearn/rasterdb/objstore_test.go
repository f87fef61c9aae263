package rasterdb

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

func objectStores(t *testing.T) map[string]ObjectStore {
	t.Helper()
	fs, err := NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	return map[string]ObjectStore{
		"fs":     fs,
		"memory": NewMemory(),
	}
}

func TestObjectStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, os := range objectStores(t) {
		t.Run(name, func(t *testing.T) {
			if err := os.Put(ctx, "a/b/obj", strings.NewReader("payload")); err != nil {
				t.Fatalf("Put: %v", err)
			}

			rc, err := os.Get(ctx, "a/b/obj")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			data, err := io.ReadAll(rc)
			_ = rc.Close()
			if err != nil {
				t.Fatalf("ReadAll: %v", err)
			}
			if string(data) != "payload" {
				t.Errorf("Get = %q, want payload", data)
			}

			ok, err := os.Exists(ctx, "a/b/obj")
			if err != nil || !ok {
				t.Errorf("Exists = %v,%v, want true,nil", ok, err)
			}

			if err := os.Put(ctx, "a/b/obj", strings.NewReader("again")); !errors.Is(err, ErrExists) {
				t.Errorf("second Put err = %v, want ErrExists", err)
			}

			if err := os.Delete(ctx, "a/b/obj"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if _, err := os.Get(ctx, "a/b/obj"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get after delete err = %v, want ErrNotFound", err)
			}
			// Deleting a missing object is not an error.
			if err := os.Delete(ctx, "a/b/obj"); err != nil {
				t.Errorf("repeat Delete: %v", err)
			}
		})
	}
}

func TestObjectStoreGetRange(t *testing.T) {
	ctx := context.Background()
	for name, os := range objectStores(t) {
		t.Run(name, func(t *testing.T) {
			if err := os.Put(ctx, "obj", strings.NewReader("0123456789")); err != nil {
				t.Fatalf("Put: %v", err)
			}

			rc, err := os.GetRange(ctx, "obj", 3, 4)
			if err != nil {
				t.Fatalf("GetRange: %v", err)
			}
			data, err := io.ReadAll(rc)
			_ = rc.Close()
			if err != nil {
				t.Fatalf("ReadAll: %v", err)
			}
			if string(data) != "3456" {
				t.Errorf("GetRange = %q, want 3456", data)
			}

			if _, err := os.GetRange(ctx, "absent", 0, 1); !errors.Is(err, ErrNotFound) {
				t.Errorf("missing object err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestObjectStoreList(t *testing.T) {
	ctx := context.Background()
	for name, os := range objectStores(t) {
		t.Run(name, func(t *testing.T) {
			for _, p := range []string{"rasters/a/header.json", "rasters/b/header.json", "groups/g.json"} {
				if err := os.Put(ctx, p, strings.NewReader("x")); err != nil {
					t.Fatalf("Put %s: %v", p, err)
				}
			}

			paths, err := os.List(ctx, "rasters")
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(paths) != 2 {
				t.Fatalf("List = %v, want 2 paths", paths)
			}
			if paths[0] != "rasters/a/header.json" || paths[1] != "rasters/b/header.json" {
				t.Errorf("List = %v", paths)
			}

			all, err := os.List(ctx, "")
			if err != nil {
				t.Fatalf("List all: %v", err)
			}
			if len(all) != 3 {
				t.Errorf("List all = %v, want 3 paths", all)
			}
		})
	}
}

func TestObjectStoreRejectsEscapingPaths(t *testing.T) {
	ctx := context.Background()
	for name, os := range objectStores(t) {
		t.Run(name, func(t *testing.T) {
			for _, p := range []string{"", "..", "../evil", "a/../../evil"} {
				if err := os.Put(ctx, p, strings.NewReader("x")); !errors.Is(err, ErrInvalidPath) {
					t.Errorf("Put %q err = %v, want ErrInvalidPath", p, err)
				}
			}
		})
	}
}
