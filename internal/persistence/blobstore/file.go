package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"chunkflow.ai/internal/sim/tilepos"
)

const regionTiles = 32

// File stores one file per tile under region directories of 32x32 tiles.
type File struct {
	dir string
}

func OpenFile(dir string) (*File, error) {
	if dir == "" {
		return nil, fmt.Errorf("blobstore: empty tile dir")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &File{dir: dir}, nil
}

func (f *File) path(pos tilepos.Pos) string {
	rx := tilepos.FloorDiv(int(pos.X), regionTiles)
	rz := tilepos.FloorDiv(int(pos.Z), regionTiles)
	return filepath.Join(f.dir, fmt.Sprintf("r.%d.%d", rx, rz), fmt.Sprintf("t.%d.%d.bin", pos.X, pos.Z))
}

func (f *File) Read(_ context.Context, pos tilepos.Pos) ([]byte, error) {
	b, err := os.ReadFile(f.path(pos))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return b, err
}

func (f *File) Write(_ context.Context, pos tilepos.Pos, data []byte) error {
	p := f.path(pos)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, p)
}

func (f *File) Delete(_ context.Context, pos tilepos.Pos) error {
	err := os.Remove(f.path(pos))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (f *File) List(context.Context) ([]tilepos.Pos, error) {
	var out []tilepos.Pos
	err := filepath.WalkDir(f.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		name := d.Name()
		if !strings.HasPrefix(name, "t.") || !strings.HasSuffix(name, ".bin") {
			return nil
		}
		var x, z int
		if _, err := fmt.Sscanf(strings.TrimSuffix(strings.TrimPrefix(name, "t."), ".bin"), "%d.%d", &x, &z); err != nil {
			return nil
		}
		out = append(out, tilepos.New(x, z))
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out, err
}

func (f *File) Close() error { return nil }
