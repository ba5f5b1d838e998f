package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"

	"chunkflow.ai/internal/persistence/blobstore"
	"chunkflow.ai/internal/persistence/snapshot"
	"chunkflow.ai/internal/sim/tile"
	"chunkflow.ai/internal/sim/tilepos"
)

func encodedTile(t *testing.T, pos tilepos.Pos) []byte {
	t.Helper()
	tl := tile.New(pos)
	tl.SetBiome("plains")
	d, _ := tl.Snapshot()
	d.POIs = []tile.POI{{Kind: "village", X: 3, Z: 4}, {Kind: "village", X: 5, Z: 6}}
	blob, err := snapshot.Encode(d, []byte{0xab, 0xcd})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return blob
}

func seedStore(t *testing.T, dir string, positions ...tilepos.Pos) {
	t.Helper()
	b, err := blobstore.OpenFile(dir)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer b.Close()
	for _, p := range positions {
		if err := b.Write(context.Background(), p, encodedTile(t, p)); err != nil {
			t.Fatalf("Write %v: %v", p, err)
		}
	}
}

func storeArgs(dir string, rest ...string) []string {
	return append([]string{"-config", "", "-storage", "file", "-dir", dir}, rest...)
}

func TestLsListsSortedTiles(t *testing.T) {
	dir := t.TempDir()
	seedStore(t, dir, tilepos.Pos{X: 2, Z: 0}, tilepos.Pos{X: -1, Z: 5}, tilepos.Pos{X: 2, Z: -3})

	var out bytes.Buffer
	if err := lsCmd(&out, storeArgs(dir)); err != nil {
		t.Fatalf("ls: %v", err)
	}
	want := "-1 5\n2 -3\n2 0\n"
	if out.String() != want {
		t.Fatalf("ls output=%q want %q", out.String(), want)
	}

	out.Reset()
	if err := lsCmd(&out, storeArgs(dir, "-headers")); err != nil {
		t.Fatalf("ls -headers: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 || !strings.HasPrefix(lines[0], "-1 5 empty ") {
		t.Fatalf("ls -headers output=%q", out.String())
	}
}

func TestShowPrintsSummary(t *testing.T) {
	dir := t.TempDir()
	seedStore(t, dir, tilepos.Pos{X: 4, Z: -2})

	var out bytes.Buffer
	if err := showCmd(&out, storeArgs(dir, "4", "-2")); err != nil {
		t.Fatalf("show: %v", err)
	}
	var s tileSummary
	if err := json.Unmarshal(out.Bytes(), &s); err != nil {
		t.Fatalf("unmarshal %q: %v", out.String(), err)
	}
	if s.X != 4 || s.Z != -2 || s.Status != "empty" || s.Biome != "plains" {
		t.Fatalf("summary=%+v", s)
	}
	if s.Digest != "abcd" || s.POIs["village"] != 2 {
		t.Fatalf("summary digest/pois=%+v", s)
	}

	if err := showCmd(&out, storeArgs(dir, "9", "9")); err == nil {
		t.Fatalf("show of missing tile succeeded")
	}
	if err := showCmd(&out, storeArgs(dir, "9")); err == nil {
		t.Fatalf("show without z succeeded")
	}
}

func TestExportImportMovesTileBetweenStores(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	pos := tilepos.Pos{X: 7, Z: 8}
	seedStore(t, src, pos)
	file := filepath.Join(t.TempDir(), "out", "tile.bin")

	var out bytes.Buffer
	if err := exportCmd(&out, storeArgs(src, "-out", file, "7", "8")); err != nil {
		t.Fatalf("export: %v", err)
	}
	if err := importCmd(&out, storeArgs(dst, file)); err != nil {
		t.Fatalf("import: %v", err)
	}
	if err := importCmd(&out, storeArgs(dst, file)); err == nil {
		t.Fatalf("second import without -force succeeded")
	}
	if err := importCmd(&out, storeArgs(dst, "-force", file)); err != nil {
		t.Fatalf("import -force: %v", err)
	}

	b, err := blobstore.OpenFile(dst)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer b.Close()
	blob, err := b.Read(context.Background(), pos)
	if err != nil {
		t.Fatalf("Read imported: %v", err)
	}
	d, err := snapshot.Decode(blob)
	if err != nil || d.X != 7 || d.Z != 8 {
		t.Fatalf("imported tile=%+v err=%v", d, err)
	}
}

func TestImportRejectsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "junk.bin")
	if err := snapshot.WriteFile(file, []byte("not a tile")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	b := blobstore.NewMemory()
	if _, err := importFile(context.Background(), b, file, false); err == nil {
		t.Fatalf("corrupt import succeeded")
	}
	if list, _ := b.List(context.Background()); len(list) != 0 {
		t.Fatalf("corrupt import stored %v", list)
	}
}

func TestExportRequiresOut(t *testing.T) {
	var out bytes.Buffer
	if err := exportCmd(&out, storeArgs(t.TempDir(), "1", "1")); err == nil {
		t.Fatalf("export without -out succeeded")
	}
}
