package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"chunkflow.ai/internal/persistence/blobstore"
	"chunkflow.ai/internal/persistence/snapshot"
	"chunkflow.ai/internal/sim/tilepos"
	"chunkflow.ai/internal/sim/tuning"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "ls":
		err = lsCmd(os.Stdout, os.Args[2:])
	case "show":
		err = showCmd(os.Stdout, os.Args[2:])
	case "export":
		err = exportCmd(os.Stdout, os.Args[2:])
	case "import":
		err = importCmd(os.Stdout, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: chunkctl ls|show|export|import [flags]")
}

type storeFlags struct {
	config  *string
	backend *string
	dir     *string
}

func addStoreFlags(fs *flag.FlagSet) storeFlags {
	return storeFlags{
		config:  fs.String("config", "configs/chunkflow.yaml", "tuning file providing the storage section"),
		backend: fs.String("storage", "", "storage backend override: file|sqlite|postgres|s3"),
		dir:     fs.String("dir", "", "file backend directory override"),
	}
}

func (f storeFlags) open(ctx context.Context) (blobstore.Backend, error) {
	tune, err := tuning.Load(*f.config)
	if err != nil {
		return nil, fmt.Errorf("load tuning: %w", err)
	}
	cfg := tune.Storage
	if strings.TrimSpace(*f.backend) != "" {
		cfg.Backend = *f.backend
	}
	if strings.TrimSpace(*f.dir) != "" {
		cfg.Dir = *f.dir
	}
	// Offline tools read straight through; the cache only helps a live engine.
	cfg.CacheMaxBytes = 0
	return blobstore.Open(ctx, cfg, zap.NewNop())
}

func parseTile(args []string) (tilepos.Pos, error) {
	if len(args) < 2 {
		return tilepos.Pos{}, errors.New("missing tile coordinates: X Z")
	}
	x, err := strconv.ParseInt(args[0], 10, 32)
	if err != nil {
		return tilepos.Pos{}, fmt.Errorf("bad x %q", args[0])
	}
	z, err := strconv.ParseInt(args[1], 10, 32)
	if err != nil {
		return tilepos.Pos{}, fmt.Errorf("bad z %q", args[1])
	}
	return tilepos.Pos{X: int32(x), Z: int32(z)}, nil
}

func lsCmd(w io.Writer, args []string) error {
	fs := flag.NewFlagSet("ls", flag.ExitOnError)
	sf := addStoreFlags(fs)
	headers := fs.Bool("headers", false, "decode and print each tile's status")
	_ = fs.Parse(args)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	b, err := sf.open(ctx)
	if err != nil {
		return err
	}
	defer b.Close()
	return listTiles(ctx, w, b, *headers)
}

func listTiles(ctx context.Context, w io.Writer, b blobstore.Backend, headers bool) error {
	list, err := b.List(ctx)
	if err != nil {
		return err
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].X != list[j].X {
			return list[i].X < list[j].X
		}
		return list[i].Z < list[j].Z
	})
	for _, p := range list {
		if !headers {
			fmt.Fprintf(w, "%d %d\n", p.X, p.Z)
			continue
		}
		blob, err := b.Read(ctx, p)
		if err != nil {
			fmt.Fprintf(w, "%d %d read-error %v\n", p.X, p.Z, err)
			continue
		}
		h, err := snapshot.ReadHeader(blob)
		if err != nil {
			fmt.Fprintf(w, "%d %d corrupt\n", p.X, p.Z)
			continue
		}
		fmt.Fprintf(w, "%d %d %s %d\n", p.X, p.Z, h.Status, len(blob))
	}
	return nil
}

type tileSummary struct {
	X          int32          `json:"x"`
	Z          int32          `json:"z"`
	Status     string         `json:"status"`
	Biome      string         `json:"biome"`
	Digest     string         `json:"digest,omitempty"`
	Bytes      int            `json:"bytes"`
	Inhabited  int64          `json:"inhabited"`
	Structures int            `json:"structures"`
	POIs       map[string]int `json:"pois,omitempty"`
}

func summarize(blob []byte) (tileSummary, error) {
	h, err := snapshot.ReadHeader(blob)
	if err != nil {
		return tileSummary{}, err
	}
	d, err := snapshot.Decode(blob)
	if err != nil {
		return tileSummary{}, err
	}
	s := tileSummary{
		X:          d.X,
		Z:          d.Z,
		Status:     d.Status,
		Biome:      d.Biome,
		Digest:     h.Digest,
		Bytes:      len(blob),
		Inhabited:  d.Inhabited,
		Structures: len(d.Structures),
	}
	for _, p := range d.POIs {
		if s.POIs == nil {
			s.POIs = map[string]int{}
		}
		s.POIs[p.Kind]++
	}
	return s, nil
}

func showCmd(w io.Writer, args []string) error {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	sf := addStoreFlags(fs)
	_ = fs.Parse(args)
	pos, err := parseTile(fs.Args())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	b, err := sf.open(ctx)
	if err != nil {
		return err
	}
	defer b.Close()
	blob, err := b.Read(ctx, pos)
	if err != nil {
		return fmt.Errorf("read %v: %w", pos, err)
	}
	s, err := summarize(blob)
	if err != nil {
		return fmt.Errorf("decode %v: %w", pos, err)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

func exportCmd(w io.Writer, args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	sf := addStoreFlags(fs)
	out := fs.String("out", "", "output file (required)")
	_ = fs.Parse(args)
	if strings.TrimSpace(*out) == "" {
		return errors.New("missing -out")
	}
	pos, err := parseTile(fs.Args())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	b, err := sf.open(ctx)
	if err != nil {
		return err
	}
	defer b.Close()
	blob, err := b.Read(ctx, pos)
	if err != nil {
		return fmt.Errorf("read %v: %w", pos, err)
	}
	if err := snapshot.WriteFile(*out, blob); err != nil {
		return err
	}
	fmt.Fprintf(w, "exported %d %d to %s (%d bytes)\n", pos.X, pos.Z, *out, len(blob))
	return nil
}

func importCmd(w io.Writer, args []string) error {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	sf := addStoreFlags(fs)
	force := fs.Bool("force", false, "overwrite an existing tile")
	_ = fs.Parse(args)
	if fs.NArg() < 1 {
		return errors.New("missing input file")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	b, err := sf.open(ctx)
	if err != nil {
		return err
	}
	defer b.Close()
	pos, err := importFile(ctx, b, fs.Arg(0), *force)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "imported %d %d from %s\n", pos.X, pos.Z, fs.Arg(0))
	return nil
}

// importFile validates the blob at path and stores it under the position its
// header names.
func importFile(ctx context.Context, b blobstore.Backend, path string, force bool) (tilepos.Pos, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return tilepos.Pos{}, err
	}
	d, err := snapshot.Decode(blob)
	if err != nil {
		return tilepos.Pos{}, fmt.Errorf("%s: %w", path, err)
	}
	pos := tilepos.Pos{X: d.X, Z: d.Z}
	if !force {
		if _, err := b.Read(ctx, pos); err == nil {
			return pos, fmt.Errorf("tile %v already stored (use -force)", pos)
		} else if !errors.Is(err, blobstore.ErrNotFound) {
			return pos, err
		}
	}
	if err := b.Write(ctx, pos, blob); err != nil {
		return pos, err
	}
	return pos, nil
}
