package snapshot

import (
	"bufio"
	"bytes"
	"encoding/gob"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"

	"chunkflow.ai/internal/persistence/encoding"
	"chunkflow.ai/internal/sim/tile"
)

const TileVersion = 1

// ErrCorrupt marks a blob that could not be decoded.
var ErrCorrupt = errors.New("snapshot: corrupt tile blob")

type Header struct {
	Version int    `json:"version"`
	X       int32  `json:"x"`
	Z       int32  `json:"z"`
	Status  string `json:"status"`
	Digest  string `json:"digest,omitempty"`
}

type StructureV1 struct {
	Kind string
	X, Z int
	Size int
}

type POIV1 struct {
	Kind string
	X, Z int
}

type TileV1 struct {
	Header     Header
	Biome      string
	Blocks     []byte // RLE
	Heights    []byte
	Light      []byte
	Structures []StructureV1
	POIs       []POIV1
	Inhabited  int64
}

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	decoder, _ = zstd.NewReader(nil)
)

// Encode renders a tile as a zstd frame holding a JSON header line followed
// by a gob body. digest is optional and only stored in the header.
func Encode(d tile.Data, digest []byte) ([]byte, error) {
	v := TileV1{
		Header: Header{
			Version: TileVersion,
			X:       d.X,
			Z:       d.Z,
			Status:  d.Status,
		},
		Biome:     d.Biome,
		Blocks:    encoding.AppendRLE(nil, d.Blocks),
		Heights:   d.Heights,
		Light:     d.Light,
		Inhabited: d.Inhabited,
	}
	if len(digest) > 0 {
		v.Header.Digest = hex.EncodeToString(digest)
	}
	for _, s := range d.Structures {
		v.Structures = append(v.Structures, StructureV1{Kind: s.Kind, X: s.X, Z: s.Z, Size: s.Size})
	}
	for _, p := range d.POIs {
		v.POIs = append(v.POIs, POIV1{Kind: p.Kind, X: p.X, Z: p.Z})
	}

	var buf bytes.Buffer
	hb, _ := json.Marshal(v.Header)
	buf.Write(hb)
	buf.WriteByte('\n')
	if err := gob.NewEncoder(&buf).Encode(&v); err != nil {
		return nil, fmt.Errorf("gob encode: %w", err)
	}
	return encoder.EncodeAll(buf.Bytes(), nil), nil
}

// ReadHeader decodes only the header line.
func ReadHeader(blob []byte) (Header, error) {
	var h Header
	raw, err := decoder.DecodeAll(blob, nil)
	if err != nil {
		return h, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	line, _, ok := bytes.Cut(raw, []byte{'\n'})
	if !ok {
		return h, fmt.Errorf("%w: missing header", ErrCorrupt)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("%w: header: %v", ErrCorrupt, err)
	}
	return h, nil
}

// Decode is the inverse of Encode. Every failure wraps ErrCorrupt.
func Decode(blob []byte) (tile.Data, error) {
	var d tile.Data
	raw, err := decoder.DecodeAll(blob, nil)
	if err != nil {
		return d, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	br := bufio.NewReader(bytes.NewReader(raw))
	if _, err := br.ReadBytes('\n'); err != nil {
		return d, fmt.Errorf("%w: missing header", ErrCorrupt)
	}
	var v TileV1
	if err := gob.NewDecoder(br).Decode(&v); err != nil {
		return d, fmt.Errorf("%w: gob decode: %v", ErrCorrupt, err)
	}
	if v.Header.Version != TileVersion {
		return d, fmt.Errorf("%w: version %d", ErrCorrupt, v.Header.Version)
	}
	blocks, err := encoding.DecodeRLE(v.Blocks, tile.Cells)
	if err != nil {
		return d, fmt.Errorf("%w: blocks: %v", ErrCorrupt, err)
	}
	d = tile.Data{
		X:         v.Header.X,
		Z:         v.Header.Z,
		Status:    v.Header.Status,
		Biome:     v.Biome,
		Blocks:    blocks,
		Heights:   v.Heights,
		Light:     v.Light,
		Inhabited: v.Inhabited,
	}
	for _, s := range v.Structures {
		d.Structures = append(d.Structures, tile.Structure{Kind: s.Kind, X: s.X, Z: s.Z, Size: s.Size})
	}
	for _, p := range v.POIs {
		d.POIs = append(d.POIs, tile.POI{Kind: p.Kind, X: p.X, Z: p.Z})
	}
	return d, nil
}

// WriteFile stores an encoded blob at path, creating parent directories.
func WriteFile(path string, blob []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func ReadFile(path string) (tile.Data, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return tile.Data{}, err
	}
	return Decode(blob)
}
