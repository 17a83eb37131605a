package flat

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"

	"github.com/kirillkom/rag-tutor/internal/core/domain"
)

const (
	vecMagic      = "RAGV"
	formatVersion = 1
	vecHeaderSize = 16
)

type metaFile struct {
	Version  int         `json:"version"`
	Dim      int         `json:"dimensions"`
	Rows     int         `json:"rows"`
	Checksum uint32      `json:"checksum"`
	Entries  []metaEntry `json:"entries"`
}

type metaEntry struct {
	ChunkID  string               `json:"chunk_id"`
	Metadata domain.ChunkMetadata `json:"metadata"`
}

func (x *Index) vecKey() string  { return x.name + ".vec" }
func (x *Index) metaKey() string { return x.name + ".meta.json" }

// save writes the vector file first and the sidecar second. The sidecar
// carries the checksum of the vector payload, so a crash between the two
// writes is detected on load.
func (x *Index) save(ctx context.Context, snap snapshot) error {
	payload := encodeMatrix(snap.matrix)

	var vec bytes.Buffer
	vec.Grow(vecHeaderSize + len(payload))
	vec.WriteString(vecMagic)
	header := make([]byte, 12)
	binary.LittleEndian.PutUint32(header[0:], formatVersion)
	binary.LittleEndian.PutUint32(header[4:], uint32(snap.dim))
	binary.LittleEndian.PutUint32(header[8:], uint32(snap.rows()))
	vec.Write(header)
	vec.Write(payload)

	entries := make([]metaEntry, snap.rows())
	for i := range entries {
		entries[i] = metaEntry{ChunkID: snap.ids[i], Metadata: snap.meta[i]}
	}
	meta, err := json.Marshal(metaFile{
		Version:  formatVersion,
		Dim:      snap.dim,
		Rows:     snap.rows(),
		Checksum: crc32.ChecksumIEEE(payload),
		Entries:  entries,
	})
	if err != nil {
		return fmt.Errorf("marshal index metadata: %w", err)
	}

	if err := x.store.Save(ctx, x.vecKey(), &vec); err != nil {
		return fmt.Errorf("save index vectors: %w", err)
	}
	if err := x.store.Save(ctx, x.metaKey(), bytes.NewReader(meta)); err != nil {
		return fmt.Errorf("save index metadata: %w", err)
	}
	return nil
}

// load returns an empty snapshot when nothing was persisted yet and an error
// when the persisted unit is unusable.
func (x *Index) load(ctx context.Context) (snapshot, error) {
	vecRaw, err := x.readAll(ctx, x.vecKey())
	if err != nil {
		if domain.IsKind(err, domain.ErrNotFound) {
			return snapshot{dim: x.dim}, nil
		}
		return snapshot{}, err
	}
	metaRaw, err := x.readAll(ctx, x.metaKey())
	if err != nil {
		return snapshot{}, err
	}

	if len(vecRaw) < vecHeaderSize || string(vecRaw[:4]) != vecMagic {
		return snapshot{}, errors.New("index vectors: bad header")
	}
	version := int(binary.LittleEndian.Uint32(vecRaw[4:]))
	dim := int(binary.LittleEndian.Uint32(vecRaw[8:]))
	rows := int(binary.LittleEndian.Uint32(vecRaw[12:]))
	if version != formatVersion {
		return snapshot{}, fmt.Errorf("index vectors: unsupported version %d", version)
	}
	if dim != x.dim {
		return snapshot{}, domain.WrapError(domain.ErrDimensionMismatch, "load index",
			fmt.Errorf("persisted %d dimensions, configured %d", dim, x.dim))
	}
	payload := vecRaw[vecHeaderSize:]
	if len(payload) != rows*dim*4 {
		return snapshot{}, fmt.Errorf("index vectors: payload has %d bytes, want %d", len(payload), rows*dim*4)
	}

	var meta metaFile
	if err := json.Unmarshal(metaRaw, &meta); err != nil {
		return snapshot{}, fmt.Errorf("decode index metadata: %w", err)
	}
	switch {
	case meta.Version != formatVersion:
		return snapshot{}, fmt.Errorf("index metadata: unsupported version %d", meta.Version)
	case meta.Dim != dim || meta.Rows != rows || len(meta.Entries) != rows:
		return snapshot{}, fmt.Errorf("index metadata: %d rows of %d dimensions does not match vectors", len(meta.Entries), meta.Dim)
	case meta.Checksum != crc32.ChecksumIEEE(payload):
		return snapshot{}, errors.New("index metadata: checksum mismatch")
	}

	snap := snapshot{
		dim:    dim,
		matrix: decodeMatrix(payload),
		ids:    make([]string, rows),
		meta:   make([]domain.ChunkMetadata, rows),
	}
	for i, entry := range meta.Entries {
		snap.ids[i] = entry.ChunkID
		snap.meta[i] = entry.Metadata
	}
	return snap, nil
}

func (x *Index) readAll(ctx context.Context, key string) ([]byte, error) {
	rc, err := x.store.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return raw, nil
}

func encodeMatrix(matrix []float32) []byte {
	out := make([]byte, 4*len(matrix))
	for i, v := range matrix {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func decodeMatrix(raw []byte) []float32 {
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out
}
