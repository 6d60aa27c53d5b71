// Package vectorstore provides a flat, append-only vector store with positional IDs.
//
// Vectors are identified solely by their insertion position (0-based). There is no
// delete or partial-update operation; removal of a subset requires rebuilding a new
// store from the kept vectors (see RebuildFrom). The store is not safe for concurrent
// use; the index manager serializes access.
package vectorstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
)

var (
	// ErrCorruptIndex indicates an existing index file that cannot be parsed.
	ErrCorruptIndex = errors.New("corrupt index file")
	// ErrOutOfRange indicates a requested vector ID at or beyond the store count.
	ErrOutOfRange = errors.New("vector id out of range")
	// ErrDimensionMismatch indicates a vector whose length differs from the store dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
)

// fileMagic identifies a flat store file ("BNK1").
const fileMagic uint32 = 0x424e4b31

// Range is a half-open contiguous vector ID range [Start, End).
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the number of IDs in the range.
func (r Range) Len() int { return r.End - r.Start }

// Contains reports whether id falls inside the range.
func (r Range) Contains(id int) bool { return id >= r.Start && id < r.End }

// FlatStore is an append-only sequence of fixed-dimension vectors.
type FlatStore struct {
	dim     int
	vectors [][]float32
}

// New creates an empty store of the given dimension.
func New(dim int) (*FlatStore, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("dimension must be positive, got %d", dim)
	}
	return &FlatStore{dim: dim}, nil
}

// LoadOrCreate loads a persisted store from path, or returns an empty store of the
// given dimension when the file does not exist. An existing file that cannot be
// parsed, or whose dimension differs from dim, fails with ErrCorruptIndex.
func LoadOrCreate(path string, dim int) (*FlatStore, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("dimension must be positive, got %d", dim)
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &FlatStore{dim: dim}, nil
		}
		return nil, fmt.Errorf("open index file: %w", err)
	}
	defer f.Close()

	var header struct {
		Magic uint32
		Dim   uint32
		Count uint32
	}
	if err := binary.Read(f, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("%w: read header: %v", ErrCorruptIndex, err)
	}
	if header.Magic != fileMagic {
		return nil, fmt.Errorf("%w: bad magic %#x", ErrCorruptIndex, header.Magic)
	}
	if int(header.Dim) != dim {
		return nil, fmt.Errorf("%w: file dimension %d, expected %d", ErrCorruptIndex, header.Dim, dim)
	}
	s := &FlatStore{
		dim:     dim,
		vectors: make([][]float32, 0, header.Count),
	}
	buf := make([]byte, dim*4)
	for i := uint32(0); i < header.Count; i++ {
		if _, err := io.ReadFull(f, buf); err != nil {
			return nil, fmt.Errorf("%w: read vector %d: %v", ErrCorruptIndex, i, err)
		}
		s.vectors = append(s.vectors, bytesToFloat32(buf))
	}
	return s, nil
}

// Add appends vectors and returns the contiguous ID range assigned to them, starting
// at the current count. An empty input is a no-op returning an empty range.
func (s *FlatStore) Add(vectors [][]float32) (Range, error) {
	start := len(s.vectors)
	if len(vectors) == 0 {
		return Range{Start: start, End: start}, nil
	}
	for i, v := range vectors {
		if len(v) != s.dim {
			return Range{Start: start, End: start},
				fmt.Errorf("%w: vector %d has %d dimensions, expected %d", ErrDimensionMismatch, i, len(v), s.dim)
		}
	}
	for _, v := range vectors {
		vec := make([]float32, s.dim)
		copy(vec, v)
		s.vectors = append(s.vectors, vec)
	}
	return Range{Start: start, End: len(s.vectors)}, nil
}

// ReconstructRange returns copies of the stored vectors for the given ID range.
func (s *FlatStore) ReconstructRange(r Range) ([][]float32, error) {
	if r.Start < 0 || r.End < r.Start || r.End > len(s.vectors) {
		return nil, fmt.Errorf("%w: [%d, %d) with count %d", ErrOutOfRange, r.Start, r.End, len(s.vectors))
	}
	out := make([][]float32, 0, r.Len())
	for _, v := range s.vectors[r.Start:r.End] {
		vec := make([]float32, s.dim)
		copy(vec, v)
		out = append(out, vec)
	}
	return out, nil
}

// ReconstructAll returns copies of every stored vector in ID order.
func (s *FlatStore) ReconstructAll() ([][]float32, error) {
	return s.ReconstructRange(Range{Start: 0, End: len(s.vectors)})
}

// RebuildFrom creates a new store of the given dimension containing exactly the given
// vectors, with IDs reassigned 0..n-1 in the given order.
func RebuildFrom(dim int, vectors [][]float32) (*FlatStore, error) {
	s, err := New(dim)
	if err != nil {
		return nil, err
	}
	if _, err := s.Add(vectors); err != nil {
		return nil, err
	}
	return s, nil
}

// Save persists the store to path atomically (write-to-temp-then-rename). Parent
// directories are created if needed.
func (s *FlatStore) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp index file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	header := struct {
		Magic uint32
		Dim   uint32
		Count uint32
	}{Magic: fileMagic, Dim: uint32(s.dim), Count: uint32(len(s.vectors))}
	if err := binary.Write(tmp, binary.LittleEndian, header); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write header: %w", err)
	}
	for i, v := range s.vectors {
		if _, err := tmp.Write(float32ToBytes(v)); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("write vector %d: %w", i, err)
		}
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync index file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close index file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace index file: %w", err)
	}
	return nil
}

// Count returns the number of stored vectors.
func (s *FlatStore) Count() int { return len(s.vectors) }

// Dim returns the vector dimension.
func (s *FlatStore) Dim() int { return s.dim }

func float32ToBytes(s []float32) []byte {
	const size = 4
	out := make([]byte, len(s)*size)
	for i, v := range s {
		binary.LittleEndian.PutUint32(out[i*size:(i+1)*size], math.Float32bits(v))
	}
	return out
}

func bytesToFloat32(b []byte) []float32 {
	const size = 4
	out := make([]float32, len(b)/size)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*size : (i+1)*size]))
	}
	return out
}
