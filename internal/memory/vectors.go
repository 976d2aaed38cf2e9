package memory

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"sync"
)

// vectors.bin layout: a 12-byte header (magic, version, dimension) followed by
// records of {uint16 id length, id bytes, dimension float32s}, little-endian.
// The index is an additive retrieval layer; losing or truncating it never
// affects outcome correctness.
const (
	vectorMagic   = uint32(0x51545658) // "QTVX"
	vectorVersion = uint32(1)
)

// VectorIndex maps decision ids to embeddings for semantic retrieval of past
// outcomes.
type VectorIndex struct {
	path string
	dim  int

	mu      sync.RWMutex
	ids     []string
	vectors [][]float32
}

// OpenVectorIndex loads (or initializes) the index at path with the given
// embedding dimension. A dimension mismatch on disk discards the stale index.
func OpenVectorIndex(path string, dim int) (*VectorIndex, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("vector dimension must be positive, got %d", dim)
	}
	idx := &VectorIndex{path: path, dim: dim}
	if err := idx.load(); err != nil {
		return nil, err
	}
	return idx, nil
}

func (idx *VectorIndex) load() error {
	f, err := os.Open(idx.path)
	if os.IsNotExist(err) {
		return idx.rewrite()
	}
	if err != nil {
		return fmt.Errorf("opening vector index: %w", err)
	}
	defer f.Close()

	var header struct {
		Magic, Version, Dim uint32
	}
	if err := binary.Read(f, binary.LittleEndian, &header); err != nil {
		return idx.rewrite()
	}
	if header.Magic != vectorMagic || header.Version != vectorVersion || int(header.Dim) != idx.dim {
		return idx.rewrite()
	}

	for {
		var idLen uint16
		if err := binary.Read(f, binary.LittleEndian, &idLen); err == io.EOF {
			break
		} else if err != nil {
			// Truncated tail from a crashed append; keep what parsed.
			break
		}
		id := make([]byte, idLen)
		if _, err := io.ReadFull(f, id); err != nil {
			break
		}
		vec := make([]float32, idx.dim)
		if err := binary.Read(f, binary.LittleEndian, vec); err != nil {
			break
		}
		idx.ids = append(idx.ids, string(id))
		idx.vectors = append(idx.vectors, vec)
	}
	return nil
}

func (idx *VectorIndex) rewrite() error {
	f, err := os.Create(idx.path)
	if err != nil {
		return fmt.Errorf("creating vector index: %w", err)
	}
	defer f.Close()
	header := []uint32{vectorMagic, vectorVersion, uint32(idx.dim)}
	return binary.Write(f, binary.LittleEndian, header)
}

// Add appends one embedding.
func (idx *VectorIndex) Add(decisionID string, vector []float32) error {
	if len(vector) != idx.dim {
		return fmt.Errorf("vector has dimension %d, index expects %d", len(vector), idx.dim)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	f, err := os.OpenFile(idx.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening vector index for append: %w", err)
	}
	defer f.Close()

	if err := binary.Write(f, binary.LittleEndian, uint16(len(decisionID))); err != nil {
		return fmt.Errorf("appending vector: %w", err)
	}
	if _, err := f.Write([]byte(decisionID)); err != nil {
		return fmt.Errorf("appending vector: %w", err)
	}
	if err := binary.Write(f, binary.LittleEndian, vector); err != nil {
		return fmt.Errorf("appending vector: %w", err)
	}

	idx.ids = append(idx.ids, decisionID)
	idx.vectors = append(idx.vectors, append([]float32(nil), vector...))
	return nil
}

// Match is one nearest-neighbor result.
type Match struct {
	DecisionID string
	Similarity float64
}

// Nearest returns the k most cosine-similar decision ids to query.
func (idx *VectorIndex) Nearest(query []float32, k int) []Match {
	if len(query) != idx.dim || k <= 0 {
		return nil
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	matches := make([]Match, 0, len(idx.ids))
	for i, vec := range idx.vectors {
		matches = append(matches, Match{
			DecisionID: idx.ids[i],
			Similarity: cosine(query, vec),
		})
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Similarity > matches[j].Similarity })
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches
}

// Len returns the number of stored embeddings.
func (idx *VectorIndex) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.ids)
}

func cosine(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
