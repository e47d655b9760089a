package transfer

import (
	"fmt"

	"github.com/polystore/polystore/pkg/backend"
)

const (
	KiB int64 = 1 << 10
	MiB int64 = 1 << 20
)

// ChunkPolicy bounds chunk sizes for a transfer.
type ChunkPolicy struct {
	Min     int64 `json:"min" mapstructure:"min_chunk_size"`
	Max     int64 `json:"max" mapstructure:"max_chunk_size"`
	Default int64 `json:"default" mapstructure:"default_chunk_size"`
	// MaxChunks caps the chunk count; larger payloads get larger chunks.
	MaxChunks int64 `json:"max_chunks" mapstructure:"max_chunks"`
	// MemoryBudget caps the single chunk buffer a transfer holds. 0 means no cap.
	MemoryBudget int64 `json:"memory_budget" mapstructure:"memory_budget"`
}

// DefaultChunkPolicy returns 8 MiB chunks bounded to [256 KiB, 64 MiB] and at
// most 10000 chunks.
func DefaultChunkPolicy() ChunkPolicy {
	return ChunkPolicy{
		Min:       256 * KiB,
		Max:       64 * MiB,
		Default:   8 * MiB,
		MaxChunks: 10000,
	}
}

// Validate checks policy bounds.
func (p ChunkPolicy) Validate() error {
	if p.Min <= 0 || p.Max <= 0 || p.Default <= 0 {
		return fmt.Errorf("chunk sizes must be positive")
	}
	if p.Min > p.Max {
		return fmt.Errorf("min chunk size %d exceeds max %d", p.Min, p.Max)
	}
	if p.MaxChunks < 0 || p.MemoryBudget < 0 {
		return fmt.Errorf("max chunks and memory budget cannot be negative")
	}
	return nil
}

// Choose picks the chunk size for a payload of total bytes. A positive override
// replaces the default but is still clamped to the policy and memory budget.
func (p ChunkPolicy) Choose(total, override int64) int64 {
	size := p.Default
	if override > 0 {
		size = override
	} else if p.MaxChunks > 0 && total > 0 {
		if floor := ceilDiv(total, p.MaxChunks); floor > size {
			size = floor
		}
	}
	if p.Min > 0 && size < p.Min {
		size = p.Min
	}
	if p.Max > 0 && size > p.Max {
		size = p.Max
	}
	if p.MemoryBudget > 0 && size > p.MemoryBudget {
		size = p.MemoryBudget
	}
	return max(size, 1)
}

// ChooseChunkSize applies the default policy with the given memory budget.
func ChooseChunkSize(total, override, memoryBudget int64) int64 {
	p := DefaultChunkPolicy()
	p.MemoryBudget = memoryBudget
	return p.Choose(total, override)
}

// ChunkCount returns ceil(total/size). An empty payload is one empty chunk.
func ChunkCount(total, size int64) int {
	if total <= 0 || size <= 0 {
		return 1
	}
	return int(ceilDiv(total, size))
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}

// ChunkMetadata describes one chunk of a transfer. Committed is true only after
// the destination returned a digest equal to Hash.
type ChunkMetadata struct {
	Index     int            `json:"index"`
	Count     int            `json:"count"`
	Offset    int64          `json:"offset"`
	Length    int64          `json:"length"`
	Hash      backend.Digest `json:"hash,omitempty"`
	Committed bool           `json:"committed"`
}

// planChunks splits total bytes into chunks of size.
func planChunks(total, size int64) []ChunkMetadata {
	count := ChunkCount(total, size)
	chunks := make([]ChunkMetadata, count)
	for i := range chunks {
		offset := int64(i) * size
		length := min(size, total-offset)
		if length < 0 {
			length = 0
		}
		chunks[i] = ChunkMetadata{Index: i, Count: count, Offset: offset, Length: length}
	}
	return chunks
}

func chunkStepID(index int) string {
	return fmt.Sprintf("chunk-%05d", index)
}
