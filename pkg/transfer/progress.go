package transfer

import (
	"time"

	"github.com/polystore/polystore/pkg/backend"
	"github.com/polystore/polystore/pkg/saga"
)

// Status is the lifecycle state of a transfer. It mirrors saga statuses and adds
// RESUMED and PAUSED.
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusRunning      Status = "RUNNING"
	StatusResumed      Status = "RESUMED"
	StatusPaused       Status = "PAUSED"
	StatusCompleted    Status = "COMPLETED"
	StatusCompensating Status = "COMPENSATING"
	StatusCompensated  Status = "COMPENSATED"
	StatusFailed       Status = "FAILED"
)

// IsTerminal reports whether no further chunk will be written without Resume.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCompensated, StatusFailed:
		return true
	default:
		return false
	}
}

// Resumable reports whether Resume may pick the transfer up again.
func (s Status) Resumable() bool {
	return s != StatusCompleted && s != StatusCompensated
}

// StreamingProgress is an immutable snapshot of one transfer.
type StreamingProgress struct {
	OperationID      string                `json:"operation_id"`
	SagaID           string                `json:"saga_id,omitempty"`
	Object           string                `json:"object"`
	SourceURI        string                `json:"source_uri"`
	HashAlgorithm    backend.HashAlgorithm `json:"hash_algorithm"`
	TotalBytes       int64                 `json:"total_bytes"`
	TransferredBytes int64                 `json:"transferred_bytes"`
	ChunkSize        int64                 `json:"chunk_size"`
	ChunkCount       int                   `json:"chunk_count"`
	CurrentChunk     int                   `json:"current_chunk"`
	Status           Status                `json:"status"`
	// BytesPerSecond is derived from the current attempt and is informational.
	BytesPerSecond float64         `json:"bytes_per_second"`
	Chunks         []ChunkMetadata `json:"chunks"`
	ResumeAttempts int             `json:"resume_attempts"`
	ErrorKind      saga.ErrorKind  `json:"error_kind,omitempty"`
	Error          string          `json:"error,omitempty"`
	Version        uint64          `json:"version"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Clone returns a deep copy.
func (p *StreamingProgress) Clone() *StreamingProgress {
	if p == nil {
		return nil
	}
	out := *p
	out.Chunks = append([]ChunkMetadata(nil), p.Chunks...)
	return &out
}

// CommittedChunks returns the indexes of committed chunks in ascending order.
func (p *StreamingProgress) CommittedChunks() []int {
	out := make([]int, 0, len(p.Chunks))
	for _, c := range p.Chunks {
		if c.Committed {
			out = append(out, c.Index)
		}
	}
	return out
}

// Percent returns completion in [0, 100].
func (p *StreamingProgress) Percent() float64 {
	if p.TotalBytes <= 0 {
		if p.Status == StatusCompleted {
			return 100
		}
		return 0
	}
	return float64(p.TransferredBytes) * 100 / float64(p.TotalBytes)
}
