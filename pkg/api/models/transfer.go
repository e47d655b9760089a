package models

import (
	"github.com/polystore/polystore/pkg/transfer"
)

// TransferProgressResponse is a progress snapshot plus derived completion.
type TransferProgressResponse struct {
	transfer.StreamingProgress
	Percent float64 `json:"percent"`
}

// NewTransferProgressResponse renders p.
func NewTransferProgressResponse(p transfer.StreamingProgress) TransferProgressResponse {
	return TransferProgressResponse{StreamingProgress: p, Percent: p.Percent()}
}

// TransferSummary is one row in the transfer list.
type TransferSummary struct {
	OperationID      string          `json:"operation_id"`
	Object           string          `json:"object"`
	Status           transfer.Status `json:"status"`
	TotalBytes       int64           `json:"total_bytes"`
	TransferredBytes int64           `json:"transferred_bytes"`
	Percent          float64         `json:"percent"`
	ResumeAttempts   int             `json:"resume_attempts"`
	ErrorKind        string          `json:"error_kind,omitempty"`
}

// TransferListResponse lists transfers.
type TransferListResponse struct {
	Items []TransferSummary `json:"items"`
	Total int               `json:"total"`
}

// TransferActionResponse is returned by resume and cancel.
type TransferActionResponse struct {
	OperationID string          `json:"operation_id"`
	Status      transfer.Status `json:"status"`
	Version     uint64          `json:"version"`
}

// TransferEvent is one websocket frame of a transfer watch.
type TransferEvent struct {
	Type     string                   `json:"type"`
	Progress TransferProgressResponse `json:"progress"`
}
