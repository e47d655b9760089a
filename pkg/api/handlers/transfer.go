package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/polystore/polystore/pkg/api/middleware"
	"github.com/polystore/polystore/pkg/api/models"
	"github.com/polystore/polystore/pkg/api/response"
	"github.com/polystore/polystore/pkg/logger"
	"github.com/polystore/polystore/pkg/transfer"
)

// TransferService is the transfer manager surface behind the transfer endpoints.
type TransferService interface {
	GetProgress(ctx context.Context, operationID string) (transfer.StreamingProgress, error)
	ListProgress(ctx context.Context) ([]transfer.StreamingProgress, error)
	StartResume(ctx context.Context, operationID string) error
	Cancel(ctx context.Context, operationID string, opts transfer.CancelOptions) error
}

var _ TransferService = (*transfer.Manager)(nil)

// TransferHandler handles transfer API endpoints.
type TransferHandler struct {
	transfers TransferService
	logger    logger.Logger
}

// NewTransferHandler creates a transfer handler.
func NewTransferHandler(transfers TransferService, log logger.Logger) *TransferHandler {
	if log == nil {
		log = logger.Global()
	}
	return &TransferHandler{transfers: transfers, logger: log}
}

// GetTransfer handles GET /api/v1/transfers/{id}.
func (h *TransferHandler) GetTransfer(w http.ResponseWriter, r *http.Request) {
	p, err := h.transfers.GetProgress(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		response.HandleError(w, err, middleware.GetRequestID(r.Context()))
		return
	}
	response.JSON(w, http.StatusOK, models.NewTransferProgressResponse(p))
}

// ListTransfers handles GET /api/v1/transfers?status=.
func (h *TransferHandler) ListTransfers(w http.ResponseWriter, r *http.Request) {
	all, err := h.transfers.ListProgress(r.Context())
	if err != nil {
		response.HandleError(w, err, middleware.GetRequestID(r.Context()))
		return
	}
	status := transfer.Status(r.URL.Query().Get("status"))

	items := make([]models.TransferSummary, 0, len(all))
	for _, p := range all {
		if status != "" && p.Status != status {
			continue
		}
		items = append(items, models.TransferSummary{
			OperationID:      p.OperationID,
			Object:           p.Object,
			Status:           p.Status,
			TotalBytes:       p.TotalBytes,
			TransferredBytes: p.TransferredBytes,
			Percent:          p.Percent(),
			ResumeAttempts:   p.ResumeAttempts,
			ErrorKind:        string(p.ErrorKind),
		})
	}
	response.JSON(w, http.StatusOK, models.TransferListResponse{Items: items, Total: len(items)})
}

// ResumeTransfer handles POST /api/v1/transfers/{id}/resume. Verification of
// committed chunks happens before the response; the remaining chunks are
// written in the background.
func (h *TransferHandler) ResumeTransfer(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")

	if err := h.transfers.StartResume(context.WithoutCancel(r.Context()), id); err != nil {
		h.logger.WarnContext(r.Context(), "transfer resume rejected", "operation_id", id, "error", err)
		response.HandleError(w, err, requestID)
		return
	}
	h.respondAction(w, r, id, http.StatusAccepted)
}

// CancelTransfer handles POST /api/v1/transfers/{id}/cancel. With
// ?retain_partial=true committed chunks stay in place and the transfer can be
// resumed later.
func (h *TransferHandler) CancelTransfer(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")

	retain, err := boolParam(r.URL.Query().Get("retain_partial"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "retain_partial must be a boolean", requestID)
		return
	}
	if err := h.transfers.Cancel(r.Context(), id, transfer.CancelOptions{RetainPartial: retain}); err != nil {
		response.HandleError(w, err, requestID)
		return
	}
	h.respondAction(w, r, id, http.StatusAccepted)
}

func (h *TransferHandler) respondAction(w http.ResponseWriter, r *http.Request, id string, status int) {
	resp := models.TransferActionResponse{OperationID: id}
	if p, err := h.transfers.GetProgress(r.Context(), id); err == nil {
		resp.Status = p.Status
		resp.Version = p.Version
	}
	response.JSON(w, status, resp)
}
