package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/polystore/polystore/pkg/api/middleware"
	"github.com/polystore/polystore/pkg/api/models"
	"github.com/polystore/polystore/pkg/api/response"
	"github.com/polystore/polystore/pkg/logger"
	"github.com/polystore/polystore/pkg/saga"
)

const (
	defaultListLimit = 20
	maxListLimit     = 500
)

// SagaService is the orchestrator surface behind the saga endpoints.
type SagaService interface {
	Get(ctx context.Context, sagaID string) (*saga.SagaRecord, error)
	List(ctx context.Context, filter saga.ListFilter) ([]*saga.SagaRecord, int, error)
	Cancel(sagaID string, opts ...saga.CancelOption) error
}

var _ SagaService = (*saga.Orchestrator)(nil)

// SagaHandler handles saga API endpoints.
type SagaHandler struct {
	sagas  SagaService
	logger logger.Logger
}

// NewSagaHandler creates a saga handler.
func NewSagaHandler(sagas SagaService, log logger.Logger) *SagaHandler {
	if log == nil {
		log = logger.Global()
	}
	return &SagaHandler{sagas: sagas, logger: log}
}

// GetSaga handles GET /api/v1/sagas/{id}.
func (h *SagaHandler) GetSaga(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())
	rec, err := h.sagas.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		response.HandleError(w, err, requestID)
		return
	}
	response.JSON(w, http.StatusOK, models.NewSagaStatusResponse(rec))
}

// ListSagas handles GET /api/v1/sagas?status=&limit=&offset=.
func (h *SagaHandler) ListSagas(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())
	query := r.URL.Query()

	limit, err := intParam(query.Get("limit"), defaultListLimit)
	if err != nil || limit > maxListLimit {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "limit must be between 0 and 500", requestID)
		return
	}
	offset, err := intParam(query.Get("offset"), 0)
	if err != nil {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "offset must be a non-negative integer", requestID)
		return
	}

	filter := saga.ListFilter{Limit: limit, Offset: offset}
	if raw := strings.TrimSpace(query.Get("status")); raw != "" {
		status, err := saga.ParseStatus(raw)
		if err != nil {
			response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, err.Error(), requestID)
			return
		}
		filter.Status = status.String()
	}

	records, total, err := h.sagas.List(r.Context(), filter)
	if err != nil {
		response.HandleError(w, err, requestID)
		return
	}

	items := make([]models.SagaSummary, 0, len(records))
	for _, rec := range records {
		items = append(items, models.SagaSummary{
			SagaID:      rec.ID,
			Name:        rec.Name,
			State:       rec.Status.String(),
			ErrorKind:   string(rec.ErrorKind),
			CreatedAt:   rec.CreatedAt,
			CompletedAt: rec.FinishedAt,
		})
	}
	response.JSON(w, http.StatusOK, models.SagaListResponse{
		Items:  items,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// CancelSaga handles POST /api/v1/sagas/{id}/cancel. With ?retain=true the
// saga stops without compensating its completed steps.
func (h *SagaHandler) CancelSaga(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())
	sagaID := chi.URLParam(r, "id")

	retain, err := boolParam(r.URL.Query().Get("retain"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "retain must be a boolean", requestID)
		return
	}
	var opts []saga.CancelOption
	if retain {
		opts = append(opts, saga.RetainApplied())
	}
	if err := h.sagas.Cancel(sagaID, opts...); err != nil {
		response.HandleError(w, err, requestID)
		return
	}
	h.logger.InfoContext(r.Context(), "saga cancel requested over HTTP", "saga_id", sagaID, "retain_applied", retain)

	state := saga.StatusRunning.String()
	if rec, err := h.sagas.Get(r.Context(), sagaID); err == nil {
		state = rec.Status.String()
	}
	response.JSON(w, http.StatusAccepted, models.SagaActionResponse{
		SagaID:        sagaID,
		State:         state,
		RetainApplied: retain,
	})
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, strconv.ErrRange
	}
	return n, nil
}

func boolParam(raw string) (bool, error) {
	if raw == "" {
		return false, nil
	}
	return strconv.ParseBool(raw)
}
