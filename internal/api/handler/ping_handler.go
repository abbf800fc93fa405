package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apimw "github.com/podping/hivedispatch/internal/api/middleware"
	"github.com/podping/hivedispatch/internal/domain"
	"github.com/podping/hivedispatch/internal/service"
)

// PingHandler exposes the submit and status operations.
type PingHandler struct {
	svc    *service.PingService
	logger *zap.Logger
}

func NewPingHandler(svc *service.PingService, logger *zap.Logger) *PingHandler {
	return &PingHandler{svc: svc, logger: logger}
}

// SubmitRequest is the inbound submission payload.
type SubmitRequest struct {
	IRI  string `json:"iri"`
	Mode string `json:"mode,omitempty"`
}

// Submit handles POST /api/v1/pings
//
// Fire-and-forget returns 202 as soon as the IRI is admitted to the queue.
// Await blocks until the batch outcome is known and returns it; if the wait
// times out, 202 with status=pending is returned and the dispatch proceeds
// in the background.
func (h *PingHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	mode, err := service.ParseMode(req.Mode)
	if err != nil {
		mapError(w, err)
		return
	}

	res, err := h.svc.Submit(r.Context(), req.IRI, mode)
	switch {
	case errors.Is(err, domain.ErrAwaitTimeout):
		respondJSON(w, http.StatusAccepted, map[string]string{"status": string(domain.StatusPending)})
		return
	case err != nil:
		h.logger.Warn("submit failed",
			zap.String("correlation_id", apimw.GetCorrelationID(r.Context())),
			zap.Error(err),
		)
		mapError(w, err)
		return
	}

	if mode == service.ModeFireAndForget {
		status := "accepted"
		if res.Duplicate {
			status = "duplicate"
		}
		respondJSON(w, http.StatusAccepted, map[string]string{"status": status})
		return
	}

	respondJSON(w, http.StatusOK, res.Outcome)
}

// Status handles GET /api/v1/pings/{seq}
//
// Reports the terminal outcome of a batch by its sequence number, or
// status=pending when the batch has not yet resolved.
func (h *PingHandler) Status(w http.ResponseWriter, r *http.Request) {
	seq, err := strconv.ParseUint(chi.URLParam(r, "seq"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "sequence must be a positive integer")
		return
	}
	respondJSON(w, http.StatusOK, h.svc.Status(seq))
}
