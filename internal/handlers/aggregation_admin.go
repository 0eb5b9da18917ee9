package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/Tofulati/hallpass-sub000/internal/domain"
	"github.com/Tofulati/hallpass-sub000/internal/platform/httpx"
	"github.com/Tofulati/hallpass-sub000/internal/services"
)

// AggregationHandlers exposes operator endpoints for aggregation runs.
type AggregationHandlers struct {
	dispatcher services.AggregationDispatcher
}

// NewAggregationHandlers constructs AggregationHandlers.
func NewAggregationHandlers(dispatcher services.AggregationDispatcher) *AggregationHandlers {
	return &AggregationHandlers{dispatcher: dispatcher}
}

// Routes registers /aggregation endpoints under the internal group.
func (h *AggregationHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Route("/aggregation", func(rt chi.Router) {
		rt.Get("/runs", h.listRuns)
		rt.Get("/runs/{runId}", h.getRun)
		rt.Post("/runs/{runId}:retry", h.retryRun)
		rt.Post("/{kind}:trigger", h.trigger)
	})
}

func (h *AggregationHandlers) listRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(w, r) {
		return
	}
	query := r.URL.Query()
	var filter services.RunListFilter
	if raw := strings.TrimSpace(query.Get("kind")); raw != "" {
		kind, ok := domain.ParseEntityKind(raw)
		if !ok {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_kind", "unknown entity kind", http.StatusBadRequest))
			return
		}
		filter.Kind = kind
	}
	limit, ok := parseLimit(query.Get("limit"))
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "limit must be a non-negative integer", http.StatusBadRequest))
		return
	}
	filter.Limit = limit

	runs, err := h.dispatcher.ListRuns(ctx, filter)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	items := make([]runPayload, 0, len(runs))
	for _, run := range runs {
		items = append(items, buildRunPayload(run))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *AggregationHandlers) getRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(w, r) {
		return
	}
	run, err := h.dispatcher.GetRun(ctx, chi.URLParam(r, "runId"))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildRunPayload(run))
}

func (h *AggregationHandlers) retryRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(w, r) {
		return
	}
	ticket, err := h.dispatcher.Retry(ctx, chi.URLParam(r, "runId"))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, map[string]any{
		"run":       buildRunPayload(ticket.Run),
		"coalesced": ticket.Coalesced,
	})
}

// trigger queues a run. With ?sync=true the run executes on the request
// goroutine and the response carries its final record.
func (h *AggregationHandlers) trigger(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(w, r) {
		return
	}
	kind, ok := domain.ParseEntityKind(chi.URLParam(r, "kind"))
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_kind", "unknown entity kind", http.StatusBadRequest))
		return
	}

	if sync, _ := strconv.ParseBool(r.URL.Query().Get("sync")); sync {
		run, err := h.dispatcher.RunNow(ctx, kind, domain.AggregationReasonManual)
		if err != nil && run.ID == "" {
			writeServiceError(ctx, w, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"run": buildRunPayload(run)})
		return
	}

	ticket, err := h.dispatcher.Trigger(ctx, kind, domain.AggregationReasonManual)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, map[string]any{
		"run":       buildRunPayload(ticket.Run),
		"coalesced": ticket.Coalesced,
	})
}

func (h *AggregationHandlers) available(w http.ResponseWriter, r *http.Request) bool {
	if h.dispatcher != nil {
		return true
	}
	httpx.WriteError(r.Context(), w, httpx.NewError("aggregation_service_unavailable", "aggregation service unavailable", http.StatusServiceUnavailable))
	return false
}
