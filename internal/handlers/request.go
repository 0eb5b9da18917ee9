package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/Tofulati/hallpass-sub000/internal/platform/httpx"
	"github.com/Tofulati/hallpass-sub000/internal/repositories"
	"github.com/Tofulati/hallpass-sub000/internal/services"
)

const defaultMaxBodySize = 64 * 1024

var (
	errEmptyBody    = errors.New("request body is empty")
	errBodyTooLarge = errors.New("request body too large")
)

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	if limit <= 0 {
		limit = defaultMaxBodySize
	}
	reader := io.LimitReader(r.Body, limit+1)
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errEmptyBody
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

// decodeJSONBody reads and decodes the request body, writing the error response itself on failure.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, limit int64, dst any) bool {
	ctx := r.Context()
	body, err := readLimitedBody(r, limit)
	if err != nil {
		switch {
		case errors.Is(err, errEmptyBody):
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body is required", http.StatusBadRequest))
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
		return false
	}
	return true
}

func parseLimit(raw string) (int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, false
	}
	return limit, true
}

// writeServiceError maps service and repository errors onto the JSON error envelope.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrSubmissionInvalid), errors.Is(err, services.ErrDirectoryInvalid):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrAggregationInvalidKind):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_kind", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrSubmissionDuplicate):
		httpx.WriteError(ctx, w, httpx.NewError("duplicate_submission", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrSubmissionRateLimited):
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many submissions, try again later", http.StatusTooManyRequests))
	case errors.Is(err, services.ErrEntityNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("entity_not_found", err.Error(), http.StatusNotFound))
	case errors.Is(err, services.ErrAggregationRunNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("run_not_found", err.Error(), http.StatusNotFound))
	case errors.Is(err, services.ErrAggregationNotRetryable):
		httpx.WriteError(ctx, w, httpx.NewError("run_not_retryable", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrAggregationBusy):
		httpx.WriteError(ctx, w, httpx.NewError("aggregation_busy", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrAggregationQueueFull), errors.Is(err, services.ErrDispatcherClosed):
		httpx.WriteError(ctx, w, httpx.NewError("aggregation_unavailable", err.Error(), http.StatusServiceUnavailable))
	case repositories.IsUnavailable(err):
		httpx.WriteError(ctx, w, httpx.NewError("storage_unavailable", "storage is temporarily unavailable", http.StatusServiceUnavailable))
	case errors.Is(err, context.DeadlineExceeded):
		httpx.WriteError(ctx, w, httpx.NewError("timeout", "request timed out", http.StatusGatewayTimeout))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "internal server error", http.StatusInternalServerError))
	}
}
