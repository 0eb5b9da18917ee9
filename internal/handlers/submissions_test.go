package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Tofulati/hallpass-sub000/internal/domain"
	"github.com/Tofulati/hallpass-sub000/internal/platform/auth"
	"github.com/Tofulati/hallpass-sub000/internal/services"
)

type stubSubmissionService struct {
	last   services.SubmitCommand
	result services.SubmitResult
	err    error
}

func (s *stubSubmissionService) Submit(_ context.Context, cmd services.SubmitCommand) (services.SubmitResult, error) {
	s.last = cmd
	if s.err != nil {
		return services.SubmitResult{}, s.err
	}
	result := s.result
	result.Submission.Kind = cmd.Kind
	result.Submission.DisplayName = cmd.DisplayName
	result.Submission.SubmittedBy = cmd.UserID
	return result, nil
}

func withIdentity(uid string, roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if uid != "" {
				r = r.WithContext(auth.WithIdentity(r.Context(), &auth.Identity{UID: uid, Roles: roles}))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func newSubmissionRouter(svc services.SubmissionService, uid string) http.Handler {
	return NewRouter(
		WithSubmissionMiddlewares(withIdentity(uid)),
		WithSubmissionRoutes(NewSubmissionHandlers(svc).Routes),
	)
}

func TestSubmissionHandlersAccepted(t *testing.T) {
	svc := &stubSubmissionService{result: services.SubmitResult{
		Submission:   services.PendingSubmission{ID: "sub-1", SubmittedAt: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)},
		PendingCount: 100,
		RunID:        "run-9",
	}}
	router := newSubmissionRouter(svc, "user-1")

	body := `{"displayName":"Linear Algebra","scopeId":"ucla","colors":{"primary":"#112233"},"professorNames":["Ada"]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/submissions/courses", strings.NewReader(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	if svc.last.Kind != domain.KindCourse || svc.last.UserID != "user-1" || svc.last.ScopeID != "ucla" || svc.last.PrimaryColor != "#112233" {
		t.Fatalf("unexpected command %+v", svc.last)
	}

	var resp struct {
		Submission   submissionPayload `json:"submission"`
		PendingCount int               `json:"pendingCount"`
		RunID        string            `json:"runId"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Submission.ID != "sub-1" || resp.PendingCount != 100 || resp.RunID != "run-9" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestSubmissionHandlersErrors(t *testing.T) {
	cases := []struct {
		name   string
		uid    string
		path   string
		body   string
		err    error
		status int
		code   string
	}{
		{name: "unauthenticated", path: "/api/v1/submissions/course", body: `{"displayName":"x"}`, status: http.StatusUnauthorized, code: "unauthenticated"},
		{name: "unknown kind", uid: "u", path: "/api/v1/submissions/dorms", body: `{"displayName":"x"}`, status: http.StatusBadRequest, code: "invalid_kind"},
		{name: "empty body", uid: "u", path: "/api/v1/submissions/course", status: http.StatusBadRequest, code: "invalid_request"},
		{name: "bad json", uid: "u", path: "/api/v1/submissions/course", body: `{`, status: http.StatusBadRequest, code: "invalid_request"},
		{name: "invalid", uid: "u", path: "/api/v1/submissions/course", body: `{"displayName":""}`, err: fmt.Errorf("%w: displayName", services.ErrSubmissionInvalid), status: http.StatusBadRequest, code: "invalid_request"},
		{name: "duplicate", uid: "u", path: "/api/v1/submissions/course", body: `{"displayName":"x"}`, err: services.ErrSubmissionDuplicate, status: http.StatusConflict, code: "duplicate_submission"},
		{name: "rate limited", uid: "u", path: "/api/v1/submissions/course", body: `{"displayName":"x"}`, err: services.ErrSubmissionRateLimited, status: http.StatusTooManyRequests, code: "rate_limited"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := newSubmissionRouter(&stubSubmissionService{err: tc.err}, tc.uid)
			req := httptest.NewRequest(http.MethodPost, tc.path, strings.NewReader(tc.body))
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)

			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rr.Code, rr.Body.String())
			}
			var body map[string]any
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode error body: %v", err)
			}
			if body["error"] != tc.code {
				t.Fatalf("expected code %s, got %v", tc.code, body["error"])
			}
		})
	}
}
