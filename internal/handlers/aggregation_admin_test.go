package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Tofulati/hallpass-sub000/internal/aggregation"
	"github.com/Tofulati/hallpass-sub000/internal/domain"
	"github.com/Tofulati/hallpass-sub000/internal/platform/auth"
	"github.com/Tofulati/hallpass-sub000/internal/repositories/memory"
	"github.com/Tofulati/hallpass-sub000/internal/services"
)

type fixedRunner struct {
	err error
}

func (r fixedRunner) Run(_ context.Context, kind domain.EntityKind) (aggregation.Result, error) {
	return aggregation.Result{Kind: kind, Pending: 3, Groups: 1, Inserted: 1, Deleted: 3}, r.err
}

func newAdminRouter(t *testing.T, runner services.AggregationRunner, roles ...string) (http.Handler, *services.Dispatcher) {
	t.Helper()
	dispatcher, err := services.NewAggregationDispatcher(services.AggregationDispatcherDeps{
		Runs:      memory.NewAggregationRunRepository(),
		Locks:     memory.NewAggregationLock(nil),
		Runner:    runner,
		LeaseWait: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewAggregationDispatcher: %v", err)
	}
	t.Cleanup(func() { _ = dispatcher.Close(context.Background()) })
	router := NewRouter(
		WithInternalMiddlewares(withIdentity("operator", roles...), auth.RequireRole(auth.RoleAdmin)),
		WithInternalRoutes(NewAggregationHandlers(dispatcher).Routes),
	)
	return router, dispatcher
}

func TestAggregationHandlersRequireAdmin(t *testing.T) {
	router, _ := newAdminRouter(t, fixedRunner{}, auth.RoleUser)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/internal/aggregation/runs", nil))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}

func TestAggregationHandlersSyncTriggerAndInspect(t *testing.T) {
	router, _ := newAdminRouter(t, fixedRunner{}, auth.RoleAdmin)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/internal/aggregation/course:trigger?sync=true", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var triggered struct {
		Run runPayload `json:"run"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &triggered); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if triggered.Run.Status != string(domain.AggregationRunSucceeded) || triggered.Run.Inserted != 1 || triggered.Run.CompletedAt == "" {
		t.Fatalf("unexpected run %+v", triggered.Run)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/internal/aggregation/runs/"+triggered.Run.ID, nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/internal/aggregation/runs?kind=courses&limit=5", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var list struct {
		Items []runPayload `json:"items"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Items) != 1 || list.Items[0].ID != triggered.Run.ID {
		t.Fatalf("unexpected list %+v", list.Items)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/internal/aggregation/runs/"+triggered.Run.ID+":retry", nil))
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 for succeeded run, got %d", rr.Code)
	}
}

func TestAggregationHandlersRetryFailedRun(t *testing.T) {
	router, dispatcher := newAdminRouter(t, fixedRunner{err: errors.New("commit failed")}, auth.RoleAdmin)

	failed, err := dispatcher.RunNow(context.Background(), domain.KindUniversity, domain.AggregationReasonManual)
	if err == nil || failed.Status != domain.AggregationRunFailed {
		t.Fatalf("expected failed run, got %+v err=%v", failed, err)
	}

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/internal/aggregation/runs/"+failed.ID+":retry", nil))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Run runPayload `json:"run"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Run.RetryOf != failed.ID || resp.Run.Attempt != 2 || resp.Run.Status != string(domain.AggregationRunQueued) {
		t.Fatalf("unexpected retry %+v", resp.Run)
	}
}

func TestAggregationHandlersErrors(t *testing.T) {
	router, _ := newAdminRouter(t, fixedRunner{}, auth.RoleAdmin)

	cases := []struct {
		method string
		path   string
		status int
	}{
		{http.MethodPost, "/api/v1/internal/aggregation/dorm:trigger", http.StatusBadRequest},
		{http.MethodGet, "/api/v1/internal/aggregation/runs?limit=-1", http.StatusBadRequest},
		{http.MethodGet, "/api/v1/internal/aggregation/runs?kind=dorm", http.StatusBadRequest},
		{http.MethodGet, "/api/v1/internal/aggregation/runs/missing", http.StatusNotFound},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(tc.method, tc.path, nil))
		if rr.Code != tc.status {
			t.Fatalf("%s %s: expected %d, got %d", tc.method, tc.path, tc.status, rr.Code)
		}
	}
}
