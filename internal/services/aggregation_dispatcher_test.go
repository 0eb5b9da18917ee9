package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Tofulati/hallpass-sub000/internal/aggregation"
	"github.com/Tofulati/hallpass-sub000/internal/domain"
	"github.com/Tofulati/hallpass-sub000/internal/repositories"
	"github.com/Tofulati/hallpass-sub000/internal/repositories/memory"
)

type stubRunner struct {
	calls   atomic.Int32
	release chan struct{}
	result  aggregation.Result
	err     error
}

func (r *stubRunner) Run(ctx context.Context, kind domain.EntityKind) (aggregation.Result, error) {
	r.calls.Add(1)
	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
			return aggregation.Result{}, ctx.Err()
		}
	}
	result := r.result
	result.Kind = kind
	return result, r.err
}

type stubJobPublisher struct {
	mu       sync.Mutex
	messages []AggregationJobMessage
	err      error
}

func (p *stubJobPublisher) PublishAggregationJob(_ context.Context, msg AggregationJobMessage) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.messages = append(p.messages, msg)
	return fmt.Sprintf("msg-%d", len(p.messages)), nil
}

type flakyRunRepository struct {
	*memory.AggregationRunRepository
	failUpdates atomic.Int32
}

func (r *flakyRunRepository) Update(ctx context.Context, run domain.AggregationRun) error {
	if r.failUpdates.Add(-1) >= 0 {
		return repositories.NewStoreError("flaky.update", repositories.StoreErrorUnavailable, errors.New("transient unavailable"))
	}
	return r.AggregationRunRepository.Update(ctx, run)
}

type dispatcherFixture struct {
	dispatcher *Dispatcher
	runs       *memory.AggregationRunRepository
	locks      *memory.AggregationLock
	runner     *stubRunner
	publisher  *stubJobPublisher
}

func newDispatcherFixture(t *testing.T, mode string, mutate func(*AggregationDispatcherDeps)) *dispatcherFixture {
	t.Helper()
	var seq atomic.Int32
	f := &dispatcherFixture{
		runs:      memory.NewAggregationRunRepository(),
		locks:     memory.NewAggregationLock(nil),
		runner:    &stubRunner{result: aggregation.Result{Pending: 4, Groups: 2, Inserted: 2, Deleted: 4}},
		publisher: &stubJobPublisher{},
	}
	deps := AggregationDispatcherDeps{
		Runs:        f.runs,
		Locks:       f.locks,
		Runner:      f.runner,
		Publisher:   f.publisher,
		Mode:        mode,
		Workers:     1,
		LeaseWait:   20 * time.Millisecond,
		Clock:       func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
		IDGenerator: func() string { return fmt.Sprintf("id-%02d", seq.Add(1)) },
	}
	if mutate != nil {
		mutate(&deps)
	}
	d, err := NewAggregationDispatcher(deps)
	if err != nil {
		t.Fatalf("NewAggregationDispatcher: %v", err)
	}
	f.dispatcher = d
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = d.Close(ctx)
	})
	return f
}

func waitOutcome(t *testing.T, ticket *Ticket) RunOutcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	outcome, err := ticket.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	return outcome
}

func TestNewAggregationDispatcherValidatesDeps(t *testing.T) {
	runs := memory.NewAggregationRunRepository()
	locks := memory.NewAggregationLock(nil)
	if _, err := NewAggregationDispatcher(AggregationDispatcherDeps{Locks: locks, Runner: &stubRunner{}}); err == nil {
		t.Fatalf("expected error without run repository")
	}
	if _, err := NewAggregationDispatcher(AggregationDispatcherDeps{Runs: runs, Locks: locks, Runner: &stubRunner{}, Mode: DispatchPubSub}); err == nil {
		t.Fatalf("expected error for pubsub mode without publisher")
	}
	if _, err := NewAggregationDispatcher(AggregationDispatcherDeps{Runs: runs, Locks: locks, Runner: &stubRunner{}, Mode: "cron"}); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

func TestDispatcherInlineTriggerRecordsSucceededRun(t *testing.T) {
	f := newDispatcherFixture(t, DispatchInline, nil)
	f.dispatcher.Start(context.Background())

	ticket, err := f.dispatcher.Trigger(context.Background(), domain.KindCourse, domain.AggregationReasonThreshold)
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if ticket.Run.Status != domain.AggregationRunQueued {
		t.Fatalf("expected queued ticket, got %s", ticket.Run.Status)
	}

	outcome := waitOutcome(t, ticket)
	if outcome.Err != nil {
		t.Fatalf("unexpected run error: %v", outcome.Err)
	}
	stored, err := f.runs.FindByID(context.Background(), ticket.Run.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if stored.Status != domain.AggregationRunSucceeded {
		t.Fatalf("expected succeeded, got %s", stored.Status)
	}
	if stored.PendingCount != 4 || stored.Inserted != 2 || stored.Deleted != 4 || stored.Groups != 2 {
		t.Fatalf("unexpected counts %+v", stored)
	}
	if stored.StartedAt == nil || stored.CompletedAt == nil {
		t.Fatalf("expected timestamps, got %+v", stored)
	}
}

func TestDispatcherCoalescesQueuedTriggers(t *testing.T) {
	f := newDispatcherFixture(t, DispatchInline, nil)

	first, err := f.dispatcher.Trigger(context.Background(), domain.KindOrganization, domain.AggregationReasonThreshold)
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	second, err := f.dispatcher.Trigger(context.Background(), domain.KindOrganization, domain.AggregationReasonManual)
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if !second.Coalesced || second.Run.ID != first.Run.ID {
		t.Fatalf("expected second trigger to join run %s, got %+v", first.Run.ID, second)
	}

	f.dispatcher.Start(context.Background())
	a, b := waitOutcome(t, first), waitOutcome(t, second)
	if a.Run.ID != b.Run.ID || a.Run.Status != domain.AggregationRunSucceeded {
		t.Fatalf("unexpected outcomes %+v %+v", a, b)
	}
	if calls := f.runner.calls.Load(); calls != 1 {
		t.Fatalf("expected one pipeline run, got %d", calls)
	}
}

func TestDispatcherTriggerAfterStartQueuesFreshRun(t *testing.T) {
	f := newDispatcherFixture(t, DispatchInline, nil)
	f.runner.release = make(chan struct{})
	f.dispatcher.Start(context.Background())

	first, err := f.dispatcher.Trigger(context.Background(), domain.KindCourse, domain.AggregationReasonThreshold)
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for f.runner.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("runner never started")
		}
		time.Sleep(time.Millisecond)
	}

	second, err := f.dispatcher.Trigger(context.Background(), domain.KindCourse, domain.AggregationReasonThreshold)
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if second.Coalesced || second.Run.ID == first.Run.ID {
		t.Fatalf("expected a new run once the first started, got %+v", second)
	}
	close(f.runner.release)
	if outcome := waitOutcome(t, second); outcome.Err != nil {
		t.Fatalf("second run: %v", outcome.Err)
	}
}

func TestDispatcherSkipsWhenLeaseHeld(t *testing.T) {
	f := newDispatcherFixture(t, DispatchInline, nil)
	if ok, err := f.locks.Acquire(context.Background(), domain.KindProfessor, "other-worker", time.Minute); err != nil || !ok {
		t.Fatalf("seed lease: ok=%v err=%v", ok, err)
	}

	run, err := f.dispatcher.RunNow(context.Background(), domain.KindProfessor, domain.AggregationReasonManual)
	if !errors.Is(err, ErrAggregationBusy) {
		t.Fatalf("expected ErrAggregationBusy, got %v", err)
	}
	if run.Status != domain.AggregationRunSkipped {
		t.Fatalf("expected skipped, got %s", run.Status)
	}
	if f.runner.calls.Load() != 0 {
		t.Fatalf("runner must not execute without the lease")
	}
}

func TestDispatcherFailedRunCanBeRetried(t *testing.T) {
	f := newDispatcherFixture(t, DispatchInline, nil)
	f.runner.err = &aggregation.CommitError{Stage: "delete", Chunk: 2, Err: errors.New("unavailable")}

	failed, err := f.dispatcher.RunNow(context.Background(), domain.KindUniversity, domain.AggregationReasonManual)
	if err == nil {
		t.Fatalf("expected run error")
	}
	if failed.Status != domain.AggregationRunFailed || failed.Error == "" {
		t.Fatalf("expected failed run with error, got %+v", failed)
	}

	f.runner.err = nil
	f.dispatcher.Start(context.Background())
	ticket, err := f.dispatcher.Retry(context.Background(), failed.ID)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if ticket.Run.RetryOf != failed.ID || ticket.Run.Attempt != 2 || ticket.Run.Reason != domain.AggregationReasonRetry {
		t.Fatalf("unexpected retry run %+v", ticket.Run)
	}
	if outcome := waitOutcome(t, ticket); outcome.Run.Status != domain.AggregationRunSucceeded {
		t.Fatalf("expected retry to succeed, got %+v", outcome)
	}
}

func TestDispatcherRetryRejectsSucceededRun(t *testing.T) {
	f := newDispatcherFixture(t, DispatchInline, nil)
	run, err := f.dispatcher.RunNow(context.Background(), domain.KindCourse, domain.AggregationReasonManual)
	if err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if _, err := f.dispatcher.Retry(context.Background(), run.ID); !errors.Is(err, ErrAggregationNotRetryable) {
		t.Fatalf("expected ErrAggregationNotRetryable, got %v", err)
	}
	if _, err := f.dispatcher.Retry(context.Background(), "missing"); !errors.Is(err, ErrAggregationRunNotFound) {
		t.Fatalf("expected ErrAggregationRunNotFound, got %v", err)
	}
}

func TestDispatcherExecuteIsNoopForTerminalRuns(t *testing.T) {
	f := newDispatcherFixture(t, DispatchInline, nil)
	run, err := f.dispatcher.RunNow(context.Background(), domain.KindCourse, domain.AggregationReasonManual)
	if err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	again, err := f.dispatcher.Execute(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if again.Status != domain.AggregationRunSucceeded || f.runner.calls.Load() != 1 {
		t.Fatalf("expected redelivery to be ignored, got %+v calls=%d", again, f.runner.calls.Load())
	}
}

func TestDispatcherRejectsUnknownKind(t *testing.T) {
	f := newDispatcherFixture(t, DispatchInline, nil)
	if _, err := f.dispatcher.Trigger(context.Background(), domain.EntityKind("dorm"), domain.AggregationReasonManual); !errors.Is(err, ErrAggregationInvalidKind) {
		t.Fatalf("expected ErrAggregationInvalidKind, got %v", err)
	}
}

func TestDispatcherQueueFullMarksRunFailed(t *testing.T) {
	f := newDispatcherFixture(t, DispatchInline, func(deps *AggregationDispatcherDeps) { deps.QueueSize = 1 })
	if _, err := f.dispatcher.Trigger(context.Background(), domain.KindCourse, domain.AggregationReasonManual); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	_, err := f.dispatcher.Trigger(context.Background(), domain.KindUniversity, domain.AggregationReasonManual)
	if !errors.Is(err, ErrAggregationQueueFull) {
		t.Fatalf("expected ErrAggregationQueueFull, got %v", err)
	}
	runs, err := f.dispatcher.ListRuns(context.Background(), RunListFilter{Kind: domain.KindUniversity})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != domain.AggregationRunFailed {
		t.Fatalf("expected one failed run, got %+v", runs)
	}
}

func TestDispatcherCloseRejectsTriggers(t *testing.T) {
	f := newDispatcherFixture(t, DispatchInline, nil)
	ticket, err := f.dispatcher.Trigger(context.Background(), domain.KindCourse, domain.AggregationReasonManual)
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if err := f.dispatcher.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if outcome := waitOutcome(t, ticket); !errors.Is(outcome.Err, ErrDispatcherClosed) {
		t.Fatalf("expected waiters to observe close, got %v", outcome.Err)
	}
	if _, err := f.dispatcher.Trigger(context.Background(), domain.KindCourse, domain.AggregationReasonManual); !errors.Is(err, ErrDispatcherClosed) {
		t.Fatalf("expected ErrDispatcherClosed, got %v", err)
	}
}

func TestDispatcherPubSubPublishesAndCoalesces(t *testing.T) {
	f := newDispatcherFixture(t, DispatchPubSub, nil)

	ticket, err := f.dispatcher.Trigger(context.Background(), domain.KindCourse, domain.AggregationReasonThreshold)
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if _, err := ticket.Wait(context.Background()); !errors.Is(err, ErrRunDetached) {
		t.Fatalf("expected ErrRunDetached, got %v", err)
	}
	if len(f.publisher.messages) != 1 {
		t.Fatalf("expected one published job, got %d", len(f.publisher.messages))
	}
	msg := f.publisher.messages[0]
	if msg.RunID != ticket.Run.ID || msg.Kind != string(domain.KindCourse) || msg.Attempt != 1 {
		t.Fatalf("unexpected message %+v", msg)
	}

	again, err := f.dispatcher.Trigger(context.Background(), domain.KindCourse, domain.AggregationReasonThreshold)
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if !again.Coalesced || again.Run.ID != ticket.Run.ID || len(f.publisher.messages) != 1 {
		t.Fatalf("expected trigger to coalesce onto queued run, got %+v", again)
	}

	run, err := f.dispatcher.Execute(context.Background(), msg.RunID)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if run.Status != domain.AggregationRunSucceeded {
		t.Fatalf("expected succeeded, got %s", run.Status)
	}
}

func TestDispatcherPubSubPublishFailureMarksRunFailed(t *testing.T) {
	f := newDispatcherFixture(t, DispatchPubSub, nil)
	f.publisher.err = errors.New("topic missing")

	if _, err := f.dispatcher.Trigger(context.Background(), domain.KindCourse, domain.AggregationReasonManual); err == nil {
		t.Fatalf("expected publish error")
	}
	runs, err := f.dispatcher.ListRuns(context.Background(), RunListFilter{})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != domain.AggregationRunFailed {
		t.Fatalf("expected failed run, got %+v", runs)
	}
}

func TestDispatcherPubSubCloseReturnsPromptly(t *testing.T) {
	f := newDispatcherFixture(t, DispatchPubSub, nil)
	if _, err := f.dispatcher.Trigger(context.Background(), domain.KindCourse, domain.AggregationReasonManual); err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- f.dispatcher.Close(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Close: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Close blocked in pubsub mode")
	}
	if _, err := f.dispatcher.Trigger(context.Background(), domain.KindCourse, domain.AggregationReasonManual); !errors.Is(err, ErrDispatcherClosed) {
		t.Fatalf("expected ErrDispatcherClosed, got %v", err)
	}
}

func TestDispatcherExecuteFailsRunWhenStartUpdateFails(t *testing.T) {
	runs := &flakyRunRepository{AggregationRunRepository: memory.NewAggregationRunRepository()}
	f := newDispatcherFixture(t, DispatchPubSub, func(deps *AggregationDispatcherDeps) { deps.Runs = runs })

	ticket, err := f.dispatcher.Trigger(context.Background(), domain.KindCourse, domain.AggregationReasonThreshold)
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	runs.failUpdates.Store(1)
	if _, err := f.dispatcher.Execute(context.Background(), ticket.Run.ID); !repositories.IsUnavailable(err) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
	if f.runner.calls.Load() != 0 {
		t.Fatalf("runner must not execute when the run cannot be marked running")
	}
	stored, err := runs.FindByID(context.Background(), ticket.Run.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if stored.Status != domain.AggregationRunFailed {
		t.Fatalf("expected failed run, got %s", stored.Status)
	}

	next, err := f.dispatcher.Trigger(context.Background(), domain.KindCourse, domain.AggregationReasonThreshold)
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if next.Coalesced || next.Run.ID == ticket.Run.ID || len(f.publisher.messages) != 2 {
		t.Fatalf("expected a fresh published run, got %+v msgs=%d", next, len(f.publisher.messages))
	}
	if _, err := f.dispatcher.Retry(context.Background(), ticket.Run.ID); err != nil {
		t.Fatalf("Retry: %v", err)
	}
}

func TestDispatcherPubSubReplacesStaleQueuedRun(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	f := newDispatcherFixture(t, DispatchPubSub, func(deps *AggregationDispatcherDeps) {
		deps.Clock = clock
		deps.StaleAfter = time.Minute
	})

	first, err := f.dispatcher.Trigger(context.Background(), domain.KindUniversity, domain.AggregationReasonThreshold)
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	second, err := f.dispatcher.Trigger(context.Background(), domain.KindUniversity, domain.AggregationReasonThreshold)
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if second.Coalesced || second.Run.ID == first.Run.ID {
		t.Fatalf("expected stale run to be replaced, got %+v", second)
	}
	stale, err := f.runs.FindByID(context.Background(), first.Run.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if stale.Status != domain.AggregationRunFailed || stale.Error == "" {
		t.Fatalf("expected abandoned run to be failed, got %+v", stale)
	}
}
