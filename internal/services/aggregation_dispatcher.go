package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/Tofulati/hallpass-sub000/internal/aggregation"
	"github.com/Tofulati/hallpass-sub000/internal/domain"
	"github.com/Tofulati/hallpass-sub000/internal/platform/requestctx"
	"github.com/Tofulati/hallpass-sub000/internal/repositories"
)

// Dispatch modes.
const (
	DispatchInline = "inline"
	DispatchPubSub = "pubsub"
)

const (
	defaultDispatchWorkers = 2
	defaultDispatchQueue   = 32
	defaultLeaseTTL        = 10 * time.Minute
	defaultLeaseWait       = 30 * time.Second
	defaultRunTimeout      = 5 * time.Minute
	defaultRunListLimit    = 20
	maxRunListLimit        = 100

	runEventQueued    = "aggregation.run.queued"
	runEventCoalesced = "aggregation.run.coalesced"
	runEventStarted   = "aggregation.run.started"
	runEventCompleted = "aggregation.run.completed"
	runEventFailed    = "aggregation.run.failed"
	runEventSkipped   = "aggregation.run.skipped"
)

var (
	// ErrAggregationBusy indicates the kind lease stayed held for the whole lease wait.
	ErrAggregationBusy = errors.New("aggregation: kind is busy")
	// ErrAggregationRunNotFound indicates the requested run does not exist.
	ErrAggregationRunNotFound = errors.New("aggregation: run not found")
	// ErrAggregationNotRetryable indicates the run is not failed or skipped.
	ErrAggregationNotRetryable = errors.New("aggregation: run is not retryable")
	// ErrAggregationInvalidKind indicates an unsupported entity kind.
	ErrAggregationInvalidKind = errors.New("aggregation: unknown kind")
	// ErrAggregationQueueFull indicates the inline queue had no room for another run.
	ErrAggregationQueueFull = errors.New("aggregation: queue is full")
	// ErrDispatcherClosed is returned once Close has been called.
	ErrDispatcherClosed = errors.New("aggregation: dispatcher is closed")
	// ErrRunDetached is returned by Ticket.Wait when the run executes in another process.
	ErrRunDetached = errors.New("aggregation: run executes out of process")

	errLeaseHeld    = errors.New("aggregation: lease held by another worker")
	errRunAbandoned = errors.New("aggregation: queued run was never picked up")
)

// AggregationRunner executes the pipeline for one kind.
type AggregationRunner interface {
	Run(ctx context.Context, kind domain.EntityKind) (aggregation.Result, error)
}

// RunOutcome is delivered on a Ticket once its run has finished.
type RunOutcome struct {
	Run AggregationRun
	Err error
}

// Ticket tracks a queued run.
type Ticket struct {
	Run AggregationRun
	// Coalesced is set when the trigger joined a run that was already queued.
	Coalesced bool
	done      <-chan RunOutcome
}

// Done delivers the outcome exactly once. It is nil for runs dispatched over Pub/Sub.
func (t *Ticket) Done() <-chan RunOutcome {
	return t.done
}

// Wait blocks until the run finishes or ctx is done.
func (t *Ticket) Wait(ctx context.Context) (RunOutcome, error) {
	if t.done == nil {
		return RunOutcome{Run: t.Run}, ErrRunDetached
	}
	select {
	case outcome := <-t.done:
		return outcome, nil
	case <-ctx.Done():
		return RunOutcome{}, ctx.Err()
	}
}

// AggregationDispatcherDeps enumerates collaborators required to construct the dispatcher.
type AggregationDispatcherDeps struct {
	Runs        repositories.AggregationRunRepository
	Locks       repositories.AggregationLock
	Runner      AggregationRunner
	Publisher   AggregationJobPublisher
	Mode        string
	Workers     int
	QueueSize   int
	LeaseTTL    time.Duration
	LeaseWait   time.Duration
	RunTimeout  time.Duration
	// StaleAfter bounds how long a queued pubsub run may absorb new triggers.
	// Defaults to LeaseWait + RunTimeout.
	StaleAfter  time.Duration
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type pendingRun struct {
	run     AggregationRun
	waiters []chan RunOutcome
}

// Dispatcher implements AggregationDispatcher. In inline mode Start must be
// called to launch the worker goroutines.
type Dispatcher struct {
	runs       repositories.AggregationRunRepository
	locks      repositories.AggregationLock
	runner     AggregationRunner
	publisher  AggregationJobPublisher
	mode       string
	workers    int
	leaseTTL   time.Duration
	leaseWait  time.Duration
	runTimeout time.Duration
	staleAfter time.Duration
	clock      func() time.Time
	newID      func() string
	logger     func(context.Context, string, map[string]any)

	mu        sync.Mutex
	pending   map[domain.EntityKind]*pendingRun
	kindLocks map[domain.EntityKind]*sync.Mutex
	queue     chan *pendingRun
	group     errgroup.Group
	started   bool
	closed    bool
}

var _ AggregationDispatcher = (*Dispatcher)(nil)

// NewAggregationDispatcher wires dependencies into a Dispatcher.
func NewAggregationDispatcher(deps AggregationDispatcherDeps) (*Dispatcher, error) {
	if deps.Runs == nil {
		return nil, errors.New("aggregation dispatcher: run repository is required")
	}
	if deps.Locks == nil {
		return nil, errors.New("aggregation dispatcher: lock is required")
	}
	if deps.Runner == nil {
		return nil, errors.New("aggregation dispatcher: runner is required")
	}
	mode := strings.ToLower(strings.TrimSpace(deps.Mode))
	if mode == "" {
		mode = DispatchInline
	}
	switch mode {
	case DispatchInline:
	case DispatchPubSub:
		if deps.Publisher == nil {
			return nil, errors.New("aggregation dispatcher: publisher is required in pubsub mode")
		}
	default:
		return nil, fmt.Errorf("aggregation dispatcher: unknown mode %q", deps.Mode)
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	d := &Dispatcher{
		runs:       deps.Runs,
		locks:      deps.Locks,
		runner:     deps.Runner,
		publisher:  deps.Publisher,
		mode:       mode,
		workers:    positiveOr(deps.Workers, defaultDispatchWorkers),
		leaseTTL:   durationOr(deps.LeaseTTL, defaultLeaseTTL),
		leaseWait:  durationOr(deps.LeaseWait, defaultLeaseWait),
		runTimeout: durationOr(deps.RunTimeout, defaultRunTimeout),
		clock:      func() time.Time { return clock().UTC() },
		newID:      idGen,
		logger:     logger,
		pending:    make(map[domain.EntityKind]*pendingRun),
		kindLocks:  make(map[domain.EntityKind]*sync.Mutex),
	}
	d.staleAfter = durationOr(deps.StaleAfter, d.leaseWait+d.runTimeout)
	if mode == DispatchInline {
		d.queue = make(chan *pendingRun, positiveOr(deps.QueueSize, defaultDispatchQueue))
	}
	return d, nil
}

// Start launches the inline workers. It is a no-op in pubsub mode or when already started.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mode != DispatchInline || d.started || d.closed {
		return
	}
	d.started = true
	for i := 0; i < d.workers; i++ {
		d.group.Go(func() error {
			for p := range d.queue {
				d.runPending(ctx, p)
			}
			return nil
		})
	}
}

// Close stops accepting triggers and waits for queued runs to drain or ctx to expire.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	started := d.started
	if d.queue != nil {
		close(d.queue)
	}
	d.mu.Unlock()

	if d.queue == nil {
		return nil
	}
	if !started {
		for p := range d.queue {
			d.notify(p.waiters, RunOutcome{Run: p.run, Err: ErrDispatcherClosed})
		}
		return nil
	}

	done := make(chan struct{})
	go func() {
		_ = d.group.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) Trigger(ctx context.Context, kind EntityKind, reason domain.AggregationRunReason) (*Ticket, error) {
	return d.enqueue(ctx, kind, reason, "", 1)
}

func (d *Dispatcher) Retry(ctx context.Context, runID string) (*Ticket, error) {
	run, err := d.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != domain.AggregationRunFailed && run.Status != domain.AggregationRunSkipped {
		return nil, fmt.Errorf("%w: run %s is %s", ErrAggregationNotRetryable, run.ID, run.Status)
	}
	return d.enqueue(ctx, run.Kind, domain.AggregationReasonRetry, run.ID, run.Attempt+1)
}

func (d *Dispatcher) RunNow(ctx context.Context, kind EntityKind, reason domain.AggregationRunReason) (AggregationRun, error) {
	if !kind.Valid() {
		return AggregationRun{}, fmt.Errorf("%w: %q", ErrAggregationInvalidKind, kind)
	}
	run := d.newRun(kind, reason, "", 1)
	if err := d.runs.Insert(ctx, run); err != nil {
		return AggregationRun{}, err
	}
	d.logger(ctx, runEventQueued, runFields(run))
	return d.Execute(ctx, run.ID)
}

func (d *Dispatcher) enqueue(ctx context.Context, kind EntityKind, reason domain.AggregationRunReason, retryOf string, attempt int) (*Ticket, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrAggregationInvalidKind, kind)
	}
	unlock, err := d.lockKind(kind)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if d.mode == DispatchPubSub {
		return d.publish(ctx, kind, reason, retryOf, attempt)
	}
	return d.queueInline(ctx, kind, reason, retryOf, attempt)
}

// lockKind serialises enqueues of one kind so storage and Pub/Sub calls run
// outside d.mu while coalescing stays exact within the process.
func (d *Dispatcher) lockKind(kind EntityKind) (func(), error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrDispatcherClosed
	}
	m, ok := d.kindLocks[kind]
	if !ok {
		m = &sync.Mutex{}
		d.kindLocks[kind] = m
	}
	d.mu.Unlock()
	m.Lock()
	return m.Unlock, nil
}

func (d *Dispatcher) publish(ctx context.Context, kind EntityKind, reason domain.AggregationRunReason, retryOf string, attempt int) (*Ticket, error) {
	queued, err := d.runs.List(ctx, repositories.AggregationRunFilter{
		Kind:   kind,
		Status: []domain.AggregationRunStatus{domain.AggregationRunQueued},
		Limit:  1,
	})
	if err != nil {
		return nil, err
	}
	if len(queued) > 0 {
		existing := queued[0]
		if d.clock().Sub(existing.QueuedAt) <= d.staleAfter {
			d.logger(ctx, runEventCoalesced, runFields(existing))
			return &Ticket{Run: existing, Coalesced: true}, nil
		}
		// Never picked up; fail it so it stops absorbing triggers and can be retried.
		d.finish(ctx, &existing, domain.AggregationRunFailed, errRunAbandoned)
	}

	run := d.newRun(kind, reason, retryOf, attempt)
	if err := d.runs.Insert(ctx, run); err != nil {
		return nil, err
	}
	msg := AggregationJobMessage{RunID: run.ID, Kind: string(run.Kind), Attempt: run.Attempt, QueuedAt: run.QueuedAt}
	if _, err := d.publisher.PublishAggregationJob(ctx, msg); err != nil {
		d.finish(ctx, &run, domain.AggregationRunFailed, err)
		return nil, fmt.Errorf("publish aggregation job: %w", err)
	}
	d.logger(ctx, runEventQueued, runFields(run))
	return &Ticket{Run: run}, nil
}

func (d *Dispatcher) queueInline(ctx context.Context, kind EntityKind, reason domain.AggregationRunReason, retryOf string, attempt int) (*Ticket, error) {
	d.mu.Lock()
	if p, ok := d.pending[kind]; ok {
		ch := make(chan RunOutcome, 1)
		p.waiters = append(p.waiters, ch)
		run := p.run
		d.mu.Unlock()
		d.logger(ctx, runEventCoalesced, runFields(run))
		return &Ticket{Run: run, Coalesced: true, done: ch}, nil
	}
	d.mu.Unlock()

	run := d.newRun(kind, reason, retryOf, attempt)
	if err := d.runs.Insert(ctx, run); err != nil {
		return nil, err
	}

	p := &pendingRun{run: run, waiters: []chan RunOutcome{make(chan RunOutcome, 1)}}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.finish(ctx, &run, domain.AggregationRunFailed, ErrDispatcherClosed)
		return nil, ErrDispatcherClosed
	}
	select {
	case d.queue <- p:
		d.pending[kind] = p
		d.mu.Unlock()
	default:
		d.mu.Unlock()
		d.finish(ctx, &run, domain.AggregationRunFailed, ErrAggregationQueueFull)
		return nil, ErrAggregationQueueFull
	}
	d.logger(ctx, runEventQueued, runFields(run))
	return &Ticket{Run: run, done: p.waiters[0]}, nil
}

func (d *Dispatcher) runPending(ctx context.Context, p *pendingRun) {
	d.mu.Lock()
	if d.pending[p.run.Kind] == p {
		delete(d.pending, p.run.Kind)
	}
	waiters := p.waiters
	d.mu.Unlock()

	run, err := d.Execute(ctx, p.run.ID)
	d.notify(waiters, RunOutcome{Run: run, Err: err})
}

func (d *Dispatcher) notify(waiters []chan RunOutcome, outcome RunOutcome) {
	for _, ch := range waiters {
		ch <- outcome
		close(ch)
	}
}

// Execute is safe to call more than once for a run: terminal runs are returned unchanged.
func (d *Dispatcher) Execute(ctx context.Context, runID string) (AggregationRun, error) {
	run, err := d.GetRun(ctx, runID)
	if err != nil {
		return AggregationRun{}, err
	}
	if run.Status.Terminal() {
		return run, nil
	}
	ctx = requestctx.WithRunID(ctx, run.ID)

	holder := d.newID()
	if err := d.acquire(ctx, run.Kind, holder); err != nil {
		if errors.Is(err, errLeaseHeld) {
			busy := fmt.Errorf("%w: %s", ErrAggregationBusy, run.Kind)
			d.finish(ctx, &run, domain.AggregationRunSkipped, busy)
			return run, busy
		}
		d.finish(ctx, &run, domain.AggregationRunFailed, err)
		return run, err
	}
	defer func() {
		if err := d.locks.Release(context.WithoutCancel(ctx), run.Kind, holder); err != nil {
			d.logger(ctx, "aggregation.lease.release_failed", map[string]any{"kind": string(run.Kind), "error": err.Error()})
		}
	}()

	startedAt := d.clock()
	run.Status = domain.AggregationRunRunning
	run.StartedAt = &startedAt
	if err := d.runs.Update(ctx, run); err != nil {
		d.finish(ctx, &run, domain.AggregationRunFailed, err)
		return run, err
	}
	d.logger(ctx, runEventStarted, runFields(run))

	runCtx, cancel := context.WithTimeout(ctx, d.runTimeout)
	defer cancel()
	result, runErr := d.runner.Run(runCtx, run.Kind)
	run.PendingCount = result.Pending
	run.Groups = result.Groups
	run.Inserted = result.Inserted
	run.Deleted = result.Deleted
	run.Linked = result.Linked
	run.Duplicates = result.Duplicates
	run.Dropped = result.Dropped

	if runErr != nil {
		d.finish(ctx, &run, domain.AggregationRunFailed, runErr)
		return run, runErr
	}
	d.finish(ctx, &run, domain.AggregationRunSucceeded, nil)
	return run, nil
}

// acquire retries the kind lease with exponential backoff for up to leaseWait.
func (d *Dispatcher) acquire(ctx context.Context, kind domain.EntityKind, holder string) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = min(250*time.Millisecond, max(d.leaseWait/10, time.Millisecond))
	policy.MaxInterval = 5 * time.Second

	_, err := backoff.Retry(ctx, func() (bool, error) {
		ok, err := d.locks.Acquire(ctx, kind, holder, d.leaseTTL)
		switch {
		case err != nil && repositories.IsUnavailable(err):
			return false, err
		case err != nil:
			return false, backoff.Permanent(err)
		case !ok:
			return false, errLeaseHeld
		}
		return true, nil
	}, backoff.WithBackOff(policy), backoff.WithMaxElapsedTime(d.leaseWait))
	return err
}

// finish records the terminal state. The update is detached from ctx so a
// cancelled caller still leaves an accurate run record.
func (d *Dispatcher) finish(ctx context.Context, run *AggregationRun, status domain.AggregationRunStatus, cause error) {
	completedAt := d.clock()
	run.Status = status
	run.CompletedAt = &completedAt
	if cause != nil {
		run.Error = cause.Error()
	}
	if err := d.runs.Update(context.WithoutCancel(ctx), *run); err != nil {
		d.logger(ctx, "aggregation.run.update_failed", map[string]any{"runId": run.ID, "error": err.Error()})
	}

	fields := runFields(*run)
	fields["pendingCount"] = run.PendingCount
	fields["inserted"] = run.Inserted
	fields["deleted"] = run.Deleted
	fields["linked"] = run.Linked
	fields["dropped"] = run.Dropped
	fields["duplicates"] = run.Duplicates
	var commitErr *aggregation.CommitError
	if errors.As(cause, &commitErr) {
		fields["stage"] = commitErr.Stage
		fields["chunk"] = commitErr.Chunk
	}
	switch status {
	case domain.AggregationRunSucceeded:
		d.logger(ctx, runEventCompleted, fields)
	case domain.AggregationRunSkipped:
		fields["error"] = run.Error
		d.logger(ctx, runEventSkipped, fields)
	default:
		fields["error"] = run.Error
		d.logger(ctx, runEventFailed, fields)
	}
}

func (d *Dispatcher) GetRun(ctx context.Context, runID string) (AggregationRun, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return AggregationRun{}, fmt.Errorf("%w: run id is required", ErrAggregationRunNotFound)
	}
	run, err := d.runs.FindByID(ctx, runID)
	if err != nil {
		if repositories.IsNotFound(err) {
			return AggregationRun{}, fmt.Errorf("%w: %s", ErrAggregationRunNotFound, runID)
		}
		return AggregationRun{}, err
	}
	return run, nil
}

func (d *Dispatcher) ListRuns(ctx context.Context, filter RunListFilter) ([]AggregationRun, error) {
	if filter.Kind != "" && !filter.Kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrAggregationInvalidKind, filter.Kind)
	}
	limit := filter.Limit
	switch {
	case limit <= 0:
		limit = defaultRunListLimit
	case limit > maxRunListLimit:
		limit = maxRunListLimit
	}
	return d.runs.List(ctx, repositories.AggregationRunFilter{Kind: filter.Kind, Limit: limit})
}

func (d *Dispatcher) newRun(kind EntityKind, reason domain.AggregationRunReason, retryOf string, attempt int) AggregationRun {
	if reason == "" {
		reason = domain.AggregationReasonManual
	}
	return AggregationRun{
		ID:       d.newID(),
		Kind:     kind,
		Status:   domain.AggregationRunQueued,
		Reason:   reason,
		Attempt:  attempt,
		RetryOf:  retryOf,
		QueuedAt: d.clock(),
	}
}

func runFields(run AggregationRun) map[string]any {
	fields := map[string]any{
		"runId":   run.ID,
		"kind":    string(run.Kind),
		"status":  string(run.Status),
		"reason":  string(run.Reason),
		"attempt": run.Attempt,
	}
	if run.RetryOf != "" {
		fields["retryOf"] = run.RetryOf
	}
	return fields
}

func positiveOr(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}

func durationOr(value, fallback time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return fallback
}
