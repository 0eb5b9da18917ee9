package services

import (
	"context"
	"time"

	"github.com/Tofulati/hallpass-sub000/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	EntityKind         = domain.EntityKind
	PendingSubmission  = domain.PendingSubmission
	CanonicalEntity    = domain.CanonicalEntity
	AggregationRun     = domain.AggregationRun
	SystemHealthReport = domain.SystemHealthReport
)

// SubmissionService accepts user proposed directory entries into the pending collections.
type SubmissionService interface {
	Submit(ctx context.Context, cmd SubmitCommand) (SubmitResult, error)
}

// SubmitCommand carries a raw submission as received from the client.
type SubmitCommand struct {
	Kind           EntityKind
	UserID         string
	DisplayName    string `validate:"required,max=120"`
	ScopeID        string
	LogoURL        string   `validate:"omitempty,url"`
	Description    string   `validate:"omitempty,max=2000"`
	PrimaryColor   string   `validate:"omitempty,hexcolor"`
	SecondaryColor string   `validate:"omitempty,hexcolor"`
	CourseCode     string   `validate:"omitempty,max=32"`
	Email          string   `validate:"omitempty,email"`
	CourseIDs      []string `validate:"max=32,dive,required,max=128"`
	ProfessorNames []string `validate:"max=32,dive,required,max=120"`
}

// SubmitResult reports the stored submission and, when the kind crossed its
// threshold, the aggregation run that was queued.
type SubmitResult struct {
	Submission   PendingSubmission
	PendingCount int
	RunID        string
}

// AggregationDispatcher is the background job abstraction around the aggregation pipeline.
type AggregationDispatcher interface {
	// Trigger queues a run for kind. Queued runs that have not started are
	// shared, so concurrent triggers for one kind produce one run.
	Trigger(ctx context.Context, kind EntityKind, reason domain.AggregationRunReason) (*Ticket, error)
	// Execute runs a queued run while holding the kind lease.
	Execute(ctx context.Context, runID string) (AggregationRun, error)
	// RunNow records a run and executes it on the calling goroutine.
	RunNow(ctx context.Context, kind EntityKind, reason domain.AggregationRunReason) (AggregationRun, error)
	// Retry re-queues a failed or skipped run as a new attempt.
	Retry(ctx context.Context, runID string) (*Ticket, error)
	GetRun(ctx context.Context, runID string) (AggregationRun, error)
	ListRuns(ctx context.Context, filter RunListFilter) ([]AggregationRun, error)
}

// RunListFilter narrows run listings.
type RunListFilter struct {
	Kind  EntityKind
	Limit int
}

// AggregationTrigger is the subset of the dispatcher used by the submission path.
type AggregationTrigger interface {
	Trigger(ctx context.Context, kind EntityKind, reason domain.AggregationRunReason) (*Ticket, error)
}

// AggregationJobMessage is the payload delivered to aggregation workers via Pub/Sub.
type AggregationJobMessage struct {
	RunID    string    `json:"runId"`
	Kind     string    `json:"kind"`
	Attempt  int       `json:"attempt"`
	QueuedAt time.Time `json:"queuedAt"`
}

// AggregationJobPublisher publishes aggregation job messages to the background queue.
type AggregationJobPublisher interface {
	PublishAggregationJob(ctx context.Context, message AggregationJobMessage) (string, error)
}

// DirectoryService serves canonical entities and the professor get-or-create path.
type DirectoryService interface {
	ListEntities(ctx context.Context, kind EntityKind, scope string) ([]CanonicalEntity, error)
	GetEntity(ctx context.Context, kind EntityKind, id string) (CanonicalEntity, error)
	ResolveProfessor(ctx context.Context, cmd ResolveProfessorCommand) (ResolveProfessorResult, error)
}

// ResolveProfessorCommand names a professor within a university scope.
type ResolveProfessorCommand struct {
	Name    string `validate:"required,max=120"`
	ScopeID string
}

// ResolveProfessorResult returns the canonical professor and whether it was created now.
type ResolveProfessorResult struct {
	Professor CanonicalEntity
	Created   bool
	Linked    int
}

// SystemService exposes health information.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}
