package domain

import (
	"strings"
	"time"
)

// EntityKind names one of the crowd-sourced directory entity families.
type EntityKind string

const (
	// KindUniversity identifies universities; they are not bound to a scope.
	KindUniversity EntityKind = "university"
	// KindCourse identifies courses offered by a university.
	KindCourse EntityKind = "course"
	// KindOrganization identifies clubs and student organizations within a university.
	KindOrganization EntityKind = "organization"
	// KindProfessor identifies teaching staff within a university.
	KindProfessor EntityKind = "professor"
)

// EntityKinds lists every supported kind in a stable order.
func EntityKinds() []EntityKind {
	return []EntityKind{KindUniversity, KindCourse, KindOrganization, KindProfessor}
}

// ParseEntityKind resolves a kind from user input, accepting plural forms.
func ParseEntityKind(value string) (EntityKind, bool) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case "university", "universities":
		return KindUniversity, true
	case "course", "courses":
		return KindCourse, true
	case "organization", "organizations", "org", "orgs":
		return KindOrganization, true
	case "professor", "professors":
		return KindProfessor, true
	default:
		return "", false
	}
}

// Valid reports whether the kind is one of the supported kinds.
func (k EntityKind) Valid() bool {
	switch k {
	case KindUniversity, KindCourse, KindOrganization, KindProfessor:
		return true
	default:
		return false
	}
}

// ColorPair stores the primary and secondary brand colours of an entity.
type ColorPair struct {
	Primary   string
	Secondary string
}

// IsZero reports whether neither colour is set.
func (c ColorPair) IsZero() bool {
	return strings.TrimSpace(c.Primary) == "" && strings.TrimSpace(c.Secondary) == ""
}

// PendingSubmission is a user proposed addition that waits in a pending
// collection until the aggregation pipeline consumes it.
type PendingSubmission struct {
	ID             string
	Kind           EntityKind
	DisplayName    string
	NormalizedName string
	OwnerScopeID   string
	LogoURL        string
	Description    string
	Colors         ColorPair
	CourseCode     string
	Email          string
	CourseIDs      []string
	ProfessorNames []string
	SubmittedBy    string
	SubmittedAt    time.Time
}

// ProfessorLink references a canonical professor from a course.
type ProfessorLink struct {
	ID   string
	Name string
}

// CanonicalEntity is the authoritative record for a university, course,
// organization or professor.
type CanonicalEntity struct {
	ID             string
	Kind           EntityKind
	DisplayName    string
	NormalizedName string
	OwnerScopeID   string
	LogoURL        string
	Description    string
	Colors         ColorPair
	CourseCode     string
	Email          string
	CourseIDs      []string
	ProfessorNames []string
	Professors     []ProfessorLink
	MemberIDs      []string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// AggregationRunStatus tracks the lifecycle of a pipeline run.
type AggregationRunStatus string

const (
	// AggregationRunQueued indicates the run is waiting for a worker.
	AggregationRunQueued AggregationRunStatus = "queued"
	// AggregationRunRunning indicates a worker holds the kind lease and is executing.
	AggregationRunRunning AggregationRunStatus = "running"
	// AggregationRunSucceeded indicates every chunk committed.
	AggregationRunSucceeded AggregationRunStatus = "succeeded"
	// AggregationRunFailed indicates the run aborted; committed chunks stay durable.
	AggregationRunFailed AggregationRunStatus = "failed"
	// AggregationRunSkipped indicates the kind lease could not be acquired.
	AggregationRunSkipped AggregationRunStatus = "skipped"
)

// Terminal reports whether the status will no longer change.
func (s AggregationRunStatus) Terminal() bool {
	switch s {
	case AggregationRunSucceeded, AggregationRunFailed, AggregationRunSkipped:
		return true
	default:
		return false
	}
}

// AggregationRunReason records why a run was queued.
type AggregationRunReason string

const (
	// AggregationReasonThreshold marks runs queued because a pending collection reached its size threshold.
	AggregationReasonThreshold AggregationRunReason = "threshold"
	// AggregationReasonManual marks runs queued by an operator.
	AggregationReasonManual AggregationRunReason = "manual"
	// AggregationReasonRetry marks runs re-queued from a failed or skipped run.
	AggregationReasonRetry AggregationRunReason = "retry"
)

// AggregationRun is the observable record of one pipeline execution.
type AggregationRun struct {
	ID           string
	Kind         EntityKind
	Status       AggregationRunStatus
	Reason       AggregationRunReason
	Attempt      int
	RetryOf      string
	PendingCount int
	Groups       int
	Inserted     int
	Deleted      int
	Linked       int
	Duplicates   int
	Dropped      int
	Error        string
	QueuedAt     time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but service remains running.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates the service or a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}
