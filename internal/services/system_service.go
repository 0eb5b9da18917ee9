package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/Tofulati/hallpass-sub000/internal/domain"
	"github.com/Tofulati/hallpass-sub000/internal/repositories"
)

// BuildInfo captures runtime metadata exposed via health endpoints.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// SystemServiceDeps bundles collaborators required to construct a system service.
type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	// Runs is optional; when set, each kind's latest aggregation run is reported as a check.
	Runs             repositories.AggregationRunRepository
	Clock            func() time.Time
	Build            BuildInfo
}

type systemService struct {
	healthRepo repositories.HealthRepository
	runs       repositories.AggregationRunRepository
	clock      func() time.Time
	build      BuildInfo
}

var _ SystemService = (*systemService)(nil)

// NewSystemService assembles the health reporting service.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil {
		return nil, errors.New("system service: health repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	build := deps.Build
	if build.StartedAt.IsZero() {
		build.StartedAt = clock()
	}
	return &systemService{
		healthRepo: deps.HealthRepository,
		runs:       deps.Runs,
		clock:      func() time.Time { return clock().UTC() },
		build:      build,
	}, nil
}

// HealthReport collects dependency checks and stamps build metadata onto the report.
func (s *systemService) HealthReport(ctx context.Context) (SystemHealthReport, error) {
	report, err := s.healthRepo.Collect(ctx)
	if err != nil {
		return SystemHealthReport{}, err
	}

	now := s.clock()
	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = now
	}
	report.Version = firstNonEmpty(report.Version, s.build.Version)
	report.CommitSHA = firstNonEmpty(report.CommitSHA, s.build.CommitSHA)
	report.Environment = firstNonEmpty(report.Environment, s.build.Environment)
	if report.Uptime <= 0 {
		report.Uptime = now.Sub(s.build.StartedAt)
	}
	if report.Checks == nil {
		report.Checks = map[string]domain.SystemHealthCheck{}
	}
	if strings.TrimSpace(report.Status) == "" {
		report.Status = deriveStatus(report.Checks)
	}
	// Run checks are informational and never affect readiness.
	for name, check := range s.runChecks(ctx, now) {
		report.Checks[name] = check
	}
	return report, nil
}

// runChecks reports a failed or skipped latest run per kind as degraded.
func (s *systemService) runChecks(ctx context.Context, now time.Time) map[string]domain.SystemHealthCheck {
	if s.runs == nil {
		return nil
	}
	checks := make(map[string]domain.SystemHealthCheck)
	for _, kind := range domain.EntityKinds() {
		name := "aggregation:" + string(kind)
		runs, err := s.runs.List(ctx, repositories.AggregationRunFilter{Kind: kind, Limit: 1})
		if err != nil {
			checks[name] = domain.SystemHealthCheck{Status: domain.HealthStatusDegraded, Error: err.Error(), CheckedAt: now}
			continue
		}
		if len(runs) == 0 {
			continue
		}
		last := runs[0]
		check := domain.SystemHealthCheck{
			Status:    domain.HealthStatusOK,
			Detail:    "last run " + last.ID + " " + string(last.Status),
			CheckedAt: now,
		}
		if last.Status == domain.AggregationRunFailed || last.Status == domain.AggregationRunSkipped {
			check.Status = domain.HealthStatusDegraded
			check.Error = last.Error
		}
		checks[name] = check
	}
	return checks
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func deriveStatus(checks map[string]domain.SystemHealthCheck) string {
	status := domain.HealthStatusOK
	for _, check := range checks {
		switch check.Status {
		case domain.HealthStatusOK, "":
		case domain.HealthStatusError:
			return domain.HealthStatusError
		default:
			status = domain.HealthStatusDegraded
		}
	}
	return status
}
