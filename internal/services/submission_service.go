package services

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"

	"github.com/Tofulati/hallpass-sub000/internal/aggregation"
	"github.com/Tofulati/hallpass-sub000/internal/domain"
	"github.com/Tofulati/hallpass-sub000/internal/platform/textutil"
	"github.com/Tofulati/hallpass-sub000/internal/repositories"
)

const defaultTriggerThreshold = 100

var (
	// ErrSubmissionInvalid wraps validation failures.
	ErrSubmissionInvalid = errors.New("submission: invalid input")
	// ErrSubmissionDuplicate indicates the name already exists as a canonical entity or pending request.
	ErrSubmissionDuplicate = errors.New("submission: duplicate")
	// ErrSubmissionRateLimited indicates the submitter exceeded the per-minute allowance.
	ErrSubmissionRateLimited = errors.New("submission: rate limited")
)

// SubmissionServiceDeps enumerates collaborators required to construct the submission service.
type SubmissionServiceDeps struct {
	Documents            repositories.DocumentStore
	Trigger              AggregationTrigger
	Threshold            int
	SubmissionsPerMinute int
	Clock                func() time.Time
	Logger               func(ctx context.Context, event string, fields map[string]any)
}

type submissionService struct {
	documents repositories.DocumentStore
	trigger   AggregationTrigger
	threshold int
	limiter   rateLimiter
	validate  *validator.Validate
	sanitizer *bluemonday.Policy
	clock     func() time.Time
	logger    func(context.Context, string, map[string]any)
}

// NewSubmissionService constructs a SubmissionService.
func NewSubmissionService(deps SubmissionServiceDeps) (SubmissionService, error) {
	if deps.Documents == nil {
		return nil, errors.New("submission service: document store is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &submissionService{
		documents: deps.Documents,
		trigger:   deps.Trigger,
		threshold: positiveOr(deps.Threshold, defaultTriggerThreshold),
		limiter:   newKeyedRateLimiter(deps.SubmissionsPerMinute, clock),
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		sanitizer: bluemonday.StrictPolicy(),
		clock:     func() time.Time { return clock().UTC() },
		logger:    logger,
	}, nil
}

func (s *submissionService) Submit(ctx context.Context, cmd SubmitCommand) (SubmitResult, error) {
	cmd = s.normalizeCommand(cmd)
	if !cmd.Kind.Valid() {
		return SubmitResult{}, fmt.Errorf("%w: unknown kind %q", ErrSubmissionInvalid, cmd.Kind)
	}
	if cmd.UserID == "" {
		return SubmitResult{}, fmt.Errorf("%w: submitter is required", ErrSubmissionInvalid)
	}
	if err := s.validate.Struct(cmd); err != nil {
		return SubmitResult{}, fmt.Errorf("%w: %s", ErrSubmissionInvalid, describeValidation(err))
	}
	if s.limiter != nil && !s.limiter.Allow(cmd.UserID) {
		return SubmitResult{}, ErrSubmissionRateLimited
	}

	desc, err := aggregation.Descriptor(cmd.Kind)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("%w: %v", ErrSubmissionInvalid, err)
	}
	if desc.Scoped {
		if err := s.ensureScope(ctx, cmd.ScopeID); err != nil {
			return SubmitResult{}, err
		}
	} else {
		cmd.ScopeID = ""
	}

	sub := domain.PendingSubmission{
		Kind:           cmd.Kind,
		DisplayName:    cmd.DisplayName,
		NormalizedName: textutil.NormalizeName(cmd.DisplayName),
		OwnerScopeID:   cmd.ScopeID,
		LogoURL:        cmd.LogoURL,
		Description:    cmd.Description,
		Colors:         domain.ColorPair{Primary: cmd.PrimaryColor, Secondary: cmd.SecondaryColor},
		CourseCode:     cmd.CourseCode,
		Email:          cmd.Email,
		CourseIDs:      cmd.CourseIDs,
		ProfessorNames: cmd.ProfessorNames,
		SubmittedBy:    cmd.UserID,
		SubmittedAt:    s.clock(),
	}
	if err := s.ensureUnique(ctx, desc, sub); err != nil {
		return SubmitResult{}, err
	}

	id, err := s.documents.Insert(ctx, desc.PendingCollection, repositories.EncodePending(sub))
	if err != nil {
		return SubmitResult{}, fmt.Errorf("submission: store pending: %w", err)
	}
	sub.ID = id
	result := SubmitResult{Submission: sub}

	count, err := s.documents.Count(ctx, desc.PendingCollection)
	if err != nil {
		s.logger(ctx, "submission.count_failed", map[string]any{"kind": string(sub.Kind), "error": err.Error()})
		return result, nil
	}
	result.PendingCount = count
	if count < s.threshold || s.trigger == nil {
		return result, nil
	}

	ticket, err := s.trigger.Trigger(ctx, sub.Kind, domain.AggregationReasonThreshold)
	if err != nil {
		s.logger(ctx, "submission.trigger_failed", map[string]any{
			"kind":         string(sub.Kind),
			"pendingCount": count,
			"error":        err.Error(),
		})
		return result, nil
	}
	result.RunID = ticket.Run.ID
	s.logger(ctx, "submission.threshold_reached", map[string]any{
		"kind":         string(sub.Kind),
		"pendingCount": count,
		"runId":        ticket.Run.ID,
		"coalesced":    ticket.Coalesced,
	})
	return result, nil
}

func (s *submissionService) normalizeCommand(cmd SubmitCommand) SubmitCommand {
	cmd.Kind = domain.EntityKind(strings.ToLower(strings.TrimSpace(string(cmd.Kind))))
	cmd.UserID = strings.TrimSpace(cmd.UserID)
	cmd.DisplayName = strings.TrimSpace(cmd.DisplayName)
	cmd.ScopeID = strings.TrimSpace(cmd.ScopeID)
	cmd.LogoURL = strings.TrimSpace(cmd.LogoURL)
	cmd.Description = strings.TrimSpace(html.UnescapeString(s.sanitizer.Sanitize(cmd.Description)))
	cmd.PrimaryColor = strings.ToUpper(strings.TrimSpace(cmd.PrimaryColor))
	cmd.SecondaryColor = strings.ToUpper(strings.TrimSpace(cmd.SecondaryColor))
	cmd.CourseCode = strings.TrimSpace(cmd.CourseCode)
	cmd.Email = strings.ToLower(strings.TrimSpace(cmd.Email))
	cmd.CourseIDs = textutil.DedupeStrings(cmd.CourseIDs)
	cmd.ProfessorNames = textutil.DedupeNames(cmd.ProfessorNames)
	return cmd
}

func (s *submissionService) ensureScope(ctx context.Context, scopeID string) error {
	if scopeID == "" {
		return fmt.Errorf("%w: scope is required", ErrSubmissionInvalid)
	}
	universities := aggregation.MustDescriptor(domain.KindUniversity).CanonicalCollection
	if _, err := s.documents.Get(ctx, universities, scopeID); err != nil {
		if repositories.IsNotFound(err) {
			return fmt.Errorf("%w: unknown university %q", ErrSubmissionInvalid, scopeID)
		}
		return fmt.Errorf("submission: resolve scope: %w", err)
	}
	return nil
}

func (s *submissionService) ensureUnique(ctx context.Context, desc aggregation.KindDescriptor, sub domain.PendingSubmission) error {
	filters := []repositories.Filter{repositories.Eq(repositories.FieldNormalizedName, sub.NormalizedName)}
	if desc.Scoped {
		filters = append(filters, repositories.Eq(repositories.FieldOwnerScopeID, sub.OwnerScopeID))
	}
	for _, collection := range []string{desc.CanonicalCollection, desc.PendingCollection} {
		count, err := s.documents.Count(ctx, collection, filters...)
		if err != nil {
			return fmt.Errorf("submission: duplicate check: %w", err)
		}
		if count > 0 {
			return fmt.Errorf("%w: %q already exists in %s", ErrSubmissionDuplicate, sub.DisplayName, collection)
		}
	}
	return nil
}

func describeValidation(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}
