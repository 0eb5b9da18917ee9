package handlers

import (
	"time"

	"github.com/Tofulati/hallpass-sub000/internal/domain"
	"github.com/Tofulati/hallpass-sub000/internal/services"
)

type colorsPayload struct {
	Primary   string `json:"primary,omitempty"`
	Secondary string `json:"secondary,omitempty"`
}

type professorLinkPayload struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type entityPayload struct {
	ID             string                 `json:"id"`
	Kind           string                 `json:"kind"`
	DisplayName    string                 `json:"displayName"`
	OwnerScopeID   string                 `json:"ownerScopeId,omitempty"`
	LogoURL        string                 `json:"logoUrl,omitempty"`
	Description    string                 `json:"description,omitempty"`
	Colors         *colorsPayload         `json:"colors,omitempty"`
	CourseCode     string                 `json:"courseCode,omitempty"`
	Email          string                 `json:"email,omitempty"`
	CourseIDs      []string               `json:"courseIds,omitempty"`
	ProfessorNames []string               `json:"professorNames,omitempty"`
	Professors     []professorLinkPayload `json:"professors,omitempty"`
	CreatedAt      string                 `json:"createdAt,omitempty"`
	UpdatedAt      string                 `json:"updatedAt,omitempty"`
}

type submissionPayload struct {
	ID             string         `json:"id"`
	Kind           string         `json:"kind"`
	DisplayName    string         `json:"displayName"`
	OwnerScopeID   string         `json:"ownerScopeId,omitempty"`
	LogoURL        string         `json:"logoUrl,omitempty"`
	Description    string         `json:"description,omitempty"`
	Colors         *colorsPayload `json:"colors,omitempty"`
	CourseCode     string         `json:"courseCode,omitempty"`
	Email          string         `json:"email,omitempty"`
	CourseIDs      []string       `json:"courseIds,omitempty"`
	ProfessorNames []string       `json:"professorNames,omitempty"`
	SubmittedBy    string         `json:"submittedBy"`
	SubmittedAt    string         `json:"submittedAt"`
}

type runPayload struct {
	ID           string `json:"id"`
	Kind         string `json:"kind"`
	Status       string `json:"status"`
	Reason       string `json:"reason"`
	Attempt      int    `json:"attempt"`
	RetryOf      string `json:"retryOf,omitempty"`
	PendingCount int    `json:"pendingCount"`
	Groups       int    `json:"groups"`
	Inserted     int    `json:"inserted"`
	Deleted      int    `json:"deleted"`
	Linked       int    `json:"linked"`
	Duplicates   int    `json:"duplicates"`
	Dropped      int    `json:"dropped"`
	Error        string `json:"error,omitempty"`
	QueuedAt     string `json:"queuedAt"`
	StartedAt    string `json:"startedAt,omitempty"`
	CompletedAt  string `json:"completedAt,omitempty"`
}

func buildEntityPayload(entity services.CanonicalEntity) entityPayload {
	payload := entityPayload{
		ID:             entity.ID,
		Kind:           string(entity.Kind),
		DisplayName:    entity.DisplayName,
		OwnerScopeID:   entity.OwnerScopeID,
		LogoURL:        entity.LogoURL,
		Description:    entity.Description,
		Colors:         buildColors(entity.Colors),
		CourseCode:     entity.CourseCode,
		Email:          entity.Email,
		CourseIDs:      entity.CourseIDs,
		ProfessorNames: entity.ProfessorNames,
		CreatedAt:      formatTime(entity.CreatedAt),
		UpdatedAt:      formatTime(entity.UpdatedAt),
	}
	for _, link := range entity.Professors {
		payload.Professors = append(payload.Professors, professorLinkPayload{ID: link.ID, Name: link.Name})
	}
	return payload
}

func buildSubmissionPayload(sub services.PendingSubmission) submissionPayload {
	return submissionPayload{
		ID:             sub.ID,
		Kind:           string(sub.Kind),
		DisplayName:    sub.DisplayName,
		OwnerScopeID:   sub.OwnerScopeID,
		LogoURL:        sub.LogoURL,
		Description:    sub.Description,
		Colors:         buildColors(sub.Colors),
		CourseCode:     sub.CourseCode,
		Email:          sub.Email,
		CourseIDs:      sub.CourseIDs,
		ProfessorNames: sub.ProfessorNames,
		SubmittedBy:    sub.SubmittedBy,
		SubmittedAt:    formatTime(sub.SubmittedAt),
	}
}

func buildRunPayload(run services.AggregationRun) runPayload {
	payload := runPayload{
		ID:           run.ID,
		Kind:         string(run.Kind),
		Status:       string(run.Status),
		Reason:       string(run.Reason),
		Attempt:      run.Attempt,
		RetryOf:      run.RetryOf,
		PendingCount: run.PendingCount,
		Groups:       run.Groups,
		Inserted:     run.Inserted,
		Deleted:      run.Deleted,
		Linked:       run.Linked,
		Duplicates:   run.Duplicates,
		Dropped:      run.Dropped,
		Error:        run.Error,
		QueuedAt:     formatTime(run.QueuedAt),
	}
	if run.StartedAt != nil {
		payload.StartedAt = formatTime(*run.StartedAt)
	}
	if run.CompletedAt != nil {
		payload.CompletedAt = formatTime(*run.CompletedAt)
	}
	return payload
}

func buildColors(colors domain.ColorPair) *colorsPayload {
	if colors.IsZero() {
		return nil
	}
	return &colorsPayload{Primary: colors.Primary, Secondary: colors.Secondary}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
