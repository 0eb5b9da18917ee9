package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Tofulati/hallpass-sub000/internal/domain"
	"github.com/Tofulati/hallpass-sub000/internal/platform/auth"
	"github.com/Tofulati/hallpass-sub000/internal/platform/httpx"
	"github.com/Tofulati/hallpass-sub000/internal/services"
)

const maxSubmissionBodySize = 32 * 1024

// SubmissionHandlers accepts crowd-sourced directory proposals.
type SubmissionHandlers struct {
	submissions services.SubmissionService
}

// NewSubmissionHandlers constructs SubmissionHandlers.
func NewSubmissionHandlers(submissions services.SubmissionService) *SubmissionHandlers {
	return &SubmissionHandlers{submissions: submissions}
}

// Routes registers the /submissions endpoints. Authentication is applied by the router group.
func (h *SubmissionHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/{kind}", h.submit)
}

type submissionRequest struct {
	DisplayName    string         `json:"displayName"`
	ScopeID        string         `json:"scopeId"`
	LogoURL        string         `json:"logoUrl"`
	Description    string         `json:"description"`
	Colors         *colorsPayload `json:"colors"`
	CourseCode     string         `json:"courseCode"`
	Email          string         `json:"email"`
	CourseIDs      []string       `json:"courseIds"`
	ProfessorNames []string       `json:"professorNames"`
}

func (h *SubmissionHandlers) submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.submissions == nil {
		httpx.WriteError(ctx, w, httpx.NewError("submission_service_unavailable", "submission service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity.UID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	kind, ok := domain.ParseEntityKind(chi.URLParam(r, "kind"))
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_kind", "unknown entity kind", http.StatusBadRequest))
		return
	}

	var req submissionRequest
	if !decodeJSONBody(w, r, maxSubmissionBodySize, &req) {
		return
	}

	cmd := services.SubmitCommand{
		Kind:           kind,
		UserID:         identity.UID,
		DisplayName:    req.DisplayName,
		ScopeID:        req.ScopeID,
		LogoURL:        req.LogoURL,
		Description:    req.Description,
		CourseCode:     req.CourseCode,
		Email:          req.Email,
		CourseIDs:      req.CourseIDs,
		ProfessorNames: req.ProfessorNames,
	}
	if req.Colors != nil {
		cmd.PrimaryColor = req.Colors.Primary
		cmd.SecondaryColor = req.Colors.Secondary
	}

	result, err := h.submissions.Submit(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	payload := map[string]any{
		"submission":   buildSubmissionPayload(result.Submission),
		"pendingCount": result.PendingCount,
	}
	if result.RunID != "" {
		payload["runId"] = result.RunID
	}
	httpx.WriteJSON(w, http.StatusAccepted, payload)
}
