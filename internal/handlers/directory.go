package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Tofulati/hallpass-sub000/internal/domain"
	"github.com/Tofulati/hallpass-sub000/internal/platform/httpx"
	"github.com/Tofulati/hallpass-sub000/internal/platform/pagination"
	"github.com/Tofulati/hallpass-sub000/internal/services"
)

const maxResolveBodySize = 4 * 1024

// DirectoryHandlers serves canonical entities and the professor resolve endpoint.
type DirectoryHandlers struct {
	directory    services.DirectoryService
	authenticate func(http.Handler) http.Handler
}

// NewDirectoryHandlers constructs DirectoryHandlers. authenticate guards the
// write endpoint and may be nil in tests.
func NewDirectoryHandlers(directory services.DirectoryService, authenticate func(http.Handler) http.Handler) *DirectoryHandlers {
	return &DirectoryHandlers{directory: directory, authenticate: authenticate}
}

// Routes registers /entities and /professors:resolve.
func (h *DirectoryHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/entities/{kind}", h.listEntities)
	r.Get("/entities/{kind}/{id}", h.getEntity)
	r.Group(func(protected chi.Router) {
		if h.authenticate != nil {
			protected.Use(h.authenticate)
		}
		protected.Post("/professors:resolve", h.resolveProfessor)
	})
}

func (h *DirectoryHandlers) listEntities(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.directory == nil {
		httpx.WriteError(ctx, w, httpx.NewError("directory_service_unavailable", "directory service unavailable", http.StatusServiceUnavailable))
		return
	}
	kind, ok := domain.ParseEntityKind(chi.URLParam(r, "kind"))
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_kind", "unknown entity kind", http.StatusBadRequest))
		return
	}
	page, err := pagination.Parse(r.URL.Query(), pagination.Options{})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	entities, err := h.directory.ListEntities(ctx, kind, r.URL.Query().Get("scope"))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	// ListEntities orders by normalized name, then id.
	entities, next, err := pagination.Page(entities, page, func(e domain.CanonicalEntity) []string {
		return []string{e.NormalizedName, e.ID}
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	items := make([]entityPayload, 0, len(entities))
	for _, entity := range entities {
		items = append(items, buildEntityPayload(entity))
	}
	resp := map[string]any{"items": items}
	if next != "" {
		resp["nextPageToken"] = next
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (h *DirectoryHandlers) getEntity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.directory == nil {
		httpx.WriteError(ctx, w, httpx.NewError("directory_service_unavailable", "directory service unavailable", http.StatusServiceUnavailable))
		return
	}
	kind, ok := domain.ParseEntityKind(chi.URLParam(r, "kind"))
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_kind", "unknown entity kind", http.StatusBadRequest))
		return
	}
	entity, err := h.directory.GetEntity(ctx, kind, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildEntityPayload(entity))
}

type resolveProfessorRequest struct {
	Name    string `json:"name"`
	ScopeID string `json:"scopeId"`
}

func (h *DirectoryHandlers) resolveProfessor(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.directory == nil {
		httpx.WriteError(ctx, w, httpx.NewError("directory_service_unavailable", "directory service unavailable", http.StatusServiceUnavailable))
		return
	}
	var req resolveProfessorRequest
	if !decodeJSONBody(w, r, maxResolveBodySize, &req) {
		return
	}
	result, err := h.directory.ResolveProfessor(ctx, services.ResolveProfessorCommand{Name: req.Name, ScopeID: req.ScopeID})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	httpx.WriteJSON(w, status, map[string]any{
		"professor": buildEntityPayload(result.Professor),
		"created":   result.Created,
		"linked":    result.Linked,
	})
}
