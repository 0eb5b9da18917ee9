package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/Tofulati/hallpass-sub000/internal/aggregation"
	"github.com/Tofulati/hallpass-sub000/internal/domain"
	"github.com/Tofulati/hallpass-sub000/internal/platform/textutil"
	"github.com/Tofulati/hallpass-sub000/internal/repositories"
)

var (
	// ErrDirectoryInvalid wraps invalid directory queries.
	ErrDirectoryInvalid = errors.New("directory: invalid input")
	// ErrEntityNotFound indicates the canonical entity does not exist.
	ErrEntityNotFound = errors.New("directory: entity not found")
)

// ProfessorLinker attaches canonical professors to the courses that list them.
type ProfessorLinker interface {
	LinkProfessors(ctx context.Context, professors []domain.CanonicalEntity) (int, error)
}

// DirectoryServiceDeps enumerates collaborators required to construct the directory service.
type DirectoryServiceDeps struct {
	Documents repositories.DocumentStore
	Linker    ProfessorLinker
	Clock     func() time.Time
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

type directoryService struct {
	documents repositories.DocumentStore
	linker    ProfessorLinker
	validate  *validator.Validate
	clock     func() time.Time
	logger    func(context.Context, string, map[string]any)
}

// NewDirectoryService constructs a DirectoryService.
func NewDirectoryService(deps DirectoryServiceDeps) (DirectoryService, error) {
	if deps.Documents == nil {
		return nil, errors.New("directory service: document store is required")
	}
	if deps.Linker == nil {
		return nil, errors.New("directory service: professor linker is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &directoryService{
		documents: deps.Documents,
		linker:    deps.Linker,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		clock:     func() time.Time { return clock().UTC() },
		logger:    logger,
	}, nil
}

func (s *directoryService) ListEntities(ctx context.Context, kind EntityKind, scope string) ([]CanonicalEntity, error) {
	desc, err := s.descriptor(kind)
	if err != nil {
		return nil, err
	}
	var filters []repositories.Filter
	if scope = strings.TrimSpace(scope); desc.Scoped && scope != "" {
		filters = append(filters, repositories.Eq(repositories.FieldOwnerScopeID, scope))
	}
	records, err := s.documents.Query(ctx, desc.CanonicalCollection, filters...)
	if err != nil {
		return nil, fmt.Errorf("directory: list %s: %w", desc.CanonicalCollection, err)
	}
	entities := make([]CanonicalEntity, 0, len(records))
	for _, rec := range records {
		entities = append(entities, repositories.DecodeCanonical(rec))
	}
	sort.SliceStable(entities, func(i, j int) bool {
		if entities[i].NormalizedName != entities[j].NormalizedName {
			return entities[i].NormalizedName < entities[j].NormalizedName
		}
		return entities[i].ID < entities[j].ID
	})
	return entities, nil
}

func (s *directoryService) GetEntity(ctx context.Context, kind EntityKind, id string) (CanonicalEntity, error) {
	desc, err := s.descriptor(kind)
	if err != nil {
		return CanonicalEntity{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return CanonicalEntity{}, fmt.Errorf("%w: id is required", ErrDirectoryInvalid)
	}
	rec, err := s.documents.Get(ctx, desc.CanonicalCollection, id)
	if err != nil {
		if repositories.IsNotFound(err) {
			return CanonicalEntity{}, fmt.Errorf("%w: %s/%s", ErrEntityNotFound, kind, id)
		}
		return CanonicalEntity{}, fmt.Errorf("directory: get %s: %w", desc.CanonicalCollection, err)
	}
	return repositories.DecodeCanonical(rec), nil
}

// ResolveProfessor returns the professor stored under the deterministic slug,
// creating it when absent. Concurrent creators race on InsertWithID and the
// loser reads the winner's document.
func (s *directoryService) ResolveProfessor(ctx context.Context, cmd ResolveProfessorCommand) (ResolveProfessorResult, error) {
	cmd.Name = strings.TrimSpace(cmd.Name)
	cmd.ScopeID = strings.TrimSpace(cmd.ScopeID)
	if err := s.validate.Struct(cmd); err != nil {
		return ResolveProfessorResult{}, fmt.Errorf("%w: %s", ErrDirectoryInvalid, describeValidation(err))
	}
	desc := aggregation.MustDescriptor(domain.KindProfessor)
	id := desc.SlugID(cmd.ScopeID, cmd.Name)
	if id == "" {
		return ResolveProfessorResult{}, fmt.Errorf("%w: name %q has no slug", ErrDirectoryInvalid, cmd.Name)
	}

	if existing, err := s.GetEntity(ctx, domain.KindProfessor, id); err == nil {
		return ResolveProfessorResult{Professor: existing}, nil
	} else if !errors.Is(err, ErrEntityNotFound) {
		return ResolveProfessorResult{}, err
	}

	if cmd.ScopeID != "" {
		if _, err := s.GetEntity(ctx, domain.KindUniversity, cmd.ScopeID); err != nil {
			if errors.Is(err, ErrEntityNotFound) {
				return ResolveProfessorResult{}, fmt.Errorf("%w: unknown university %q", ErrDirectoryInvalid, cmd.ScopeID)
			}
			return ResolveProfessorResult{}, err
		}
	}

	now := s.clock()
	professor := CanonicalEntity{
		ID:             id,
		Kind:           domain.KindProfessor,
		DisplayName:    cmd.Name,
		NormalizedName: textutil.NormalizeName(cmd.Name),
		OwnerScopeID:   cmd.ScopeID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.documents.InsertWithID(ctx, desc.CanonicalCollection, id, repositories.EncodeCanonical(professor)); err != nil {
		if repositories.IsConflict(err) {
			existing, getErr := s.GetEntity(ctx, domain.KindProfessor, id)
			if getErr != nil {
				return ResolveProfessorResult{}, getErr
			}
			return ResolveProfessorResult{Professor: existing}, nil
		}
		return ResolveProfessorResult{}, fmt.Errorf("directory: create professor: %w", err)
	}

	linked, err := s.linker.LinkProfessors(ctx, []domain.CanonicalEntity{professor})
	if err != nil {
		// Linking is best effort once the professor document is stored.
		s.logger(ctx, "directory.professor.link_failed", map[string]any{"professorId": id, "error": err.Error()})
	}
	s.logger(ctx, "directory.professor.created", map[string]any{"professorId": id, "scope": cmd.ScopeID, "linked": linked})
	return ResolveProfessorResult{Professor: professor, Created: true, Linked: linked}, nil
}

func (s *directoryService) descriptor(kind EntityKind) (aggregation.KindDescriptor, error) {
	desc, err := aggregation.Descriptor(kind)
	if err != nil {
		return aggregation.KindDescriptor{}, fmt.Errorf("%w: %v", ErrDirectoryInvalid, err)
	}
	return desc, nil
}
