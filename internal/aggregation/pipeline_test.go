package aggregation

import (
	"context"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/Tofulati/hallpass-sub000/internal/domain"
	"github.com/Tofulati/hallpass-sub000/internal/repositories"
	"github.com/Tofulati/hallpass-sub000/internal/repositories/memory"
)

var pipelineEpoch = time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)

func seedPending(t *testing.T, store repositories.DocumentStore, subs []domain.PendingSubmission) {
	t.Helper()
	for i, s := range subs {
		if s.SubmittedAt.IsZero() {
			s.SubmittedAt = pipelineEpoch.Add(time.Duration(i) * time.Second)
		}
		desc := MustDescriptor(s.Kind)
		if _, err := store.Insert(context.Background(), desc.PendingCollection, repositories.EncodePending(s)); err != nil {
			t.Fatalf("seed pending: %v", err)
		}
	}
}

func TestPipelineCourseScenario(t *testing.T) {
	ctx := context.Background()
	store := memory.NewDocumentStore()

	intro := []string{
		"CS 101 - Intro to Computer Science",
		"CS 101 - Intro to Computer Sceince",
		"cs 101 - intro to computer science",
	}
	data := []string{
		"CS 102 - Data Structures",
		"CS 102 - Data Structers",
		"CS 102 - Data Strucures ",
	}
	var subs []domain.PendingSubmission
	introCount, dataCount := 0, 0
	for i := 0; i < 100; i++ {
		s := domain.PendingSubmission{Kind: domain.KindCourse, OwnerScopeID: "U1", SubmittedBy: fmt.Sprintf("user-%d", i)}
		if i%5 < 3 {
			// 60 intro submissions, the canonical spelling dominating.
			s.DisplayName = intro[0]
			if introCount%4 == 3 {
				s.DisplayName = intro[1+(introCount/4)%2]
			}
			if introCount%10 == 0 {
				s.ProfessorNames = []string{"Ada Lovelace"}
			}
			if introCount%10 == 5 {
				s.ProfessorNames = []string{"Alan Turing", "Ada Lovelace"}
			}
			introCount++
		} else {
			s.DisplayName = data[0]
			if dataCount%4 == 3 {
				s.DisplayName = data[1+(dataCount/4)%2]
			}
			if dataCount == 7 {
				s.ProfessorNames = []string{"Grace Hopper"}
			}
			dataCount++
		}
		subs = append(subs, s)
	}
	seedPending(t, store, subs)

	pipeline, err := New(store, WithMaxBatchSize(25))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	result, err := pipeline.Run(ctx, domain.KindCourse)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Pending != 100 || result.Groups != 2 || result.Inserted != 2 || result.Deleted != 100 {
		t.Fatalf("unexpected result %+v", result)
	}

	desc := MustDescriptor(domain.KindCourse)
	if remaining, _ := store.Count(ctx, desc.PendingCollection); remaining != 0 {
		t.Fatalf("expected all pending consumed, %d left", remaining)
	}
	records, err := store.Query(ctx, desc.CanonicalCollection)
	if err != nil {
		t.Fatalf("query canonical: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 canonical courses, got %d", len(records))
	}
	byName := map[string]domain.CanonicalEntity{}
	for _, rec := range records {
		entity := repositories.DecodeCanonical(rec)
		byName[entity.DisplayName] = entity
	}
	introEntity, ok := byName[intro[0]]
	if !ok {
		t.Fatalf("expected %q among %v", intro[0], byName)
	}
	if !reflect.DeepEqual(introEntity.ProfessorNames, []string{"Ada Lovelace", "Alan Turing"}) {
		t.Fatalf("unexpected professor union %v", introEntity.ProfessorNames)
	}
	if len(introEntity.MemberIDs) != 60 || introEntity.OwnerScopeID != "U1" {
		t.Fatalf("unexpected intro entity %+v", introEntity)
	}
	dataEntity, ok := byName[data[0]]
	if !ok {
		t.Fatalf("expected %q among %v", data[0], byName)
	}
	if !reflect.DeepEqual(dataEntity.ProfessorNames, []string{"Grace Hopper"}) || len(dataEntity.MemberIDs) != 40 {
		t.Fatalf("unexpected data structures entity %+v", dataEntity)
	}

	again, err := pipeline.Run(ctx, domain.KindCourse)
	if err != nil {
		t.Fatalf("unexpected error on rerun: %v", err)
	}
	if again.Inserted != 0 || again.Deleted != 0 {
		t.Fatalf("rerun over empty pending must be a no-op, got %+v", again)
	}
}

func TestPipelineDropsUnnamedGroupsAndSuppressesDuplicates(t *testing.T) {
	ctx := context.Background()
	store := memory.NewDocumentStore()
	desc := MustDescriptor(domain.KindOrganization)
	if err := store.InsertWithID(ctx, desc.CanonicalCollection, "acme", repositories.EncodeCanonical(domain.CanonicalEntity{
		Kind: domain.KindOrganization, DisplayName: "Acme Club", NormalizedName: "acme club", OwnerScopeID: "U1",
	})); err != nil {
		t.Fatalf("seed: %v", err)
	}
	seedPending(t, store, []domain.PendingSubmission{
		{Kind: domain.KindOrganization, DisplayName: "acme club ", OwnerScopeID: "U1"},
		{Kind: domain.KindOrganization, DisplayName: "Acme Club", OwnerScopeID: "U2"},
		{Kind: domain.KindOrganization, DisplayName: "   ", OwnerScopeID: "U1"},
	})

	pipeline, err := New(store)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	result, err := pipeline.Run(ctx, domain.KindOrganization)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Dropped != 1 || result.Duplicates != 1 || result.Inserted != 1 || result.Deleted != 3 {
		t.Fatalf("unexpected result %+v", result)
	}
	total, _ := store.Count(ctx, desc.CanonicalCollection)
	if total != 2 {
		t.Fatalf("expected existing plus one new organization, got %d", total)
	}
}

func TestPipelineProfessorsUseSlugIDs(t *testing.T) {
	ctx := context.Background()
	store := memory.NewDocumentStore()
	seedPending(t, store, []domain.PendingSubmission{
		{Kind: domain.KindProfessor, DisplayName: "José Álvarez", OwnerScopeID: "U1", CourseIDs: []string{"c1"}},
		{Kind: domain.KindProfessor, DisplayName: "Jose Alvarez", OwnerScopeID: "U1", CourseIDs: []string{"c2"}},
	})
	pipeline, err := New(store)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	result, err := pipeline.Run(ctx, domain.KindProfessor)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Inserted != 1 || result.Deleted != 2 {
		t.Fatalf("unexpected result %+v", result)
	}
	rec, err := store.Get(ctx, MustDescriptor(domain.KindProfessor).CanonicalCollection, "u1--jose-alvarez")
	if err != nil {
		t.Fatalf("expected slug document: %v", err)
	}
	if got := repositories.DecodeCanonical(rec).CourseIDs; !reflect.DeepEqual(got, []string{"c1", "c2"}) {
		t.Fatalf("unexpected course ids %v", got)
	}
}

func TestPipelineRejectsUnknownKind(t *testing.T) {
	pipeline, err := New(memory.NewDocumentStore())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := pipeline.Run(context.Background(), domain.EntityKind("dorm")); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}
