package aggregation

import (
	"testing"

	"github.com/Tofulati/hallpass-sub000/internal/domain"
)

func TestIsDuplicateScoped(t *testing.T) {
	desc := MustDescriptor(domain.KindOrganization)
	existing := []domain.CanonicalEntity{
		{ID: "org1", DisplayName: "Acme Club", NormalizedName: "acme club", OwnerScopeID: "U1"},
	}

	if !IsDuplicate(desc, domain.CanonicalEntity{DisplayName: "acme club ", OwnerScopeID: "U1"}, existing) {
		t.Fatalf("expected duplicate within the same scope")
	}
	if IsDuplicate(desc, domain.CanonicalEntity{DisplayName: "acme club ", OwnerScopeID: "U2"}, existing) {
		t.Fatalf("did not expect duplicate across scopes")
	}
	if IsDuplicate(desc, domain.CanonicalEntity{DisplayName: "Acme Clubs", OwnerScopeID: "U1"}, existing) {
		t.Fatalf("near matches must not be flagged")
	}
}

func TestIsDuplicateUnscoped(t *testing.T) {
	desc := MustDescriptor(domain.KindUniversity)
	existing := []domain.CanonicalEntity{
		{ID: "u1", DisplayName: "State University", NormalizedName: "state university", OwnerScopeID: "ignored"},
	}
	if !IsDuplicate(desc, domain.CanonicalEntity{DisplayName: " STATE UNIVERSITY"}, existing) {
		t.Fatalf("universities ignore scope")
	}
}

func TestDuplicateIndexGrows(t *testing.T) {
	desc := MustDescriptor(domain.KindCourse)
	idx := NewDuplicateIndex(desc, nil)
	entity := domain.CanonicalEntity{DisplayName: "Algorithms", OwnerScopeID: "u1"}
	if idx.Contains(entity) {
		t.Fatalf("empty index should not contain entity")
	}
	idx.Add(entity)
	if !idx.Contains(domain.CanonicalEntity{DisplayName: "algorithms", OwnerScopeID: "u1"}) {
		t.Fatalf("expected lookup after add")
	}
	idx.Add(domain.CanonicalEntity{DisplayName: "  "})
	if idx.Len() != 1 {
		t.Fatalf("blank names must not be indexed, len=%d", idx.Len())
	}
}
