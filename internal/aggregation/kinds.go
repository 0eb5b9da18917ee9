package aggregation

import (
	"fmt"

	"github.com/Tofulati/hallpass-sub000/internal/domain"
	"github.com/Tofulati/hallpass-sub000/internal/platform/textutil"
)

// IDStrategy selects how canonical document IDs are assigned for a kind.
type IDStrategy string

const (
	// IDGenerated lets the storage backend assign an opaque ID.
	IDGenerated IDStrategy = "generated"
	// IDSlug derives a deterministic ID from the scope and normalized name.
	IDSlug IDStrategy = "slug"
)

// Field identifies a resolvable attribute of a submission.
type Field string

const (
	FieldDisplayName    Field = "displayName"
	FieldLogoURL        Field = "logoUrl"
	FieldDescription    Field = "description"
	FieldColors         Field = "colors"
	FieldCourseCode     Field = "courseCode"
	FieldEmail          Field = "email"
	FieldCourseIDs      Field = "courseIds"
	FieldProfessorNames Field = "professorNames"
)

// FieldMode decides how a field is reduced across the members of a group.
type FieldMode int

const (
	// ModeMostFrequent elects the most frequent non-empty value, ties going to the first seen.
	ModeMostFrequent FieldMode = iota
	// ModeAccumulate takes the ordered, duplicate-free union of every member's values.
	ModeAccumulate
)

// FieldRule binds a field to its reduction mode.
type FieldRule struct {
	Field Field
	Mode  FieldMode
}

// DefaultColors is used when no member of a group supplied colours.
var DefaultColors = domain.ColorPair{Primary: "#1F2937", Secondary: "#F9FAFB"}

// KindDescriptor carries the per-kind policy the pipeline needs.
type KindDescriptor struct {
	Kind                domain.EntityKind
	PendingCollection   string
	CanonicalCollection string
	Scoped              bool
	IDStrategy          IDStrategy
	Fields              []FieldRule
}

var descriptors = map[domain.EntityKind]KindDescriptor{
	domain.KindUniversity: {
		Kind:                domain.KindUniversity,
		PendingCollection:   "universityRequests",
		CanonicalCollection: "universities",
		Scoped:              false,
		IDStrategy:          IDGenerated,
		Fields: []FieldRule{
			{Field: FieldDisplayName},
			{Field: FieldLogoURL},
			{Field: FieldDescription},
			{Field: FieldColors},
		},
	},
	domain.KindOrganization: {
		Kind:                domain.KindOrganization,
		PendingCollection:   "organizationRequests",
		CanonicalCollection: "organizations",
		Scoped:              true,
		IDStrategy:          IDGenerated,
		Fields: []FieldRule{
			{Field: FieldDisplayName},
			{Field: FieldLogoURL},
			{Field: FieldDescription},
			{Field: FieldColors},
		},
	},
	domain.KindCourse: {
		Kind:                domain.KindCourse,
		PendingCollection:   "courseRequests",
		CanonicalCollection: "courses",
		Scoped:              true,
		IDStrategy:          IDGenerated,
		Fields: []FieldRule{
			{Field: FieldDisplayName},
			{Field: FieldCourseCode},
			{Field: FieldDescription},
			{Field: FieldProfessorNames, Mode: ModeAccumulate},
		},
	},
	domain.KindProfessor: {
		Kind:                domain.KindProfessor,
		PendingCollection:   "professorRequests",
		CanonicalCollection: "professors",
		Scoped:              true,
		IDStrategy:          IDSlug,
		Fields: []FieldRule{
			{Field: FieldDisplayName},
			{Field: FieldEmail},
			{Field: FieldCourseIDs, Mode: ModeAccumulate},
		},
	},
}

// Descriptor returns the policy for kind.
func Descriptor(kind domain.EntityKind) (KindDescriptor, error) {
	desc, ok := descriptors[kind]
	if !ok {
		return KindDescriptor{}, fmt.Errorf("aggregation: unsupported entity kind %q", kind)
	}
	return desc, nil
}

// MustDescriptor is Descriptor for statically known kinds.
func MustDescriptor(kind domain.EntityKind) KindDescriptor {
	desc, err := Descriptor(kind)
	if err != nil {
		panic(err)
	}
	return desc
}

// Has reports whether the kind resolves the given field.
func (d KindDescriptor) Has(field Field) bool {
	for _, rule := range d.Fields {
		if rule.Field == field {
			return true
		}
	}
	return false
}

// ScopeKey returns the grouping and duplicate scope of a submission. Unscoped
// kinds share a single scope regardless of what the submitter sent.
func (d KindDescriptor) ScopeKey(sub domain.PendingSubmission) string {
	if !d.Scoped {
		return ""
	}
	return sub.OwnerScopeID
}

// SlugID builds the deterministic identifier for slug-strategy kinds.
func (d KindDescriptor) SlugID(scope, displayName string) string {
	name := textutil.Slugify(displayName)
	if name == "" {
		return ""
	}
	if !d.Scoped || scope == "" {
		return name
	}
	scopeSlug := textutil.Slugify(scope)
	if scopeSlug == "" {
		return name
	}
	return scopeSlug + "--" + name
}
