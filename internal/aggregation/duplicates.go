package aggregation

import (
	"github.com/Tofulati/hallpass-sub000/internal/domain"
	"github.com/Tofulati/hallpass-sub000/internal/platform/textutil"
)

// DuplicateIndex answers exact normalized-name lookups against canonical entities.
// Scoped kinds additionally key on the owning scope.
type DuplicateIndex struct {
	scoped bool
	keys   map[string]struct{}
}

// NewDuplicateIndex indexes the existing entities of a kind.
func NewDuplicateIndex(desc KindDescriptor, existing []domain.CanonicalEntity) *DuplicateIndex {
	idx := &DuplicateIndex{scoped: desc.Scoped, keys: make(map[string]struct{}, len(existing))}
	for _, entity := range existing {
		idx.Add(entity)
	}
	return idx
}

// Contains reports whether an entity with the same normalized name (and scope) is indexed.
func (i *DuplicateIndex) Contains(entity domain.CanonicalEntity) bool {
	key, ok := i.key(entity)
	if !ok {
		return false
	}
	_, found := i.keys[key]
	return found
}

// Add records an entity so later candidates in the same run collide with it.
func (i *DuplicateIndex) Add(entity domain.CanonicalEntity) {
	if key, ok := i.key(entity); ok {
		i.keys[key] = struct{}{}
	}
}

// Len returns the number of distinct keys.
func (i *DuplicateIndex) Len() int {
	return len(i.keys)
}

func (i *DuplicateIndex) key(entity domain.CanonicalEntity) (string, bool) {
	name := entity.NormalizedName
	if name == "" {
		name = textutil.NormalizeName(entity.DisplayName)
	}
	if name == "" {
		return "", false
	}
	if !i.scoped {
		return name, true
	}
	return entity.OwnerScopeID + "\x1f" + name, true
}

// IsDuplicate reports whether candidate collides with any existing entity. The
// candidate's name is always re-normalized from its display name; existing entities
// are compared by their stored normalized name.
func IsDuplicate(desc KindDescriptor, candidate domain.CanonicalEntity, existing []domain.CanonicalEntity) bool {
	probe := candidate
	probe.NormalizedName = textutil.NormalizeName(candidate.DisplayName)
	return NewDuplicateIndex(desc, existing).Contains(probe)
}
