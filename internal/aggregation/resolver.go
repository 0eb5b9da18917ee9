package aggregation

import (
	"strings"

	"github.com/Tofulati/hallpass-sub000/internal/domain"
	"github.com/Tofulati/hallpass-sub000/internal/platform/textutil"
)

// Candidate is a resolved canonical entity that has not been written yet.
type Candidate struct {
	Entity    domain.CanonicalEntity
	MemberIDs []string
}

// Resolve elects field values for a group. It returns nil when no member
// supplied a usable display name; the caller still consumes the members.
func Resolve(desc KindDescriptor, group Group) *Candidate {
	if len(group.Members) == 0 {
		return nil
	}

	displayName := mostFrequent(group.Members, func(s domain.PendingSubmission) string { return s.DisplayName })
	if displayName == "" {
		return nil
	}

	founder := group.Members[0]
	entity := domain.CanonicalEntity{
		Kind:           desc.Kind,
		DisplayName:    displayName,
		NormalizedName: textutil.NormalizeName(displayName),
	}
	if desc.Scoped {
		entity.OwnerScopeID = strings.TrimSpace(founder.OwnerScopeID)
	}

	for _, rule := range desc.Fields {
		switch rule.Field {
		case FieldLogoURL:
			entity.LogoURL = mostFrequent(group.Members, func(s domain.PendingSubmission) string { return s.LogoURL })
		case FieldDescription:
			entity.Description = mostFrequent(group.Members, func(s domain.PendingSubmission) string { return s.Description })
		case FieldCourseCode:
			entity.CourseCode = mostFrequent(group.Members, func(s domain.PendingSubmission) string { return s.CourseCode })
		case FieldEmail:
			entity.Email = mostFrequent(group.Members, func(s domain.PendingSubmission) string { return s.Email })
		case FieldColors:
			entity.Colors = mostFrequentColors(group.Members)
		case FieldCourseIDs:
			entity.CourseIDs = reduceList(rule.Mode, group.Members, textutil.DedupeStrings, func(s domain.PendingSubmission) []string { return s.CourseIDs })
		case FieldProfessorNames:
			entity.ProfessorNames = reduceList(rule.Mode, group.Members, textutil.DedupeNames, func(s domain.PendingSubmission) []string { return s.ProfessorNames })
		}
	}

	return &Candidate{Entity: entity, MemberIDs: group.MemberIDs()}
}

// mostFrequent returns the most common trimmed non-empty value. Ties keep the value seen first.
func mostFrequent(members []domain.PendingSubmission, value func(domain.PendingSubmission) string) string {
	values := make([]string, 0, len(members))
	for _, member := range members {
		values = append(values, value(member))
	}
	return elect(values)
}

func elect(values []string) string {
	counts := make(map[string]int, len(values))
	order := make([]string, 0, len(values))
	for _, raw := range values {
		v := strings.TrimSpace(raw)
		if v == "" {
			continue
		}
		if _, seen := counts[v]; !seen {
			order = append(order, v)
		}
		counts[v]++
	}
	best := ""
	bestCount := 0
	for _, v := range order {
		if counts[v] > bestCount {
			best = v
			bestCount = counts[v]
		}
	}
	return best
}

func mostFrequentColors(members []domain.PendingSubmission) domain.ColorPair {
	counts := make(map[domain.ColorPair]int, len(members))
	order := make([]domain.ColorPair, 0, len(members))
	for _, member := range members {
		pair := domain.ColorPair{
			Primary:   strings.ToUpper(strings.TrimSpace(member.Colors.Primary)),
			Secondary: strings.ToUpper(strings.TrimSpace(member.Colors.Secondary)),
		}
		if pair.IsZero() {
			continue
		}
		if _, seen := counts[pair]; !seen {
			order = append(order, pair)
		}
		counts[pair]++
	}
	best := DefaultColors
	bestCount := 0
	for _, pair := range order {
		if counts[pair] > bestCount {
			best = pair
			bestCount = counts[pair]
		}
	}
	return best
}

func reduceList(mode FieldMode, members []domain.PendingSubmission, dedupe func([]string) []string, values func(domain.PendingSubmission) []string) []string {
	if mode == ModeAccumulate {
		var all []string
		for _, member := range members {
			all = append(all, values(member)...)
		}
		return dedupe(all)
	}

	// Whole lists compete as single values.
	lists := make(map[string][]string)
	keys := make([]string, 0, len(members))
	for _, member := range members {
		list := dedupe(values(member))
		if len(list) == 0 {
			continue
		}
		key := strings.Join(list, "\x1f")
		lists[key] = list
		keys = append(keys, key)
	}
	return lists[elect(keys)]
}
