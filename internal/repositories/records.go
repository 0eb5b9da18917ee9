package repositories

import (
	"strings"
	"time"

	"github.com/Tofulati/hallpass-sub000/internal/domain"
)

// Document field names shared by pending and canonical collections.
const (
	FieldKind           = "kind"
	FieldDisplayName    = "displayName"
	FieldNormalizedName = "normalizedName"
	FieldOwnerScopeID   = "ownerScopeId"
	FieldLogoURL        = "logoUrl"
	FieldDescription    = "description"
	FieldColors         = "colors"
	FieldCourseCode     = "courseCode"
	FieldEmail          = "email"
	FieldCourseIDs      = "courseIds"
	FieldProfessorNames = "professorNames"
	FieldProfessors     = "professors"
	FieldMemberIDs      = "memberIds"
	FieldSubmittedBy    = "submittedBy"
	FieldSubmittedAt    = "submittedAt"
	FieldCreatedAt      = "createdAt"
	FieldUpdatedAt      = "updatedAt"
)

// EncodePending converts a submission into document data. The ID is not part of the payload.
func EncodePending(sub domain.PendingSubmission) map[string]any {
	data := map[string]any{
		FieldKind:           string(sub.Kind),
		FieldDisplayName:    sub.DisplayName,
		FieldNormalizedName: sub.NormalizedName,
		FieldOwnerScopeID:   sub.OwnerScopeID,
		FieldSubmittedBy:    sub.SubmittedBy,
		FieldSubmittedAt:    sub.SubmittedAt.UTC(),
	}
	putString(data, FieldLogoURL, sub.LogoURL)
	putString(data, FieldDescription, sub.Description)
	putString(data, FieldCourseCode, sub.CourseCode)
	putString(data, FieldEmail, sub.Email)
	if !sub.Colors.IsZero() {
		data[FieldColors] = encodeColors(sub.Colors)
	}
	if len(sub.CourseIDs) > 0 {
		data[FieldCourseIDs] = append([]string(nil), sub.CourseIDs...)
	}
	if len(sub.ProfessorNames) > 0 {
		data[FieldProfessorNames] = append([]string(nil), sub.ProfessorNames...)
	}
	return data
}

// DecodePending converts a stored record back into a submission.
func DecodePending(rec Record) domain.PendingSubmission {
	data := rec.Data
	return domain.PendingSubmission{
		ID:             rec.ID,
		Kind:           domain.EntityKind(stringValue(data[FieldKind])),
		DisplayName:    stringValue(data[FieldDisplayName]),
		NormalizedName: stringValue(data[FieldNormalizedName]),
		OwnerScopeID:   stringValue(data[FieldOwnerScopeID]),
		LogoURL:        stringValue(data[FieldLogoURL]),
		Description:    stringValue(data[FieldDescription]),
		Colors:         decodeColors(data[FieldColors]),
		CourseCode:     stringValue(data[FieldCourseCode]),
		Email:          stringValue(data[FieldEmail]),
		CourseIDs:      stringSlice(data[FieldCourseIDs]),
		ProfessorNames: stringSlice(data[FieldProfessorNames]),
		SubmittedBy:    stringValue(data[FieldSubmittedBy]),
		SubmittedAt:    timeValue(data[FieldSubmittedAt]),
	}
}

// EncodeCanonical converts a canonical entity into document data.
func EncodeCanonical(entity domain.CanonicalEntity) map[string]any {
	data := map[string]any{
		FieldKind:           string(entity.Kind),
		FieldDisplayName:    entity.DisplayName,
		FieldNormalizedName: entity.NormalizedName,
		FieldOwnerScopeID:   entity.OwnerScopeID,
		FieldLogoURL:        entity.LogoURL,
		FieldDescription:    entity.Description,
		FieldColors:         encodeColors(entity.Colors),
		FieldCourseCode:     entity.CourseCode,
		FieldEmail:          entity.Email,
		FieldCourseIDs:      nonNilStrings(entity.CourseIDs),
		FieldProfessorNames: nonNilStrings(entity.ProfessorNames),
		FieldProfessors:     EncodeProfessorLinks(entity.Professors),
		FieldMemberIDs:      nonNilStrings(entity.MemberIDs),
		FieldCreatedAt:      entity.CreatedAt.UTC(),
		FieldUpdatedAt:      entity.UpdatedAt.UTC(),
	}
	return data
}

// DecodeCanonical converts a stored record back into a canonical entity.
func DecodeCanonical(rec Record) domain.CanonicalEntity {
	data := rec.Data
	return domain.CanonicalEntity{
		ID:             rec.ID,
		Kind:           domain.EntityKind(stringValue(data[FieldKind])),
		DisplayName:    stringValue(data[FieldDisplayName]),
		NormalizedName: stringValue(data[FieldNormalizedName]),
		OwnerScopeID:   stringValue(data[FieldOwnerScopeID]),
		LogoURL:        stringValue(data[FieldLogoURL]),
		Description:    stringValue(data[FieldDescription]),
		Colors:         decodeColors(data[FieldColors]),
		CourseCode:     stringValue(data[FieldCourseCode]),
		Email:          stringValue(data[FieldEmail]),
		CourseIDs:      stringSlice(data[FieldCourseIDs]),
		ProfessorNames: stringSlice(data[FieldProfessorNames]),
		Professors:     decodeProfessorLinks(data[FieldProfessors]),
		MemberIDs:      stringSlice(data[FieldMemberIDs]),
		CreatedAt:      timeValue(data[FieldCreatedAt]),
		UpdatedAt:      timeValue(data[FieldUpdatedAt]),
	}
}

// EncodeProfessorLinks renders links as array elements suitable for ArrayUnion updates.
func EncodeProfessorLinks(links []domain.ProfessorLink) []any {
	out := make([]any, 0, len(links))
	for _, link := range links {
		out = append(out, map[string]any{"id": link.ID, "name": link.Name})
	}
	return out
}

func decodeProfessorLinks(raw any) []domain.ProfessorLink {
	items, ok := raw.([]any)
	if !ok {
		if typed, ok := raw.([]map[string]any); ok {
			items = make([]any, 0, len(typed))
			for _, item := range typed {
				items = append(items, item)
			}
		}
	}
	if len(items) == 0 {
		return nil
	}
	links := make([]domain.ProfessorLink, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		links = append(links, domain.ProfessorLink{ID: stringValue(m["id"]), Name: stringValue(m["name"])})
	}
	return links
}

func encodeColors(colors domain.ColorPair) map[string]any {
	return map[string]any{"primary": colors.Primary, "secondary": colors.Secondary}
}

func decodeColors(raw any) domain.ColorPair {
	m, ok := raw.(map[string]any)
	if !ok {
		return domain.ColorPair{}
	}
	return domain.ColorPair{Primary: stringValue(m["primary"]), Secondary: stringValue(m["secondary"])}
}

func putString(data map[string]any, key, value string) {
	if strings.TrimSpace(value) != "" {
		data[key] = value
	}
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return append([]string(nil), values...)
}

func stringValue(raw any) string {
	if s, ok := raw.(string); ok {
		return s
	}
	return ""
}

func stringSlice(raw any) []string {
	switch typed := raw.(type) {
	case []string:
		if len(typed) == 0 {
			return nil
		}
		return append([]string(nil), typed...)
	case []any:
		out := make([]string, 0, len(typed))
		for _, item := range typed {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	default:
		return nil
	}
}

func timeValue(raw any) time.Time {
	if t, ok := raw.(time.Time); ok {
		return t.UTC()
	}
	return time.Time{}
}
