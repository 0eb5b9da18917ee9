package aggregation

import (
	"reflect"
	"testing"

	"github.com/Tofulati/hallpass-sub000/internal/domain"
)

func TestResolveMostFrequentWithFirstSeenTies(t *testing.T) {
	desc := MustDescriptor(domain.KindUniversity)
	group := Group{Members: []domain.PendingSubmission{
		{ID: "1", DisplayName: "State University", Description: "north campus", LogoURL: "https://a.example/logo.png"},
		{ID: "2", DisplayName: "State Universty", Description: "south campus", LogoURL: "https://b.example/logo.png"},
		{ID: "3", DisplayName: "State University", Description: "south campus"},
		{ID: "4", DisplayName: "State Universty"},
	}}

	candidate := Resolve(desc, group)
	if candidate == nil {
		t.Fatalf("expected candidate")
	}
	if candidate.Entity.DisplayName != "State University" {
		t.Fatalf("tie should go to first seen, got %q", candidate.Entity.DisplayName)
	}
	if candidate.Entity.NormalizedName != "state university" {
		t.Fatalf("unexpected normalized name %q", candidate.Entity.NormalizedName)
	}
	if candidate.Entity.Description != "south campus" {
		t.Fatalf("expected most frequent description, got %q", candidate.Entity.Description)
	}
	if candidate.Entity.LogoURL != "https://a.example/logo.png" {
		t.Fatalf("expected first seen logo on tie, got %q", candidate.Entity.LogoURL)
	}
	if candidate.Entity.Colors != DefaultColors {
		t.Fatalf("expected default colours, got %+v", candidate.Entity.Colors)
	}
	if !reflect.DeepEqual(candidate.MemberIDs, []string{"1", "2", "3", "4"}) {
		t.Fatalf("unexpected member ids %v", candidate.MemberIDs)
	}
	if candidate.Entity.OwnerScopeID != "" {
		t.Fatalf("unscoped kinds must not carry a scope")
	}
}

func TestResolveAccumulatesUnion(t *testing.T) {
	desc := MustDescriptor(domain.KindCourse)
	group := Group{Members: []domain.PendingSubmission{
		{ID: "1", DisplayName: "Data Structures", OwnerScopeID: "u1", ProfessorNames: []string{"Ada Lovelace"}},
		{ID: "2", DisplayName: "Data Structures", OwnerScopeID: "u1", ProfessorNames: []string{"Grace Hopper", "ada lovelace"}},
		{ID: "3", DisplayName: "Data Structurs", OwnerScopeID: "u1", ProfessorNames: []string{" ", "Alan Turing"}, CourseCode: "CS 201"},
	}}

	candidate := Resolve(desc, group)
	if candidate == nil {
		t.Fatalf("expected candidate")
	}
	want := []string{"Ada Lovelace", "Grace Hopper", "Alan Turing"}
	if !reflect.DeepEqual(candidate.Entity.ProfessorNames, want) {
		t.Fatalf("expected union %v, got %v", want, candidate.Entity.ProfessorNames)
	}
	if candidate.Entity.CourseCode != "CS 201" {
		t.Fatalf("expected course code from the only member that had one, got %q", candidate.Entity.CourseCode)
	}
	if candidate.Entity.OwnerScopeID != "u1" {
		t.Fatalf("expected scope u1, got %q", candidate.Entity.OwnerScopeID)
	}
}

func TestResolveProfessorCourseIDs(t *testing.T) {
	desc := MustDescriptor(domain.KindProfessor)
	group := Group{Members: []domain.PendingSubmission{
		{ID: "1", DisplayName: "Ada Lovelace", OwnerScopeID: "u1", CourseIDs: []string{"c1", "c2"}, Email: "ada@u1.edu"},
		{ID: "2", DisplayName: "Ada Lovelace", OwnerScopeID: "u1", CourseIDs: []string{"c2", "c3"}},
	}}
	candidate := Resolve(desc, group)
	if candidate == nil {
		t.Fatalf("expected candidate")
	}
	if !reflect.DeepEqual(candidate.Entity.CourseIDs, []string{"c1", "c2", "c3"}) {
		t.Fatalf("unexpected course ids %v", candidate.Entity.CourseIDs)
	}
	if candidate.Entity.Email != "ada@u1.edu" {
		t.Fatalf("unexpected email %q", candidate.Entity.Email)
	}
}

func TestResolveNullWithoutDisplayName(t *testing.T) {
	desc := MustDescriptor(domain.KindOrganization)
	group := Group{Members: []domain.PendingSubmission{
		{ID: "1", DisplayName: "  ", Description: "something"},
		{ID: "2", DisplayName: ""},
	}}
	if candidate := Resolve(desc, group); candidate != nil {
		t.Fatalf("expected nil candidate, got %+v", candidate)
	}
	if candidate := Resolve(desc, Group{}); candidate != nil {
		t.Fatalf("expected nil candidate for empty group")
	}
}

func TestResolveColors(t *testing.T) {
	desc := MustDescriptor(domain.KindOrganization)
	group := Group{Members: []domain.PendingSubmission{
		{ID: "1", DisplayName: "Chess Club", Colors: domain.ColorPair{Primary: "#000000", Secondary: "#ffffff"}},
		{ID: "2", DisplayName: "Chess Club", Colors: domain.ColorPair{Primary: "#FF0000", Secondary: "#00FF00"}},
		{ID: "3", DisplayName: "Chess Club", Colors: domain.ColorPair{Primary: "#ff0000", Secondary: "#00ff00"}},
	}}
	candidate := Resolve(desc, group)
	if candidate == nil {
		t.Fatalf("expected candidate")
	}
	want := domain.ColorPair{Primary: "#FF0000", Secondary: "#00FF00"}
	if candidate.Entity.Colors != want {
		t.Fatalf("expected %+v got %+v", want, candidate.Entity.Colors)
	}
}
