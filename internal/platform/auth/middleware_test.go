package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	firebaseauth "firebase.google.com/go/v4/auth"
)

type stubTokenVerifier struct {
	token    *firebaseauth.Token
	err      error
	received string
}

func (s *stubTokenVerifier) VerifyIDToken(_ context.Context, idToken string) (*firebaseauth.Token, error) {
	s.received = idToken
	if s.err != nil {
		return nil, s.err
	}
	return s.token, nil
}

func serve(handler http.Handler, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func TestAuthenticateStoresIdentity(t *testing.T) {
	verifier := &stubTokenVerifier{token: &firebaseauth.Token{
		UID: "uid-123",
		Claims: map[string]any{
			"role":  []any{"Admin", "admin", "user"},
			"email": " student@campus.edu ",
		},
	}}
	authn := NewAuthenticator(verifier)

	var got *Identity
	rr := serve(authn.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})), "Bearer token-value")

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if verifier.received != "token-value" {
		t.Fatalf("expected token-value, got %q", verifier.received)
	}
	if got == nil || got.UID != "uid-123" || got.Email != "student@campus.edu" {
		t.Fatalf("unexpected identity %#v", got)
	}
	if len(got.Roles) != 2 || !got.HasRole(RoleAdmin) {
		t.Fatalf("expected deduped roles with admin, got %v", got.Roles)
	}
}

func TestAuthenticateRejectsMissingHeader(t *testing.T) {
	authn := NewAuthenticator(&stubTokenVerifier{})
	rr := serve(authn.Authenticate(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("handler should not run")
	})), "Basic abc")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestAuthenticateExpiredToken(t *testing.T) {
	authn := NewAuthenticator(&stubTokenVerifier{err: ErrTokenExpired})
	rr := serve(authn.Authenticate(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("handler should not run")
	})), "Bearer expired")

	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("expected JSON body: %v", err)
	}
	if rr.Code != http.StatusUnauthorized || body["error"] != "token_expired" {
		t.Fatalf("expected 401 token_expired, got %d %v", rr.Code, body["error"])
	}
}

func TestAuthenticateFallsBackToUserRole(t *testing.T) {
	authn := NewAuthenticator(&stubTokenVerifier{token: &firebaseauth.Token{UID: "uid-456", Claims: map[string]any{}}})
	rr := serve(authn.Authenticate(RequireRole(RoleAdmin)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("plain user must not reach admin handler")
	}))), "Bearer t")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}

func TestRolesFromClaimMap(t *testing.T) {
	roles := rolesFromClaim(map[string]any{"admin": true, "staff": false})
	if len(roles) != 1 || roles[0] != "admin" {
		t.Fatalf("unexpected roles %v", roles)
	}
}
