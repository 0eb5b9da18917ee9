package auth

import (
	"context"
	"strings"

	firebaseauth "firebase.google.com/go/v4/auth"
)

// LocalVerifier accepts unsigned development tokens of the form "uid" or
// "uid:role1,role2". It must never be wired outside local environments.
type LocalVerifier struct{}

var _ TokenVerifier = LocalVerifier{}

// VerifyIDToken implements TokenVerifier.
func (LocalVerifier) VerifyIDToken(_ context.Context, idToken string) (*firebaseauth.Token, error) {
	uid, rawRoles, _ := strings.Cut(strings.TrimSpace(idToken), ":")
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return nil, ErrTokenInvalid
	}
	claims := map[string]any{}
	var roles []any
	for _, role := range strings.Split(rawRoles, ",") {
		if role = strings.TrimSpace(role); role != "" {
			roles = append(roles, role)
		}
	}
	if len(roles) > 0 {
		claims[defaultRoleClaim] = roles
	}
	return &firebaseauth.Token{UID: uid, Subject: uid, Claims: claims}, nil
}
