// README: Development token verifier. Accepts "uid:role" bearer tokens so the
// API is usable before the real identity provider is wired in.
package infra

import (
	"context"
	"errors"
	"strings"
)

type InsecureVerifier struct{}

func NewInsecureVerifier() *InsecureVerifier { return &InsecureVerifier{} }

func (v *InsecureVerifier) VerifyToken(_ context.Context, token string) (*IdentityToken, error) {
	uid, role, ok := strings.Cut(token, ":")
	if !ok || uid == "" || role == "" {
		return nil, errors.New("malformed token")
	}
	switch role {
	case "shipper", "carrier", "admin":
	default:
		return nil, errors.New("unknown role")
	}
	return &IdentityToken{UserID: uid, Role: role}, nil
}
