// README: Identity verification boundary. The engine consumes tokens; issuing
// and storing them is owned elsewhere.
package infra

import "context"

// IdentityToken is the verified caller identity: who they are and which side
// of the marketplace they act as.
type IdentityToken struct {
	UserID string
	Role   string
}

// TokenVerifier validates a bearer token and returns the caller identity.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (*IdentityToken, error)
}
