// README: Push channel posts intents to the push provider for each of the
// recipient's registered device tokens.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"cargolink/internal/status"
	"cargolink/internal/types"
)

// TokenDirectory resolves a user's registered device tokens. Owned elsewhere.
type TokenDirectory interface {
	ActiveTokensFor(ctx context.Context, userID types.ID, role status.Role) ([]string, error)
}

type Pusher struct {
	endpoint string
	key      string
	tokens   TokenDirectory
	client   *http.Client
}

func NewPusher(endpoint, key string, tokens TokenDirectory) *Pusher {
	return &Pusher{
		endpoint: endpoint,
		key:      key,
		tokens:   tokens,
		client:   &http.Client{Timeout: 3 * time.Second},
	}
}

func (p *Pusher) Name() string { return "push" }

// Send posts the intent once per registered token. A user with no tokens is
// not an error; there is simply nothing to deliver.
func (p *Pusher) Send(ctx context.Context, rec Recipient, in Intent) error {
	tokens, err := p.tokens.ActiveTokensFor(ctx, rec.UserID, rec.Role)
	if err != nil {
		return fmt.Errorf("resolve tokens: %w", err)
	}
	for _, token := range tokens {
		if err := p.post(ctx, token, in); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pusher) post(ctx context.Context, token string, in Intent) error {
	body := map[string]any{"message": map[string]any{"token": token, "data": in}}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.key != "" {
		req.Header.Set("Authorization", "Bearer "+p.key)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("push provider returned %d", resp.StatusCode)
	}
	return nil
}
