package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/voicedeck/voicedeck/internal/rpc"
)

// TokenExchanger swaps an RPC auth code for an access token.
type TokenExchanger interface {
	Exchange(ctx context.Context, code string) (string, error)
}

// streamkitExchanger performs the exchange against the streamkit overlay
// token endpoint, the side channel the local client trusts.
type streamkitExchanger struct {
	client *http.Client
	url    string
}

// NewStreamkitExchanger creates the default token exchanger. A nil client
// falls back to one with a sane timeout.
func NewStreamkitExchanger(client *http.Client) TokenExchanger {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	return &streamkitExchanger{client: client, url: rpc.TokenURL}
}

// Exchange POSTs {"code": ...} and expects {"access_token": ...} back. A
// response without an access token is a recoverable failure: the user has
// not approved the overlay (yet).
func (e *streamkitExchanger) Exchange(ctx context.Context, code string) (string, error) {
	body, err := json.Marshal(map[string]string{"code": code})
	if err != nil {
		return "", fmt.Errorf("failed to encode token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build token request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token exchange request failed: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		AccessToken string `json:"access_token"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to parse token response: %w", err)
	}

	if out.AccessToken == "" {
		return "", fmt.Errorf("token response has no access_token")
	}

	return out.AccessToken, nil
}
