// Package identity is the boundary to the external credential verifier.
// The hub consumes verified identities; it never issues credentials.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/relaypoint/relaypoint/internal/config"
)

// ErrInvalidToken is returned when a credential cannot be resolved to an
// account
var ErrInvalidToken = errors.New("invalid token")

// Identity is the result of a successful credential verification
type Identity struct {
	AccountID string `json:"accountId"`
}

// Verifier resolves a bearer credential to an authenticated identity
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// NewVerifier builds a verifier from configuration
func NewVerifier(cfg *config.AuthConfig) (Verifier, error) {
	switch cfg.Mode {
	case "static":
		return NewStaticVerifier(cfg.Tokens), nil
	case "remote":
		return NewHTTPVerifier(cfg.VerifyURL), nil
	default:
		return nil, fmt.Errorf("unknown auth mode: %s", cfg.Mode)
	}
}

// StaticVerifier resolves tokens from an in-memory table. Used for
// development and tests.
type StaticVerifier struct {
	tokens map[string]string
}

// NewStaticVerifier creates a verifier backed by a token -> account table
func NewStaticVerifier(tokens map[string]string) *StaticVerifier {
	if tokens == nil {
		tokens = make(map[string]string)
	}
	return &StaticVerifier{tokens: tokens}
}

// Verify resolves the token against the table
func (v *StaticVerifier) Verify(_ context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrInvalidToken
	}
	accountID, ok := v.tokens[token]
	if !ok {
		return Identity{}, ErrInvalidToken
	}
	return Identity{AccountID: accountID}, nil
}

// HTTPVerifier delegates verification to a remote endpoint
type HTTPVerifier struct {
	url    string
	client *http.Client
}

// NewHTTPVerifier creates a verifier that POSTs tokens to the given URL.
// The endpoint is expected to answer 200 with {"accountId": "..."} for a
// valid token and a 4xx status otherwise.
func NewHTTPVerifier(url string) *HTTPVerifier {
	return &HTTPVerifier{
		url:    url,
		client: &http.Client{},
	}
}

// Verify calls the remote verifier. The caller bounds the call with ctx.
func (v *HTTPVerifier) Verify(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrInvalidToken
	}

	body, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		return Identity{}, fmt.Errorf("failed to encode verify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, bytes.NewReader(body))
	if err != nil {
		return Identity{}, fmt.Errorf("failed to build verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return Identity{}, fmt.Errorf("verify request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return Identity{}, ErrInvalidToken
	}
	if resp.StatusCode != http.StatusOK {
		return Identity{}, fmt.Errorf("verifier returned status %d", resp.StatusCode)
	}

	var ident Identity
	if err := json.NewDecoder(resp.Body).Decode(&ident); err != nil {
		return Identity{}, fmt.Errorf("failed to decode verify response: %w", err)
	}
	if ident.AccountID == "" {
		return Identity{}, ErrInvalidToken
	}

	return ident, nil
}
