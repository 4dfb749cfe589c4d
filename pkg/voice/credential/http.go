package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vango-go/vai-order/pkg/core"
)

// HTTPBroker requests credentials from a trusted backend endpoint.
type HTTPBroker struct {
	URL        string
	HTTPClient *http.Client
	// Header is added to every request, e.g. a device attestation header.
	Header http.Header
	Now    func() time.Time
}

type issueResponse struct {
	Token     string     `json:"token"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// RequestEphemeralCredential POSTs sc as JSON. 401 and 403 map to
// auth_denied. When the response has no expires_at the token's exp claim is
// used; the backend is trusted so the claim is read without verification.
func (b *HTTPBroker) RequestEphemeralCredential(ctx context.Context, sc SessionContext) (Credential, error) {
	if strings.TrimSpace(b.URL) == "" {
		return Credential{}, fmt.Errorf("credential: broker url is required")
	}
	body, err := json.Marshal(sc)
	if err != nil {
		return Credential{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.URL, bytes.NewReader(body))
	if err != nil {
		return Credential{}, fmt.Errorf("credential: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range b.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	client := b.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	now := time.Now
	if b.Now != nil {
		now = b.Now
	}

	issuedAt := now()
	resp, err := client.Do(req)
	if err != nil {
		return Credential{}, fmt.Errorf("credential: request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Credential{}, fmt.Errorf("credential: read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Credential{}, core.Newf(core.KindAuthDenied, "credential backend denied session %s (status %d)", sc.SessionID, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return Credential{}, fmt.Errorf("credential: backend status %d", resp.StatusCode)
	}

	var out issueResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Credential{}, fmt.Errorf("credential: decode response: %w", err)
	}
	if strings.TrimSpace(out.Token) == "" {
		return Credential{}, errors.New("credential: backend returned empty token")
	}

	cred := Credential{Token: out.Token, IssuedAt: issuedAt}
	switch {
	case out.ExpiresAt != nil && !out.ExpiresAt.IsZero():
		cred.ExpiresAt = *out.ExpiresAt
	default:
		if exp, ok := tokenExpiry(out.Token); ok {
			cred.ExpiresAt = exp
		} else {
			cred.ExpiresAt = issuedAt.Add(DefaultLifetime)
		}
	}
	return cred, nil
}

func tokenExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// StaticBroker hands out a fixed-lifetime credential with a generated token.
// It is meant for development and tests.
type StaticBroker struct {
	Token    string
	Lifetime time.Duration
	Now      func() time.Time
	Deny     bool
}

func (b *StaticBroker) RequestEphemeralCredential(ctx context.Context, sc SessionContext) (Credential, error) {
	if err := ctx.Err(); err != nil {
		return Credential{}, err
	}
	if b.Deny {
		return Credential{}, core.Newf(core.KindAuthDenied, "session %s denied", sc.SessionID)
	}
	now := time.Now
	if b.Now != nil {
		now = b.Now
	}
	lifetime := b.Lifetime
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}
	token := b.Token
	if token == "" {
		token = "dev-" + sc.SessionID
	}
	issued := now()
	return Credential{Token: token, IssuedAt: issued, ExpiresAt: issued.Add(lifetime)}, nil
}
