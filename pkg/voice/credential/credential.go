// Package credential obtains short-lived, single-session authorization tokens
// from a trusted backend. Long-lived secrets never reach the client.
package credential

import (
	"context"
	"fmt"
	"time"
)

// DefaultLifetime applies when the backend reports no expiry at all.
const DefaultLifetime = 60 * time.Second

// Credential is an ephemeral token scoped to one session.
type Credential struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	IssuedAt  time.Time `json:"issued_at"`
}

// Remaining returns the lifetime left at now; zero or negative when expired.
func (c Credential) Remaining(now time.Time) time.Duration {
	return c.ExpiresAt.Sub(now)
}

func (c Credential) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

func (c Credential) IsZero() bool {
	return c.Token == ""
}

// Redacted is safe to log.
func (c Credential) Redacted() string {
	if c.Token == "" {
		return "<none>"
	}
	tail := c.Token
	if len(tail) > 4 {
		tail = tail[len(tail)-4:]
	}
	return fmt.Sprintf("***%s exp=%s", tail, c.ExpiresAt.UTC().Format(time.RFC3339))
}

// String never prints the token.
func (c Credential) String() string { return c.Redacted() }

// SessionContext scopes a credential request.
type SessionContext struct {
	SessionID string `json:"session_id"`
	DeviceID  string `json:"device_id"`
	Purpose   string `json:"purpose,omitempty"`
}

// Broker issues ephemeral credentials. Implementations return a
// core.KindAuthDenied error when the backend refuses.
type Broker interface {
	RequestEphemeralCredential(ctx context.Context, sc SessionContext) (Credential, error)
}

// BrokerFunc adapts a function to Broker.
type BrokerFunc func(ctx context.Context, sc SessionContext) (Credential, error)

func (f BrokerFunc) RequestEphemeralCredential(ctx context.Context, sc SessionContext) (Credential, error) {
	return f(ctx, sc)
}
