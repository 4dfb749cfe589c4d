// Package transport defines the Media Transport Negotiator contract: opening
// and tearing down the bidirectional channel to the remote conversational
// service. Concrete negotiators live in subpackages.
package transport

import (
	"context"
	"errors"
	"net"

	"github.com/vango-go/vai-order/pkg/core"
	"github.com/vango-go/vai-order/pkg/voice/credential"
	"github.com/vango-go/vai-order/pkg/voice/protocol"
)

// Handle is an open channel to the remote service.
//
// Incoming delivers decoded remote messages in arrival order. Done is closed
// when the handle terminates, after which Err reports why (nil after a local
// Close). Incoming itself is never closed; select on Done alongside it.
// Close is idempotent and safe from any goroutine in any state.
type Handle interface {
	Send(ctx context.Context, msg protocol.ClientMessage) error
	Incoming() <-chan protocol.ServerMessage
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Negotiator opens handles. Open is a single suspension with one outcome;
// failures carry kind auth_rejected, network_unreachable or
// negotiation_failed.
type Negotiator interface {
	Open(ctx context.Context, cred credential.Credential) (Handle, error)
}

// NegotiatorFunc adapts a function to Negotiator.
type NegotiatorFunc func(ctx context.Context, cred credential.Credential) (Handle, error)

func (f NegotiatorFunc) Open(ctx context.Context, cred credential.Credential) (Handle, error) {
	return f(ctx, cred)
}

// ClassifyDialError maps a low-level dial failure to the negotiator error
// taxonomy. Errors that already carry a kind are returned unchanged.
func ClassifyDialError(err error) error {
	if err == nil {
		return nil
	}
	var ce *core.Error
	if errors.As(err, &ce) {
		return err
	}
	var netErr net.Error
	var opErr *net.OpError
	var dnsErr *net.DNSError
	switch {
	case errors.As(err, &dnsErr), errors.As(err, &opErr):
		return core.Wrap(core.KindNetworkUnreachable, "remote service unreachable", err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return core.Wrap(core.KindNetworkUnreachable, "network path timed out", err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return core.Wrap(core.KindNegotiationFailed, "negotiation interrupted", err)
	default:
		return core.Wrap(core.KindNegotiationFailed, "negotiation failed", err)
	}
}
