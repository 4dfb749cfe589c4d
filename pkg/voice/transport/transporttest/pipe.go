// Package transporttest provides an in-process transport.Handle and
// transport.Negotiator for exercising sessions without a network.
package transporttest

import (
	"context"
	"sync"
	"time"

	"github.com/vango-go/vai-order/pkg/core"
	"github.com/vango-go/vai-order/pkg/voice/credential"
	"github.com/vango-go/vai-order/pkg/voice/protocol"
	"github.com/vango-go/vai-order/pkg/voice/transport"
)

// Pipe is both ends of an in-memory transport. The session side uses the
// transport.Handle methods; the test plays the remote with Push, Drop and
// NextSent.
type Pipe struct {
	sent     chan protocol.ClientMessage
	incoming chan protocol.ServerMessage
	done     chan struct{}

	closeOnce sync.Once

	mu       sync.Mutex
	err      error
	log      []protocol.ClientMessage
	closedBy string
	// SendHook, when set, runs before a message is accepted; a non-nil
	// return fails the Send.
	SendHook func(protocol.ClientMessage) error
	Cred     credential.Credential
}

var _ transport.Handle = (*Pipe)(nil)

func NewPipe() *Pipe {
	return &Pipe{
		sent:     make(chan protocol.ClientMessage, 1024),
		incoming: make(chan protocol.ServerMessage, 64),
		done:     make(chan struct{}),
	}
}

func (p *Pipe) Send(ctx context.Context, msg protocol.ClientMessage) error {
	select {
	case <-p.done:
		return core.New(core.KindSessionClosed, "transport closed")
	default:
	}
	p.mu.Lock()
	hook := p.SendHook
	p.mu.Unlock()
	if hook != nil {
		if err := hook(msg); err != nil {
			return err
		}
	}
	p.mu.Lock()
	p.log = append(p.log, msg)
	p.mu.Unlock()
	select {
	case p.sent <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return core.New(core.KindSessionClosed, "transport closed")
	}
}

func (p *Pipe) Incoming() <-chan protocol.ServerMessage { return p.incoming }

func (p *Pipe) Done() <-chan struct{} { return p.done }

func (p *Pipe) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Close is the local close; Err stays nil.
func (p *Pipe) Close() error {
	p.terminate(nil, "local")
	return nil
}

// Drop simulates an unexpected remote loss with err.
func (p *Pipe) Drop(err error) {
	if err == nil {
		err = core.New(core.KindTransportLost, "connection reset by peer")
	}
	p.terminate(err, "remote")
}

func (p *Pipe) terminate(err error, by string) {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.err = err
		p.closedBy = by
		p.mu.Unlock()
		close(p.done)
	})
}

// Closed reports whether the handle terminated and who ended it.
func (p *Pipe) Closed() (bool, string) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return true, p.closedBy
	default:
		return false, ""
	}
}

// Push delivers msg to the session side. It returns false if the pipe closed
// first.
func (p *Pipe) Push(msg protocol.ServerMessage) bool {
	select {
	case p.incoming <- msg:
		return true
	case <-p.done:
		return false
	}
}

// NextSent returns the next message the session sent, or ctx's error.
func (p *Pipe) NextSent(ctx context.Context) (protocol.ClientMessage, error) {
	select {
	case msg := <-p.sent:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Sent returns every message the session sent so far.
func (p *Pipe) Sent() []protocol.ClientMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]protocol.ClientMessage(nil), p.log...)
}

// Responder maps one client message to the remote's replies.
type Responder func(msg protocol.ClientMessage) []protocol.ServerMessage

// Serve consumes sent messages on a goroutine and pushes the responder's
// replies until the pipe closes. Sent keeps the full log.
func (p *Pipe) Serve(r Responder) {
	go func() {
		for {
			select {
			case msg := <-p.sent:
				for _, reply := range r(msg) {
					if !p.Push(reply) {
						return
					}
				}
			case <-p.done:
				return
			}
		}
	}()
}

// Handshake answers session.create and acknowledges every audio.commit.
func Handshake(msg protocol.ClientMessage) []protocol.ServerMessage {
	switch m := msg.(type) {
	case protocol.SessionCreate:
		return []protocol.ServerMessage{
			protocol.SessionCreated{Type: protocol.TypeSessionCreated, SessionID: m.SessionID},
			protocol.SessionReady{Type: protocol.TypeSessionReady},
		}
	case protocol.AudioCommit:
		return []protocol.ServerMessage{protocol.AudioCommitted{Type: protocol.TypeAudioCommitted, SegmentID: m.SegmentID}}
	default:
		return nil
	}
}

// Result scripts one Negotiator.Open outcome.
type Result struct {
	Pipe  *Pipe
	Err   error
	Delay time.Duration
}

// Negotiator returns scripted results in order. Once the script runs out it
// opens fresh pipes served by Default (or left unserved when Default is nil).
type Negotiator struct {
	Default Responder

	mu     sync.Mutex
	script []Result
	opened []*Pipe
	creds  []credential.Credential
	notify chan *Pipe
}

var _ transport.Negotiator = (*Negotiator)(nil)

func NewNegotiator(def Responder) *Negotiator {
	return &Negotiator{Default: def, notify: make(chan *Pipe, 64)}
}

// Script appends outcomes for upcoming Open calls.
func (n *Negotiator) Script(results ...Result) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.script = append(n.script, results...)
}

func (n *Negotiator) Open(ctx context.Context, cred credential.Credential) (transport.Handle, error) {
	n.mu.Lock()
	n.creds = append(n.creds, cred)
	var r Result
	scripted := len(n.script) > 0
	if scripted {
		r = n.script[0]
		n.script = n.script[1:]
	}
	n.mu.Unlock()

	if r.Delay > 0 {
		t := time.NewTimer(r.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, transport.ClassifyDialError(ctx.Err())
		}
	}
	if r.Err != nil {
		return nil, r.Err
	}
	p := r.Pipe
	if p == nil {
		p = NewPipe()
		if n.Default != nil {
			p.Serve(n.Default)
		}
	}
	p.Cred = cred

	n.mu.Lock()
	n.opened = append(n.opened, p)
	n.mu.Unlock()
	select {
	case n.notify <- p:
	default:
	}
	return p, nil
}

// Opened returns the pipe handed out by the i-th successful Open.
func (n *Negotiator) Opened() []*Pipe {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*Pipe(nil), n.opened...)
}

// Calls counts Open invocations including failures.
func (n *Negotiator) Calls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.creds)
}

// Credentials returns the credentials Open was called with.
func (n *Negotiator) Credentials() []credential.Credential {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]credential.Credential(nil), n.creds...)
}

// WaitOpen blocks until the next successful Open.
func (n *Negotiator) WaitOpen(ctx context.Context) (*Pipe, error) {
	select {
	case p := <-n.notify:
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
