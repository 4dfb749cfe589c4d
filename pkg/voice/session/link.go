package session

import (
	"context"
	"sync"
	"time"

	"github.com/vango-go/vai-order/pkg/core"
	"github.com/vango-go/vai-order/pkg/voice/audio"
	"github.com/vango-go/vai-order/pkg/voice/credential"
	"github.com/vango-go/vai-order/pkg/voice/protocol"
	"github.com/vango-go/vai-order/pkg/voice/transport"
)

const (
	linkPriorityQueueSize = 16
	linkNormalQueueSize   = 4
	linkWriteTimeout      = 5 * time.Second
)

// link is one transport handle plus its reader and writer goroutines. The
// loop never calls Send directly; it enqueues and the writer drains.
type link struct {
	gen    int64
	handle transport.Handle
	cred   credential.Credential

	// handshake progress, loop-owned
	created bool
	ready   bool

	ctx      context.Context
	cancel   context.CancelFunc
	priority chan outboundFrame
	normal   chan outboundFrame

	closeOnce sync.Once
}

// outboundFrame is either a single control message or an audio segment
// commit. after runs on the writer once the frame was handed to the
// transport.
type outboundFrame struct {
	msg     protocol.ClientMessage
	segment *audio.Segment
	after   func(err error)
}

func (s *Session) newLink(h transport.Handle, cred credential.Credential) *link {
	s.generation++
	ctx, cancel := context.WithCancel(context.Background())
	l := &link{
		gen:      s.generation,
		handle:   h,
		cred:     cred,
		ctx:      ctx,
		cancel:   cancel,
		priority: make(chan outboundFrame, linkPriorityQueueSize),
		normal:   make(chan outboundFrame, linkNormalQueueSize),
	}
	go s.readLink(l)
	go s.writeLink(l)
	return l
}

// close stops the writer and tears the handle down. Frames still queued are
// dropped.
func (l *link) close() {
	if l == nil {
		return
	}
	l.closeOnce.Do(func() {
		l.cancel()
		_ = l.handle.Close()
	})
}

// sendPriority queues a control frame. A full queue means the writer is
// wedged; the caller treats that as link loss.
func (l *link) sendPriority(msg protocol.ClientMessage, after func(error)) bool {
	select {
	case l.priority <- outboundFrame{msg: msg, after: after}:
		return true
	default:
		return false
	}
}

func (l *link) sendSegment(seg audio.Segment, after func(error)) bool {
	select {
	case l.normal <- outboundFrame{segment: &seg, after: after}:
		return true
	default:
		return false
	}
}

// readLink forwards remote messages to the loop tagged with the link
// generation. Messages delivered before Done are forwarded before the close.
func (s *Session) readLink(l *link) {
	in := l.handle.Incoming()
	for {
		select {
		case msg := <-in:
			if !s.post(linkMessage{gen: l.gen, msg: msg}) {
				return
			}
		case <-l.handle.Done():
			for {
				select {
				case msg := <-in:
					if !s.post(linkMessage{gen: l.gen, msg: msg}) {
						return
					}
					continue
				default:
				}
				break
			}
			s.post(linkClosed{gen: l.gen, err: l.handle.Err()})
			return
		case <-s.loopDone:
			return
		}
	}
}

// writeLink drains priority frames ahead of normal frames. A segment commit
// yields to queued priority frames between chunks so function call
// responses are not stuck behind a long utterance.
func (s *Session) writeLink(l *link) {
	sender := &preemptingSender{link: l}
	for {
		select {
		case <-l.ctx.Done():
			return
		case frame := <-l.priority:
			if err := sender.write(frame); err != nil {
				s.post(linkWriteFailed{gen: l.gen, err: err})
				return
			}
			continue
		default:
		}

		select {
		case <-l.ctx.Done():
			return
		case frame := <-l.priority:
			if err := sender.write(frame); err != nil {
				s.post(linkWriteFailed{gen: l.gen, err: err})
				return
			}
		case frame := <-l.normal:
			var err error
			if frame.segment != nil {
				err = s.audio.Commit(l.ctx, sender, *frame.segment)
			} else if frame.msg != nil {
				err = sender.send(l.ctx, frame.msg)
			}
			if frame.after != nil {
				frame.after(err)
			}
			if err != nil {
				if l.ctx.Err() == nil {
					s.post(linkWriteFailed{gen: l.gen, err: err})
				}
				return
			}
		}
	}
}

type preemptingSender struct {
	link *link
}

// Send implements audio.Sender. Before each audio chunk it flushes any
// priority frames that were queued meanwhile.
func (p *preemptingSender) Send(ctx context.Context, msg protocol.ClientMessage) error {
	for {
		select {
		case frame := <-p.link.priority:
			if err := p.write(frame); err != nil {
				return err
			}
			continue
		default:
		}
		break
	}
	return p.send(ctx, msg)
}

func (p *preemptingSender) write(frame outboundFrame) error {
	err := p.send(p.link.ctx, frame.msg)
	if frame.after != nil {
		frame.after(err)
	}
	return err
}

func (p *preemptingSender) send(ctx context.Context, msg protocol.ClientMessage) error {
	if msg == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, linkWriteTimeout)
	defer cancel()
	if err := p.link.handle.Send(ctx, msg); err != nil {
		if core.KindOf(err) == core.KindInternal {
			return core.Wrap(core.KindTransportLost, "transport write failed", err)
		}
		return err
	}
	return nil
}
