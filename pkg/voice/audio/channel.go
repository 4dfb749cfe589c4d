package audio

import (
	"context"
	"sync"
)

// ChannelSource is a Source fed by Push, used when frames arrive over the
// network from the device rather than from a local microphone.
type ChannelSource struct {
	frames    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func NewChannelSource(buffer int) *ChannelSource {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelSource{frames: make(chan []byte, buffer), closed: make(chan struct{})}
}

// Push queues frame without blocking. It reports false when the frame was
// dropped because the buffer is full or the source is closed.
func (s *ChannelSource) Push(frame []byte) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.frames <- frame:
		return true
	default:
		return false
	}
}

func (s *ChannelSource) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case f := <-s.frames:
		return f, nil
	case <-s.closed:
		return nil, ErrSourceClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *ChannelSource) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(frame []byte)

func (f SinkFunc) Play(frame []byte) { f(frame) }
