package orchestrator

import (
	"sync"
	"sync/atomic"

	"github.com/vango-go/vai-order/pkg/voice/audio"
)

// AudioBridge carries a device's microphone frames into the session's audio
// pipeline and the assistant's audio back out. Both directions drop frames
// rather than block.
type AudioBridge struct {
	source *audio.ChannelSource
	out    chan []byte

	closed    chan struct{}
	closeOnce sync.Once
	dropped   atomic.Int64
}

var _ audio.Sink = (*AudioBridge)(nil)

func NewAudioBridge(buffer int) *AudioBridge {
	if buffer <= 0 {
		buffer = 64
	}
	return &AudioBridge{
		source: audio.NewChannelSource(buffer),
		out:    make(chan []byte, buffer),
		closed: make(chan struct{}),
	}
}

// Push queues a captured frame. False means it was dropped.
func (b *AudioBridge) Push(frame []byte) bool {
	if !b.source.Push(frame) {
		b.dropped.Add(1)
		return false
	}
	return true
}

// Play implements audio.Sink for response audio.
func (b *AudioBridge) Play(frame []byte) {
	select {
	case <-b.closed:
		return
	default:
	}
	select {
	case b.out <- frame:
	default:
		b.dropped.Add(1)
	}
}

// Playback yields response audio for the device. It is never closed; select
// on Done.
func (b *AudioBridge) Playback() <-chan []byte { return b.out }

func (b *AudioBridge) Done() <-chan struct{} { return b.closed }

// Dropped counts frames lost in either direction.
func (b *AudioBridge) Dropped() int64 { return b.dropped.Load() }

func (b *AudioBridge) Close() {
	b.closeOnce.Do(func() {
		b.source.Close()
		close(b.closed)
	})
}
