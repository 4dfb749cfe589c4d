// Package audio captures microphone frames into commit segments and flushes
// them to the remote service. Capture runs on its own goroutine and never
// touches session state; the session only swaps segments out of it.
package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/vango-go/vai-order/pkg/voice/protocol"
)

const (
	DefaultSampleRateHz  = 24000
	DefaultFrameDuration = 20 * time.Millisecond

	defaultMaxBufferedFrames = 1500 // 30s of 20ms frames
	defaultChunkFrames       = 10
)

// ErrSourceClosed is returned by a Source that will produce no more frames.
var ErrSourceClosed = errors.New("audio source closed")

// Source produces captured PCM frames. ReadFrame blocks until a frame is
// available or ctx ends.
type Source interface {
	ReadFrame(ctx context.Context) ([]byte, error)
}

// Sink plays synthesized audio. Play must not block for long; it is called
// from the session loop.
type Sink interface {
	Play(frame []byte)
}

// Sender is the write side of a transport, as seen by Commit.
type Sender interface {
	Send(ctx context.Context, msg protocol.ClientMessage) error
}

type Config struct {
	SampleRateHz  int
	FrameDuration time.Duration
	// MaxFramesPerSecond bounds accepted frames; bursts above it are dropped.
	// Zero derives the nominal rate from FrameDuration.
	MaxFramesPerSecond int
	MaxBufferedFrames  int
	// ChunkFrames is how many frames go into one audio.append.
	ChunkFrames int
}

func (c Config) withDefaults() Config {
	if c.SampleRateHz <= 0 {
		c.SampleRateHz = DefaultSampleRateHz
	}
	if c.FrameDuration <= 0 {
		c.FrameDuration = DefaultFrameDuration
	}
	if c.MaxFramesPerSecond <= 0 {
		c.MaxFramesPerSecond = int(time.Second / c.FrameDuration)
	}
	if c.MaxBufferedFrames <= 0 {
		c.MaxBufferedFrames = defaultMaxBufferedFrames
	}
	if c.ChunkFrames <= 0 {
		c.ChunkFrames = defaultChunkFrames
	}
	return c
}

// Format returns the PCM format advertised in session.create.
func (c Config) Format() protocol.AudioFormat {
	c = c.withDefaults()
	return protocol.AudioFormat{Encoding: "pcm_s16le", SampleRateHz: c.SampleRateHz, Channels: 1}
}

// Segment is one user utterance's worth of frames.
type Segment struct {
	ID     string
	Frames [][]byte
}

func (s Segment) Empty() bool { return len(s.Frames) == 0 }

// Bytes reports the total PCM payload size.
func (s Segment) Bytes() int {
	n := 0
	for _, f := range s.Frames {
		n += len(f)
	}
	return n
}

type Pipeline struct {
	source Source
	sink   Sink
	cfg    Config
	logger *slog.Logger

	segments atomic.Int64
}

// NewPipeline wires a capture source and a playback sink. Either may be nil:
// a nil source captures nothing and a nil sink discards playback.
func NewPipeline(source Source, sink Sink, cfg Config, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{source: source, sink: sink, cfg: cfg.withDefaults(), logger: logger}
}

func (p *Pipeline) Config() Config { return p.cfg }

// StartCapture starts the capture goroutine. It runs until StopCapture, ctx
// ends or the source closes.
func (p *Pipeline) StartCapture(ctx context.Context) (*Capture, error) {
	if ctx == nil {
		return nil, fmt.Errorf("audio: nil context")
	}
	burst := p.cfg.MaxFramesPerSecond / 5
	if burst < 1 {
		burst = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	c := &Capture{
		pipeline: p,
		limiter:  rate.NewLimiter(rate.Limit(p.cfg.MaxFramesPerSecond), burst),
		cancel:   cancel,
		done:     make(chan struct{}),
		id:       p.nextSegmentID(),
	}
	go c.run(ctx)
	return c, nil
}

func (p *Pipeline) nextSegmentID() string {
	return fmt.Sprintf("seg_%d", p.segments.Add(1))
}

// Commit flushes seg as audio.append chunks followed by audio.commit. It
// returns once the messages are handed to sender; the caller waits for the
// remote acknowledgment separately.
func (p *Pipeline) Commit(ctx context.Context, sender Sender, seg Segment) error {
	if sender == nil {
		return fmt.Errorf("audio: nil sender")
	}
	if seg.ID == "" {
		return fmt.Errorf("audio: segment id is required")
	}
	var seq int64
	for start := 0; start < len(seg.Frames); start += p.cfg.ChunkFrames {
		end := min(start+p.cfg.ChunkFrames, len(seg.Frames))
		var chunk []byte
		for _, f := range seg.Frames[start:end] {
			chunk = append(chunk, f...)
		}
		seq++
		if err := sender.Send(ctx, protocol.AudioAppend{SegmentID: seg.ID, Seq: seq, Audio: chunk}); err != nil {
			return fmt.Errorf("audio: append %s/%d: %w", seg.ID, seq, err)
		}
	}
	if err := sender.Send(ctx, protocol.AudioCommit{SegmentID: seg.ID, Frames: len(seg.Frames)}); err != nil {
		return fmt.Errorf("audio: commit %s: %w", seg.ID, err)
	}
	return nil
}

// Play hands synthesized audio to the sink.
func (p *Pipeline) Play(frame []byte) {
	if p == nil || p.sink == nil || len(frame) == 0 {
		return
	}
	p.sink.Play(frame)
}

// Capture is a running capture stream.
type Capture struct {
	pipeline *Pipeline
	limiter  *rate.Limiter
	cancel   context.CancelFunc
	done     chan struct{}

	mu      sync.Mutex
	id      string
	frames  [][]byte
	dropped int
	err     error
}

func (c *Capture) run(ctx context.Context) {
	defer close(c.done)
	src := c.pipeline.source
	if src == nil {
		<-ctx.Done()
		return
	}
	for {
		frame, err := src.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, ErrSourceClosed) {
				c.mu.Lock()
				c.err = err
				c.mu.Unlock()
				c.pipeline.logger.Warn("audio capture stopped", "error", err)
			}
			return
		}
		if len(frame) == 0 {
			continue
		}
		if !c.limiter.Allow() {
			c.mu.Lock()
			c.dropped++
			c.mu.Unlock()
			continue
		}
		buf := append([]byte(nil), frame...)
		c.mu.Lock()
		if len(c.frames) >= c.pipeline.cfg.MaxBufferedFrames {
			c.frames = c.frames[1:]
			c.dropped++
		}
		c.frames = append(c.frames, buf)
		c.mu.Unlock()
	}
}

// Take swaps out the buffered frames as a segment and starts a new one.
func (c *Capture) Take() Segment {
	c.mu.Lock()
	defer c.mu.Unlock()
	seg := Segment{ID: c.id, Frames: c.frames}
	c.frames = nil
	c.id = c.pipeline.nextSegmentID()
	return seg
}

// Reset drops buffered frames, keeping the current segment id.
func (c *Capture) Reset() {
	c.mu.Lock()
	c.frames = nil
	c.mu.Unlock()
}

// Buffered reports how many frames are waiting.
func (c *Capture) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

// Dropped counts frames discarded by the rate limit or buffer cap.
func (c *Capture) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

func (c *Capture) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Stop ends capture and waits for the goroutine to exit.
func (c *Capture) Stop() {
	if c == nil {
		return
	}
	c.cancel()
	<-c.done
}

func (c *Capture) Done() <-chan struct{} { return c.done }
