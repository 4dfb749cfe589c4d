// Package orchestrator starts and supervises one voice ordering session per
// kiosk device. It owns the wiring between the session state machine, the
// credential broker, the refresh manager and the device's audio link.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vango-go/vai-order/pkg/core"
	"github.com/vango-go/vai-order/pkg/lifecycle"
	"github.com/vango-go/vai-order/pkg/order"
	"github.com/vango-go/vai-order/pkg/voice/audio"
	"github.com/vango-go/vai-order/pkg/voice/credential"
	"github.com/vango-go/vai-order/pkg/voice/devices"
	"github.com/vango-go/vai-order/pkg/voice/refresh"
	"github.com/vango-go/vai-order/pkg/voice/session"
	"github.com/vango-go/vai-order/pkg/voice/snapshot"
	"github.com/vango-go/vai-order/pkg/voice/toolcall"
	"github.com/vango-go/vai-order/pkg/voice/transport"
)

// ErrNoSession is returned for device operations when no live session is
// registered for the device.
var ErrNoSession = errors.New("no active session for device")

// Tuning is the part of the configuration read when a session starts.
type Tuning struct {
	Timeouts      session.Timeouts
	SoftTimeouts  session.SoftTimeoutPolicy
	SubmitTimeout time.Duration
	Instructions  string
}

type Config struct {
	Broker     credential.Broker
	Negotiator transport.Negotiator
	Catalog    order.Catalog
	Pricing    order.Pricing
	Submitter  toolcall.Submitter

	// Optional collaborators.
	Snapshots snapshot.Store
	Sink      session.Sink
	Warn      func(deviceID, code, message string) error
	Observer  session.Observer
	Refresh   *refresh.Manager
	Lifecycle *lifecycle.Lifecycle

	Audio       audio.Config
	AudioBuffer int
	// Tuning is consulted on every Start; nil uses session defaults.
	Tuning func() Tuning

	Logger *slog.Logger
}

type Orchestrator struct {
	cfg      Config
	base     context.Context
	logger   *slog.Logger
	registry *devices.Registry

	mu      sync.Mutex
	bridges map[string]*AudioBridge
}

// New builds an orchestrator whose sessions live until base is canceled.
func New(base context.Context, cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Broker == nil:
		return nil, fmt.Errorf("orchestrator: broker is required")
	case cfg.Negotiator == nil:
		return nil, fmt.Errorf("orchestrator: negotiator is required")
	case cfg.Catalog == nil:
		return nil, fmt.Errorf("orchestrator: catalog is required")
	case cfg.Pricing == nil:
		return nil, fmt.Errorf("orchestrator: pricing is required")
	case cfg.Submitter == nil:
		return nil, fmt.Errorf("orchestrator: submitter is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if base == nil {
		base = context.Background()
	}
	return &Orchestrator{
		cfg:      cfg,
		base:     base,
		logger:   cfg.Logger,
		registry: devices.NewRegistry(),
		bridges:  make(map[string]*AudioBridge),
	}, nil
}

type StartOptions struct {
	// ResumeSessionID seeds the new session's draft from that session's
	// recoverable snapshot.
	ResumeSessionID string
	TargetSeat      *int
	Notes           string
}

// Start claims deviceID, obtains an ephemeral credential and begins
// negotiation. It returns once the session loop is running; connection
// progress is reported through the UI stream.
func (o *Orchestrator) Start(ctx context.Context, deviceID string, opts StartOptions) (session.Info, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return session.Info{}, core.New(core.KindInvalidArguments, "device id is required").WithParam("device")
	}
	if o.cfg.Lifecycle.IsDraining() {
		return session.Info{}, core.New(core.KindSessionClosed, "orchestrator is shutting down")
	}

	sessionID := "sess_" + uuid.NewString()
	logger := o.logger.With("device_id", deviceID, "session_id", sessionID)

	var resume *order.Snapshot
	if opts.ResumeSessionID != "" {
		snap, err := o.loadSnapshot(ctx, opts.ResumeSessionID)
		if err != nil {
			return session.Info{}, err
		}
		resume = &snap
	}

	tuning := Tuning{Timeouts: session.DefaultTimeouts(), SoftTimeouts: session.SoftTimeoutNotify}
	if o.cfg.Tuning != nil {
		tuning = o.cfg.Tuning()
	}

	bridge := NewAudioBridge(o.cfg.AudioBuffer)
	var snaps session.SnapshotStore
	if o.cfg.Snapshots != nil {
		snaps = o.cfg.Snapshots
	}
	sess, err := session.New(session.Dependencies{
		SessionID:     sessionID,
		DeviceID:      deviceID,
		Negotiator:    o.cfg.Negotiator,
		Catalog:       o.cfg.Catalog,
		Pricing:       o.cfg.Pricing,
		Submitter:     o.cfg.Submitter,
		Audio:         audio.NewPipeline(bridge.source, bridge, o.cfg.Audio, logger),
		Sink:          o.cfg.Sink,
		Snapshots:     snaps,
		Observer:      o.cfg.Observer,
		Timeouts:      tuning.Timeouts,
		SoftTimeouts:  tuning.SoftTimeouts,
		SubmitTimeout: tuning.SubmitTimeout,
		Instructions:  tuning.Instructions,
		Resume:        resume,
		Logger:        o.logger.With("device_id", deviceID),
	})
	if err != nil {
		bridge.Close()
		return session.Info{}, err
	}

	var warn func(code, message string) error
	if o.cfg.Warn != nil {
		warn = func(code, message string) error { return o.cfg.Warn(deviceID, code, message) }
	}
	unregister, err := o.registry.Register(deviceID, devices.Handle{Session: sess, Warn: warn})
	if err != nil {
		bridge.Close()
		return session.Info{}, err
	}
	abort := func() {
		sess.End()
		unregister()
		bridge.Close()
	}

	cred, err := o.cfg.Broker.RequestEphemeralCredential(ctx, credential.SessionContext{
		SessionID: sessionID,
		DeviceID:  deviceID,
		Purpose:   "start",
	})
	if err != nil {
		abort()
		return session.Info{}, err
	}
	if err := sess.Start(o.base, cred); err != nil {
		abort()
		return session.Info{}, err
	}
	if resume != nil && o.cfg.Snapshots != nil {
		// The resumed draft now lives in sess; the old session cannot be
		// resumed twice.
		if err := o.cfg.Snapshots.Delete(ctx, opts.ResumeSessionID); err != nil {
			logger.Warn("resumed snapshot not deleted", "resumed_from", opts.ResumeSessionID, "error", err)
		}
	}
	if opts.TargetSeat != nil {
		if err := sess.SetTargetSeat(opts.TargetSeat); err != nil {
			logger.Warn("target seat not applied", "error", err)
		}
	}
	if opts.Notes != "" {
		if err := sess.SetNotes(opts.Notes); err != nil {
			logger.Warn("notes not applied", "error", err)
		}
	}

	o.mu.Lock()
	if prev := o.bridges[deviceID]; prev != nil {
		prev.Close()
	}
	o.bridges[deviceID] = bridge
	o.mu.Unlock()

	if o.cfg.Refresh != nil {
		go func() {
			if err := o.cfg.Refresh.Supervise(o.base, sess); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("refresh supervision stopped", "error", err)
			}
		}()
	}
	go o.reap(deviceID, sess, bridge, unregister, logger)

	logger.Info("session started", "resumed_from", opts.ResumeSessionID)
	return sess.Info(), nil
}

func (o *Orchestrator) reap(deviceID string, sess *session.Session, bridge *AudioBridge, unregister func(), logger *slog.Logger) {
	<-sess.Done()
	unregister()
	bridge.Close()
	o.mu.Lock()
	if o.bridges[deviceID] == bridge {
		delete(o.bridges, deviceID)
	}
	o.mu.Unlock()

	info := sess.Info()
	if err := sess.Err(); err != nil {
		logger.Warn("session finished", "phase", info.Phase, "error", err)
		return
	}
	logger.Info("session finished", "phase", info.Phase)
}

func (o *Orchestrator) loadSnapshot(ctx context.Context, sessionID string) (order.Snapshot, error) {
	if o.cfg.Snapshots == nil {
		return order.Snapshot{}, core.New(core.KindInvalidArguments, "snapshots are not enabled").WithParam("resume_session_id")
	}
	snap, err := o.cfg.Snapshots.Load(ctx, sessionID)
	if errors.Is(err, snapshot.ErrNotFound) {
		return order.Snapshot{}, core.Newf(core.KindInvalidArguments, "no snapshot for session %s", sessionID).WithParam("resume_session_id")
	}
	if err != nil {
		return order.Snapshot{}, fmt.Errorf("load snapshot %s: %w", sessionID, err)
	}
	return snap, nil
}

// Session returns the live session for deviceID.
func (o *Orchestrator) Session(deviceID string) (*session.Session, error) {
	s, ok := o.registry.Lookup(deviceID)
	if !ok {
		return nil, ErrNoSession
	}
	select {
	case <-s.Done():
		return nil, ErrNoSession
	default:
	}
	return s, nil
}

func (o *Orchestrator) StartTalking(deviceID string) error {
	s, err := o.Session(deviceID)
	if err != nil {
		return err
	}
	return s.StartTalking()
}

func (o *Orchestrator) StopTalking(deviceID string) error {
	s, err := o.Session(deviceID)
	if err != nil {
		return err
	}
	return s.StopTalking()
}

// End closes the device's session and waits for it to finish or ctx.
func (o *Orchestrator) End(ctx context.Context, deviceID string) (session.Info, error) {
	s, err := o.Session(deviceID)
	if err != nil {
		return session.Info{}, err
	}
	s.End()
	select {
	case <-s.Done():
	case <-ctx.Done():
	}
	return s.Info(), nil
}

// Snapshot returns the live draft for deviceID.
func (o *Orchestrator) Snapshot(deviceID string) (order.Snapshot, error) {
	s, err := o.Session(deviceID)
	if err != nil {
		return order.Snapshot{}, err
	}
	return s.Snapshot(), nil
}

// StoredSnapshot returns a recoverable snapshot by session id.
func (o *Orchestrator) StoredSnapshot(ctx context.Context, sessionID string) (order.Snapshot, error) {
	return o.loadSnapshot(ctx, sessionID)
}

// Audio returns the audio link of the device's live session.
func (o *Orchestrator) Audio(deviceID string) (*AudioBridge, error) {
	if _, err := o.Session(deviceID); err != nil {
		return nil, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	b := o.bridges[deviceID]
	if b == nil {
		return nil, ErrNoSession
	}
	return b, nil
}

func (o *Orchestrator) Count() int { return o.registry.Count() }

func (o *Orchestrator) Devices() []string { return o.registry.Devices() }

// Shutdown stops accepting sessions, warns devices, ends every session and
// waits for them up to ctx. It reports whether all sessions finished.
func (o *Orchestrator) Shutdown(ctx context.Context) bool {
	o.cfg.Lifecycle.SetDraining(true)
	warned := o.registry.WarnAll("draining", "ordering is restarting, please try again shortly")
	canceled := o.registry.CancelAll()
	o.logger.Info("ending device sessions", "warned", warned, "canceled", canceled)
	return o.registry.Wait(ctx)
}
