// Package refresh keeps a voice session alive across credential expiry and
// transport loss. It supervises the session from outside: it renews the
// ephemeral credential, negotiates a replacement transport and hands it to
// the session with Attach. The Order Draft never leaves the session.
package refresh

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"github.com/vango-go/vai-order/pkg/core"
	"github.com/vango-go/vai-order/pkg/voice/credential"
	"github.com/vango-go/vai-order/pkg/voice/session"
	"github.com/vango-go/vai-order/pkg/voice/transport"
)

const (
	DefaultThreshold     = 20 * time.Second
	DefaultCheckInterval = time.Second

	// expiryMargin is left between the last renewal attempt and expiry.
	expiryMargin = time.Second
)

// Triggers and outcomes reported to the Observer.
const (
	TriggerExpiry    = "expiry"
	TriggerRemote    = "remote_request"
	TriggerReconnect = "reconnect"

	OutcomeAttached   = "attached"
	OutcomeFailed     = "failed"
	OutcomeSuppressed = "suppressed"
)

// BackoffConfig bounds retries of the credential request (and, for proactive
// refresh, the negotiation).
type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxElapsed caps reconnect retries. Proactive refresh is additionally
	// capped by the remaining credential lifetime.
	MaxElapsed time.Duration
}

func (b BackoffConfig) withDefaults() BackoffConfig {
	if b.InitialInterval <= 0 {
		b.InitialInterval = 250 * time.Millisecond
	}
	if b.MaxInterval <= 0 {
		b.MaxInterval = 2 * time.Second
	}
	if b.MaxElapsed <= 0 {
		b.MaxElapsed = 5 * time.Second
	}
	return b
}

func (b BackoffConfig) policy(ctx context.Context, maxElapsed time.Duration) backoff.BackOffContext {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.InitialInterval
	eb.MaxInterval = b.MaxInterval
	eb.MaxElapsedTime = maxElapsed
	return backoff.WithContext(eb, ctx)
}

// Observer receives refresh outcomes.
type Observer interface {
	RefreshAttempt(trigger, outcome string)
}

type nopObserver struct{}

func (nopObserver) RefreshAttempt(string, string) {}

// Target is the supervised session. *session.Session implements it.
type Target interface {
	ID() string
	DeviceID() string
	Phase() session.Phase
	Credential() credential.Credential
	Attach(h transport.Handle, cred credential.Credential, reason string) error
	Fail(reason string)
	Notices() <-chan session.Notice
	Done() <-chan struct{}
}

var _ Target = (*session.Session)(nil)

type Config struct {
	Broker     credential.Broker
	Negotiator transport.Negotiator

	// Threshold is the remaining credential lifetime that triggers renewal.
	Threshold     time.Duration
	CheckInterval time.Duration
	// OpenTimeout bounds one negotiation attempt.
	OpenTimeout time.Duration
	Backoff     BackoffConfig

	Observer Observer
	Logger   *slog.Logger
	Now      func() time.Time
}

// Manager supervises sessions. One Manager may supervise many sessions; each
// Supervise call owns its own refresh semaphore.
type Manager struct {
	cfg Config
}

func New(cfg Config) (*Manager, error) {
	if cfg.Broker == nil {
		return nil, fmt.Errorf("broker is required")
	}
	if cfg.Negotiator == nil {
		return nil, fmt.Errorf("negotiator is required")
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 15 * time.Second
	}
	cfg.Backoff = cfg.Backoff.withDefaults()
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{cfg: cfg}, nil
}

// supervision is the per-session state of one Supervise call.
type supervision struct {
	m      *Manager
	target Target
	logger *slog.Logger
	sem    *semaphore.Weighted
	wg     sync.WaitGroup

	mu sync.Mutex
	// renewedFrom is the token a successful attach replaced. While the
	// session still reports it, the replacement is pending promotion.
	renewedFrom string
}

// Supervise runs until the session is done or ctx is canceled. It never
// ends the session itself except through Fail after a failed reconnect.
func (m *Manager) Supervise(ctx context.Context, target Target) error {
	ctx, cancel := context.WithCancel(ctx)
	sv := &supervision{
		m:      m,
		target: target,
		logger: m.cfg.Logger.With("session_id", target.ID()),
		sem:    semaphore.NewWeighted(1),
	}
	defer func() {
		cancel()
		sv.wg.Wait()
	}()

	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-target.Done():
			return nil
		case n := <-target.Notices():
			sv.onNotice(ctx, n)
		case <-ticker.C:
			sv.checkExpiry(ctx)
		}
	}
}

func (sv *supervision) onNotice(ctx context.Context, n session.Notice) {
	switch n.Kind {
	case session.NoticeTransportLost:
		sv.logger.Warn("transport lost, reconnecting", "generation", n.Generation, "error", n.Err)
		sv.spawn(func() { sv.reconnect(ctx) })
	case session.NoticeRefreshNeeded:
		sv.trigger(ctx, TriggerRemote)
	case session.NoticeAttachFailed:
		sv.mu.Lock()
		sv.renewedFrom = ""
		sv.mu.Unlock()
		sv.logger.Warn("replacement transport discarded", "generation", n.Generation, "error", n.Err)
	case session.NoticeAttached:
		sv.logger.Debug("replacement transport active", "generation", n.Generation)
	}
}

func (sv *supervision) checkExpiry(ctx context.Context) {
	if !sv.target.Phase().Connected() {
		return
	}
	cred := sv.target.Credential()
	if cred.IsZero() {
		return
	}
	sv.mu.Lock()
	pending := sv.renewedFrom != "" && sv.renewedFrom == cred.Token
	sv.mu.Unlock()
	if pending {
		return
	}
	if cred.Remaining(sv.m.cfg.Now()) < sv.m.cfg.Threshold {
		sv.trigger(ctx, TriggerExpiry)
	}
}

// trigger starts a proactive refresh unless one is already in flight.
func (sv *supervision) trigger(ctx context.Context, reason string) {
	if !sv.sem.TryAcquire(1) {
		sv.logger.Debug("refresh already in flight", "trigger", reason)
		sv.m.cfg.Observer.RefreshAttempt(reason, OutcomeSuppressed)
		return
	}
	sv.spawn(func() {
		defer sv.sem.Release(1)
		sv.refresh(ctx, reason)
	})
}

func (sv *supervision) spawn(fn func()) {
	sv.wg.Add(1)
	go func() {
		defer sv.wg.Done()
		fn()
	}()
}

// refresh renews the credential and negotiates a replacement transport,
// retrying with backoff until shortly before the current credential
// expires. Failure is logged only: the current transport keeps serving and
// its loss is handled by reconnect.
func (sv *supervision) refresh(ctx context.Context, reason string) {
	old := sv.target.Credential()
	budget := old.Remaining(sv.m.cfg.Now()) - expiryMargin
	if budget <= 0 {
		budget = sv.m.cfg.Backoff.MaxElapsed
	}
	policy := sv.m.cfg.Backoff.policy(ctx, budget)

	var (
		handle transport.Handle
		cred   credential.Credential
	)
	err := backoff.Retry(func() error {
		c, err := sv.requestCredential(ctx, reason)
		if err != nil {
			return err
		}
		h, err := sv.open(ctx, c)
		if err != nil {
			return err
		}
		handle, cred = h, c
		return nil
	}, policy)
	if err != nil {
		sv.logger.Warn("credential refresh failed", "trigger", reason, "error", err)
		sv.m.cfg.Observer.RefreshAttempt(reason, OutcomeFailed)
		return
	}
	if err := sv.target.Attach(handle, cred, reason); err != nil {
		_ = handle.Close()
		sv.logger.Warn("replacement transport rejected", "trigger", reason, "error", err)
		sv.m.cfg.Observer.RefreshAttempt(reason, OutcomeFailed)
		return
	}
	sv.mu.Lock()
	sv.renewedFrom = old.Token
	sv.mu.Unlock()
	sv.logger.Info("transport refresh attached", "trigger", reason, "credential", cred.Redacted())
	sv.m.cfg.Observer.RefreshAttempt(reason, OutcomeAttached)
}

// reconnect performs the single automatic re-negotiation after a transport
// loss. Only the credential request is retried.
func (sv *supervision) reconnect(ctx context.Context) {
	// Wait out an in-flight refresh; it may already have replaced the
	// transport.
	if err := sv.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer sv.sem.Release(1)
	if sv.target.Phase() != session.PhaseConnecting {
		sv.logger.Debug("reconnect not needed", "phase", sv.target.Phase().String())
		return
	}

	cred := sv.target.Credential()
	if cred.IsZero() || cred.Remaining(sv.m.cfg.Now()) < sv.m.cfg.Threshold {
		policy := sv.m.cfg.Backoff.policy(ctx, sv.m.cfg.Backoff.MaxElapsed)
		err := backoff.Retry(func() error {
			c, err := sv.requestCredential(ctx, TriggerReconnect)
			if err != nil {
				return err
			}
			cred = c
			return nil
		}, policy)
		if err != nil {
			sv.giveUp(ctx, fmt.Errorf("renew credential: %w", err))
			return
		}
	}

	h, err := sv.open(ctx, cred)
	if err != nil {
		sv.giveUp(ctx, err)
		return
	}
	if err := sv.target.Attach(h, cred, TriggerReconnect); err != nil {
		_ = h.Close()
		sv.giveUp(ctx, err)
		return
	}
	sv.logger.Info("reconnect attached", "credential", cred.Redacted())
	sv.m.cfg.Observer.RefreshAttempt(TriggerReconnect, OutcomeAttached)
}

func (sv *supervision) giveUp(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	sv.logger.Error("reconnect failed", "error", err)
	sv.m.cfg.Observer.RefreshAttempt(TriggerReconnect, OutcomeFailed)
	sv.target.Fail("reconnect_failed")
}

// requestCredential asks the broker once. Denials are permanent for the
// backoff loop.
func (sv *supervision) requestCredential(ctx context.Context, purpose string) (credential.Credential, error) {
	c, err := sv.m.cfg.Broker.RequestEphemeralCredential(ctx, credential.SessionContext{
		SessionID: sv.target.ID(),
		DeviceID:  sv.target.DeviceID(),
		Purpose:   purpose,
	})
	if err != nil {
		if core.IsKind(err, core.KindAuthDenied) {
			return credential.Credential{}, backoff.Permanent(err)
		}
		return credential.Credential{}, err
	}
	if c.IsZero() {
		return credential.Credential{}, backoff.Permanent(core.New(core.KindAuthDenied, "broker returned an empty credential"))
	}
	return c, nil
}

func (sv *supervision) open(ctx context.Context, cred credential.Credential) (transport.Handle, error) {
	ctx, cancel := context.WithTimeout(ctx, sv.m.cfg.OpenTimeout)
	defer cancel()
	h, err := sv.m.cfg.Negotiator.Open(ctx, cred)
	if err != nil {
		if core.IsKind(err, core.KindAuthRejected) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	return h, nil
}
