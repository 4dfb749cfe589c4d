package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/vai-order/pkg/catalog"
	"github.com/vango-go/vai-order/pkg/core"
	"github.com/vango-go/vai-order/pkg/lifecycle"
	"github.com/vango-go/vai-order/pkg/order"
	"github.com/vango-go/vai-order/pkg/pricing"
	"github.com/vango-go/vai-order/pkg/voice/credential"
	"github.com/vango-go/vai-order/pkg/voice/session"
	"github.com/vango-go/vai-order/pkg/voice/snapshot"
	"github.com/vango-go/vai-order/pkg/voice/toolcall"
	"github.com/vango-go/vai-order/pkg/voice/transport/transporttest"
)

const waitFor = 2 * time.Second

type warnings struct {
	mu   sync.Mutex
	sent map[string]string
}

func (w *warnings) warn(deviceID, code, _ string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sent == nil {
		w.sent = map[string]string{}
	}
	w.sent[deviceID] = code
	return nil
}

type fixture struct {
	orch       *Orchestrator
	negotiator *transporttest.Negotiator
	broker     *credential.StaticBroker
	snapshots  *snapshot.Memory
	life       *lifecycle.Lifecycle
	warnings   *warnings
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	menu, err := catalog.NewStatic(catalog.Menu{
		Items:     []order.MenuItem{{ID: "burger", Name: "Burger", Price: 899, Available: true, Modifiers: []string{"cheese"}}},
		Modifiers: []order.Modifier{{ID: "cheese", Name: "Cheese", Price: 100}},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	f := &fixture{
		negotiator: transporttest.NewNegotiator(transporttest.Handshake),
		broker:     &credential.StaticBroker{Token: "ek_test", Lifetime: time.Minute},
		snapshots:  snapshot.NewMemory(time.Minute),
		life:       &lifecycle.Lifecycle{},
		warnings:   &warnings{},
	}
	f.orch, err = New(ctx, Config{
		Broker:     f.broker,
		Negotiator: f.negotiator,
		Catalog:    menu,
		Pricing:    pricing.Engine{TaxRateBasisPoints: 825},
		Submitter: toolcall.SubmitterFunc(func(context.Context, toolcall.Submission) (string, error) {
			return "ord_1", nil
		}),
		Snapshots: f.snapshots,
		Warn:      f.warnings.warn,
		Lifecycle: f.life,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), waitFor)
		defer done()
		f.orch.Shutdown(shutdownCtx)
		cancel()
	})
	return f
}

func (f *fixture) waitPhase(t *testing.T, deviceID string, want session.Phase) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, err := f.orch.Session(deviceID)
		return err == nil && s.Phase() == want
	}, waitFor, 5*time.Millisecond, "device %s never reached %s", deviceID, want)
}

func TestStart_OneSessionPerDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	info, err := f.orch.Start(ctx, "kiosk-1", StartOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, info.SessionID)
	f.waitPhase(t, "kiosk-1", session.PhaseListening)

	_, err = f.orch.Start(ctx, "kiosk-1", StartOptions{})
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindSessionAlreadyActive))

	_, err = f.orch.Start(ctx, "kiosk-2", StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"kiosk-1", "kiosk-2"}, f.orch.Devices())
}

func TestEnd_FreesDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.Start(ctx, "kiosk-1", StartOptions{})
	require.NoError(t, err)
	f.waitPhase(t, "kiosk-1", session.PhaseListening)

	info, err := f.orch.End(ctx, "kiosk-1")
	require.NoError(t, err)
	assert.Equal(t, "ENDED", info.Phase)
	require.Eventually(t, func() bool { return f.orch.Count() == 0 }, waitFor, 5*time.Millisecond)

	_, err = f.orch.Snapshot("kiosk-1")
	assert.ErrorIs(t, err, ErrNoSession)

	_, err = f.orch.Start(ctx, "kiosk-1", StartOptions{})
	require.NoError(t, err)
}

func TestStart_CredentialDeniedReleasesDevice(t *testing.T) {
	f := newFixture(t)
	f.broker.Deny = true

	_, err := f.orch.Start(context.Background(), "kiosk-1", StartOptions{})
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindAuthDenied))
	require.Eventually(t, func() bool { return f.orch.Count() == 0 }, waitFor, 5*time.Millisecond)
	assert.Zero(t, f.negotiator.Calls())
}

func TestStart_ResumesFromSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.snapshots.Save(ctx, order.Snapshot{
		SessionID: "sess_old",
		Items: []order.DraftItem{{
			LineRef: "line_1", MenuItemID: "burger", Name: "Burger", Quantity: 2, UnitPrice: 899,
		}},
		NextLine: 1,
	}))

	_, err := f.orch.Start(ctx, "kiosk-1", StartOptions{ResumeSessionID: "sess_old", Notes: "no pickles"})
	require.NoError(t, err)

	snap, err := f.orch.Snapshot("kiosk-1")
	require.NoError(t, err)
	require.Len(t, snap.Items, 1)
	assert.Equal(t, 2, snap.Items[0].Quantity)
	assert.Equal(t, order.Money(1798), snap.Totals.Subtotal)
	assert.Equal(t, "no pickles", snap.Notes)
}

func TestStart_ResumeConsumesSnapshotAndKeepsOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.snapshots.Save(ctx, order.Snapshot{
		SessionID: "sess_confirmed",
		Items: []order.DraftItem{{
			LineRef: "line_1", MenuItemID: "burger", Name: "Burger", Quantity: 1, UnitPrice: 899,
		}},
		Frozen:   true,
		OrderID:  "ord_9",
		NextLine: 1,
	}))

	_, err := f.orch.Start(ctx, "kiosk-1", StartOptions{ResumeSessionID: "sess_confirmed"})
	require.NoError(t, err)

	snap, err := f.orch.Snapshot("kiosk-1")
	require.NoError(t, err)
	assert.True(t, snap.Frozen)
	assert.Equal(t, "ord_9", snap.OrderID)

	_, err = f.snapshots.Load(ctx, "sess_confirmed")
	assert.ErrorIs(t, err, snapshot.ErrNotFound)

	_, err = f.orch.End(ctx, "kiosk-1")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.orch.Count() == 0 }, waitFor, 5*time.Millisecond)
	_, err = f.orch.Start(ctx, "kiosk-1", StartOptions{ResumeSessionID: "sess_confirmed"})
	assert.True(t, core.IsKind(err, core.KindInvalidArguments), "a snapshot resumes once")
}

func TestStart_ResumeMissingSnapshot(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Start(context.Background(), "kiosk-1", StartOptions{ResumeSessionID: "sess_gone"})
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindInvalidArguments))
	assert.Zero(t, f.orch.Count())
}

func TestTalkRequiresSession(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.orch.StartTalking("nobody"), ErrNoSession)
	assert.ErrorIs(t, f.orch.StopTalking("nobody"), ErrNoSession)
	_, err := f.orch.Audio("nobody")
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestTalkTurnOverBridge(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Start(context.Background(), "kiosk-1", StartOptions{})
	require.NoError(t, err)
	f.waitPhase(t, "kiosk-1", session.PhaseListening)

	bridge, err := f.orch.Audio("kiosk-1")
	require.NoError(t, err)
	require.NoError(t, f.orch.StartTalking("kiosk-1"))
	assert.True(t, bridge.Push([]byte{1, 2, 3, 4}))
	require.NoError(t, f.orch.StopTalking("kiosk-1"))

	// The handshake responder acknowledges the commit.
	f.waitPhase(t, "kiosk-1", session.PhaseAwaitingTranscript)
}

func TestShutdown_DrainsAndWarns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.orch.Start(ctx, "kiosk-1", StartOptions{})
	require.NoError(t, err)
	f.waitPhase(t, "kiosk-1", session.PhaseListening)

	waitCtx, cancel := context.WithTimeout(ctx, waitFor)
	defer cancel()
	assert.True(t, f.orch.Shutdown(waitCtx))
	assert.True(t, f.life.IsDraining())
	assert.Zero(t, f.orch.Count())

	f.warnings.mu.Lock()
	assert.Equal(t, "draining", f.warnings.sent["kiosk-1"])
	f.warnings.mu.Unlock()

	_, err = f.orch.Start(ctx, "kiosk-2", StartOptions{})
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindSessionClosed))
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.Error(t, err)
}

func TestAudioBridgeDropsWhenFull(t *testing.T) {
	b := NewAudioBridge(1)
	assert.True(t, b.Push([]byte{1}))
	assert.False(t, b.Push([]byte{2}))

	b.Play([]byte{9})
	b.Play([]byte{10})
	assert.Equal(t, int64(2), b.Dropped())
	assert.Equal(t, []byte{9}, <-b.Playback())

	b.Close()
	b.Close()
	b.Play([]byte{11})
	<-b.Done()
	assert.False(t, b.Push([]byte{3}))
}
