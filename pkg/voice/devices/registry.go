// Package devices enforces one live voice session per device and tracks
// them for orchestrator shutdown.
package devices

import (
	"context"
	"sort"
	"sync"

	"github.com/vango-go/vai-order/pkg/core"
	"github.com/vango-go/vai-order/pkg/voice/session"
)

type Handle struct {
	Session *session.Session
	// Cancel ends the session. Defaults to Session.End.
	Cancel func()
	// Warn tells the device the orchestrator is going away.
	Warn func(code, message string) error
}

// live reports whether the handle still owns its device. A handle without a
// session is live until unregistered.
func (h Handle) live() bool {
	if h.Session == nil {
		return true
	}
	select {
	case <-h.Session.Done():
		return false
	default:
		return true
	}
}

type Registry struct {
	mu      sync.Mutex
	devices map[string]*entry
	wg      sync.WaitGroup
}

type entry struct {
	handle Handle
	once   sync.Once
}

func NewRegistry() *Registry {
	return &Registry{
		devices: make(map[string]*entry),
	}
}

// Register claims deviceID for h. It fails with session_already_active while
// another live session holds the device; a finished one is replaced.
func (r *Registry) Register(deviceID string, h Handle) (unregister func(), err error) {
	if h.Cancel == nil && h.Session != nil {
		h.Cancel = h.Session.End
	}
	e := &entry{handle: h}

	r.mu.Lock()
	if r.devices == nil {
		r.devices = make(map[string]*entry)
	}
	old := r.devices[deviceID]
	if old != nil && old.handle.live() {
		r.mu.Unlock()
		err := core.Newf(core.KindSessionAlreadyActive, "device %s already has an active session", deviceID).WithParam("device_id")
		if old.handle.Session != nil {
			err = err.WithReason(old.handle.Session.ID())
		}
		return nil, err
	}
	r.devices[deviceID] = e
	r.wg.Add(1)
	r.mu.Unlock()

	if old != nil {
		r.unregister(deviceID, old)
	}
	return func() { r.unregister(deviceID, e) }, nil
}

func (r *Registry) unregister(deviceID string, e *entry) {
	if e == nil {
		return
	}
	e.once.Do(func() {
		r.mu.Lock()
		if r.devices[deviceID] == e {
			delete(r.devices, deviceID)
		}
		r.mu.Unlock()
		r.wg.Done()
	})
}

// Lookup returns the session registered for deviceID.
func (r *Registry) Lookup(deviceID string) (*session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.devices[deviceID]
	if e == nil || e.handle.Session == nil {
		return nil, false
	}
	return e.handle.Session, true
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.devices)
}

// Devices lists registered device ids in order.
func (r *Registry) Devices() []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.devices))
	for id := range r.devices {
		out = append(out, id)
	}
	r.mu.Unlock()
	sort.Strings(out)
	return out
}

func (r *Registry) WarnAll(code, message string) (sent int) {
	var warns []func(code, message string) error
	r.mu.Lock()
	for _, e := range r.devices {
		if e.handle.Warn == nil {
			continue
		}
		warns = append(warns, e.handle.Warn)
	}
	r.mu.Unlock()

	for _, warn := range warns {
		_ = warn(code, message)
		sent++
	}
	return sent
}

func (r *Registry) CancelAll() (canceled int) {
	var cancels []func()
	r.mu.Lock()
	for _, e := range r.devices {
		if e.handle.Cancel == nil {
			continue
		}
		cancels = append(cancels, e.handle.Cancel)
	}
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every registered device unregistered or ctx is done.
func (r *Registry) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
