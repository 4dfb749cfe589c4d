// Package lifecycle holds process state shared by the HTTP surface and the
// shutdown path of voice-orderd.
package lifecycle

import (
	"sync/atomic"
	"time"
)

// Lifecycle reports readiness. Once draining, /readyz fails and no new device
// session is started, while running sessions are given the grace period to end.
type Lifecycle struct {
	draining atomic.Bool
	since    atomic.Int64
}

func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	if draining && !l.draining.Load() {
		l.since.Store(time.Now().UnixNano())
	}
	if !draining {
		l.since.Store(0)
	}
	l.draining.Store(draining)
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}

// DrainingSince is zero unless draining.
func (l *Lifecycle) DrainingSince() time.Time {
	if l == nil {
		return time.Time{}
	}
	ns := l.since.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
