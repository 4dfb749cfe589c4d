package lifecycle

import "testing"

func TestLifecycleDraining(t *testing.T) {
	var l Lifecycle
	if l.IsDraining() {
		t.Fatalf("new lifecycle is draining")
	}
	if !l.DrainingSince().IsZero() {
		t.Fatalf("DrainingSince set before draining")
	}

	l.SetDraining(true)
	if !l.IsDraining() {
		t.Fatalf("IsDraining() = false after SetDraining(true)")
	}
	first := l.DrainingSince()
	if first.IsZero() {
		t.Fatalf("DrainingSince zero while draining")
	}
	l.SetDraining(true)
	if got := l.DrainingSince(); !got.Equal(first) {
		t.Fatalf("DrainingSince moved from %v to %v", first, got)
	}

	l.SetDraining(false)
	if l.IsDraining() || !l.DrainingSince().IsZero() {
		t.Fatalf("still draining after SetDraining(false)")
	}
}

func TestNilLifecycle(t *testing.T) {
	var l *Lifecycle
	l.SetDraining(true)
	if l.IsDraining() {
		t.Fatalf("nil lifecycle reports draining")
	}
}
