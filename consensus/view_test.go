package consensus

import (
	"errors"
	"testing"
	"time"
)

func newTestViewManager(timeout time.Duration) *ViewManager {
	return NewViewManager([]string{"node-0", "node-1", "node-2", "node-3"}, 3, timeout)
}

func TestPrimaryRotation(t *testing.T) {
	v := newTestViewManager(time.Second)
	cases := map[uint64]string{
		0: "node-0",
		1: "node-1",
		3: "node-3",
		4: "node-0",
		7: "node-3",
	}
	for view, want := range cases {
		if got := v.PrimaryForView(view); got != want {
			t.Errorf("View %d: expected primary %s, got %s", view, want, got)
		}
	}
}

func TestIsPrimary(t *testing.T) {
	v := newTestViewManager(time.Second)
	if !v.IsPrimary("node-0") {
		t.Error("node-0 should be primary in view 0")
	}
	if v.IsPrimary("node-1") {
		t.Error("node-1 should not be primary in view 0")
	}
}

func TestStartViewChangeIdempotent(t *testing.T) {
	v := newTestViewManager(time.Second)
	first := v.StartViewChange()
	second := v.StartViewChange()
	if first != 1 || second != 1 {
		t.Errorf("Expected pending view 1 from both calls, got %d and %d", first, second)
	}
	if !v.InViewChange() {
		t.Error("Expected InViewChange after StartViewChange")
	}
}

func TestCompleteViewChange(t *testing.T) {
	v := newTestViewManager(time.Second)
	v.StartViewChange()
	if err := v.CompleteViewChange(1); err != nil {
		t.Fatalf("CompleteViewChange failed: %v", err)
	}
	if v.CurrentView() != 1 {
		t.Errorf("Expected view 1, got %d", v.CurrentView())
	}
	if v.InViewChange() {
		t.Error("Expected view change cleared after completion")
	}
	if v.PrimaryID() != "node-1" {
		t.Errorf("Expected primary node-1 in view 1, got %s", v.PrimaryID())
	}
}

func TestCompleteViewChangeRejectsRegression(t *testing.T) {
	v := newTestViewManager(time.Second)
	v.StartViewChange()
	if err := v.CompleteViewChange(1); err != nil {
		t.Fatalf("CompleteViewChange failed: %v", err)
	}
	err := v.CompleteViewChange(1)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition for non-increasing view, got %v", err)
	}
	err = v.CompleteViewChange(0)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition for view regression, got %v", err)
	}
}

func TestShouldTriggerViewChange(t *testing.T) {
	v := newTestViewManager(20 * time.Millisecond)
	if v.ShouldTriggerViewChange() {
		t.Error("Should not trigger immediately after creation")
	}
	time.Sleep(40 * time.Millisecond)
	if !v.ShouldTriggerViewChange() {
		t.Error("Should trigger after the silence timeout")
	}
	v.RecordActivity()
	if v.ShouldTriggerViewChange() {
		t.Error("Should not trigger right after activity")
	}
}

func TestShouldTriggerSuppressedDuringViewChange(t *testing.T) {
	v := newTestViewManager(10 * time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	v.StartViewChange()
	if v.ShouldTriggerViewChange() {
		t.Error("Should not re-trigger while a view change is pending")
	}
}

func TestJoinViewChangeAdoptsHigherView(t *testing.T) {
	v := newTestViewManager(time.Second)
	got := v.JoinViewChange(3)
	if got != 3 {
		t.Errorf("Expected pending view 3, got %d", got)
	}
	if !v.InViewChange() {
		t.Error("Expected InViewChange after join")
	}
	// A lower target never lowers the pending view.
	if got := v.JoinViewChange(2); got != 3 {
		t.Errorf("Expected pending view to stay 3, got %d", got)
	}
	// A stale target at or below the current view is a no-op.
	v2 := newTestViewManager(time.Second)
	if got := v2.JoinViewChange(0); got != 0 {
		t.Errorf("Expected stale join to return current view 0, got %d", got)
	}
	if v2.InViewChange() {
		t.Error("Stale join should not start a view change")
	}
}

func TestEscalateViewChange(t *testing.T) {
	v := newTestViewManager(15 * time.Millisecond)
	if _, ok := v.EscalateViewChange(); ok {
		t.Error("Escalation without a pending view change should be a no-op")
	}
	v.StartViewChange()
	if _, ok := v.EscalateViewChange(); ok {
		t.Error("Escalation before the timeout should be a no-op")
	}
	time.Sleep(30 * time.Millisecond)
	target, ok := v.EscalateViewChange()
	if !ok || target != 2 {
		t.Errorf("Expected escalation to view 2, got %d (ok=%v)", target, ok)
	}
}
