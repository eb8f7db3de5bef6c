package consensus

import (
	"fmt"
	"sync"
	"time"
)

// ViewManager owns the current view number and the liveness timer. The
// state machine is Stable <-> ViewChanging: a silence timeout moves to
// ViewChanging, CompleteViewChange moves back. The inViewChange flag
// guards against concurrent timeout firings double-advancing the view.
type ViewManager struct {
	mu sync.Mutex

	nodeIDs []string
	quorum  int
	timeout time.Duration

	view         uint64
	pendingView  uint64
	inViewChange bool
	lastActivity time.Time
	vcStarted    time.Time
}

// NewViewManager creates a view manager over the sorted member IDs.
func NewViewManager(nodeIDs []string, quorum int, timeout time.Duration) *ViewManager {
	return &ViewManager{
		nodeIDs:      nodeIDs,
		quorum:       quorum,
		timeout:      timeout,
		lastActivity: time.Now(),
	}
}

// CurrentView returns the current view number.
func (v *ViewManager) CurrentView() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.view
}

// PrimaryForView computes the round-robin primary of a view. The primary
// is always a pure function of the view number, never stored.
func (v *ViewManager) PrimaryForView(view uint64) string {
	return v.nodeIDs[view%uint64(len(v.nodeIDs))]
}

// PrimaryID returns the primary of the current view.
func (v *ViewManager) PrimaryID() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.PrimaryForView(v.view)
}

// IsPrimary reports whether nodeID is the current primary.
func (v *ViewManager) IsPrimary(nodeID string) bool {
	return v.PrimaryID() == nodeID
}

// QuorumSize returns 2f+1.
func (v *ViewManager) QuorumSize() int {
	return v.quorum
}

// InViewChange reports whether a view change is in progress.
func (v *ViewManager) InViewChange() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.inViewChange
}

// RecordActivity resets the inactivity timer. Called on every observed
// protocol progress.
func (v *ViewManager) RecordActivity() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.lastActivity = time.Now()
}

// ShouldTriggerViewChange reports whether the primary has been silent
// longer than the timeout and no view change is already running.
func (v *ViewManager) ShouldTriggerViewChange() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.inViewChange {
		return false
	}
	return time.Since(v.lastActivity) > v.timeout
}

// StartViewChange enters the ViewChanging state and returns the target
// view. Idempotent: a second call while a change is pending returns the
// same pending view instead of advancing again.
func (v *ViewManager) StartViewChange() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.inViewChange {
		return v.pendingView
	}
	v.inViewChange = true
	v.pendingView = v.view + 1
	v.vcStarted = time.Now()
	return v.pendingView
}

// EscalateViewChange advances the pending view when the view change
// itself has timed out, in case the next primary is also faulty. The
// second return is false while no escalation is due.
func (v *ViewManager) EscalateViewChange() (uint64, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.inViewChange || time.Since(v.vcStarted) <= v.timeout {
		return 0, false
	}
	v.pendingView++
	v.vcStarted = time.Now()
	return v.pendingView, true
}

// JoinViewChange raises the pending view to target when peers are ahead
// of the local timer (the f+1 adoption rule). Returns the pending view.
func (v *ViewManager) JoinViewChange(target uint64) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	if target <= v.view {
		if v.inViewChange {
			return v.pendingView
		}
		return v.view
	}
	if !v.inViewChange || target > v.pendingView {
		v.inViewChange = true
		v.pendingView = target
		v.vcStarted = time.Now()
	}
	return v.pendingView
}

// CompleteViewChange installs newView, clears the ViewChanging state and
// resets the activity timer. The view only ever increases.
func (v *ViewManager) CompleteViewChange(newView uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if newView <= v.view {
		return fmt.Errorf("%w: new view %d <= current view %d", ErrInvalidTransition, newView, v.view)
	}
	v.view = newView
	v.inViewChange = false
	v.pendingView = 0
	v.lastActivity = time.Now()
	return nil
}
