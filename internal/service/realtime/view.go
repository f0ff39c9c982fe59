package realtime

import (
	"sync"

	"github.com/splax/pipewatch/pkg/metrics"
)

// view is the read side shared by Session and Poller. Writes come from the
// feed's single owner; reads may come from any goroutine.
type view struct {
	mu        sync.RWMutex
	state     State
	history   *metrics.History
	latest    metrics.Snapshot
	hasLatest bool
	listeners []Listener
	seq       uint64
}

func newView(mode string, historySize int) *view {
	return &view{
		state:   State{Mode: mode, Status: StatusDisconnected, Phase: PhaseIdle},
		history: metrics.NewHistory(historySize),
	}
}

func (v *view) subscribe(l Listener) {
	if l == nil {
		return
	}
	v.mu.Lock()
	v.listeners = append(v.listeners, l)
	v.mu.Unlock()
}

// setState publishes next and notifies listeners when it differs from the
// previous state.
func (v *view) setState(next State) {
	v.mu.Lock()
	v.storeState(next)
}

// setStateAt is setState for owners that notify outside their own lock. A
// notice older than one already published is dropped.
func (v *view) setStateAt(seq uint64, next State) {
	v.mu.Lock()
	if seq < v.seq {
		v.mu.Unlock()
		return
	}
	v.seq = seq
	v.storeState(next)
}

// storeState is entered with v.mu held and releases it before notifying.
func (v *view) storeState(next State) {
	if v.state.equal(next) {
		v.mu.Unlock()
		return
	}
	v.state = next
	listeners := v.listeners
	v.mu.Unlock()
	for _, l := range listeners {
		l.OnState(next)
	}
}

func (v *view) push(snap metrics.Snapshot) {
	v.mu.Lock()
	v.storeSnapshot(snap)
}

func (v *view) pushAt(seq uint64, snap metrics.Snapshot) {
	v.mu.Lock()
	if seq < v.seq {
		v.mu.Unlock()
		return
	}
	v.seq = seq
	v.storeSnapshot(snap)
}

// storeSnapshot is entered with v.mu held and releases it before notifying.
func (v *view) storeSnapshot(snap metrics.Snapshot) {
	v.history.Push(snap)
	v.latest = snap
	v.hasLatest = true
	listeners := v.listeners
	v.mu.Unlock()
	for _, l := range listeners {
		l.OnSnapshot(snap)
	}
}

func (v *view) State() State {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.state
}

func (v *view) Snapshot() (metrics.Snapshot, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.latest, v.hasLatest
}

func (v *view) History() []metrics.Snapshot {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.history.Items()
}

func (v *view) LastError() *Error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.state.Error == nil {
		return nil
	}
	cp := *v.state.Error
	return &cp
}
