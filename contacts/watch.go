package contacts

import (
	"sync"

	"github.com/kabili207/contactbook-go/store"
)

// State is the lifecycle state of a Watch.
type State int

const (
	// StateLoading means the first snapshot has not arrived yet.
	StateLoading State = iota
	// StateLive means a snapshot is present and updated on every push.
	StateLive
	// StateError means the subscription failed. There is no auto-retry;
	// the watch delivers no further snapshots.
	StateError
	// StateUnsubscribed means the watch has been torn down.
	StateUnsubscribed
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateLive:
		return "live"
	case StateError:
		return "error"
	case StateUnsubscribed:
		return "unsubscribed"
	default:
		return "unknown"
	}
}

// Watch is a handle to one active contact-list subscription.
type Watch struct {
	mu    sync.Mutex
	state State
	sub   store.Subscription
}

func newWatch() *Watch {
	return &Watch{state: StateLoading}
}

// State returns the current lifecycle state.
func (w *Watch) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Unsubscribe tears the watch down: no further snapshots are delivered and
// the underlying store subscription is released. Safe to call more than
// once. In-flight mutations are not cancelled, only their UI-visible
// continuation stops.
func (w *Watch) Unsubscribe() {
	w.mu.Lock()
	if w.state == StateUnsubscribed {
		w.mu.Unlock()
		return
	}
	w.state = StateUnsubscribed
	sub := w.sub
	w.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
}

// setSub attaches the store subscription. If the watch was torn down
// before the subscription was established, it is released immediately.
func (w *Watch) setSub(sub store.Subscription) {
	w.mu.Lock()
	if w.state == StateUnsubscribed {
		w.mu.Unlock()
		sub.Unsubscribe()
		return
	}
	w.sub = sub
	w.mu.Unlock()
}

// live marks the watch live after a snapshot arrives. Terminal states are
// never left.
func (w *Watch) live() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateLoading && w.state != StateLive {
		return false
	}
	w.state = StateLive
	return true
}

// fail marks the watch as failed unless it is already torn down.
func (w *Watch) fail() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == StateUnsubscribed || w.state == StateError {
		return false
	}
	w.state = StateError
	return true
}
