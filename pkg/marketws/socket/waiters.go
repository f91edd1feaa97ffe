package socket

import (
	"sync"

	"github.com/tsarna/marketws/pkg/marketws/protocol"
)

type callResult struct {
	env protocol.Envelope
	err error
}

// waiters tracks outstanding Call requests by request id.
type waiters struct {
	mu      sync.Mutex
	pending map[string]chan callResult
	err     error
}

func newWaiters() *waiters {
	return &waiters{pending: make(map[string]chan callResult)}
}

func (w *waiters) register(id string) (<-chan callResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return nil, w.err
	}
	ch := make(chan callResult, 1)
	w.pending[id] = ch
	return ch, nil
}

// resolve hands env to the waiter registered under env.RefID, if any.
func (w *waiters) resolve(env protocol.Envelope) bool {
	w.mu.Lock()
	ch, ok := w.pending[env.RefID]
	if ok {
		delete(w.pending, env.RefID)
	}
	w.mu.Unlock()

	if ok {
		ch <- callResult{env: env}
	}
	return ok
}

func (w *waiters) cancel(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.pending, id)
}

// failAll completes every waiter with err and rejects later registrations.
func (w *waiters) failAll(err error) {
	w.mu.Lock()
	pending := w.pending
	w.pending = make(map[string]chan callResult)
	w.err = err
	w.mu.Unlock()

	for _, ch := range pending {
		ch <- callResult{err: err}
	}
}

func (w *waiters) len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}
