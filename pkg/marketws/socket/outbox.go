package socket

import (
	"context"
	"sync"

	"github.com/tsarna/marketws/pkg/marketws/protocol"
)

// outbox is an unbounded FIFO with many producers and one consumer. Producers
// never block; the writer goroutine waits on wake for new items and calls done
// once it has finished with each item it popped.
type outbox struct {
	mu       sync.Mutex
	items    []protocol.Envelope
	inflight int
	closed   bool
	wake     chan struct{}
	drained  []chan error
}

func newOutbox() *outbox {
	return &outbox{wake: make(chan struct{}, 1)}
}

func (o *outbox) push(e protocol.Envelope) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return protocol.ErrSendFailed
	}
	o.items = append(o.items, e)

	// wake is closed under the same lock, so this send cannot race close.
	select {
	case o.wake <- struct{}{}:
	default:
	}
	return nil
}

// pop blocks until an item is available, the outbox is closed, or ctx is done.
func (o *outbox) pop(ctx context.Context) (protocol.Envelope, error) {
	for {
		o.mu.Lock()
		if o.closed {
			o.mu.Unlock()
			return protocol.Envelope{}, protocol.ErrSendFailed
		}
		if len(o.items) > 0 {
			e := o.items[0]
			o.items[0] = protocol.Envelope{}
			o.items = o.items[1:]
			o.inflight++
			o.mu.Unlock()
			return e, nil
		}
		o.mu.Unlock()

		select {
		case <-o.wake:
		case <-ctx.Done():
			return protocol.Envelope{}, ctx.Err()
		}
	}
}

// done marks one popped item as handled.
func (o *outbox) done() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inflight > 0 {
		o.inflight--
	}
	if len(o.items) == 0 && o.inflight == 0 {
		o.notify(nil)
	}
}

// flush blocks until every item pushed so far has been popped and handled. It
// fails with ErrSendFailed if the outbox is closed first.
func (o *outbox) flush(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return protocol.ErrSendFailed
	}
	if len(o.items) == 0 && o.inflight == 0 {
		o.mu.Unlock()
		return nil
	}
	ch := make(chan error, 1)
	o.drained = append(o.drained, ch)
	o.mu.Unlock()

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// notify must be called with mu held.
func (o *outbox) notify(err error) {
	for _, ch := range o.drained {
		ch <- err
	}
	o.drained = nil
}

// close releases the queue. Pending items are dropped and waiting flushes fail.
func (o *outbox) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	o.items = nil
	o.inflight = 0
	o.notify(protocol.ErrSendFailed)
	close(o.wake)
}

func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}
