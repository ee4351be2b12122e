package gateway

import (
	"context"
	"sync"

	"github.com/stellarlinkco/peacy/internal/bus"
)

// Dispatcher runs inbound messages in arrival order per chat while different
// chats proceed concurrently. A chat's worker exits once its queue drains.
type Dispatcher struct {
	handle func(ctx context.Context, msg bus.InboundMessage)

	mu     sync.Mutex
	queues map[string][]bus.InboundMessage
	wg     sync.WaitGroup
}

func NewDispatcher(handle func(ctx context.Context, msg bus.InboundMessage)) *Dispatcher {
	return &Dispatcher{
		handle: handle,
		queues: make(map[string][]bus.InboundMessage),
	}
}

// Dispatch queues msg behind earlier messages of the same chat.
func (d *Dispatcher) Dispatch(ctx context.Context, msg bus.InboundMessage) {
	key := msg.SessionKey()

	d.mu.Lock()
	defer d.mu.Unlock()
	q, running := d.queues[key]
	d.queues[key] = append(q, msg)
	if !running {
		d.wg.Add(1)
		go d.drain(ctx, key)
	}
}

func (d *Dispatcher) drain(ctx context.Context, key string) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		q := d.queues[key]
		if len(q) == 0 {
			delete(d.queues, key)
			d.mu.Unlock()
			return
		}
		msg := q[0]
		d.queues[key] = q[1:]
		d.mu.Unlock()

		d.handle(ctx, msg)
	}
}

// Active reports how many chats currently have a worker.
func (d *Dispatcher) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues)
}

// Wait blocks until every queued message has been handled.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
