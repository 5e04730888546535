package workerpool

import (
	"context"
	"sync"

	"github.com/bitrise-io/upload-agent/internal/filereader"
)

// queue is the multi-producer/multi-consumer work queue of spec §5.
// Unbounded by design (size <= total_parts plus in-flight requeues), since
// entries are small descriptors (spec §5, "Backpressure").
type queue struct {
	mu     sync.Mutex
	items  []filereader.Part
	notify chan struct{}
}

func newQueue(capacityHint int) *queue {
	return &queue{
		items:  make([]filereader.Part, 0, capacityHint),
		notify: make(chan struct{}, 1),
	}
}

func (q *queue) push(p filereader.Part) {
	q.mu.Lock()
	q.items = append(q.items, p)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop returns the next item, blocking until one is available or ctx is
// cancelled.
func (q *queue) pop(ctx context.Context) (filereader.Part, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			p := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return p, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return filereader.Part{}, false
		case <-q.notify:
		}
	}
}
