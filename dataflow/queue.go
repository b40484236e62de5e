package dataflow

import (
	"errors"
	"sync"

	"github.com/songzhibin97/tool-orchestrator/types"
)

var errQueueClosed = errors.New("queue closed")

// queue is an unbounded FIFO in front of a subscriber channel. Producers never
// block; a pump goroutine feeds the consumer at its own pace.
type queue struct {
	mu     sync.Mutex
	items  []types.DataPacket
	closed bool
	notify chan struct{}
	done   chan struct{}
	out    chan types.DataPacket
}

func newQueue() *queue {
	q := &queue{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan types.DataPacket),
	}
	go q.pump()
	return q
}

func (q *queue) push(p types.DataPacket) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errQueueClosed
	}
	q.items = append(q.items, p)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// close rejects further packets. The pump still hands over the packets
// already accepted and then closes the consumer channel, so a consumer that
// stops reading keeps the pump parked until it resumes.
func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

func (q *queue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *queue) pump() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-q.notify:
			case <-q.done:
			}
			continue
		}
		next := q.items[0]
		q.items[0] = types.DataPacket{}
		q.items = q.items[1:]
		q.mu.Unlock()

		q.out <- next
	}
}
