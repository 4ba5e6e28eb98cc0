package worker

import (
	"sync"

	"github.com/steelcore/msgserver/internal/session"
)

// messageQueue is the shared, unbounded, multi-producer multi-consumer
// message queue (spec §3/§4.5). Ordering across producers is unspecified;
// ordering of messages from a single session is FIFO because that
// session's reader is single-threaded.
type messageQueue struct {
	mu    sync.Mutex
	items []session.DecodedMessage
}

func (q *messageQueue) push(msg session.DecodedMessage) {
	q.mu.Lock()
	q.items = append(q.items, msg)
	q.mu.Unlock()
}

func (q *messageQueue) pop() (session.DecodedMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return session.DecodedMessage{}, false
	}
	msg := q.items[0]
	q.items[0] = session.DecodedMessage{}
	q.items = q.items[1:]
	if len(q.items) == 0 {
		// Let the backing array go, rather than holding onto an
		// ever-shifting slice header from a long-lived queue.
		q.items = nil
	}
	return msg, true
}

func (q *messageQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
