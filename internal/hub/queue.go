package hub

import "github.com/HerbHall/genwatch/pkg/models"

// Queue is one subscriber's bounded inbox. The hub is the only writer; the
// owning session is the only reader.
type Queue struct {
	ch     chan models.Message
	siteID string
}

func newQueue(siteID string, capacity int) *Queue {
	return &Queue{
		ch:     make(chan models.Message, capacity),
		siteID: siteID,
	}
}

// C returns the channel messages are delivered on.
func (q *Queue) C() <-chan models.Message {
	return q.ch
}

// SiteID returns the site this queue is subscribed to, or "" for global.
func (q *Queue) SiteID() string {
	return q.siteID
}

// Len returns the number of buffered messages.
func (q *Queue) Len() int {
	return len(q.ch)
}

// offer enqueues msg without blocking. When the queue is full the oldest
// buffered message is discarded first so the newest state always wins over
// backlog. If the insert still fails because the buffer refilled between
// the two steps, msg itself is dropped.
func (q *Queue) offer(msg models.Message) (delivered, displaced bool) {
	select {
	case q.ch <- msg:
		return true, false
	default:
	}

	select {
	case <-q.ch:
		displaced = true
	default:
	}

	select {
	case q.ch <- msg:
		return true, displaced
	default:
		return false, displaced
	}
}
