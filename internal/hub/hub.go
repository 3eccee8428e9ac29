// Package hub is the in-memory publish/subscribe core that fans decoded
// telemetry out to live viewers and keeps the last known state of every
// device channel.
//
// A single Hub is created at startup and handed to the bus listener, the
// liveness monitor and every live session. Its maps are guarded by one
// mutex; Publish never blocks on a subscriber.
package hub

import (
	"sort"
	"sync"
	"time"

	"github.com/HerbHall/genwatch/internal/metrics"
	"github.com/HerbHall/genwatch/pkg/models"
)

// QueueCapacity is the number of messages buffered per subscriber before
// the oldest buffered message is discarded to make room.
const QueueCapacity = 256

// Drop reasons reported on the dropped-messages counter.
const (
	dropDisplaced = "displaced"
	dropFull      = "full"
)

// Hub holds subscriber queues and per-channel state.
type Hub struct {
	mu       sync.Mutex
	lastSeen map[models.ChannelKey]time.Time
	cache    map[models.ChannelKey]models.Message
	sites    map[string]map[*Queue]struct{}
	global   map[*Queue]struct{}

	now     func() time.Time
	metrics *metrics.Metrics
}

// Option configures a Hub.
type Option func(*Hub)

// WithClock replaces time.Now as the source of last-seen timestamps.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

// WithMetrics records hub activity on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// New creates an empty Hub.
func New(opts ...Option) *Hub {
	h := &Hub{
		lastSeen: make(map[models.ChannelKey]time.Time),
		cache:    make(map[models.ChannelKey]models.Message),
		sites:    make(map[string]map[*Queue]struct{}),
		global:   make(map[*Queue]struct{}),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.metrics == nil {
		h.metrics = metrics.New()
	}
	return h
}

// Subscribe registers a new bounded queue. An empty siteID subscribes to
// every site; otherwise only messages for that site are delivered.
func (h *Hub) Subscribe(siteID string) *Queue {
	q := newQueue(siteID, QueueCapacity)

	h.mu.Lock()
	defer h.mu.Unlock()

	if siteID == "" {
		h.global[q] = struct{}{}
	} else {
		set, ok := h.sites[siteID]
		if !ok {
			set = make(map[*Queue]struct{})
			h.sites[siteID] = set
		}
		set[q] = struct{}{}
	}
	h.metrics.HubSubscribers.Inc()
	return q
}

// Unsubscribe removes q from the hub. Calling it again for the same queue
// is a no-op.
func (h *Hub) Unsubscribe(q *Queue) {
	if q == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if q.siteID == "" {
		if _, ok := h.global[q]; !ok {
			return
		}
		delete(h.global, q)
	} else {
		set, ok := h.sites[q.siteID]
		if !ok {
			return
		}
		if _, ok := set[q]; !ok {
			return
		}
		delete(set, q)
		if len(set) == 0 {
			delete(h.sites, q.siteID)
		}
	}
	h.metrics.HubSubscribers.Dec()
}

// Publish records msg as the latest state of its channel, stamps the
// channel's last-seen time and delivers msg to every subscriber of its site
// and to every global subscriber.
func (h *Hub) Publish(msg models.Message) {
	key := msg.Key()

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastSeen[key] = h.now()
	h.cache[key] = msg
	h.metrics.HubChannels.Set(float64(len(h.cache)))
	h.fanOutLocked(msg)
}

// PublishStatus fans out a synthetic status event and caches it for new
// subscribers, but leaves the channel's last-seen time untouched: a status
// event is not evidence that the device is talking.
//
// seen is the last-seen time the caller based its decision on. When the
// channel has published since then the event is stale and PublishStatus
// drops it and returns false. A zero seen skips the check.
func (h *Hub) PublishStatus(msg models.Message, seen time.Time) bool {
	key := msg.Key()

	h.mu.Lock()
	defer h.mu.Unlock()

	last, known := h.lastSeen[key]
	if !seen.IsZero() && !last.Equal(seen) {
		return false
	}
	if known {
		h.cache[key] = msg
	}
	h.fanOutLocked(msg)
	return true
}

func (h *Hub) fanOutLocked(msg models.Message) {
	h.metrics.HubPublished.WithLabelValues(string(msg.Type)).Inc()

	for q := range h.sites[msg.SiteID] {
		h.deliver(q, msg)
	}
	for q := range h.global {
		h.deliver(q, msg)
	}
}

func (h *Hub) deliver(q *Queue, msg models.Message) {
	delivered, displaced := q.offer(msg)
	if displaced {
		h.metrics.HubDropped.WithLabelValues(dropDisplaced).Inc()
	}
	if !delivered {
		h.metrics.HubDropped.WithLabelValues(dropFull).Inc()
	}
}

// Snapshot returns the cached message of every channel belonging to siteID,
// or of every channel when siteID is empty, ordered by channel key.
func (h *Hub) Snapshot(siteID string) []models.Message {
	h.mu.Lock()
	items := make([]models.Message, 0, len(h.cache))
	for key, msg := range h.cache {
		if siteID != "" && key.SiteID != siteID {
			continue
		}
		items = append(items, msg)
	}
	h.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		return items[i].Key().Less(items[j].Key())
	})
	return items
}

// LastSeen returns a copy of the per-channel last-seen table.
func (h *Hub) LastSeen() map[models.ChannelKey]time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make(map[models.ChannelKey]time.Time, len(h.lastSeen))
	for k, v := range h.lastSeen {
		out[k] = v
	}
	return out
}

// Stats is a point-in-time count of hub state.
type Stats struct {
	Channels          int `json:"channels"`
	GlobalSubscribers int `json:"global_subscribers"`
	SiteSubscribers   int `json:"site_subscribers"`
}

// Stats reports how many channels and subscribers the hub holds.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := Stats{
		Channels:          len(h.cache),
		GlobalSubscribers: len(h.global),
	}
	for _, set := range h.sites {
		s.SiteSubscribers += len(set)
	}
	return s
}
