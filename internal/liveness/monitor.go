// Package liveness watches hub last-seen times and pushes a single OFFLINE
// status event when a channel goes silent.
package liveness

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/genwatch/internal/metrics"
	"github.com/HerbHall/genwatch/pkg/models"
)

// DefaultInterval is how often Run sweeps when no interval is configured.
const DefaultInterval = 30 * time.Second

// Source is the part of the hub the monitor depends on.
type Source interface {
	LastSeen() map[models.ChannelKey]time.Time
	PublishStatus(msg models.Message, seen time.Time) bool
}

// Monitor emits edge-triggered OFFLINE transitions. A channel's flag holds
// the last-seen time the event was emitted for. Any newer last-seen time
// starts a new silence episode, whether or not a sweep observed the channel
// while it was fresh, so each episode produces exactly one event.
type Monitor struct {
	source  Source
	timeout time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.Mutex
	offline map[models.ChannelKey]time.Time
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the monitor's logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// WithMetrics counts emitted events on m.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Monitor) { m.metrics = mt }
}

// WithClock replaces time.Now for Run.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// New creates a monitor that treats a channel as offline once it has been
// silent for longer than timeout.
func New(source Source, timeout time.Duration, opts ...Option) *Monitor {
	m := &Monitor{
		source:  source,
		timeout: timeout,
		logger:  zap.NewNop(),
		now:     time.Now,
		offline: make(map[models.ChannelKey]time.Time),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Sweep checks every known channel against now and returns the number of
// OFFLINE events it emitted.
func (m *Monitor) Sweep(now time.Time) int {
	seen := m.source.LastSeen()

	m.mu.Lock()
	var due []models.ChannelKey
	for key, at := range seen {
		if flaggedAt, ok := m.offline[key]; ok && !flaggedAt.Equal(at) {
			delete(m.offline, key)
		}
		if now.Sub(at) <= m.timeout {
			continue
		}
		if _, flagged := m.offline[key]; !flagged {
			m.offline[key] = at
			due = append(due, key)
		}
	}
	m.mu.Unlock()

	emitted := 0
	for _, key := range due {
		if !m.source.PublishStatus(models.NewStatusChange(key, models.StatusOffline), seen[key]) {
			// Telemetry arrived after the copy was taken.
			m.mu.Lock()
			if m.offline[key].Equal(seen[key]) {
				delete(m.offline, key)
			}
			m.mu.Unlock()
			continue
		}
		emitted++
		m.logger.Info("channel offline",
			zap.String("channel", key.String()),
			zap.Time("last_seen", seen[key]),
		)
	}
	if m.metrics != nil && emitted > 0 {
		m.metrics.LivenessOffline.Add(float64(emitted))
	}
	return emitted
}

// Offline reports whether an OFFLINE event is outstanding for key.
func (m *Monitor) Offline(key models.ChannelKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.offline[key]
	return ok
}

// Run sweeps every interval until ctx is cancelled. A non-positive interval
// uses DefaultInterval.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	m.logger.Info("liveness monitor started",
		zap.Duration("interval", interval),
		zap.Duration("timeout", m.timeout),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("liveness monitor stopped")
			return
		case <-ticker.C:
			m.Sweep(m.now())
		}
	}
}
