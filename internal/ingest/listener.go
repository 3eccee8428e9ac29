package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"github.com/HerbHall/genwatch/internal/config"
	"github.com/HerbHall/genwatch/internal/metrics"
	"github.com/HerbHall/genwatch/pkg/models"
)

const (
	connectTimeout = 10 * time.Second
	quiesceMillis  = 250
)

// Decode results reported on the ingest counter.
const (
	resultOK        = "ok"
	resultMalformed = "malformed"
)

// Publisher receives decoded telemetry.
type Publisher interface {
	Publish(msg models.Message)
}

// ClientFactory builds an MQTT client from options. Tests substitute a fake.
type ClientFactory func(opts *mqtt.ClientOptions) mqtt.Client

// Listener keeps one subscription to the telemetry topic alive, reconnecting
// with exponential backoff whenever the broker is unreachable or drops the
// connection.
type Listener struct {
	cfg       config.MQTTConfig
	publisher Publisher
	logger    *zap.Logger
	metrics   *metrics.Metrics
	newClient ClientFactory
	connected atomic.Bool
}

// NewListener creates a listener. m may be nil.
func NewListener(cfg config.MQTTConfig, pub Publisher, logger *zap.Logger, m *metrics.Metrics) *Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Listener{
		cfg:       cfg,
		publisher: pub,
		logger:    logger,
		metrics:   m,
		newClient: mqtt.NewClient,
	}
}

// WithClientFactory replaces mqtt.NewClient.
func (l *Listener) WithClientFactory(f ClientFactory) *Listener {
	l.newClient = f
	return l
}

// Topic is the subscription filter: every site, equipment type and panel
// under the configured prefix.
func (l *Listener) Topic() string {
	return l.cfg.TopicPrefix + "/+/+/+"
}

// Connected reports whether a subscription is currently live.
func (l *Listener) Connected() bool {
	return l.connected.Load()
}

// Run connects and consumes until ctx is cancelled. Connection failures are
// never fatal; Run only returns once ctx is done.
func (l *Listener) Run(ctx context.Context) error {
	b := &backoff.Backoff{
		Min:    l.cfg.ReconnectInterval,
		Max:    l.cfg.MaxReconnectInterval,
		Factor: 2,
		Jitter: true,
	}

	for {
		connected, err := l.session(ctx)
		if ctx.Err() != nil {
			l.logger.Info("mqtt listener stopped")
			return nil
		}
		if connected {
			b.Reset()
		}

		wait := b.Duration()
		l.metrics.IngestReconnects.Inc()
		l.logger.Warn("mqtt connection unavailable, retrying",
			zap.String("broker", l.cfg.BrokerURL()),
			zap.Duration("retry_in", wait),
			zap.Error(err),
		)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			l.logger.Info("mqtt listener stopped")
			return nil
		case <-t.C:
		}
	}
}

// session runs one connection. connected reports whether the subscription
// was established before the session ended.
func (l *Listener) session(ctx context.Context) (connected bool, err error) {
	lost := make(chan error, 1)

	opts := mqtt.NewClientOptions().
		AddBroker(l.cfg.BrokerURL()).
		SetClientID(l.cfg.ClientID).
		SetUsername(l.cfg.Username).
		SetPassword(l.cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectTimeout(connectTimeout).
		SetKeepAlive(60 * time.Second)
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		select {
		case lost <- err:
		default:
		}
	}

	client := l.newClient(opts)
	if err := wait(ctx, client.Connect()); err != nil {
		// A connect still in flight at shutdown may complete later.
		client.Disconnect(quiesceMillis)
		return false, fmt.Errorf("connect: %w", err)
	}
	if err := wait(ctx, client.Subscribe(l.Topic(), 0, l.handle)); err != nil {
		client.Disconnect(quiesceMillis)
		return false, fmt.Errorf("subscribe %s: %w", l.Topic(), err)
	}

	l.connected.Store(true)
	l.metrics.IngestConnected.Set(1)
	defer func() {
		l.connected.Store(false)
		l.metrics.IngestConnected.Set(0)
	}()
	l.logger.Info("mqtt connected",
		zap.String("broker", l.cfg.BrokerURL()),
		zap.String("topic", l.Topic()),
	)

	select {
	case <-ctx.Done():
		client.Disconnect(quiesceMillis)
		return true, nil
	case err := <-lost:
		if err == nil {
			err = errors.New("connection lost")
		}
		return true, err
	}
}

func wait(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handle decodes and publishes one message. Malformed payloads are logged
// and dropped.
func (l *Listener) handle(_ mqtt.Client, m mqtt.Message) {
	msg, err := Decode(m.Topic(), m.Payload())
	if err != nil {
		l.metrics.IngestMessages.WithLabelValues(resultMalformed).Inc()
		l.logger.Warn("dropping bad mqtt message",
			zap.String("topic", m.Topic()),
			zap.Error(err),
		)
		return
	}
	l.metrics.IngestMessages.WithLabelValues(resultOK).Inc()
	l.publisher.Publish(msg)
}
