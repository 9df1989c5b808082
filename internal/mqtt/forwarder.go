package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/nugget/toolrelay/internal/buildinfo"
	"github.com/nugget/toolrelay/internal/config"
	"github.com/nugget/toolrelay/internal/events"
)

// StatsSource provides runtime data for the status document. The
// concrete adapter is wired in main.go to keep this package free of
// the pool.
type StatsSource interface {
	// Uptime returns the process uptime.
	Uptime() time.Duration
	// ActiveServers returns the names of servers with a live connection.
	ActiveServers() []string
	// Unreachable returns the watched services whose last probe failed.
	Unreachable() []string
}

// publisher is the subset of *autopaho.ConnectionManager the forwarder
// needs.
type publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Status is the retained document published on {prefix}/status.
type Status struct {
	Instance      string    `json:"instance"`
	Version       string    `json:"version"`
	UptimeSeconds int64     `json:"uptime_s"`
	CallsToday    int64     `json:"calls_today"`
	FailuresToday int64     `json:"failures_today"`
	Servers       []string  `json:"servers"`
	Unreachable   []string  `json:"unreachable,omitempty"`
	Updated       time.Time `json:"updated"`
}

// eventMessage is the JSON payload of a forwarded event.
type eventMessage struct {
	Instance string `json:"instance"`
	events.Event
}

// Forwarder subscribes to the event bus and republishes events to an
// MQTT broker.
type Forwarder struct {
	cfg        config.MQTTConfig
	instanceID string
	bus        *events.Bus
	stats      StatsSource
	calls      *DailyCalls
	limiter    *rateLimiter
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager
}

// New creates a Forwarder but does not connect. Call [Forwarder.Start]
// to connect and begin forwarding.
func New(cfg config.MQTTConfig, instanceID string, bus *events.Bus, stats StatsSource, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	limit := int64(cfg.MaxEventsPerSecond)
	if limit <= 0 {
		limit = 50
	}
	return &Forwarder{
		cfg:        cfg,
		instanceID: instanceID,
		bus:        bus,
		stats:      stats,
		calls:      NewDailyCalls(nil),
		limiter:    newRateLimiter(limit, time.Second, logger),
		logger:     logger,
	}
}

// Start connects to the broker and forwards events until ctx is
// cancelled. Connection failures are retried in the background by
// autopaho; events published while disconnected are dropped.
func (f *Forwarder) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(f.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	// Subscribe before connecting so early connection events are kept.
	sub := f.bus.Subscribe(256)
	defer sub.Close()

	availTopic := f.availabilityTopic()
	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: f.cfg.Username,
		ConnectPassword: []byte(f.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			f.logger.Info("mqtt connected to broker", "broker", f.cfg.Broker)
			f.publishAvailability(ctx, cm, "online")
			f.publishStatus(ctx, cm)
		},
		OnConnectError: func(err error) {
			f.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID(f.cfg.ClientID, f.instanceID),
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	f.cm = cm

	interval := f.cfg.StatusInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var dropped uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			f.forward(ctx, cm, ev)
		case <-ticker.C:
			if n := sub.Dropped(); n > dropped {
				f.logger.Warn("mqtt forwarder fell behind, events dropped", "dropped", n-dropped)
				dropped = n
			}
			f.publishStatus(ctx, cm)
		}
	}
}

// Stop publishes "offline" to the availability topic and disconnects.
// The context bounds how long to wait.
func (f *Forwarder) Stop(ctx context.Context) error {
	if f.cm == nil {
		return nil
	}
	f.publishAvailability(ctx, f.cm, "offline")
	return f.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires. connwatch uses it as the health probe.
func (f *Forwarder) AwaitConnection(ctx context.Context) error {
	if f.cm == nil {
		return fmt.Errorf("mqtt forwarder not started")
	}
	return f.cm.AwaitConnection(ctx)
}

// --- Topic helpers ---

func (f *Forwarder) baseTopic() string {
	return strings.TrimSuffix(f.cfg.TopicPrefix, "/")
}

func (f *Forwarder) availabilityTopic() string {
	return f.baseTopic() + "/availability"
}

func (f *Forwarder) statusTopic() string {
	return f.baseTopic() + "/status"
}

func (f *Forwarder) eventTopic(ev events.Event) string {
	return f.baseTopic() + "/events/" + topicSegment(ev.Source) + "/" + topicSegment(ev.Kind)
}

// topicSegment makes s safe as a single topic level: MQTT wildcards and
// separators are replaced.
func topicSegment(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(s)
}

// --- Publishing ---

func (f *Forwarder) forward(ctx context.Context, pub publisher, ev events.Event) {
	f.calls.Observe(ev)
	if !f.limiter.allow() {
		return
	}

	payload, err := json.Marshal(eventMessage{Instance: f.instanceID, Event: ev})
	if err != nil {
		f.logger.Error("mqtt marshal event", "source", ev.Source, "kind", ev.Kind, "error", err)
		return
	}

	topic := f.eventTopic(ev)
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     0,
	}); err != nil {
		f.logger.Debug("mqtt event publish failed", "topic", topic, "error", err)
	}
}

func (f *Forwarder) status() Status {
	calls, failures := f.calls.Snapshot()
	s := Status{
		Instance:      f.instanceID,
		Version:       buildinfo.Version,
		CallsToday:    calls,
		FailuresToday: failures,
		Servers:       []string{},
		Updated:       time.Now().UTC(),
	}
	if f.stats != nil {
		s.UptimeSeconds = int64(f.stats.Uptime().Seconds())
		if servers := f.stats.ActiveServers(); servers != nil {
			s.Servers = servers
		}
		s.Unreachable = f.stats.Unreachable()
	}
	return s
}

func (f *Forwarder) publishStatus(ctx context.Context, pub publisher) {
	payload, err := json.Marshal(f.status())
	if err != nil {
		f.logger.Error("mqtt marshal status", "error", err)
		return
	}
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   f.statusTopic(),
		Payload: payload,
		QoS:     1,
		Retain:  true,
	}); err != nil {
		f.logger.Debug("mqtt status publish failed", "error", err)
		return
	}
	f.logger.Debug("mqtt status published")
}

func (f *Forwarder) publishAvailability(ctx context.Context, pub publisher, status string) {
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   f.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		f.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	} else {
		f.logger.Info("mqtt availability published", "status", status)
	}
}
