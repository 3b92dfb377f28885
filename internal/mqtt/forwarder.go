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

	"github.com/synthia-ai/synthia/internal/config"
	"github.com/synthia-ai/synthia/internal/events"
)

// publisher is the slice of the connection manager the forwarder uses.
type publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Forwarder relays bus events to the broker and keeps daily usage
// counters.
type Forwarder struct {
	cfg      config.MQTTConfig
	clientID string
	bus      *events.Bus
	usage    *DailyUsage
	limiter  *rateLimiter
	logger   *slog.Logger

	cm  *autopaho.ConnectionManager
	pub publisher
}

// New creates a Forwarder but does not connect. Call [Forwarder.Run]
// to connect and start forwarding.
func New(cfg config.MQTTConfig, clientID string, bus *events.Bus, usage *DailyUsage, logger *slog.Logger) *Forwarder {
	if usage == nil {
		usage = NewDailyUsage(nil)
	}
	limit := int64(cfg.EventsPerMinute)
	if limit <= 0 {
		limit = 600
	}
	logger = logger.With("component", "mqtt")
	return &Forwarder{
		cfg:      cfg,
		clientID: clientID,
		bus:      bus,
		usage:    usage,
		limiter:  newRateLimiter(limit, time.Minute, logger),
		logger:   logger,
	}
}

// Usage returns the daily counters the forwarder maintains.
func (f *Forwarder) Usage() *DailyUsage { return f.usage }

// Run connects to the broker and forwards events until ctx is
// cancelled.
func (f *Forwarder) Run(ctx context.Context) error {
	brokerURL, err := url.Parse(f.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

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
			f.logger.Info("mqtt connected to broker", "broker", f.cfg.Broker, "client_id", f.clientID)
			f.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			f.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: f.clientID,
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
	f.pub = cm

	sub := f.bus.Subscribe(256)

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		f.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	f.forward(ctx, sub)
	return nil
}

// Stop publishes "offline" and disconnects.
func (f *Forwarder) Stop(ctx context.Context) error {
	if f.cm == nil {
		return nil
	}
	f.publishAvailability(ctx, f.cm, "offline")
	return f.cm.Disconnect(ctx)
}

// --- Topic helpers ---

func (f *Forwarder) baseTopic() string {
	return strings.TrimSuffix(f.cfg.TopicPrefix, "/")
}

func (f *Forwarder) availabilityTopic() string {
	return f.baseTopic() + "/availability"
}

func (f *Forwarder) statsTopic() string {
	return f.baseTopic() + "/stats"
}

func (f *Forwarder) eventTopic(source, kind string) string {
	return f.baseTopic() + "/events/" + topicSegment(source) + "/" + topicSegment(kind)
}

// topicSegment strips MQTT wildcard and separator characters.
func topicSegment(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#':
			return '_'
		}
		return r
	}, s)
}

// --- Forwarding loop ---

func (f *Forwarder) forward(ctx context.Context, sub <-chan events.Event) {
	defer f.bus.Unsubscribe(sub)

	interval := time.Duration(f.cfg.PublishIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	statsTicker := time.NewTicker(interval)
	defer statsTicker.Stop()
	limitTicker := time.NewTicker(f.limiter.interval)
	defer limitTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub:
			if !ok {
				return
			}
			f.observe(e)
			f.publishEvent(ctx, e)
		case <-statsTicker.C:
			f.publishStats(ctx)
		case <-limitTicker.C:
			f.limiter.reset()
		}
	}
}

// observe folds an event into the daily counters.
func (f *Forwarder) observe(e events.Event) {
	switch e.Kind {
	case events.KindLLMResponse:
		f.usage.OnTokens(intValue(e.Data["tokens_in"]), intValue(e.Data["tokens_out"]))
	case events.KindTurnComplete:
		f.usage.OnTurn(true)
	case events.KindTurnFailed:
		f.usage.OnTurn(false)
	}
}

func (f *Forwarder) publishEvent(ctx context.Context, e events.Event) {
	if f.pub == nil || !f.limiter.allow() {
		return
	}
	payload, err := json.Marshal(e)
	if err != nil {
		f.logger.Error("mqtt marshal event", "kind", e.Kind, "error", err)
		return
	}
	topic := f.eventTopic(e.Source, e.Kind)
	if _, err := f.pub.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     0,
	}); err != nil {
		f.logger.Debug("mqtt event publish failed", "topic", topic, "error", err)
	}
}

type statsPayload struct {
	Usage
	BusDropped int64     `json:"bus_dropped"`
	Timestamp  time.Time `json:"ts"`
}

func (f *Forwarder) publishStats(ctx context.Context) {
	if f.pub == nil {
		return
	}
	payload, err := json.Marshal(statsPayload{
		Usage:      f.usage.Snapshot(),
		BusDropped: f.bus.Dropped(),
		Timestamp:  time.Now().UTC(),
	})
	if err != nil {
		f.logger.Error("mqtt marshal stats", "error", err)
		return
	}
	if _, err := f.pub.Publish(ctx, &paho.Publish{
		Topic:   f.statsTopic(),
		Payload: payload,
		QoS:     0,
		Retain:  true,
	}); err != nil {
		f.logger.Debug("mqtt stats publish failed", "error", err)
		return
	}
	f.logger.Debug("mqtt stats published")
}

func (f *Forwarder) publishAvailability(ctx context.Context, pub publisher, status string) {
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   f.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		f.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		f.logger.Info("mqtt availability published", "status", status)
	}
}

func intValue(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
