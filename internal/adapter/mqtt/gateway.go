package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/lightning-detector/internal/config"
	"github.com/couchcryptid/lightning-detector/internal/domain"
)

const (
	gatewayName = "mqtt"

	statusOnline  = "Online"
	statusOffline = "Offline"

	// HeartbeatInterval is how often Online is re-announced on the status topic.
	HeartbeatInterval = 60 * time.Second
)

// Gateway publishes detector reports to an MQTT broker.
// It implements pipeline.Gateway.
//
// The connection is established lazily and re-established on the next
// publish after any transport failure.
type Gateway struct {
	addr      string
	useTLS    bool
	clientID  string
	username  string
	password  string
	keepAlive time.Duration
	topic     string

	sensorName      string
	discoveryPrefix string

	clock  clockwork.Clock
	logger *slog.Logger

	mu     sync.Mutex
	client *paho.Client
}

// NewGateway creates a Gateway for the configured broker. Nothing is dialed
// until Connect or the first publish.
func NewGateway(cfg *config.Config, clock clockwork.Clock, logger *slog.Logger) *Gateway {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Gateway{
		addr:            cfg.MQTTBrokerAddr(),
		useTLS:          cfg.MQTTTLS,
		clientID:        cfg.MQTTClientID,
		username:        cfg.MQTTUsername,
		password:        cfg.MQTTPassword,
		keepAlive:       cfg.MQTTKeepAlive,
		topic:           cfg.SensorTopic(),
		sensorName:      cfg.MQTTSensorName,
		discoveryPrefix: cfg.MQTTDiscoveryPrefix,
		clock:           clock,
		logger:          logger,
	}
}

func (g *Gateway) Name() string { return gatewayName }

// StatusTopic is the availability topic carrying Online/Offline.
func (g *Gateway) StatusTopic() string { return g.topic + "/status" }

// Connect dials the broker, registers the Offline will and announces Online.
func (g *Gateway) Connect(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connectLocked(ctx)
}

// PublishSnapshot publishes s to the crings or prings topic.
func (g *Gateway) PublishSnapshot(ctx context.Context, s domain.RingSnapshot) error {
	payload, err := domain.MarshalSnapshot(s)
	if err != nil {
		return err
	}
	return g.publish(ctx, g.topic+"/"+s.Kind.Key(), payload, false)
}

// PublishDetection publishes d to the detect topic.
func (g *Gateway) PublishDetection(ctx context.Context, d domain.Detection) error {
	payload, err := domain.MarshalDetection(d)
	if err != nil {
		return err
	}
	return g.publish(ctx, g.topic+"/detect", payload, false)
}

// PublishSettings publishes the accumulator settings to the settings topic.
func (g *Gateway) PublishSettings(ctx context.Context, s domain.Settings) error {
	payload, err := domain.MarshalSettings(s)
	if err != nil {
		return err
	}
	return g.publish(ctx, g.topic+"/settings", payload, false)
}

// RunHeartbeat re-announces Online every HeartbeatInterval until ctx is done.
// Failures are logged; the next tick tries again.
func (g *Gateway) RunHeartbeat(ctx context.Context) error {
	ticker := g.clock.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			if err := g.publish(ctx, g.StatusTopic(), []byte(statusOnline), false); err != nil {
				g.logger.Warn("mqtt heartbeat failed", "error", err)
				continue
			}
			g.logger.Debug("mqtt heartbeat sent")
		}
	}
}

// Close announces Offline and disconnects. The will is discarded by a clean
// disconnect, so Offline is published explicitly first.
func (g *Gateway) Close(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client == nil {
		return nil
	}
	_, err := g.client.Publish(ctx, &paho.Publish{
		QoS:     1,
		Retain:  true,
		Topic:   g.StatusTopic(),
		Payload: []byte(statusOffline),
	})
	if err != nil {
		g.logger.Warn("mqtt offline announcement failed", "error", err)
	}
	g.disconnectLocked()
	g.logger.Info("mqtt disconnected", "broker", g.addr)
	return nil
}

func (g *Gateway) publish(ctx context.Context, topic string, payload []byte, retain bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.connectLocked(ctx); err != nil {
		return &domain.PublishError{Gateway: gatewayName, Topic: topic, Err: err}
	}
	_, err := g.client.Publish(ctx, &paho.Publish{
		QoS:     1,
		Retain:  retain,
		Topic:   topic,
		Payload: payload,
	})
	if err != nil {
		g.disconnectLocked()
		return &domain.PublishError{Gateway: gatewayName, Topic: topic, Err: err}
	}
	return nil
}

func (g *Gateway) connectLocked(ctx context.Context) error {
	if g.client != nil {
		return nil
	}

	conn, err := g.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial mqtt broker %s: %w", g.addr, err)
	}

	// Callbacks may fire while mu is held by the publishing goroutine.
	var client *paho.Client
	client = paho.NewClient(paho.ClientConfig{
		ClientID: g.clientID,
		Conn:     conn,
		OnClientError: func(err error) {
			g.logger.Warn("mqtt client error", "error", err)
			go g.forget(client)
		},
		OnServerDisconnect: func(d *paho.Disconnect) {
			g.logger.Warn("mqtt server disconnected", "reason_code", d.ReasonCode)
			go g.forget(client)
		},
	})

	cp := &paho.Connect{
		ClientID:   g.clientID,
		CleanStart: true,
		KeepAlive:  uint16(g.keepAlive / time.Second),
		WillMessage: &paho.WillMessage{
			Retain:  true,
			QoS:     1,
			Topic:   g.StatusTopic(),
			Payload: []byte(statusOffline),
		},
	}
	if g.username != "" {
		cp.Username = g.username
		cp.UsernameFlag = true
		cp.Password = []byte(g.password)
		cp.PasswordFlag = true
	}

	if _, err := client.Connect(ctx, cp); err != nil {
		conn.Close() //nolint:errcheck // connect already failed
		return fmt.Errorf("connect mqtt broker %s: %w", g.addr, err)
	}
	g.client = client
	g.logger.Info("mqtt connected", "broker", g.addr, "client_id", g.clientID)

	if _, err := client.Publish(ctx, &paho.Publish{
		QoS:     1,
		Topic:   g.StatusTopic(),
		Payload: []byte(statusOnline),
	}); err != nil {
		g.disconnectLocked()
		return fmt.Errorf("announce online: %w", err)
	}
	return nil
}

func (g *Gateway) dial(ctx context.Context) (net.Conn, error) {
	if g.useTLS {
		d := &tls.Dialer{Config: &tls.Config{MinVersion: tls.VersionTLS12}}
		return d.DialContext(ctx, "tcp", g.addr)
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", g.addr)
}

func (g *Gateway) disconnectLocked() {
	if g.client == nil {
		return
	}
	g.client.Disconnect(&paho.Disconnect{ReasonCode: 0}) //nolint:errcheck // best-effort on teardown
	g.client = nil
}

// forget drops c if it is still the active client so the next publish
// reconnects.
func (g *Gateway) forget(c *paho.Client) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client == c {
		g.client = nil
	}
}
