package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/nugget/omada-bridge/internal/config"
)

// Inbound command budget. Commands are rare; a flood means a
// misbehaving publisher.
const (
	commandRateLimit    = 20
	commandRateInterval = 10 * time.Second
)

// connectTimeout bounds the wait for the first broker connection.
const connectTimeout = 30 * time.Second

var errNotConnected = errors.New("mqtt connection not started")

// Conn owns the broker connection for a [Bridge]: it sets the will
// message, subscribes to command topics and hands the bridge a
// publisher on every (re-)connect.
type Conn struct {
	cfg        config.MQTTConfig
	instanceID string
	bridge     *Bridge
	logger     *slog.Logger
	limiter    *messageRateLimiter
	cm         atomic.Pointer[autopaho.ConnectionManager]
}

// NewConn creates a connection but does not connect. Call [Conn.Start].
func NewConn(cfg config.MQTTConfig, instanceID string, bridge *Bridge, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mqtt")
	return &Conn{
		cfg:        cfg,
		instanceID: instanceID,
		bridge:     bridge,
		logger:     logger,
		limiter:    newMessageRateLimiter(commandRateLimit, commandRateInterval, logger),
	}
}

// Start connects to the broker and blocks until ctx is cancelled.
// Connection failures are retried by autopaho in the background.
func (c *Conn) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(c.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: c.cfg.Username,
		ConnectPassword: []byte(c.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   c.bridge.AvailabilityTopic(),
			Payload: []byte(StatusOffline),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			c.logger.Info("mqtt connected to broker", "broker", c.cfg.Broker)
			if _, err := cm.Subscribe(ctx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{{Topic: c.bridge.CommandFilter(), QoS: 1}},
			}); err != nil {
				c.logger.Warn("mqtt command subscribe failed", "filter", c.bridge.CommandFilter(), "error", err)
			}
			c.bridge.OnConnect(ctx, managerPublisher{cm})
		},
		OnConnectError: func(err error) {
			c.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID(c.cfg.DeviceName, c.instanceID),
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				commandRouter(ctx, c.limiter, c.bridge.HandleCommand, c.logger),
			},
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	c.cm.Store(cm)

	connCtx, connCancel := context.WithTimeout(ctx, connectTimeout)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		c.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	c.limiter.start(ctx)
	return nil
}

// Stop publishes "offline" and disconnects.
func (c *Conn) Stop(ctx context.Context) error {
	cm := c.cm.Load()
	if cm == nil {
		return nil
	}
	if err := c.Publish(ctx, c.bridge.AvailabilityTopic(), []byte(StatusOffline), true); err != nil {
		c.logger.Warn("mqtt availability publish failed", "status", StatusOffline, "error", err)
	}
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires. It serves as the connwatch probe for the broker.
func (c *Conn) AwaitConnection(ctx context.Context) error {
	cm := c.cm.Load()
	if cm == nil {
		return errNotConnected
	}
	return cm.AwaitConnection(ctx)
}

// Publish sends one message at QoS 1.
func (c *Conn) Publish(ctx context.Context, topic string, payload []byte, retain bool) error {
	cm := c.cm.Load()
	if cm == nil {
		return errNotConnected
	}
	return managerPublisher{cm}.Publish(ctx, topic, payload, retain)
}

type managerPublisher struct {
	cm *autopaho.ConnectionManager
}

func (p managerPublisher) Publish(ctx context.Context, topic string, payload []byte, retain bool) error {
	_, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
		Retain:  retain,
	})
	return err
}

// clientID is stable per installation and distinct per device name.
func clientID(deviceName, instanceID string) string {
	id := instanceID
	if len(id) > 8 {
		id = id[len(id)-8:]
	}
	return "omada-bridge-" + deviceName + "-" + id
}
