package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"github.com/signals-back/pkg/config"
	"github.com/signals-back/pkg/models"
)

// Subjects published by the signal pipeline
const (
	SubjectSignalCreated  = "signals.created"
	SubjectSignalResolved = "signals.resolved"
	SubjectAlertTriggered = "alerts.triggered"
	SubjectHealth         = "system.health"
)

// NATSClient handles NATS messaging operations
type NATSClient struct {
	conn    *nats.Conn
	js      nats.JetStreamContext
	encoder *nats.EncodedConn
	logger  *logrus.Entry
	cfg     *config.NATSConfig

	// Subscriptions
	subs   map[string]*nats.Subscription
	subsMu sync.RWMutex
}

// NewNATSClient creates a new NATS client
func NewNATSClient(cfg *config.NATSConfig, logger *logrus.Logger) (*NATSClient, error) {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnect),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.WithError(err).Warn("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	// Create JetStream context
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	// Create encoded connection for JSON
	encoder, err := nats.NewEncodedConn(conn, nats.JSON_ENCODER)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create encoded connection: %w", err)
	}

	nc := &NATSClient{
		conn:    conn,
		js:      js,
		encoder: encoder,
		logger:  logger.WithField("component", "nats"),
		cfg:     cfg,
		subs:    make(map[string]*nats.Subscription),
	}

	// Initialize streams
	if err := nc.initializeStreams(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to initialize streams: %w", err)
	}

	return nc, nil
}

// Close closes the NATS connection
func (nc *NATSClient) Close() error {
	nc.subsMu.Lock()
	for _, sub := range nc.subs {
		sub.Unsubscribe()
	}
	nc.subs = make(map[string]*nats.Subscription)
	nc.subsMu.Unlock()

	nc.encoder.Close()
	nc.conn.Close()
	return nil
}

// IsConnected checks if NATS is connected
func (nc *NATSClient) IsConnected() bool {
	return nc.conn.IsConnected()
}

// initializeStreams creates JetStream streams
func (nc *NATSClient) initializeStreams() error {
	// Signal lifecycle events survive restarts: downstream consumers
	// (mirror site, bots) replay missed creations and resolutions.
	_, err := nc.js.AddStream(&nats.StreamConfig{
		Name:     "SIGNALS",
		Subjects: []string{"signals.>"},
		Storage:  nats.FileStorage,
		MaxAge:   30 * 24 * time.Hour,
		MaxMsgs:  100000,
		Replicas: 1,
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		return fmt.Errorf("failed to create SIGNALS stream: %w", err)
	}

	// Alert triggers are only interesting while fresh
	_, err = nc.js.AddStream(&nats.StreamConfig{
		Name:     "ALERTS",
		Subjects: []string{"alerts.>"},
		Storage:  nats.MemoryStorage,
		MaxAge:   24 * time.Hour,
		MaxMsgs:  10000,
		Replicas: 1,
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		return fmt.Errorf("failed to create ALERTS stream: %w", err)
	}

	// System stream for health and monitoring
	_, err = nc.js.AddStream(&nats.StreamConfig{
		Name:     "SYSTEM",
		Subjects: []string{"system.>"},
		Storage:  nats.MemoryStorage,
		MaxAge:   1 * time.Hour,
		MaxMsgs:  10000,
		Replicas: 1,
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		return fmt.Errorf("failed to create SYSTEM stream: %w", err)
	}

	return nil
}

// Signal operations

// publishAcked publishes and waits briefly for the JetStream ack
func (nc *NATSClient) publishAcked(subject string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	future, err := nc.js.PublishAsync(subject, data)
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	select {
	case <-future.Ok():
		return nil
	case err := <-future.Err():
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	case <-time.After(2 * time.Second):
		return fmt.Errorf("publish timeout for subject %s", subject)
	}
}

// PublishSignalCreated announces a freshly stored signal
func (nc *NATSClient) PublishSignalCreated(ctx context.Context, signal *models.Signal) error {
	return nc.publishAcked(SubjectSignalCreated, signal)
}

// PublishSignalResolved announces a terminal evaluation outcome
func (nc *NATSClient) PublishSignalResolved(ctx context.Context, signal *models.Signal) error {
	return nc.publishAcked(SubjectSignalResolved, signal)
}

// PublishAlertTriggered announces a fired price alert
func (nc *NATSClient) PublishAlertTriggered(ctx context.Context, alert *models.PriceAlert, price float64) error {
	return nc.publishAcked(SubjectAlertTriggered, map[string]interface{}{
		"alert":     alert,
		"price":     price,
		"timestamp": time.Now().UTC(),
	})
}

// SubscribeSignals subscribes to signal lifecycle events
func (nc *NATSClient) SubscribeSignals(handler func(subject string, signal *models.Signal)) error {
	subject := "signals.>"

	sub, err := nc.conn.Subscribe(subject, func(msg *nats.Msg) {
		var signal models.Signal
		if err := json.Unmarshal(msg.Data, &signal); err != nil {
			nc.logger.WithError(err).WithField("subject", msg.Subject).Error("Failed to unmarshal signal event")
			return
		}
		handler(msg.Subject, &signal)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to signals: %w", err)
	}

	nc.subsMu.Lock()
	nc.subs[subject] = sub
	nc.subsMu.Unlock()

	return nil
}

// System operations

// PublishHealthStatus publishes a component health snapshot
func (nc *NATSClient) PublishHealthStatus(status map[string]string) error {
	return nc.publishAcked(SubjectHealth, map[string]interface{}{
		"components": status,
		"timestamp":  time.Now().UTC(),
	})
}

// PublishJSON publishes arbitrary JSON data to a subject
func (nc *NATSClient) PublishJSON(subject string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	_, err = nc.js.Publish(subject, jsonData)
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	return nil
}

// SubscribeRaw subscribes to a raw NATS subject with a simple byte handler
func (nc *NATSClient) SubscribeRaw(subject string, handler func([]byte)) error {
	sub, err := nc.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", subject, err)
	}

	nc.subsMu.Lock()
	nc.subs[subject] = sub
	nc.subsMu.Unlock()

	return nil
}

// SubscribeQueue subscribes with queue group for load balancing
func (nc *NATSClient) SubscribeQueue(subject, queue string, handler func([]byte)) error {
	sub, err := nc.conn.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to queue: %w", err)
	}

	nc.subsMu.Lock()
	nc.subs[subject+":"+queue] = sub
	nc.subsMu.Unlock()

	return nil
}

// Unsubscribe unsubscribes from a subject
func (nc *NATSClient) Unsubscribe(subject string) error {
	nc.subsMu.Lock()
	defer nc.subsMu.Unlock()

	if sub, exists := nc.subs[subject]; exists {
		if err := sub.Unsubscribe(); err != nil {
			return fmt.Errorf("failed to unsubscribe: %w", err)
		}
		delete(nc.subs, subject)
	}

	return nil
}

// Drain drains the connection (graceful shutdown)
func (nc *NATSClient) Drain() error {
	return nc.conn.Drain()
}

// GetStats returns NATS connection statistics
func (nc *NATSClient) GetStats() nats.Statistics {
	return nc.conn.Stats()
}
