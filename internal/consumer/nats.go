package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"workload-launcher-go/internal/models"
)

const (
	transportNATS     = "nats"
	natsPendingBuffer = 256
)

// ConnectNATS dials the NATS server with reconnect handling logged through logger.
func ConnectNATS(url, name string, logger *zap.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("Reconnected to NATS", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("Disconnected from NATS", zap.Error(err))
		}),
	)
	if err != nil {
		return nil, &TransportError{Transport: transportNATS, Op: "connect", Err: err}
	}
	return conn, nil
}

// NATSConsumer receives launch requests through a queue group subscription,
// so each request goes to exactly one launcher of the group.
type NATSConsumer struct {
	sub    *nats.Subscription
	msgs   chan *nats.Msg
	closed chan struct{}
	logger *zap.Logger
}

// NewNATSConsumer subscribes to subject as a member of group.
func NewNATSConsumer(conn *nats.Conn, subject, group string, logger *zap.Logger) (*NATSConsumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	msgs := make(chan *nats.Msg, natsPendingBuffer)
	sub, err := conn.ChanQueueSubscribe(subject, group, msgs)
	if err != nil {
		return nil, &TransportError{Transport: transportNATS, Op: "subscribe", Err: err}
	}
	return &NATSConsumer{
		sub:    sub,
		msgs:   msgs,
		closed: make(chan struct{}),
		logger: logger.With(zap.String("subject", subject), zap.String("group", group)),
	}, nil
}

// Read blocks until a well-formed request arrives. Malformed messages are dropped.
func (c *NATSConsumer) Read(ctx context.Context) (*Delivery, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.closed:
			return nil, ErrClosed
		case msg := <-c.msgs:
			req, err := decode(msg.Data)
			if err != nil {
				c.logger.Warn("Dropping malformed launch request", zap.Error(err))
				continue
			}
			// Core NATS has no redelivery: settlement is a no-op.
			return NewDelivery(req, nil, nil), nil
		}
	}
}

// Close unsubscribes. The connection is owned by the caller.
func (c *NATSConsumer) Close() error {
	select {
	case <-c.closed:
		return nil
	default:
		close(c.closed)
	}
	if err := c.sub.Unsubscribe(); err != nil {
		return &TransportError{Transport: transportNATS, Op: "unsubscribe", Err: err}
	}
	return nil
}

// NATSPublisher publishes launch requests on a subject.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
}

// NewNATSPublisher creates a publisher for subject.
func NewNATSPublisher(conn *nats.Conn, subject string) *NATSPublisher {
	return &NATSPublisher{conn: conn, subject: subject}
}

// Publish sends a launch request.
func (p *NATSPublisher) Publish(_ context.Context, req models.LaunchRequest) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode launch request: %w", err)
	}
	if err := p.conn.Publish(p.subject, raw); err != nil {
		return &TransportError{Transport: transportNATS, Op: "publish", Err: err}
	}
	return nil
}
