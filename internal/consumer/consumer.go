// Package consumer delivers launch requests from the inbound transport.
// Delivery is at-least-once on the Redis queue and at-most-once on NATS, so
// the launcher tolerates duplicate workload/mutex pairs either way.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"workload-launcher-go/internal/models"
)

var ErrClosed = errors.New("consumer closed")

// Consumer blocks until the next launch request is available.
type Consumer interface {
	// Read returns the next delivery. It returns ctx.Err() when ctx is done,
	// ErrClosed after Close, and a *TransportError when the transport fails.
	Read(ctx context.Context) (*Delivery, error)
	Close() error
}

// Publisher enqueues launch requests onto the transport.
type Publisher interface {
	Publish(ctx context.Context, req models.LaunchRequest) error
}

// Delivery is one received launch request. Exactly one of Ack or Nack should
// be called once processing is finished.
type Delivery struct {
	Request models.LaunchRequest

	ack  func(ctx context.Context) error
	nack func(ctx context.Context) error
}

// NewDelivery builds a delivery with the given settlement callbacks; nil
// callbacks are no-ops.
func NewDelivery(req models.LaunchRequest, ack, nack func(ctx context.Context) error) *Delivery {
	return &Delivery{Request: req, ack: ack, nack: nack}
}

// Ack confirms the request was processed to a terminal state.
func (d *Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// Nack hands the request back to the transport for redelivery.
func (d *Delivery) Nack(ctx context.Context) error {
	if d.nack == nil {
		return nil
	}
	return d.nack(ctx)
}

// TransportError reports a failure reading from or settling on the transport.
type TransportError struct {
	Transport string
	Op        string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s transport %s failed: %v", e.Transport, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransportError reports whether err is, or wraps, a TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

func decode(raw []byte) (models.LaunchRequest, error) {
	var req models.LaunchRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return models.LaunchRequest{}, fmt.Errorf("malformed launch request: %w", err)
	}
	return req, nil
}
