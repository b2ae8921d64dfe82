package dispatch

import (
	"context"
	"errors"
	"time"
)

var ErrBrokerClosed = errors.New("broker closed")

// Delivery is a message handed to the consumer. Exactly one of Ack or Nack
// must be called.
type Delivery struct {
	Message Message
	Ack     func() error
	Nack    func(requeue bool) error
}

// Broker moves messages between the relay and the consumer pool.
type Broker interface {
	Publish(ctx context.Context, msgs []Message) error
	PublishDelayed(ctx context.Context, msg Message, delay time.Duration) error
	DeadLetter(ctx context.Context, msg Message) error
	Consume(ctx context.Context) (<-chan Delivery, error)
	Depth(ctx context.Context) (int, error)
	Close() error
}
