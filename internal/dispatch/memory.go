package dispatch

import (
	"context"
	"sync"
	"time"
)

// MemoryBroker is a process-local broker. Nothing survives a restart; it
// backs tests and single-process development runs.
type MemoryBroker struct {
	mu      sync.Mutex
	pending []Message
	dead    []Message
	delayed int
	closed  bool

	notify chan struct{}
	done   chan struct{}
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (b *MemoryBroker) push(m Message, front bool) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	if front {
		b.pending = append([]Message{m}, b.pending...)
	} else {
		b.pending = append(b.pending, m)
	}
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return true
}

func (b *MemoryBroker) pop() (Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return Message{}, false
	}
	m := b.pending[0]
	b.pending = b.pending[1:]
	return m, true
}

func (b *MemoryBroker) Publish(ctx context.Context, msgs []Message) error {
	for _, m := range msgs {
		if !b.push(m, false) {
			return ErrBrokerClosed
		}
	}
	return nil
}

func (b *MemoryBroker) PublishDelayed(ctx context.Context, msg Message, delay time.Duration) error {
	if delay <= 0 {
		return b.Publish(ctx, []Message{msg})
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBrokerClosed
	}
	b.delayed++
	b.mu.Unlock()

	time.AfterFunc(delay, func() {
		b.mu.Lock()
		b.delayed--
		b.mu.Unlock()
		b.push(msg, false)
	})
	return nil
}

func (b *MemoryBroker) DeadLetter(ctx context.Context, msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	b.dead = append(b.dead, msg)
	return nil
}

// Dead returns a copy of the dead-lettered messages.
func (b *MemoryBroker) Dead() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.dead...)
}

// Depth counts ready and delayed messages.
func (b *MemoryBroker) Depth(ctx context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending) + b.delayed, nil
}

// Consume supports a single consumer. The returned channel closes when ctx
// is cancelled or the broker is closed.
func (b *MemoryBroker) Consume(ctx context.Context) (<-chan Delivery, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, ErrBrokerClosed
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			m, ok := b.pop()
			if !ok {
				select {
				case <-b.notify:
					continue
				case <-ctx.Done():
					return
				case <-b.done:
					return
				}
			}

			msg := m
			d := Delivery{
				Message: msg,
				Ack:     func() error { return nil },
				Nack: func(requeue bool) error {
					if requeue {
						b.push(msg, false)
					}
					return nil
				},
			}
			select {
			case out <- d:
			case <-ctx.Done():
				b.push(msg, true)
				return
			case <-b.done:
				return
			}
		}
	}()
	return out, nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	return nil
}
