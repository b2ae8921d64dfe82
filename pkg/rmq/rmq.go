package rmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// MaxDelay caps the retry/deferral delay queues.
const MaxDelay = 4096 * time.Second

var ErrNacked = errors.New("broker nacked publish")

// DeadQueueName is where exhausted messages are parked for inspection.
func DeadQueueName(queue string) string { return queue + ".dead" }

// DelayQueueName names the TTL queue holding messages for delay.
func DelayQueueName(queue string, delay time.Duration) string {
	return fmt.Sprintf("%s.delay.%d", queue, DelayBucket(delay).Milliseconds())
}

// DelayBucket rounds delay up to a power-of-two number of seconds so the
// number of TTL queues stays small. Each TTL queue only ever holds messages
// with the same expiry, which keeps expiry order FIFO.
func DelayBucket(delay time.Duration) time.Duration {
	b := time.Second
	for b < delay && b < MaxDelay {
		b *= 2
	}
	return b
}

func declareDurable(ch *amqp.Channel, name string, args amqp.Table) error {
	_, err := ch.QueueDeclare(name, true, false, false, false, args)
	return err
}

type Publisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string

	mu       sync.Mutex
	declared map[string]bool
}

func NewPublisher(url, queue string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	for _, name := range []string{queue, DeadQueueName(queue)} {
		if err := declareDurable(ch, name, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, err
		}
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	return &Publisher{
		conn:     conn,
		ch:       ch,
		queue:    queue,
		declared: map[string]bool{},
	}, nil
}

func (p *Publisher) Close() error {
	_ = p.ch.Close()
	return p.conn.Close()
}

func (p *Publisher) Queue() string { return p.queue }

func (p *Publisher) PublishJSONWithHeaders(ctx context.Context, body []byte, headers amqp.Table) error {
	return p.publish(ctx, p.queue, body, headers)
}

// PublishDelayed parks the message in a TTL queue that dead-letters back
// into the main queue once the delay elapses.
func (p *Publisher) PublishDelayed(ctx context.Context, body []byte, headers amqp.Table, delay time.Duration) error {
	if delay <= 0 {
		return p.publish(ctx, p.queue, body, headers)
	}
	bucket := DelayBucket(delay)
	name := DelayQueueName(p.queue, bucket)

	p.mu.Lock()
	if !p.declared[name] {
		args := amqp.Table{
			"x-message-ttl":             bucket.Milliseconds(),
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": p.queue,
		}
		if err := declareDurable(p.ch, name, args); err != nil {
			p.mu.Unlock()
			return err
		}
		p.declared[name] = true
	}
	p.mu.Unlock()

	return p.publish(ctx, name, body, headers)
}

func (p *Publisher) PublishDead(ctx context.Context, body []byte, headers amqp.Table) error {
	return p.publish(ctx, DeadQueueName(p.queue), body, headers)
}

// Depth reports the number of ready messages in the main queue.
func (p *Publisher) Depth() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q, err := p.ch.QueueDeclarePassive(p.queue, true, false, false, false, nil)
	if err != nil {
		return 0, err
	}
	return q.Messages, nil
}

func (p *Publisher) publish(ctx context.Context, key string, body []byte, headers amqp.Table) error {
	conf, err := p.ch.PublishWithDeferredConfirmWithContext(ctx,
		"", key, false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Headers:      headers,
			Body:         body,
		})
	if err != nil {
		return err
	}
	if conf == nil {
		return nil
	}
	ok, err := conf.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNacked
	}
	return nil
}

type Consumer struct {
	conn  *amqp.Connection
	Ch    *amqp.Channel
	Queue string
}

// NewConsumer opens a channel whose prefetch matches the worker pool size so
// the broker never hands out more unacked messages than can be processed.
func NewConsumer(url, queue string, prefetch int) (*Consumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := declareDurable(ch, queue, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	if prefetch <= 0 {
		prefetch = 10
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	return &Consumer{conn: conn, Ch: ch, Queue: queue}, nil
}

func (c *Consumer) Consume() (<-chan amqp.Delivery, error) {
	return c.Ch.Consume(c.Queue, "", false, false, false, false, nil)
}

func (c *Consumer) Close() error {
	_ = c.Ch.Close()
	return c.conn.Close()
}

// HeaderInt reads an integer header regardless of the wire type the broker
// decoded it into.
func HeaderInt(h amqp.Table, key string) int {
	if h == nil {
		return 0
	}
	switch t := h[key].(type) {
	case int32:
		return int(t)
	case int64:
		return int(t)
	case int:
		return t
	case int16:
		return int(t)
	case uint8:
		return int(t)
	}
	return 0
}
