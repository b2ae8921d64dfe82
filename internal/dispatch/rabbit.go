package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Mutter0815/MassTexter/pkg/logx"
	"github.com/Mutter0815/MassTexter/pkg/rmq"
)

const (
	headerAttempt   = "x-attempt"
	headerDeferrals = "x-deferrals"
	headerDead      = "x-dead"
	headerLastError = "x-last-error"
)

// RabbitBroker carries the task as the JSON body and the delivery
// bookkeeping in headers.
type RabbitBroker struct {
	url      string
	prefetch int
	pub      *rmq.Publisher

	mu   sync.Mutex
	cons *rmq.Consumer
}

func NewRabbitBroker(url, queue string, prefetch int) (*RabbitBroker, error) {
	pub, err := rmq.NewPublisher(url, queue)
	if err != nil {
		return nil, err
	}
	return &RabbitBroker{url: url, prefetch: prefetch, pub: pub}, nil
}

func encodeHeaders(m Message) amqp.Table {
	h := amqp.Table{
		headerAttempt:   int32(m.Attempt),
		headerDeferrals: int32(m.Deferrals),
	}
	if m.Dead {
		h[headerDead] = int32(1)
	}
	if m.LastError != "" {
		h[headerLastError] = m.LastError
	}
	return h
}

func decodeMessage(body []byte, h amqp.Table) (Message, error) {
	var t Task
	if err := json.Unmarshal(body, &t); err != nil {
		return Message{}, err
	}
	m := Message{
		Task:      t,
		Attempt:   rmq.HeaderInt(h, headerAttempt),
		Deferrals: rmq.HeaderInt(h, headerDeferrals),
		Dead:      rmq.HeaderInt(h, headerDead) == 1,
	}
	if s, ok := h[headerLastError].(string); ok {
		m.LastError = s
	}
	return m, nil
}

func (b *RabbitBroker) Publish(ctx context.Context, msgs []Message) error {
	for _, m := range msgs {
		body, err := json.Marshal(m.Task)
		if err != nil {
			return err
		}
		if err := b.pub.PublishJSONWithHeaders(ctx, body, encodeHeaders(m)); err != nil {
			return err
		}
	}
	return nil
}

func (b *RabbitBroker) PublishDelayed(ctx context.Context, m Message, delay time.Duration) error {
	body, err := json.Marshal(m.Task)
	if err != nil {
		return err
	}
	return b.pub.PublishDelayed(ctx, body, encodeHeaders(m), delay)
}

func (b *RabbitBroker) DeadLetter(ctx context.Context, m Message) error {
	body, err := json.Marshal(m.Task)
	if err != nil {
		return err
	}
	return b.pub.PublishDead(ctx, body, encodeHeaders(m))
}

func (b *RabbitBroker) Consume(ctx context.Context) (<-chan Delivery, error) {
	b.mu.Lock()
	if b.cons == nil {
		cons, err := rmq.NewConsumer(b.url, b.pub.Queue(), b.prefetch)
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		b.cons = cons
	}
	cons := b.cons
	b.mu.Unlock()

	in, err := cons.Consume()
	if err != nil {
		return nil, err
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-in:
				if !ok {
					return
				}
				m, err := decodeMessage(d.Body, d.Headers)
				if err != nil {
					logx.L().Warnw("task_unmarshal_error", "error", err)
					_ = d.Ack(false)
					continue
				}
				raw := d
				delivery := Delivery{
					Message: m,
					Ack:     func() error { return raw.Ack(false) },
					Nack:    func(requeue bool) error { return raw.Nack(false, requeue) },
				}
				select {
				case out <- delivery:
				case <-ctx.Done():
					_ = raw.Nack(false, true)
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *RabbitBroker) Depth(ctx context.Context) (int, error) {
	return b.pub.Depth()
}

func (b *RabbitBroker) Close() error {
	b.mu.Lock()
	if b.cons != nil {
		_ = b.cons.Close()
		b.cons = nil
	}
	b.mu.Unlock()
	return b.pub.Close()
}
