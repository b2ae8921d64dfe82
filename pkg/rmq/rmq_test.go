package rmq

import (
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

func TestDelayBucket(t *testing.T) {
	cases := []struct {
		in   time.Duration
		want time.Duration
	}{
		{0, time.Second},
		{time.Second, time.Second},
		{2 * time.Second, 2 * time.Second},
		{3 * time.Second, 4 * time.Second},
		{4 * time.Second, 4 * time.Second},
		{15 * time.Minute, 1024 * time.Second},
		{10 * time.Hour, MaxDelay},
	}
	for _, c := range cases {
		if got := DelayBucket(c.in); got != c.want {
			t.Errorf("DelayBucket(%s) = %s, want %s", c.in, got, c.want)
		}
	}
}

func TestQueueNames(t *testing.T) {
	if got := DeadQueueName("sms_tasks"); got != "sms_tasks.dead" {
		t.Fatalf("got %q", got)
	}
	if got := DelayQueueName("sms_tasks", 3*time.Second); got != "sms_tasks.delay.4000" {
		t.Fatalf("got %q", got)
	}
}

func TestHeaderInt(t *testing.T) {
	h := amqp.Table{"a": int32(2), "b": int64(3), "c": uint8(4), "d": "x"}
	if HeaderInt(h, "a") != 2 || HeaderInt(h, "b") != 3 || HeaderInt(h, "c") != 4 {
		t.Fatalf("unexpected header decode: %v", h)
	}
	if HeaderInt(h, "d") != 0 || HeaderInt(nil, "a") != 0 {
		t.Fatal("non-int headers must read as zero")
	}
}
