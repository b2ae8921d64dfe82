// Package gateway sends one message through a carrier and normalizes the
// outcome.
package gateway

import "context"

const (
	TypeSMS = "sms"
	TypeMMS = "mms"
)

type Message struct {
	To       string
	Text     string
	MediaURL string
}

// Type is mms when media is attached, sms otherwise.
func (m Message) Type() string {
	if m.MediaURL != "" {
		return TypeMMS
	}
	return TypeSMS
}

// Result is the uniform outcome of a send. Provider rejections are reported
// here rather than as Go errors; Retryable marks failures worth another
// attempt (network, 5xx, throttling).
type Result struct {
	Success   bool
	MessageID string
	Error     string
	Retryable bool
}

type Sender interface {
	Send(ctx context.Context, msg Message) Result
}
