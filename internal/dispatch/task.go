package dispatch

import (
	"errors"
	"fmt"
	"time"
)

// Task is one message to one recipient of one campaign.
type Task struct {
	ID         string `json:"id"`
	CampaignID int64  `json:"campaign_id"`
	ContactID  int64  `json:"contact_id"`
	Phone      string `json:"phone"`
	Message    string `json:"message"`
	MediaURL   string `json:"media_url,omitempty"`
	Timezone   string `json:"timezone,omitempty"`
}

// Message is a task in flight together with its delivery bookkeeping.
// Attempt counts failed handler runs so far.
type Message struct {
	Task      Task
	Attempt   int
	Deferrals int
	Dead      bool
	LastError string
}

type State string

const (
	StateQueued    State = "queued"
	StateActive    State = "active"
	StateRetrying  State = "retrying"
	StateCompleted State = "completed"
	StateDead      State = "dead"
)

// DeferError asks the queue to run the task again later without counting
// the run as a failed attempt.
type DeferError struct {
	Delay  time.Duration
	Reason string
}

func (e *DeferError) Error() string {
	return fmt.Sprintf("deferred for %s: %s", e.Delay, e.Reason)
}

func Defer(delay time.Duration, reason string) error {
	return &DeferError{Delay: delay, Reason: reason}
}

// IsDefer extracts a deferral request from err.
func IsDefer(err error) (*DeferError, bool) {
	var de *DeferError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// Backoff is the delay before retry number attempt: base, 2*base, 4*base...
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	if attempt > 20 {
		attempt = 20
	}
	return base << (attempt - 1)
}
