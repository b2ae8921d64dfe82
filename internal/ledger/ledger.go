// Package ledger defines the per-recipient, per-campaign delivery record.
package ledger

import (
	"time"

	"github.com/Mutter0815/MassTexter/internal/campaign"
)

type Status string

const (
	StatusQueued      Status = "queued"
	StatusSent        Status = "sent"
	StatusDelivered   Status = "delivered"
	StatusFailed      Status = "failed"
	StatusUndelivered Status = "undelivered"
	StatusSkipped     Status = "skipped"
)

// Statuses lists every ledger status in display order.
var Statuses = []Status{
	StatusQueued, StatusSent, StatusDelivered, StatusFailed, StatusUndelivered, StatusSkipped,
}

// Processed reports whether a worker already resolved the row. Anything
// past queued must not be sent again.
func (s Status) Processed() bool {
	return s != StatusQueued
}

// Counter is the campaign counter a worker increments when it resolves a row
// to s. Only sent, failed and skipped count toward completion.
func (s Status) Counter() (campaign.Counter, bool) {
	switch s {
	case StatusSent:
		return campaign.CounterSent, true
	case StatusFailed:
		return campaign.CounterFailed, true
	case StatusSkipped:
		return campaign.CounterSkipped, true
	}
	return "", false
}

type Entry struct {
	ID            int64
	CampaignID    int64
	ContactID     int64
	Phone         string
	Message       string
	MediaURL      string
	MessageType   string
	Status        Status
	ProviderMsgID string
	Error         string
	Attempts      int
	SentAt        *time.Time
	DeliveredAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Outcome is what a worker writes when resolving a queued row.
type Outcome struct {
	Status        Status
	ProviderMsgID string
	Error         string
	At            time.Time
}

func Sent(msgID string, at time.Time) Outcome {
	return Outcome{Status: StatusSent, ProviderMsgID: msgID, At: at}
}

func Failed(errText string, at time.Time) Outcome {
	return Outcome{Status: StatusFailed, Error: errText, At: at}
}

func Skipped(reason string, at time.Time) Outcome {
	return Outcome{Status: StatusSkipped, Error: reason, At: at}
}
