package campaign

import "time"

type Status string

const (
	StatusDraft     Status = "draft"
	StatusScheduled Status = "scheduled"
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
)

// Queueable reports whether a campaign in this status may be sent.
func (s Status) Queueable() bool {
	return s == StatusDraft || s == StatusScheduled
}

// Counter names a campaign counter column that workers increment.
type Counter string

const (
	CounterSent      Counter = "sent_count"
	CounterDelivered Counter = "delivered_count"
	CounterFailed    Counter = "failed_count"
	CounterSkipped   Counter = "skipped_count"
)

type Campaign struct {
	ID             int64
	Name           string
	Content        string
	MediaURL       string
	Status         Status
	ScheduledAt    *time.Time
	SentAt         *time.Time
	CompletedAt    *time.Time
	TotalCount     int
	SentCount      int
	DeliveredCount int
	FailedCount    int
	SkippedCount   int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Contact is the snapshot taken when a campaign is queued.
type Contact struct {
	ID       int64
	Phone    string
	OptedOut bool
	Timezone string
}

type CreateCampaignReq struct {
	Name        string     `json:"name"`
	Content     string     `json:"content"`
	MediaURL    string     `json:"media_url"`
	ScheduledAt *time.Time `json:"scheduled_at"`
}

type CreateCampaignResp struct {
	ID     int64  `json:"id"`
	Status Status `json:"status"`
}

type SendCampaignResp struct {
	Success     bool   `json:"success"`
	QueuedCount int    `json:"queued_count"`
	Message     string `json:"message"`
	Warning     string `json:"warning,omitempty"`
}

type Counters struct {
	Total     int `json:"total"`
	Sent      int `json:"sent"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

type CampaignListItem struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	Status      Status     `json:"status"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	Counters    Counters   `json:"counters"`

	// Stats counts ledger rows by status.
	Stats map[string]int `json:"stats,omitempty"`
}

type CampaignDetails struct {
	CampaignListItem
	Content     string     `json:"content"`
	MediaURL    string     `json:"media_url,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (c Campaign) ListItem() CampaignListItem {
	return CampaignListItem{
		ID:          c.ID,
		Name:        c.Name,
		Status:      c.Status,
		ScheduledAt: c.ScheduledAt,
		SentAt:      c.SentAt,
		CreatedAt:   c.CreatedAt,
		Counters: Counters{
			Total:     c.TotalCount,
			Sent:      c.SentCount,
			Delivered: c.DeliveredCount,
			Failed:    c.FailedCount,
			Skipped:   c.SkippedCount,
		},
	}
}
