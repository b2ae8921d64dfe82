// Package webhook applies Telnyx message callbacks to the delivery ledger
// and handles inbound STOP replies.
package webhook

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Mutter0815/MassTexter/internal/apperr"
	"github.com/Mutter0815/MassTexter/internal/gateway"
	"github.com/Mutter0815/MassTexter/internal/ledger"
	"github.com/Mutter0815/MassTexter/internal/store"
	"github.com/Mutter0815/MassTexter/pkg/logx"
	"github.com/Mutter0815/MassTexter/pkg/metrics"
)

type Envelope struct {
	Data *EventData `json:"data"`
}

type EventData struct {
	ID         string          `json:"id"`
	EventType  string          `json:"event_type"`
	OccurredAt *time.Time      `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

type phoneRef struct {
	PhoneNumber string `json:"phone_number"`
	Status      string `json:"status"`
}

type messagePayload struct {
	ID              string     `json:"id"`
	Text            string     `json:"text"`
	From            phoneRef   `json:"from"`
	To              []phoneRef `json:"to"`
	FinalizedStatus string     `json:"finalized_status"`
	Errors          []struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

// carrierStatus prefers an explicit finalized status and falls back to the
// first recipient's status.
func (p messagePayload) carrierStatus() CarrierStatus {
	if p.FinalizedStatus != "" {
		return ParseCarrierStatus(p.FinalizedStatus)
	}
	if len(p.To) > 0 {
		return ParseCarrierStatus(p.To[0].Status)
	}
	return CarrierUnknown
}

func (p messagePayload) errorText() string {
	titles := make([]string, 0, len(p.Errors))
	for _, e := range p.Errors {
		if e.Title != "" {
			titles = append(titles, e.Title)
		}
	}
	return strings.Join(titles, ", ")
}

type Store interface {
	MarkProviderSent(ctx context.Context, providerMsgID string, at time.Time) (int64, error)
	FinalizeProviderStatus(ctx context.Context, providerMsgID string, status ledger.Status, at time.Time, errText string) (store.Finalization, error)
	OptOutByPhone(ctx context.Context, phone string) (int64, error)
}

type Processor struct {
	store Store
	now   func() time.Time
	log   *zap.SugaredLogger
}

func New(st Store) *Processor {
	return &Processor{
		store: st,
		now:   func() time.Time { return time.Now().UTC() },
		log:   logx.Named("webhook"),
	}
}

// Decode parses a raw callback body. A body without data is a validation
// error.
func Decode(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, apperr.Validation("invalid webhook body: %v", err)
	}
	if env.Data == nil {
		return Envelope{}, apperr.Validation("No data in webhook")
	}
	return env, nil
}

// Process applies one callback. Unknown event types are logged and ignored.
func (p *Processor) Process(ctx context.Context, env Envelope) (EventType, error) {
	if env.Data == nil {
		return EventUnknown, apperr.Validation("No data in webhook")
	}
	et := ParseEventType(env.Data.EventType)
	metrics.WebhookEvents.WithLabelValues(et.String()).Inc()

	at := p.now()
	if env.Data.OccurredAt != nil {
		at = env.Data.OccurredAt.UTC()
	}

	var payload messagePayload
	if len(env.Data.Payload) > 0 {
		if err := json.Unmarshal(env.Data.Payload, &payload); err != nil {
			return et, apperr.Validation("invalid webhook payload: %v", err)
		}
	}

	switch et {
	case EventMessageSent:
		return et, p.messageSent(ctx, payload, at)
	case EventMessageFinalized:
		return et, p.messageFinalized(ctx, payload, at)
	case EventMessageReceived:
		return et, p.messageReceived(ctx, payload)
	}
	p.log.Infow("webhook_unhandled_event", "event_type", env.Data.EventType)
	return et, nil
}

func (p *Processor) messageSent(ctx context.Context, m messagePayload, at time.Time) error {
	if m.ID == "" {
		p.log.Warnw("webhook_missing_message_id", "event_type", EventMessageSent.String())
		return nil
	}
	n, err := p.store.MarkProviderSent(ctx, m.ID, at)
	if err != nil {
		return err
	}
	p.log.Infow("webhook_message_sent", "provider_msg_id", m.ID, "rows", n)
	return nil
}

func (p *Processor) messageFinalized(ctx context.Context, m messagePayload, at time.Time) error {
	if m.ID == "" {
		p.log.Warnw("webhook_missing_message_id", "event_type", EventMessageFinalized.String())
		return nil
	}
	cs := m.carrierStatus()
	status, ok := cs.LedgerStatus()
	if !ok {
		p.log.Warnw("webhook_unknown_carrier_status",
			"provider_msg_id", m.ID, "finalized_status", m.FinalizedStatus)
		return nil
	}

	f, err := p.store.FinalizeProviderStatus(ctx, m.ID, status, at, m.errorText())
	if err != nil {
		return err
	}
	if !f.Found {
		p.log.Infow("webhook_message_not_found", "provider_msg_id", m.ID, "carrier_status", cs.String())
		return nil
	}
	p.log.Infow("webhook_message_finalized",
		"provider_msg_id", m.ID,
		"campaign_id", f.CampaignID,
		"carrier_status", cs.String(),
		"status", status,
		"previous", f.Previous,
		"delivered_counted", f.BecameDelivered,
	)
	return nil
}

func (p *Processor) messageReceived(ctx context.Context, m messagePayload) error {
	from := m.From.PhoneNumber
	switch {
	case IsOptOut(m.Text):
		n, err := p.store.OptOutByPhone(ctx, gateway.FormatPhoneNumber(from))
		if err != nil {
			return err
		}
		metrics.ContactsOptedOut.Add(float64(n))
		p.log.Infow("contact_opted_out", "phone", from, "contacts", n)
	case IsHelp(m.Text):
		p.log.Infow("help_request", "phone", from)
	default:
		p.log.Debugw("inbound_message", "phone", from)
	}
	return nil
}
