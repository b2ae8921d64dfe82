// Package orchestrator turns a campaign into per-recipient tasks and
// resolves each task against the ledger and the campaign counters.
package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/Mutter0815/MassTexter/internal/apperr"
	"github.com/Mutter0815/MassTexter/internal/campaign"
	"github.com/Mutter0815/MassTexter/internal/dispatch"
	"github.com/Mutter0815/MassTexter/internal/gateway"
	"github.com/Mutter0815/MassTexter/internal/ledger"
	"github.com/Mutter0815/MassTexter/internal/policy"
	"github.com/Mutter0815/MassTexter/internal/store"
	"github.com/Mutter0815/MassTexter/pkg/logx"
	"github.com/Mutter0815/MassTexter/pkg/metrics"
)

const (
	DefaultMaxMessageLength = 1600
	DefaultDeferDelay       = 15 * time.Minute

	OptOutFooter = "\n\nReply STOP to unsubscribe."
)

// Store is the data layer the orchestrator needs.
type Store interface {
	WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error

	InsertCampaign(ctx context.Context, c *campaign.Campaign) error
	GetCampaign(ctx context.Context, id int64) (campaign.Campaign, error)
	ListCampaigns(ctx context.Context, limit, offset int) ([]campaign.Campaign, error)
	DeleteCampaign(ctx context.Context, id int64) (bool, error)
	MarkCampaignSending(ctx context.Context, tx *sql.Tx, id int64, total int, at time.Time) (bool, error)
	FailScheduledCampaign(ctx context.Context, id int64, at time.Time) (bool, error)

	ListEligibleContacts(ctx context.Context) ([]campaign.Contact, error)
	ContactOptedOut(ctx context.Context, id int64) (bool, error)

	CreateLedgerEntries(ctx context.Context, tx *sql.Tx, entries []ledger.Entry) error
	GetLedgerStatus(ctx context.Context, campaignID, contactID int64) (ledger.Status, error)
	ResolveDelivery(ctx context.Context, campaignID, contactID int64, o ledger.Outcome) (store.Resolution, error)
	RecordAttempt(ctx context.Context, campaignID, contactID int64, attempts int, errText string) error
	CountLedgerByStatus(ctx context.Context, campaignID int64) (map[ledger.Status]int, error)
	LedgerStats(ctx context.Context, campaignIDs []int64) (map[int64]map[ledger.Status]int, error)
}

// Enqueuer writes tasks into the outbox as part of a transaction.
type Enqueuer interface {
	Enqueue(ctx context.Context, tx *sql.Tx, tasks []dispatch.Task) error
	Notify()
}

type Config struct {
	MaxMessageLength int
	DeferDelay       time.Duration
}

type Orchestrator struct {
	store  Store
	queue  Enqueuer
	sender gateway.Sender
	quiet  policy.QuietHours
	cfg    Config
	now    func() time.Time
	log    *zap.SugaredLogger
}

func New(st Store, q Enqueuer, sender gateway.Sender, quiet policy.QuietHours, cfg Config) *Orchestrator {
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = DefaultMaxMessageLength
	}
	if cfg.DeferDelay <= 0 {
		cfg.DeferDelay = DefaultDeferDelay
	}
	return &Orchestrator{
		store:  st,
		queue:  q,
		sender: sender,
		quiet:  quiet,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
		log:    logx.Named("orchestrator"),
	}
}

var _ dispatch.Processor = (*Orchestrator)(nil)

// AppendOptOutFooter adds the unsubscribe footer unless the message already
// mentions both "stop" and "unsubscribe".
func AppendOptOutFooter(msg string) string {
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "stop") && strings.Contains(lower, "unsubscribe") {
		return msg
	}
	return msg + OptOutFooter
}

// QuietHoursWarning is shown when a send is requested while the default
// zone is inside the quiet window.
func (o *Orchestrator) QuietHoursWarning() string {
	if !o.quiet.Active("", o.now()) {
		return ""
	}
	return fmt.Sprintf("Note: It's currently quiet hours (%s - %s). Messages will be delayed.",
		hourLabel(o.quiet.Start), hourLabel(o.quiet.End))
}

func hourLabel(h int) string {
	switch {
	case h == 0:
		return "12 AM"
	case h < 12:
		return fmt.Sprintf("%d AM", h)
	case h == 12:
		return "12 PM"
	}
	return fmt.Sprintf("%d PM", h-12)
}

func (o *Orchestrator) CreateCampaign(ctx context.Context, req campaign.CreateCampaignReq) (campaign.Campaign, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" || strings.TrimSpace(req.Content) == "" {
		return campaign.Campaign{}, apperr.Validation("Name and message are required")
	}
	if _, err := o.messageBody(req.Content); err != nil {
		return campaign.Campaign{}, err
	}

	c := campaign.Campaign{
		Name:     name,
		Content:  req.Content,
		MediaURL: strings.TrimSpace(req.MediaURL),
		Status:   campaign.StatusDraft,
	}
	if req.ScheduledAt != nil {
		at := req.ScheduledAt.UTC()
		c.ScheduledAt = &at
		c.Status = campaign.StatusScheduled
	}
	if err := o.store.InsertCampaign(ctx, &c); err != nil {
		return campaign.Campaign{}, err
	}
	o.log.Infow("campaign_created", "campaign_id", c.ID, "status", c.Status)
	return c, nil
}

func (o *Orchestrator) GetCampaign(ctx context.Context, id int64) (campaign.CampaignDetails, error) {
	c, err := o.store.GetCampaign(ctx, id)
	if err != nil {
		return campaign.CampaignDetails{}, err
	}
	counts, err := o.store.CountLedgerByStatus(ctx, id)
	if err != nil {
		return campaign.CampaignDetails{}, err
	}
	item := c.ListItem()
	item.Stats = statusCounts(counts)
	return campaign.CampaignDetails{
		CampaignListItem: item,
		Content:          c.Content,
		MediaURL:         c.MediaURL,
		CompletedAt:      c.CompletedAt,
	}, nil
}

func statusCounts(counts map[ledger.Status]int) map[string]int {
	out := make(map[string]int, len(counts))
	for st, n := range counts {
		out[string(st)] = n
	}
	return out
}

func (o *Orchestrator) ListCampaigns(ctx context.Context, limit, offset int) ([]campaign.CampaignListItem, error) {
	rows, err := o.store.ListCampaigns(ctx, limit, offset)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(rows))
	for _, c := range rows {
		ids = append(ids, c.ID)
	}
	stats, err := o.store.LedgerStats(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]campaign.CampaignListItem, 0, len(rows))
	for _, c := range rows {
		item := c.ListItem()
		if counts, ok := stats[c.ID]; ok {
			item.Stats = statusCounts(counts)
		}
		out = append(out, item)
	}
	return out, nil
}

// DeleteCampaign removes a campaign and, by cascade, its ledger and tasks.
// Campaigns that are sending are refused.
func (o *Orchestrator) DeleteCampaign(ctx context.Context, id int64) error {
	c, err := o.store.GetCampaign(ctx, id)
	if err != nil {
		return err
	}
	if c.Status == campaign.StatusSending {
		return apperr.Validation("cannot delete a campaign that is currently sending")
	}
	ok, err := o.store.DeleteCampaign(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		// started sending or vanished since the read
		if _, err := o.store.GetCampaign(ctx, id); err != nil {
			return err
		}
		return apperr.Validation("cannot delete a campaign that is currently sending")
	}
	o.log.Infow("campaign_deleted", "campaign_id", id)
	return nil
}

// messageBody is the text recipients receive. The limit applies to the body
// with the footer, so create and queue agree on what fits.
func (o *Orchestrator) messageBody(content string) (string, error) {
	body := AppendOptOutFooter(content)
	if n := utf8.RuneCountInString(body); n > o.cfg.MaxMessageLength {
		return "", apperr.Validation("Message is %d characters with the opt-out footer, maximum is %d", n, o.cfg.MaxMessageLength)
	}
	return body, nil
}

// StartScheduled queues a due scheduled campaign. A campaign that can never
// be queued is moved to failed so it stops coming back as due.
func (o *Orchestrator) StartScheduled(ctx context.Context, id int64) (int, error) {
	n, err := o.QueueCampaignMessages(ctx, id)
	if err == nil || !errors.Is(err, apperr.ErrValidation) {
		return n, err
	}
	failed, ferr := o.store.FailScheduledCampaign(ctx, id, o.now())
	if ferr != nil {
		return 0, ferr
	}
	if failed {
		o.log.Warnw("scheduled_campaign_marked_failed", "campaign_id", id, "reason", apperr.Message(err))
	}
	return 0, err
}

// QueueCampaignMessages snapshots eligible contacts and, in one transaction,
// moves the campaign to sending, writes a queued ledger row per contact and
// enqueues a task per contact. Nothing is written when validation fails.
func (o *Orchestrator) QueueCampaignMessages(ctx context.Context, id int64) (int, error) {
	c, err := o.store.GetCampaign(ctx, id)
	if err != nil {
		return 0, err
	}
	if !c.Status.Queueable() {
		return 0, apperr.Validation("campaign is already %s", c.Status)
	}

	contacts, err := o.store.ListEligibleContacts(ctx)
	if err != nil {
		return 0, err
	}
	eligible := make([]campaign.Contact, 0, len(contacts))
	for _, ct := range contacts {
		if !ct.OptedOut {
			eligible = append(eligible, ct)
		}
	}
	if len(eligible) == 0 {
		return 0, apperr.Validation("no active contacts to send to")
	}

	body, err := o.messageBody(c.Content)
	if err != nil {
		return 0, err
	}
	msgType := gateway.Message{MediaURL: c.MediaURL}.Type()

	entries := make([]ledger.Entry, 0, len(eligible))
	tasks := make([]dispatch.Task, 0, len(eligible))
	for _, ct := range eligible {
		entries = append(entries, ledger.Entry{
			CampaignID:  id,
			ContactID:   ct.ID,
			Phone:       ct.Phone,
			Message:     body,
			MediaURL:    c.MediaURL,
			MessageType: msgType,
			Status:      ledger.StatusQueued,
		})
		tasks = append(tasks, dispatch.Task{
			CampaignID: id,
			ContactID:  ct.ID,
			Phone:      ct.Phone,
			Message:    body,
			MediaURL:   c.MediaURL,
			Timezone:   ct.Timezone,
		})
	}

	now := o.now()
	err = o.store.WithTx(ctx, func(tx *sql.Tx) error {
		ok, err := o.store.MarkCampaignSending(ctx, tx, id, len(eligible), now)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.Validation("campaign is already %s", campaign.StatusSending)
		}
		if err := o.store.CreateLedgerEntries(ctx, tx, entries); err != nil {
			return err
		}
		return o.queue.Enqueue(ctx, tx, tasks)
	})
	if err != nil {
		return 0, err
	}
	o.queue.Notify()

	metrics.CampaignsQueued.Inc()
	o.log.Infow("campaign_queued", "campaign_id", id, "queued_count", len(tasks), "message_type", msgType)
	return len(tasks), nil
}

// Precheck defers tasks that land inside quiet hours before the queue spends
// a rate token on them. HandleTask repeats the check.
func (o *Orchestrator) Precheck(ctx context.Context, t dispatch.Task) error {
	return o.quietDefer(t, o.now())
}

func (o *Orchestrator) quietDefer(t dispatch.Task, now time.Time) error {
	if !o.quiet.Active(t.Timezone, now) {
		return nil
	}
	delay := min(o.quiet.Remaining(t.Timezone, now), o.cfg.DeferDelay)
	return dispatch.Defer(delay, "quiet hours")
}

// HandleTask processes one delivery attempt.
func (o *Orchestrator) HandleTask(ctx context.Context, t dispatch.Task, attempt int) error {
	fields := []any{"campaign_id", t.CampaignID, "contact_id", t.ContactID, "attempt", attempt}

	status, err := o.store.GetLedgerStatus(ctx, t.CampaignID, t.ContactID)
	if errors.Is(err, apperr.ErrNotFound) {
		o.log.Warnw("ledger_entry_missing", fields...)
		return nil
	}
	if err != nil {
		return err
	}
	if status.Processed() {
		o.log.Infow("duplicate_delivery_ignored", append(fields, "status", status)...)
		return nil
	}

	now := o.now()
	if err := o.quietDefer(t, now); err != nil {
		return err
	}

	opted, err := o.store.ContactOptedOut(ctx, t.ContactID)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return o.resolve(ctx, t, ledger.Skipped("Contact not found", now), fields)
	case err != nil:
		return err
	case opted:
		return o.resolve(ctx, t, ledger.Skipped("Contact opted out", now), fields)
	}

	res := o.sender.Send(ctx, gateway.Message{
		To:       gateway.FormatPhoneNumber(t.Phone),
		Text:     t.Message,
		MediaURL: t.MediaURL,
	})
	if res.Success {
		o.log.Infow("send_success", append(fields, "provider_msg_id", res.MessageID)...)
		return o.resolve(ctx, t, ledger.Sent(res.MessageID, o.now()), fields)
	}
	if !res.Retryable {
		o.log.Infow("send_rejected", append(fields, "error", res.Error)...)
		return o.resolve(ctx, t, ledger.Failed(res.Error, o.now()), fields)
	}

	if err := o.store.RecordAttempt(ctx, t.CampaignID, t.ContactID, attempt, res.Error); err != nil {
		o.log.Warnw("record_attempt_error", append(fields, "error", err)...)
	}
	o.log.Infow("send_failed", append(fields, "error", res.Error)...)
	return apperr.TransientProvider("%s", res.Error)
}

// OnDeadLetter marks the row failed once every attempt is used.
func (o *Orchestrator) OnDeadLetter(ctx context.Context, t dispatch.Task, attempts int, cause error) error {
	fields := []any{"campaign_id", t.CampaignID, "contact_id", t.ContactID, "attempts", attempts}
	reason := "unknown error"
	if cause != nil && cause.Error() != "" {
		reason = cause.Error()
	}
	msg := fmt.Sprintf("failed after %d attempts: %s", attempts, reason)
	return o.resolve(ctx, t, ledger.Failed(msg, o.now()), fields)
}

func (o *Orchestrator) resolve(ctx context.Context, t dispatch.Task, out ledger.Outcome, fields []any) error {
	res, err := o.store.ResolveDelivery(ctx, t.CampaignID, t.ContactID, out)
	if err != nil {
		o.log.Errorw("ledger_resolve_error", append(fields, "status", out.Status, "error", err)...)
		return err
	}
	if !res.Applied {
		o.log.Infow("ledger_already_resolved", append(fields, "status", out.Status)...)
		return nil
	}
	metrics.WorkerOutcomes.WithLabelValues(string(out.Status)).Inc()
	if res.Completed {
		metrics.CampaignsCompleted.Inc()
		o.log.Infow("campaign_completed", "campaign_id", t.CampaignID)
	}
	return nil
}
