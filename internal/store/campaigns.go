package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/Mutter0815/MassTexter/internal/apperr"
	"github.com/Mutter0815/MassTexter/internal/campaign"
)

const campaignColumns = `id, name, content, media_url, status, scheduled_at, sent_at, completed_at,
		       total_recipients, sent_count, delivered_count, failed_count, skipped_count,
		       created_at, updated_at`

const (
	qInsertCampaign = `
		INSERT INTO campaigns (name, content, media_url, status, scheduled_at)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING id, created_at, updated_at`

	qGetCampaign = `
		SELECT ` + campaignColumns + `
		FROM campaigns
		WHERE id = $1`

	qListCampaigns = `
		SELECT ` + campaignColumns + `
		FROM campaigns
		ORDER BY id DESC
		LIMIT $1 OFFSET $2`

	qListDueScheduled = `
		SELECT id
		FROM campaigns
		WHERE status = 'scheduled' AND scheduled_at <= $1
		ORDER BY scheduled_at
		LIMIT $2`

	qDeleteCampaign = `
		DELETE FROM campaigns
		WHERE id = $1 AND status <> 'sending'`

	qMarkCampaignSending = `
		UPDATE campaigns
		   SET status = 'sending', total_recipients = $2, sent_at = $3, updated_at = NOW()
		 WHERE id = $1 AND status IN ('draft','scheduled')`

	qFailScheduledCampaign = `
		UPDATE campaigns
		   SET status = 'failed', completed_at = $2, updated_at = NOW()
		 WHERE id = $1 AND status = 'scheduled'`

	qCompleteIfResolved = `
		UPDATE campaigns
		   SET status = 'sent', completed_at = $2, updated_at = NOW()
		 WHERE id = $1
		   AND status = 'sending'
		   AND sent_count + failed_count + skipped_count >= total_recipients`
)

// counter columns are a closed set, so each increment is a fixed statement.
var qIncrementCounter = map[campaign.Counter]string{
	campaign.CounterSent:      `UPDATE campaigns SET sent_count = sent_count + 1, updated_at = NOW() WHERE id = $1`,
	campaign.CounterDelivered: `UPDATE campaigns SET delivered_count = delivered_count + 1, updated_at = NOW() WHERE id = $1`,
	campaign.CounterFailed:    `UPDATE campaigns SET failed_count = failed_count + 1, updated_at = NOW() WHERE id = $1`,
	campaign.CounterSkipped:   `UPDATE campaigns SET skipped_count = skipped_count + 1, updated_at = NOW() WHERE id = $1`,
}

type rowScanner interface {
	Scan(dest ...any) error
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func scanCampaign(r rowScanner) (campaign.Campaign, error) {
	var c campaign.Campaign
	var status string
	var scheduled, sent, completed sql.NullTime
	err := r.Scan(&c.ID, &c.Name, &c.Content, &c.MediaURL, &status, &scheduled, &sent, &completed,
		&c.TotalCount, &c.SentCount, &c.DeliveredCount, &c.FailedCount, &c.SkippedCount,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return campaign.Campaign{}, err
	}
	c.Status = campaign.Status(status)
	c.ScheduledAt = timePtr(scheduled)
	c.SentAt = timePtr(sent)
	c.CompletedAt = timePtr(completed)
	return c, nil
}

// InsertCampaign stores c and fills in its id and timestamps.
func (s *Store) InsertCampaign(ctx context.Context, c *campaign.Campaign) error {
	var scheduled sql.NullTime
	if c.ScheduledAt != nil {
		scheduled = sql.NullTime{Time: *c.ScheduledAt, Valid: true}
	}
	return s.DB.QueryRowContext(ctx, qInsertCampaign,
		c.Name, c.Content, c.MediaURL, string(c.Status), scheduled,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
}

func (s *Store) GetCampaign(ctx context.Context, id int64) (campaign.Campaign, error) {
	c, err := scanCampaign(s.DB.QueryRowContext(ctx, qGetCampaign, id))
	if errors.Is(err, sql.ErrNoRows) {
		return campaign.Campaign{}, apperr.NotFound("campaign %d not found", id)
	}
	return c, err
}

func (s *Store) ListCampaigns(ctx context.Context, limit, offset int) ([]campaign.Campaign, error) {
	if limit <= 0 || limit > 1000 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.DB.QueryContext(ctx, qListCampaigns, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []campaign.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListDueScheduled returns ids of scheduled campaigns whose time has come.
func (s *Store) ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx, qListDueScheduled, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteCampaign removes a campaign that is not sending. Ledger rows and
// tasks go with it. It reports whether a row was deleted.
func (s *Store) DeleteCampaign(ctx context.Context, id int64) (bool, error) {
	n, err := rowsAffected(s.DB.ExecContext(ctx, qDeleteCampaign, id))
	return n > 0, err
}

// MarkCampaignSending moves a draft or scheduled campaign to sending. It
// reports false when another caller got there first.
func (s *Store) MarkCampaignSending(ctx context.Context, tx *sql.Tx, id int64, total int, at time.Time) (bool, error) {
	n, err := rowsAffected(tx.ExecContext(ctx, qMarkCampaignSending, id, total, at))
	return n > 0, err
}

// FailScheduledCampaign moves a scheduled campaign that cannot be queued to
// failed. It reports false when the campaign is no longer scheduled.
func (s *Store) FailScheduledCampaign(ctx context.Context, id int64, at time.Time) (bool, error) {
	n, err := rowsAffected(s.DB.ExecContext(ctx, qFailScheduledCampaign, id, at))
	return n > 0, err
}

func (s *Store) IncrementCounter(ctx context.Context, q Querier, id int64, c campaign.Counter) error {
	query, ok := qIncrementCounter[c]
	if !ok {
		return apperr.Validation("unknown counter %q", c)
	}
	_, err := q.ExecContext(ctx, query, id)
	return err
}

// CompleteIfResolved flips a sending campaign to sent once every recipient
// is resolved. Exactly one caller observes true.
func (s *Store) CompleteIfResolved(ctx context.Context, q Querier, id int64, at time.Time) (bool, error) {
	n, err := rowsAffected(q.ExecContext(ctx, qCompleteIfResolved, id, at))
	return n > 0, err
}
