package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/Mutter0815/MassTexter/internal/apperr"
	"github.com/Mutter0815/MassTexter/internal/campaign"
	"github.com/Mutter0815/MassTexter/internal/ledger"
)

const (
	qInsertLedgerPrefix = `
		INSERT INTO sms_logs (campaign_id, contact_id, phone, message, media_url, message_type, status)
		VALUES `
	qInsertLedgerSuffix = `
		ON CONFLICT (campaign_id, contact_id) DO NOTHING`
	ledgerInsertCols = 7

	qGetLedgerStatus = `
		SELECT status
		FROM sms_logs
		WHERE campaign_id = $1 AND contact_id = $2`

	qResolveLedger = `
		UPDATE sms_logs
		   SET status = $3,
		       provider_msg_id = COALESCE($4, provider_msg_id),
		       error = $5,
		       sent_at = CASE WHEN $3 = 'sent' THEN $6 ELSE sent_at END,
		       updated_at = NOW()
		 WHERE campaign_id = $1 AND contact_id = $2 AND status = 'queued'`

	qRecordAttempt = `
		UPDATE sms_logs
		   SET attempts = $3, error = $4, updated_at = NOW()
		 WHERE campaign_id = $1 AND contact_id = $2 AND status = 'queued'`

	qCountLedgerByStatus = `
		SELECT status, COUNT(*)
		FROM sms_logs
		WHERE campaign_id = $1
		GROUP BY status`

	qLedgerStats = `
		SELECT campaign_id, status, COUNT(*)
		FROM sms_logs
		WHERE campaign_id = ANY($1)
		GROUP BY campaign_id, status`

	qMarkProviderSent = `
		UPDATE sms_logs
		   SET sent_at = COALESCE(sent_at, $2), updated_at = NOW()
		 WHERE provider_msg_id = $1 AND status IN ('sent','delivered','failed','undelivered')`

	qFinalizeProvider = `
		WITH prev AS (
		    SELECT id, status
		    FROM sms_logs
		    WHERE provider_msg_id = $1 AND status IN ('sent','delivered','failed','undelivered')
		    FOR UPDATE
		)
		UPDATE sms_logs l
		   SET status = $2,
		       delivered_at = CASE WHEN $2 = 'delivered' THEN COALESCE(l.delivered_at, $3) ELSE l.delivered_at END,
		       error = COALESCE($4, l.error),
		       updated_at = NOW()
		  FROM prev
		 WHERE l.id = prev.id
		RETURNING l.campaign_id, prev.status`
)

// CreateLedgerEntries writes queued rows in multi-row chunks. Rows that
// already exist for the same (campaign, contact) are left alone.
func (s *Store) CreateLedgerEntries(ctx context.Context, tx *sql.Tx, entries []ledger.Entry) error {
	for start := 0; start < len(entries); start += bulkChunk {
		end := min(start+bulkChunk, len(entries))
		chunk := entries[start:end]

		args := make([]any, 0, len(chunk)*ledgerInsertCols)
		for _, e := range chunk {
			status := e.Status
			if status == "" {
				status = ledger.StatusQueued
			}
			args = append(args, e.CampaignID, e.ContactID, e.Phone, e.Message, e.MediaURL, e.MessageType, string(status))
		}
		query := qInsertLedgerPrefix + placeholders(len(chunk), ledgerInsertCols) + qInsertLedgerSuffix
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) GetLedgerStatus(ctx context.Context, campaignID, contactID int64) (ledger.Status, error) {
	var status string
	err := s.DB.QueryRowContext(ctx, qGetLedgerStatus, campaignID, contactID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apperr.NotFound("ledger entry %d/%d not found", campaignID, contactID)
	}
	return ledger.Status(status), err
}

// Resolution reports what ResolveDelivery changed.
type Resolution struct {
	Applied   bool
	Completed bool
}

// ResolveDelivery moves a queued row to its outcome, bumps the matching
// campaign counter and tries the completion transition, all in one
// transaction. A row that is no longer queued is left untouched and no
// counter moves.
func (s *Store) ResolveDelivery(ctx context.Context, campaignID, contactID int64, o ledger.Outcome) (Resolution, error) {
	counter, ok := o.Status.Counter()
	if !ok {
		return Resolution{}, apperr.Validation("status %q does not resolve a delivery", o.Status)
	}
	at := o.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	var res Resolution
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		n, err := rowsAffected(tx.ExecContext(ctx, qResolveLedger,
			campaignID, contactID, string(o.Status), nullString(o.ProviderMsgID), nullString(o.Error), at))
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		res.Applied = true
		if err := s.IncrementCounter(ctx, tx, campaignID, counter); err != nil {
			return err
		}
		res.Completed, err = s.CompleteIfResolved(ctx, tx, campaignID, at)
		return err
	})
	if err != nil {
		return Resolution{}, err
	}
	return res, nil
}

// RecordAttempt stores the latest transient failure on a still-queued row.
func (s *Store) RecordAttempt(ctx context.Context, campaignID, contactID int64, attempts int, errText string) error {
	_, err := s.DB.ExecContext(ctx, qRecordAttempt, campaignID, contactID, attempts, nullString(errText))
	return err
}

func (s *Store) CountLedgerByStatus(ctx context.Context, campaignID int64) (map[ledger.Status]int, error) {
	rows, err := s.DB.QueryContext(ctx, qCountLedgerByStatus, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[ledger.Status]int, len(ledger.Statuses))
	for _, st := range ledger.Statuses {
		out[st] = 0
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[ledger.Status(status)] = n
	}
	return out, rows.Err()
}

// LedgerStats counts ledger rows by status for several campaigns at once.
func (s *Store) LedgerStats(ctx context.Context, campaignIDs []int64) (map[int64]map[ledger.Status]int, error) {
	out := make(map[int64]map[ledger.Status]int, len(campaignIDs))
	if len(campaignIDs) == 0 {
		return out, nil
	}
	rows, err := s.DB.QueryContext(ctx, qLedgerStats, int64Slice(campaignIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var status string
		var n int
		if err := rows.Scan(&id, &status, &n); err != nil {
			return nil, err
		}
		if out[id] == nil {
			out[id] = map[ledger.Status]int{}
		}
		out[id][ledger.Status(status)] = n
	}
	return out, rows.Err()
}

// MarkProviderSent records the carrier's sent time on a resolved row if none
// is set yet. Status is never changed.
func (s *Store) MarkProviderSent(ctx context.Context, providerMsgID string, at time.Time) (int64, error) {
	return rowsAffected(s.DB.ExecContext(ctx, qMarkProviderSent, providerMsgID, at))
}

// Finalization reports what FinalizeProviderStatus changed.
type Finalization struct {
	Found           bool
	CampaignID      int64
	Previous        ledger.Status
	BecameDelivered bool
}

// FinalizeProviderStatus applies the carrier's final status to the row with
// providerMsgID. delivered_count moves only on a transition into delivered,
// so replayed callbacks do not double count.
func (s *Store) FinalizeProviderStatus(ctx context.Context, providerMsgID string, status ledger.Status, at time.Time, errText string) (Finalization, error) {
	var f Finalization
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var prev string
		err := tx.QueryRowContext(ctx, qFinalizeProvider,
			providerMsgID, string(status), at, nullString(errText),
		).Scan(&f.CampaignID, &prev)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		f.Found = true
		f.Previous = ledger.Status(prev)
		if status == ledger.StatusDelivered && f.Previous != ledger.StatusDelivered {
			f.BecameDelivered = true
			return s.IncrementCounter(ctx, tx, f.CampaignID, campaign.CounterDelivered)
		}
		return nil
	})
	if err != nil {
		return Finalization{}, err
	}
	return f, nil
}
