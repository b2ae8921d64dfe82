package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/Mutter0815/MassTexter/internal/apperr"
	"github.com/Mutter0815/MassTexter/internal/campaign"
)

const (
	qListEligibleContacts = `
		SELECT id, phone, opted_out, timezone
		FROM contacts
		WHERE opted_out = FALSE
		ORDER BY id`

	qContactOptOut = `
		SELECT opted_out
		FROM contacts
		WHERE id = $1`

	qOptOutByPhone = `
		UPDATE contacts
		   SET opted_out = TRUE, opted_out_at = NOW(), updated_at = NOW()
		 WHERE phone = $1 AND opted_out = FALSE`
)

// ListEligibleContacts snapshots every contact that has not opted out.
func (s *Store) ListEligibleContacts(ctx context.Context) ([]campaign.Contact, error) {
	rows, err := s.DB.QueryContext(ctx, qListEligibleContacts)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []campaign.Contact
	for rows.Next() {
		var c campaign.Contact
		if err := rows.Scan(&c.ID, &c.Phone, &c.OptedOut, &c.Timezone); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ContactOptedOut reports the current opt-out flag. A missing contact is a
// NotFound error.
func (s *Store) ContactOptedOut(ctx context.Context, id int64) (bool, error) {
	var opted bool
	err := s.DB.QueryRowContext(ctx, qContactOptOut, id).Scan(&opted)
	if errors.Is(err, sql.ErrNoRows) {
		return false, apperr.NotFound("contact %d not found", id)
	}
	return opted, err
}

// OptOutByPhone opts out every active contact with phone and returns how
// many changed.
func (s *Store) OptOutByPhone(ctx context.Context, phone string) (int64, error) {
	return rowsAffected(s.DB.ExecContext(ctx, qOptOutByPhone, phone))
}
