package pg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"wanotify/internal/domain"
	"wanotify/internal/store"
)

const bookingColumns = `tenant_id, id, customer_name, recipient_contact, service_name, scheduled_at, status, created_at,
	confirmation_sent, confirmation_sent_at, reminder_sent, reminder_sent_at, review_sent, review_sent_at`

func scanBooking(row pgx.Row) (domain.Booking, error) {
	var b domain.Booking
	err := row.Scan(&b.TenantID, &b.ID, &b.CustomerName, &b.RecipientContact, &b.ServiceName, &b.ScheduledAt, &b.Status, &b.CreatedAt,
		&b.ConfirmationSent, &b.ConfirmationSentAt, &b.ReminderSent, &b.ReminderSentAt, &b.ReviewSent, &b.ReviewSentAt)
	return b, err
}

func (s *Store) queryBookings(ctx context.Context, sql string, args ...any) ([]domain.Booking, error) {
	rows, err := s.DB.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) GetBooking(ctx context.Context, tenantID, bookingID string) (domain.Booking, error) {
	b, err := scanBooking(s.DB.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE tenant_id=$1 AND id=$2`, tenantID, bookingID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Booking{}, store.ErrNotFound
	}
	return b, err
}

// ListBookingsScheduledBetween returns bookings of every tenant with
// from <= scheduled_at <= to.
func (s *Store) ListBookingsScheduledBetween(ctx context.Context, from, to time.Time) ([]domain.Booking, error) {
	return s.queryBookings(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE scheduled_at >= $1 AND scheduled_at <= $2
		ORDER BY scheduled_at
	`, from, to)
}

// ListRecentBookings returns one tenant's bookings created at or after since.
func (s *Store) ListRecentBookings(ctx context.Context, tenantID string, since time.Time) ([]domain.Booking, error) {
	return s.queryBookings(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE tenant_id=$1 AND created_at >= $2
		ORDER BY created_at
	`, tenantID, since)
}

func (s *Store) listBookingsCreatedSince(ctx context.Context, since time.Time) ([]domain.Booking, error) {
	return s.queryBookings(ctx, `
		SELECT `+bookingColumns+` FROM bookings WHERE created_at >= $1 ORDER BY created_at
	`, since)
}

func (s *Store) InsertBooking(ctx context.Context, b domain.Booking) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = s.Now()
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO bookings (tenant_id, id, customer_name, recipient_contact, service_name, scheduled_at, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, b.TenantID, b.ID, b.CustomerName, b.RecipientContact, b.ServiceName, b.ScheduledAt, b.Status, b.CreatedAt)
	return err
}

func (s *Store) UpdateBookingStatus(ctx context.Context, tenantID, bookingID, status string) error {
	ct, err := s.DB.Exec(ctx, `UPDATE bookings SET status=$3 WHERE tenant_id=$1 AND id=$2`, tenantID, bookingID, status)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func flagColumns(kind domain.NotificationKind) (flag, at string, err error) {
	switch kind {
	case domain.KindConfirmation:
		return "confirmation_sent", "confirmation_sent_at", nil
	case domain.KindReminder:
		return "reminder_sent", "reminder_sent_at", nil
	case domain.KindReview:
		return "review_sent", "review_sent_at", nil
	}
	return "", "", fmt.Errorf("no booking flag for kind %q", kind)
}

// MarkBookingSent flips the one-shot flag for kind from false to true.
// It returns false when the flag was already set.
func (s *Store) MarkBookingSent(ctx context.Context, tenantID, bookingID string, kind domain.NotificationKind, at time.Time) (bool, error) {
	flag, atCol, err := flagColumns(kind)
	if err != nil {
		return false, err
	}
	ct, err := s.DB.Exec(ctx, `
		UPDATE bookings SET `+flag+`=true, `+atCol+`=$3
		WHERE tenant_id=$1 AND id=$2 AND NOT `+flag,
		tenantID, bookingID, at)
	if err != nil {
		return false, err
	}
	if ct.RowsAffected() == 1 {
		return true, nil
	}

	// distinguish "already set" from "no such booking"
	var exists bool
	if err := s.DB.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM bookings WHERE tenant_id=$1 AND id=$2)`, tenantID, bookingID).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, store.ErrNotFound
	}
	return false, nil
}

// ClaimWelcome records a welcome send for the contact unless one was recorded
// less than cooldown before at. Read, compare and write happen in one
// transaction holding the row lock.
func (s *Store) ClaimWelcome(ctx context.Context, tenantID, contactID string, at time.Time, cooldown time.Duration) (bool, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var last time.Time
	err = tx.QueryRow(ctx, `
		SELECT last_sent_at FROM welcome_records WHERE tenant_id=$1 AND contact_id=$2 FOR UPDATE
	`, tenantID, contactID).Scan(&last)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		ct, err := tx.Exec(ctx, `
			INSERT INTO welcome_records (tenant_id, contact_id, last_sent_at, send_count)
			VALUES ($1,$2,$3,1)
			ON CONFLICT (tenant_id, contact_id) DO NOTHING
		`, tenantID, contactID, at)
		if err != nil {
			return false, err
		}
		if ct.RowsAffected() == 0 {
			// a concurrent claim inserted first
			return false, nil
		}
	case err != nil:
		return false, err
	default:
		if at.Sub(last) < cooldown {
			return false, nil
		}
		if _, err := tx.Exec(ctx, `
			UPDATE welcome_records
			SET previous_sent_at=last_sent_at, last_sent_at=$3, send_count=send_count+1
			WHERE tenant_id=$1 AND contact_id=$2
		`, tenantID, contactID, at); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// ReleaseWelcome undoes the claim made at at, restoring the previous send
// time. It is a no-op when a later claim has already replaced it.
func (s *Store) ReleaseWelcome(ctx context.Context, tenantID, contactID string, at time.Time) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		DELETE FROM welcome_records
		WHERE tenant_id=$1 AND contact_id=$2 AND last_sent_at=$3 AND send_count=1
	`, tenantID, contactID, at); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE welcome_records
		SET last_sent_at=COALESCE(previous_sent_at, to_timestamp(0)), previous_sent_at=NULL, send_count=send_count-1
		WHERE tenant_id=$1 AND contact_id=$2 AND last_sent_at=$3 AND send_count>1
	`, tenantID, contactID, at); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) GetWelcomeRecord(ctx context.Context, tenantID, contactID string) (domain.WelcomeRecord, error) {
	r := domain.WelcomeRecord{TenantID: tenantID, ContactID: contactID}
	err := s.DB.QueryRow(ctx, `
		SELECT last_sent_at, send_count FROM welcome_records WHERE tenant_id=$1 AND contact_id=$2
	`, tenantID, contactID).Scan(&r.LastSentAt, &r.SendCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.WelcomeRecord{}, store.ErrNotFound
	}
	return r, err
}
