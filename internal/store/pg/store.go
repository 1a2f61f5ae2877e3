package pg

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"wanotify/internal/domain"
	"wanotify/internal/store"
	"wanotify/internal/util"
)

type Store struct {
	DB  *pgxpool.Pool
	Log *zap.Logger
	Now func() time.Time

	// ReconnectDelay is the pause between change-stream reconnects.
	ReconnectDelay time.Duration
}

func New(db *pgxpool.Pool, log *zap.Logger) *Store {
	return &Store{DB: db, Log: log, Now: util.NowUTC, ReconnectDelay: 2 * time.Second}
}

func (s *Store) Ping(ctx context.Context) error { return s.DB.Ping(ctx) }

const controlColumns = `tenant_id, desired_running, command, command_seq, watch_requested, watch_requested_at, session_ever_established`

func scanControl(row pgx.Row) (domain.TenantControl, error) {
	var c domain.TenantControl
	var cmd string
	err := row.Scan(&c.TenantID, &c.DesiredRunning, &cmd, &c.CommandSeq, &c.WatchRequested, &c.WatchRequestedAt, &c.SessionEverEstablished)
	c.Command = domain.Command(cmd)
	return c, err
}

func (s *Store) GetControl(ctx context.Context, tenantID string) (domain.TenantControl, error) {
	c, err := scanControl(s.DB.QueryRow(ctx, `SELECT `+controlColumns+` FROM tenant_controls WHERE tenant_id=$1`, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.TenantControl{}, store.ErrNotFound
	}
	return c, err
}

func (s *Store) ListControls(ctx context.Context) ([]domain.TenantControl, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+controlColumns+` FROM tenant_controls ORDER BY tenant_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TenantControl
	for rows.Next() {
		c, err := scanControl(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpsertControl is used by operators and tests to seed control records.
func (s *Store) UpsertControl(ctx context.Context, c domain.TenantControl) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO tenant_controls (tenant_id, desired_running, command, watch_requested, watch_requested_at, session_ever_established, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (tenant_id) DO UPDATE SET
			desired_running=EXCLUDED.desired_running,
			command=EXCLUDED.command,
			watch_requested=EXCLUDED.watch_requested,
			watch_requested_at=EXCLUDED.watch_requested_at,
			session_ever_established=EXCLUDED.session_ever_established,
			updated_at=EXCLUDED.updated_at
	`, c.TenantID, c.DesiredRunning, string(c.Command), c.WatchRequested, c.WatchRequestedAt, c.SessionEverEstablished, s.Now())
	return err
}

// SetCommandResult replaces the disconnect request identified by seq with its
// result. It returns store.ErrStaleCommand when the record no longer holds
// that request.
func (s *Store) SetCommandResult(ctx context.Context, tenantID string, seq int64, cmd domain.Command) error {
	now := s.Now()
	ct, err := s.DB.Exec(ctx, `
		UPDATE tenant_controls SET command=$2, command_processed_at=$3, updated_at=$3
		WHERE tenant_id=$1 AND command='disconnect' AND command_seq=$4
	`, tenantID, string(cmd), now, seq)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return store.ErrStaleCommand
	}
	return nil
}

// SetSessionEstablished only writes when the value changes so that repeated
// authentications do not flood the control change stream.
func (s *Store) SetSessionEstablished(ctx context.Context, tenantID string, established bool) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE tenant_controls SET session_ever_established=$2, updated_at=$3
		WHERE tenant_id=$1 AND session_ever_established IS DISTINCT FROM $2
	`, tenantID, established, s.Now())
	return err
}

func (s *Store) WriteSessionStatus(ctx context.Context, tenantID string, u store.StatusUpdate) error {
	at := u.At
	if at.IsZero() {
		at = s.Now()
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO session_statuses (tenant_id, state, qr_payload, connected_identity, last_error, updated_at)
		VALUES ($1, $2, COALESCE($3::text, ''), COALESCE($4::text, ''), COALESCE($5::text, ''), $6)
		ON CONFLICT (tenant_id) DO UPDATE SET
			state=EXCLUDED.state,
			qr_payload=COALESCE($3::text, session_statuses.qr_payload),
			connected_identity=COALESCE($4::text, session_statuses.connected_identity),
			last_error=COALESCE($5::text, session_statuses.last_error),
			updated_at=EXCLUDED.updated_at
	`, tenantID, string(u.State), u.QRPayload, u.ConnectedIdentity, u.LastError, at)
	return err
}

func (s *Store) GetSessionStatus(ctx context.Context, tenantID string) (domain.SessionStatus, error) {
	var st domain.SessionStatus
	var state string
	err := s.DB.QueryRow(ctx, `
		SELECT tenant_id, state, qr_payload, connected_identity, last_error, updated_at
		FROM session_statuses WHERE tenant_id=$1
	`, tenantID).Scan(&st.TenantID, &state, &st.QRPayload, &st.ConnectedIdentity, &st.LastError, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.SessionStatus{}, store.ErrNotFound
	}
	st.State = domain.SessionState(state)
	return st, err
}

func (s *Store) GetEstablishment(ctx context.Context, tenantID string) (domain.Establishment, error) {
	var e domain.Establishment
	err := s.DB.QueryRow(ctx, `
		SELECT id, name, review_link, booking_link, address, include_address, whatsapp_sender
		FROM establishments WHERE id=$1
	`, tenantID).Scan(&e.ID, &e.Name, &e.ReviewLink, &e.BookingLink, &e.Address, &e.IncludeAddress, &e.WhatsAppSender)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Establishment{}, store.ErrNotFound
	}
	return e, err
}

func (s *Store) UpsertEstablishment(ctx context.Context, e domain.Establishment) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO establishments (id, name, review_link, booking_link, address, include_address, whatsapp_sender)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO UPDATE SET
			name=EXCLUDED.name, review_link=EXCLUDED.review_link, booking_link=EXCLUDED.booking_link,
			address=EXCLUDED.address, include_address=EXCLUDED.include_address, whatsapp_sender=EXCLUDED.whatsapp_sender
	`, e.ID, e.Name, e.ReviewLink, e.BookingLink, e.Address, e.IncludeAddress, e.WhatsAppSender)
	return err
}
