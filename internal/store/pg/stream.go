package pg

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"wanotify/internal/store"
)

const (
	controlChannel = "tenant_controls"
	bookingChannel = "bookings"
)

type notifyPayload struct {
	Op        string `json:"op"`
	TenantID  string `json:"tenant_id"`
	ID        string `json:"id"`
	OldStatus string `json:"old_status"`
}

// listen holds one pooled connection LISTENing on channel until ctx is done.
// onConnect runs after every (re)connect so consumers observe a full snapshot
// before incremental changes. Reconnects are retried after ReconnectDelay.
func (s *Store) listen(ctx context.Context, channel string, onConnect func(context.Context) error, onNotify func(context.Context, notifyPayload) error) {
	log := s.Log.With(zap.String("channel", channel))
	for ctx.Err() == nil {
		err := s.listenOnce(ctx, channel, onConnect, onNotify)
		if ctx.Err() != nil {
			return
		}
		log.Warn("change stream interrupted, reconnecting", zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.ReconnectDelay):
		}
	}
}

func (s *Store) listenOnce(ctx context.Context, channel string, onConnect func(context.Context) error, onNotify func(context.Context, notifyPayload) error) error {
	conn, err := s.DB.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		// the connection goes back to the pool; it must stop listening first
		cleanup, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(cleanup, "UNLISTEN *")
		conn.Release()
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return err
	}
	if err := onConnect(ctx); err != nil {
		return err
	}

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var p notifyPayload
		if err := json.Unmarshal([]byte(n.Payload), &p); err != nil {
			s.Log.Warn("bad notification payload", zap.String("channel", channel), zap.String("payload", n.Payload))
			continue
		}
		if err := onNotify(ctx, p); err != nil {
			if ctx.Err() != nil {
				return err
			}
			s.Log.Error("change stream handler failed", zap.String("channel", channel), zap.String("tenant_id", p.TenantID), zap.Error(err))
		}
	}
}

// WatchControls streams tenant control records: every record as added on
// (re)connect, then one change per committed write, in commit order.
func (s *Store) WatchControls(ctx context.Context) (<-chan store.ControlChange, error) {
	out := make(chan store.ControlChange, 64)
	emit := func(ctx context.Context, c store.ControlChange) error {
		select {
		case out <- c:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	snapshot := func(ctx context.Context) error {
		controls, err := s.ListControls(ctx)
		if err != nil {
			return err
		}
		for _, c := range controls {
			if err := emit(ctx, store.ControlChange{Kind: store.ChangeAdded, Control: c}); err != nil {
				return err
			}
		}
		return nil
	}

	onNotify := func(ctx context.Context, p notifyPayload) error {
		if p.Op == "DELETE" {
			ch := store.ControlChange{Kind: store.ChangeRemoved}
			ch.Control.TenantID = p.TenantID
			return emit(ctx, ch)
		}
		c, err := s.GetControl(ctx, p.TenantID)
		if errors.Is(err, store.ErrNotFound) {
			// deleted after the notification was sent; the DELETE follows
			return nil
		}
		if err != nil {
			return err
		}
		kind := store.ChangeModified
		if p.Op == "INSERT" {
			kind = store.ChangeAdded
		}
		return emit(ctx, store.ControlChange{Kind: kind, Control: c})
	}

	go func() {
		defer close(out)
		s.listen(ctx, controlChannel, snapshot, onNotify)
	}()
	return out, nil
}

// WatchBookings streams bookings created within window of now. Flag-only
// updates are not published by the database trigger.
func (s *Store) WatchBookings(ctx context.Context, window time.Duration) (<-chan store.BookingChange, error) {
	out := make(chan store.BookingChange, 256)
	emit := func(ctx context.Context, c store.BookingChange) error {
		select {
		case out <- c:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	snapshot := func(ctx context.Context) error {
		bookings, err := s.listBookingsCreatedSince(ctx, s.Now().Add(-window))
		if err != nil {
			return err
		}
		for _, b := range bookings {
			if err := emit(ctx, store.BookingChange{Kind: store.ChangeAdded, Booking: b}); err != nil {
				return err
			}
		}
		return nil
	}

	onNotify := func(ctx context.Context, p notifyPayload) error {
		if p.Op == "DELETE" {
			return nil
		}
		b, err := s.GetBooking(ctx, p.TenantID, p.ID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if b.CreatedAt.Before(s.Now().Add(-window)) {
			return nil
		}
		ch := store.BookingChange{Kind: store.ChangeAdded, Booking: b}
		if p.Op == "UPDATE" {
			ch.Kind = store.ChangeModified
			ch.PreviousStatus = p.OldStatus
			ch.StatusChanged = p.OldStatus != b.Status
		}
		return emit(ctx, ch)
	}

	go func() {
		defer close(out)
		s.listen(ctx, bookingChannel, snapshot, onNotify)
	}()
	return out, nil
}
