package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"wanotify/internal/domain"
	"wanotify/internal/store"
	"wanotify/internal/util"
)

// RealtimeTrigger reacts to the booking change stream: confirmations for
// recent bookings, review requests on a status transition.
type RealtimeTrigger struct {
	Dispatch     Dispatcher
	Policy       Policy
	RecentWindow time.Duration
	Log          *zap.Logger
	Now          func() time.Time
}

func (t *RealtimeTrigger) Run(ctx context.Context, changes <-chan store.BookingChange) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ch, ok := <-changes:
			if !ok {
				return nil
			}
			t.Handle(ctx, ch)
		}
	}
}

func (t *RealtimeTrigger) Handle(ctx context.Context, ch store.BookingChange) {
	if ch.Kind == store.ChangeRemoved {
		return
	}
	b := ch.Booking
	now := util.NowUTC
	if t.Now != nil {
		now = t.Now
	}

	if !b.ConfirmationSent && now().Sub(b.CreatedAt) <= t.RecentWindow {
		if ok, _ := t.Policy.Eligible(domain.KindConfirmation, b); ok {
			t.dispatch(ctx, domain.KindConfirmation, b)
		}
	}

	if ch.Kind == store.ChangeModified && ch.StatusChanged && !b.ReviewSent && t.Policy.TriggersReview(b.Status) {
		if ok, _ := t.Policy.Eligible(domain.KindReview, b); ok {
			t.dispatch(ctx, domain.KindReview, b)
		}
	}
}

func (t *RealtimeTrigger) dispatch(ctx context.Context, kind domain.NotificationKind, b domain.Booking) {
	job := domain.NotificationJob{Kind: kind, TenantID: b.TenantID, BookingID: b.ID, Trigger: "realtime"}
	if err := t.Dispatch.Dispatch(ctx, job); err != nil {
		t.Log.Warn("dispatch failed",
			zap.String("tenant_id", b.TenantID), zap.String("booking_id", b.ID),
			zap.String("kind", string(kind)), zap.Error(err))
	}
}
