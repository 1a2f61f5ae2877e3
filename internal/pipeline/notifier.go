package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"wanotify/internal/dedup"
	"wanotify/internal/domain"
	"wanotify/internal/driver"
	"wanotify/internal/observability"
	"wanotify/internal/session"
	"wanotify/internal/store"
	"wanotify/internal/templates"
)

type Outcome string

const (
	OutcomeSent           Outcome = "sent"
	OutcomeAlreadySent    Outcome = "already_sent"
	OutcomeIneligible     Outcome = "ineligible"
	OutcomeNoSession      Outcome = "no_session"
	OutcomeInvalidAddress Outcome = "invalid_address"
	OutcomeSendFailed     Outcome = "send_failed"
	OutcomeMarkFailed     Outcome = "mark_failed"
	// OutcomeError is a store failure before anything was sent.
	OutcomeError Outcome = "error"
)

// Retryable reports whether redelivering the same job is safe and useful.
func (o Outcome) Retryable() bool { return o == OutcomeError }

type Sessions interface {
	Lookup(tenantID string) (session.Handle, bool)
}

type Store interface {
	GetBooking(ctx context.Context, tenantID, bookingID string) (domain.Booking, error)
	GetEstablishment(ctx context.Context, tenantID string) (domain.Establishment, error)
}

type Deduper interface {
	AlreadySent(tenantID, recipient string, kind domain.NotificationKind) bool
	Remember(tenantID, recipient string, kind domain.NotificationKind)
	TryMarkSent(ctx context.Context, tenantID, recipient string, kind domain.NotificationKind) (bool, error)
	ClaimWelcome(ctx context.Context, tenantID, contactID string) (*dedup.WelcomeClaim, error)
}

// Notifier is the single send-if-not-already-sent operation every trigger
// funnels into.
type Notifier struct {
	Sessions Sessions
	Store    Store
	Dedup    Deduper
	Render   *templates.Renderer
	Guard    *Guard
	Policy   Policy
	Log      *zap.Logger

	group singleflight.Group
}

type result struct {
	outcome Outcome
	err     error
}

// SendNotification sends kind for b unless it was already sent or b is not
// eligible. b may be stale; the booking is re-read before sending. The flag
// is written only after the driver accepted the message.
func (n *Notifier) SendNotification(ctx context.Context, kind domain.NotificationKind, b domain.Booking) (Outcome, error) {
	if b.Sent(kind) {
		n.Dedup.Remember(b.TenantID, b.ID, kind)
		return n.finish(kind, OutcomeAlreadySent, nil)
	}
	if ok, _ := n.Policy.Eligible(kind, b); !ok {
		return n.finish(kind, OutcomeIneligible, nil)
	}
	return n.sendShared(ctx, kind, b.TenantID, b.ID)
}

// Process handles a dispatched job.
func (n *Notifier) Process(ctx context.Context, job domain.NotificationJob) (Outcome, error) {
	if err := job.Validate(); err != nil {
		return OutcomeIneligible, err
	}
	return n.sendShared(ctx, job.Kind, job.TenantID, job.BookingID)
}

func (n *Notifier) sendShared(ctx context.Context, kind domain.NotificationKind, tenantID, bookingID string) (Outcome, error) {
	key := string(kind) + ":" + tenantID + ":" + bookingID
	v, _, _ := n.group.Do(key, func() (any, error) {
		o, err := n.send(ctx, kind, tenantID, bookingID)
		return result{o, err}, nil
	})
	r := v.(result)
	return r.outcome, r.err
}

func (n *Notifier) send(ctx context.Context, kind domain.NotificationKind, tenantID, bookingID string) (Outcome, error) {
	log := n.Log.With(zap.String("tenant_id", tenantID), zap.String("booking_id", bookingID), zap.String("kind", string(kind)))

	if n.Dedup.AlreadySent(tenantID, bookingID, kind) {
		return n.finish(kind, OutcomeAlreadySent, nil)
	}

	h, ok := n.Sessions.Lookup(tenantID)
	if !ok {
		log.Debug("no ready session, skipping")
		return n.finish(kind, OutcomeNoSession, nil)
	}

	fresh, err := n.Store.GetBooking(ctx, tenantID, bookingID)
	if errors.Is(err, store.ErrNotFound) {
		return n.finish(kind, OutcomeIneligible, nil)
	}
	if err != nil {
		return n.finish(kind, OutcomeError, fmt.Errorf("read booking: %w", err))
	}
	if fresh.Sent(kind) {
		n.Dedup.Remember(tenantID, bookingID, kind)
		return n.finish(kind, OutcomeAlreadySent, nil)
	}
	if ok, reason := n.Policy.Eligible(kind, fresh); !ok {
		log.Debug("booking not eligible", zap.String("reason", reason))
		return n.finish(kind, OutcomeIneligible, nil)
	}

	est, err := n.Store.GetEstablishment(ctx, tenantID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		est = domain.Establishment{ID: tenantID}
	case err != nil:
		return n.finish(kind, OutcomeError, fmt.Errorf("read establishment: %w", err))
	}

	text, err := n.Render.Booking(kind, fresh, est)
	if errors.Is(err, templates.ErrNoReviewLink) {
		log.Debug("establishment has no review link, skipping")
		return n.finish(kind, OutcomeIneligible, nil)
	}
	if err != nil {
		return n.finish(kind, OutcomeIneligible, err)
	}

	to, err := h.ResolveAddress(ctx, fresh.RecipientContact)
	switch {
	case errors.Is(err, session.ErrSessionGone):
		return n.finish(kind, OutcomeNoSession, nil)
	case err != nil || !to.IsIndividual():
		log.Warn("recipient has no valid messaging address", zap.String("contact", fresh.RecipientContact), zap.Error(err))
		return n.finish(kind, OutcomeInvalidAddress, nil)
	}

	msgID, err := n.Guard.Send(ctx, tenantID, func(ctx context.Context) (string, error) {
		return h.Send(ctx, to, text)
	})
	if errors.Is(err, session.ErrSessionGone) {
		return n.finish(kind, OutcomeNoSession, nil)
	}
	if err != nil {
		log.Warn("send failed, leaving flag unset", zap.Error(err))
		return n.finish(kind, OutcomeSendFailed, err)
	}

	won, err := n.Dedup.TryMarkSent(ctx, tenantID, bookingID, kind)
	if err != nil {
		log.Error("message sent but flag update failed, a later trigger may send it again",
			zap.String("message_id", msgID), zap.Error(err))
		return n.finish(kind, OutcomeMarkFailed, err)
	}
	if !won {
		log.Warn("flag was set concurrently by another sender", zap.String("message_id", msgID))
	}
	log.Info("notification sent", zap.String("to", string(to)), zap.String("message_id", msgID))
	return n.finish(kind, OutcomeSent, nil)
}

// HandleInbound answers a first contact with the welcome message, at most
// once per cooldown window per contact. The slot is claimed before sending
// and handed back if the send fails, so the next message retries.
func (n *Notifier) HandleInbound(ctx context.Context, tenantID string, msg driver.InboundMessage) (Outcome, error) {
	kind := domain.KindWelcome
	if !n.Policy.WelcomeEnabled || msg.FromMe || !msg.From.IsIndividual() {
		return n.finish(kind, OutcomeIneligible, nil)
	}
	contact := msg.From.Digits()
	log := n.Log.With(zap.String("tenant_id", tenantID), zap.String("contact", contact))

	if n.Dedup.AlreadySent(tenantID, contact, kind) {
		return n.finish(kind, OutcomeAlreadySent, nil)
	}
	h, ok := n.Sessions.Lookup(tenantID)
	if !ok {
		return n.finish(kind, OutcomeNoSession, nil)
	}

	claim, err := n.Dedup.ClaimWelcome(ctx, tenantID, contact)
	if err != nil {
		return n.finish(kind, OutcomeError, err)
	}
	if claim == nil {
		return n.finish(kind, OutcomeAlreadySent, nil)
	}

	est, err := n.Store.GetEstablishment(ctx, tenantID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Warn("establishment read failed, using defaults", zap.Error(err))
	}
	if est.ID == "" {
		est.ID = tenantID
	}

	msgID, err := n.Guard.Send(ctx, tenantID, func(ctx context.Context) (string, error) {
		return h.Send(ctx, msg.From, n.Render.Welcome(est))
	})
	if err != nil {
		log.Warn("welcome send failed, releasing the cooldown slot", zap.Error(err))
		if rerr := claim.Release(context.WithoutCancel(ctx)); rerr != nil {
			log.Error("welcome release failed", zap.Error(rerr))
		}
		return n.finish(kind, OutcomeSendFailed, err)
	}
	log.Info("welcome sent", zap.String("message_id", msgID))
	return n.finish(kind, OutcomeSent, nil)
}

func (n *Notifier) finish(kind domain.NotificationKind, o Outcome, err error) (Outcome, error) {
	observability.Notifications.WithLabelValues(string(kind), string(o)).Inc()
	return o, err
}
