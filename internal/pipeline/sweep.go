package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"wanotify/internal/domain"
	"wanotify/internal/observability"
	"wanotify/internal/util"
)

type SweepStore interface {
	ListBookingsScheduledBetween(ctx context.Context, from, to time.Time) ([]domain.Booking, error)
	ListRecentBookings(ctx context.Context, tenantID string, since time.Time) ([]domain.Booking, error)
}

type SweepConfig struct {
	ReminderLead      time.Duration
	ReminderTolerance time.Duration
	ReviewPostDelay   time.Duration
	ReviewTolerance   time.Duration
	RecentWindow      time.Duration
}

// Sweeper scans time windows for reminders and reviews, and recent history
// for confirmations missed while a tenant was offline.
type Sweeper struct {
	Store    SweepStore
	Dispatch Dispatcher
	Policy   Policy
	Cfg      SweepConfig
	Log      *zap.Logger
	Now      func() time.Time
}

func (s *Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return util.NowUTC()
}

// ReminderWindow is [now+lead, now+lead+tolerance].
func (s *Sweeper) ReminderWindow(now time.Time) (time.Time, time.Time) {
	from := now.Add(s.Cfg.ReminderLead)
	return from, from.Add(s.Cfg.ReminderTolerance)
}

// ReviewWindow is [now-postDelay-tolerance, now-postDelay].
func (s *Sweeper) ReviewWindow(now time.Time) (time.Time, time.Time) {
	to := now.Add(-s.Cfg.ReviewPostDelay)
	return to.Add(-s.Cfg.ReviewTolerance), to
}

// Sweep runs both window scans. Errors of one scan do not stop the other.
func (s *Sweeper) Sweep(ctx context.Context) error {
	now := s.now()
	rerr := s.sweepWindow(ctx, domain.KindReminder, now, s.ReminderWindow)
	verr := s.sweepWindow(ctx, domain.KindReview, now, s.ReviewWindow)
	if rerr != nil {
		return rerr
	}
	return verr
}

func (s *Sweeper) sweepWindow(ctx context.Context, kind domain.NotificationKind, now time.Time, window func(time.Time) (time.Time, time.Time)) error {
	from, to := window(now)
	bookings, err := s.Store.ListBookingsScheduledBetween(ctx, from, to)
	if err != nil {
		observability.SweepRuns.WithLabelValues(string(kind), "error").Inc()
		return fmt.Errorf("%s sweep: %w", kind, err)
	}
	n := s.dispatchEligible(ctx, kind, bookings, "sweep")
	observability.SweepRuns.WithLabelValues(string(kind), "ok").Inc()
	if n > 0 {
		s.Log.Info("sweep dispatched",
			zap.String("kind", string(kind)), zap.Int("jobs", n),
			zap.Time("from", from), zap.Time("to", to))
	}
	return nil
}

// CatchUp dispatches confirmations for the tenant's recent bookings that
// never got one. Its signature matches session.ReadyFunc.
func (s *Sweeper) CatchUp(ctx context.Context, tenantID string) {
	since := s.now().Add(-s.Cfg.RecentWindow)
	bookings, err := s.Store.ListRecentBookings(ctx, tenantID, since)
	if err != nil {
		observability.SweepRuns.WithLabelValues("catchup", "error").Inc()
		s.Log.Warn("catch-up query failed", zap.String("tenant_id", tenantID), zap.Error(err))
		return
	}
	n := s.dispatchEligible(ctx, domain.KindConfirmation, bookings, "catchup")
	observability.SweepRuns.WithLabelValues("catchup", "ok").Inc()
	s.Log.Info("catch-up done", zap.String("tenant_id", tenantID), zap.Int("scanned", len(bookings)), zap.Int("jobs", n))
}

func (s *Sweeper) dispatchEligible(ctx context.Context, kind domain.NotificationKind, bookings []domain.Booking, trigger string) int {
	n := 0
	for _, b := range bookings {
		if b.Sent(kind) {
			continue
		}
		if ok, _ := s.Policy.Eligible(kind, b); !ok {
			continue
		}
		job := domain.NotificationJob{Kind: kind, TenantID: b.TenantID, BookingID: b.ID, Trigger: trigger}
		if err := s.Dispatch.Dispatch(ctx, job); err != nil {
			s.Log.Warn("dispatch failed", zap.String("tenant_id", b.TenantID), zap.String("booking_id", b.ID), zap.Error(err))
			if ctx.Err() != nil {
				return n
			}
			continue
		}
		n++
	}
	return n
}

// Scheduler runs the sweeper on a cron schedule. Overlapping runs are
// skipped.
type Scheduler struct {
	c *cron.Cron
}

func NewScheduler(ctx context.Context, spec string, s *Sweeper, log *zap.Logger) (*Scheduler, error) {
	clog := cron.PrintfLogger(zap.NewStdLog(log.Named("cron")))
	c := cron.New(
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)
	if _, err := c.AddFunc(spec, func() {
		if err := s.Sweep(ctx); err != nil {
			log.Warn("sweep failed", zap.Error(err))
		}
	}); err != nil {
		return nil, fmt.Errorf("sweep schedule %q: %w", spec, err)
	}
	return &Scheduler{c: c}, nil
}

func (s *Scheduler) Start() { s.c.Start() }

// Stop stops scheduling and waits for a running sweep.
func (s *Scheduler) Stop() { <-s.c.Stop().Done() }
