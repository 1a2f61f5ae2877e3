package pipeline

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"wanotify/internal/domain"
	"wanotify/internal/observability"
	"wanotify/internal/util"
)

// Dispatcher carries notification jobs from the triggers to a Processor.
type Dispatcher interface {
	Dispatch(ctx context.Context, job domain.NotificationJob) error
}

type Processor interface {
	Process(ctx context.Context, job domain.NotificationJob) (Outcome, error)
}

// Inline processes jobs in-process on at most Concurrency goroutines.
// Dispatch blocks while all slots are busy.
type Inline struct {
	proc Processor
	log  *zap.Logger
	sem  chan struct{}
	wg   sync.WaitGroup
}

func NewInline(proc Processor, concurrency int, log *zap.Logger) *Inline {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Inline{proc: proc, log: log, sem: make(chan struct{}, concurrency)}
}

func (d *Inline) Dispatch(ctx context.Context, job domain.NotificationJob) error {
	if err := job.Validate(); err != nil {
		observability.Enqueues.WithLabelValues("invalid").Inc()
		return err
	}
	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		observability.Enqueues.WithLabelValues("cancelled").Inc()
		return ctx.Err()
	}
	observability.Enqueues.WithLabelValues("ok").Inc()

	d.wg.Add(1)
	jobCtx := context.WithoutCancel(ctx)
	util.SafeGo(d.log, "dispatch:"+string(job.Kind), func() {
		defer func() {
			<-d.sem
			d.wg.Done()
		}()
		o, err := d.proc.Process(jobCtx, job)
		if err != nil {
			d.log.Warn("notification job failed",
				zap.String("tenant_id", job.TenantID),
				zap.String("booking_id", job.BookingID),
				zap.String("kind", string(job.Kind)),
				zap.String("outcome", string(o)),
				zap.Error(err))
		}
	})
	return nil
}

// Wait blocks until every dispatched job finished.
func (d *Inline) Wait() { d.wg.Wait() }
