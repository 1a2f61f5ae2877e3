package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"wanotify/internal/util"
)

// LivenessCheck reports the driver connection state; "" means unknown.
type LivenessCheck func(ctx context.Context) (string, error)

// Watchdog polls a ready session and calls onStale once when no healthy
// answer was seen for longer than grace.
type Watchdog struct {
	check    LivenessCheck
	interval time.Duration
	grace    time.Duration
	now      func() time.Time
	onStale  func()
	log      *zap.Logger

	mu          sync.Mutex
	lastHealthy time.Time
	cancel      context.CancelFunc
}

func NewWatchdog(check LivenessCheck, interval, grace time.Duration, now func() time.Time, onStale func(), log *zap.Logger) *Watchdog {
	if now == nil {
		now = util.NowUTC
	}
	return &Watchdog{check: check, interval: interval, grace: grace, now: now, onStale: onStale, log: log}
}

func (w *Watchdog) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.lastHealthy = w.now()
	w.mu.Unlock()
	util.SafeGo(w.log, "watchdog", func() { w.loop(ctx) })
}

// Stop cancels the polling loop without waiting for it.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		w.cancel()
	}
}

func (w *Watchdog) LastHealthy() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastHealthy
}

func (w *Watchdog) loop(ctx context.Context) {
	t := time.NewTicker(w.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		timeout := w.interval
		if timeout > 10*time.Second {
			timeout = 10 * time.Second
		}
		pctx, cancel := context.WithTimeout(ctx, timeout)
		state, err := w.check(pctx)
		cancel()
		if ctx.Err() != nil {
			return
		}

		now := w.now()
		w.mu.Lock()
		if err == nil && state != "" {
			w.lastHealthy = now
		}
		stale := now.Sub(w.lastHealthy) > w.grace
		w.mu.Unlock()

		if err != nil {
			w.log.Debug("liveness check failed", zap.Error(err))
		}
		if stale {
			w.onStale()
			return
		}
	}
}
