package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"wanotify/internal/domain"
	"wanotify/internal/observability"
	"wanotify/internal/session"
	"wanotify/internal/store"
	"wanotify/internal/util"
)

// SessionControl is the part of session.Manager the supervisor drives.
type SessionControl interface {
	Start(ctx context.Context, tenantID string) error
	Stop(ctx context.Context, tenantID string) error
	Reset(ctx context.Context, tenantID string) error
	SetWatch(tenantID string, requested bool, at *time.Time)
	Held(tenantID string) bool
}

type CommandStore interface {
	SetCommandResult(ctx context.Context, tenantID string, seq int64, cmd domain.Command) error
}

type Config struct {
	WatchFreshness time.Duration
	StopDelay      time.Duration
}

// Supervisor turns tenant control changes into session commands.
//
// The per-tenant memory below is only touched by the goroutine calling
// Apply (plus stop timers, which hold mu). Session commands run on a
// per-tenant ordered executor so a slow tenant never stalls the stream.
type Supervisor struct {
	ctl  SessionControl
	cmds CommandStore
	cfg  Config
	log  *zap.Logger
	Now  func() time.Time

	mu      sync.Mutex
	tenants map[string]*tenantState
	execs   map[string]*executor
	closed  bool
}

type tenantState struct {
	command     domain.Command
	commandSeq  int64
	watchActive bool
	shouldRun   bool

	stopTimer *time.Timer
	stopGen   uint64
}

func New(ctl SessionControl, cmds CommandStore, cfg Config, log *zap.Logger) *Supervisor {
	return &Supervisor{
		ctl:     ctl,
		cmds:    cmds,
		cfg:     cfg,
		log:     log,
		Now:     util.NowUTC,
		tenants: map[string]*tenantState{},
		execs:   map[string]*executor{},
	}
}

// Run consumes changes until ctx is done or the stream closes.
func (s *Supervisor) Run(ctx context.Context, changes <-chan store.ControlChange) error {
	for {
		select {
		case <-ctx.Done():
			s.Close()
			return ctx.Err()
		case ch, ok := <-changes:
			if !ok {
				s.Close()
				return nil
			}
			s.Apply(ctx, ch)
		}
	}
}

// Apply processes a single change. Callers must not invoke it concurrently.
func (s *Supervisor) Apply(ctx context.Context, ch store.ControlChange) {
	c := ch.Control
	id := c.TenantID
	if id == "" {
		return
	}
	log := s.log.With(zap.String("tenant_id", id))

	if ch.Kind == store.ChangeRemoved {
		s.mu.Lock()
		if st, ok := s.tenants[id]; ok {
			st.cancelStopLocked()
			delete(s.tenants, id)
		}
		s.mu.Unlock()
		log.Info("tenant removed, stopping session")
		s.submit(ctx, id, func(ctx context.Context) {
			if err := s.ctl.Stop(ctx, id); err != nil {
				log.Warn("stop failed", zap.Error(err))
			}
		})
		return
	}

	now := s.Now()
	watchActive := c.WatchActive(now, s.cfg.WatchFreshness)
	shouldRun := c.ShouldRun(now, s.cfg.WatchFreshness)

	s.mu.Lock()
	st, ok := s.tenants[id]
	if !ok {
		st = &tenantState{}
		s.tenants[id] = st
	}
	prevCommand := st.command
	prevSeq := st.commandSeq
	prevWatch := st.watchActive
	prevShouldRun := st.shouldRun
	st.command = c.Command
	st.commandSeq = c.CommandSeq
	st.watchActive = watchActive
	s.mu.Unlock()

	s.ctl.SetWatch(id, c.WatchRequested, c.WatchRequestedAt)

	if c.Command == domain.CommandDisconnect && (prevCommand != domain.CommandDisconnect || c.CommandSeq != prevSeq) {
		s.mu.Lock()
		st.cancelStopLocked()
		st.shouldRun = true
		s.mu.Unlock()
		seq := c.CommandSeq
		s.submit(ctx, id, func(ctx context.Context) { s.disconnect(ctx, id, seq, log) })
		return
	}

	// a held tenant is only re-armed while the operator still wants it running
	if watchActive && !prevWatch && c.DesiredRunning {
		s.submit(ctx, id, func(ctx context.Context) {
			if !s.ctl.Held(id) {
				return
			}
			log.Info("operator watch re-armed held tenant, starting")
			s.start(ctx, id, log)
		})
	}

	if shouldRun == prevShouldRun {
		return
	}

	s.mu.Lock()
	st.shouldRun = shouldRun
	switch {
	case shouldRun:
		st.cancelStopLocked()
		s.mu.Unlock()
		s.submit(ctx, id, func(ctx context.Context) { s.start(ctx, id, log) })
	case c.DesiredRunning:
		s.scheduleStopLocked(ctx, id, st, log)
		s.mu.Unlock()
	default:
		st.cancelStopLocked()
		s.mu.Unlock()
		s.submit(ctx, id, func(ctx context.Context) {
			if err := s.ctl.Stop(ctx, id); err != nil {
				log.Warn("stop failed", zap.Error(err))
			}
		})
	}
}

func (s *Supervisor) disconnect(ctx context.Context, id string, seq int64, log *zap.Logger) {
	result := domain.CommandDone
	if err := s.ctl.Reset(ctx, id); err != nil {
		result = domain.CommandError
		log.Error("disconnect command failed", zap.Error(err))
	} else {
		log.Info("disconnect command processed")
	}
	observability.SupervisorCommands.WithLabelValues(string(domain.CommandDisconnect), string(result)).Inc()
	switch err := s.cmds.SetCommandResult(ctx, id, seq, result); {
	case errors.Is(err, store.ErrStaleCommand):
		log.Info("disconnect command superseded by a newer request", zap.Int64("command_seq", seq))
	case err != nil:
		log.Error("writing command result failed", zap.String("result", string(result)), zap.Error(err))
	}
}

func (s *Supervisor) start(ctx context.Context, id string, log *zap.Logger) {
	err := s.ctl.Start(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrHeld):
		log.Info("session held after fatal disconnect, waiting for operator watch")
	default:
		log.Warn("start failed", zap.Error(err))
	}
}

// scheduleStopLocked arms a delayed stop that is void if shouldRun turns
// true again before it fires.
func (s *Supervisor) scheduleStopLocked(ctx context.Context, id string, st *tenantState, log *zap.Logger) {
	st.cancelStopLocked()
	gen := st.stopGen
	delay := s.cfg.StopDelay
	log.Debug("scheduling delayed stop", zap.Duration("delay", delay))
	st.stopTimer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if st.stopGen != gen || s.closed {
			s.mu.Unlock()
			return
		}
		st.stopTimer = nil
		s.mu.Unlock()
		s.submit(ctx, id, func(ctx context.Context) {
			s.mu.Lock()
			stale := st.stopGen != gen
			s.mu.Unlock()
			if stale {
				return
			}
			log.Info("delayed stop elapsed, stopping session")
			if err := s.ctl.Stop(ctx, id); err != nil {
				log.Warn("stop failed", zap.Error(err))
			}
		})
	})
}

func (st *tenantState) cancelStopLocked() {
	st.stopGen++
	if st.stopTimer != nil {
		st.stopTimer.Stop()
		st.stopTimer = nil
	}
}

// Close cancels pending delayed stops. Queued commands still drain.
func (s *Supervisor) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, st := range s.tenants {
		st.cancelStopLocked()
	}
}

// Idle reports whether no session command is queued or running.
func (s *Supervisor) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.execs {
		if e.busy() {
			return false
		}
	}
	return true
}

func (s *Supervisor) submit(ctx context.Context, id string, task func(context.Context)) {
	s.mu.Lock()
	e, ok := s.execs[id]
	if !ok {
		e = &executor{name: "supervisor:" + id, log: s.log}
		s.execs[id] = e
	}
	s.mu.Unlock()
	e.submit(context.WithoutCancel(ctx), task)
}

// executor runs tasks for one tenant in submission order on a single
// goroutine that exits when the queue is empty.
type executor struct {
	name string
	log  *zap.Logger

	mu      sync.Mutex
	queue   []queued
	running bool
}

type queued struct {
	ctx  context.Context
	task func(context.Context)
}

func (e *executor) submit(ctx context.Context, task func(context.Context)) {
	e.mu.Lock()
	e.queue = append(e.queue, queued{ctx: ctx, task: task})
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()
	go e.drain()
}

func (e *executor) drain() {
	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			e.running = false
			e.mu.Unlock()
			return
		}
		q := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()

		e.run(q)
	}
}

func (e *executor) run(q queued) {
	defer util.Recover(e.log, e.name)
	q.task(q.ctx)
}

func (e *executor) busy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}
