// Package session runs one messaging session per tenant and drives it
// through idle → starting → qr/authenticated → ready → disconnected/error.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"wanotify/internal/domain"
	"wanotify/internal/driver"
	"wanotify/internal/logging"
	"wanotify/internal/observability"
	"wanotify/internal/store"
	"wanotify/internal/util"
)

var (
	ErrSessionGone = errors.New("session is not ready")
	ErrHeld        = errors.New("session held after fatal authentication failure")
)

const (
	destroyTimeout     = 15 * time.Second
	statusWriteTimeout = 5 * time.Second
	maxPendingMessages = 200
)

type StatusStore interface {
	WriteSessionStatus(ctx context.Context, tenantID string, u store.StatusUpdate) error
	SetSessionEstablished(ctx context.Context, tenantID string, established bool) error
}

type Config struct {
	StartupTimeout      time.Duration
	StartupTimeoutSaved time.Duration
	RetryDelay          time.Duration
	HealthInterval      time.Duration
	HealthGrace         time.Duration
	WatchFreshness      time.Duration
}

type ReadyFunc func(ctx context.Context, tenantID string)
type MessageFunc func(ctx context.Context, tenantID string, msg driver.InboundMessage)

type Manager struct {
	factory driver.Factory
	status  StatusStore
	cfg     Config
	log     *zap.Logger
	dir     *Directory

	// Now is the clock used for watch freshness and status timestamps.
	Now func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	tenants map[string]*tenant

	cbMu      sync.RWMutex
	onReady   []ReadyFunc
	onMessage []MessageFunc
}

// tenant is the runtime of one tenant. All fields are guarded by mu, which
// also serialises start, stop and reset for the tenant.
type tenant struct {
	id  string
	log *zap.Logger

	mu        sync.Mutex
	inst      *instance
	state     domain.SessionState
	lastError string
	updatedAt time.Time

	watch   bool
	watchAt *time.Time

	// held is set after a fatal failure; only a fresh watch lifts it.
	held          bool
	fatalRestart  bool
	failures      int
	retry         *time.Timer
	retryGen      int
	pending       []driver.InboundMessage
	instanceCount int
}

type instance struct {
	id       string
	drv      driver.Driver
	fresh    bool
	ctx      context.Context
	cancel   context.CancelFunc
	guard    *time.Timer
	guardFor time.Duration
	watchdog *Watchdog
	started  time.Time
	readyAt  time.Time
}

func NewManager(factory driver.Factory, status StatusStore, cfg Config, log *zap.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		factory: factory,
		status:  status,
		cfg:     cfg,
		log:     log,
		dir:     newDirectory(),
		Now:     util.NowUTC,
		ctx:     ctx,
		cancel:  cancel,
		tenants: map[string]*tenant{},
	}
}

// OnReady registers fn to run (in its own goroutine) each time a tenant's
// session becomes ready. Register before starting sessions.
func (m *Manager) OnReady(fn ReadyFunc) {
	m.cbMu.Lock()
	m.onReady = append(m.onReady, fn)
	m.cbMu.Unlock()
}

// OnMessage registers fn for inbound messages of ready sessions.
func (m *Manager) OnMessage(fn MessageFunc) {
	m.cbMu.Lock()
	m.onMessage = append(m.onMessage, fn)
	m.cbMu.Unlock()
}

func (m *Manager) Lookup(tenantID string) (Handle, bool) { return m.dir.Lookup(tenantID) }

func (m *Manager) tenant(id string) *tenant {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		t = &tenant{id: id, log: logging.Tenant(m.log, id), state: domain.StateIdle}
		m.tenants[id] = t
	}
	return t
}

func (m *Manager) existing(id string) *tenant {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tenants[id]
}

// Start launches the tenant's session unless one is already running.
func (m *Manager) Start(ctx context.Context, tenantID string) error {
	if m.ctx.Err() != nil {
		return context.Canceled
	}
	t := m.tenant(tenantID)
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.inst != nil {
		return nil
	}
	fresh := false
	if t.held {
		if !m.watchActiveLocked(t) {
			return ErrHeld
		}
		t.held = false
		fresh = true
	}
	t.failures = 0
	t.fatalRestart = false
	t.cancelRetryLocked()
	return m.startLocked(ctx, t, fresh)
}

// Stop tears the tenant's session down. Stopping a stopped tenant is a no-op.
func (m *Manager) Stop(ctx context.Context, tenantID string) error {
	t := m.existing(tenantID)
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cancelRetryLocked()
	if t.inst == nil {
		return nil
	}
	m.teardownLocked(t)
	if n := len(t.pending); n > 0 {
		t.log.Info("dropping queued inbound messages on stop", zap.Int("count", n))
		t.pending = nil
	}
	m.setStateLocked(t, domain.StateDisconnected, store.StatusUpdate{})
	return nil
}

// Reset stops the session, discards its credentials and starts a fresh link.
func (m *Manager) Reset(ctx context.Context, tenantID string) error {
	if m.ctx.Err() != nil {
		return context.Canceled
	}
	t := m.tenant(tenantID)
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cancelRetryLocked()
	m.teardownLocked(t)
	if err := m.factory.ClearCredentials(ctx, tenantID); err != nil {
		m.setStateLocked(t, domain.StateError, store.StatusUpdate{LastError: store.Str("clear credentials: " + err.Error())})
		return fmt.Errorf("clear credentials: %w", err)
	}
	m.markEstablishedLocked(t, false)
	t.held = false
	t.fatalRestart = false
	t.failures = 0
	return m.startLocked(ctx, t, true)
}

// SetWatch records the operator watch flag for the tenant.
func (m *Manager) SetWatch(tenantID string, requested bool, at *time.Time) {
	t := m.tenant(tenantID)
	t.mu.Lock()
	t.watch = requested
	t.watchAt = at
	t.mu.Unlock()
}

func (m *Manager) Held(tenantID string) bool {
	t := m.existing(tenantID)
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.held
}

func (m *Manager) State(tenantID string) domain.SessionState {
	t := m.existing(tenantID)
	if t == nil {
		return domain.StateIdle
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

type TenantSnapshot struct {
	TenantID        string              `json:"tenantId"`
	State           domain.SessionState `json:"state"`
	InstanceID      string              `json:"instanceId,omitempty"`
	StartedAt       *time.Time          `json:"startedAt,omitempty"`
	ReadyAt         *time.Time          `json:"readyAt,omitempty"`
	LastHealthyAt   *time.Time          `json:"lastHealthyAt,omitempty"`
	LastError       string              `json:"lastError,omitempty"`
	Held            bool                `json:"held"`
	Failures        int                 `json:"failures"`
	RetryPending    bool                `json:"retryPending"`
	WatchRequested  bool                `json:"watchRequested"`
	PendingMessages int                 `json:"pendingMessages"`
	Instances       int                 `json:"instances"`
	UpdatedAt       time.Time           `json:"updatedAt"`
}

func (m *Manager) Snapshot() []TenantSnapshot {
	m.mu.Lock()
	ts := make([]*tenant, 0, len(m.tenants))
	for _, t := range m.tenants {
		ts = append(ts, t)
	}
	m.mu.Unlock()

	out := make([]TenantSnapshot, 0, len(ts))
	for _, t := range ts {
		t.mu.Lock()
		s := TenantSnapshot{
			TenantID:        t.id,
			State:           t.state,
			LastError:       t.lastError,
			Held:            t.held,
			Failures:        t.failures,
			RetryPending:    t.retry != nil,
			WatchRequested:  t.watch,
			PendingMessages: len(t.pending),
			Instances:       t.instanceCount,
			UpdatedAt:       t.updatedAt,
		}
		if inst := t.inst; inst != nil {
			s.InstanceID = inst.id
			started := inst.started
			s.StartedAt = &started
			if !inst.readyAt.IsZero() {
				ready := inst.readyAt
				s.ReadyAt = &ready
			}
			if inst.watchdog != nil {
				lh := inst.watchdog.LastHealthy()
				s.LastHealthyAt = &lh
			}
		}
		t.mu.Unlock()
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out
}

// Shutdown stops every session and cancels background work.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.tenants))
	for id := range m.tenants {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Stop(ctx, id)
		}()
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		m.log.Warn("session shutdown timed out")
	}
	m.cancel()
}

func (m *Manager) watchActiveLocked(t *tenant) bool {
	c := domain.TenantControl{WatchRequested: t.watch, WatchRequestedAt: t.watchAt}
	return c.WatchActive(m.Now(), m.cfg.WatchFreshness)
}

func (m *Manager) startLocked(ctx context.Context, t *tenant, fresh bool) error {
	drv, err := m.factory.New(ctx, driver.Options{TenantID: t.id, FreshCredentials: fresh})
	if err != nil {
		m.setStateLocked(t, domain.StateError, store.StatusUpdate{LastError: store.Str("create driver: " + err.Error())})
		return fmt.Errorf("create driver: %w", err)
	}

	ictx, cancel := context.WithCancel(m.ctx)
	inst := &instance{
		id:      util.NewID("sess_"),
		drv:     drv,
		fresh:   fresh,
		ctx:     ictx,
		cancel:  cancel,
		started: m.Now(),
	}
	inst.guardFor = m.cfg.StartupTimeout
	if !fresh && m.factory.HasSavedCredentials(ctx, t.id) {
		inst.guardFor = m.cfg.StartupTimeoutSaved
	}
	t.inst = inst
	t.instanceCount++
	observability.LiveSessions.Inc()

	inst.guard = time.AfterFunc(inst.guardFor, func() {
		defer util.Recover(t.log, "startup-guard")
		m.onStartupTimeout(t, inst)
	})
	m.setStateLocked(t, domain.StateStarting, store.StatusUpdate{LastError: store.Str("")})
	t.log.Info("session starting",
		zap.String("instance_id", inst.id),
		zap.Bool("fresh_credentials", fresh),
		zap.Duration("startup_timeout", inst.guardFor),
	)

	util.SafeGo(t.log, "session-events", func() { m.eventLoop(t, inst) })
	util.SafeGo(t.log, "session-initialize", func() {
		if err := drv.Initialize(ictx); err != nil && ictx.Err() == nil {
			m.handleFailure(t, inst, "initialize: "+err.Error())
		}
	})
	return nil
}

// teardownLocked destroys the current instance synchronously so that a
// following start never overlaps with it.
func (m *Manager) teardownLocked(t *tenant) {
	inst := t.inst
	if inst == nil {
		return
	}
	t.inst = nil
	inst.cancel()
	if inst.guard != nil {
		inst.guard.Stop()
	}
	if inst.watchdog != nil {
		inst.watchdog.Stop()
	}
	m.dir.remove(t.id, inst)

	dctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
	defer cancel()
	if err := inst.drv.Destroy(dctx); err != nil {
		t.log.Warn("driver destroy failed", zap.String("instance_id", inst.id), zap.Error(err))
	}
	observability.LiveSessions.Dec()
}

func (t *tenant) cancelRetryLocked() {
	if t.retry != nil {
		t.retry.Stop()
		t.retry = nil
	}
	t.retryGen++
}

func (m *Manager) setStateLocked(t *tenant, state domain.SessionState, u store.StatusUpdate) {
	now := m.Now()
	t.state = state
	t.updatedAt = now
	if u.LastError != nil {
		t.lastError = *u.LastError
	}
	observability.SessionTransitions.WithLabelValues(string(state)).Inc()

	u.State = state
	u.At = now
	ctx, cancel := context.WithTimeout(context.Background(), statusWriteTimeout)
	defer cancel()
	if err := m.status.WriteSessionStatus(ctx, t.id, u); err != nil {
		t.log.Error("write session status failed", zap.String("state", string(state)), zap.Error(err))
	}
}

func (m *Manager) markEstablishedLocked(t *tenant, established bool) {
	ctx, cancel := context.WithTimeout(context.Background(), statusWriteTimeout)
	defer cancel()
	if err := m.status.SetSessionEstablished(ctx, t.id, established); err != nil {
		t.log.Error("write session established flag failed", zap.Bool("established", established), zap.Error(err))
	}
}

func (m *Manager) eventLoop(t *tenant, inst *instance) {
	events := inst.drv.Events()
	for {
		select {
		case <-inst.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				m.handleFailure(t, inst, "event stream closed")
				return
			}
			m.handleEvent(t, inst, ev)
		}
	}
}

func (m *Manager) handleEvent(t *tenant, inst *instance, ev driver.Event) {
	switch ev.Type {
	case driver.EventError, driver.EventDisconnected:
		reason := ev.Reason
		if reason == "" {
			reason = string(ev.Type)
		}
		m.handleFailure(t, inst, reason)
		return
	case driver.EventMessage:
		m.handleMessage(t, inst, ev.Message)
		return
	}

	var after func()
	t.mu.Lock()
	if t.inst != inst {
		t.mu.Unlock()
		return
	}
	switch ev.Type {
	case driver.EventQR:
		touchGuard(inst)
		if m.watchActiveLocked(t) {
			qr := ev.QR
			m.setStateLocked(t, domain.StateQR, store.StatusUpdate{QRPayload: &qr})
		} else {
			t.log.Debug("qr received without an active watch; not published")
		}
	case driver.EventLoading, driver.EventStateChange:
		touchGuard(inst)
	case driver.EventAuthenticated:
		touchGuard(inst)
		m.setStateLocked(t, domain.StateAuthenticated, store.StatusUpdate{})
		m.markEstablishedLocked(t, true)
	case driver.EventReady:
		after = m.readyLocked(t, inst)
	}
	t.mu.Unlock()

	if after != nil {
		after()
	}
}

func touchGuard(inst *instance) {
	if inst.guard != nil && inst.readyAt.IsZero() {
		inst.guard.Reset(inst.guardFor)
	}
}

// readyLocked registers the session and returns the work that must run after
// the tenant lock is released.
func (m *Manager) readyLocked(t *tenant, inst *instance) func() {
	if !inst.readyAt.IsZero() {
		return nil
	}
	if inst.guard != nil {
		inst.guard.Stop()
	}
	inst.readyAt = m.Now()
	t.failures = 0
	t.fatalRestart = false

	identity := inst.drv.Identity()
	m.setStateLocked(t, domain.StateReady, store.StatusUpdate{
		ConnectedIdentity: &identity,
		QRPayload:         store.Str(""),
		LastError:         store.Str(""),
	})
	m.dir.put(&handle{tenantID: t.id, inst: inst})

	inst.watchdog = NewWatchdog(inst.drv.LivenessState, m.cfg.HealthInterval, m.cfg.HealthGrace, m.Now,
		func() { m.onStale(t, inst) }, t.log)
	inst.watchdog.Start(inst.ctx)

	pending := t.pending
	t.pending = nil
	sort.SliceStable(pending, func(i, j int) bool { return pending[i].ReceivedAt.Before(pending[j].ReceivedAt) })

	t.log.Info("session ready",
		zap.String("instance_id", inst.id),
		zap.String("identity", identity),
		zap.Int("queued_messages", len(pending)),
	)

	return func() {
		if len(pending) > 0 {
			m.dispatchMessages(inst.ctx, t, pending)
		}
		m.cbMu.RLock()
		cbs := append([]ReadyFunc(nil), m.onReady...)
		m.cbMu.RUnlock()
		for _, cb := range cbs {
			cb := cb
			util.SafeGo(t.log, "ready-callback", func() { cb(inst.ctx, t.id) })
		}
	}
}

func (m *Manager) handleMessage(t *tenant, inst *instance, msg *driver.InboundMessage) {
	if msg == nil {
		return
	}
	t.mu.Lock()
	if t.inst != inst {
		t.mu.Unlock()
		return
	}
	if inst.readyAt.IsZero() {
		if len(t.pending) >= maxPendingMessages {
			t.pending = t.pending[1:]
		}
		t.pending = append(t.pending, *msg)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	m.dispatchMessages(inst.ctx, t, []driver.InboundMessage{*msg})
}

// dispatchMessages hands msgs, in order, to the message callbacks on a
// separate goroutine.
func (m *Manager) dispatchMessages(ctx context.Context, t *tenant, msgs []driver.InboundMessage) {
	m.cbMu.RLock()
	cbs := append([]MessageFunc(nil), m.onMessage...)
	m.cbMu.RUnlock()
	if len(cbs) == 0 {
		return
	}
	util.SafeGo(t.log, "message-callback", func() {
		for _, msg := range msgs {
			for _, cb := range cbs {
				cb(ctx, t.id, msg)
			}
		}
	})
}

func (m *Manager) onStartupTimeout(t *tenant, inst *instance) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inst != inst || !inst.readyAt.IsZero() {
		return
	}
	t.log.Warn("session startup timed out", zap.String("instance_id", inst.id), zap.Duration("timeout", inst.guardFor))
	m.transientLocked(t, "startup timeout")
}

func (m *Manager) handleFailure(t *tenant, inst *instance, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inst != inst {
		return
	}
	if IsFatal(reason) {
		m.fatalLocked(t, reason)
		return
	}
	m.transientLocked(t, reason)
}

// fatalLocked handles a revoked or rejected session. Credentials are cleared
// and the tenant is held until an operator watch is present.
func (m *Manager) fatalLocked(t *tenant, reason string) {
	observability.FatalDisconnects.Inc()
	t.log.Warn("session invalidated", zap.String("reason", reason))

	m.teardownLocked(t)
	ctx, cancel := context.WithTimeout(context.Background(), statusWriteTimeout)
	defer cancel()
	if err := m.factory.ClearCredentials(ctx, t.id); err != nil {
		t.log.Error("clear credentials failed", zap.Error(err))
	}
	m.markEstablishedLocked(t, false)
	t.failures = 0

	if m.watchActiveLocked(t) && !t.fatalRestart {
		t.fatalRestart = true
		m.setStateLocked(t, domain.StateError, store.StatusUpdate{
			LastError: store.Str("session invalidated (" + reason + "); starting a new link"),
		})
		observability.SessionRestarts.WithLabelValues("fatal_watch").Inc()
		if err := m.startLocked(m.ctx, t, true); err != nil {
			t.log.Error("restart after fatal failure failed", zap.Error(err))
		}
		return
	}

	t.held = true
	m.setStateLocked(t, domain.StateError, store.StatusUpdate{
		LastError: store.Str("session invalidated (" + reason + "); request a new QR code to link again"),
	})
}

// transientLocked retries once with the same credentials, then once with
// fresh credentials, then gives up.
func (m *Manager) transientLocked(t *tenant, reason string) {
	fresh := t.inst != nil && t.inst.fresh
	m.teardownLocked(t)
	t.failures++

	switch t.failures {
	case 1:
		t.log.Warn("session failed, retrying with same credentials", zap.String("reason", reason))
		m.setStateLocked(t, domain.StateDisconnected, store.StatusUpdate{LastError: store.Str(reason)})
		m.scheduleRetryLocked(t, fresh, "transient")
	case 2:
		t.log.Warn("session failed again, retrying with fresh credentials", zap.String("reason", reason))
		ctx, cancel := context.WithTimeout(context.Background(), statusWriteTimeout)
		err := m.factory.ClearCredentials(ctx, t.id)
		cancel()
		if err != nil {
			t.log.Error("clear credentials failed", zap.Error(err))
		}
		m.setStateLocked(t, domain.StateDisconnected, store.StatusUpdate{LastError: store.Str(reason)})
		m.scheduleRetryLocked(t, true, "fresh_credentials")
	default:
		t.log.Error("session failed repeatedly, giving up", zap.String("reason", reason), zap.Int("failures", t.failures))
		m.setStateLocked(t, domain.StateError, store.StatusUpdate{
			LastError: store.Str("giving up after repeated failures: " + reason),
		})
	}
}

func (m *Manager) scheduleRetryLocked(t *tenant, fresh bool, reason string) {
	t.cancelRetryLocked()
	gen := t.retryGen
	t.retry = time.AfterFunc(m.cfg.RetryDelay, func() {
		defer util.Recover(t.log, "session-retry")
		t.mu.Lock()
		defer t.mu.Unlock()
		if gen != t.retryGen || t.inst != nil || m.ctx.Err() != nil {
			return
		}
		t.retry = nil
		observability.SessionRestarts.WithLabelValues(reason).Inc()
		if err := m.startLocked(m.ctx, t, fresh); err != nil {
			t.log.Error("session retry failed", zap.Error(err))
		}
	})
}

func (m *Manager) onStale(t *tenant, inst *instance) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inst != inst {
		return
	}
	observability.WatchdogTrips.Inc()
	observability.SessionRestarts.WithLabelValues("watchdog").Inc()
	t.log.Warn("session health check stale, restarting", zap.String("instance_id", inst.id))

	m.teardownLocked(t)
	m.setStateLocked(t, domain.StateDisconnected, store.StatusUpdate{LastError: store.Str("health check stale")})
	if err := m.startLocked(m.ctx, t, false); err != nil {
		t.log.Error("restart after stale health check failed", zap.Error(err))
	}
}
