package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wanotify/internal/domain"
	"wanotify/internal/session"
	"wanotify/internal/store"
)

type fakeControl struct {
	mu       sync.Mutex
	calls    []string
	held     map[string]bool
	resetErr error
	block    chan struct{}
	// resetting, when set, receives once per Reset and Reset waits on release
	resetting chan struct{}
	release   chan struct{}
}

func newFakeControl() *fakeControl {
	return &fakeControl{held: map[string]bool{}}
}

func (f *fakeControl) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeControl) Start(ctx context.Context, id string) error {
	if f.block != nil {
		<-f.block
	}
	f.record("start:" + id)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held[id] {
		return session.ErrHeld
	}
	return nil
}

func (f *fakeControl) Stop(ctx context.Context, id string) error {
	f.record("stop:" + id)
	return nil
}

func (f *fakeControl) Reset(ctx context.Context, id string) error {
	if f.resetting != nil {
		f.resetting <- struct{}{}
		<-f.release
	}
	f.record("reset:" + id)
	return f.resetErr
}

func (f *fakeControl) SetWatch(id string, requested bool, at *time.Time) {}

func (f *fakeControl) Held(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.held[id]
}

func (f *fakeControl) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeCommands struct {
	mu      sync.Mutex
	results []domain.Command
	seqs    []int64
}

func (f *fakeCommands) SetCommandResult(ctx context.Context, id string, seq int64, cmd domain.Command) error {
	f.mu.Lock()
	f.results = append(f.results, cmd)
	f.seqs = append(f.seqs, seq)
	f.mu.Unlock()
	return nil
}

func (f *fakeCommands) Seqs() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.seqs...)
}

func (f *fakeCommands) Results() []domain.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Command(nil), f.results...)
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newSupervisor(ctl *fakeControl, cmds *fakeCommands, stopDelay time.Duration) *Supervisor {
	s := New(ctl, cmds, Config{WatchFreshness: 5 * time.Minute, StopDelay: stopDelay}, zap.NewNop())
	s.Now = func() time.Time { return t0 }
	return s
}

func modified(c domain.TenantControl) store.ControlChange {
	return store.ControlChange{Kind: store.ChangeModified, Control: c}
}

func waitIdle(t *testing.T, s *Supervisor) {
	t.Helper()
	require.Eventually(t, s.Idle, time.Second, 5*time.Millisecond)
}

func TestEstablishedTenantStartsOnce(t *testing.T) {
	ctl := newFakeControl()
	s := newSupervisor(ctl, &fakeCommands{}, time.Hour)
	ctx := context.Background()

	c := domain.TenantControl{TenantID: "t1", DesiredRunning: true, SessionEverEstablished: true}
	for i := 0; i < 5; i++ {
		s.Apply(ctx, modified(c))
	}
	waitIdle(t, s)
	require.Equal(t, []string{"start:t1"}, ctl.Calls())
}

func TestNotEstablishedWithoutWatchDoesNotStart(t *testing.T) {
	ctl := newFakeControl()
	s := newSupervisor(ctl, &fakeCommands{}, time.Hour)

	s.Apply(context.Background(), modified(domain.TenantControl{TenantID: "t1", DesiredRunning: true}))
	waitIdle(t, s)
	require.Empty(t, ctl.Calls())
}

func TestStaleWatchDoesNotStart(t *testing.T) {
	ctl := newFakeControl()
	s := newSupervisor(ctl, &fakeCommands{}, time.Hour)
	old := t0.Add(-10 * time.Minute)

	s.Apply(context.Background(), modified(domain.TenantControl{
		TenantID: "t1", DesiredRunning: true, WatchRequested: true, WatchRequestedAt: &old,
	}))
	waitIdle(t, s)
	require.Empty(t, ctl.Calls())
}

func TestDisconnectCommandIsEdgeTriggered(t *testing.T) {
	ctl := newFakeControl()
	cmds := &fakeCommands{}
	s := newSupervisor(ctl, cmds, time.Hour)
	ctx := context.Background()

	c := domain.TenantControl{TenantID: "t1", DesiredRunning: true, SessionEverEstablished: true}
	s.Apply(ctx, modified(c))

	c.Command = domain.CommandDisconnect
	s.Apply(ctx, modified(c))
	s.Apply(ctx, modified(c))
	s.Apply(ctx, modified(c))
	waitIdle(t, s)

	require.Equal(t, []string{"start:t1", "reset:t1"}, ctl.Calls())
	require.Equal(t, []domain.Command{domain.CommandDone}, cmds.Results())

	// result written back, then a new disconnect is a fresh edge
	c.Command = domain.CommandDone
	s.Apply(ctx, modified(c))
	c.Command = domain.CommandDisconnect
	s.Apply(ctx, modified(c))
	waitIdle(t, s)

	require.Equal(t, []string{"start:t1", "reset:t1", "reset:t1"}, ctl.Calls())
	require.Equal(t, []domain.Command{domain.CommandDone, domain.CommandDone}, cmds.Results())
}

func TestDisconnectFailureWritesError(t *testing.T) {
	ctl := newFakeControl()
	ctl.resetErr = errors.New("boom")
	cmds := &fakeCommands{}
	s := newSupervisor(ctl, cmds, time.Hour)

	s.Apply(context.Background(), modified(domain.TenantControl{TenantID: "t1", Command: domain.CommandDisconnect}))
	waitIdle(t, s)

	require.Equal(t, []domain.Command{domain.CommandError}, cmds.Results())
}

func TestDelayedStopCancelledByFlicker(t *testing.T) {
	ctl := newFakeControl()
	s := newSupervisor(ctl, &fakeCommands{}, 80*time.Millisecond)
	ctx := context.Background()
	at := t0

	watching := domain.TenantControl{TenantID: "t1", DesiredRunning: true, WatchRequested: true, WatchRequestedAt: &at}
	closed := domain.TenantControl{TenantID: "t1", DesiredRunning: true}

	s.Apply(ctx, modified(watching))
	s.Apply(ctx, modified(closed))
	time.Sleep(20 * time.Millisecond)
	s.Apply(ctx, modified(watching))

	time.Sleep(150 * time.Millisecond)
	waitIdle(t, s)
	require.Equal(t, []string{"start:t1", "start:t1"}, ctl.Calls())
}

func TestDelayedStopFires(t *testing.T) {
	ctl := newFakeControl()
	s := newSupervisor(ctl, &fakeCommands{}, 30*time.Millisecond)
	ctx := context.Background()
	at := t0

	s.Apply(ctx, modified(domain.TenantControl{TenantID: "t1", DesiredRunning: true, WatchRequested: true, WatchRequestedAt: &at}))
	s.Apply(ctx, modified(domain.TenantControl{TenantID: "t1", DesiredRunning: true}))

	require.Eventually(t, func() bool {
		calls := ctl.Calls()
		return len(calls) == 2 && calls[1] == "stop:t1"
	}, time.Second, 5*time.Millisecond)
}

func TestNotDesiredStopsImmediately(t *testing.T) {
	ctl := newFakeControl()
	s := newSupervisor(ctl, &fakeCommands{}, time.Hour)
	ctx := context.Background()

	s.Apply(ctx, modified(domain.TenantControl{TenantID: "t1", DesiredRunning: true, SessionEverEstablished: true}))
	s.Apply(ctx, modified(domain.TenantControl{TenantID: "t1", SessionEverEstablished: true}))
	waitIdle(t, s)

	require.Equal(t, []string{"start:t1", "stop:t1"}, ctl.Calls())
}

func TestWatchRisingEdgeRestartsHeldTenant(t *testing.T) {
	ctl := newFakeControl()
	s := newSupervisor(ctl, &fakeCommands{}, time.Hour)
	ctx := context.Background()

	// running, then fatal hold clears sessionEverEstablished
	s.Apply(ctx, modified(domain.TenantControl{TenantID: "t1", DesiredRunning: true, SessionEverEstablished: true}))
	waitIdle(t, s)
	ctl.mu.Lock()
	ctl.held["t1"] = true
	ctl.mu.Unlock()

	at := t0
	s.Apply(ctx, modified(domain.TenantControl{TenantID: "t1", DesiredRunning: true, WatchRequested: true, WatchRequestedAt: &at}))
	waitIdle(t, s)

	// shouldRun stayed true, the held check alone triggers the start
	require.Equal(t, []string{"start:t1", "start:t1"}, ctl.Calls())
}

func TestWatchDoesNotRestartHeldTenantThatIsTurnedOff(t *testing.T) {
	ctl := newFakeControl()
	s := newSupervisor(ctl, &fakeCommands{}, time.Hour)
	ctx := context.Background()

	s.Apply(ctx, modified(domain.TenantControl{TenantID: "t1", DesiredRunning: true, SessionEverEstablished: true}))
	waitIdle(t, s)
	ctl.mu.Lock()
	ctl.held["t1"] = true
	ctl.mu.Unlock()

	s.Apply(ctx, modified(domain.TenantControl{TenantID: "t1"}))
	waitIdle(t, s)

	at := t0
	s.Apply(ctx, modified(domain.TenantControl{TenantID: "t1", WatchRequested: true, WatchRequestedAt: &at}))
	waitIdle(t, s)

	require.Equal(t, []string{"start:t1", "stop:t1"}, ctl.Calls())
}

func TestDisconnectRequestedDuringResetRunsAgain(t *testing.T) {
	ctl := newFakeControl()
	ctl.resetting = make(chan struct{}, 2)
	ctl.release = make(chan struct{})
	cmds := &fakeCommands{}
	s := newSupervisor(ctl, cmds, time.Hour)
	ctx := context.Background()

	c := domain.TenantControl{TenantID: "t1", DesiredRunning: true, SessionEverEstablished: true, Command: domain.CommandDisconnect, CommandSeq: 1}
	s.Apply(ctx, modified(c))
	<-ctl.resetting

	// the operator asks again while the first reset is still running
	c.CommandSeq = 2
	s.Apply(ctx, modified(c))
	s.Apply(ctx, modified(c))
	close(ctl.release)
	waitIdle(t, s)

	require.Equal(t, []string{"reset:t1", "reset:t1"}, ctl.Calls())
	require.Equal(t, []int64{1, 2}, cmds.Seqs())
}

func TestRemovedStopsAndForgets(t *testing.T) {
	ctl := newFakeControl()
	s := newSupervisor(ctl, &fakeCommands{}, time.Hour)
	ctx := context.Background()

	c := domain.TenantControl{TenantID: "t1", DesiredRunning: true, SessionEverEstablished: true}
	s.Apply(ctx, modified(c))
	s.Apply(ctx, store.ControlChange{Kind: store.ChangeRemoved, Control: domain.TenantControl{TenantID: "t1"}})
	s.Apply(ctx, store.ControlChange{Kind: store.ChangeAdded, Control: c})
	waitIdle(t, s)

	require.Equal(t, []string{"start:t1", "stop:t1", "start:t1"}, ctl.Calls())
}

func TestSlowTenantDoesNotBlockOthers(t *testing.T) {
	ctl := newFakeControl()
	ctl.block = make(chan struct{})
	s := newSupervisor(ctl, &fakeCommands{}, time.Hour)
	ctx := context.Background()

	s.Apply(ctx, modified(domain.TenantControl{TenantID: "slow", DesiredRunning: true, SessionEverEstablished: true}))
	s.Apply(ctx, modified(domain.TenantControl{TenantID: "fast", Command: domain.CommandDisconnect}))

	require.Eventually(t, func() bool {
		calls := ctl.Calls()
		return len(calls) == 1 && calls[0] == "reset:fast"
	}, time.Second, 5*time.Millisecond)

	close(ctl.block)
	waitIdle(t, s)
	require.Contains(t, ctl.Calls(), "start:slow")
}

func TestRunStopsOnClosedStream(t *testing.T) {
	ctl := newFakeControl()
	s := newSupervisor(ctl, &fakeCommands{}, time.Hour)

	ch := make(chan store.ControlChange, 1)
	ch <- modified(domain.TenantControl{TenantID: "t1", DesiredRunning: true, SessionEverEstablished: true})
	close(ch)

	require.NoError(t, s.Run(context.Background(), ch))
	waitIdle(t, s)
	require.Equal(t, []string{"start:t1"}, ctl.Calls())
}
