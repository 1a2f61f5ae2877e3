//go:build integration

package pipeline_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"wanotify/internal/dedup"
	"wanotify/internal/domain"
	"wanotify/internal/pipeline"
	"wanotify/internal/providers/twilio"
	"wanotify/internal/session"
	"wanotify/internal/store/pg"
	"wanotify/internal/supervisor"
	"wanotify/internal/templates"
)

type twilioRecorder struct {
	mu   sync.Mutex
	sent []url.Values
}

func (r *twilioRecorder) messages() []url.Values {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]url.Values(nil), r.sent...)
}

func (r *twilioRecorder) server(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/2010-04-01/Accounts/AC1.json", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"sid":"AC1","status":"active"}`))
	})
	mux.HandleFunc("/2010-04-01/Accounts/AC1/Messages.json", func(w http.ResponseWriter, req *http.Request) {
		assert.NoError(t, req.ParseForm())
		r.mu.Lock()
		r.sent = append(r.sent, req.PostForm)
		r.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"SM1","status":"queued"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func startPostgres(t *testing.T, ctx context.Context) *pg.Store {
	t.Helper()
	c, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("wanotify"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("5432/tcp").WithStartupTimeout(2*time.Minute)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	dsn, err := c.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	pool, err := pg.NewPool(ctx, dsn, pg.PoolOptions{MaxConns: 8})
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, pg.Migrate(ctx, pool))

	st := pg.New(pool, zap.NewNop())
	st.ReconnectDelay = 100 * time.Millisecond
	return st
}

// A booking written to the database reaches the customer exactly once per
// kind, through the control stream, the live session and the booking stream.
func TestBookingLifecycleEndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Minute)
	defer cancel()
	log := zap.NewNop()
	st := startPostgres(t, ctx)
	rec := &twilioRecorder{}
	api := rec.server(t)

	require.NoError(t, st.UpsertEstablishment(ctx, domain.Establishment{
		ID: "t1", Name: "Barbearia", ReviewLink: "https://g.page/r/x", WhatsAppSender: "+5511900000000",
	}))
	require.NoError(t, st.UpsertControl(ctx, domain.TenantControl{TenantID: "t1", DesiredRunning: true, SessionEverEstablished: true}))

	client := &twilio.Client{AccountSID: "AC1", AuthToken: "secret", HTTP: api.Client(), BaseURL: api.URL}
	manager := session.NewManager(twilio.NewFactory(client, st, log), st, session.Config{
		StartupTimeout:      5 * time.Second,
		StartupTimeoutSaved: 5 * time.Second,
		RetryDelay:          100 * time.Millisecond,
		HealthInterval:      time.Hour,
		HealthGrace:         time.Hour,
		WatchFreshness:      5 * time.Minute,
	}, log)
	t.Cleanup(func() { manager.Shutdown(context.Background()) })

	renderer, err := templates.NewRenderer("Agendaí", "https://agendai.test", "America/Sao_Paulo")
	require.NoError(t, err)
	policy := pipeline.Policy{
		ConfirmStatuses:       []string{"agendado"},
		SkipStatuses:          []string{"cancelado"},
		ReviewTriggerStatuses: []string{"feito"},
	}
	notifier := &pipeline.Notifier{
		Sessions: manager,
		Store:    st,
		Dedup:    dedup.New(st, dedup.Config{CacheTTL: time.Minute, WelcomeCooldown: time.Hour}, log),
		Render:   renderer,
		Guard:    pipeline.NewGuard(pipeline.GuardConfig{RPS: 50, Burst: 10, MaxFailures: 5, OpenTimeout: time.Second}),
		Policy:   policy,
		Log:      log,
	}
	inline := pipeline.NewInline(notifier, 4, log)

	controls, err := st.WatchControls(ctx)
	require.NoError(t, err)
	sup := supervisor.New(manager, st, supervisor.Config{WatchFreshness: 5 * time.Minute}, log)
	go func() { _ = sup.Run(ctx, controls) }()

	require.Eventually(t, func() bool {
		_, ok := manager.Lookup("t1")
		return ok
	}, 20*time.Second, 50*time.Millisecond)

	bookings, err := st.WatchBookings(ctx, 72*time.Hour)
	require.NoError(t, err)
	trigger := &pipeline.RealtimeTrigger{Dispatch: inline, Policy: policy, RecentWindow: 72 * time.Hour, Log: log, Now: time.Now}
	go func() { _ = trigger.Run(ctx, bookings) }()
	time.Sleep(500 * time.Millisecond)

	require.NoError(t, st.InsertBooking(ctx, domain.Booking{
		TenantID: "t1", ID: "b1", CustomerName: "Ana", RecipientContact: "11987654321",
		ServiceName: "Corte", ScheduledAt: time.Now().Add(3 * time.Hour).UTC(), Status: "agendado",
	}))

	require.Eventually(t, func() bool {
		b, err := st.GetBooking(ctx, "t1", "b1")
		return err == nil && b.ConfirmationSent
	}, 20*time.Second, 100*time.Millisecond)

	require.NoError(t, st.UpdateBookingStatus(ctx, "t1", "b1", "feito"))
	require.Eventually(t, func() bool {
		b, err := st.GetBooking(ctx, "t1", "b1")
		return err == nil && b.ReviewSent
	}, 20*time.Second, 100*time.Millisecond)

	// replaying either kind is absorbed by the persisted flags
	for _, kind := range []domain.NotificationKind{domain.KindConfirmation, domain.KindReview} {
		out, err := notifier.Process(ctx, domain.NotificationJob{Kind: kind, TenantID: "t1", BookingID: "b1"})
		require.NoError(t, err)
		require.Equal(t, pipeline.OutcomeAlreadySent, out)
	}
	inline.Wait()

	sent := rec.messages()
	require.Len(t, sent, 2)
	for _, form := range sent {
		require.Equal(t, "whatsapp:+5511987654321", form.Get("To"))
		require.Equal(t, "whatsapp:+5511900000000", form.Get("From"))
	}
	require.Contains(t, sent[1].Get("Body"), "https://g.page/r/x")
}
