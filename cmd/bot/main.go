package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"wanotify/internal/awsutil"
	"wanotify/internal/config"
	"wanotify/internal/dedup"
	"wanotify/internal/domain"
	"wanotify/internal/driver"
	"wanotify/internal/httpserver"
	"wanotify/internal/logging"
	"wanotify/internal/observability"
	"wanotify/internal/pipeline"
	"wanotify/internal/providers/twilio"
	sqsqueue "wanotify/internal/queue/sqs"
	"wanotify/internal/session"
	"wanotify/internal/store/pg"
	"wanotify/internal/supervisor"
	"wanotify/internal/templates"
	"wanotify/internal/util"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// logger is not configured yet
		_, _ = os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	log, err := logging.Init(cfg.ServiceName, cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		_, _ = os.Stderr.WriteString("logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("bot failed", zap.Error(err))
	}
}

func run(cfg config.BotConfig, log *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	observability.Register(reg)

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{
		MaxConns:          cfg.DBPoolMaxConns,
		MinConns:          cfg.DBPoolMinConns,
		MaxConnLifetime:   cfg.DBPoolMaxConnLifetime,
		MaxConnIdleTime:   cfg.DBPoolMaxConnIdleTime,
		HealthCheckPeriod: cfg.DBPoolHealthCheckPeriod,
	})
	if err != nil {
		return err
	}
	defer db.Close()
	if err := pg.Migrate(ctx, db); err != nil {
		return err
	}
	st := pg.New(db, log.Named("store"))

	client := &twilio.Client{
		AccountSID: cfg.TwilioAccountSID,
		AuthToken:  cfg.TwilioAuthToken,
		HTTP:       &http.Client{Timeout: 15 * time.Second},
		BaseURL:    cfg.TwilioBaseURL,
	}
	if cfg.PublicWebhookURL != "" {
		client.StatusCallbackURL = strings.TrimRight(cfg.PublicWebhookURL, "/") + httpserver.StatusPath
	}
	factory := twilio.NewFactory(client, st, log.Named("twilio"))

	manager := session.NewManager(factory, st, session.Config{
		StartupTimeout:      cfg.StartupTimeout,
		StartupTimeoutSaved: cfg.StartupTimeoutSaved,
		RetryDelay:          cfg.RetryDelay,
		HealthInterval:      cfg.HealthInterval,
		HealthGrace:         cfg.HealthGrace,
		WatchFreshness:      cfg.WatchFreshness,
	}, log.Named("session"))

	renderer, err := templates.NewRenderer(cfg.SystemName, cfg.DefaultBookingLink, cfg.Timezone)
	if err != nil {
		return err
	}
	policy := pipeline.Policy{
		ConfirmStatuses:       cfg.ConfirmStatuses,
		SkipStatuses:          cfg.SkipStatuses,
		ReviewEligible:        cfg.ReviewEligible,
		ReviewTriggerStatuses: cfg.ReviewTriggerStatuses,
		WelcomeEnabled:        cfg.WelcomeEnabled,
	}
	guard := pipeline.NewGuard(pipeline.GuardConfig{
		RPS:         cfg.SendRPSPerTenant,
		Burst:       cfg.SendBurst,
		MaxFailures: cfg.BreakerMaxFailures,
		OpenTimeout: cfg.BreakerOpenTimeout,
	})
	notifier := &pipeline.Notifier{
		Sessions: manager,
		Store:    st,
		Dedup: dedup.New(st, dedup.Config{
			CacheTTL:        cfg.DedupCacheTTL,
			WelcomeCooldown: cfg.WelcomeCooldown,
		}, log.Named("dedup")),
		Render: renderer,
		Guard:  guard,
		Policy: policy,
		Log:    log.Named("notifier"),
	}

	var (
		dispatch pipeline.Dispatcher
		inline   *pipeline.Inline
		bg       = make(chan error, 4)
	)
	switch cfg.DispatchMode {
	case config.DispatchSQS:
		sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
		if err != nil {
			return err
		}
		dispatch = &sqsqueue.Producer{SQS: sqsClient, QueueURL: cfg.SQSQueueURL}
		consumer := &sqsqueue.Consumer{
			SQS:               sqsClient,
			QueueURL:          cfg.SQSQueueURL,
			Log:               log.Named("sqs"),
			WaitTimeSeconds:   cfg.SQSWaitTime,
			MaxMessages:       cfg.SQSMaxMsgs,
			VisibilityTimeout: cfg.SQSVizTimeout,
		}
		go func() {
			bg <- consumer.PollConcurrent(ctx, cfg.WorkerConcurrency, func(ctx context.Context, job domain.NotificationJob) error {
				outcome, err := notifier.Process(ctx, job)
				if outcome.Retryable() {
					return err
				}
				return nil
			})
		}()
	default:
		inline = pipeline.NewInline(notifier, cfg.WorkerConcurrency, log.Named("dispatch"))
		dispatch = inline
	}

	sweeper := &pipeline.Sweeper{
		Store:    st,
		Dispatch: dispatch,
		Policy:   policy,
		Cfg: pipeline.SweepConfig{
			ReminderLead:      cfg.ReminderLead,
			ReminderTolerance: cfg.ReminderTolerance,
			ReviewPostDelay:   cfg.ReviewPostDelay,
			ReviewTolerance:   cfg.ReviewTolerance,
			RecentWindow:      cfg.RecentWindow,
		},
		Log: log.Named("sweep"),
		Now: util.NowUTC,
	}
	manager.OnReady(sweeper.CatchUp)
	manager.OnMessage(func(ctx context.Context, tenantID string, msg driver.InboundMessage) {
		_, _ = notifier.HandleInbound(ctx, tenantID, msg)
	})

	scheduler, err := pipeline.NewScheduler(ctx, cfg.SweepSchedule, sweeper, log)
	if err != nil {
		return err
	}

	controls, err := st.WatchControls(ctx)
	if err != nil {
		return err
	}
	bookings, err := st.WatchBookings(ctx, cfg.RecentWindow)
	if err != nil {
		return err
	}
	sup := supervisor.New(manager, st, supervisor.Config{
		WatchFreshness: cfg.WatchFreshness,
		StopDelay:      cfg.StopDelay,
	}, log.Named("supervisor"))
	trigger := &pipeline.RealtimeTrigger{
		Dispatch:     dispatch,
		Policy:       policy,
		RecentWindow: cfg.RecentWindow,
		Log:          log.Named("trigger"),
		Now:          util.NowUTC,
	}
	go func() { bg <- sup.Run(ctx, controls) }()
	go func() { bg <- trigger.Run(ctx, bookings) }()
	scheduler.Start()

	srv := httpserver.New(log.Named("http"), reg, observability.HTTPRequests)
	httpserver.RegisterHealth(srv.Mux, 2*time.Second, st.Ping)
	(&httpserver.API{Sessions: manager, Breakers: guard}).Register(srv.Mux)
	(&httpserver.Webhook{
		Router:          factory,
		VerifySignature: twilio.VerifySignature,
		AuthToken:       cfg.TwilioAuthToken,
		PublicURL:       cfg.PublicWebhookURL,
		Log:             log.Named("webhook"),
	}).Register(srv.Mux)

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("bot listening", zap.String("port", cfg.Port), zap.String("dispatch", cfg.DispatchMode))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			bg <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("bot shutdown", zap.Error(context.Cause(ctx)))
	case runErr = <-bg:
		if errors.Is(runErr, context.Canceled) {
			runErr = nil
		}
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	scheduler.Stop()
	sup.Close()
	if inline != nil {
		inline.Wait()
	}
	manager.Shutdown(shutdownCtx)
	return runErr
}
