package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wanotify_http_requests_total", Help: "Ops HTTP requests"},
		[]string{"endpoint", "status"},
	)
	SessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wanotify_session_transitions_total", Help: "Session state transitions"},
		[]string{"state"},
	)
	LiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "wanotify_live_sessions", Help: "Driver instances currently alive"},
	)
	SessionRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wanotify_session_restarts_total", Help: "Automatic session restarts"},
		[]string{"reason"},
	)
	FatalDisconnects = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "wanotify_session_fatal_total", Help: "Fatal authentication failures"},
	)
	WatchdogTrips = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "wanotify_watchdog_trips_total", Help: "Sessions force-restarted by the health watchdog"},
	)
	SupervisorCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wanotify_supervisor_commands_total", Help: "Operator commands processed"},
		[]string{"command", "result"},
	)
	Notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wanotify_notifications_total", Help: "Notification outcomes"},
		[]string{"kind", "outcome"},
	)
	SendLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "wanotify_send_latency_seconds", Help: "Driver send latency"},
	)
	DedupCache = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wanotify_dedup_cache_total", Help: "Dedup cache lookups"},
		[]string{"result"},
	)
	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wanotify_webhook_events_total", Help: "Twilio webhook events"},
		[]string{"kind", "status"},
	)
	Enqueues = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wanotify_enqueue_total", Help: "Notification job enqueue results"},
		[]string{"result"},
	)
	SweepRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wanotify_sweep_runs_total", Help: "Time-window sweep runs"},
		[]string{"kind", "result"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequests, SessionTransitions, LiveSessions, SessionRestarts, FatalDisconnects,
		WatchdogTrips, SupervisorCommands, Notifications, SendLatency, DedupCache,
		WebhookEvents, Enqueues, SweepRuns,
	)
}
