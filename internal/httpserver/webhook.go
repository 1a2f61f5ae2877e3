package httpserver

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"wanotify/internal/driver"
	"wanotify/internal/observability"
	"wanotify/internal/providers/twilio"
	"wanotify/internal/util"
)

// InboundRouter hands incoming messages to the live driver owning the
// receiving number.
type InboundRouter interface {
	TenantForSender(number string) (string, bool)
	Deliver(tenantID string, msg driver.InboundMessage) bool
}

type Webhook struct {
	Router          InboundRouter
	VerifySignature func(authToken, fullURL, provided string, form url.Values) bool
	AuthToken       string
	// PublicURL is the externally visible base URL Twilio signs against.
	PublicURL string
	Log       *zap.Logger
}

const (
	InboundPath = "/v1/webhooks/twilio/inbound"
	StatusPath  = "/v1/webhooks/twilio/status"
)

func (w *Webhook) Register(r *mux.Router) {
	r.HandleFunc(InboundPath, w.handleInbound).Methods(http.MethodPost)
	r.HandleFunc(StatusPath, w.handleStatus).Methods(http.MethodPost)
}

func (w *Webhook) verified(rw http.ResponseWriter, r *http.Request, path string) bool {
	if err := r.ParseForm(); err != nil {
		http.Error(rw, ErrBadForm, http.StatusBadRequest)
		return false
	}
	full := strings.TrimRight(w.PublicURL, "/") + path
	if w.VerifySignature == nil || !w.VerifySignature(w.AuthToken, full, r.Header.Get("X-Twilio-Signature"), r.PostForm) {
		http.Error(rw, ErrInvalidSignature, http.StatusUnauthorized)
		return false
	}
	return true
}

func (w *Webhook) handleInbound(rw http.ResponseWriter, r *http.Request) {
	if !w.verified(rw, r, InboundPath) {
		observability.WebhookEvents.WithLabelValues("inbound", "rejected").Inc()
		return
	}

	in, err := twilio.ParseInbound(r.PostForm, util.NowUTC())
	if err != nil {
		observability.WebhookEvents.WithLabelValues("inbound", "ignored").Inc()
		rw.WriteHeader(http.StatusOK)
		return
	}

	tenantID, ok := w.Router.TenantForSender(in.To)
	if !ok || !w.Router.Deliver(tenantID, in.Message) {
		// no live session for that number; Twilio must not retry
		w.Log.Warn("inbound message dropped",
			zap.String("to", in.To),
			zap.String("message_sid", in.Message.ID))
		observability.WebhookEvents.WithLabelValues("inbound", "dropped").Inc()
		rw.WriteHeader(http.StatusOK)
		return
	}
	observability.WebhookEvents.WithLabelValues("inbound", "delivered").Inc()
	rw.WriteHeader(http.StatusOK)
}

func (w *Webhook) handleStatus(rw http.ResponseWriter, r *http.Request) {
	if !w.verified(rw, r, StatusPath) {
		observability.WebhookEvents.WithLabelValues("status", "rejected").Inc()
		return
	}
	ev := twilio.ParseStatus(r.PostForm)
	observability.WebhookEvents.WithLabelValues("status", ev.Status).Inc()
	if ev.Failed() {
		w.Log.Warn("message delivery failed",
			zap.String("message_sid", ev.MessageSid),
			zap.String("status", ev.Status),
			zap.String("error_code", ev.ErrorCode),
			zap.String("to", ev.To))
	}
	rw.WriteHeader(http.StatusOK)
}
