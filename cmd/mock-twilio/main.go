// Command mock-twilio imitates the parts of the Twilio WhatsApp API the bot
// uses, for local runs without a real account.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"

	"wanotify/internal/logging"
	"wanotify/internal/providers/twilio"
)

type config struct {
	AccountSID string `envconfig:"TWILIO_ACCOUNT_SID" default:"AC_mock"`
	AuthToken  string `envconfig:"TWILIO_AUTH_TOKEN" default:"mock_token"`
	Port       string `envconfig:"PORT" default:"8081"`
	// Outcomes is cycled per send: ok, undelivered, failed, rate_limit,
	// server_error, unauthorized. An optional ":code" overrides the error code.
	Outcomes     []string      `envconfig:"MOCK_OUTCOMES" default:"ok"`
	Delay        time.Duration `envconfig:"MOCK_DELAY" default:"0s"`
	WebhookDelay time.Duration `envconfig:"MOCK_WEBHOOK_DELAY" default:"300ms"`
	// InboundURL is the bot's inbound webhook, used by POST /mock/inbound.
	InboundURL string `envconfig:"MOCK_INBOUND_URL" default:"http://localhost:8080/v1/webhooks/twilio/inbound"`
	MaxRetries int    `envconfig:"MOCK_WEBHOOK_MAX_RETRIES" default:"5"`
}

type outcome struct {
	final      string
	code       int
	httpStatus int
}

type server struct {
	cfg    config
	log    *zap.Logger
	seq    atomic.Uint64
	client *http.Client
}

func main() {
	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	log, err := logging.Init("mock-twilio", "console", "info")
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "logging:", err)
		os.Exit(1)
	}
	if len(cfg.Outcomes) == 0 {
		cfg.Outcomes = []string{"ok"}
	}

	s := &server{cfg: cfg, log: log, client: &http.Client{Timeout: 5 * time.Second}}
	r := mux.NewRouter()
	r.HandleFunc("/2010-04-01/Accounts/{sid}.json", s.handleAccount).Methods(http.MethodGet)
	r.HandleFunc("/2010-04-01/Accounts/{sid}/Messages.json", s.handleSend).Methods(http.MethodPost)
	r.HandleFunc("/mock/inbound", s.handleInbound).Methods(http.MethodPost)

	log.Info("mock twilio listening", zap.String("port", cfg.Port))
	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil {
		log.Fatal("mock twilio server failed", zap.Error(err))
	}
}

func (s *server) authorized(r *http.Request) bool {
	user, pass, ok := r.BasicAuth()
	return ok && user == s.cfg.AccountSID && pass == s.cfg.AuthToken && mux.Vars(r)["sid"] == s.cfg.AccountSID
}

func (s *server) handleAccount(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, 20003, "Authenticate")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sid": s.cfg.AccountSID, "friendly_name": "mock", "status": "active"})
}

func (s *server) handleSend(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, 20003, "Authenticate")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, 21620, "Invalid form data")
		return
	}
	to, from := r.PostForm.Get("To"), r.PostForm.Get("From")
	if to == "" || from == "" || r.PostForm.Get("Body") == "" {
		writeError(w, http.StatusBadRequest, 21602, "Missing required parameter")
		return
	}
	if !strings.HasPrefix(to, "whatsapp:") || !strings.HasPrefix(from, "whatsapp:") {
		writeError(w, http.StatusBadRequest, 63007, "Channel not found")
		return
	}
	if s.cfg.Delay > 0 {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(s.cfg.Delay):
		}
	}

	n := s.seq.Add(1) - 1
	o := parseOutcome(s.cfg.Outcomes[int(n)%len(s.cfg.Outcomes)])
	if o.httpStatus != http.StatusCreated {
		writeError(w, o.httpStatus, o.code, o.final)
		return
	}

	sid := fmt.Sprintf("SM%032d", n)
	writeJSON(w, http.StatusCreated, map[string]string{"sid": sid, "status": "queued"})
	s.log.Info("message accepted", zap.String("sid", sid), zap.String("to", to), zap.String("outcome", o.final))

	if cb := r.PostForm.Get("StatusCallback"); cb != "" {
		go s.statusSequence(cb, sid, to, o)
	}
}

func parseOutcome(raw string) outcome {
	kind, codeStr, _ := strings.Cut(strings.TrimSpace(raw), ":")
	code, _ := strconv.Atoi(codeStr)
	pick := func(def int) int {
		if code != 0 {
			return code
		}
		return def
	}
	switch kind {
	case "undelivered":
		return outcome{final: "undelivered", code: pick(63016), httpStatus: http.StatusCreated}
	case "failed":
		return outcome{final: "failed", code: pick(63003), httpStatus: http.StatusCreated}
	case "rate_limit":
		return outcome{final: "rate limited", code: pick(20429), httpStatus: http.StatusTooManyRequests}
	case "server_error":
		return outcome{final: "server error", code: pick(20500), httpStatus: http.StatusInternalServerError}
	case "unauthorized":
		return outcome{final: "Authenticate", code: pick(20003), httpStatus: http.StatusUnauthorized}
	default:
		return outcome{final: "delivered", httpStatus: http.StatusCreated}
	}
}

func (s *server) statusSequence(callbackURL, sid, to string, o outcome) {
	statuses := []string{"sent", o.final}
	if o.final == "failed" {
		statuses = statuses[1:]
	}
	for _, status := range statuses {
		time.Sleep(s.cfg.WebhookDelay)
		form := url.Values{"MessageSid": {sid}, "MessageStatus": {status}, "To": {to}}
		if o.code != 0 && status == o.final {
			form.Set("ErrorCode", strconv.Itoa(o.code))
		}
		s.post(context.Background(), callbackURL, form)
	}
}

func (s *server) handleInbound(w http.ResponseWriter, r *http.Request) {
	var in struct {
		From string `json:"from"`
		To   string `json:"to"`
		Body string `json:"body"`
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.From == "" || in.To == "" {
		http.Error(w, "from and to are required", http.StatusBadRequest)
		return
	}
	form := url.Values{
		"MessageSid":  {fmt.Sprintf("SM%032d", s.seq.Add(1)-1)},
		"AccountSid":  {s.cfg.AccountSID},
		"From":        {"whatsapp:" + in.From},
		"To":          {"whatsapp:" + in.To},
		"Body":        {in.Body},
		"ProfileName": {in.Name},
	}
	if !s.post(r.Context(), s.cfg.InboundURL, form) {
		http.Error(w, "bot rejected the webhook", http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// post delivers a signed webhook, retrying server errors.
func (s *server) post(ctx context.Context, target string, form url.Values) bool {
	sig := twilio.Sign(s.cfg.AuthToken, target, form)
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
		if err != nil {
			s.log.Error("build webhook request", zap.Error(err))
			return false
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("X-Twilio-Signature", sig)

		resp, err := s.client.Do(req)
		status := 0
		if resp != nil {
			status = resp.StatusCode
			_ = resp.Body.Close()
		}
		if err == nil && status >= 200 && status < 300 {
			return true
		}
		if !twilio.ShouldRetry(err, status) {
			s.log.Warn("webhook rejected", zap.String("url", target), zap.Int("status", status))
			return false
		}
		s.log.Warn("webhook post retrying", zap.String("url", target), zap.Int("attempt", attempt+1), zap.Int("status", status), zap.Error(err))
		time.Sleep(twilio.Backoff(attempt))
	}
	return false
}

func writeError(w http.ResponseWriter, status, code int, msg string) {
	writeJSON(w, status, map[string]any{"code": code, "message": msg, "status": status})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
