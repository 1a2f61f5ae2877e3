package httpserver

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"wanotify/internal/session"
)

type SessionSource interface {
	Snapshot() []session.TenantSnapshot
}

// BreakerSource reports the per-tenant send breaker state.
type BreakerSource interface {
	State(tenantID string) string
}

type sessionView struct {
	session.TenantSnapshot
	Breaker string `json:"breaker,omitempty"`
}

// API serves read-only operational views.
type API struct {
	Sessions SessionSource
	Breakers BreakerSource
}

func (a *API) Register(r *mux.Router) {
	r.HandleFunc("/v1/sessions", a.handleListSessions).Methods(http.MethodGet)
	r.HandleFunc("/v1/sessions/{tenant}", a.handleGetSession).Methods(http.MethodGet)
}

func (a *API) views() []sessionView {
	snaps := a.Sessions.Snapshot()
	out := make([]sessionView, 0, len(snaps))
	for _, s := range snaps {
		v := sessionView{TenantSnapshot: s}
		if a.Breakers != nil {
			v.Breaker = a.Breakers.State(s.TenantID)
		}
		out = append(out, v)
	}
	return out
}

func (a *API) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.views())
}

func (a *API) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["tenant"]
	for _, v := range a.views() {
		if v.TenantID == id {
			writeJSON(w, http.StatusOK, v)
			return
		}
	}
	http.NotFound(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
