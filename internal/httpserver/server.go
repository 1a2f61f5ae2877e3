package httpserver

import (
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Server struct {
	Mux *mux.Router
}

// New returns a router with /metrics mounted and the logging and metrics
// middleware installed.
func New(log *zap.Logger, gatherer prometheus.Gatherer, requests *prometheus.CounterVec) *Server {
	r := mux.NewRouter()
	r.Use(Logging(log), Metrics(requests))
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET")
	return &Server{Mux: r}
}
