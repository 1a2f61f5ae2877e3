package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"wanotify/internal/driver"
	"wanotify/internal/observability"
	"wanotify/internal/session"
)

var ErrRateLimited = errors.New("local send rate limit")

type GuardConfig struct {
	RPS         float64
	Burst       int
	MaxFailures uint32
	OpenTimeout time.Duration
	// WaitTimeout bounds how long a send waits for a rate token.
	WaitTimeout time.Duration
	SendTimeout time.Duration
}

// Guard protects each tenant's session from bursts and from hammering a
// broken connection: a token bucket in front, a circuit breaker around.
type Guard struct {
	cfg GuardConfig

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewGuard(cfg GuardConfig) *Guard {
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 20 * time.Second
	}
	return &Guard{
		cfg:      cfg,
		limiters: map[string]*rate.Limiter{},
		breakers: map[string]*gobreaker.CircuitBreaker{},
	}
}

func (g *Guard) forTenant(tenantID string) (*rate.Limiter, *gobreaker.CircuitBreaker) {
	g.mu.Lock()
	defer g.mu.Unlock()

	l, ok := g.limiters[tenantID]
	if !ok && g.cfg.RPS > 0 {
		l = rate.NewLimiter(rate.Limit(g.cfg.RPS), max(g.cfg.Burst, 1))
		g.limiters[tenantID] = l
	}
	b, ok := g.breakers[tenantID]
	if !ok && g.cfg.MaxFailures > 0 {
		maxFailures := g.cfg.MaxFailures
		b = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "send:" + tenantID,
			Timeout: g.cfg.OpenTimeout,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= maxFailures
			},
			// a vanished session or a bad number says nothing about the link
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, session.ErrSessionGone) || errors.Is(err, driver.ErrInvalidAddress)
			},
		})
		g.breakers[tenantID] = b
	}
	return l, b
}

// Send runs fn under the tenant's limiter and breaker. Open-breaker errors
// are returned as gobreaker.ErrOpenState / ErrTooManyRequests.
func (g *Guard) Send(ctx context.Context, tenantID string, fn func(ctx context.Context) (string, error)) (string, error) {
	limiter, breaker := g.forTenant(tenantID)

	if limiter != nil {
		waitCtx, cancel := context.WithTimeout(ctx, g.cfg.WaitTimeout)
		err := limiter.Wait(waitCtx)
		cancel()
		if err != nil {
			return "", ErrRateLimited
		}
	}

	call := func() (string, error) {
		sendCtx, cancel := context.WithTimeout(ctx, g.cfg.SendTimeout)
		defer cancel()
		start := time.Now()
		id, err := fn(sendCtx)
		observability.SendLatency.Observe(time.Since(start).Seconds())
		return id, err
	}
	if breaker == nil {
		return call()
	}
	res, err := breaker.Execute(func() (any, error) { return call() })
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

// State exposes the tenant breaker state for ops listings.
func (g *Guard) State(tenantID string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok := g.breakers[tenantID]; ok {
		return b.State().String()
	}
	return gobreaker.StateClosed.String()
}
