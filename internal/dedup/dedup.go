package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"wanotify/internal/domain"
	"wanotify/internal/observability"
	"wanotify/internal/util"
)

// Store is the authoritative record of sends.
type Store interface {
	MarkBookingSent(ctx context.Context, tenantID, bookingID string, kind domain.NotificationKind, at time.Time) (bool, error)
	ClaimWelcome(ctx context.Context, tenantID, contactID string, at time.Time, cooldown time.Duration) (bool, error)
	ReleaseWelcome(ctx context.Context, tenantID, contactID string, at time.Time) error
}

type Config struct {
	CacheTTL        time.Duration
	CacheSize       int
	WelcomeCooldown time.Duration
}

type key struct {
	tenantID  string
	recipient string
	kind      domain.NotificationKind
}

// Deduper answers "was this already sent" for (tenant, recipient, kind).
// Recipient is the booking id for one-shot kinds and the contact id for
// welcome. The caches only ever short-circuit; the store decides.
type Deduper struct {
	store    Store
	cooldown time.Duration
	log      *zap.Logger
	Now      func() time.Time

	oneShot *expirable.LRU[key, struct{}]
	welcome *expirable.LRU[key, struct{}]
}

func New(st Store, cfg Config, log *zap.Logger) *Deduper {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 10000
	}
	return &Deduper{
		store:    st,
		cooldown: cfg.WelcomeCooldown,
		log:      log,
		Now:      util.NowUTC,
		oneShot:  expirable.NewLRU[key, struct{}](cfg.CacheSize, nil, cfg.CacheTTL),
		welcome:  expirable.NewLRU[key, struct{}](cfg.CacheSize, nil, cfg.WelcomeCooldown),
	}
}

func (d *Deduper) cache(kind domain.NotificationKind) *expirable.LRU[key, struct{}] {
	if kind == domain.KindWelcome {
		return d.welcome
	}
	return d.oneShot
}

// AlreadySent consults the cache only.
func (d *Deduper) AlreadySent(tenantID, recipient string, kind domain.NotificationKind) bool {
	_, ok := d.cache(kind).Get(key{tenantID, recipient, kind})
	if ok {
		observability.DedupCache.WithLabelValues("hit").Inc()
	} else {
		observability.DedupCache.WithLabelValues("miss").Inc()
	}
	return ok
}

// Remember records a send observed elsewhere, e.g. a booking read back with
// its flag already set.
func (d *Deduper) Remember(tenantID, recipient string, kind domain.NotificationKind) {
	d.cache(kind).Add(key{tenantID, recipient, kind}, struct{}{})
}

// TryMarkSent durably records a send. It returns true exactly once per
// booking for one-shot kinds and once per cooldown window for welcome.
func (d *Deduper) TryMarkSent(ctx context.Context, tenantID, recipient string, kind domain.NotificationKind) (bool, error) {
	k := key{tenantID, recipient, kind}
	c := d.cache(kind)
	if _, ok := c.Get(k); ok {
		observability.DedupCache.WithLabelValues("hit").Inc()
		return false, nil
	}

	now := d.Now()
	switch {
	case kind.OneShot():
		won, err := d.store.MarkBookingSent(ctx, tenantID, recipient, kind, now)
		if err != nil {
			return false, fmt.Errorf("mark %s sent: %w", kind, err)
		}
		// either way the flag is now true for good
		c.Add(k, struct{}{})
		return won, nil
	case kind == domain.KindWelcome:
		claim, err := d.claimWelcome(ctx, k, now)
		return claim != nil, err
	default:
		return false, fmt.Errorf("unknown notification kind %q", kind)
	}
}

// WelcomeClaim is a won welcome cooldown slot.
type WelcomeClaim struct {
	d  *Deduper
	k  key
	at time.Time
}

// ClaimWelcome is TryMarkSent for welcome, returning the claim so a failed
// send can hand it back. A nil claim means the slot is taken.
func (d *Deduper) ClaimWelcome(ctx context.Context, tenantID, contactID string) (*WelcomeClaim, error) {
	k := key{tenantID, contactID, domain.KindWelcome}
	if _, ok := d.welcome.Get(k); ok {
		observability.DedupCache.WithLabelValues("hit").Inc()
		return nil, nil
	}
	return d.claimWelcome(ctx, k, d.Now())
}

func (d *Deduper) claimWelcome(ctx context.Context, k key, now time.Time) (*WelcomeClaim, error) {
	won, err := d.store.ClaimWelcome(ctx, k.tenantID, k.recipient, now, d.cooldown)
	if err != nil {
		return nil, fmt.Errorf("claim welcome: %w", err)
	}
	if !won {
		return nil, nil
	}
	d.welcome.Add(k, struct{}{})
	return &WelcomeClaim{d: d, k: k, at: now}, nil
}

// Release evicts the cache entry and restores the store record to what it
// was before the claim.
func (w *WelcomeClaim) Release(ctx context.Context) error {
	w.d.welcome.Remove(w.k)
	if err := w.d.store.ReleaseWelcome(ctx, w.k.tenantID, w.k.recipient, w.at); err != nil {
		return fmt.Errorf("release welcome: %w", err)
	}
	return nil
}
