package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wanotify/internal/dedup"
	"wanotify/internal/domain"
	"wanotify/internal/driver"
	"wanotify/internal/session"
	"wanotify/internal/store"
	"wanotify/internal/templates"
)

type fakeStore struct {
	mu          sync.Mutex
	bookings    map[string]domain.Booking
	est         map[string]domain.Establishment
	welcome     map[string]time.Time
	prevWelcome map[string]time.Time
	markErr     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		bookings:    map[string]domain.Booking{},
		est:         map[string]domain.Establishment{},
		welcome:     map[string]time.Time{},
		prevWelcome: map[string]time.Time{},
	}
}

func (f *fakeStore) put(b domain.Booking) {
	f.mu.Lock()
	f.bookings[b.TenantID+"/"+b.ID] = b
	f.mu.Unlock()
}

func (f *fakeStore) booking(tenantID, id string) domain.Booking {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bookings[tenantID+"/"+id]
}

func (f *fakeStore) GetBooking(ctx context.Context, tenantID, id string) (domain.Booking, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bookings[tenantID+"/"+id]
	if !ok {
		return domain.Booking{}, store.ErrNotFound
	}
	return b, nil
}

func (f *fakeStore) GetEstablishment(ctx context.Context, tenantID string) (domain.Establishment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.est[tenantID]
	if !ok {
		return domain.Establishment{}, store.ErrNotFound
	}
	return e, nil
}

func (f *fakeStore) MarkBookingSent(ctx context.Context, tenantID, id string, kind domain.NotificationKind, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return false, f.markErr
	}
	b, ok := f.bookings[tenantID+"/"+id]
	if !ok {
		return false, store.ErrNotFound
	}
	if b.Sent(kind) {
		return false, nil
	}
	switch kind {
	case domain.KindConfirmation:
		b.ConfirmationSent, b.ConfirmationSentAt = true, &at
	case domain.KindReminder:
		b.ReminderSent, b.ReminderSentAt = true, &at
	case domain.KindReview:
		b.ReviewSent, b.ReviewSentAt = true, &at
	}
	f.bookings[tenantID+"/"+id] = b
	return true, nil
}

func (f *fakeStore) ClaimWelcome(ctx context.Context, tenantID, contactID string, at time.Time, cooldown time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := tenantID + "/" + contactID
	if last, ok := f.welcome[k]; ok && at.Sub(last) < cooldown {
		return false, nil
	}
	f.prevWelcome[k] = f.welcome[k]
	f.welcome[k] = at
	return true, nil
}

func (f *fakeStore) ReleaseWelcome(ctx context.Context, tenantID, contactID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := tenantID + "/" + contactID
	if !f.welcome[k].Equal(at) {
		return nil
	}
	if prev := f.prevWelcome[k]; prev.IsZero() {
		delete(f.welcome, k)
	} else {
		f.welcome[k] = prev
	}
	delete(f.prevWelcome, k)
	return nil
}

func (f *fakeStore) ListBookingsScheduledBetween(ctx context.Context, from, to time.Time) ([]domain.Booking, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Booking
	for _, b := range f.bookings {
		if !b.ScheduledAt.Before(from) && !b.ScheduledAt.After(to) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeStore) ListRecentBookings(ctx context.Context, tenantID string, since time.Time) ([]domain.Booking, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Booking
	for _, b := range f.bookings {
		if b.TenantID == tenantID && !b.CreatedAt.Before(since) {
			out = append(out, b)
		}
	}
	return out, nil
}

type sentMsg struct {
	To   driver.Address
	Text string
}

type fakeHandle struct {
	tenantID string
	delay    time.Duration

	mu      sync.Mutex
	sent    []sentMsg
	sendErr error
	gone    bool
}

func (h *fakeHandle) TenantID() string { return h.tenantID }

func (h *fakeHandle) Send(ctx context.Context, to driver.Address, text string) (string, error) {
	if h.delay > 0 {
		time.Sleep(h.delay)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.gone {
		return "", session.ErrSessionGone
	}
	if h.sendErr != nil {
		return "", h.sendErr
	}
	h.sent = append(h.sent, sentMsg{to, text})
	return "wamid-" + string(to), nil
}

func (h *fakeHandle) ResolveAddress(ctx context.Context, raw string) (driver.Address, error) {
	if strings.Contains(raw, "@g.us") {
		return driver.Address(raw), nil
	}
	return driver.AddressFromPhone(raw)
}

func (h *fakeHandle) Sent() []sentMsg {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]sentMsg(nil), h.sent...)
}

type fakeSessions struct {
	mu      sync.Mutex
	handles map[string]*fakeHandle
}

func (s *fakeSessions) Lookup(tenantID string) (session.Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[tenantID]
	if !ok {
		return nil, false
	}
	return h, true
}

func (s *fakeSessions) set(h *fakeHandle) {
	s.mu.Lock()
	if s.handles == nil {
		s.handles = map[string]*fakeHandle{}
	}
	s.handles[h.tenantID] = h
	s.mu.Unlock()
}

var errBoom = errors.New("boom")

var now0 = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

var testPolicy = Policy{
	ConfirmStatuses:       []string{"agendado", "confirmado", "confirmed"},
	SkipStatuses:          []string{"cancelado"},
	ReviewTriggerStatuses: []string{"feito"},
	WelcomeEnabled:        true,
}

type harness struct {
	store    *fakeStore
	sessions *fakeSessions
	dedup    *dedup.Deduper
	notifier *Notifier
}

func newHarness(t *testing.T, welcomeCooldown time.Duration) *harness {
	t.Helper()
	st := newFakeStore()
	r, err := templates.NewRenderer("Agendaí", "https://agendai.test", "UTC")
	require.NoError(t, err)
	d := dedup.New(st, dedup.Config{CacheTTL: time.Minute, WelcomeCooldown: welcomeCooldown}, zap.NewNop())
	sessions := &fakeSessions{}
	n := &Notifier{
		Sessions: sessions,
		Store:    st,
		Dedup:    d,
		Render:   r,
		Guard:    NewGuard(GuardConfig{}),
		Policy:   testPolicy,
		Log:      zap.NewNop(),
	}
	return &harness{store: st, sessions: sessions, dedup: d, notifier: n}
}

func confirmedBooking(id string) domain.Booking {
	return domain.Booking{
		ID:               id,
		TenantID:         "t1",
		CustomerName:     "Ana",
		RecipientContact: "(11) 98765-4321",
		ScheduledAt:      now0.Add(3 * time.Hour),
		Status:           "confirmed",
		CreatedAt:        now0.Add(-time.Hour),
	}
}
