package twilio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"wanotify/internal/domain"
	"wanotify/internal/driver"
	"wanotify/internal/util"
)

// ReasonAuthRejected is classified as fatal by the session manager.
const ReasonAuthRejected = "authentication rejected"

var ErrNoSender = errors.New("no whatsapp sender configured")

const connectedState = "CONNECTED"

// Driver is a WhatsApp session backed by the Twilio REST API. The account
// is the credential; the establishment's sender number is the identity.
type Driver struct {
	client   *Client
	tenantID string
	sender   string
	log      *zap.Logger
	release  func(*Driver)

	events chan driver.Event

	mu        sync.Mutex
	destroyed bool
}

func newDriver(client *Client, tenantID, sender string, log *zap.Logger, release func(*Driver)) *Driver {
	return &Driver{
		client:   client,
		tenantID: tenantID,
		sender:   sender,
		log:      log,
		release:  release,
		events:   make(chan driver.Event, 64),
	}
}

func (d *Driver) emit(ev driver.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return
	}
	if ev.At.IsZero() {
		ev.At = util.NowUTC()
	}
	select {
	case d.events <- ev:
	default:
		d.log.Warn("driver event dropped, consumer too slow", zap.String("event", string(ev.Type)))
	}
}

// Initialize checks the account and, on success, reports the session ready.
func (d *Driver) Initialize(ctx context.Context) error {
	if d.sender == "" {
		return ErrNoSender
	}
	d.emit(driver.Event{Type: driver.EventLoading, Percent: 0})

	acc, _, err := d.client.FetchAccount(ctx)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Unauthorized() {
			return fmt.Errorf("%s: %w", ReasonAuthRejected, err)
		}
		return err
	}
	if acc.Status != "" && acc.Status != "active" {
		return fmt.Errorf("%s: account %s", ReasonAuthRejected, acc.Status)
	}

	d.emit(driver.Event{Type: driver.EventAuthenticated})
	d.emit(driver.Event{Type: driver.EventReady})
	return nil
}

func (d *Driver) Destroy(ctx context.Context) error {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return nil
	}
	d.destroyed = true
	close(d.events)
	d.mu.Unlock()

	if d.release != nil {
		d.release(d)
	}
	return nil
}

// Send posts text with a small retry loop for transient API failures. A
// credentials rejection is also reported as a disconnect event.
func (d *Driver) Send(ctx context.Context, to driver.Address, text string) (string, error) {
	if !to.IsIndividual() {
		return "", driver.ErrInvalidAddress
	}
	req := SendRequest{From: util.E164(d.sender), To: "+" + to.Digits(), Body: text}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		resp, status, _, err := d.client.SendWhatsApp(ctx, req)
		if err == nil {
			return resp.Sid, nil
		}
		lastErr = err

		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Unauthorized() {
			d.emit(driver.Event{Type: driver.EventDisconnected, Reason: ReasonAuthRejected})
			return "", err
		}
		if !ShouldRetry(err, status) {
			return "", err
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(Backoff(attempt)):
		}
	}
	return "", lastErr
}

func (d *Driver) LivenessState(ctx context.Context) (string, error) {
	acc, _, err := d.client.FetchAccount(ctx)
	if err != nil {
		return "", err
	}
	if acc.Status != "" && acc.Status != "active" {
		return "", nil
	}
	return connectedState, nil
}

// ResolveAddress normalises a phone number. The REST API cannot tell
// whether the number is on WhatsApp; undeliverable numbers surface as
// failed status callbacks.
func (d *Driver) ResolveAddress(ctx context.Context, raw string) (driver.Address, error) {
	return driver.AddressFromPhone(raw)
}

func (d *Driver) Identity() string { return d.sender }

func (d *Driver) Events() <-chan driver.Event { return d.events }

// deliver pushes an inbound message into the event stream.
func (d *Driver) deliver(msg driver.InboundMessage) {
	d.emit(driver.Event{Type: driver.EventMessage, Message: &msg, At: msg.ReceivedAt})
}

type EstablishmentStore interface {
	GetEstablishment(ctx context.Context, tenantID string) (domain.Establishment, error)
}

// Factory builds drivers from the establishment's configured sender and
// routes inbound webhooks to the live driver of each tenant.
type Factory struct {
	Client         *Client
	Establishments EstablishmentStore
	Log            *zap.Logger

	mu   sync.Mutex
	live map[string]*Driver
}

func NewFactory(client *Client, est EstablishmentStore, log *zap.Logger) *Factory {
	return &Factory{Client: client, Establishments: est, Log: log, live: map[string]*Driver{}}
}

func (f *Factory) New(ctx context.Context, opts driver.Options) (driver.Driver, error) {
	est, err := f.Establishments.GetEstablishment(ctx, opts.TenantID)
	if err != nil {
		return nil, fmt.Errorf("load establishment: %w", err)
	}
	d := newDriver(f.Client, opts.TenantID, est.WhatsAppSender, f.Log.With(zap.String("tenant_id", opts.TenantID)), f.release)

	f.mu.Lock()
	f.live[opts.TenantID] = d
	f.mu.Unlock()
	return d, nil
}

func (f *Factory) release(d *Driver) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.live[d.tenantID] == d {
		delete(f.live, d.tenantID)
	}
}

// ClearCredentials is a no-op: the account credentials are shared by every
// tenant and live in configuration.
func (f *Factory) ClearCredentials(ctx context.Context, tenantID string) error {
	f.Log.Info("credential reset requested; account credentials are process-wide, nothing cleared", zap.String("tenant_id", tenantID))
	return nil
}

func (f *Factory) HasSavedCredentials(ctx context.Context, tenantID string) bool {
	est, err := f.Establishments.GetEstablishment(ctx, tenantID)
	return err == nil && est.WhatsAppSender != ""
}

// TenantForSender maps an inbound "To" number to the tenant owning it.
func (f *Factory) TenantForSender(number string) (string, bool) {
	want := util.DigitsWithCountry(number)
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, d := range f.live {
		if util.DigitsWithCountry(d.sender) == want {
			return id, true
		}
	}
	return "", false
}

// Deliver hands an inbound message to the tenant's live driver.
func (f *Factory) Deliver(tenantID string, msg driver.InboundMessage) bool {
	f.mu.Lock()
	d, ok := f.live[tenantID]
	f.mu.Unlock()
	if !ok {
		return false
	}
	d.deliver(msg)
	return true
}
