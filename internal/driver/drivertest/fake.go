// Package drivertest provides a scriptable in-memory driver for tests.
package drivertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"wanotify/internal/driver"
)

var ErrDestroyed = errors.New("driver destroyed")

type Sent struct {
	To   driver.Address
	Text string
}

type Driver struct {
	TenantID string
	Fresh    bool

	factory *Factory
	events  chan driver.Event

	mu          sync.Mutex
	destroyed   bool
	initialized bool
	initErr     error
	sendErr     error
	liveness    string
	livenessErr error
	sent        []Sent
}

func (d *Driver) Initialize(ctx context.Context) error {
	d.mu.Lock()
	d.initialized = true
	err := d.initErr
	d.mu.Unlock()
	if err == nil && d.factory.OnInitialize != nil {
		d.factory.OnInitialize(d)
	}
	return err
}

func (d *Driver) Destroy(ctx context.Context) error {
	if d.factory.OnDestroy != nil {
		d.factory.OnDestroy(d)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return nil
	}
	d.destroyed = true
	close(d.events)
	d.factory.released(d.TenantID)
	return nil
}

func (d *Driver) Send(ctx context.Context, to driver.Address, text string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return "", ErrDestroyed
	}
	if d.sendErr != nil {
		return "", d.sendErr
	}
	d.sent = append(d.sent, Sent{To: to, Text: text})
	return fmt.Sprintf("fake-%d", len(d.sent)), nil
}

func (d *Driver) LivenessState(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.liveness, d.livenessErr
}

func (d *Driver) ResolveAddress(ctx context.Context, raw string) (driver.Address, error) {
	return driver.AddressFromPhone(raw)
}

func (d *Driver) Identity() string { return "fake:" + d.TenantID }

func (d *Driver) Events() <-chan driver.Event { return d.events }

// Emit pushes an event to the session. It reports false once the driver is destroyed.
func (d *Driver) Emit(ev driver.Event) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return false
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case d.events <- ev:
		return true
	default:
		return false
	}
}

func (d *Driver) SetSendErr(err error) {
	d.mu.Lock()
	d.sendErr = err
	d.mu.Unlock()
}

func (d *Driver) SetLiveness(state string, err error) {
	d.mu.Lock()
	d.liveness, d.livenessErr = state, err
	d.mu.Unlock()
}

func (d *Driver) Sent() []Sent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Sent(nil), d.sent...)
}

func (d *Driver) Destroyed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroyed
}

func (d *Driver) Initialized() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.initialized
}

// Factory creates fake drivers and tracks how many are alive per tenant.
type Factory struct {
	// OnInitialize runs after a successful Initialize, e.g. to emit ready.
	OnInitialize func(d *Driver)
	// OnDestroy runs at the start of every Destroy call.
	OnDestroy func(d *Driver)
	// InitErr, when set, is returned by Initialize of drivers created afterwards.
	InitErr error
	NewErr  error

	mu      sync.Mutex
	live    map[string]int
	maxLive map[string]int
	drivers map[string][]*Driver
	cleared map[string]int
	saved   map[string]bool
}

func NewFactory() *Factory {
	return &Factory{
		live:    map[string]int{},
		maxLive: map[string]int{},
		drivers: map[string][]*Driver{},
		cleared: map[string]int{},
		saved:   map[string]bool{},
	}
}

func (f *Factory) New(ctx context.Context, opts driver.Options) (driver.Driver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.NewErr != nil {
		return nil, f.NewErr
	}
	d := &Driver{
		TenantID: opts.TenantID,
		Fresh:    opts.FreshCredentials,
		factory:  f,
		events:   make(chan driver.Event, 256),
		initErr:  f.InitErr,
		liveness: "CONNECTED",
	}
	f.live[opts.TenantID]++
	if f.live[opts.TenantID] > f.maxLive[opts.TenantID] {
		f.maxLive[opts.TenantID] = f.live[opts.TenantID]
	}
	f.drivers[opts.TenantID] = append(f.drivers[opts.TenantID], d)
	return d, nil
}

func (f *Factory) ClearCredentials(ctx context.Context, tenantID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared[tenantID]++
	delete(f.saved, tenantID)
	return nil
}

func (f *Factory) HasSavedCredentials(ctx context.Context, tenantID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saved[tenantID]
}

func (f *Factory) SetSaved(tenantID string, saved bool) {
	f.mu.Lock()
	f.saved[tenantID] = saved
	f.mu.Unlock()
}

func (f *Factory) released(tenantID string) {
	f.mu.Lock()
	f.live[tenantID]--
	f.mu.Unlock()
}

func (f *Factory) Live(tenantID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live[tenantID]
}

func (f *Factory) MaxLive(tenantID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxLive[tenantID]
}

func (f *Factory) Created(tenantID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.drivers[tenantID])
}

// Last returns the most recently created driver for the tenant, or nil.
func (f *Factory) Last(tenantID string) *Driver {
	f.mu.Lock()
	defer f.mu.Unlock()
	ds := f.drivers[tenantID]
	if len(ds) == 0 {
		return nil
	}
	return ds[len(ds)-1]
}

func (f *Factory) Cleared(tenantID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cleared[tenantID]
}
