package session

import (
	"context"
	"sync"

	"wanotify/internal/driver"
)

// Handle is the send surface of a ready session.
type Handle interface {
	TenantID() string
	Send(ctx context.Context, to driver.Address, text string) (string, error)
	ResolveAddress(ctx context.Context, raw string) (driver.Address, error)
}

type handle struct {
	tenantID string
	inst     *instance
}

func (h *handle) TenantID() string { return h.tenantID }

func (h *handle) Send(ctx context.Context, to driver.Address, text string) (string, error) {
	if h.inst.ctx.Err() != nil {
		return "", ErrSessionGone
	}
	return h.inst.drv.Send(ctx, to, text)
}

func (h *handle) ResolveAddress(ctx context.Context, raw string) (driver.Address, error) {
	if h.inst.ctx.Err() != nil {
		return "", ErrSessionGone
	}
	return h.inst.drv.ResolveAddress(ctx, raw)
}

// Directory maps tenants to their ready session. Only the manager writes it.
type Directory struct {
	mu      sync.RWMutex
	handles map[string]*handle
}

func newDirectory() *Directory {
	return &Directory{handles: map[string]*handle{}}
}

func (d *Directory) Lookup(tenantID string) (Handle, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handles[tenantID]
	if !ok {
		return nil, false
	}
	return h, true
}

func (d *Directory) put(h *handle) {
	d.mu.Lock()
	d.handles[h.tenantID] = h
	d.mu.Unlock()
}

// remove drops the tenant entry only if it still belongs to inst.
func (d *Directory) remove(tenantID string, inst *instance) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if h, ok := d.handles[tenantID]; ok && h.inst == inst {
		delete(d.handles, tenantID)
	}
}
