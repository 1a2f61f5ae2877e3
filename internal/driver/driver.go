// Package driver defines the contract between the session state machine and a
// concrete messaging session implementation.
package driver

import (
	"context"
	"errors"
	"strings"
	"time"

	"wanotify/internal/util"
)

var ErrInvalidAddress = errors.New("invalid address")

type EventType string

const (
	EventQR            EventType = "qr"
	EventLoading       EventType = "loading"
	EventStateChange   EventType = "state"
	EventAuthenticated EventType = "authenticated"
	EventReady         EventType = "ready"
	EventError         EventType = "error"
	EventDisconnected  EventType = "disconnected"
	EventMessage       EventType = "message"
)

// Event is a tagged lifecycle or message event emitted by a driver.
type Event struct {
	Type    EventType
	QR      string
	Percent int
	State   string
	Reason  string
	Message *InboundMessage
	At      time.Time
}

type InboundMessage struct {
	ID          string
	From        Address
	ProfileName string
	Body        string
	FromMe      bool
	ReceivedAt  time.Time
}

// Address is a resolved messaging address, e.g. "5511987654321@c.us".
type Address string

const (
	individualSuffix = "@c.us"
	groupSuffix      = "@g.us"
	broadcastSuffix  = "@broadcast"
)

// IsIndividual reports whether the address targets a single person.
// Groups, broadcast lists and status updates are rejected.
func (a Address) IsIndividual() bool {
	s := string(a)
	if strings.HasSuffix(s, groupSuffix) || strings.HasSuffix(s, broadcastSuffix) {
		return false
	}
	return strings.HasSuffix(s, individualSuffix) && len(s) > len(individualSuffix)
}

// Digits returns the user part of an individual address.
func (a Address) Digits() string {
	return strings.TrimSuffix(string(a), individualSuffix)
}

// AddressFromPhone normalises a raw contact into an individual address.
func AddressFromPhone(raw string) (Address, error) {
	if strings.Contains(raw, "@") {
		a := Address(strings.TrimSpace(raw))
		if !a.IsIndividual() {
			return "", ErrInvalidAddress
		}
		return a, nil
	}
	d := util.DigitsWithCountry(raw)
	if d == "" {
		return "", ErrInvalidAddress
	}
	return Address(d + individualSuffix), nil
}

// Driver is one live messaging session. Implementations must be safe for
// concurrent use; Events is closed after Destroy.
type Driver interface {
	Initialize(ctx context.Context) error
	Destroy(ctx context.Context) error
	Send(ctx context.Context, to Address, text string) (string, error)
	// LivenessState returns "" when the connection state is unknown.
	LivenessState(ctx context.Context) (string, error)
	ResolveAddress(ctx context.Context, raw string) (Address, error)
	Identity() string
	Events() <-chan Event
}

// Options describe how a new driver should be created.
type Options struct {
	TenantID         string
	FreshCredentials bool
}

type Factory interface {
	New(ctx context.Context, opts Options) (Driver, error)
	ClearCredentials(ctx context.Context, tenantID string) error
	HasSavedCredentials(ctx context.Context, tenantID string) bool
}
