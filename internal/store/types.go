package store

import (
	"errors"
	"time"

	"wanotify/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrStaleCommand reports that a newer command replaced the one whose
	// result was being written.
	ErrStaleCommand = errors.New("command superseded")
)

type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeRemoved  ChangeKind = "removed"
)

// ControlChange is one entry of the tenant control change stream.
type ControlChange struct {
	Kind    ChangeKind
	Control domain.TenantControl
}

// BookingChange is one entry of the booking change stream.
type BookingChange struct {
	Kind           ChangeKind
	Booking        domain.Booking
	StatusChanged  bool
	PreviousStatus string
}

// StatusUpdate is a merge-write of the session status: nil fields keep their
// stored value.
type StatusUpdate struct {
	State             domain.SessionState
	QRPayload         *string
	ConnectedIdentity *string
	LastError         *string
	At                time.Time
}

func Str(s string) *string { return &s }
