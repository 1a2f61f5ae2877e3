package domain

import (
	"errors"
	"time"
)

type SessionState string

const (
	StateIdle          SessionState = "idle"
	StateStarting      SessionState = "starting"
	StateQR            SessionState = "qr"
	StateAuthenticated SessionState = "authenticated"
	StateReady         SessionState = "ready"
	StateDisconnected  SessionState = "disconnected"
	StateError         SessionState = "error"
)

// Command is the operator command slot on a tenant control record.
type Command string

const (
	CommandNone       Command = ""
	CommandDisconnect Command = "disconnect"
	CommandDone       Command = "done"
	CommandError      Command = "error"
)

// TenantControl is the operator-facing control record of one tenant.
type TenantControl struct {
	TenantID               string     `json:"tenantId"`
	DesiredRunning         bool       `json:"desiredRunning"`
	Command                Command    `json:"command,omitempty"`
	// CommandSeq is bumped by the store on every disconnect request, so a
	// repeated request is distinguishable from the one being processed.
	CommandSeq             int64      `json:"commandSeq"`
	WatchRequested         bool       `json:"watchRequested"`
	WatchRequestedAt       *time.Time `json:"watchRequestedAt,omitempty"`
	SessionEverEstablished bool       `json:"sessionEverEstablished"`
}

// WatchActive reports whether an operator is currently watching for a QR code.
// A request without a timestamp is treated as stale.
func (c TenantControl) WatchActive(now time.Time, freshness time.Duration) bool {
	if !c.WatchRequested || c.WatchRequestedAt == nil {
		return false
	}
	return now.Sub(*c.WatchRequestedAt) <= freshness
}

func (c TenantControl) ShouldRun(now time.Time, freshness time.Duration) bool {
	return c.DesiredRunning && (c.SessionEverEstablished || c.WatchActive(now, freshness))
}

type SessionStatus struct {
	TenantID          string       `json:"tenantId"`
	State             SessionState `json:"state"`
	QRPayload         string       `json:"qrPayload,omitempty"`
	ConnectedIdentity string       `json:"connectedIdentity,omitempty"`
	LastError         string       `json:"lastError,omitempty"`
	UpdatedAt         time.Time    `json:"updatedAt"`
}

type NotificationKind string

const (
	KindConfirmation NotificationKind = "confirmation"
	KindReminder     NotificationKind = "reminder"
	KindReview       NotificationKind = "review"
	KindWelcome      NotificationKind = "welcome"
)

// OneShot reports whether the kind is backed by a monotonic booking flag.
func (k NotificationKind) OneShot() bool {
	switch k {
	case KindConfirmation, KindReminder, KindReview:
		return true
	}
	return false
}

type Booking struct {
	ID               string    `json:"id"`
	TenantID         string    `json:"tenantId"`
	CustomerName     string    `json:"customerName"`
	RecipientContact string    `json:"recipientContact"`
	ServiceName      string    `json:"serviceName"`
	ScheduledAt      time.Time `json:"scheduledAt"`
	Status           string    `json:"status"`
	CreatedAt        time.Time `json:"createdAt"`

	ConfirmationSent   bool       `json:"confirmationSent"`
	ConfirmationSentAt *time.Time `json:"confirmationSentAt,omitempty"`
	ReminderSent       bool       `json:"reminderSent"`
	ReminderSentAt     *time.Time `json:"reminderSentAt,omitempty"`
	ReviewSent         bool       `json:"reviewSent"`
	ReviewSentAt       *time.Time `json:"reviewSentAt,omitempty"`
}

func (b Booking) Sent(kind NotificationKind) bool {
	switch kind {
	case KindConfirmation:
		return b.ConfirmationSent
	case KindReminder:
		return b.ReminderSent
	case KindReview:
		return b.ReviewSent
	}
	return false
}

// Establishment carries the tenant profile used to render messages.
type Establishment struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	ReviewLink     string `json:"reviewLink,omitempty"`
	BookingLink    string `json:"bookingLink,omitempty"`
	Address        string `json:"address,omitempty"`
	IncludeAddress bool   `json:"includeAddress"`
	WhatsAppSender string `json:"whatsappSender,omitempty"`
}

type WelcomeRecord struct {
	TenantID   string    `json:"tenantId"`
	ContactID  string    `json:"contactId"`
	LastSentAt time.Time `json:"lastSentAt"`
	SendCount  int       `json:"sendCount"`
}

var ErrMissingFields = errors.New("missing required fields")

// NotificationJob asks the pipeline to send one booking notification. It is
// the unit carried by the dispatch transport.
type NotificationJob struct {
	Kind      NotificationKind `json:"kind"`
	TenantID  string           `json:"tenantId"`
	BookingID string           `json:"bookingId"`
	Trigger   string           `json:"trigger,omitempty"`
}

func (j NotificationJob) Validate() error {
	if !j.Kind.OneShot() || j.TenantID == "" || j.BookingID == "" {
		return ErrMissingFields
	}
	return nil
}
