package pipeline

import (
	"slices"
	"strings"

	"wanotify/internal/domain"
)

// Policy decides which bookings may receive which notification.
// Status lists are compared case-insensitively.
type Policy struct {
	ConfirmStatuses []string
	// SkipStatuses never get a reminder or a review request.
	SkipStatuses []string
	// ReviewEligible gates review requests by status; empty means any status
	// not in SkipStatuses.
	ReviewEligible []string
	// ReviewTriggerStatuses are the statuses whose arrival triggers a review
	// request from the change stream.
	ReviewTriggerStatuses []string
	WelcomeEnabled        bool
}

// Eligible reports whether b may get kind, ignoring whether it was already
// sent. The returned reason is empty when eligible.
func (p Policy) Eligible(kind domain.NotificationKind, b domain.Booking) (bool, string) {
	if strings.TrimSpace(b.RecipientContact) == "" {
		return false, "no recipient"
	}
	if b.ScheduledAt.IsZero() {
		return false, "no schedule"
	}
	status := strings.ToLower(strings.TrimSpace(b.Status))

	switch kind {
	case domain.KindConfirmation:
		if !slices.Contains(p.ConfirmStatuses, status) {
			return false, "status not confirmable"
		}
	case domain.KindReminder:
		if slices.Contains(p.SkipStatuses, status) {
			return false, "status skipped"
		}
	case domain.KindReview:
		if slices.Contains(p.SkipStatuses, status) {
			return false, "status skipped"
		}
		if len(p.ReviewEligible) > 0 && !slices.Contains(p.ReviewEligible, status) {
			return false, "status not reviewable"
		}
	default:
		return false, "not a booking notification"
	}
	return true, ""
}

// TriggersReview reports whether a status transition into status should
// produce a review request.
func (p Policy) TriggersReview(status string) bool {
	return slices.Contains(p.ReviewTriggerStatuses, strings.ToLower(strings.TrimSpace(status)))
}
