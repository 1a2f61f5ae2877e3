package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestShouldRun(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fresh := now.Add(-time.Minute)
	stale := now.Add(-time.Hour)

	cases := []struct {
		name string
		c    TenantControl
		want bool
	}{
		{"not desired", TenantControl{DesiredRunning: false, SessionEverEstablished: true}, false},
		{"established", TenantControl{DesiredRunning: true, SessionEverEstablished: true}, true},
		{"fresh watch", TenantControl{DesiredRunning: true, WatchRequested: true, WatchRequestedAt: &fresh}, true},
		{"stale watch", TenantControl{DesiredRunning: true, WatchRequested: true, WatchRequestedAt: &stale}, false},
		{"watch without timestamp", TenantControl{DesiredRunning: true, WatchRequested: true}, false},
		{"never linked", TenantControl{DesiredRunning: true}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.c.ShouldRun(now, 5*time.Minute))
		})
	}
}

func TestBookingSent(t *testing.T) {
	b := Booking{ConfirmationSent: true}
	require.True(t, b.Sent(KindConfirmation))
	require.False(t, b.Sent(KindReminder))
	require.False(t, b.Sent(KindWelcome))
	require.True(t, KindReview.OneShot())
	require.False(t, KindWelcome.OneShot())
}

func TestNotificationJobValidate(t *testing.T) {
	require.NoError(t, NotificationJob{Kind: KindReminder, TenantID: "t", BookingID: "b"}.Validate())
	require.ErrorIs(t, NotificationJob{Kind: KindWelcome, TenantID: "t", BookingID: "b"}.Validate(), ErrMissingFields)
	require.ErrorIs(t, NotificationJob{Kind: KindReview, TenantID: "t"}.Validate(), ErrMissingFields)
}
