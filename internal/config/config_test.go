package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DB_DSN", "postgres://localhost/wanotify")
	t.Setenv("TWILIO_ACCOUNT_SID", "AC123")
	t.Setenv("TWILIO_AUTH_TOKEN", "secret")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, []string{"agendado", "confirmado"}, cfg.ConfirmStatuses)
	require.Equal(t, []string{"cancelado"}, cfg.SkipStatuses)
	require.Equal(t, []string{"feito"}, cfg.ReviewTriggerStatuses)
	require.Empty(t, cfg.ReviewEligible)
	require.Equal(t, 2*time.Hour, cfg.ReminderLead)
	require.Equal(t, 72*time.Hour, cfg.RecentWindow)
	require.Equal(t, DispatchInline, cfg.DispatchMode)
	require.True(t, cfg.WelcomeEnabled)
}

func TestLoadNormalizesStatusLists(t *testing.T) {
	setRequired(t)
	t.Setenv("CONFIRM_SEND_ON_STATUS", " Agendado , ,CONFIRMADO")
	t.Setenv("REVIEW_ELIGIBLE_STATUSES", "feito")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, []string{"agendado", "confirmado"}, cfg.ConfirmStatuses)
	require.Equal(t, []string{"feito"}, cfg.ReviewEligible)
}

func TestLoadRejectsSQSWithoutQueue(t *testing.T) {
	setRequired(t)
	t.Setenv("DISPATCH_MODE", "sqs")

	_, err := Load()
	require.ErrorIs(t, err, ErrInvalid)
}

func TestLoadRejectsUnknownDispatchMode(t *testing.T) {
	setRequired(t)
	t.Setenv("DISPATCH_MODE", "carrier-pigeon")

	_, err := Load()
	require.ErrorIs(t, err, ErrInvalid)
}

func TestLoadRejectsNonPositiveWatchdog(t *testing.T) {
	setRequired(t)
	t.Setenv("HEALTH_CHECK_INTERVAL", "0s")

	_, err := Load()
	require.ErrorIs(t, err, ErrInvalid)
}
