package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg, err := Load()
	require.NoError(t, err)
	require.Empty(t, cfg.AuthSecret)
}

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"RESERVATION_TTL", "RESERVATION_SWEEP_INTERVAL", "LEDGER_AUDIT_CRON", "PORT"} {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 15*time.Minute, cfg.ReservationTTL)
	require.Equal(t, time.Minute, cfg.ReservationSweepInterval)
	require.Equal(t, "@hourly", cfg.LedgerAuditCron)
	require.Equal(t, ":8080", cfg.Address())
}

func TestLoadParsesDurations(t *testing.T) {
	t.Setenv("RESERVATION_TTL", "90s")
	t.Setenv("ACCESS_TOKEN_TTL", "30m")
	t.Setenv("AUTH_SECRET", "  padded-secret  ")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 90*time.Second, cfg.ReservationTTL)
	require.Equal(t, 30*time.Minute, cfg.AccessTokenTTL)
	require.Equal(t, "padded-secret", cfg.AuthSecret)
}

func TestLoadRejectsNonPositiveReservationTTL(t *testing.T) {
	t.Setenv("RESERVATION_TTL", "0s")

	_, err := Load()
	require.Error(t, err)
}
