package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"PORT", "KVPS_HOST", "KVPS_PORT", "KVPS_URL", "ENABLED_SERVICES", "LOG_LEVEL",
		"HEARTBEAT_INTERVAL_MS", "HEARTBEAT_TTL_MS", "PRESENCE_TIMEOUT_MS",
		"CURSOR_TTL_MS", "CURSOR_CLEANUP_MS", "THROTTLE_INTERVAL_MS",
	}
	for _, k := range keys {
		os.Unsetenv(k)
	}
	t.Cleanup(func() {
		for _, k := range keys {
			os.Unsetenv(k)
		}
	})
}

func TestLoad_DefaultsWithNoEnv(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, DefaultPort, cfg.Port)
	require.Equal(t, []string{"chat", "presence", "cursor", "reaction"}, cfg.EnabledServices)
	require.Equal(t, "localhost:6379", cfg.KVPSAddr())
	require.Equal(t, 90*time.Second, cfg.HeartbeatTTL)
}

func TestLoad_KVPSURLOverridesHostPort(t *testing.T) {
	clearEnv(t)
	os.Setenv("KVPS_URL", "redis://cache:7000")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "redis://cache:7000", cfg.KVPSAddr())
}

func TestLoad_EnabledServicesSubset(t *testing.T) {
	clearEnv(t)
	os.Setenv("ENABLED_SERVICES", "chat, cursor")

	cfg, err := Load()
	require.NoError(t, err)
	require.True(t, cfg.ServiceEnabled("chat"))
	require.True(t, cfg.ServiceEnabled("cursor"))
	require.False(t, cfg.ServiceEnabled("presence"))
}

func TestLoad_UnknownServiceRejected(t *testing.T) {
	clearEnv(t)
	os.Setenv("ENABLED_SERVICES", "chat,teleport")

	_, err := Load()
	require.Error(t, err)
}

func TestLoad_InvalidPortRejected(t *testing.T) {
	clearEnv(t)
	os.Setenv("PORT", "not-a-number")

	_, err := Load()
	require.Error(t, err)
}

func TestLoad_TuningOverrides(t *testing.T) {
	clearEnv(t)
	os.Setenv("PRESENCE_TIMEOUT_MS", "5000")
	os.Setenv("THROTTLE_INTERVAL_MS", "100")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, cfg.PresenceTimeout)
	require.Equal(t, 100*time.Millisecond, cfg.ThrottleInterval)
}
