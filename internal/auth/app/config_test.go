package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg := LoadConfig()

		require.Equal(t, "gatehouse", cfg.Issuer)
		require.Equal(t, "gatehouse.db", cfg.DatabaseFile)
		require.Equal(t, 8080, cfg.Port)
		require.Equal(t, 10*time.Second, cfg.ShutdownGracePeriod)
		require.Equal(t, 1*time.Hour, cfg.HousekeepingInterval)
		require.Equal(t, "json", cfg.LogFormat)
		require.Empty(t, cfg.RedisAddr)
		require.Empty(t, cfg.RPOrigins)
	})

	t.Run("display name falls back to issuer", func(t *testing.T) {
		t.Setenv("GATEHOUSE_ISSUER", "Example ID")

		cfg := LoadConfig()
		require.Equal(t, "Example ID", cfg.RPDisplayName)
	})

	t.Run("origins split on commas and trim", func(t *testing.T) {
		t.Setenv("GATEHOUSE_RP_ORIGINS", "https://id.example.com, https://app.example.com ,")

		cfg := LoadConfig()
		require.Equal(t, []string{"https://id.example.com", "https://app.example.com"}, cfg.RPOrigins)
	})

	t.Run("durations parse both forms", func(t *testing.T) {
		t.Setenv("SHUTDOWN_GRACE_PERIOD", "30s")
		t.Setenv("HOUSEKEEPING_INTERVAL", "90")

		cfg := LoadConfig()
		require.Equal(t, 30*time.Second, cfg.ShutdownGracePeriod)
		require.Equal(t, 90*time.Minute, cfg.HousekeepingInterval)
	})

	t.Run("bad int falls back to default", func(t *testing.T) {
		t.Setenv("PORT", "not-a-port")

		cfg := LoadConfig()
		require.Equal(t, 8080, cfg.Port)
	})
}
