package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DB_DRIVER", "sqlite")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 20*time.Second, cfg.Turn.Cooldown)
	assert.Equal(t, 20, cfg.Turn.Window)
	assert.Equal(t, 30*time.Second, cfg.Completion.Timeout)
	assert.Equal(t, "none", cfg.Completion.Backend)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("TURN_COOLDOWN", "5s")
	t.Setenv("TURN_WINDOW", "7")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("FRONTEND_URL", "https://debategym.example")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.Turn.Cooldown)
	assert.Equal(t, 7, cfg.Turn.Window)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.False(t, cfg.IsDevelopment())
}

func TestValidateRejectsBadBackends(t *testing.T) {
	t.Setenv("DB_DRIVER", "postgres")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")

	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("COMPLETION_BACKEND", "openai")
	_, err = Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OPENAI_API_KEY")
}

func TestValidateRejectsNonPositiveIdleTTL(t *testing.T) {
	for _, ttl := range []string{"0s", "-1h"} {
		t.Run(ttl, func(t *testing.T) {
			t.Setenv("SESSION_IDLE_TTL", ttl)
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "SESSION_IDLE_TTL")
		})
	}
}

func TestDefaultMessageLength(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 2000, cfg.MaxMessageLength)
}
