package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "TREASURY_ADDRESS", "0x1234567890123456789012345678901234567890")
	setEnv(t, "PORT", "9090")
	setEnv(t, "REFUND_SWEEP_EVERY", "30s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.Equal(t, 30*time.Second, cfg.RefundSweepEvery)
	assert.True(t, cfg.RefundSweepEnabled)
	assert.Equal(t, DefaultRateLimit, cfg.RateLimitRPM)
}

func TestLoad_MissingTreasury(t *testing.T) {
	setEnv(t, "TREASURY_ADDRESS", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "TREASURY_ADDRESS is required")
}

func TestLoad_SweeperCanBeDisabled(t *testing.T) {
	setEnv(t, "TREASURY_ADDRESS", "0x1234567890123456789012345678901234567890")
	setEnv(t, "REFUND_SWEEP_ENABLED", "false")

	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.RefundSweepEnabled)
}

func TestLoad_BadDurationFallsBackToDefault(t *testing.T) {
	setEnv(t, "TREASURY_ADDRESS", "0x1234567890123456789012345678901234567890")
	setEnv(t, "REFUND_SWEEP_EVERY", "not-a-duration")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultRefundSweepEvery, cfg.RefundSweepEvery)
}

func TestConfig_EnvHelpers(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name:    "valid config",
			config:  Config{TreasuryAddress: "0x1234567890123456789012345678901234567890", RefundSweepEvery: time.Minute},
			wantErr: "",
		},
		{
			name:    "missing treasury",
			config:  Config{RefundSweepEvery: time.Minute},
			wantErr: "TREASURY_ADDRESS is required",
		},
		{
			name:    "non-positive sweep interval",
			config:  Config{TreasuryAddress: "0x1234567890123456789012345678901234567890"},
			wantErr: "REFUND_SWEEP_EVERY must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
