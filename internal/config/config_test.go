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

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{
		"PORT", "PRO_SHARE_PERCENT", "INSTANT_CASHOUT_FEE_PERCENT",
		"CANCELLATION_FEE_PERCENT", "HOLD_DAYS", "AUTO_RELEASE_INTERVAL",
		"GATEWAY_BASE_URL", "GATEWAY_SECRET",
	} {
		setEnv(t, key, "")
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultProShare, cfg.ProSharePercent)
	assert.Equal(t, DefaultInstantCashoutFee, cfg.InstantCashoutFeePercent)
	assert.Equal(t, DefaultCancellationFee, cfg.CancellationFeePercent)
	assert.Equal(t, DefaultHoldDays, cfg.HoldDays)
	assert.Equal(t, DefaultAutoReleaseInterval, cfg.AutoReleaseInterval)
	assert.True(t, cfg.AutoReleaseEnabled)
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "PRO_SHARE_PERCENT", "80")
	setEnv(t, "HOLD_DAYS", "14")
	setEnv(t, "AUTO_RELEASE_INTERVAL", "30s")
	setEnv(t, "AUTO_RELEASE_ENABLED", "false")
	setEnv(t, "GATEWAY_BASE_URL", "")
	setEnv(t, "GATEWAY_SECRET", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 80, cfg.ProSharePercent)
	assert.Equal(t, 14, cfg.HoldDays)
	assert.Equal(t, 30*time.Second, cfg.AutoReleaseInterval)
	assert.False(t, cfg.AutoReleaseEnabled)
}

func TestLoad_GatewayRequiresSecret(t *testing.T) {
	setEnv(t, "GATEWAY_BASE_URL", "https://gateway.example.com")
	setEnv(t, "GATEWAY_SECRET", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "GATEWAY_SECRET is required")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid defaults",
			mutate: func(c *Config) {},
		},
		{
			name:    "pro share over 100",
			mutate:  func(c *Config) { c.ProSharePercent = 120 },
			wantErr: "PRO_SHARE_PERCENT",
		},
		{
			name:    "negative cashout fee",
			mutate:  func(c *Config) { c.InstantCashoutFeePercent = -1 },
			wantErr: "INSTANT_CASHOUT_FEE_PERCENT",
		},
		{
			name:    "negative hold days",
			mutate:  func(c *Config) { c.HoldDays = -1 },
			wantErr: "HOLD_DAYS",
		},
		{
			name:    "zero batch",
			mutate:  func(c *Config) { c.AutoReleaseBatch = 0 },
			wantErr: "AUTO_RELEASE_BATCH",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				ProSharePercent:          DefaultProShare,
				InstantCashoutFeePercent: DefaultInstantCashoutFee,
				CancellationFeePercent:   DefaultCancellationFee,
				HoldDays:                 DefaultHoldDays,
				AutoReleaseBatch:         DefaultAutoReleaseBatch,
			}
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
