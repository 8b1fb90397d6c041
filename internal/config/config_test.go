package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("DATABASE_TYPE", "sqlite")
	t.Setenv("RATE_LIMIT_ENABLED", "yes")
	t.Setenv("RATE_LIMIT_RETRY_BURST", "5")
	t.Setenv("SCHEDULER_RUN_INTERVAL", "30s")
	t.Setenv("SCHEDULER_ENABLED_JOBS", "dunning_retry, ,recovery_gauges")

	cfg := Load()

	assert.Equal(t, "sqlite", cfg.DBType)
	assert.True(t, cfg.RateLimit.Enabled)
	assert.Equal(t, 5, cfg.RateLimit.RetryBurst)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.RunInterval)
	assert.Equal(t, []string{"dunning_retry", "recovery_gauges"}, cfg.Scheduler.EnabledJobs)
}

func TestLoadFallsBackOnInvalidValues(t *testing.T) {
	t.Setenv("SCHEDULER_RUN_INTERVAL", "soon")
	t.Setenv("DATABASE_MAX_OPEN_CONN", "many")

	cfg := Load()

	assert.Equal(t, time.Minute, cfg.Scheduler.RunInterval)
	assert.Equal(t, 50, cfg.DBMaxOpenConn)
}

func TestStaticRecoveryConfigNormalizes(t *testing.T) {
	holder := NewStaticRecoveryConfig(RecoveryConfig{})
	cfg := holder.Get()

	assert.Equal(t, DefaultMaxRetries, cfg.MaxRetries)
	assert.Equal(t, DefaultPaymentMethod, cfg.DefaultPaymentMethod)
	assert.Equal(t, DefaultRetryTimeout, cfg.RetryTimeout)
}

func TestBackoffForReusesLastStep(t *testing.T) {
	cfg := RecoveryConfig{RetryBackoff: []time.Duration{time.Hour, 2 * time.Hour}}

	assert.Equal(t, time.Duration(0), cfg.BackoffFor(0))
	assert.Equal(t, time.Hour, cfg.BackoffFor(1))
	assert.Equal(t, 2*time.Hour, cfg.BackoffFor(2))
	assert.Equal(t, 2*time.Hour, cfg.BackoffFor(5))
}

func TestValidateRecoveryConfig(t *testing.T) {
	require.Error(t, validateRecoveryConfig(RecoveryConfig{MaxRetries: 0}))
	require.Error(t, validateRecoveryConfig(RecoveryConfig{MaxRetries: 3, Gateway: GatewayConfig{SuccessRate: 1.5}}))
	require.Error(t, validateRecoveryConfig(RecoveryConfig{MaxRetries: 3, RetryBackoff: []time.Duration{-time.Second}}))
	require.NoError(t, validateRecoveryConfig(DefaultRecoveryConfig()))
}

func TestNilHolderReturnsDefaults(t *testing.T) {
	var holder *RecoveryConfigHolder
	assert.Equal(t, DefaultMaxRetries, holder.Get().MaxRetries)
}
