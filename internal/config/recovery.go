package config

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	DefaultMaxRetries         = 3
	DefaultPaymentMethod      = "card"
	DefaultRetryTimeout       = 30 * time.Second
	DefaultGatewaySuccessRate = 0.7
)

// RecoveryConfig is the reloadable payment recovery policy.
type RecoveryConfig struct {
	MaxRetries           int             `mapstructure:"maxRetries"`
	DefaultPaymentMethod string          `mapstructure:"defaultPaymentMethod"`
	RetryTimeout         time.Duration   `mapstructure:"retryTimeout"`
	RetryBackoff         []time.Duration `mapstructure:"retryBackoff"`
	Gateway              GatewayConfig   `mapstructure:"gateway"`
}

type GatewayConfig struct {
	SuccessRate float64       `mapstructure:"successRate"`
	Latency     time.Duration `mapstructure:"latency"`
}

func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		MaxRetries:           DefaultMaxRetries,
		DefaultPaymentMethod: DefaultPaymentMethod,
		RetryTimeout:         DefaultRetryTimeout,
		RetryBackoff:         []time.Duration{24 * time.Hour, 72 * time.Hour, 120 * time.Hour},
		Gateway: GatewayConfig{
			SuccessRate: DefaultGatewaySuccessRate,
		},
	}
}

// BackoffFor returns the wait before the given 1-based attempt, reusing the last step when the list is short.
func (c RecoveryConfig) BackoffFor(attempt int) time.Duration {
	if len(c.RetryBackoff) == 0 || attempt <= 0 {
		return 0
	}
	idx := attempt - 1
	if idx >= len(c.RetryBackoff) {
		idx = len(c.RetryBackoff) - 1
	}
	return c.RetryBackoff[idx]
}

type RecoveryConfigHolder struct {
	current atomic.Value // holds RecoveryConfig
}

// NewStaticRecoveryConfig returns a holder that never reloads.
func NewStaticRecoveryConfig(cfg RecoveryConfig) *RecoveryConfigHolder {
	holder := &RecoveryConfigHolder{}
	holder.current.Store(normalizeRecoveryConfig(cfg))
	return holder
}

func NewRecoveryConfigHolder(log *zap.Logger) (*RecoveryConfigHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("recovery.config")

	v := viper.New()
	v.SetConfigName("recovery")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/recovery/config")
	v.AddConfigPath("/etc/recovery")
	v.AddConfigPath(".")

	v.SetEnvPrefix("RECOVERY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultRecoveryConfig()
	v.SetDefault("recovery.maxRetries", defaults.MaxRetries)
	v.SetDefault("recovery.defaultPaymentMethod", defaults.DefaultPaymentMethod)
	v.SetDefault("recovery.retryTimeout", defaults.RetryTimeout)
	v.SetDefault("recovery.retryBackoff", defaults.RetryBackoff)
	v.SetDefault("recovery.gateway.successRate", defaults.Gateway.SuccessRate)
	v.SetDefault("recovery.gateway.latency", defaults.Gateway.Latency)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileLoaded = false
	}

	cfg, err := decodeRecoveryConfig(v)
	if err != nil {
		return nil, err
	}

	holder := &RecoveryConfigHolder{}
	holder.current.Store(cfg)

	if fileLoaded {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			updated, err := decodeRecoveryConfig(v)
			if err != nil {
				log.Warn("recovery config reload ignored", zap.String("file", e.Name), zap.Error(err))
				return
			}
			holder.current.Store(updated)
			log.Info("recovery config reloaded",
				zap.String("file", e.Name),
				zap.Int("max_retries", updated.MaxRetries),
			)
		})
	}

	return holder, nil
}

func (h *RecoveryConfigHolder) Get() RecoveryConfig {
	if h == nil {
		return DefaultRecoveryConfig()
	}
	cfg, ok := h.current.Load().(RecoveryConfig)
	if !ok {
		return DefaultRecoveryConfig()
	}
	return cfg
}

func decodeRecoveryConfig(v *viper.Viper) (RecoveryConfig, error) {
	var cfg RecoveryConfig
	if err := v.UnmarshalKey("recovery", &cfg); err != nil {
		return RecoveryConfig{}, err
	}
	if err := validateRecoveryConfig(cfg); err != nil {
		return RecoveryConfig{}, err
	}
	return normalizeRecoveryConfig(cfg), nil
}

func validateRecoveryConfig(cfg RecoveryConfig) error {
	if cfg.MaxRetries <= 0 {
		return errors.New("recovery.maxRetries must be positive")
	}
	if cfg.Gateway.SuccessRate < 0 || cfg.Gateway.SuccessRate > 1 {
		return errors.New("recovery.gateway.successRate must be within [0,1]")
	}
	for _, step := range cfg.RetryBackoff {
		if step < 0 {
			return errors.New("recovery.retryBackoff cannot contain negative durations")
		}
	}
	return nil
}

func normalizeRecoveryConfig(cfg RecoveryConfig) RecoveryConfig {
	defaults := DefaultRecoveryConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	cfg.DefaultPaymentMethod = strings.TrimSpace(cfg.DefaultPaymentMethod)
	if cfg.DefaultPaymentMethod == "" {
		cfg.DefaultPaymentMethod = defaults.DefaultPaymentMethod
	}
	if cfg.RetryTimeout <= 0 {
		cfg.RetryTimeout = defaults.RetryTimeout
	}
	return cfg
}
