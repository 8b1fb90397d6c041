package observability

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/recovery/internal/config"
	"github.com/smallbiznis/recovery/internal/observability/logger"
	gormlogger "gorm.io/gorm/logger"
)

// Config is the telemetry setup shared by the API and the dunning scheduler.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel  string
	LogFormat string

	// Traces and metrics share one OTLP collector but toggle independently.
	TracesEnabled  bool
	MetricsEnabled bool
	Exporter       ExporterConfig
	SamplingRatio  float64

	Queries QueryLogConfig
}

type ExporterConfig struct {
	Endpoint string
	Protocol string
}

// QueryLogConfig controls how ledger and retry queries show up in the log.
type QueryLogConfig struct {
	Level         string
	SlowThreshold time.Duration
	LogNotFound   bool
}

type lookupFunc func(string) (string, bool)

func LoadConfig(cfg config.Config) Config {
	return loadConfig(cfg, os.LookupEnv)
}

func loadConfig(cfg config.Config, lookup lookupFunc) Config {
	env := envReader{lookup: lookup}

	serviceName := strings.TrimSpace(cfg.AppName)
	if serviceName == "" {
		serviceName = "recovery"
	}
	environment := env.str(cfg.Environment, "DEPLOYMENT_ENV")

	// Local runs keep every span so a single retry can be followed end to end.
	defaultRatio := 0.1
	if isDevEnv(environment) {
		defaultRatio = 1
	}

	otelEnabled := env.boolean(true, "OTEL_ENABLED")
	protocol := strings.ToLower(env.str("grpc", "OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", "OTEL_EXPORTER_OTLP_PROTOCOL"))

	return Config{
		ServiceName:    serviceName,
		Environment:    environment,
		Version:        env.str(cfg.AppVersion, "SERVICE_VERSION"),
		LogLevel:       strings.ToLower(env.str("info", "LOG_LEVEL")),
		LogFormat:      strings.ToLower(env.str("json", "LOG_FORMAT")),
		TracesEnabled:  env.boolean(otelEnabled, "OTEL_TRACES_ENABLED"),
		MetricsEnabled: env.boolean(otelEnabled, "OTEL_METRICS_ENABLED"),
		Exporter: ExporterConfig{
			Endpoint: env.str(cfg.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT"),
			Protocol: protocol,
		},
		SamplingRatio: clampRatio(env.float(defaultRatio, "OTEL_TRACES_SAMPLER_ARG", "OTEL_SAMPLING_RATIO")),
		Queries: QueryLogConfig{
			Level:         strings.ToLower(env.str("warn", "DB_LOG_LEVEL")),
			SlowThreshold: env.duration(200*time.Millisecond, "DB_SLOW_QUERY_THRESHOLD"),
			LogNotFound:   env.boolean(false, "DB_LOG_NOT_FOUND"),
		},
	}
}

func (c Config) Debug() bool {
	if strings.EqualFold(strings.TrimSpace(c.LogLevel), "debug") {
		return true
	}
	return isDevEnv(c.Environment)
}

// GormLogger converts the query section into the GORM logger settings.
func (c Config) GormLogger() logger.GormLoggerConfig {
	out := logger.DefaultGormLoggerConfig()
	switch c.Queries.Level {
	case "silent":
		out.Level = gormlogger.Silent
	case "error":
		out.Level = gormlogger.Error
	case "info", "debug":
		out.Level = gormlogger.Info
	}
	if c.Queries.SlowThreshold > 0 {
		out.SlowThreshold = c.Queries.SlowThreshold
	}
	out.IgnoreRecordNotFound = !c.Queries.LogNotFound
	return out
}

func isDevEnv(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

func clampRatio(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// envReader resolves the first non-empty key in order.
type envReader struct {
	lookup lookupFunc
}

func (e envReader) first(keys ...string) (string, bool) {
	for _, key := range keys {
		if v, ok := e.lookup(key); ok {
			if v = strings.TrimSpace(v); v != "" {
				return v, true
			}
		}
	}
	return "", false
}

func (e envReader) str(def string, keys ...string) string {
	if v, ok := e.first(keys...); ok {
		return v
	}
	return strings.TrimSpace(def)
}

func (e envReader) boolean(def bool, keys ...string) bool {
	v, ok := e.first(keys...)
	if !ok {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func (e envReader) float(def float64, keys ...string) float64 {
	v, ok := e.first(keys...)
	if !ok {
		return def
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return parsed
}

func (e envReader) duration(def time.Duration, keys ...string) time.Duration {
	v, ok := e.first(keys...)
	if !ok {
		return def
	}
	parsed, err := time.ParseDuration(v)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}
