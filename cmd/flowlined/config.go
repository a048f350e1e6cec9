package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/mhalbert/flowline/core"
)

// loadConfig builds the effective configuration in layers: defaults, then
// the YAML file, then FLOWLINE_* environment variables, then flags. Later
// layers win.
func loadConfig() (*core.Config, error) {
	cfg := core.DefaultConfig()

	if err := applyConfigFile(cfg); err != nil {
		return nil, err
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	applyFlags(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyConfigFile merges the YAML config file into cfg. Without --config the
// file is searched for as flowline.yaml in the working directory and
// /etc/flowline; a missing file is only an error when --config named it.
func applyConfigFile(cfg *core.Config) error {
	v := viper.New()
	if flagConfig != "" {
		v.SetConfigFile(flagConfig)
	} else {
		v.SetConfigName("flowline")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/flowline")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if flagConfig == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("%w: read config file: %v", core.ErrInvalidConfiguration, err)
	}

	setString(v, "service_name", &cfg.ServiceName)

	setString(v, "store.database_url", &cfg.Store.DatabaseURL)
	setInt(v, "store.max_open_conns", &cfg.Store.MaxOpenConns)
	setInt(v, "store.max_idle_conns", &cfg.Store.MaxIdleConns)
	setDuration(v, "store.conn_max_lifetime", &cfg.Store.ConnMaxLifetime)

	setString(v, "queue.redis_url", &cfg.Queue.RedisURL)
	setString(v, "queue.namespace", &cfg.Queue.Namespace)
	setDuration(v, "queue.visibility", &cfg.Queue.Visibility)
	setDuration(v, "queue.dequeue_timeout", &cfg.Queue.DequeueTimeout)

	setDuration(v, "retry.step_base", &cfg.Retry.StepBase)
	setDuration(v, "retry.step_cap", &cfg.Retry.StepCap)
	setDuration(v, "retry.execution_base", &cfg.Retry.ExecutionBase)
	setDuration(v, "retry.execution_cap", &cfg.Retry.ExecutionCap)
	setFloat(v, "retry.jitter_pct", &cfg.Retry.JitterPct)

	setInt(v, "worker.concurrency", &cfg.Worker.Concurrency)
	setDuration(v, "worker.shutdown_timeout", &cfg.Worker.ShutdownTimeout)

	setDuration(v, "sweeper.interval", &cfg.Sweeper.Interval)
	setDuration(v, "sweeper.stuck_threshold", &cfg.Sweeper.StuckThreshold)

	setDuration(v, "dispatcher.interval", &cfg.Dispatcher.Interval)
	setDuration(v, "dispatcher.grace", &cfg.Dispatcher.Grace)

	setInt(v, "http.port", &cfg.HTTP.Port)
	setString(v, "http.address", &cfg.HTTP.Address)
	setDuration(v, "http.read_timeout", &cfg.HTTP.ReadTimeout)
	setDuration(v, "http.write_timeout", &cfg.HTTP.WriteTimeout)
	setDuration(v, "http.idle_timeout", &cfg.HTTP.IdleTimeout)
	setDuration(v, "http.shutdown_timeout", &cfg.HTTP.ShutdownTimeout)

	setBool(v, "telemetry.enabled", &cfg.Telemetry.Enabled)
	setString(v, "telemetry.endpoint", &cfg.Telemetry.Endpoint)
	setString(v, "telemetry.service_name", &cfg.Telemetry.ServiceName)
	setFloat(v, "telemetry.sampling_rate", &cfg.Telemetry.SamplingRate)
	setBool(v, "telemetry.insecure", &cfg.Telemetry.Insecure)

	setString(v, "logging.level", &cfg.Logging.Level)
	setString(v, "logging.format", &cfg.Logging.Format)
	setString(v, "logging.output", &cfg.Logging.Output)

	return nil
}

// applyFlags overlays command-line flags, the highest-precedence layer.
func applyFlags(cfg *core.Config) {
	if flagDatabaseURL != "" {
		cfg.Store.DatabaseURL = flagDatabaseURL
	}
	if flagRedisURL != "" {
		cfg.Queue.RedisURL = flagRedisURL
	}
	if flagLogLevel != "" {
		cfg.Logging.Level = flagLogLevel
	}
	if flagLogFormat != "" {
		cfg.Logging.Format = flagLogFormat
	}
	if flagPort != 0 {
		cfg.HTTP.Port = flagPort
	}
	if flagConcurrency != 0 {
		cfg.Worker.Concurrency = flagConcurrency
	}
}

func setString(v *viper.Viper, key string, dst *string) {
	if v.IsSet(key) {
		*dst = v.GetString(key)
	}
}

func setInt(v *viper.Viper, key string, dst *int) {
	if v.IsSet(key) {
		*dst = v.GetInt(key)
	}
}

func setFloat(v *viper.Viper, key string, dst *float64) {
	if v.IsSet(key) {
		*dst = v.GetFloat64(key)
	}
}

func setBool(v *viper.Viper, key string, dst *bool) {
	if v.IsSet(key) {
		*dst = v.GetBool(key)
	}
}

// setDuration accepts duration strings ("90s", "5m") and bare numbers,
// which are read as seconds.
func setDuration(v *viper.Viper, key string, dst *time.Duration) {
	if !v.IsSet(key) {
		return
	}
	if d, err := time.ParseDuration(v.GetString(key)); err == nil {
		*dst = d
		return
	}
	if n := v.GetInt(key); n > 0 {
		*dst = time.Duration(n) * time.Second
	}
}
