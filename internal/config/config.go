// Package config loads the external configuration collaborator the server
// core consumes (spec §6): listen host/port, pool bounds, body-size limit,
// session table shard count and monitor sample cadence. Loading itself is
// explicitly out of the core's scope; this package exists only so
// cmd/msgserver has something concrete to call.
package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config mirrors the key table in spec §6 one field per key.
type Config struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	PoolIOMin int `mapstructure:"pool_io_min"`
	PoolIOMax int `mapstructure:"pool_io_max"`

	PoolWorkerMin int `mapstructure:"pool_worker_min"`
	PoolWorkerMax int `mapstructure:"pool_worker_max"`

	MaxBodyBytes int64 `mapstructure:"max_body_bytes"`

	SessionTableShards int `mapstructure:"session_table_shards"`

	MonitorUpdateInterval time.Duration `mapstructure:"monitor_update_interval"`
}

// Load builds a viper instance bound to MSGSERVER_-prefixed environment
// variables and an optional config file, decodes it into a Config and fills
// in the defaults from spec §6.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("msgserver")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	ncpu := runtime.NumCPU()
	v.SetDefault("self_server.host", "0.0.0.0")
	v.SetDefault("pool.io.min", 2*ncpu)
	v.SetDefault("pool.io.max", 4*ncpu)
	v.SetDefault("pool.worker.min", 2*ncpu)
	v.SetDefault("pool.worker.max", 4*ncpu)
	v.SetDefault("limits.max_body_bytes", 1<<20)
	v.SetDefault("session_table.shards", 1024)
	v.SetDefault("monitor.update_interval_ms", 1000)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configFile, err)
		}
	}

	port := v.GetInt("self_server.port")
	if port <= 0 {
		return nil, fmt.Errorf("config: self_server.port is required")
	}

	cfg := &Config{
		Host:                  v.GetString("self_server.host"),
		Port:                  port,
		PoolIOMin:             v.GetInt("pool.io.min"),
		PoolIOMax:             v.GetInt("pool.io.max"),
		PoolWorkerMin:         v.GetInt("pool.worker.min"),
		PoolWorkerMax:         v.GetInt("pool.worker.max"),
		MaxBodyBytes:          v.GetInt64("limits.max_body_bytes"),
		SessionTableShards:    v.GetInt("session_table.shards"),
		MonitorUpdateInterval: time.Duration(v.GetInt64("monitor.update_interval_ms")) * time.Millisecond,
	}

	if cfg.PoolIOMin <= 0 || cfg.PoolIOMin > cfg.PoolIOMax {
		return nil, fmt.Errorf("config: invalid pool.io bounds min=%d max=%d", cfg.PoolIOMin, cfg.PoolIOMax)
	}
	if cfg.PoolWorkerMin <= 0 || cfg.PoolWorkerMin > cfg.PoolWorkerMax {
		return nil, fmt.Errorf("config: invalid pool.worker bounds min=%d max=%d", cfg.PoolWorkerMin, cfg.PoolWorkerMax)
	}
	if cfg.SessionTableShards <= 0 {
		return nil, fmt.Errorf("config: session_table.shards must be positive")
	}

	return cfg, nil
}
