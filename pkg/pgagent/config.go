// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package pgagent

import (
	"time"

	"github.com/spf13/viper"

	"github.com/reqprof/reqprof/pkg/util/log"
)

// Hard safety rails. Monitoring must never compete with the database for
// resources, whatever the configuration says.
const (
	maxPoolConns        = 5
	minStatementTimeout = time.Second
)

// Config is the database-agent configuration. Environment variables use the
// REQPROF_PG_ prefix, e.g. REQPROF_PG_DB_HOST.
type Config struct {
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string

	PoolMaxConns     int
	StatementTimeout time.Duration
	ConnectTimeout   time.Duration

	ListenerURL    string
	APIKey         string
	RequestTimeout time.Duration
	Project        string

	BufferPath string
	StatePath  string
	LogPath    string

	CollectionInterval time.Duration
	RetryTimeout       time.Duration

	LogLevel string
	LogFile  string
}

// LoadConfig reads the environment and applies the safety rails.
func LoadConfig() Config {
	v := viper.New()
	v.SetEnvPrefix("REQPROF_PG")
	v.AutomaticEnv()
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_NAME", "postgres")
	v.SetDefault("DB_USER", "reqprof_monitor")
	v.SetDefault("DB_PASSWORD", "")
	v.SetDefault("POOL_MAX_CONNS", maxPoolConns)
	v.SetDefault("STATEMENT_TIMEOUT", "5s")
	v.SetDefault("CONNECT_TIMEOUT", "30s")
	v.SetDefault("LISTENER_URL", "http://localhost:8080")
	v.SetDefault("API_KEY", "")
	v.SetDefault("REQUEST_TIMEOUT", "5s")
	v.SetDefault("PROJECT", "default")
	v.SetDefault("BUFFER_PATH", "/var/lib/reqprof/pg-buffer")
	v.SetDefault("STATE_PATH", "/var/lib/reqprof/pg-state")
	v.SetDefault("LOG_PATH", "")
	v.SetDefault("COLLECTION_INTERVAL", "60s")
	v.SetDefault("RETRY_TIMEOUT", "60s")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FILE", "")

	cfg := Config{
		DBHost:             v.GetString("DB_HOST"),
		DBPort:             v.GetInt("DB_PORT"),
		DBName:             v.GetString("DB_NAME"),
		DBUser:             v.GetString("DB_USER"),
		DBPassword:         v.GetString("DB_PASSWORD"),
		PoolMaxConns:       v.GetInt("POOL_MAX_CONNS"),
		StatementTimeout:   duration(v, "STATEMENT_TIMEOUT", 5*time.Second),
		ConnectTimeout:     duration(v, "CONNECT_TIMEOUT", 30*time.Second),
		ListenerURL:        v.GetString("LISTENER_URL"),
		APIKey:             v.GetString("API_KEY"),
		RequestTimeout:     duration(v, "REQUEST_TIMEOUT", 5*time.Second),
		Project:            v.GetString("PROJECT"),
		BufferPath:         v.GetString("BUFFER_PATH"),
		StatePath:          v.GetString("STATE_PATH"),
		LogPath:            v.GetString("LOG_PATH"),
		CollectionInterval: duration(v, "COLLECTION_INTERVAL", 60*time.Second),
		RetryTimeout:       duration(v, "RETRY_TIMEOUT", 60*time.Second),
		LogLevel:           v.GetString("LOG_LEVEL"),
		LogFile:            v.GetString("LOG_FILE"),
	}

	if cfg.PoolMaxConns <= 0 || cfg.PoolMaxConns > maxPoolConns {
		log.Warnf("pool_max_conns %d out of range, capping at %d", cfg.PoolMaxConns, maxPoolConns)
		cfg.PoolMaxConns = maxPoolConns
	}
	if cfg.StatementTimeout < minStatementTimeout {
		log.Warnf("statement_timeout %s below minimum, raising to %s", cfg.StatementTimeout, minStatementTimeout)
		cfg.StatementTimeout = minStatementTimeout
	}
	return cfg
}

// duration reads a duration option, accepting bare integers as seconds for
// parity with the original deployment files.
func duration(v *viper.Viper, key string, def time.Duration) time.Duration {
	raw := v.GetString(key)
	if raw == "" {
		return def
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}
	if secs := v.GetInt(key); secs > 0 {
		return time.Duration(secs) * time.Second
	}
	log.Warnf("invalid %s value %q, using %s", key, raw, def)
	return def
}
