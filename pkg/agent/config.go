// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package agent

import (
	"strconv"
	"time"

	"github.com/spf13/viper"

	"github.com/reqprof/reqprof/pkg/util/log"
)

// Config holds the daemon settings. Everything is environment-driven; the
// defaults below make a bare daemon useful on a standard host layout.
type Config struct {
	SocketPath    string
	BufferPath    string
	StatePath     string
	CentralURL    string
	APIKey        string
	FlushInterval time.Duration
	RetryTimeout  time.Duration
	MemLimit      int
	MaxRequests   int
	MemoryLimitMB int
	GCInterval    int
	HealthPort    int
	LogLevel      string
	LogFile       string
}

// LoadConfig reads the daemon configuration from the environment.
func LoadConfig() *Config {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("SOCKET_PATH", "/var/run/reqprof/reqprof.sock")
	v.SetDefault("BUFFER_PATH", "/var/lib/reqprof/buffer")
	v.SetDefault("STATE_PATH", "/var/lib/reqprof/state")
	v.SetDefault("CENTRAL_URL", "http://localhost:8080")
	v.SetDefault("API_KEY", "")
	v.SetDefault("FLUSH_INTERVAL", "")
	v.SetDefault("RETRY_TIMEOUT", "")
	v.SetDefault("MEM_LIMIT", 100)
	v.SetDefault("MAX_REQUESTS", 1000)
	v.SetDefault("MEMORY_LIMIT_MB", 256)
	v.SetDefault("GC_INTERVAL", 100)
	v.SetDefault("HEALTH_PORT", 8181)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FILE", "")

	cfg := &Config{
		SocketPath:    v.GetString("SOCKET_PATH"),
		BufferPath:    v.GetString("BUFFER_PATH"),
		StatePath:     v.GetString("STATE_PATH"),
		CentralURL:    v.GetString("CENTRAL_URL"),
		APIKey:        v.GetString("API_KEY"),
		FlushInterval: durationOpt(v, "FLUSH_INTERVAL", 5*time.Second),
		RetryTimeout:  durationOpt(v, "RETRY_TIMEOUT", 60*time.Second),
		MemLimit:      intOpt(v, "MEM_LIMIT", 100),
		MaxRequests:   intOpt(v, "MAX_REQUESTS", 1000),
		MemoryLimitMB: intOpt(v, "MEMORY_LIMIT_MB", 256),
		GCInterval:    intOpt(v, "GC_INTERVAL", 100),
		HealthPort:    intOpt(v, "HEALTH_PORT", 8181),
		LogLevel:      v.GetString("LOG_LEVEL"),
		LogFile:       v.GetString("LOG_FILE"),
	}
	return cfg
}

// durationOpt accepts either a bare number of seconds or a duration string
// like "500ms".
func durationOpt(v *viper.Viper, key string, def time.Duration) time.Duration {
	raw := v.GetString(key)
	if raw == "" {
		return def
	}
	if n, err := strconv.Atoi(raw); err == nil {
		if n <= 0 {
			return def
		}
		return time.Duration(n) * time.Second
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}
	log.Warnf("agent: invalid %s value %q, using %s", key, raw, def)
	return def
}

func intOpt(v *viper.Viper, key string, def int) int {
	if n := v.GetInt(key); n > 0 {
		return n
	}
	return def
}
