// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package profiler

import (
	"sync"
	"time"

	"github.com/go-ini/ini"
	"github.com/spf13/cast"
)

// DefaultConfigPath is where hosts usually install the profiling INI file.
const DefaultConfigPath = "/etc/reqprof/profiling.ini"

// Config is the in-process collector configuration, loaded once per process
// from a flat INI file. A missing or unparsable file yields the safe default
// set, in which profiling is off.
type Config struct {
	ProfilingEnabled         bool
	Threshold                time.Duration
	FunctionProfilingEnabled bool
	SQLCaptureEnabled        bool
	SQLRedactSensitive       bool
	SQLStackTraceLimit       int
	MemoryTrackingEnabled    bool
	RequestMetadataEnabled   bool
	ListenerSocketPath       string
	ListenerTimeout          time.Duration
	DiskBufferPath           string
	ProjectName              string
}

var (
	configMu     sync.Mutex
	configCache  *Config
	configCached bool
)

// DefaultConfig returns the safe default set: profiling off, 500 ms
// threshold, all captures enabled once the master switch is turned on.
func DefaultConfig() *Config {
	return &Config{
		ProfilingEnabled:         false,
		Threshold:                500 * time.Millisecond,
		FunctionProfilingEnabled: true,
		SQLCaptureEnabled:        true,
		SQLRedactSensitive:       true,
		SQLStackTraceLimit:       3,
		MemoryTrackingEnabled:    true,
		RequestMetadataEnabled:   true,
		ListenerSocketPath:       "/var/run/reqprof/reqprof.sock",
		ListenerTimeout:          50 * time.Millisecond,
		DiskBufferPath:           "",
		ProjectName:              "default",
	}
}

// LoadConfig parses the INI file at path. The result is memoized: the first
// call wins for the lifetime of the process. Errors are deliberately not
// returned; they degrade to the safe defaults so the host is never affected.
func LoadConfig(path string) *Config {
	configMu.Lock()
	defer configMu.Unlock()
	if configCached {
		return configCache
	}
	configCache = parseConfig(path)
	configCached = true
	return configCache
}

// resetConfigCache is used by tests.
func resetConfigCache() {
	configMu.Lock()
	defer configMu.Unlock()
	configCache = nil
	configCached = false
}

func parseConfig(path string) *Config {
	cfg := DefaultConfig()

	f, err := ini.Load(path)
	if err != nil {
		return cfg
	}
	s := f.Section("")

	cfg.ProfilingEnabled = boolOpt(s, "profiling_enabled", cfg.ProfilingEnabled)
	cfg.Threshold = time.Duration(intOpt(s, "threshold_ms", int64(cfg.Threshold/time.Millisecond))) * time.Millisecond
	cfg.FunctionProfilingEnabled = boolOpt(s, "function_profiling_enabled", cfg.FunctionProfilingEnabled)
	cfg.SQLCaptureEnabled = boolOpt(s, "sql_capture_enabled", cfg.SQLCaptureEnabled)
	cfg.SQLRedactSensitive = boolOpt(s, "sql_redact_sensitive", cfg.SQLRedactSensitive)
	cfg.SQLStackTraceLimit = int(intOpt(s, "sql_stack_trace_limit", int64(cfg.SQLStackTraceLimit)))
	cfg.MemoryTrackingEnabled = boolOpt(s, "memory_tracking_enabled", cfg.MemoryTrackingEnabled)
	cfg.RequestMetadataEnabled = boolOpt(s, "request_metadata_enabled", cfg.RequestMetadataEnabled)
	cfg.ListenerSocketPath = strOpt(s, "listener_socket_path", cfg.ListenerSocketPath)
	cfg.ListenerTimeout = time.Duration(intOpt(s, "listener_timeout_ms", int64(cfg.ListenerTimeout/time.Millisecond))) * time.Millisecond
	cfg.DiskBufferPath = strOpt(s, "disk_buffer_path", cfg.DiskBufferPath)
	cfg.ProjectName = strOpt(s, "project_name", cfg.ProjectName)

	if cfg.Threshold <= 0 {
		cfg.Threshold = 500 * time.Millisecond
	}
	if cfg.ListenerTimeout <= 0 {
		cfg.ListenerTimeout = 50 * time.Millisecond
	}
	if cfg.SQLStackTraceLimit < 0 {
		cfg.SQLStackTraceLimit = 0
	}
	return cfg
}

func boolOpt(s *ini.Section, name string, def bool) bool {
	if !s.HasKey(name) {
		return def
	}
	return cast.ToBool(s.Key(name).String())
}

func intOpt(s *ini.Section, name string, def int64) int64 {
	if !s.HasKey(name) {
		return def
	}
	v := s.Key(name).String()
	if v == "" {
		return def
	}
	return cast.ToInt64(v)
}

func strOpt(s *ini.Section, name string, def string) string {
	if !s.HasKey(name) {
		return def
	}
	if v := s.Key(name).String(); v != "" {
		return v
	}
	return def
}
