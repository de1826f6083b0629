// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package listener

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/reqprof/reqprof/pkg/shipper"
)

// apiKeyPrefix is the shape of the credential variables: API_KEY_SHOP=abc
// authenticates key "abc" as project "shop".
const apiKeyPrefix = "API_KEY_"

// Config is the central server configuration, read from the environment.
type Config struct {
	Port        int
	TLSKeyPath  string
	TLSCertPath string
	DBPath      string
	UDPPort     int
	RateLimit   int
	StatePath   string

	// APIKeys maps bearer key to project name.
	APIKeys map[string]string

	Graylog shipper.Config

	LogLevel string
	LogFile  string
}

// TLSEnabled reports whether both halves of the key pair are configured.
func (c Config) TLSEnabled() bool {
	return c.TLSKeyPath != "" && c.TLSCertPath != ""
}

// LoadConfig reads the environment. TLS paths must come in pairs; a single
// one is a configuration error rather than a silent plaintext fallback.
func LoadConfig() (Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("PORT", 8080)
	v.SetDefault("DB_PATH", "/var/lib/reqprof/records.db")
	v.SetDefault("UDP_PORT", 0)
	v.SetDefault("RATE_LIMIT", 100)
	v.SetDefault("STATE_PATH", "/var/lib/reqprof/state")
	v.SetDefault("GRAYLOG_ENABLED", false)
	v.SetDefault("GRAYLOG_HOST", "localhost")
	v.SetDefault("GRAYLOG_PORT", 12201)
	v.SetDefault("GRAYLOG_FACILITY", "reqprof")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FILE", "")

	cfg := Config{
		Port:        v.GetInt("PORT"),
		TLSKeyPath:  v.GetString("TLS_KEY_PATH"),
		TLSCertPath: v.GetString("TLS_CERT_PATH"),
		DBPath:      v.GetString("DB_PATH"),
		UDPPort:     v.GetInt("UDP_PORT"),
		RateLimit:   v.GetInt("RATE_LIMIT"),
		StatePath:   v.GetString("STATE_PATH"),
		APIKeys:     apiKeysFromEnv(os.Environ()),
		LogLevel:    v.GetString("LOG_LEVEL"),
		LogFile:     v.GetString("LOG_FILE"),
	}
	cfg.Graylog = shipper.Config{
		Enabled:   v.GetBool("GRAYLOG_ENABLED"),
		Host:      v.GetString("GRAYLOG_HOST"),
		Port:      v.GetInt("GRAYLOG_PORT"),
		Facility:  v.GetString("GRAYLOG_FACILITY"),
		StatePath: filepath.Join(cfg.StatePath, "graylog_breaker.json"),
	}

	if (cfg.TLSKeyPath == "") != (cfg.TLSCertPath == "") {
		return Config{}, fmt.Errorf("TLS_KEY_PATH and TLS_CERT_PATH must be set together")
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 100
	}
	return cfg, nil
}

// apiKeysFromEnv scans environ entries for API_KEY_<PROJECT>=<key> pairs.
// Project names are lower-cased; empty keys are ignored.
func apiKeysFromEnv(environ []string) map[string]string {
	keys := map[string]string{}
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || value == "" || !strings.HasPrefix(name, apiKeyPrefix) {
			continue
		}
		project := strings.ToLower(strings.TrimPrefix(name, apiKeyPrefix))
		if project == "" {
			continue
		}
		keys[value] = project
	}
	return keys
}
