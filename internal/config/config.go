// Package config wraps the viper configuration singleton.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var v *viper.Viper

// Initialize sets up the viper configuration singleton.
// Should be called once at application startup.
func Initialize() error {
	v = viper.New()
	v.SetConfigType("yaml")

	// Explicitly locate config.yaml and use SetConfigFile so we never pick
	// up an unrelated config.json.
	// Precedence: ./flightdeck.yaml > ~/.config/flightdeck/config.yaml
	configFileSet := false

	if cwd, err := os.Getwd(); err == nil {
		configPath := filepath.Join(cwd, "flightdeck.yaml")
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			configFileSet = true
		}
	}
	if !configFileSet {
		if configDir, err := os.UserConfigDir(); err == nil {
			configPath := filepath.Join(configDir, "flightdeck", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
			}
		}
	}

	// Environment variables take precedence over the config file.
	// E.g., FLIGHTDECK_LISTEN, FLIGHTDECK_DB, FLIGHTDECK_LEASE_DEFAULT.
	v.SetEnvPrefix("FLIGHTDECK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Server defaults
	v.SetDefault("listen", ":8080")
	v.SetDefault("db", "flightdeck.db")
	v.SetDefault("shutdown-timeout", "10s")

	// Lease defaults
	v.SetDefault("lease.default", "300s")
	v.SetDefault("lease.max", "3600s")

	// Burnout heuristic thresholds
	v.SetDefault("burnout.turn-threshold", 80)
	v.SetDefault("burnout.max-turns", 100)

	// Claim contention
	v.SetDefault("claim.retries", 3)

	// Reconciler cadence
	v.SetDefault("reconciler.interval", "60s")
	v.SetDefault("reconciler.heartbeat-timeout", "120s")

	// Flow registry directory (empty disables file loading)
	v.SetDefault("flows.dir", "")
	v.SetDefault("flows.watch", true)

	// Logging
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max-size-mb", 100)
	v.SetDefault("log.max-backups", 3)
	v.SetDefault("log.max-age-days", 28)

	if configFileSet {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

// GetString retrieves a string configuration value
func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetBool retrieves a boolean configuration value
func GetBool(key string) bool {
	if v == nil {
		return false
	}
	return v.GetBool(key)
}

// GetInt retrieves an integer configuration value
func GetInt(key string) int {
	if v == nil {
		return 0
	}
	return v.GetInt(key)
}

// GetDuration retrieves a duration configuration value
func GetDuration(key string) time.Duration {
	if v == nil {
		return 0
	}
	return v.GetDuration(key)
}

// Set sets a configuration value
func Set(key string, value interface{}) {
	if v != nil {
		v.Set(key, value)
	}
}

// AllSettings returns all configuration settings as a map
func AllSettings() map[string]interface{} {
	if v == nil {
		return map[string]interface{}{}
	}
	return v.AllSettings()
}
