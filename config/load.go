package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/coinwifi/gateway/errors"
)

var globalConfig *Config
var viperInstance *viper.Viper

// Load reads the gateway configuration using Viper, merging defaults,
// system/user/project config files and environment variables.
func Load() (*Config, error) {
	if globalConfig != nil {
		return globalConfig, nil
	}

	v := initViper()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}

	globalConfig = &cfg
	return globalConfig, nil
}

// GetViper returns the Viper instance for advanced configuration access.
func GetViper() *viper.Viper {
	return initViper()
}

// Reset clears the cached configuration. Used by tests.
func Reset() {
	globalConfig = nil
	viperInstance = nil
}

// initViper initializes Viper with configuration sources and defaults.
func initViper() *viper.Viper {
	if viperInstance != nil {
		return viperInstance
	}

	v := viper.New()

	v.SetEnvPrefix("PISOWIFI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	BindSensitiveEnvVars(v)
	SetDefaults(v)
	mergeConfigFiles(v)

	viperInstance = v
	return v
}

// findProjectConfig searches for gateway.toml by walking up the
// directory tree from the working directory.
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		candidate := filepath.Join(dir, "gateway.toml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

// mergeConfigFiles manually merges configuration files in precedence
// order (lowest to highest): system < user < project < env vars.
func mergeConfigFiles(v *viper.Viper) {
	homeDir, _ := os.UserHomeDir()

	userDir := filepath.Join(homeDir, ".pisowifi")
	os.MkdirAll(userDir, DefaultDirPermissions)

	configPaths := []string{
		"/etc/pisowifi/gateway.toml",
		filepath.Join(userDir, "gateway.toml"),
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		configPaths = append(configPaths, projectConfig)
	}

	for _, path := range configPaths {
		if _, err := os.Stat(path); err != nil {
			continue
		}

		tempViper := viper.New()
		tempViper.SetConfigFile(path)
		tempViper.SetConfigType("toml")

		if err := tempViper.ReadInConfig(); err != nil {
			continue
		}

		// MergeConfigMap writes into viper's config-file layer, which
		// ranks below environment variables (v.Set would outrank them).
		if err := v.MergeConfigMap(tempViper.AllSettings()); err != nil {
			continue
		}
	}
}

// RequireProductionInvariants validates settings that must hold before
// the gateway is allowed to serve traffic outside of tests: a JWT
// secret must be configured and a coin timeout must be explicitly set
// (Open Question 2 resolves the source's 60s/300s disagreement by
// refusing to guess).
func RequireProductionInvariants(cfg *Config) error {
	if cfg.Auth.JWTSecret == "" {
		return errors.New("JWT_SECRET is required in production")
	}
	if cfg.Portal.CoinTimeoutSeconds <= 0 {
		return errors.New("portal.coin_timeout_seconds must be set before boot")
	}
	return nil
}
