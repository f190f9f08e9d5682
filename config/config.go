// Package config defines the gateway's configuration schema and defaults.
package config

import (
	"github.com/spf13/viper"
)

const (
	DefaultPort             = 3000
	DefaultLANInterface     = "wlan0"
	DefaultDirPermissions   = 0o755
	DefaultFilePermissions  = 0o644
	DefaultCoinTimeout      = 60
	DefaultPauseResumeMins  = 5
	DefaultCoinAttemptLimit = 10
	DefaultCoinAttemptWindow = 60
	DefaultCoinBlockDuration = 300
)

// Config is the fully-resolved gateway configuration, unmarshaled from
// defaults, config files and environment variables in that precedence
// order (lowest to highest), with PISOWIFI_-prefixed env vars winning last.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Network NetworkConfig `mapstructure:"network"`
	Portal  PortalConfig  `mapstructure:"portal"`
	GPIO    GPIOConfig    `mapstructure:"gpio"`
	TTL     TTLConfig     `mapstructure:"ttl"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// DatabaseConfig points at the embedded sqlite store, or an external
// network engine when DatabaseURL is set.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
	URL  string `mapstructure:"url"`
}

// AuthConfig carries the admin JWT signing secret. Production boots
// refuse to start with an empty JWTSecret.
type AuthConfig struct {
	JWTSecret   string `mapstructure:"jwt_secret"`
	TokenExpiry int    `mapstructure:"token_expiry_minutes"`
}

// NetworkConfig mirrors the NetworkConfig singleton persisted in the
// store; the values loaded here seed that row on first boot.
type NetworkConfig struct {
	LANInterface          string `mapstructure:"lan_interface"`
	EnableDNSInterceptor  bool   `mapstructure:"enable_dns_interceptor"`
	WANMode               string `mapstructure:"wan_mode"`
	BandwidthEnabled      bool   `mapstructure:"bandwidth_enabled"`
	BandwidthDownloadKbps int    `mapstructure:"bandwidth_download_kbps"`
	BandwidthUploadKbps   int    `mapstructure:"bandwidth_upload_kbps"`
	PerClientEnabled      bool   `mapstructure:"per_client_bandwidth_enabled"`
	PerClientDownloadKbps int    `mapstructure:"per_client_download_kbps"`
	PerClientUploadKbps   int    `mapstructure:"per_client_upload_kbps"`
}

// PortalConfig seeds the PortalSettings singleton.
type PortalConfig struct {
	CoinTimeoutSeconds    int  `mapstructure:"coin_timeout_seconds"`
	AutoPauseOnDisconnect bool `mapstructure:"auto_pause_on_disconnect"`
	AutoResumeOnPause     bool `mapstructure:"auto_resume_on_pause"`
	PauseResumeMinutes    int  `mapstructure:"pause_resume_minutes"`
	CoinAbuseProtection   bool `mapstructure:"coin_abuse_protection"`
	CoinAttemptLimit      int  `mapstructure:"coin_attempt_limit"`
	CoinAttemptWindowSecs int  `mapstructure:"coin_attempt_window_seconds"`
	CoinBlockDurationSecs int  `mapstructure:"coin_block_duration_seconds"`
}

type GPIOConfig struct {
	PinCoin string `mapstructure:"pin_coin"`
	PinLED  string `mapstructure:"pin_led"`
}

type TTLConfig struct {
	Interface string `mapstructure:"interface"`
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", DefaultPort)

	v.SetDefault("database.path", "gateway.db")

	v.SetDefault("auth.token_expiry_minutes", 60)

	v.SetDefault("network.lan_interface", DefaultLANInterface)
	v.SetDefault("network.enable_dns_interceptor", false)
	v.SetDefault("network.wan_mode", "dhcp")
	v.SetDefault("network.bandwidth_enabled", false)
	v.SetDefault("network.per_client_bandwidth_enabled", false)

	v.SetDefault("portal.coin_timeout_seconds", 0) // intentionally unset; refuse to boot
	v.SetDefault("portal.auto_pause_on_disconnect", true)
	v.SetDefault("portal.auto_resume_on_pause", true)
	v.SetDefault("portal.pause_resume_minutes", DefaultPauseResumeMins)
	v.SetDefault("portal.coin_abuse_protection", true)
	v.SetDefault("portal.coin_attempt_limit", DefaultCoinAttemptLimit)
	v.SetDefault("portal.coin_attempt_window_seconds", DefaultCoinAttemptWindow)
	v.SetDefault("portal.coin_block_duration_seconds", DefaultCoinBlockDuration)

	v.SetDefault("ttl.interface", "")
}

// BindSensitiveEnvVars explicitly binds environment variables named in
// the external interface contract, independent of the PISOWIFI_ prefix
// auto-binding, so deployments can set them exactly as documented.
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("auth.jwt_secret", "JWT_SECRET")
	v.BindEnv("database.url", "DATABASE_URL")
	v.BindEnv("gpio.pin_coin", "GPIO_PIN_COIN")
	v.BindEnv("gpio.pin_led", "GPIO_PIN_LED")
	v.BindEnv("network.lan_interface", "PISOWIFI_INTERFACE")
	v.BindEnv("network.enable_dns_interceptor", "ENABLE_DNS_INTERCEPTOR")
	v.BindEnv("ttl.interface", "TTL_INTERFACE")
	v.BindEnv("server.port", "PORT")
}

// ResolvedTTLInterface returns TTL.Interface, defaulting to the LAN
// interface when unset, per the external-interface contract.
func (c *Config) ResolvedTTLInterface() string {
	if c.TTL.Interface != "" {
		return c.TTL.Interface
	}
	return c.Network.LANInterface
}
