// pkg/config/config.go
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/yolkispalkis/pacgate/pkg/pac"
)

// Default values for configuration
const (
	// Durations are in seconds.
	DefaultProxyMode             = "env"
	DefaultFetchTimeout          = 10
	DefaultRefreshInterval       = 900
	DefaultExecutionTimeout      = 5
	DefaultCacheTTL              = 300
	DefaultCacheCleanupInterval  = 600
	DefaultConnectTimeout        = 10
	DefaultMaxConcurrent         = 256
	DefaultGatewayListenAddr     = "127.0.0.1:3129"
	DefaultGatewayMaxConnections = 512
	DefaultLogLevel              = "info"
	DefaultLogPath               = ""
	DefaultShutdownTimeout       = 10
	DefaultKerberosEnabled       = false
	DefaultControlSocketPath     = "/run/pacgate/control.sock"
	EnvPrefix                    = "PACGATE"
	DefaultConfigPath            = "/etc/pacgate/config.yaml"
)

var ValidModes = []string{"none", "static", "env", "pac", "wpad"}

// Config holds the main application configuration.
type Config struct {
	Proxy           ProxyConfig    `mapstructure:"proxy" json:"proxy"`
	Engine          EngineConfig   `mapstructure:"engine" json:"engine"`
	Resolver        ResolverConfig `mapstructure:"resolver" json:"resolver"`
	Driver          DriverConfig   `mapstructure:"driver" json:"driver"`
	Kerberos        KerberosConfig `mapstructure:"kerberos" json:"kerberos"`
	Gateway         GatewayConfig  `mapstructure:"gateway" json:"gateway"`
	Control         ControlConfig  `mapstructure:"control" json:"control"`
	LogLevel        string         `mapstructure:"log_level" json:"log_level"`
	LogPath         string         `mapstructure:"log_path" json:"log_path"`
	ShutdownTimeout time.Duration  `mapstructure:"shutdown_timeout" json:"shutdown_timeout"` // Parsed separately
}

// ProxyConfig selects where proxy decisions come from.
type ProxyConfig struct {
	Mode            string   `mapstructure:"mode" json:"mode"`                         // none, static, env, pac, wpad
	PacURL          string   `mapstructure:"pac_url" json:"pac_url"`                   // For mode=pac: http(s) URL, file URL or path
	Static          string   `mapstructure:"static" json:"static"`                     // For mode=static: directive string, e.g. "PROXY p:3128; DIRECT"
	Bypass          []string `mapstructure:"bypass" json:"bypass"`                     // Hosts that always go DIRECT
	Charset         string   `mapstructure:"charset" json:"charset"`                   // Optional: force PAC charset (e.g., "windows-1251")
	FetchTimeout    int      `mapstructure:"fetch_timeout" json:"fetch_timeout"`       // In seconds
	RefreshInterval int      `mapstructure:"refresh_interval" json:"refresh_interval"` // In seconds, 0 disables periodic refresh
	WpadDomain      string   `mapstructure:"wpad_domain" json:"wpad_domain"`           // Optional: WPAD search domain, defaults to host FQDN
}

// EngineConfig tunes the PAC sandbox.
type EngineConfig struct {
	ExecutionTimeout int      `mapstructure:"execution_timeout" json:"execution_timeout"` // In seconds
	MyIPAddress      []string `mapstructure:"my_ip_address" json:"my_ip_address"`         // Empty: detect the outbound address
	Hosts            []string `mapstructure:"hosts" json:"hosts"`                         // hosts(5) lines: "10.0.0.7 intranet intranet.corp"
}

// HostTable turns the hosts lines into a name -> addresses map.
func (e EngineConfig) HostTable() (map[string][]string, error) {
	table := make(map[string][]string)
	for _, line := range e.Hosts {
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 2 {
			return nil, fmt.Errorf("engine.hosts entry '%s' has no host names", line)
		}
		if net.ParseIP(fields[0]) == nil {
			return nil, fmt.Errorf("invalid address '%s' in engine.hosts", fields[0])
		}
		for _, name := range fields[1:] {
			name = strings.ToLower(name)
			table[name] = append(table[name], fields[0])
		}
	}
	return table, nil
}

// ResolverConfig tunes the decision cache.
type ResolverConfig struct {
	CacheTTL             int `mapstructure:"cache_ttl" json:"cache_ttl"`                           // In seconds
	CacheCleanupInterval int `mapstructure:"cache_cleanup_interval" json:"cache_cleanup_interval"` // In seconds
}

// DriverConfig tunes connection establishment.
type DriverConfig struct {
	ConnectTimeout int `mapstructure:"connect_timeout" json:"connect_timeout"` // Per hop, in seconds
	MaxConcurrent  int `mapstructure:"max_concurrent" json:"max_concurrent"`
}

// KerberosConfig enables Negotiate authentication towards proxies.
type KerberosConfig struct {
	Enabled   bool   `mapstructure:"enabled" json:"enabled"`
	CachePath string `mapstructure:"cache_path" json:"cache_path"` // Empty: KRB5CCNAME or system default
	Krb5Conf  string `mapstructure:"krb5_conf" json:"krb5_conf"`   // Empty: KRB5_CONFIG or /etc/krb5.conf
}

// GatewayConfig configures the local HTTP proxy listener.
type GatewayConfig struct {
	ListenAddr     string `mapstructure:"listen_addr" json:"listen_addr"`
	MaxConnections int    `mapstructure:"max_connections" json:"max_connections"`
}

// ControlConfig locates the control socket of a running gateway.
type ControlConfig struct {
	SocketPath string `mapstructure:"socket_path" json:"socket_path"` // Empty disables the socket
}

// Seconds converts an integer-seconds config value.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// LoadConfig reads configuration from a file, environment variables, and defaults.
// An empty configPath skips the file.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// PACGATE_PROXY_MODE, PACGATE_PROXY_PAC_URL, etc.
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		absPath, err := filepath.Abs(configPath)
		if err != nil {
			slog.Warn("Could not get absolute config path, using provided path", "path", configPath, "error", err)
			absPath = configPath
		}
		v.SetConfigFile(absPath)
		v.SetConfigType("yaml")

		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
				slog.Warn("Config file not found, using defaults and environment variables.", "path", absPath)
			} else {
				return nil, fmt.Errorf("failed to read config file %s: %w", absPath, err)
			}
		} else {
			slog.Info("Loaded configuration file", "path", absPath)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	config.ShutdownTimeout = Seconds(v.GetInt("shutdown_timeout"))
	// Comma separated lists from the environment arrive as a single entry.
	config.Proxy.Bypass = splitList(config.Proxy.Bypass)
	config.Engine.MyIPAddress = splitList(config.Engine.MyIPAddress)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &config, nil
}

// validateConfig checks the consistency and validity of the configuration.
func validateConfig(cfg *Config) error {
	mode := strings.ToLower(cfg.Proxy.Mode)
	cfg.Proxy.Mode = mode
	switch mode {
	case "none", "env", "wpad":
	case "static":
		if cfg.Proxy.Static == "" {
			return errors.New("proxy.static is required when proxy.mode is static")
		}
		if _, err := pac.ParseDirectives(cfg.Proxy.Static); err != nil {
			return fmt.Errorf("invalid proxy.static: %w", err)
		}
	case "pac":
		if cfg.Proxy.PacURL == "" {
			return errors.New("proxy.pac_url is required when proxy.mode is pac")
		}
	default:
		return fmt.Errorf("invalid proxy.mode '%s', must be one of: %s", cfg.Proxy.Mode, strings.Join(ValidModes, ", "))
	}
	if cfg.Proxy.FetchTimeout <= 0 {
		return errors.New("proxy.fetch_timeout must be a positive number of seconds")
	}
	if cfg.Proxy.RefreshInterval < 0 {
		return errors.New("proxy.refresh_interval cannot be negative")
	}

	if cfg.Engine.ExecutionTimeout <= 0 {
		return errors.New("engine.execution_timeout must be a positive number of seconds")
	}
	for _, ip := range cfg.Engine.MyIPAddress {
		if net.ParseIP(ip) == nil {
			return fmt.Errorf("invalid address '%s' in engine.my_ip_address", ip)
		}
	}
	if _, err := cfg.Engine.HostTable(); err != nil {
		return err
	}

	if cfg.Resolver.CacheTTL < 0 || cfg.Resolver.CacheCleanupInterval < 0 {
		return errors.New("resolver cache intervals cannot be negative")
	}

	if cfg.Driver.ConnectTimeout <= 0 {
		return errors.New("driver.connect_timeout must be a positive number of seconds")
	}
	if cfg.Driver.MaxConcurrent <= 0 {
		return errors.New("driver.max_concurrent must be positive")
	}

	if _, _, err := net.SplitHostPort(cfg.Gateway.ListenAddr); err != nil {
		return fmt.Errorf("invalid gateway.listen_addr '%s': %w", cfg.Gateway.ListenAddr, err)
	}
	if cfg.Gateway.MaxConnections <= 0 {
		return errors.New("gateway.max_connections must be positive")
	}

	if cfg.ShutdownTimeout <= 0 {
		return errors.New("shutdown_timeout must be a positive number of seconds")
	}
	return nil
}

// setDefaults configures the default values in viper.
func setDefaults(v *viper.Viper) {
	v.SetDefault("proxy.mode", DefaultProxyMode)
	v.SetDefault("proxy.pac_url", "")
	v.SetDefault("proxy.static", "")
	v.SetDefault("proxy.bypass", []string{})
	v.SetDefault("proxy.charset", "")
	v.SetDefault("proxy.fetch_timeout", DefaultFetchTimeout)
	v.SetDefault("proxy.refresh_interval", DefaultRefreshInterval)
	v.SetDefault("proxy.wpad_domain", "")

	v.SetDefault("engine.execution_timeout", DefaultExecutionTimeout)
	v.SetDefault("engine.my_ip_address", []string{})
	v.SetDefault("engine.hosts", []string{})

	v.SetDefault("resolver.cache_ttl", DefaultCacheTTL)
	v.SetDefault("resolver.cache_cleanup_interval", DefaultCacheCleanupInterval)

	v.SetDefault("driver.connect_timeout", DefaultConnectTimeout)
	v.SetDefault("driver.max_concurrent", DefaultMaxConcurrent)

	v.SetDefault("kerberos.enabled", DefaultKerberosEnabled)
	v.SetDefault("kerberos.cache_path", "")
	v.SetDefault("kerberos.krb5_conf", "")

	v.SetDefault("gateway.listen_addr", DefaultGatewayListenAddr)
	v.SetDefault("gateway.max_connections", DefaultGatewayMaxConnections)

	v.SetDefault("control.socket_path", DefaultControlSocketPath)

	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("log_path", DefaultLogPath)
	v.SetDefault("shutdown_timeout", DefaultShutdownTimeout)
}

func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// SaveConfig saves the configuration struct back to a YAML file.
func SaveConfig(cfg *Config, path string) error {
	slog.Info("Saving configuration", "path", path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigType("yaml")

	cfgMap, err := Settings(cfg)
	if err != nil {
		return err
	}
	if err := v.MergeConfigMap(cfgMap); err != nil {
		return fmt.Errorf("failed to prepare config map for saving: %w", err)
	}
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to save configuration to %s: %w", path, err)
	}

	if err := os.Chmod(path, 0640); err != nil {
		slog.Warn("Failed to set permissions on saved config file", "path", path, "error", err)
	}

	slog.Info("Configuration saved successfully", "path", path)
	return nil
}

// Settings flattens cfg into viper keys, durations in seconds.
func Settings(cfg *Config) (map[string]interface{}, error) {
	cfgMap := make(map[string]interface{})
	tmpBytes, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config for saving: %w", err)
	}
	if err := json.Unmarshal(tmpBytes, &cfgMap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config map for saving: %w", err)
	}
	// Viper handles shutdown_timeout as int seconds, convert back
	cfgMap["shutdown_timeout"] = int(cfg.ShutdownTimeout.Seconds())
	return cfgMap, nil
}
