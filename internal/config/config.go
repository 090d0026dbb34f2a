// Package config loads the meshsip configuration with Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/HerbHall/meshsip/internal/crawler"
	"github.com/HerbHall/meshsip/internal/reachability"
	"github.com/HerbHall/meshsip/internal/server"
	"github.com/HerbHall/meshsip/internal/sip"
)

var envReplacer = strings.NewReplacer(".", "_")

// DNSConfig selects the nameserver used for mesh lookups.
type DNSConfig struct {
	// Nameserver is host:port; empty uses the system resolver.
	Nameserver string        `mapstructure:"nameserver"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// DirectoryConfig points at the phonebook CSV.
type DirectoryConfig struct {
	CSVPath         string        `mapstructure:"csv_path"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

// DatabaseConfig locates the SQLite file.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig drives NewLogger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config is the complete daemon configuration.
type Config struct {
	SIP          sip.Config          `mapstructure:"sip"`
	DNS          DNSConfig           `mapstructure:"dns"`
	Directory    DirectoryConfig     `mapstructure:"directory"`
	Crawler      crawler.Config      `mapstructure:"crawler"`
	Reachability reachability.Config `mapstructure:"reachability"`
	Database     DatabaseConfig      `mapstructure:"database"`
	Server       server.Config       `mapstructure:"server"`
	Logging      LoggingConfig       `mapstructure:"logging"`

	v *viper.Viper
}

// Viper returns the underlying Viper instance.
func (c *Config) Viper() *viper.Viper {
	return c.v
}

// ConfigFileUsed returns the file the configuration was read from, if any.
func (c *Config) ConfigFileUsed() string {
	if c.v == nil {
		return ""
	}
	return c.v.ConfigFileUsed()
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	s := sip.DefaultConfig()
	v.SetDefault("sip.listen", s.Listen)
	v.SetDefault("sip.mesh_domain", s.MeshDomain)
	v.SetDefault("sip.mesh_port", s.MeshPort)
	v.SetDefault("sip.max_calls", s.MaxCalls)
	v.SetDefault("sip.max_users", s.MaxUsers)
	v.SetDefault("sip.setup_timeout", s.SetupTimeout)
	v.SetDefault("sip.max_call_duration", s.MaxCallDuration)
	v.SetDefault("sip.maintenance_interval", s.MaintenanceInterval)

	v.SetDefault("dns.nameserver", "")
	v.SetDefault("dns.timeout", "2s")

	v.SetDefault("directory.csv_path", "")
	v.SetDefault("directory.refresh_interval", "1h")

	c := crawler.DefaultConfig()
	v.SetDefault("crawler.enabled", c.Enabled)
	v.SetDefault("crawler.root_node", c.RootNode)
	v.SetDefault("crawler.interval", c.Interval)
	v.SetDefault("crawler.node_filter", []string{})
	v.SetDefault("crawler.max_nodes", c.MaxNodes)
	v.SetDefault("crawler.http_timeout", c.HTTPTimeout)
	v.SetDefault("crawler.node_port", c.NodePort)
	v.SetDefault("crawler.probe_rate", c.ProbeRate)
	v.SetDefault("crawler.output_path", c.OutputPath)
	v.SetDefault("crawler.inactive_after", c.InactiveAfter)
	v.SetDefault("crawler.delete_after", c.DeleteAfter)

	r := reachability.DefaultConfig()
	v.SetDefault("reachability.enabled", r.Enabled)
	v.SetDefault("reachability.interval", r.Interval)
	v.SetDefault("reachability.ping_timeout", r.PingTimeout)
	v.SetDefault("reachability.ping_count", r.PingCount)
	v.SetDefault("reachability.concurrency", r.Concurrency)

	v.SetDefault("database.path", "./data/meshsip.db")

	srv := server.DefaultConfig()
	v.SetDefault("server.listen", srv.Listen)
	v.SetDefault("server.rate_limit_rps", srv.RateLimitRPS)
	v.SetDefault("server.rate_limit_burst", srv.RateLimitBurst)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load reads configuration from file and environment variables. An empty
// configPath searches ".", "./configs" and "/etc/meshsip" for meshsip.yaml;
// a missing file is not an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("meshsip")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/meshsip")
	}

	// MESHSIP_SIP_MAX_CALLS=20
	v.SetEnvPrefix("MESHSIP")
	v.SetEnvKeyReplacer(envReplacer)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	return Decode(v)
}

// Decode unmarshals v into a Config and validates it.
func Decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{v: v}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.SIP.MaxCalls <= 0 {
		errs = append(errs, fmt.Errorf("sip.max_calls must be positive, got %d", c.SIP.MaxCalls))
	}
	if c.SIP.MaxUsers <= 0 {
		errs = append(errs, fmt.Errorf("sip.max_users must be positive, got %d", c.SIP.MaxUsers))
	}
	if c.SIP.MeshPort <= 0 || c.SIP.MeshPort > 65535 {
		errs = append(errs, fmt.Errorf("sip.mesh_port out of range: %d", c.SIP.MeshPort))
	}
	if c.SIP.MeshDomain == "" {
		errs = append(errs, errors.New("sip.mesh_domain must not be empty"))
	}
	if c.Crawler.Enabled && c.Crawler.Interval <= 0 {
		errs = append(errs, fmt.Errorf("crawler.interval must be positive, got %s", c.Crawler.Interval))
	}
	if c.Crawler.MaxNodes <= 0 {
		errs = append(errs, fmt.Errorf("crawler.max_nodes must be positive, got %d", c.Crawler.MaxNodes))
	}
	if c.Reachability.Enabled && c.Reachability.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("reachability.concurrency must be positive, got %d", c.Reachability.Concurrency))
	}
	return errors.Join(errs...)
}
