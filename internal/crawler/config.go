package crawler

import "time"

// Config holds the crawler configuration.
type Config struct {
	Enabled       bool          `mapstructure:"enabled"`
	RootNode      string        `mapstructure:"root_node"`
	Interval      time.Duration `mapstructure:"interval"`
	NodeFilter    []string      `mapstructure:"node_filter"`
	MaxNodes      int           `mapstructure:"max_nodes"`
	HTTPTimeout   time.Duration `mapstructure:"http_timeout"`
	NodePort      int           `mapstructure:"node_port"`
	ProbeRate     float64       `mapstructure:"probe_rate"`
	OutputPath    string        `mapstructure:"output_path"`
	InactiveAfter time.Duration `mapstructure:"inactive_after"`
	DeleteAfter   time.Duration `mapstructure:"delete_after"`
}

// DefaultConfig returns the default configuration for the crawler.
func DefaultConfig() Config {
	return Config{
		Enabled:       false,
		Interval:      15 * time.Minute,
		MaxNodes:      1000,
		HTTPTimeout:   5 * time.Second,
		NodePort:      8080,
		ProbeRate:     10,
		OutputPath:    "topology.json",
		InactiveAfter: time.Hour,
		DeleteAfter:   24 * time.Hour,
	}
}
