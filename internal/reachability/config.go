package reachability

import "time"

// Config holds the reachability tester configuration.
type Config struct {
	Enabled     bool          `mapstructure:"enabled"`
	Interval    time.Duration `mapstructure:"interval"`
	PingTimeout time.Duration `mapstructure:"ping_timeout"`
	PingCount   int           `mapstructure:"ping_count"`
	Concurrency int           `mapstructure:"concurrency"`
}

// DefaultConfig returns the default configuration for the tester.
func DefaultConfig() Config {
	return Config{
		Enabled:     false,
		Interval:    10 * time.Minute,
		PingTimeout: 2 * time.Second,
		PingCount:   2,
		Concurrency: 8,
	}
}
