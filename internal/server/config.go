package server

// Config holds the status server configuration.
type Config struct {
	Listen         string  `mapstructure:"listen"`
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// DefaultConfig returns the default status server configuration.
func DefaultConfig() Config {
	return Config{
		Listen:         ":9090",
		RateLimitRPS:   10,
		RateLimitBurst: 20,
	}
}
