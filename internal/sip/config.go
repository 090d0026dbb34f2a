package sip

import "time"

// Config holds the SIP proxy configuration.
type Config struct {
	Listen              string        `mapstructure:"listen"`
	MeshDomain          string        `mapstructure:"mesh_domain"`
	MeshPort            int           `mapstructure:"mesh_port"`
	MaxCalls            int           `mapstructure:"max_calls"`
	MaxUsers            int           `mapstructure:"max_users"`
	SetupTimeout        time.Duration `mapstructure:"setup_timeout"`
	MaxCallDuration     time.Duration `mapstructure:"max_call_duration"`
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval"`
}

// DefaultConfig returns the default configuration for the SIP proxy.
func DefaultConfig() Config {
	return Config{
		Listen:              ":5060",
		MeshDomain:          "local.mesh",
		MeshPort:            5060,
		MaxCalls:            10,
		MaxUsers:            256,
		SetupTimeout:        3 * time.Minute,
		MaxCallDuration:     4 * time.Hour,
		MaintenanceInterval: 30 * time.Second,
	}
}
