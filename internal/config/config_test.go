package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, cfg.ConfigFileUsed())

	assert.Equal(t, ":5060", cfg.SIP.Listen)
	assert.Equal(t, "local.mesh", cfg.SIP.MeshDomain)
	assert.Equal(t, 5060, cfg.SIP.MeshPort)
	assert.Equal(t, 10, cfg.SIP.MaxCalls)
	assert.Equal(t, 256, cfg.SIP.MaxUsers)
	assert.Equal(t, 3*time.Minute, cfg.SIP.SetupTimeout)
	assert.Equal(t, 4*time.Hour, cfg.SIP.MaxCallDuration)
	assert.Equal(t, 30*time.Second, cfg.SIP.MaintenanceInterval)

	assert.Equal(t, 2*time.Second, cfg.DNS.Timeout)
	assert.Equal(t, time.Hour, cfg.Directory.RefreshInterval)

	assert.False(t, cfg.Crawler.Enabled)
	assert.Equal(t, 15*time.Minute, cfg.Crawler.Interval)
	assert.Equal(t, 1000, cfg.Crawler.MaxNodes)
	assert.Equal(t, 8080, cfg.Crawler.NodePort)
	assert.Equal(t, 10.0, cfg.Crawler.ProbeRate)
	assert.Equal(t, 24*time.Hour, cfg.Crawler.DeleteAfter)
	assert.Empty(t, cfg.Crawler.NodeFilter)

	assert.Equal(t, 10*time.Minute, cfg.Reachability.Interval)
	assert.Equal(t, 2, cfg.Reachability.PingCount)
	assert.Equal(t, 8, cfg.Reachability.Concurrency)

	assert.Equal(t, ":9090", cfg.Server.Listen)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meshsip.yaml")
	yaml := `
sip:
  max_calls: 4
  mesh_domain: mesh.test
crawler:
  enabled: true
  root_node: HB9ROOT-1
  interval: 5m
  node_filter: [hb9, dl]
reachability:
  concurrency: 3
logging:
  format: console
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.ConfigFileUsed())
	assert.Equal(t, 4, cfg.SIP.MaxCalls)
	assert.Equal(t, "mesh.test", cfg.SIP.MeshDomain)
	assert.Equal(t, 256, cfg.SIP.MaxUsers)
	assert.True(t, cfg.Crawler.Enabled)
	assert.Equal(t, "HB9ROOT-1", cfg.Crawler.RootNode)
	assert.Equal(t, 5*time.Minute, cfg.Crawler.Interval)
	assert.Equal(t, []string{"hb9", "dl"}, cfg.Crawler.NodeFilter)
	assert.Equal(t, 3, cfg.Reachability.Concurrency)
	assert.Equal(t, "console", cfg.Logging.Format)
}

func TestLoad_SearchPath(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "configs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "configs", "meshsip.yaml"),
		[]byte("sip:\n  max_users: 32\n"), 0o600))
	t.Chdir(dir)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.SIP.MaxUsers)
	assert.NotEmpty(t, cfg.ConfigFileUsed())
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("MESHSIP_SIP_MAX_CALLS", "20")
	t.Setenv("MESHSIP_CRAWLER_ROOT_NODE", "hb9env-1")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.SIP.MaxCalls)
	assert.Equal(t, "hb9env-1", cfg.Crawler.RootNode)
}

func TestLoad_BadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meshsip.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sip: [unclosed"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   any
		wantErr bool
	}{
		{"defaults", "", nil, false},
		{"zero max calls", "sip.max_calls", 0, true},
		{"negative max users", "sip.max_users", -1, true},
		{"port out of range", "sip.mesh_port", 70000, true},
		{"empty domain", "sip.mesh_domain", "", true},
		{"zero max nodes", "crawler.max_nodes", 0, true},
		{"disabled crawler ignores interval", "crawler.interval", "0s", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			SetDefaults(v)
			if tt.key != "" {
				v.Set(tt.key, tt.value)
			}
			_, err := Decode(v)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
