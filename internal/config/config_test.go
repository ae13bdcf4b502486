package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestLoadAppliesDefaults(t *testing.T) {
	p := writeFile(t, "min.yml", "env: dev\n")
	c, err := Load(p)
	require.NoError(t, err)
	require.Equal(t, ":8080", c.HTTP.Addr)
	require.Equal(t, 60*time.Second, c.Engine.SendInterval)
	require.Equal(t, "rest", c.Engine.DefaultProvider)
	require.Contains(t, c.Providers, "rest")
}

func TestLoadMergesCommaSeparatedFiles(t *testing.T) {
	common := writeFile(t, "common.yml", `
http:
  addr: ":9000"
engine:
  default_provider: servicebus
`)
	local := writeFile(t, "local.yml", `
http:
  addr: ":9999"
providers:
  servicebus: '{"endpoint":"https://bus.example.test","keyName":"k","key":"s"}'
channels:
  - orders
`)
	c, err := Load(common + "," + local)
	require.NoError(t, err)
	// Later files win.
	require.Equal(t, ":9999", c.HTTP.Addr)
	require.Equal(t, "servicebus", c.Engine.DefaultProvider)
	require.Equal(t, []string{"orders"}, c.Channels)
	require.Contains(t, c.Providers["servicebus"], "bus.example.test")
}

func TestLoadRequiresPath(t *testing.T) {
	_, err := Load("  ")
	require.Error(t, err)

	_, err = Load("/does/not/exist.yml")
	require.Error(t, err)
}
