package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoad_DefaultsRequireBaseURL(t *testing.T) {
	_, err := Load("")
	require.ErrorContains(t, err, "source.base_url")
}

func TestLoad_MinimalFileGetsDefaults(t *testing.T) {
	path := writeConfigFile(t, `
source:
  base_url: https://directory.example
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, "memory", cfg.Export.Provider)
	require.Equal(t, 50, cfg.Queue.Capacity)
	require.Equal(t, 10*time.Minute, cfg.DefaultWait())
	require.Equal(t, 15*time.Second, cfg.SourceTimeout())
	require.True(t, cfg.Logging.Development)

	sc := cfg.ScrapeDefaults()
	require.NoError(t, sc.Validate())
	require.Equal(t, 3, sc.SimultaneousTowns)
	require.True(t, sc.EnableProviderLookup)
}

func TestLoad_FileOverrides(t *testing.T) {
	path := writeConfigFile(t, `
server:
  port: 9090
source:
  base_url: https://directory.example
  timeout_seconds: 30
scrape:
  simultaneous_towns: 5
  simultaneous_lookups: 1
export:
  provider: local
  base_dir: /tmp/exports
queue:
  capacity: 10
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, 30*time.Second, cfg.SourceTimeout())
	require.Equal(t, 5, cfg.Scrape.SimultaneousTowns)
	require.Equal(t, 1, cfg.Scrape.SimultaneousLookups)
	require.Equal(t, "local", cfg.Export.Provider)
	require.Equal(t, 10, cfg.Queue.Capacity)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("LEADSCOUT_SERVER_PORT", "7070")
	path := writeConfigFile(t, `
source:
  base_url: https://directory.example
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 7070, cfg.Server.Port)
}

func TestValidate_Failures(t *testing.T) {
	t.Parallel()

	base := func() Config {
		cfg := Config{}
		cfg.Server.Port = 8080
		cfg.Scrape = ScrapeConfig{SimultaneousTowns: 3, SimultaneousIndustries: 2, SimultaneousLookups: 2}
		cfg.Source.BaseURL = "https://directory.example"
		cfg.Source.TimeoutSeconds = 15
		cfg.Export.Provider = "memory"
		cfg.Queue.Capacity = 50
		cfg.Queue.DefaultWaitMinutes = 10
		return cfg
	}

	cfg := base()
	cfg.Server.Port = 0
	require.ErrorContains(t, cfg.Validate(), "server.port")

	cfg = base()
	cfg.Scrape.SimultaneousTowns = 9
	require.ErrorContains(t, cfg.Validate(), "scrape defaults")

	cfg = base()
	cfg.Auth.Enabled = true
	require.ErrorContains(t, cfg.Validate(), "auth.api_key")

	cfg = base()
	cfg.Export.Provider = "gcs"
	require.ErrorContains(t, cfg.Validate(), "export.bucket")

	cfg = base()
	cfg.Export.Provider = "local"
	require.ErrorContains(t, cfg.Validate(), "export.base_dir")

	cfg = base()
	cfg.Export.Provider = "s3"
	require.ErrorContains(t, cfg.Validate(), "export.provider")

	cfg = base()
	cfg.Source.Headless.Enabled = true
	require.ErrorContains(t, cfg.Validate(), "headless.max_parallel")

	cfg = base()
	cfg.Queue.Capacity = 0
	require.ErrorContains(t, cfg.Validate(), "queue.capacity")
}

func TestLoad_MissingFileFails(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read config")
}
