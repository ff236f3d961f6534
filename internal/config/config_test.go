package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 6, cfg.MaxSearchSteps)
	assert.Equal(t, 4, cfg.SearchWorkers)
	assert.Equal(t, 500*time.Millisecond, cfg.RetryBackoff)
	assert.Equal(t, 15*time.Second, cfg.KeepaliveInterval)
	assert.Empty(t, cfg.AnthropicAPIKey)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("MAX_SEARCH_STEPS", "3")
	t.Setenv("WEB_FETCH_ALLOWED_DOMAINS", "KBO.be, companieshouse.gov.uk")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.MaxSearchSteps)
	assert.Equal(t, []string{"kbo.be", "companieshouse.gov.uk"}, cfg.WebFetchAllowedDomains)
}

func TestLoadYAMLOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orchestrator.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"max_search_steps: 2\nretry_backoff_ms: 250\nweb_fetch_allowed_domains:\n  - KBO.be\n"), 0o600))
	t.Setenv("ORCHESTRATOR_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.MaxSearchSteps)
	assert.Equal(t, 250*time.Millisecond, cfg.RetryBackoff)
	assert.Equal(t, []string{"kbo.be"}, cfg.WebFetchAllowedDomains)
}

func TestLoadBadOverlayFile(t *testing.T) {
	t.Setenv("ORCHESTRATOR_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := Load()
	assert.Error(t, err)
}
