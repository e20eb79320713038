package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("CRIMINALIP_API_KEY", "key")
	t.Setenv("FORTIGATE_HOST", "fw.example.internal")
	t.Setenv("FORTIGATE_TOKEN", "token")
	t.Setenv("FORTIGATE_POLICY_ID", "42")
	t.Setenv("QUERY_FILE", "queries.json")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "https://api.criminalip.io/", cfg.Feed.BaseURL)
	assert.Equal(t, "v1/banner/search", cfg.Feed.Endpoint)
	assert.Equal(t, 10, cfg.Feed.PageSize)
	assert.Equal(t, 9900, cfg.Feed.MaxOffset)
	assert.Equal(t, 70, cfg.Feed.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Feed.RequestDelay)
	assert.True(t, cfg.Firewall.InsecureTLS)
	assert.Equal(t, 500*time.Millisecond, cfg.Firewall.RequestDelay)
	assert.Equal(t, 600, cfg.GroupChunkSize)
	assert.Equal(t, 7, cfg.RetentionDays)
	assert.Equal(t, "csv", cfg.Ledger.Backend)
	assert.Equal(t, "work/input", filepath.Clean(cfg.Workspace.InputDir()))
	assert.False(t, cfg.Slack.Enabled())
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("FEED_REQUEST_DELAY", "3")
	t.Setenv("FIREWALL_REQUEST_DELAY", "250ms")
	t.Setenv("FORTIGATE_INSECURE_TLS", "false")
	t.Setenv("GROUP_CHUNK_SIZE", "100")
	t.Setenv("FEED_MAX_ATTEMPTS", "not-a-number")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 3*time.Second, cfg.Feed.RequestDelay)
	assert.Equal(t, 250*time.Millisecond, cfg.Firewall.RequestDelay)
	assert.False(t, cfg.Firewall.InsecureTLS)
	assert.Equal(t, 100, cfg.GroupChunkSize)
	assert.Equal(t, 70, cfg.Feed.MaxAttempts)
}

func TestLoadMissingRequired(t *testing.T) {
	setRequired(t)
	t.Setenv("FORTIGATE_TOKEN", "")
	t.Setenv("QUERY_FILE", "")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FORTIGATE_TOKEN")
	assert.Contains(t, err.Error(), "QUERY_FILE")
}

func TestLoadRejectsNonPositiveRetention(t *testing.T) {
	for _, value := range []string{"0", "-3"} {
		t.Run(value, func(t *testing.T) {
			setRequired(t)
			t.Setenv("RETENTION_DAYS", value)

			_, err := Load("")
			assert.ErrorContains(t, err, "RETENTION_DAYS must be positive")
		})
	}
}

func TestLoadLedgerBackend(t *testing.T) {
	setRequired(t)

	t.Setenv("LEDGER_BACKEND", "postgres")
	_, err := Load("")
	assert.ErrorContains(t, err, "DATABASE_URL")

	t.Setenv("DATABASE_URL", "postgres://localhost/c2sync")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Ledger.Backend)

	t.Setenv("LEDGER_BACKEND", "sqlite")
	_, err = Load("")
	assert.ErrorContains(t, err, "unknown LEDGER_BACKEND")
}

func TestLoadDotenvFile(t *testing.T) {
	setRequired(t)
	// godotenv never overrides variables already present, even empty ones
	for _, key := range []string{"SLACK_BOT_TOKEN", "SLACK_CHANNEL"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	path := filepath.Join(t.TempDir(), "c2sync.env")
	require.NoError(t, os.WriteFile(path, []byte("SLACK_BOT_TOKEN=xoxb-test\nSLACK_CHANNEL=C0123\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Slack.Enabled())

	_, err = Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.NoError(t, err)
}
