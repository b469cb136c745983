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
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "billing.events", cfg.Kafka.Topic)
	assert.Equal(t, []time.Duration{time.Hour, 6 * time.Hour, 24 * time.Hour}, cfg.Retry.Schedule)
	assert.Equal(t, 3, cfg.Events.MaxAttempts)
	assert.Equal(t, []int{1, 3, 7, 14}, cfg.Dunning.ReminderDays)
	assert.Equal(t, 14, cfg.Dunning.CancelAfterDays)
	assert.Equal(t, 23*time.Hour, cfg.Lifecycle.IncompleteTimeout)
	assert.Equal(t, "*/5 * * * *", cfg.Scheduler.Jobs["payment_retry"])
	assert.Equal(t, 10*time.Second, cfg.Payments.Timeout())
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http:\n  addr: \":9000\"\nwebhook:\n  secret: from-file\n"), 0o600))

	t.Setenv("BILLREC_WEBHOOK_SECRET", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.HTTP.Addr)
	assert.Equal(t, "from-env", cfg.Webhook.Secret)
	assert.Equal(t, "Processor-Signature", cfg.Webhook.SignatureHeader)
}

func TestLoadMissingFileKeepsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
}

func TestValidate(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Error(t, cfg.Validate(), "empty secret must be rejected")

	cfg.Webhook.Secret = "whsec"
	assert.NoError(t, cfg.Validate())

	cfg.Retry.Schedule = nil
	assert.Error(t, cfg.Validate())
}
