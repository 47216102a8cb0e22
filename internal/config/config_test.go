package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
database:
  url: postgres://localhost/dispatch
redis:
  url: redis://localhost:6379/0
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, "us-east-1", cfg.Email.Region)
	assert.Equal(t, 100, cfg.Dispatch.BatchSize)
	assert.Equal(t, 10, cfg.Dispatch.DrainBatchSize)
	assert.Equal(t, "WaggleTail", cfg.Company.Name)
	assert.NoError(t, cfg.Validate())
}

func TestMessageDelayDefaultsPerChannel(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()

	assert.Equal(t, 100*time.Millisecond, cfg.Email.MessageDelay())
	assert.Equal(t, 200*time.Millisecond, cfg.SMS.MessageDelay())
	assert.Equal(t, time.Second, cfg.Chat.MessageDelay(), "chat transports throttle hardest")
	assert.Equal(t, 100*time.Millisecond, cfg.Push.MessageDelay())
}

func TestMessageDelayFromFile(t *testing.T) {
	path := writeConfig(t, `
database:
  url: postgres://localhost/dispatch
redis:
  url: redis://localhost:6379/0
sms:
  message_delay_millis: 350
chat:
  message_delay_millis: 2500
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 350*time.Millisecond, cfg.SMS.MessageDelay())
	assert.Equal(t, 2500*time.Millisecond, cfg.Chat.MessageDelay())
	assert.Equal(t, 100*time.Millisecond, cfg.Email.MessageDelay(), "unset channels keep their defaults")
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := writeConfig(t, "server: [not a map")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadFromEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
database:
  url: postgres://file/dispatch
email:
  from_email: hello@waggletail.com
`)

	t.Setenv("DATABASE_URL", "postgres://env/dispatch")
	t.Setenv("REDIS_URL", "redis://env:6379/0")
	t.Setenv("AWS_SES_ACCESS_KEY", "AKIAENV")
	t.Setenv("SERVER_PORT", "7070")

	cfg, err := LoadFromEnv(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://env/dispatch", cfg.Database.URL, "env wins over file")
	assert.Equal(t, "redis://env:6379/0", cfg.Redis.URL)
	assert.Equal(t, "AKIAENV", cfg.Email.AccessKey)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "hello@waggletail.com", cfg.Email.FromEmail, "file values survive when no override")
}

func TestLoadFromEnvMissingFileIsFine(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://env/dispatch")
	t.Setenv("REDIS_URL", "redis://env:6379/0")

	cfg, err := LoadFromEnv(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.NoError(t, cfg.Validate())
}

func TestValidateRequiresBackends(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()
	assert.Error(t, cfg.Validate())

	cfg.Database.URL = "postgres://localhost/dispatch"
	assert.Error(t, cfg.Validate())

	cfg.Redis.URL = "redis://localhost:6379/0"
	assert.NoError(t, cfg.Validate())
}
