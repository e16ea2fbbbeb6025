package configs

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
}

const minimalBase = `
rabbitmq:
  host: mq
  queue: task_queue
notify:
  base_url: https://files.example.com
zalo:
  gateway_url: http://bot:3000
`

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", minimalBase)

	cfg, err := Load(dir, "")
	require.NoError(t, err)
	assert.Equal(t, "zalo-notifier", cfg.App.Name)
	assert.Equal(t, 5672, cfg.Rabbit.Port)
	assert.Equal(t, 5, cfg.Rabbit.ConnectRetries)
	assert.Equal(t, 2*time.Second, cfg.Rabbit.ConnectDelay)
	assert.Equal(t, 3*time.Second, cfg.Rabbit.CloseTimeout)
	assert.Equal(t, 1, cfg.Rabbit.Prefetch, "unset prefetch keeps one unacked delivery in flight")
	assert.Equal(t, 10*time.Second, cfg.Dispatch.HandlerTimeout)
	assert.Equal(t, 15*time.Second, cfg.ClaimTTL())
	assert.False(t, cfg.Dispatch.RequeueOnError)
	assert.Equal(t, "task_queue", cfg.QueueName())
	assert.Equal(t, "amqp://:@mq:5672/", cfg.BrokerURL())
}

func TestLoad_OverlayAndEnv(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", minimalBase)
	writeFile(t, dir, "dev.yaml", `
rabbitmq:
  queue_prefix: dev
  connect_delay: 500ms
`)
	t.Setenv("ZALONOTIFIER_RABBITMQ__USER", "bot")
	t.Setenv("ZALONOTIFIER_RABBITMQ__PASSWORD", "secret")
	t.Setenv("ZALONOTIFIER_RABBITMQ__PORT", "5673")
	t.Setenv("ZALONOTIFIER_DISPATCH__REQUEUE_ON_ERROR", "true")

	cfg, err := Load(dir, "dev")
	require.NoError(t, err)
	assert.Equal(t, "dev.task_queue", cfg.QueueName())
	assert.Equal(t, 500*time.Millisecond, cfg.Rabbit.ConnectDelay)
	assert.Equal(t, "amqp://bot:secret@mq:5673/", cfg.BrokerURL())
	assert.True(t, cfg.Dispatch.RequeueOnError)
}

func TestLoad_MissingOverlayIsFine(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", minimalBase)
	_, err := Load(dir, "staging")
	assert.NoError(t, err)
}

func TestLoad_MissingBase(t *testing.T) {
	_, err := Load(t.TempDir(), "")
	assert.ErrorContains(t, err, "load base")
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
rabbitmq:
  connect_retries: -1
`)
	_, err := Load(dir, "")
	require.Error(t, err)
	for _, want := range []string{
		"rabbitmq.url or rabbitmq.host required",
		"rabbitmq.queue required",
		"rabbitmq.connect_retries",
		"notify.base_url required",
		"zalo.gateway_url required",
	} {
		assert.ErrorContains(t, err, want)
	}
}

func TestBrokerURL(t *testing.T) {
	var c Config
	c.Rabbit.URL = "amqp://u:p@host:1/vh"
	assert.Equal(t, "amqp://u:p@host:1/vh", c.BrokerURL())

	c.Rabbit.URL = ""
	c.Rabbit.Host, c.Rabbit.Port = "mq", 5672
	c.Rabbit.User, c.Rabbit.Password, c.Rabbit.VHost = "guest", "guest", "prod"
	assert.Equal(t, "amqp://guest:guest@mq:5672/prod", c.BrokerURL())
}

func TestLoadEnvFiles(t *testing.T) {
	dir := t.TempDir()
	f := filepath.Join(dir, ".env")
	writeFile(t, dir, ".env", "ZALONOTIFIER_TEST_DOTENV=loaded\n")
	t.Setenv("ZALONOTIFIER_TEST_DOTENV", "")
	os.Unsetenv("ZALONOTIFIER_TEST_DOTENV")

	n, err := LoadEnvFiles(f, filepath.Join(dir, ".env.local"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "loaded", os.Getenv("ZALONOTIFIER_TEST_DOTENV"))
}
