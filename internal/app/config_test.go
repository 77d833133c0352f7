package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("ROOTDIR", "")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("STATUS_ADDR", "")
	t.Setenv("APP_ENV", "")

	cfg := LoadConfig()
	assert.Equal(t, "dev", cfg.Env)
	assert.Empty(t, cfg.RootDir)
	assert.Empty(t, cfg.RedisAddr)
	assert.Equal(t, 64, cfg.AcceptMax)
	assert.Equal(t, 10*time.Second, cfg.AcceptWindow)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("ROOTDIR", "/var/nd")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("STATUS_ADDR", ":9100")
	t.Setenv("ACCEPT_MAX", "128")

	cfg := LoadConfig()
	assert.Equal(t, "prod", cfg.Env)
	assert.Equal(t, "/var/nd", cfg.RootDir)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, 3, cfg.RedisDB)
	assert.Equal(t, ":9100", cfg.StatusAddr)
	assert.Equal(t, 128, cfg.AcceptMax)
}

func TestProcessName(t *testing.T) {
	assert.Equal(t, "se8081", ProcessName("server", 8081))
	assert.Equal(t, "a_9000", ProcessName("a", 9000))
	assert.Equal(t, "server", ProcessName("server", 0))
}
