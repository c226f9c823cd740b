package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{
		"DB_DSN", "JWT_SECRET", "REALTIME_BACKPLANE", "BROKER_CONCURRENCY",
		"BROKER_MAX_ATTEMPTS", "BROKER_RETRY_DELAY_MS", "CHAT_REQUEST_QUEUE",
		"CHAT_REPLY_QUEUE", "CORS_ORIGINS", "HTTP_ADDR",
	} {
		t.Setenv(k, "")
	}

	cfg := Load()

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Contains(t, cfg.DBDSN, "tenant_chat")
	assert.Equal(t, "local", cfg.RealtimeBackplane)
	assert.Equal(t, "UserPromptReceived", cfg.ChatRequestQueue)
	assert.Equal(t, "BotResponseCreated", cfg.ChatReplyQueue)
	assert.Equal(t, 4, cfg.BrokerConcurrency)
	assert.Equal(t, 5, cfg.BrokerMaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.BrokerRetryDelay)
	assert.Len(t, cfg.CORSOrigins, 2)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("BROKER_CONCURRENCY", "500")
	t.Setenv("BROKER_RETRY_DELAY_MS", "250")
	t.Setenv("REALTIME_BACKPLANE", " Redis ")
	t.Setenv("CORS_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("REDIS_DB", "not-a-number")

	cfg := Load()

	assert.Equal(t, 50, cfg.BrokerConcurrency)
	assert.Equal(t, 250*time.Millisecond, cfg.BrokerRetryDelay)
	assert.Equal(t, "redis", cfg.RealtimeBackplane)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.Equal(t, 0, cfg.RedisDB)
}
