package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.Env)
	assert.Equal(t, "http://localhost:8080/api", cfg.APIBaseURL)
	assert.Equal(t, "http://localhost:8080", cfg.SocketURL, "socket url derives from the api base")
	assert.Equal(t, 5*time.Second, cfg.CallTimeout)
	assert.Equal(t, 30*time.Second, cfg.UploadTimeout)
	assert.Equal(t, 5, cfg.ReconnectAttempts)
	assert.Equal(t, time.Second, cfg.ReconnectDelay)
	assert.Equal(t, 2*time.Second, cfg.TypingWindow)
	assert.Equal(t, "agrichat-photos", cfg.S3Bucket)
	assert.False(t, cfg.S3UseSSL)
	assert.Equal(t, cfg.S3Endpoint, cfg.S3PublicEndpoint)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("API_BASE_URL", "https://chat.example.com/api")
	t.Setenv("SOCKET_URL", "wss://chat.example.com/socket")
	t.Setenv("API_CALL_TIMEOUT", "10s")
	t.Setenv("SOCKET_RECONNECT_ATTEMPTS", "8")
	t.Setenv("SOCKET_RECONNECT_DELAY", "250ms")
	t.Setenv("TYPING_WINDOW", "3s")
	t.Setenv("S3_USE_SSL", "true")
	t.Setenv("S3_PUBLIC_ENDPOINT", "https://cdn.example.com")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "production", cfg.Env)
	assert.Equal(t, "wss://chat.example.com/socket", cfg.SocketURL)
	assert.Equal(t, 10*time.Second, cfg.CallTimeout)
	assert.Equal(t, 8, cfg.ReconnectAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.ReconnectDelay)
	assert.Equal(t, 3*time.Second, cfg.TypingWindow)
	assert.True(t, cfg.S3UseSSL)
	assert.Equal(t, "https://cdn.example.com", cfg.S3PublicEndpoint)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("API_CALL_TIMEOUT", "not-a-duration")
	_, err := Load()
	require.Error(t, err)
}

func TestLoadRejectsBadBool(t *testing.T) {
	t.Setenv("S3_USE_SSL", "maybe")
	_, err := Load()
	require.Error(t, err)
}

func TestSocketURLStripsAPISuffix(t *testing.T) {
	t.Setenv("API_BASE_URL", "https://api.example.com/api")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com", cfg.SocketURL)
}
