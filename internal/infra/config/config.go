package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates engine configuration values loaded from environment
// variables.
type Config struct {
	Env               string
	APIBaseURL        string
	SocketURL         string
	CallTimeout       time.Duration
	UploadTimeout     time.Duration
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	TypingWindow      time.Duration
	S3Endpoint        string
	S3PublicEndpoint  string
	S3AccessKey       string
	S3SecretKey       string
	S3Bucket          string
	S3UseSSL          bool
}

// Load parses configuration from the current environment. A local .env file
// is honored when present and never required.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Env:              getEnv("APP_ENV", "dev"),
		APIBaseURL:       getEnv("API_BASE_URL", "http://localhost:8080/api"),
		S3Endpoint:       getEnv("S3_ENDPOINT", "http://localhost:9000"),
		S3PublicEndpoint: getEnv("S3_PUBLIC_ENDPOINT", ""),
		S3AccessKey:      getEnv("S3_ACCESS_KEY", "minioadmin"),
		S3SecretKey:      getEnv("S3_SECRET_KEY", "minioadmin"),
		S3Bucket:         getEnv("S3_BUCKET", "agrichat-photos"),
	}

	// The socket endpoint defaults to the API host with the /api suffix
	// stripped, mirroring how the mobile client derives it.
	socketURL := getEnv("SOCKET_URL", "")
	if socketURL == "" {
		socketURL = strings.TrimSuffix(cfg.APIBaseURL, "/api")
	}
	cfg.SocketURL = socketURL

	callTimeout, err := parseDurationEnv("API_CALL_TIMEOUT", 5*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg.CallTimeout = callTimeout

	uploadTimeout, err := parseDurationEnv("UPLOAD_TIMEOUT", 30*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg.UploadTimeout = uploadTimeout

	attempts, err := parseIntEnv("SOCKET_RECONNECT_ATTEMPTS", 5)
	if err != nil {
		return Config{}, err
	}
	cfg.ReconnectAttempts = attempts

	delay, err := parseDurationEnv("SOCKET_RECONNECT_DELAY", time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg.ReconnectDelay = delay

	typing, err := parseDurationEnv("TYPING_WINDOW", 2*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg.TypingWindow = typing

	useSSL, err := parseBoolEnv("S3_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg.S3UseSSL = useSSL
	if cfg.S3PublicEndpoint == "" {
		cfg.S3PublicEndpoint = cfg.S3Endpoint
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseDurationEnv(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration: %w", key, err)
	}
	return d, nil
}

func parseIntEnv(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %w", key, err)
	}
	return v, nil
}

func parseBoolEnv(key string, def bool) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "t", "true", "yes", "y", "on":
		return true, nil
	case "0", "f", "false", "no", "n", "off":
		return false, nil
	}
	return false, fmt.Errorf("invalid %s boolean value %q", key, os.Getenv(key))
}
