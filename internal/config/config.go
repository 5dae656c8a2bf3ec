// Package config loads ppecheck settings from the environment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ayusman/ppecheck/internal/store"
)

// Defaults used when the environment does not override them.
const (
	DefaultAddr       = ":8080"
	DefaultBackendURL = "http://localhost:8000"
	DefaultCameraID   = 0
	DefaultFPS        = 15
	DefaultLogLevel   = "info"
)

// Config holds process configuration.
type Config struct {
	Addr       string
	BackendURL string
	CameraID   int
	FPS        int
	DataDir    string
	WebDir     string
	Tray       bool
	LogLevel   string
}

// Load reads configuration from environment variables, falling back to defaults.
func Load() *Config {
	return &Config{
		Addr:       getEnv("PPECHECK_ADDR", DefaultAddr),
		BackendURL: strings.TrimRight(getEnv("PPECHECK_BACKEND_URL", DefaultBackendURL), "/"),
		CameraID:   getEnvInt("PPECHECK_CAMERA", DefaultCameraID),
		FPS:        getEnvInt("PPECHECK_FPS", DefaultFPS),
		DataDir:    getEnv("PPECHECK_DATA_DIR", defaultDataDir()),
		WebDir:     os.Getenv("PPECHECK_WEB_DIR"),
		Tray:       getEnvBool("PPECHECK_TRAY", false),
		LogLevel:   getEnv("LOG_LEVEL", DefaultLogLevel),
	}
}

// DBPath returns the location of the settings database.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "ppecheck.db")
}

// ApplySettings overlays persisted settings on c. Unknown keys are ignored.
func (c *Config) ApplySettings(settings map[string]string) error {
	if v, ok := settings[store.KeyBackendURL]; ok {
		u, err := NormalizeBackendURL(v)
		if err != nil {
			return err
		}
		c.BackendURL = u
	}
	if v, ok := settings[store.KeyCameraID]; ok {
		id, err := ParseCameraID(v)
		if err != nil {
			return err
		}
		c.CameraID = id
	}
	return nil
}

// NormalizeBackendURL checks that raw is an absolute http(s) URL and strips
// any trailing slash.
func NormalizeBackendURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("invalid backend url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("invalid backend url %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid backend url %q: missing host", raw)
	}
	return strings.TrimRight(u.String(), "/"), nil
}

// ParseCameraID parses a non-negative camera device index.
func ParseCameraID(raw string) (int, error) {
	id, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid camera id %q: %w", raw, err)
	}
	if id < 0 {
		return 0, fmt.Errorf("invalid camera id %q: must not be negative", raw)
	}
	return id, nil
}

func defaultDataDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ".ppecheck"
	}
	return filepath.Join(homeDir, ".ppecheck")
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

func getEnvBool(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultVal
	}
	return b
}
