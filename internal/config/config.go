// Package config loads and validates the frame server's configuration
// surface from a JSON/JSONC file, following the load-then-Validate pattern
// the rest of this codebase's ancestry uses for its own server config.
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/tidwall/jsonc"

	"hevcframe/internal/apperr"
)

// StorageBackend selects which Backend implementation serves video URLs.
type StorageBackend string

const (
	BackendLocal StorageBackend = "local"
	BackendS3    StorageBackend = "s3"
)

// Config is the enumerated configuration surface from the specification.
type Config struct {
	ListenAddr string `json:"listen_addr"`

	StorageBackend StorageBackend `json:"storage_backend"`
	LocalPath      string         `json:"local_path"`

	S3Bucket    string `json:"s3_bucket"`
	S3Region    string `json:"s3_region"`
	S3Endpoint  string `json:"s3_endpoint"`
	S3AccessKey string `json:"s3_access_key"`
	S3SecretKey string `json:"s3_secret_key"`

	JPEGQuality int `json:"jpeg_quality"`

	LogLevel string `json:"log_level"`
}

const (
	defaultListenAddr  = "0.0.0.0:3000"
	defaultJPEGQuality = 80
)

// Path resolves the config file location: an explicit path, else
// ./server.config.json in the working directory, else
// $HOME/.hevcframe/server.config.json.
func Path(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}

	const local = "server.config.json"
	if _, err := os.Stat(local); err == nil {
		return local, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".hevcframe", "server.config.json"), nil
}

// Load reads a JSON or JSONC config file at path (resolved via Path if
// empty) and validates it, applying defaults for omitted optional fields.
func Load(path string) (*Config, error) {
	resolved, err := Path(path)
	if err != nil {
		return nil, apperr.New("config.Load", apperr.ConfigInvalid, err)
	}

	raw, err := os.ReadFile(resolved)
	if err != nil {
		return nil, apperr.New("config.Load", apperr.ConfigInvalid, fmt.Errorf("read config file %s: %w", resolved, err))
	}

	var cfg Config
	if err := json.Unmarshal(jsonc.ToJSON(raw), &cfg); err != nil {
		return nil, apperr.New("config.Load", apperr.ConfigInvalid, fmt.Errorf("parse config file %s: %w", resolved, err))
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, apperr.New("config.Load", apperr.ConfigInvalid, fmt.Errorf("invalid config in %s: %w", resolved, err))
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = defaultListenAddr
	}
	if c.JPEGQuality == 0 {
		c.JPEGQuality = defaultJPEGQuality
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		log.Printf("[Config] jpeg_quality %d out of range, clamping to [1,100]", c.JPEGQuality)
		c.JPEGQuality = clamp(c.JPEGQuality, 1, 100)
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Validate checks the required-field combinations the storage backend
// choice implies, accumulating every problem before returning.
func (c *Config) Validate() error {
	var missing []string

	switch c.StorageBackend {
	case BackendLocal:
		if c.LocalPath == "" {
			missing = append(missing, "local_path")
		} else if info, err := os.Stat(c.LocalPath); err != nil || !info.IsDir() {
			missing = append(missing, "local_path (must exist and be a directory)")
		}
	case BackendS3:
		if c.S3Bucket == "" {
			missing = append(missing, "s3_bucket")
		}
	default:
		missing = append(missing, fmt.Sprintf("storage_backend (got %q, want local or s3)", c.StorageBackend))
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing or invalid required fields: %v", missing)
	}
	return nil
}
