package config

import (
	"fmt"
	"os"
	"path/filepath"
)

type Config struct {
	Server  ServerConfig
	Worker  WorkerConfig
	Remote  RemoteConfig
	Storage StorageConfig
	Auth    AuthConfig
	Log     LogConfig
}

type ServerConfig struct {
	Host string
	Port int

	// BaseURL is the externally reachable address used when minting
	// playback and worker URLs. Defaults to http://<host>:<port>.
	BaseURL string

	// MaxConns caps concurrently accepted connections.
	MaxConns int

	// Production tightens the outbound-URL safety check: worker URLs
	// pointing at loopback or private hosts are rejected.
	Production bool
}

// WorkerConfig addresses the external transcription worker. Both
// fields are validated at dispatch time, not at load: a server without
// a worker still serves reads, and uploads fail visibly per record.
type WorkerConfig struct {
	BaseURL string
	Secret  string
}

// RemoteConfig holds the primary object-store credentials. All empty
// is valid; audio then lands on local disk.
type RemoteConfig struct {
	BaseURL   string
	CDNURL    string
	APIKey    string
	APISecret string
}

type StorageConfig struct {
	DataDir    string
	UploadsDir string
}

type AuthConfig struct {
	// TokenSecret signs session and audio-stream tokens. Required.
	TokenSecret string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Host:     "127.0.0.1",
			Port:     4600,
			MaxConns: 256,
		},
		Storage: StorageConfig{
			DataDir:    dataDir,
			UploadsDir: filepath.Join(dataDir, "uploads"),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file backend at
// $XDG_CONFIG_HOME/talesync/config.json, then applies TALESYNC_*
// environment overrides. The token signing secret must be present
// after both passes.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b Backend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)

	if cfg.Auth.TokenSecret == "" {
		return Config{}, fmt.Errorf("missing required config: token signing secret. " +
			"Set it via environment variable TALESYNC_AUTH_TOKEN_SECRET or config key auth.token_secret")
	}
	if cfg.Server.BaseURL == "" {
		cfg.Server.BaseURL = fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	}

	return cfg, nil
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "talesync-data"
		}
	}
	return filepath.Join(dir, "talesync")
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "talesync", "config.json")
}
