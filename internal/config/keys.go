package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.host", typ: kString, env: "TALESYNC_SERVER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt, env: "TALESYNC_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.base_url", typ: kString, env: "TALESYNC_SERVER_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Server.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.BaseURL },
	},
	{
		key: "server.max_conns", typ: kInt, env: "TALESYNC_SERVER_MAX_CONNS",
		apply:   func(cfg *Config, v any) { cfg.Server.MaxConns = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MaxConns },
	},
	{
		key: "server.production", typ: kBool, env: "TALESYNC_SERVER_PRODUCTION",
		apply:   func(cfg *Config, v any) { cfg.Server.Production = v.(bool) },
		extract: func(cfg Config) any { return cfg.Server.Production },
	},
	{
		key: "worker.base_url", typ: kString, env: "TALESYNC_WORKER_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Worker.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Worker.BaseURL },
	},
	{
		key: "worker.secret", typ: kString, env: "TALESYNC_WORKER_SECRET",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Worker.Secret = v.(string) },
		extract: func(cfg Config) any { return cfg.Worker.Secret },
	},
	{
		key: "remote.base_url", typ: kString, env: "TALESYNC_REMOTE_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Remote.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Remote.BaseURL },
	},
	{
		key: "remote.cdn_url", typ: kString, env: "TALESYNC_REMOTE_CDN_URL",
		apply:   func(cfg *Config, v any) { cfg.Remote.CDNURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Remote.CDNURL },
	},
	{
		key: "remote.api_key", typ: kString, env: "TALESYNC_REMOTE_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Remote.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Remote.APIKey },
	},
	{
		key: "remote.api_secret", typ: kString, env: "TALESYNC_REMOTE_API_SECRET",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Remote.APISecret = v.(string) },
		extract: func(cfg Config) any { return cfg.Remote.APISecret },
	},
	{
		key: "storage.data_dir", typ: kString, env: "TALESYNC_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.uploads_dir", typ: kString, env: "TALESYNC_STORAGE_UPLOADS_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.UploadsDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.UploadsDir },
	},
	{
		key: "auth.token_secret", typ: kString, env: "TALESYNC_AUTH_TOKEN_SECRET",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Auth.TokenSecret = v.(string) },
		extract: func(cfg Config) any { return cfg.Auth.TokenSecret },
	},
	{
		key: "log.level", typ: kString, env: "TALESYNC_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b Backend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
