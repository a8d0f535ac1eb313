package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
)

type keySpec struct {
	key      string
	typ      keyType
	env      string
	secret   bool
	validate func(v string) error
	apply    func(cfg *Config, v any)
	extract  func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "BIGMEM_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "BIGMEM_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.backend", typ: kString, env: "BIGMEM_STORAGE_BACKEND",
		validate: oneOf(BackendSQLite, BackendFile),
		apply:    func(cfg *Config, v any) { cfg.Storage.Backend = v.(string) },
		extract:  func(cfg Config) any { return cfg.Storage.Backend },
	},
	{
		key: "catalog.file", typ: kString, env: "BIGMEM_CATALOG_FILE",
		apply:   func(cfg *Config, v any) { cfg.Catalog.File = v.(string) },
		extract: func(cfg Config) any { return cfg.Catalog.File },
	},
	{
		key: "monitor.enabled", typ: kBool, env: "BIGMEM_MONITOR_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Monitor.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Monitor.Enabled },
	},
	{
		key: "monitor.interval", typ: kString, env: "BIGMEM_MONITOR_INTERVAL",
		validate: validDuration,
		apply:    func(cfg *Config, v any) { cfg.Monitor.Interval = v.(string) },
		extract:  func(cfg Config) any { return cfg.Monitor.Interval },
	},
	{
		key: "log.level", typ: kString, env: "BIGMEM_LOG_LEVEL",
		validate: oneOf("debug", "info", "warn", "error"),
		apply:    func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract:  func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "api.token", typ: kString, env: "BIGMEM_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.API.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.API.Token },
	},
}

func oneOf(allowed ...string) func(string) error {
	return func(v string) error {
		for _, a := range allowed {
			if v == a {
				return nil
			}
		}
		return fmt.Errorf("%q is not one of %v", v, allowed)
	}
}

func validDuration(v string) error {
	d, err := time.ParseDuration(v)
	if err != nil {
		return err
	}
	if d <= 0 {
		return fmt.Errorf("duration must be positive, got %s", v)
	}
	return nil
}

func applyBackend(cfg *Config, b ConfigBackend) error {
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
			if !ok {
				continue
			}
			if s.validate != nil {
				if err := s.validate(v); err != nil {
					slog.Warn("ignoring invalid config value", "key", s.key, "value", v, "error", err)
					continue
				}
			}
			s.apply(cfg, v)
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetBool(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
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
			if s.validate != nil {
				if err := s.validate(raw); err != nil {
					slog.Warn("ignoring invalid env var", "env", s.env, "value", raw, "error", err)
					continue
				}
			}
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				slog.Warn("could not parse integer from env var, using default", "env", s.env, "value", raw, "error", err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				slog.Warn("could not parse bool from env var, using default", "env", s.env, "value", raw, "error", err)
			}
		}
	}
}
