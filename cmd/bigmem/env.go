package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/kalambet/bigmem/internal/api"
	"github.com/kalambet/bigmem/internal/catalog"
	"github.com/kalambet/bigmem/internal/config"
	"github.com/kalambet/bigmem/internal/prefs"
	"github.com/kalambet/bigmem/internal/storage"
	"github.com/kalambet/bigmem/internal/syncer"
)

// env is everything a command needs to touch settings locally.
type env struct {
	cfg      config.Config
	settings *syncer.Set
	prefs    *prefs.Manager
	history  api.HistoryStore // nil with the file backend
	closer   io.Closer
}

func (e *env) Close() error {
	if e.closer == nil {
		return nil
	}
	return e.closer.Close()
}

func setupLogging(cfg config.Config) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// openEnv loads the catalog, opens the configured preference backend and
// probes every setting.
func openEnv(cfg config.Config, opts ...syncer.Option) (*env, error) {
	cat, err := catalog.Load(cfg.Catalog.File)
	if err != nil {
		return nil, err
	}

	e := &env{cfg: cfg}
	var store prefs.Store
	switch cfg.Storage.Backend {
	case config.BackendFile:
		fs, err := prefs.OpenFile(filepath.Join(cfg.Storage.DataDir, "prefs.json"))
		if err != nil {
			return nil, fmt.Errorf("opening preferences: %w", err)
		}
		store = fs
	default:
		db, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return nil, fmt.Errorf("opening storage: %w", err)
		}
		store = db
		e.history = db
		e.closer = db
		opts = append(opts, syncer.WithRecorder(db))
	}

	e.prefs = prefs.NewManager(store)
	e.settings, err = syncer.OpenSet(cat, e.prefs, cfg.Storage.DataDir, opts...)
	if err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

func loadEnv(opts ...syncer.Option) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	setupLogging(cfg)
	return openEnv(cfg, opts...)
}
