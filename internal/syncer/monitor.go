package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/bigmem/internal/sysattr"
)

// Monitor re-syncs preferences when an attribute changes outside bigmem
// (another tool, a kernel fallback). It polls and, where the filesystem
// supports it, also wakes on fsnotify events.
type Monitor struct {
	syncers []*Syncer
	poll    time.Duration
	watch   bool
	metrics *Metrics
	logger  *slog.Logger
}

// NewMonitor creates a Monitor. If pollInterval is <= 0, it defaults to 30s.
func NewMonitor(syncers []*Syncer, pollInterval time.Duration, metrics *Metrics) *Monitor {
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	return &Monitor{
		syncers: syncers,
		poll:    pollInterval,
		watch:   true,
		metrics: metrics,
		logger:  slog.Default(),
	}
}

// Run checks all settings until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ctx = WithSource(ctx, "monitor")
	trigger := m.subscribe(ctx)

	for {
		if ctx.Err() != nil {
			return
		}

		if _, err := m.RunOnce(ctx); err != nil {
			m.logger.Error("monitor iteration failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-trigger:
		case <-time.After(m.poll):
		}
	}
}

// RunOnce restores every setting whose stored value differs from the
// kernel. It returns how many were restored.
func (m *Monitor) RunOnce(ctx context.Context) (int, error) {
	var errs []error
	restored := 0
	for _, s := range m.syncers {
		current, err := s.Current()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Key(), err))
			continue
		}
		stored, ok, err := s.Stored()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Key(), err))
			continue
		}
		if ok && stored == current {
			continue
		}

		m.metrics.observeDrift(s.Key())
		m.logger.Info("kernel value drifted, restoring", "setting", s.Key(), "stored", stored, "kernel", current)
		if _, err := s.Restore(ctx); err != nil {
			errs = append(errs, err)
			continue
		}
		restored++
	}
	return restored, errors.Join(errs...)
}

// subscribe merges fsnotify events for every attribute into one channel.
// Settings whose directory cannot be watched rely on polling alone.
func (m *Monitor) subscribe(ctx context.Context) <-chan struct{} {
	out := make(chan struct{}, 1)
	if !m.watch {
		return out
	}
	for _, s := range m.syncers {
		ch, err := sysattr.Watch(ctx, s.attr.Path())
		if err != nil {
			m.logger.Debug("attribute not watchable, polling only", "setting", s.Key(), "error", err)
			continue
		}
		go func() {
			for range ch {
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}()
	}
	return out
}
