// Package syncer keeps a persisted preference in step with a kernel
// attribute, verifying every write by reading it back.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/bigmem/internal/catalog"
	"github.com/kalambet/bigmem/internal/storage"
	"github.com/kalambet/bigmem/internal/sysattr"
)

var (
	// ErrUnsupported means the attribute is absent on this host.
	ErrUnsupported = sysattr.ErrUnsupported

	// ErrMismatch means the write went through but the kernel reports a
	// different value afterwards.
	ErrMismatch = errors.New("kernel value does not match requested value")

	// ErrInvalidValue means the value is not allowed by the setting.
	ErrInvalidValue = errors.New("value not allowed")
)

// Attribute is a single-value kernel attribute. Implemented by *sysattr.Attribute.
type Attribute interface {
	Path() string
	Read() (string, error)
	Write(value string) error
}

// PreferenceStore persists the last known value per key. Put must commit
// before returning. Implemented by *prefs.Manager.
type PreferenceStore interface {
	Get(key string) (value string, ok bool, err error)
	Put(key, value string) error
}

// Recorder receives one record per apply attempt. Implemented by *storage.Store.
type Recorder interface {
	SaveApplyRecord(r storage.ApplyRecord) error
}

// Result describes the outcome of an apply.
type Result struct {
	Key       string `json:"key"`
	Requested string `json:"requested"`
	Actual    string `json:"actual"`
	Verified  bool   `json:"verified"`
	Attempts  int    `json:"attempts"`
	Declined  bool   `json:"declined,omitempty"`
}

// Err returns nil for a verified result and an ErrMismatch otherwise.
func (r Result) Err() error {
	if r.Verified {
		return nil
	}
	return fmt.Errorf("%s: requested %q, kernel has %q: %w", r.Key, r.Requested, r.Actual, ErrMismatch)
}

// Syncer manages one setting. Calls are serialized; each one blocks until
// the attribute I/O and the preference commit are done.
type Syncer struct {
	setting     catalog.Setting
	attr        Attribute
	store       PreferenceStore
	recorder    Recorder
	metrics     *Metrics
	logger      *slog.Logger
	lockPath    string
	maxAttempts int
	observe     func(key string, st State)

	mu sync.Mutex
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithRecorder stores an ApplyRecord for every attempt.
func WithRecorder(r Recorder) Option { return func(s *Syncer) { s.recorder = r } }

// WithMetrics reports attempts and restores to m.
func WithMetrics(m *Metrics) Option { return func(s *Syncer) { s.metrics = m } }

// WithLogger overrides slog.Default().
func WithLogger(l *slog.Logger) Option { return func(s *Syncer) { s.logger = l } }

// WithLockFile takes an exclusive flock on path around every attribute
// access, so that only one process writes the attribute at a time.
func WithLockFile(path string) Option { return func(s *Syncer) { s.lockPath = path } }

// WithMaxAttempts bounds ApplyInteractive. Zero means unbounded. When the
// bound is reached the last mismatch is returned without consulting the
// prompter, so a bounded run prompts at most n-1 times.
func WithMaxAttempts(n int) Option { return func(s *Syncer) { s.maxAttempts = n } }

// IsSupported reports whether the attribute at path exists.
func IsSupported(path string) bool {
	return sysattr.IsSupported(path)
}

// Open probes the setting's attribute and returns a Syncer for it, or an
// error wrapping ErrUnsupported when the attribute is absent. Nothing is
// read or written by Open.
func Open(setting catalog.Setting, store PreferenceStore, opts ...Option) (*Syncer, error) {
	attr, err := sysattr.Probe(setting.Path)
	if err != nil {
		return nil, fmt.Errorf("setting %s: %w", setting.Key, err)
	}
	return New(setting, attr, store, opts...), nil
}

// New returns a Syncer over an already probed attribute.
func New(setting catalog.Setting, attr Attribute, store PreferenceStore, opts ...Option) *Syncer {
	s := &Syncer{
		setting: setting,
		attr:    attr,
		store:   store,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("setting", setting.Key)
	return s
}

// Setting returns the catalog entry this Syncer manages.
func (s *Syncer) Setting() catalog.Setting { return s.setting }

// Key returns the preference key.
func (s *Syncer) Key() string { return s.setting.Key }

// Current reads the kernel value.
func (s *Syncer) Current() (string, error) {
	return s.attr.Read()
}

// Stored returns the persisted value. ok is false before the first restore or apply.
func (s *Syncer) Stored() (value string, ok bool, err error) {
	return s.store.Get(s.setting.Key)
}

// Restore copies the kernel value into the preference store. If the
// attribute cannot be read the store is left untouched.
func (s *Syncer) Restore(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var value string
	err := s.withLock(func() error {
		v, err := s.attr.Read()
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	if err != nil {
		s.metrics.observeRestore(s.setting.Key, false)
		return "", fmt.Errorf("restoring %s: %w", s.setting.Key, err)
	}

	if err := s.store.Put(s.setting.Key, value); err != nil {
		s.metrics.observeRestore(s.setting.Key, false)
		return "", fmt.Errorf("restoring %s: %w", s.setting.Key, err)
	}

	s.metrics.observeRestore(s.setting.Key, true)
	s.logger.Debug("restored preference from kernel", "value", value)
	return value, nil
}

// Apply performs one verified write: write value, read it back, and persist
// whatever the kernel now reports. A read-back that differs from value is
// not an error; it yields Result.Verified == false and the store holds the
// actual value. I/O failures return a *sysattr.IOError and leave the store
// untouched.
func (s *Syncer) Apply(ctx context.Context, value string) (Result, error) {
	res, err := s.attempt(ctx, value, 1)
	s.enter(StateDone)
	return res, err
}

// ApplyInteractive repeats Apply while the kernel disagrees and the
// prompter asks for a retry. The prompter is consulted exactly once per
// mismatching attempt, after the actual value has been persisted. A nil
// prompter declines.
func (s *Syncer) ApplyInteractive(ctx context.Context, value string, p Prompter) (Result, error) {
	for n := 1; ; n++ {
		res, err := s.attempt(ctx, value, n)
		if err != nil || res.Verified {
			s.enter(StateDone)
			return res, err
		}

		if p == nil {
			res.Declined = true
			s.enter(StateDone)
			return res, nil
		}
		if s.maxAttempts > 0 && n >= s.maxAttempts {
			s.logger.Warn("giving up after max attempts", "attempts", n, "requested", value, "actual", res.Actual)
			s.enter(StateDone)
			return res, nil
		}

		s.enter(StateAwaitingUserDecision)

		decision, err := p.Confirm(ctx, Mismatch{
			Key:       s.setting.Key,
			Title:     s.setting.PromptTitle(),
			Message:   s.setting.PromptMessage(),
			Requested: value,
			Actual:    res.Actual,
			Attempt:   n,
		})
		if err != nil {
			s.enter(StateDone)
			return res, fmt.Errorf("waiting for retry decision: %w", err)
		}
		if decision != Retry {
			res.Declined = true
			s.enter(StateDone)
			return res, nil
		}
		s.logger.Info("retrying apply", "attempt", n+1, "requested", value)
	}
}

func (s *Syncer) attempt(ctx context.Context, value string, n int) (Result, error) {
	res := Result{Key: s.setting.Key, Requested: value, Attempts: n}

	if !s.setting.Allows(value) {
		return res, fmt.Errorf("%s: %q not in %v: %w", s.setting.Key, value, s.setting.Values, ErrInvalidValue)
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	err := s.withLock(func() error {
		s.enter(StateWriting)
		if err := s.attr.Write(value); err != nil {
			return err
		}
		s.enter(StateVerifying)
		actual, err := s.attr.Read()
		if err != nil {
			return err
		}
		res.Actual = actual
		return nil
	})
	if err != nil {
		s.finish(ctx, res, storage.OutcomeError, err, start)
		return res, fmt.Errorf("applying %s: %w", s.setting.Key, err)
	}

	res.Verified = res.Actual == value

	// The store always follows the kernel, including after a mismatch.
	if err := s.store.Put(s.setting.Key, res.Actual); err != nil {
		s.finish(ctx, res, storage.OutcomeError, err, start)
		return res, fmt.Errorf("applying %s: %w", s.setting.Key, err)
	}

	if res.Verified {
		s.finish(ctx, res, storage.OutcomeVerified, nil, start)
		s.logger.Info("applied setting", "value", value, "attempt", n)
	} else {
		s.finish(ctx, res, storage.OutcomeMismatch, nil, start)
		s.logger.Warn("kernel rejected value", "requested", value, "actual", res.Actual, "attempt", n)
	}
	return res, nil
}

func (s *Syncer) withLock(fn func() error) error {
	if s.lockPath == "" {
		return fn()
	}
	l, err := sysattr.AcquireLock(s.lockPath, 100*time.Millisecond, 50)
	if err != nil {
		return fmt.Errorf("acquiring writer lock: %w", err)
	}
	defer l.Release()
	return fn()
}

func (s *Syncer) finish(ctx context.Context, res Result, outcome string, err error, start time.Time) {
	s.metrics.observeApply(s.setting.Key, outcome, time.Since(start))

	if s.recorder == nil {
		return
	}
	rec := storage.ApplyRecord{
		ID:         uuid.New().String(),
		SettingKey: s.setting.Key,
		Requested:  res.Requested,
		Actual:     res.Actual,
		Outcome:    outcome,
		Attempt:    res.Attempts,
		Source:     SourceFromContext(ctx),
		CreatedAt:  time.Now().UTC(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if recErr := s.recorder.SaveApplyRecord(rec); recErr != nil {
		s.logger.Warn("failed to record apply attempt", "error", recErr)
	}
}
