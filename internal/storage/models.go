package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Apply outcomes recorded in apply_history.
const (
	OutcomeVerified = "verified"
	OutcomeMismatch = "mismatch"
	OutcomeError    = "error"
)

// ApplyRecord is one verified-write attempt against a kernel attribute.
type ApplyRecord struct {
	ID         string    `json:"id"`
	SettingKey string    `json:"setting_key"`
	Requested  string    `json:"requested"`
	Actual     string    `json:"actual"`
	Outcome    string    `json:"outcome"`
	Attempt    int       `json:"attempt"`
	Error      string    `json:"error,omitempty"`
	Source     string    `json:"source,omitempty"` // "cli", "http", "mcp", "monitor"
	CreatedAt  time.Time `json:"created_at"`
}
