// Package prefs persists the last known value of each managed setting.
package prefs

import "github.com/kalambet/bigmem/internal/storage"

// ErrNotFound is returned by a Store when a key has never been written.
var ErrNotFound = storage.ErrNotFound

// Store defines the persistence operations the Manager needs.
// Implemented by storage.Store and FileStore.
type Store interface {
	SetPreference(key, value string) error
	GetPreference(key string) (string, error)
	AllPreferences() (map[string]string, error)
}
