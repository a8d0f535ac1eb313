//go:build !unix

package sysattr

import (
	"errors"
	"time"
)

// ErrLocked is returned by TryLock when another process holds the lock.
var ErrLocked = errors.New("lock held by another process")

// Lock is a no-op on platforms without flock(2); kernel attributes only
// exist on Linux, so there is nothing to serialize elsewhere.
type Lock struct{}

func TryLock(path string) (*Lock, error) { return &Lock{}, nil }

func AcquireLock(path string, interval time.Duration, tries int) (*Lock, error) {
	return &Lock{}, nil
}

func (l *Lock) Release() {}
