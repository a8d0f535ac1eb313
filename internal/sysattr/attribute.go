// Package sysattr reads and writes single-value kernel attributes exposed as
// pseudo-files (sysfs, procfs).
package sysattr

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"syscall"
)

// ErrUnsupported is returned by Probe when the attribute path does not exist,
// meaning the kernel feature behind it is not present on this host.
var ErrUnsupported = errors.New("attribute not supported")

// IOError reports a failed read or write on an attribute that exists.
type IOError struct {
	Op   string // "read" or "write"
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Attribute is a probed, existing attribute file.
type Attribute struct {
	path string
}

// IsSupported reports whether path exists. It has no side effects.
func IsSupported(path string) bool {
	_, err := os.Stat(path)
	if err == nil {
		return true
	}
	// ENOTDIR: a parent component is a regular file, so path cannot exist.
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
		return false
	}
	// stat failed for another reason (e.g. permission on a parent); the
	// node is there, reads and writes will surface the real error.
	return true
}

// Probe returns an Attribute for path, or ErrUnsupported when it is absent.
func Probe(path string) (*Attribute, error) {
	if path == "" {
		return nil, fmt.Errorf("empty attribute path: %w", ErrUnsupported)
	}
	if !IsSupported(path) {
		return nil, fmt.Errorf("%s: %w", path, ErrUnsupported)
	}
	return &Attribute{path: path}, nil
}

// Path returns the attribute's filesystem path.
func (a *Attribute) Path() string { return a.path }

// Read returns the attribute's current value with trailing newlines removed.
func (a *Attribute) Read() (string, error) {
	b, err := os.ReadFile(a.path)
	if err != nil {
		return "", &IOError{Op: "read", Path: a.path, Err: err}
	}
	return strings.TrimRight(string(b), "\r\n"), nil
}

// Write replaces the attribute's value. The kernel may still reject or
// coerce the value silently; callers that care must read it back.
func (a *Attribute) Write(value string) error {
	if err := os.WriteFile(a.path, []byte(value), 0o644); err != nil {
		return &IOError{Op: "write", Path: a.path, Err: err}
	}
	return nil
}
