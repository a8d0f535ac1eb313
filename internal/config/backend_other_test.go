//go:build !darwin

package config

import (
	"path/filepath"
	"testing"
)

func TestFileBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bigmem", "config.json")

	b := openFileBackend(path)
	if err := setKeyWith(b, "server.port", "4300"); err != nil {
		t.Fatal(err)
	}
	if err := setKeyWith(b, "monitor.enabled", "false"); err != nil {
		t.Fatal(err)
	}

	reopened := openFileBackend(path)
	port, ok, err := reopened.GetInt("server.port")
	if err != nil || !ok || port != 4300 {
		t.Errorf("server.port = %d, %v, %v", port, ok, err)
	}
	enabled, ok, err := reopened.GetBool("monitor.enabled")
	if err != nil || !ok || enabled {
		t.Errorf("monitor.enabled = %v, %v, %v", enabled, ok, err)
	}
}
