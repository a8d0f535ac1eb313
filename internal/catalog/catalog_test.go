package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_BuiltinBigmem(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	s, err := c.Get(BigmemKey)
	require.NoError(t, err)
	assert.Equal(t, BigmemPath, s.Path)
	assert.True(t, s.Allows("1"))
	assert.False(t, s.Allows("2"))
}

func TestGet_Unknown(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	_, err = c.Get("nope")
	assert.ErrorIs(t, err, ErrUnknownSetting)
}

func TestParse_MergesAndOverrides(t *testing.T) {
	data := []byte(`
settings:
  - key: bigmem
    path: /tmp/uacma/enable
  - key: ksm
    path: /sys/kernel/mm/ksm/run
    title: Kernel samepage merging
    values: ["0", "1", "2"]
`)
	c, err := Parse(data)
	require.NoError(t, err)

	list := c.List()
	require.Len(t, list, 2)
	assert.Equal(t, "bigmem", list[0].Key)
	assert.Equal(t, "ksm", list[1].Key)

	bigmem, _ := c.Get("bigmem")
	assert.Equal(t, "/tmp/uacma/enable", bigmem.Path)
	assert.True(t, bigmem.Allows("anything"), "override without values accepts any value")

	ksm, _ := c.Get("ksm")
	assert.Equal(t, "Unable to change Kernel samepage merging", ksm.PromptTitle())
	assert.NotEmpty(t, ksm.PromptMessage())
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"malformed", "settings: [ {key: "},
		{"missing path", "settings:\n  - key: ksm\n"},
		{"missing key", "settings:\n  - path: /sys/x\n"},
		{"duplicate", "settings:\n  - {key: a, path: /x}\n  - {key: a, path: /y}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.Len(t, c.List(), 1)

	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte("settings:\n  - {key: thp, path: /sys/kernel/mm/transparent_hugepage/enabled}\n"), 0o644))

	c, err = Load(path)
	require.NoError(t, err)
	assert.Len(t, c.List(), 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestMarshal_RoundTrip(t *testing.T) {
	c, err := New(Setting{Key: "ksm", Path: "/sys/kernel/mm/ksm/run", Values: []string{"0", "1"}})
	require.NoError(t, err)

	out, err := c.Marshal()
	require.NoError(t, err)

	back, err := Parse(out)
	require.NoError(t, err)
	assert.Equal(t, c.List(), back.List())
}
