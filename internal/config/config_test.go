package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		in   string
		want uint64
		ok   bool
	}{
		{"100", 100, true},
		{"100B", 100, true},
		{"4K", 4096, true},
		{"4k", 4096, true},
		{"256M", 256 << 20, true},
		{"2G", 2 << 30, true},
		{"1T", 1 << 40, true},
		{"1.5M", 3 << 20 / 2, true},
		{" 64K ", 65536, true},
		{"", 0, false},
		{"M", 0, false},
		{"abc", 0, false},
		{"-5", 0, false},
	}
	for _, tc := range tests {
		got, err := ParseSize(tc.in)
		if tc.ok {
			require.NoError(t, err, "input %q", tc.in)
			assert.Equal(t, tc.want, got, "input %q", tc.in)
		} else {
			assert.Error(t, err, "input %q", tc.in)
		}
	}
}

func TestLoad_MissingFileIsZeroConfig(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Nil(t, cfg.Defaults.StorageSize)
	assert.Nil(t, cfg.Defaults.BWLimit)
	assert.Nil(t, cfg.Defaults.Verbose)
}

func TestLoad_ReadsDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	cfgDir := filepath.Join(dir, "fstransform")
	require.NoError(t, os.MkdirAll(cfgDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cfgDir, "config.toml"), []byte(`
[defaults]
storage_size = "256M"
bwlimit = "50M"
verbose = true
`), 0o644))

	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg.Defaults.StorageSize)
	assert.Equal(t, "256M", *cfg.Defaults.StorageSize)
	require.NotNil(t, cfg.Defaults.BWLimit)
	assert.Equal(t, "50M", *cfg.Defaults.BWLimit)
	require.NotNil(t, cfg.Defaults.Verbose)
	assert.True(t, *cfg.Defaults.Verbose)
}
