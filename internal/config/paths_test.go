package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetPaths(t *testing.T) {
	paths, err := GetPaths()
	require.NoError(t, err)

	assert.True(t, filepath.IsAbs(paths.BaseDir))
	assert.Equal(t, filepath.Join(paths.BaseDir, "license.lic"), paths.LicenseFile)
	assert.Equal(t, filepath.Join(paths.BaseDir, "data", "revocations.json"), paths.RevocationCache)
}

func TestPathsApply(t *testing.T) {
	base := t.TempDir()
	abs := filepath.Join(t.TempDir(), "elsewhere.json")
	certs := filepath.Join(t.TempDir(), "certs")

	tests := []struct {
		name      string
		mutate    func(*Config)
		wantLic   string
		wantCache string
		wantCerts string
	}{
		{
			name:      "relative paths resolve against base",
			mutate:    func(c *Config) {},
			wantLic:   filepath.Join(base, "license.lic"),
			wantCache: filepath.Join(base, "data", "revocations.json"),
			wantCerts: filepath.Join(base, "data", "certificates"),
		},
		{
			name: "absolute cache path kept",
			mutate: func(c *Config) {
				c.Revocation.CacheFile = abs
				c.Validation.LicenseFile = "licenses/site.lic"
				c.Certificates.Dir = certs
			},
			wantLic:   filepath.Join(base, "licenses", "site.lic"),
			wantCache: abs,
			wantCerts: certs,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			paths := PathsFrom(base)
			paths.Apply(cfg)

			assert.Equal(t, tt.wantLic, paths.LicenseFile)
			assert.Equal(t, tt.wantCache, paths.RevocationCache)
			assert.Equal(t, tt.wantCerts, paths.CertificatesDir)
		})
	}
}

func TestEnsureDirectories(t *testing.T) {
	paths := PathsFrom(t.TempDir())
	require.NoError(t, paths.EnsureDirectories())

	for _, dir := range []string{paths.DataDir, paths.LogsDir, paths.CertificatesDir, paths.KeysDir} {
		info, err := os.Stat(dir)
		require.NoError(t, err, dir)
		assert.True(t, info.IsDir())
	}

	info, err := os.Stat(paths.KeysDir)
	require.NoError(t, err)
	if os.PathSeparator == '/' {
		assert.Equal(t, os.FileMode(0700), info.Mode().Perm())
	}
}

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "present.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))

	assert.True(t, FileExists(file))
	assert.False(t, FileExists(filepath.Join(dir, "missing.txt")))
}
