package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Paths contains all the application paths
// This is the single source of truth for file locations used by the license core
type Paths struct {
	BaseDir         string
	DataDir         string
	LogsDir         string
	KeysDir         string
	CertificatesDir string

	LicenseFile     string
	RevocationCache string
	KeyStoreFile    string
}

// GetPaths returns the application paths relative to the executable location
func GetPaths() (*Paths, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to get executable path: %w", err)
	}

	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve executable symlinks: %w", err)
	}

	return PathsFrom(filepath.Dir(exe)), nil
}

// PathsFrom lays out the standard directory structure under baseDir:
//
//	base/
//	  ├── license.lic
//	  ├── data/
//	  │   ├── revocations.json
//	  │   └── certificates/
//	  ├── keys/
//	  └── logs/
func PathsFrom(baseDir string) *Paths {
	dataDir := filepath.Join(baseDir, "data")
	keysDir := filepath.Join(baseDir, "keys")

	return &Paths{
		BaseDir:         baseDir,
		DataDir:         dataDir,
		LogsDir:         filepath.Join(baseDir, "logs"),
		KeysDir:         keysDir,
		CertificatesDir: filepath.Join(dataDir, "certificates"),
		LicenseFile:     filepath.Join(baseDir, "license.lic"),
		RevocationCache: filepath.Join(dataDir, "revocations.json"),
		KeyStoreFile:    filepath.Join(keysDir, "signing.key.enc"),
	}
}

// Apply overrides the default locations with any configured ones. Relative
// configured paths are resolved against BaseDir, not the working directory.
func (p *Paths) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if cfg.Validation.LicenseFile != "" {
		p.LicenseFile = p.resolve(cfg.Validation.LicenseFile)
	}
	if cfg.Revocation.CacheFile != "" {
		p.RevocationCache = cfg.Revocation.CacheFile
		if !filepath.IsAbs(p.RevocationCache) {
			p.RevocationCache = filepath.Join(p.DataDir, p.RevocationCache)
		}
	}
	if cfg.Certificates.Dir != "" {
		p.CertificatesDir = cfg.Certificates.Dir
		if !filepath.IsAbs(p.CertificatesDir) {
			p.CertificatesDir = filepath.Join(p.DataDir, p.CertificatesDir)
		}
	}
	if cfg.Signing.KeyStoreFile != "" {
		p.KeyStoreFile = p.resolve(cfg.Signing.KeyStoreFile)
	}
}

func (p *Paths) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(p.BaseDir, path)
}

// EnsureDirectories creates all required directories if they don't exist
func (p *Paths) EnsureDirectories() error {
	directories := []string{
		p.DataDir,
		p.LogsDir,
		p.CertificatesDir,
		filepath.Dir(p.RevocationCache),
	}

	logger := slog.Default()
	for _, dir := range directories {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
		logger.Debug("Ensured directory exists", slog.String("directory", dir))
	}

	// Private key material gets its own owner-only directory.
	if err := os.MkdirAll(p.KeysDir, 0700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", p.KeysDir, err)
	}

	return nil
}

// GetLogPath returns the path for a log file
func (p *Paths) GetLogPath(filename string) string {
	return filepath.Join(p.LogsDir, filename)
}

// FileExists checks if a file exists
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return !os.IsNotExist(err)
}

// LogPathResolution logs detailed path resolution information for debugging
func (p *Paths) LogPathResolution(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("Path resolution summary",
		slog.Group("directories",
			slog.String("base", p.BaseDir),
			slog.String("data", p.DataDir),
			slog.String("logs", p.LogsDir),
			slog.String("keys", p.KeysDir),
			slog.String("certificates", p.CertificatesDir),
		),
		slog.Group("files",
			slog.String("license", p.LicenseFile),
			slog.Bool("license_exists", FileExists(p.LicenseFile)),
			slog.String("revocation_cache", p.RevocationCache),
			slog.Bool("revocation_cache_exists", FileExists(p.RevocationCache)),
		),
	)
}
