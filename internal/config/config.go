package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// EnvPrefix namespaces every environment variable read by Load.
const EnvPrefix = "FATHOM"

// Config represents the complete application configuration
type Config struct {
	Logging      LoggingConfig      `yaml:"logging" envconfig:"LOGGING"`
	Signing      SigningConfig      `yaml:"signing" envconfig:"SIGNING"`
	Validation   ValidationConfig   `yaml:"validation" envconfig:"VALIDATION"`
	Pinning      PinningConfig      `yaml:"pinning" envconfig:"PINNING"`
	Revocation   RevocationConfig   `yaml:"revocation" envconfig:"REVOCATION"`
	Certificates CertificatesConfig `yaml:"certificates" envconfig:"CERTIFICATES"`
	Server       ServerConfig       `yaml:"server" envconfig:"SERVER"`
	Database     DatabaseConfig     `yaml:"database" envconfig:"DATABASE"`
	Telemetry    TelemetryConfig    `yaml:"telemetry" envconfig:"TELEMETRY"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Format   string `yaml:"format" envconfig:"FORMAT" default:"json"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"console"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/license.log"`
}

// SigningConfig tells the signing authority where to find key material.
// PEM values are read from the named environment variables, never from this file directly.
type SigningConfig struct {
	LicensePrivateKeyEnv     string `yaml:"license_private_key_env" envconfig:"LICENSE_PRIVATE_KEY_ENV" default:"FATHOM_LICENSE_PRIVATE_KEY"`
	LicensePublicKeyEnv      string `yaml:"license_public_key_env" envconfig:"LICENSE_PUBLIC_KEY_ENV" default:"FATHOM_LICENSE_PUBLIC_KEY"`
	CertificatePrivateKeyEnv string `yaml:"certificate_private_key_env" envconfig:"CERTIFICATE_PRIVATE_KEY_ENV" default:"FATHOM_CERT_PRIVATE_KEY"`
	CertificatePublicKeyEnv  string `yaml:"certificate_public_key_env" envconfig:"CERTIFICATE_PUBLIC_KEY_ENV" default:"FATHOM_CERT_PUBLIC_KEY"`
	PublicKeyFile            string `yaml:"public_key_file" envconfig:"PUBLIC_KEY_FILE"`
	KeyStoreFile             string `yaml:"key_store_file" envconfig:"KEY_STORE_FILE"`
	KeyStorePassphraseEnv    string `yaml:"key_store_passphrase_env" envconfig:"KEY_STORE_PASSPHRASE_ENV" default:"FATHOM_KEYSTORE_PASSPHRASE"`
}

// ValidationConfig holds the tunable license acceptance thresholds.
type ValidationConfig struct {
	GracePeriod        time.Duration `yaml:"grace_period" envconfig:"GRACE_PERIOD" default:"0s"`
	MinHardwareMatches int           `yaml:"min_hardware_matches" envconfig:"MIN_HARDWARE_MATCHES" default:"3"`
	FingerprintTTL     time.Duration `yaml:"fingerprint_ttl" envconfig:"FINGERPRINT_TTL" default:"1h"`
	LicenseFile        string        `yaml:"license_file" envconfig:"LICENSE_FILE" default:"license.lic"`
}

// PinningConfig mirrors security.PinningConfig so it can be loaded from env or YAML.
type PinningConfig struct {
	Enabled             bool     `yaml:"enabled" envconfig:"ENABLED" default:"false"`
	UseIssuerValidation bool     `yaml:"use_issuer_validation" envconfig:"USE_ISSUER_VALIDATION" default:"false"`
	Thumbprints         []string `yaml:"thumbprints" envconfig:"THUMBPRINTS"`
	TrustedIssuers      []string `yaml:"trusted_issuers" envconfig:"TRUSTED_ISSUERS"`
}

// RevocationConfig configures the local cache and its remote sources.
type RevocationConfig struct {
	CacheFile         string        `yaml:"cache_file" envconfig:"CACHE_FILE" default:"revocations.json"`
	Endpoint          string        `yaml:"endpoint" envconfig:"ENDPOINT"`
	Timeout           time.Duration `yaml:"timeout" envconfig:"TIMEOUT" default:"15s"`
	Interval          time.Duration `yaml:"interval" envconfig:"INTERVAL" default:"6h"`
	MaxBackoff        time.Duration `yaml:"max_backoff" envconfig:"MAX_BACKOFF" default:"24h"`
	SheetID           string        `yaml:"sheet_id" envconfig:"SHEET_ID"`
	SheetRange        string        `yaml:"sheet_range" envconfig:"SHEET_RANGE" default:"Revocations!A2:C"`
	SheetsCredentials string        `yaml:"sheets_credentials" envconfig:"SHEETS_CREDENTIALS"`
}

// CertificatesConfig locates processing certificates and the server copies are uploaded to.
type CertificatesConfig struct {
	Dir            string        `yaml:"dir" envconfig:"DIR" default:"certificates"`
	UploadEndpoint string        `yaml:"upload_endpoint" envconfig:"UPLOAD_ENDPOINT"`
	UploadTimeout  time.Duration `yaml:"upload_timeout" envconfig:"UPLOAD_TIMEOUT" default:"30s"`
}

// ServerConfig contains HTTP server configuration for the revocation feed
type ServerConfig struct {
	Port            int             `yaml:"port" envconfig:"PORT" default:"8443"`
	ReadTimeout     time.Duration   `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration   `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration   `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
	RequestTimeout  time.Duration   `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT" default:"30s"`
	AdminTokenEnv   string          `yaml:"admin_token_env" envconfig:"ADMIN_TOKEN_ENV" default:"FATHOM_ADMIN_TOKEN"`
	TLSCertFile     string          `yaml:"tls_cert_file" envconfig:"TLS_CERT_FILE"`
	TLSKeyFile      string          `yaml:"tls_key_file" envconfig:"TLS_KEY_FILE"`
	RateLimit       RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig contains rate limiting configuration
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED" default:"true"`
	RPS     float64 `yaml:"rps" envconfig:"RPS" default:"20"`
	Burst   int     `yaml:"burst" envconfig:"BURST" default:"40"`
}

// DatabaseConfig selects the issuing ledger backend.
type DatabaseConfig struct {
	Driver   string `yaml:"driver" envconfig:"DRIVER" default:"memory"`
	DSN      string `yaml:"dsn" envconfig:"DSN"`
	Database string `yaml:"database" envconfig:"NAME" default:"fathom_licensing"`
	Prefix   string `yaml:"prefix" envconfig:"PREFIX" default:"fathom"`
}

// TelemetryConfig toggles OpenTelemetry exporters.
type TelemetryConfig struct {
	EnableMetrics  bool    `yaml:"enable_metrics" envconfig:"ENABLE_METRICS" default:"true"`
	EnableTracing  bool    `yaml:"enable_tracing" envconfig:"ENABLE_TRACING" default:"false"`
	TraceExporter  string  `yaml:"trace_exporter" envconfig:"TRACE_EXPORTER" default:"stdout"`
	MetricExporter string  `yaml:"metric_exporter" envconfig:"METRIC_EXPORTER" default:"prometheus"`
	SampleRatio    float64 `yaml:"sample_ratio" envconfig:"SAMPLE_RATIO" default:"1.0"`
	Environment    string  `yaml:"environment" envconfig:"ENVIRONMENT" default:"development"`
}

// Load loads configuration from environment variables and config file
func Load() (*Config, error) {
	return LoadFile(getConfigFilePath())
}

// LoadFile loads configuration from env and the given YAML file. An empty path skips the file.
func LoadFile(configFile string) (*Config, error) {
	var cfg Config

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if configFile != "" {
		if _, err := os.Stat(configFile); err == nil {
			fileConfig, err := loadFromFile(configFile)
			if err != nil {
				return nil, fmt.Errorf("failed to load config from file: %w", err)
			}
			cfg = mergeConfigs(*fileConfig, cfg)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadFromFile loads configuration from YAML file
func loadFromFile(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// mergeConfigs merges file config with env config. Values explicitly set in the
// environment win; anything the environment left at its default comes from the file.
func mergeConfigs(fileConfig, envConfig Config) Config {
	setInEnv := func(name string) bool {
		_, ok := os.LookupEnv(EnvPrefix + "_" + name)
		return ok
	}

	if fileConfig.Logging.Level != "" && !setInEnv("LOGGING_LEVEL") {
		envConfig.Logging.Level = fileConfig.Logging.Level
	}
	if fileConfig.Logging.Output != "" && !setInEnv("LOGGING_OUTPUT") {
		envConfig.Logging.Output = fileConfig.Logging.Output
	}
	if fileConfig.Logging.FilePath != "" && !setInEnv("LOGGING_FILE_PATH") {
		envConfig.Logging.FilePath = fileConfig.Logging.FilePath
	}

	if fileConfig.Signing.PublicKeyFile != "" && !setInEnv("SIGNING_PUBLIC_KEY_FILE") {
		envConfig.Signing.PublicKeyFile = fileConfig.Signing.PublicKeyFile
	}
	if fileConfig.Signing.KeyStoreFile != "" && !setInEnv("SIGNING_KEY_STORE_FILE") {
		envConfig.Signing.KeyStoreFile = fileConfig.Signing.KeyStoreFile
	}

	if fileConfig.Validation.GracePeriod != 0 && !setInEnv("VALIDATION_GRACE_PERIOD") {
		envConfig.Validation.GracePeriod = fileConfig.Validation.GracePeriod
	}
	if fileConfig.Validation.MinHardwareMatches != 0 && !setInEnv("VALIDATION_MIN_HARDWARE_MATCHES") {
		envConfig.Validation.MinHardwareMatches = fileConfig.Validation.MinHardwareMatches
	}
	if fileConfig.Validation.LicenseFile != "" && !setInEnv("VALIDATION_LICENSE_FILE") {
		envConfig.Validation.LicenseFile = fileConfig.Validation.LicenseFile
	}

	if !setInEnv("PINNING_ENABLED") && fileConfig.Pinning.Enabled {
		envConfig.Pinning.Enabled = true
	}
	if !setInEnv("PINNING_USE_ISSUER_VALIDATION") && fileConfig.Pinning.UseIssuerValidation {
		envConfig.Pinning.UseIssuerValidation = true
	}
	if len(fileConfig.Pinning.Thumbprints) > 0 && !setInEnv("PINNING_THUMBPRINTS") {
		envConfig.Pinning.Thumbprints = fileConfig.Pinning.Thumbprints
	}
	if len(fileConfig.Pinning.TrustedIssuers) > 0 && !setInEnv("PINNING_TRUSTED_ISSUERS") {
		envConfig.Pinning.TrustedIssuers = fileConfig.Pinning.TrustedIssuers
	}

	if fileConfig.Revocation.CacheFile != "" && !setInEnv("REVOCATION_CACHE_FILE") {
		envConfig.Revocation.CacheFile = fileConfig.Revocation.CacheFile
	}
	if fileConfig.Revocation.Endpoint != "" && !setInEnv("REVOCATION_ENDPOINT") {
		envConfig.Revocation.Endpoint = fileConfig.Revocation.Endpoint
	}
	if fileConfig.Revocation.Timeout != 0 && !setInEnv("REVOCATION_TIMEOUT") {
		envConfig.Revocation.Timeout = fileConfig.Revocation.Timeout
	}
	if fileConfig.Revocation.Interval != 0 && !setInEnv("REVOCATION_INTERVAL") {
		envConfig.Revocation.Interval = fileConfig.Revocation.Interval
	}
	if fileConfig.Revocation.SheetID != "" && !setInEnv("REVOCATION_SHEET_ID") {
		envConfig.Revocation.SheetID = fileConfig.Revocation.SheetID
	}

	if fileConfig.Certificates.Dir != "" && !setInEnv("CERTIFICATES_DIR") {
		envConfig.Certificates.Dir = fileConfig.Certificates.Dir
	}
	if fileConfig.Certificates.UploadEndpoint != "" && !setInEnv("CERTIFICATES_UPLOAD_ENDPOINT") {
		envConfig.Certificates.UploadEndpoint = fileConfig.Certificates.UploadEndpoint
	}

	if fileConfig.Server.Port != 0 && !setInEnv("SERVER_PORT") {
		envConfig.Server.Port = fileConfig.Server.Port
	}
	if fileConfig.Database.Driver != "" && !setInEnv("DATABASE_DRIVER") {
		envConfig.Database.Driver = fileConfig.Database.Driver
	}
	if fileConfig.Database.DSN != "" && !setInEnv("DATABASE_DSN") {
		envConfig.Database.DSN = fileConfig.Database.DSN
	}

	return envConfig
}

// Validate checks the configuration and fails fast on values that would only
// surface later as confusing runtime errors.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Logging.Output) {
	case "console", "file", "both":
	default:
		return fmt.Errorf("invalid logging output %q: must be console, file or both", c.Logging.Output)
	}
	if c.Logging.Format != "json" {
		c.Logging.Format = "json"
	}

	if c.Validation.GracePeriod < 0 {
		return fmt.Errorf("validation grace period must not be negative: %s", c.Validation.GracePeriod)
	}
	if c.Validation.MinHardwareMatches < 1 || c.Validation.MinHardwareMatches > FingerprintComponentCount {
		return fmt.Errorf("min hardware matches must be between 1 and %d, got %d",
			FingerprintComponentCount, c.Validation.MinHardwareMatches)
	}

	if err := c.Pinning.Validate(); err != nil {
		return err
	}

	if c.Revocation.Timeout < MinSyncTimeout || c.Revocation.Timeout > MaxSyncTimeout {
		return fmt.Errorf("revocation timeout must be between %s and %s, got %s",
			MinSyncTimeout, MaxSyncTimeout, c.Revocation.Timeout)
	}
	if c.Revocation.Interval <= 0 {
		return errors.New("revocation interval must be positive")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.Database.Driver {
	case "memory":
	case "postgres", "mongo":
		if c.Database.DSN == "" {
			return fmt.Errorf("database driver %s requires a DSN", c.Database.Driver)
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	return nil
}

// Validate rejects malformed thumbprints at load time. A thumbprint must be exactly
// 40 hex characters (SHA-1) unless it is the literal PLACEHOLDER sentinel.
func (p PinningConfig) Validate() error {
	for i, tp := range p.Thumbprints {
		if err := ValidateThumbprint(tp); err != nil {
			return fmt.Errorf("pinning thumbprint #%d: %w", i+1, err)
		}
	}
	for i, issuer := range p.TrustedIssuers {
		if strings.TrimSpace(issuer) == "" {
			return fmt.Errorf("pinning trusted issuer #%d is empty", i+1)
		}
	}
	if p.Enabled && len(p.Thumbprints) == 0 && (!p.UseIssuerValidation || len(p.TrustedIssuers) == 0) {
		return errors.New("pinning is enabled but no thumbprints or trusted issuers are configured")
	}
	return nil
}

// ThumbprintPlaceholder is accepted in configuration templates in place of a real thumbprint.
const ThumbprintPlaceholder = "PLACEHOLDER"

// ValidateThumbprint checks a single SHA-1 thumbprint string.
func ValidateThumbprint(tp string) error {
	if tp == ThumbprintPlaceholder {
		return nil
	}
	if len(tp) != 40 {
		return fmt.Errorf("thumbprint %q must be exactly 40 hex characters, got %d", tp, len(tp))
	}
	if _, err := hex.DecodeString(tp); err != nil {
		return fmt.Errorf("thumbprint %q is not valid hex", tp)
	}
	return nil
}

// getConfigFilePath returns the path to the config file
func getConfigFilePath() string {
	if explicit := os.Getenv(EnvPrefix + "_CONFIG_FILE"); explicit != "" {
		return explicit
	}

	locations := []string{
		"fathom.yaml",
		"configs/fathom.yaml",
		"../configs/fathom.yaml",
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}

	return ""
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Output:   "console",
			FilePath: "logs/license.log",
		},
		Signing: SigningConfig{
			LicensePrivateKeyEnv:     "FATHOM_LICENSE_PRIVATE_KEY",
			LicensePublicKeyEnv:      "FATHOM_LICENSE_PUBLIC_KEY",
			CertificatePrivateKeyEnv: "FATHOM_CERT_PRIVATE_KEY",
			CertificatePublicKeyEnv:  "FATHOM_CERT_PUBLIC_KEY",
			KeyStorePassphraseEnv:    "FATHOM_KEYSTORE_PASSPHRASE",
		},
		Validation: ValidationConfig{
			GracePeriod:        0,
			MinHardwareMatches: DefaultMinHardwareMatches,
			FingerprintTTL:     time.Hour,
			LicenseFile:        "license" + LicenseFileExtension,
		},
		Revocation: RevocationConfig{
			CacheFile:  "revocations.json",
			Timeout:    DefaultSyncTimeout,
			Interval:   6 * time.Hour,
			MaxBackoff: 24 * time.Hour,
			SheetRange: "Revocations!A2:C",
		},
		Certificates: CertificatesConfig{
			Dir:           "certificates",
			UploadTimeout: 30 * time.Second,
		},
		Server: ServerConfig{
			Port:            8443,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			RequestTimeout:  30 * time.Second,
			AdminTokenEnv:   "FATHOM_ADMIN_TOKEN",
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     20,
				Burst:   40,
			},
		},
		Database: DatabaseConfig{
			Driver:   "memory",
			Database: "fathom_licensing",
			Prefix:   "fathom",
		},
		Telemetry: TelemetryConfig{
			EnableMetrics:  true,
			TraceExporter:  "stdout",
			MetricExporter: "prometheus",
			SampleRatio:    1.0,
			Environment:    "development",
		},
	}
}
