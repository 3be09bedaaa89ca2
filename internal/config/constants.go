package config

import "time"

// Application constants
const (
	AppName    = "FathomOS License Core"
	AppVersion = "1.0.0"

	// License file format
	LicenseFileExtension = ".lic"
	LicenseKeyPrefix     = "FOS"

	// Revocation sync
	DefaultSyncTimeout = 15 * time.Second
	MinSyncTimeout     = 10 * time.Second
	MaxSyncTimeout     = 30 * time.Second

	// Hardware binding
	FingerprintComponentCount = 5
	DefaultMinHardwareMatches = 3

	// Support contact surfaced with revoked licenses
	SupportEmail = "support@fathomos.com"
	RenewalURL   = "https://fathomos.com/renew"
)
