// Package config provides centralized configuration management for the license core.
// It handles loading configuration from environment variables and an optional YAML
// file, validation, and the on-disk layout of license, key and cache files.
//
// # Configuration Sources
//
// Configuration is loaded from the following sources in order of precedence:
//
//	1. Environment variables (highest priority)
//	2. YAML configuration file (fathom.yaml, or FATHOM_CONFIG_FILE)
//	3. Default values (lowest priority)
//
// # Environment Variables
//
// All environment variables follow the pattern FATHOM_* for namespacing:
//
//	FATHOM_VALIDATION_GRACE_PERIOD=72h
//	FATHOM_VALIDATION_MIN_HARDWARE_MATCHES=3
//	FATHOM_PINNING_ENABLED=true
//	FATHOM_PINNING_THUMBPRINTS=A1B2...,C3D4...
//	FATHOM_REVOCATION_ENDPOINT=https://licensing.fathomos.com/api/v1/revocations
//
// Key material is never placed in the config file. SigningConfig only names the
// environment variables that hold PEM encoded keys.
//
// # Validation
//
// Load fails on invalid values rather than deferring the failure to first use.
// In particular every pinning thumbprint must be 40 hex characters or the
// literal PLACEHOLDER.
package config
