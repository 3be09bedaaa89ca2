// Package license issues and validates FathomOS offline licenses.
//
// A license is a Record signed with the license ECDSA key over its
// canonical bytes (see Canonicalize) and distributed as a JSON .lic file.
// Validation is a fixed sequence of checks, each of which can end it:
//
//	Corrupt           the file does not decode, or uses a newer format
//	SignatureInvalid  the signature does not cover the decoded content
//	Revoked           the id is in the local revocation cache
//	Expired           ExpiresAt is not after now minus the grace period
//	HardwareMismatch  too few fingerprint components match this machine
//	Valid
//
// Every outcome is a Status in a Result. Errors are reserved for failures
// outside the license itself, such as an unreadable file.
package license
