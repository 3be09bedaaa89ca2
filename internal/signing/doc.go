// Package signing holds the ECDSA P-256 key pairs that sign offline
// licenses and processing certificates.
//
// An Authority is built once at process start, from PEM environment
// variables or an encrypted key store, and handed to whatever needs it.
// Client installs only ever get a verifier (LoadVerifier) and any attempt to
// sign there fails with KeyNotLoadedError.
package signing
