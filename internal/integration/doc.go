// Package integration holds end-to-end tests that run the issuing side and a
// client install against each other over pinned TLS.
package integration
