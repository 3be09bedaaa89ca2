// Package shared holds helpers used across packages. The testutil
// subpackage provides signing keys, license fixtures and a log-capturing
// slog handler for tests outside the license package.
package shared
