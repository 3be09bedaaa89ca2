// Package app wires and runs the revocation server: configuration, ledger,
// telemetry, the chi router and the HTTP server lifecycle.
//
// # Initialization Flow
//
//	1. Initialize OpenTelemetry from the telemetry config
//	2. Open the ledger selected by the database config
//	3. Load the certificate public key (intake is disabled without it)
//	4. Build the router and the http.Server
//
// # Graceful Shutdown
//
// Run stops on SIGINT or SIGTERM. In-flight requests are drained within the
// shutdown timeout, then the ledger connection and telemetry providers are
// closed. Errors are returned to the caller; the package never calls os.Exit.
package app
