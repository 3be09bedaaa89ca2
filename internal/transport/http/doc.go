// Package http serves the issuing side's revocation feed and certificate
// intake over chi.
//
// Routes:
//
//	GET    /healthz                          ledger reachability
//	GET    /metrics                          Prometheus exposition
//	GET    /api/v1/revocations[?since=T]     full list, or changes after T
//	POST   /api/v1/revocations               revoke (admin token)
//	DELETE /api/v1/revocations/{licenseID}   reinstate (admin token)
//	POST   /api/v1/certificates              store a verified certificate copy
//
// The feed answers If-None-Match with 304. Delta responses list reinstated
// licenses under "removed". Errors are RFC 7807 problem details.
package http
