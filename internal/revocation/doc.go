// Package revocation keeps the local list of revoked license ids.
//
// Lookups are served from an immutable Snapshot held in an atomic pointer, so
// a validation running during a refresh sees either the old or the new set,
// never a mix. SyncFromRemote is all-or-nothing: a fetch, validation or
// persistence failure leaves the cached set exactly as it was. The set is
// persisted to disk with a temp file and rename and reloaded by Open, so
// revocation knowledge survives restarts and works fully offline.
package revocation
