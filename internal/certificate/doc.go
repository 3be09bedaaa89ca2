// Package certificate issues and verifies processing certificates.
//
// A certificate records that a FathomOS module processed a data set: which
// module and version, for which project, under which license, and the
// SHA-256 of the processed output. It is signed with the certificate key,
// a key pair kept separate from the license key.
//
// Certificates are stored locally by FileStore and later copied to the
// tracking server by Uploader. Sync bookkeeping lives outside the signed
// content, so marking a certificate Synced never invalidates it.
package certificate
