// Package ledger is the issuing side's persistent record: every signed
// license, every revocation change and every processing certificate copy
// received from client installs.
//
// Three Store implementations share one contract: MemoryStore for tests and
// one-shot tools, PostgresStore and MongoStore for the issuing server.
// Revocations are never deleted; reinstating a license marks the change so
// the revocation feed can send it as a removal. ExportXLSX renders the ledger
// as an audit workbook.
package ledger
