// Package hardware derives the five-slot fingerprint set that binds an
// offline license to a machine: CPU, BIOS, primary MAC, disk and board.
//
// Raw identifiers are normalized and hashed with SHA-256 inside the package;
// only hex digests (or the literal "unavailable") leave it. Slots the
// platform cannot read degrade to "unavailable" instead of failing the
// whole set, and two unavailable slots never count as a match.
package hardware
