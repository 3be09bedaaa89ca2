package hardware

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"strings"

	apperrors "fathomlicense/internal/errors"
)

// ParseFingerprintList reads the newline-separated list a validating machine
// prints for the issuing tool. Blank lines and lines starting with # are
// skipped. Entries must be 64 hex characters or "unavailable". With strict
// set the list must hold exactly ComponentCount entries.
func ParseFingerprintList(text string, strict bool) (Set, error) {
	var set Set

	scanner := bufio.NewScanner(strings.NewReader(text))
	line := 0
	for scanner.Scan() {
		line++
		entry := strings.TrimSpace(scanner.Text())
		if entry == "" || strings.HasPrefix(entry, "#") {
			continue
		}
		// tolerate "cpu: <hash>" labels as printed by FormatFingerprintList
		if _, value, ok := strings.Cut(entry, ":"); ok {
			entry = strings.TrimSpace(value)
		}
		entry = strings.ToLower(entry)

		if entry != Unavailable {
			if len(entry) != 64 {
				return nil, fmt.Errorf("%w: line %d must be 64 hex characters, got %d", apperrors.ErrInvalidFingerprint, line, len(entry))
			}
			if _, err := hex.DecodeString(entry); err != nil {
				return nil, fmt.Errorf("%w: line %d is not hex", apperrors.ErrInvalidFingerprint, line)
			}
		}
		set = append(set, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read fingerprint list: %w", err)
	}

	if len(set) == 0 {
		return nil, fmt.Errorf("%w: no fingerprints supplied", apperrors.ErrInvalidFingerprint)
	}
	if strict && len(set) != ComponentCount {
		return nil, fmt.Errorf("%w: expected %d fingerprints, got %d", apperrors.ErrInvalidFingerprint, ComponentCount, len(set))
	}
	return set, nil
}

// FormatFingerprintList renders a set one entry per line, labelled with the
// component name so an operator can tell the slots apart.
func FormatFingerprintList(set Set) string {
	var b strings.Builder
	for i, fp := range set {
		name := Component(i).String()
		fmt.Fprintf(&b, "%s: %s\n", name, fp)
	}
	return b.String()
}
