package revocation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// SheetsSource reads the full revocation list from a Google Sheet laid out
// as LicenseId | RevokedAt | Reason, one revocation per row.
type SheetsSource struct {
	service   *sheets.Service
	sheetID   string
	readRange string
}

// NewSheetsSource connects to the Sheets API. Pass option.WithCredentialsFile
// for a service account, or option.WithHTTPClient for a pinned client.
func NewSheetsSource(ctx context.Context, sheetID, readRange string, opts ...option.ClientOption) (*SheetsSource, error) {
	if sheetID == "" {
		return nil, errors.New("sheet id is required")
	}
	if readRange == "" {
		return nil, errors.New("sheet range is required")
	}
	svc, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	return &SheetsSource{service: svc, sheetID: sheetID, readRange: readRange}, nil
}

// Name identifies the source in logs and metrics.
func (s *SheetsSource) Name() string { return "sheets" }

// Fetch reads the configured range. Sheets has no conditional read, so every
// fetch is a full list.
func (s *SheetsSource) Fetch(ctx context.Context, _ Request) (*Update, error) {
	resp, err := s.service.Spreadsheets.Values.Get(s.sheetID, s.readRange).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("read revocation sheet: %w", err)
	}
	entries, err := parseSheetRows(resp.Values)
	if err != nil {
		return nil, err
	}
	return &Update{Full: true, Entries: entries}, nil
}

var sheetDateLayouts = []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"}

// parseSheetRows converts sheet rows to entries. Blank rows are skipped; a
// row with an unparseable date fails the whole read.
func parseSheetRows(rows [][]interface{}) ([]Entry, error) {
	entries := make([]Entry, 0, len(rows))
	for i, row := range rows {
		id := cell(row, 0)
		if id == "" {
			continue
		}
		e := Entry{LicenseID: id, Reason: cell(row, 2)}

		if raw := cell(row, 1); raw != "" {
			var parsed bool
			for _, layout := range sheetDateLayouts {
				if t, err := time.Parse(layout, raw); err == nil {
					e.RevokedAt = t.UTC()
					parsed = true
					break
				}
			}
			if !parsed {
				return nil, fmt.Errorf("revocation sheet row %d: unrecognized date %q", i+1, raw)
			}
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func cell(row []interface{}, i int) string {
	if i >= len(row) || row[i] == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(row[i]))
}
