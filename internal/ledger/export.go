package ledger

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
)

// Sheet names written by ExportXLSX.
const (
	SheetLicenses     = "Licenses"
	SheetRevocations  = "Revocations"
	SheetCertificates = "Certificates"
)

var (
	licenseHeader = []interface{}{
		"License ID", "License Key", "Customer", "Email", "Product", "Tier", "Subscription",
		"Type", "Issued At", "Expires At", "Modules", "Hardware Bound", "Status",
	}
	revocationHeader = []interface{}{
		"License ID", "Revoked At", "Reason", "Reinstated", "Updated At",
	}
	certificateHeader = []interface{}{
		"Certificate ID", "Module", "Version", "Project", "Client", "Vessel",
		"License ID", "Issued At", "Issued By", "Data Hash",
	}
)

// ExportXLSX writes the ledger as an audit workbook with one sheet each for
// licenses, revocations and certificates.
func ExportXLSX(ctx context.Context, store Store, w io.Writer) error {
	licenses, err := store.ListIssued(ctx)
	if err != nil {
		return err
	}
	changes, err := store.ListRevocations(ctx, time.Time{})
	if err != nil {
		return err
	}
	certs, err := store.ListCertificates(ctx)
	if err != nil {
		return err
	}

	revoked := make(map[string]bool, len(changes))
	for _, c := range changes {
		revoked[c.Entry.LicenseID] = !c.Reinstated
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetLicenses); err != nil {
		return fmt.Errorf("prepare workbook: %w", err)
	}
	for _, name := range []string{SheetRevocations, SheetCertificates} {
		if _, err := f.NewSheet(name); err != nil {
			return fmt.Errorf("prepare workbook: %w", err)
		}
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("prepare workbook: %w", err)
	}

	lw := newSheetWriter(f, SheetLicenses, bold, licenseHeader)
	for _, rec := range licenses {
		status := "Active"
		if revoked[rec.LicenseID] {
			status = "Revoked"
		}
		lw.row(
			rec.LicenseID, rec.LicenseKey, rec.CustomerName, rec.CustomerEmail, rec.ProductName,
			rec.Tier.String(), rec.SubscriptionType.String(), rec.LicenseType.String(),
			cellTime(rec.IssuedAt), cellExpiry(rec.ExpiresAt),
			strings.Join(rec.EnabledModules, ", "), rec.Offline(), status,
		)
	}

	rw := newSheetWriter(f, SheetRevocations, bold, revocationHeader)
	for _, c := range changes {
		rw.row(c.Entry.LicenseID, cellTime(c.Entry.RevokedAt), c.Entry.Reason, c.Reinstated, cellTime(c.UpdatedAt))
	}

	cw := newSheetWriter(f, SheetCertificates, bold, certificateHeader)
	for _, rec := range certs {
		cw.row(
			rec.CertificateID, rec.ModuleID, rec.ModuleVersion, rec.ProjectName, rec.ClientName,
			rec.VesselName, rec.LicenseID, cellTime(rec.IssuedAt), rec.IssuedBy, rec.DataHash,
		)
	}

	for _, sw := range []*sheetWriter{lw, rw, cw} {
		if sw.err != nil {
			return fmt.Errorf("write %s sheet: %w", sw.sheet, sw.err)
		}
	}
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

// sheetWriter appends rows and keeps the first error.
type sheetWriter struct {
	f     *excelize.File
	sheet string
	next  int
	err   error
}

func newSheetWriter(f *excelize.File, sheet string, headerStyle int, header []interface{}) *sheetWriter {
	sw := &sheetWriter{f: f, sheet: sheet, next: 1}
	sw.row(header...)
	if sw.err == nil {
		sw.err = f.SetRowStyle(sheet, 1, 1, headerStyle)
	}
	if sw.err == nil {
		last, err := excelize.ColumnNumberToName(len(header))
		if err != nil {
			sw.err = err
		} else {
			sw.err = f.SetColWidth(sheet, "A", last, 22)
		}
	}
	return sw
}

func (sw *sheetWriter) row(values ...interface{}) {
	if sw.err != nil {
		return
	}
	cell, err := excelize.CoordinatesToCellName(1, sw.next)
	if err != nil {
		sw.err = err
		return
	}
	sw.err = sw.f.SetSheetRow(sw.sheet, cell, &values)
	sw.next++
}

func cellTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func cellExpiry(t *time.Time) string {
	if t == nil {
		return "Never"
	}
	return cellTime(*t)
}
