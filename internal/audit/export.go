package audit

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/peerswarm/lease-coordinator/internal/types"
)

// SheetName is the worksheet audit exports are written to
const SheetName = "Audit"

var exportHeaders = []string{"ID", "Created At", "Kind", "Task ID", "Peer ID", "Lease ID", "Reason", "Details"}

// WriteXLSX writes records as a single-sheet workbook
func WriteXLSX(w io.Writer, records []types.AuditRecord) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetName); err != nil {
		return fmt.Errorf("failed to rename sheet: %w", err)
	}

	if err := f.SetSheetRow(SheetName, "A1", &exportHeaders); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err == nil {
		_ = f.SetRowStyle(SheetName, 1, 1, bold)
	}

	for i, rec := range records {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		row := []any{
			rec.ID,
			rec.CreatedAt.UTC().Format(time.RFC3339),
			string(rec.Kind),
			rec.TaskID,
			rec.PeerID,
			rec.LeaseID,
			rec.Reason,
			string(rec.Details),
		}
		if err := f.SetSheetRow(SheetName, cell, &row); err != nil {
			return fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}

	_ = f.SetColWidth(SheetName, "B", "B", 22)
	_ = f.SetColWidth(SheetName, "C", "F", 26)
	_ = f.SetColWidth(SheetName, "H", "H", 60)

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}
