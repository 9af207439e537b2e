package flow

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"tickstock-stream/internal/models"

	"github.com/xuri/excelize/v2"
)

const exportSheet = "Flows"

// ExportHeader 审计导出表头
var ExportHeader = []string{
	"Flow ID", "Checkpoint", "Timestamp (UTC)", "Source", "Channel",
	"Symbol", "Pattern", "Tier", "Confidence", "Context",
}

// ExportXLSX 将检查点写成 XLSX 工作簿
func ExportXLSX(w io.Writer, records []models.FlowRecord) error {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(exportSheet)
	if err != nil {
		return fmt.Errorf("failed to create sheet: %w", err)
	}
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return fmt.Errorf("failed to delete default sheet: %w", err)
	}
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
	})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}

	for col, header := range ExportHeader {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(exportSheet, cell, header); err != nil {
			return fmt.Errorf("failed to set header cell %s: %w", cell, err)
		}
		if err := f.SetCellStyle(exportSheet, cell, cell, headerStyle); err != nil {
			return fmt.Errorf("failed to set header style: %w", err)
		}
	}

	widths := []float64{38, 16, 26, 18, 28, 10, 18, 10, 12, 40}
	for i, width := range widths {
		col, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return err
		}
		if err := f.SetColWidth(exportSheet, col, col, width); err != nil {
			return fmt.Errorf("failed to set column width: %w", err)
		}
	}

	for i, rec := range records {
		row := make([]interface{}, 0, len(ExportHeader))
		row = append(row,
			rec.FlowID,
			string(rec.Checkpoint),
			rec.Timestamp.UTC().Format(time.RFC3339Nano),
			rec.SourceSystem,
			rec.Channel,
			rec.Symbol,
			rec.Pattern,
			string(rec.Tier),
		)
		if rec.Confidence != nil {
			row = append(row, *rec.Confidence)
		} else {
			row = append(row, nil)
		}
		if len(rec.Context) > 0 {
			ctxJSON, err := json.Marshal(rec.Context)
			if err != nil {
				return fmt.Errorf("failed to marshal context for %s: %w", rec.FlowID, err)
			}
			row = append(row, string(ctxJSON))
		} else {
			row = append(row, nil)
		}

		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(exportSheet, cell, &row); err != nil {
			return fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}

	// 冻结表头
	if err := f.SetPanes(exportSheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return fmt.Errorf("failed to freeze panes: %w", err)
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}
