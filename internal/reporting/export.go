package reporting

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	"fleet-dispatch/internal/observability/metrics"
)

// ExportPDF renders a dispatch report as PDF.
func ExportPDF(report *DispatchReport) ([]byte, error) {
	started := time.Now()
	data, err := buildPDF(report)
	if err != nil {
		metrics.ObserveReportExport("pdf", metrics.ResultError, time.Since(started))
		return nil, err
	}
	metrics.ObserveReportExport("pdf", metrics.ResultSuccess, time.Since(started))
	return data, nil
}

// ExportXLSX renders a dispatch report as XLSX.
func ExportXLSX(report *DispatchReport) ([]byte, error) {
	started := time.Now()
	data, err := buildXLSX(report)
	if err != nil {
		metrics.ObserveReportExport("xlsx", metrics.ResultError, time.Since(started))
		return nil, err
	}
	metrics.ObserveReportExport("xlsx", metrics.ResultSuccess, time.Since(started))
	return data, nil
}

func buildPDF(report *DispatchReport) ([]byte, error) {
	if report == nil {
		return nil, errors.New("reporting: nil report")
	}
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Dispatch Report")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Period: %s - %s", report.From.Format("2006-01-02"), report.To.Format("2006-01-02")))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Generated: %s", report.GeneratedAt.Format(time.RFC3339)))
	pdf.Ln(8)

	pdf.Cell(0, 6, fmt.Sprintf("Commands issued: %d", report.CommandsIssued))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Commands completed: %d", report.CommandsCompleted))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Commands failed: %d", report.CommandsFailed))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Commands cancelled: %d", report.CommandsCancelled))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Webhook deliveries: %d succeeded / %d failed", report.WebhooksSucceeded, report.WebhooksFailed))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Push messages: %d delivered / %d expired", report.MessagesDelivered, report.MessagesExpired))
	pdf.Ln(8)

	// Per-device table
	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(60, 6, "Device", "1", 0, "C", false, 0, "")
	pdf.CellFormat(30, 6, "Issued", "1", 0, "C", false, 0, "")
	pdf.CellFormat(30, 6, "Completed", "1", 0, "C", false, 0, "")
	pdf.CellFormat(30, 6, "Failed", "1", 0, "C", false, 0, "")
	pdf.CellFormat(30, 6, "Cancelled", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 10)
	for _, line := range report.Devices {
		pdf.CellFormat(60, 6, line.DeviceID, "1", 0, "L", false, 0, "")
		pdf.CellFormat(30, 6, fmt.Sprintf("%d", line.Issued), "1", 0, "R", false, 0, "")
		pdf.CellFormat(30, 6, fmt.Sprintf("%d", line.Completed), "1", 0, "R", false, 0, "")
		pdf.CellFormat(30, 6, fmt.Sprintf("%d", line.Failed), "1", 0, "R", false, 0, "")
		pdf.CellFormat(30, 6, fmt.Sprintf("%d", line.Cancelled), "1", 0, "R", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func buildXLSX(report *DispatchReport) ([]byte, error) {
	if report == nil {
		return nil, errors.New("reporting: nil report")
	}
	f := excelize.NewFile()
	summarySheet := "summary"
	devicesSheet := "devices"
	f.SetSheetName("Sheet1", summarySheet)
	f.NewSheet(devicesSheet)

	_ = f.SetCellValue(summarySheet, "A1", "Dispatch Report")
	_ = f.SetCellValue(summarySheet, "A3", "From")
	_ = f.SetCellValue(summarySheet, "B3", report.From.Format("2006-01-02"))
	_ = f.SetCellValue(summarySheet, "A4", "To")
	_ = f.SetCellValue(summarySheet, "B4", report.To.Format("2006-01-02"))
	_ = f.SetCellValue(summarySheet, "A5", "Commands issued")
	_ = f.SetCellValue(summarySheet, "B5", report.CommandsIssued)
	_ = f.SetCellValue(summarySheet, "A6", "Commands completed")
	_ = f.SetCellValue(summarySheet, "B6", report.CommandsCompleted)
	_ = f.SetCellValue(summarySheet, "A7", "Commands failed")
	_ = f.SetCellValue(summarySheet, "B7", report.CommandsFailed)
	_ = f.SetCellValue(summarySheet, "A8", "Commands cancelled")
	_ = f.SetCellValue(summarySheet, "B8", report.CommandsCancelled)
	_ = f.SetCellValue(summarySheet, "A9", "Webhooks succeeded")
	_ = f.SetCellValue(summarySheet, "B9", report.WebhooksSucceeded)
	_ = f.SetCellValue(summarySheet, "A10", "Webhooks failed")
	_ = f.SetCellValue(summarySheet, "B10", report.WebhooksFailed)
	_ = f.SetCellValue(summarySheet, "A11", "Messages delivered")
	_ = f.SetCellValue(summarySheet, "B11", report.MessagesDelivered)
	_ = f.SetCellValue(summarySheet, "A12", "Messages expired")
	_ = f.SetCellValue(summarySheet, "B12", report.MessagesExpired)

	_ = f.SetCellValue(devicesSheet, "A1", "Device")
	_ = f.SetCellValue(devicesSheet, "B1", "Issued")
	_ = f.SetCellValue(devicesSheet, "C1", "Completed")
	_ = f.SetCellValue(devicesSheet, "D1", "Failed")
	_ = f.SetCellValue(devicesSheet, "E1", "Cancelled")
	for i, line := range report.Devices {
		row := i + 2
		_ = f.SetCellValue(devicesSheet, fmt.Sprintf("A%d", row), line.DeviceID)
		_ = f.SetCellValue(devicesSheet, fmt.Sprintf("B%d", row), line.Issued)
		_ = f.SetCellValue(devicesSheet, fmt.Sprintf("C%d", row), line.Completed)
		_ = f.SetCellValue(devicesSheet, fmt.Sprintf("D%d", row), line.Failed)
		_ = f.SetCellValue(devicesSheet, fmt.Sprintf("E%d", row), line.Cancelled)
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
