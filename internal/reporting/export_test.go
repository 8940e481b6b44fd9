package reporting

import (
	"bytes"
	"testing"
	"time"
)

func sampleReport() *DispatchReport {
	return &DispatchReport{
		From:              time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		To:                time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		CommandsIssued:    42,
		CommandsCompleted: 37,
		CommandsFailed:    3,
		CommandsCancelled: 2,
		WebhooksSucceeded: 118,
		WebhooksFailed:    5,
		MessagesDelivered: 40,
		MessagesExpired:   1,
		Devices: []DeviceLine{
			{DeviceID: "dev-1", Issued: 30, Completed: 28, Failed: 1, Cancelled: 1},
			{DeviceID: "dev-2", Issued: 12, Completed: 9, Failed: 2, Cancelled: 1},
		},
		GeneratedAt: time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC),
	}
}

func TestExportPDF(t *testing.T) {
	data, err := ExportPDF(sampleReport())
	if err != nil {
		t.Fatalf("export pdf: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("%PDF")) {
		t.Fatalf("expected a PDF document, got %q", data[:min(len(data), 8)])
	}
}

func TestExportXLSX(t *testing.T) {
	data, err := ExportXLSX(sampleReport())
	if err != nil {
		t.Fatalf("export xlsx: %v", err)
	}
	// XLSX files are zip archives.
	if !bytes.HasPrefix(data, []byte("PK")) {
		t.Fatalf("expected a zip container, got %q", data[:min(len(data), 4)])
	}
}

func TestExportRejectsNilReport(t *testing.T) {
	if _, err := ExportPDF(nil); err == nil {
		t.Fatal("expected nil report to be rejected")
	}
	if _, err := ExportXLSX(nil); err == nil {
		t.Fatal("expected nil report to be rejected")
	}
}
