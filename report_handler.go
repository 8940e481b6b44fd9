package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"fleet-dispatch/internal/reporting"
)

// reportBuilder assembles a dispatch report for the given window.
type reportBuilder func(ctx context.Context, from, to time.Time) (*reporting.DispatchReport, error)

// dispatchReportHandler serves operator-triggered report exports. The window
// defaults to the last 24 hours; "from" and "to" query parameters (RFC 3339)
// override it, and "format" selects pdf (default) or xlsx.
func dispatchReportHandler(build reportBuilder, logger *log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		now := time.Now().UTC()
		from := now.Add(-24 * time.Hour)
		to := now
		if raw := r.URL.Query().Get("from"); raw != "" {
			parsed, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				http.Error(w, "invalid from timestamp", http.StatusBadRequest)
				return
			}
			from = parsed
		}
		if raw := r.URL.Query().Get("to"); raw != "" {
			parsed, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				http.Error(w, "invalid to timestamp", http.StatusBadRequest)
				return
			}
			to = parsed
		}
		if !to.After(from) {
			http.Error(w, "report window is empty", http.StatusBadRequest)
			return
		}

		format := r.URL.Query().Get("format")
		if format == "" {
			format = "pdf"
		}

		report, err := build(r.Context(), from, to)
		if err != nil {
			logger.Printf("dispatch report build error: %v", err)
			http.Error(w, "report build failed", http.StatusInternalServerError)
			return
		}

		var body []byte
		var contentType, extension string
		switch format {
		case "pdf":
			body, err = reporting.ExportPDF(report)
			contentType = "application/pdf"
			extension = "pdf"
		case "xlsx":
			body, err = reporting.ExportXLSX(report)
			contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
			extension = "xlsx"
		default:
			http.Error(w, "unsupported format", http.StatusBadRequest)
			return
		}
		if err != nil {
			logger.Printf("dispatch report export error: %v", err)
			http.Error(w, "report export failed", http.StatusInternalServerError)
			return
		}

		filename := fmt.Sprintf("dispatch-report-%s.%s", from.Format("20060102"), extension)
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	}
}
