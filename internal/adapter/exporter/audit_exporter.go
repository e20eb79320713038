package exporter

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/hive-corporation/c2sync/internal/core/domain"
)

// AuditRow is one line of an audit artifact. The JSON keys match the CSV
// header so both files carry the same columns.
type AuditRow struct {
	Date      string `json:"Date"`
	IPAddress string `json:"IP Address"`
}

// AuditExporter writes the additions and deletions of a run to dir as
// create_IP_<date> and delete_IP_<date>, each in CSV and JSON form.
// The files are for operators only; nothing reads them back.
type AuditExporter struct {
	fs  afero.Fs
	dir string
}

func NewAuditExporter(fs afero.Fs, dir string) *AuditExporter {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &AuditExporter{fs: fs, dir: dir}
}

// Path returns the artifact path for kind ("create" or "delete"), date and ext.
func (e *AuditExporter) Path(kind string, date time.Time, ext string) string {
	return filepath.Join(e.dir, fmt.Sprintf("%s_IP_%s.%s", kind, date.Format(domain.LedgerDateLayout), ext))
}

// ExportAdditions writes create_IP_<date>.csv and a JSON array of the same rows.
func (e *AuditExporter) ExportAdditions(date time.Time, ips []string) error {
	if len(ips) == 0 {
		return nil
	}
	rows := auditRows(date, ips)
	if err := e.writeCSV(e.Path("create", date, "csv"), rows); err != nil {
		return err
	}
	return e.writeJSON(e.Path("create", date, "json"), rows)
}

// ExportDeletions writes delete_IP_<date>.csv and a JSON object keyed by the
// address object name of each IP.
func (e *AuditExporter) ExportDeletions(date time.Time, ips []string) error {
	if len(ips) == 0 {
		return nil
	}
	rows := auditRows(date, ips)
	if err := e.writeCSV(e.Path("delete", date, "csv"), rows); err != nil {
		return err
	}

	byObject := make(map[string]AuditRow, len(rows))
	for _, row := range rows {
		byObject[domain.AddressName(row.IPAddress)] = row
	}
	return e.writeJSON(e.Path("delete", date, "json"), byObject)
}

func auditRows(date time.Time, ips []string) []AuditRow {
	day := date.Format(domain.LedgerDateLayout)
	rows := make([]AuditRow, 0, len(ips))
	for _, ip := range ips {
		rows = append(rows, AuditRow{Date: day, IPAddress: ip})
	}
	return rows
}

func (e *AuditExporter) writeCSV(path string, rows []AuditRow) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"Date", "IP Address"}); err != nil {
		return fmt.Errorf("failed to write audit header: %w", err)
	}
	for _, row := range rows {
		if err := w.Write([]string{row.Date, row.IPAddress}); err != nil {
			return fmt.Errorf("failed to write audit row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return e.write(path, buf.Bytes())
}

func (e *AuditExporter) writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return e.write(path, data)
}

func (e *AuditExporter) write(path string, data []byte) error {
	if err := e.fs.MkdirAll(e.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}
	if err := afero.WriteFile(e.fs, path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
