package ledger

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/hive-corporation/c2sync/internal/core/domain"
)

const (
	// ObservedPrefix names the ledger of IPs observed on a day.
	ObservedPrefix = "detect_IP"
	// CarryPrefix names the ledger of IPs kept blocked after a day's run.
	CarryPrefix = "yesterday_detect_IP"
)

var header = []string{"Date", "IP Address"}

// FileLedger stores one CSV file per day under dir, named <prefix>_<YYYY-MM-DD>.csv
// with a Date,IP Address header.
type FileLedger struct {
	fs     afero.Fs
	dir    string
	prefix string

	mu    sync.Mutex
	index map[string]*domain.IPSet
}

func NewFileLedger(fs afero.Fs, dir, prefix string) *FileLedger {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &FileLedger{
		fs:     fs,
		dir:    dir,
		prefix: prefix,
		index:  make(map[string]*domain.IPSet),
	}
}

// Path returns the file backing date.
func (l *FileLedger) Path(date time.Time) string {
	return filepath.Join(l.dir, fmt.Sprintf("%s_%s.csv", l.prefix, date.Format(domain.LedgerDateLayout)))
}

// Append writes ip for date unless it is already in the file. The header is
// written when the file is created.
func (l *FileLedger) Append(ctx context.Context, date time.Time, ip string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	set, err := l.loadIndex(date)
	if err != nil {
		return err
	}
	if set.Contains(ip) {
		return nil
	}

	if err := l.fs.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create ledger dir: %w", err)
	}

	path := l.Path(date)
	f, err := l.fs.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open ledger %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat ledger %s: %w", path, err)
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(header); err != nil {
			return fmt.Errorf("failed to write ledger header: %w", err)
		}
	}
	if err := w.Write([]string{date.Format(domain.LedgerDateLayout), ip}); err != nil {
		return fmt.Errorf("failed to write ledger row: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to flush ledger %s: %w", path, err)
	}

	set.Add(ip)
	return nil
}

// ReadAll returns the IPs recorded for date in file order, without duplicates.
func (l *FileLedger) ReadAll(ctx context.Context, date time.Time) ([]string, error) {
	rows, err := l.ReadRows(ctx, date)
	if err != nil {
		return nil, err
	}
	set := domain.NewIPSet()
	for _, r := range rows {
		set.Add(r.IP)
	}
	return set.Slice(), nil
}

// ReadRows returns every well-formed row of the file for date. Rows with an
// unparsable date or IP are skipped.
func (l *FileLedger) ReadRows(ctx context.Context, date time.Time) ([]domain.IndicatorRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readRows(date)
}

func (l *FileLedger) readRows(date time.Time) ([]domain.IndicatorRecord, error) {
	path := l.Path(date)
	f, err := l.fs.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, domain.ErrLedgerMissing
		}
		return nil, fmt.Errorf("failed to open ledger %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	var rows []domain.IndicatorRecord
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return rows, fmt.Errorf("failed to read ledger %s: %w", path, err)
		}
		if len(record) < 2 || strings.EqualFold(strings.TrimSpace(record[0]), header[0]) {
			continue
		}
		observed, err := domain.ParseLedgerDate(record[0])
		if err != nil {
			continue
		}
		ip := domain.NormalizeIP(record[1])
		if ip == "" {
			continue
		}
		rows = append(rows, domain.IndicatorRecord{IP: ip, ObservedDate: observed})
	}
	return rows, nil
}

// Replace overwrites the file for date with rows. Each row keeps its own
// observed date in the Date column.
func (l *FileLedger) Replace(ctx context.Context, date time.Time, rows []domain.IndicatorRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.fs.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create ledger dir: %w", err)
	}

	path := l.Path(date)
	tmp := path + ".tmp"
	f, err := l.fs.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create ledger %s: %w", tmp, err)
	}

	set := domain.NewIPSet()
	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		f.Close()
		return fmt.Errorf("failed to write ledger header: %w", err)
	}
	for _, row := range rows {
		if !set.Add(row.IP) {
			continue
		}
		if err := w.Write([]string{row.ObservedDate.Format(domain.LedgerDateLayout), row.IP}); err != nil {
			f.Close()
			return fmt.Errorf("failed to write ledger row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("failed to flush ledger %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close ledger %s: %w", tmp, err)
	}

	if err := l.fs.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to move ledger into place: %w", err)
	}

	l.index[l.key(date)] = set
	return nil
}

// loadIndex returns the in-memory IP set for date, reading the file on first use.
func (l *FileLedger) loadIndex(date time.Time) (*domain.IPSet, error) {
	key := l.key(date)
	if set, ok := l.index[key]; ok {
		return set, nil
	}

	set := domain.NewIPSet()
	rows, err := l.readRows(date)
	if err != nil && !errors.Is(err, domain.ErrLedgerMissing) {
		return nil, err
	}
	for _, r := range rows {
		set.Add(r.IP)
	}
	l.index[key] = set
	return set, nil
}

func (l *FileLedger) key(date time.Time) string {
	return date.Format(domain.LedgerDateLayout)
}
