package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hive-corporation/c2sync/internal/core/domain"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.Local)
}

func TestAppendWritesHeaderOnce(t *testing.T) {
	fs := afero.NewMemMapFs()
	l := NewFileLedger(fs, "/work/input", ObservedPrefix)
	ctx := context.Background()
	d := day(2026, 10, 19)

	require.NoError(t, l.Append(ctx, d, "192.0.2.1"))
	require.NoError(t, l.Append(ctx, d, "192.0.2.2"))
	require.NoError(t, l.Append(ctx, d, "192.0.2.1"))

	raw, err := afero.ReadFile(fs, "/work/input/detect_IP_2026-10-19.csv")
	require.NoError(t, err)
	assert.Equal(t, "Date,IP Address\n2026-10-19,192.0.2.1\n2026-10-19,192.0.2.2\n", string(raw))
}

func TestAppendSkipsIPsAlreadyOnDisk(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/in/detect_IP_2026-10-19.csv",
		[]byte("Date,IP Address\n2026-10-19,192.0.2.1\n"), 0o644))

	l := NewFileLedger(fs, "/in", ObservedPrefix)
	require.NoError(t, l.Append(context.Background(), day(2026, 10, 19), "192.0.2.1"))

	ips, err := l.ReadAll(context.Background(), day(2026, 10, 19))
	require.NoError(t, err)
	assert.Equal(t, []string{"192.0.2.1"}, ips)
}

func TestReadMissingLedger(t *testing.T) {
	l := NewFileLedger(afero.NewMemMapFs(), "/in", CarryPrefix)

	ips, err := l.ReadAll(context.Background(), day(2026, 10, 18))
	assert.ErrorIs(t, err, domain.ErrLedgerMissing)
	assert.Empty(t, ips)

	_, err = l.ReadRows(context.Background(), day(2026, 10, 18))
	assert.ErrorIs(t, err, domain.ErrLedgerMissing)
}

func TestReadRowsSkipsMalformed(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/in/yesterday_detect_IP_2026-10-18.csv", []byte(
		"Date,IP Address\n"+
			"2026-10-12,198.51.100.1\n"+
			"yesterday,198.51.100.2\n"+
			"2026-10-17,not-an-ip\n"+
			"2026-10-18\n"+
			"2026-10-18,198.51.100.3\n"), 0o644))

	l := NewFileLedger(fs, "/in", CarryPrefix)
	rows, err := l.ReadRows(context.Background(), day(2026, 10, 18))
	require.NoError(t, err)

	require.Len(t, rows, 2)
	assert.Equal(t, "198.51.100.1", rows[0].IP)
	assert.Equal(t, day(2026, 10, 12), rows[0].ObservedDate)
	assert.Equal(t, "198.51.100.3", rows[1].IP)
}

func TestReplaceKeepsObservedDates(t *testing.T) {
	fs := afero.NewMemMapFs()
	l := NewFileLedger(fs, "/in", CarryPrefix)
	ctx := context.Background()
	d := day(2026, 10, 19)

	rows := []domain.IndicatorRecord{
		{IP: "203.0.113.9", ObservedDate: d},
		{IP: "203.0.113.4", ObservedDate: day(2026, 10, 14)},
		{IP: "203.0.113.9", ObservedDate: day(2026, 10, 13)},
	}
	require.NoError(t, l.Replace(ctx, d, rows))

	raw, err := afero.ReadFile(fs, "/in/yesterday_detect_IP_2026-10-19.csv")
	require.NoError(t, err)
	assert.Equal(t, "Date,IP Address\n2026-10-19,203.0.113.9\n2026-10-14,203.0.113.4\n", string(raw))

	exists, err := afero.Exists(fs, "/in/yesterday_detect_IP_2026-10-19.csv.tmp")
	require.NoError(t, err)
	assert.False(t, exists)

	// Replace resets the append index too
	require.NoError(t, l.Append(ctx, d, "203.0.113.4"))
	got, err := l.ReadAll(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, []string{"203.0.113.9", "203.0.113.4"}, got)
}

func TestReplaceWithNoRowsWritesHeader(t *testing.T) {
	fs := afero.NewMemMapFs()
	l := NewFileLedger(fs, "/in", CarryPrefix)

	require.NoError(t, l.Replace(context.Background(), day(2026, 10, 19), nil))

	rows, err := l.ReadRows(context.Background(), day(2026, 10, 19))
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestCanceledContext(t *testing.T) {
	l := NewFileLedger(afero.NewMemMapFs(), "/in", ObservedPrefix)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, l.Append(ctx, day(2026, 10, 19), "192.0.2.1"), context.Canceled)
}
