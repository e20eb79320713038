package domain

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := ParseLedgerDate(s)
	require.NoError(t, err)
	return d
}

func TestDiffNew(t *testing.T) {
	tests := []struct {
		name      string
		today     []string
		yesterday []string
		want      []string
	}{
		{"one new", []string{"a", "b", "c"}, []string{"b", "c"}, []string{"a"}},
		{"identical", []string{"a", "b"}, []string{"a", "b"}, []string{}},
		{"empty yesterday", []string{"c", "a"}, nil, []string{"c", "a"}},
		{"empty today", nil, []string{"a"}, []string{}},
		{"keeps today order", []string{"d", "a", "c", "b"}, []string{"c"}, []string{"d", "a", "b"}},
		{"duplicates collapsed", []string{"a", "a", "b"}, nil, []string{"a", "b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DiffNew(tt.today, tt.yesterday))
		})
	}
}

func TestRetentionBoundary(t *testing.T) {
	today := day(t, "2026-10-19")
	window := DefaultRetentionWindow()

	rows := []IndicatorRecord{
		{IP: "10.0.0.6", ObservedDate: today.AddDate(0, 0, -6)},
		{IP: "10.0.0.7", ObservedDate: today.AddDate(0, 0, -7)},
		{IP: "10.0.0.8", ObservedDate: today.AddDate(0, 0, -8)},
		{IP: "10.0.0.30", ObservedDate: today.AddDate(0, 0, -30)},
	}

	assert.False(t, window.Expired(rows[1].ObservedDate, today), "exactly 7 days old must be retained")
	assert.True(t, window.Expired(rows[2].ObservedDate, today), "8 days old must expire")
	assert.Equal(t, []string{"10.0.0.8", "10.0.0.30"}, DiffExpired(rows, today, window))
}

func TestRetentionIgnoresClockTime(t *testing.T) {
	window := DefaultRetentionWindow()
	observed := time.Date(2026, 10, 12, 23, 59, 0, 0, time.Local)
	today := time.Date(2026, 10, 19, 0, 1, 0, 0, time.Local)

	assert.False(t, window.Expired(observed, today))
	assert.True(t, window.Expired(observed, today.AddDate(0, 0, 1)))
}

func TestExpiredDays(t *testing.T) {
	today := day(t, "2026-10-19")
	rows := []IndicatorRecord{
		{IP: "a", ObservedDate: day(t, "2026-10-10")},
		{IP: "b", ObservedDate: day(t, "2026-10-11")},
		{IP: "c", ObservedDate: day(t, "2026-10-10")},
		{IP: "d", ObservedDate: day(t, "2026-10-15")},
	}

	days := ExpiredDays(rows, today, DefaultRetentionWindow())
	require.Len(t, days, 2)
	assert.Equal(t, "2026-10-10", days[0].Format(LedgerDateLayout))
	assert.Equal(t, "2026-10-11", days[1].Format(LedgerDateLayout))
}

func TestMergeRetained(t *testing.T) {
	today := day(t, "2026-10-19")
	additions := Records([]string{"1.1.1.1", "2.2.2.2"}, today)
	yesterday := []IndicatorRecord{
		{IP: "2.2.2.2", ObservedDate: day(t, "2026-10-15")},
		{IP: "3.3.3.3", ObservedDate: day(t, "2026-10-12")},
		{IP: "4.4.4.4", ObservedDate: day(t, "2026-10-11")},
	}

	merged := MergeRetained(additions, yesterday, today, DefaultRetentionWindow())

	require.Len(t, merged, 3)
	assert.Equal(t, "1.1.1.1", merged[0].IP)
	assert.Equal(t, "2.2.2.2", merged[1].IP)
	assert.True(t, merged[1].ObservedDate.Equal(today), "additions win over carried rows")
	assert.Equal(t, "3.3.3.3", merged[2].IP)
}

func TestMergeRetainedCarriesAcrossDays(t *testing.T) {
	d1 := day(t, "2026-10-01")
	ledger := MergeRetained(Records([]string{"1.2.3.4"}, d1), nil, d1, DefaultRetentionWindow())

	for i := 1; i <= 3; i++ {
		ledger = MergeRetained(nil, ledger, d1.AddDate(0, 0, i), DefaultRetentionWindow())
	}

	require.Len(t, ledger, 1)
	assert.Equal(t, "1.2.3.4", ledger[0].IP)
	assert.Equal(t, "2026-10-01", ledger[0].ObservedDate.Format(LedgerDateLayout))

	ledger = MergeRetained(nil, ledger, d1.AddDate(0, 0, 8), DefaultRetentionWindow())
	assert.Empty(t, ledger)
}

func TestChunk(t *testing.T) {
	ips := make([]string, 1450)
	for i := range ips {
		ips[i] = fmt.Sprintf("10.%d.%d.%d", i/65536, (i/256)%256, i%256)
	}

	chunks := Chunk(ips, 600)

	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 600)
	assert.Len(t, chunks[1], 600)
	assert.Len(t, chunks[2], 250)
	assert.Equal(t, ips[0], chunks[0][0])
	assert.Equal(t, ips[600], chunks[1][0])
	assert.Equal(t, ips[1449], chunks[2][249])
}

func TestChunkEdges(t *testing.T) {
	assert.Empty(t, Chunk(nil, 600))
	assert.Equal(t, [][]string{{"a", "b"}, {"c"}}, Chunk([]string{"a", "b", "c"}, 2))
	assert.Len(t, Chunk(make([]string, 601), 0), 2, "non-positive size uses the default")
}
