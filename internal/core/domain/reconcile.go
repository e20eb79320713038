package domain

import (
	"sort"
	"time"
)

// DefaultRetentionDays is the block horizon of an indicator.
const DefaultRetentionDays = 7

// RetentionWindow decides when a record falls out of the blocklist.
// A record expires once it is strictly older than Days calendar days:
// age == Days is retained, age == Days+1 expires.
type RetentionWindow struct {
	Days int
}

func DefaultRetentionWindow() RetentionWindow {
	return RetentionWindow{Days: DefaultRetentionDays}
}

func (w RetentionWindow) Expired(observed, today time.Time) bool {
	return DaysBetween(observed, today) > w.Days
}

// DiffNew returns the members of today absent from yesterday, in today's order.
func DiffNew(today, yesterday []string) []string {
	seen := NewIPSet(yesterday...)
	out := make([]string, 0, len(today))
	emitted := NewIPSet()
	for _, ip := range today {
		if seen.Contains(ip) || !emitted.Add(ip) {
			continue
		}
		out = append(out, ip)
	}
	return out
}

// DiffExpired returns the IPs of rows that fall outside the window as of today.
// An IP appears at most once.
func DiffExpired(rows []IndicatorRecord, today time.Time, window RetentionWindow) []string {
	out := NewIPSet()
	for _, row := range rows {
		if window.Expired(row.ObservedDate, today) {
			out.Add(row.IP)
		}
	}
	return out.Slice()
}

// ExpiredDays returns the distinct observation days among expired rows,
// oldest first. Each day maps to one C2_<day>_N group family.
func ExpiredDays(rows []IndicatorRecord, today time.Time, window RetentionWindow) []time.Time {
	seen := make(map[string]time.Time)
	for _, row := range rows {
		if !window.Expired(row.ObservedDate, today) {
			continue
		}
		d := Day(row.ObservedDate)
		seen[d.Format(LedgerDateLayout)] = d
	}
	days := make([]time.Time, 0, len(seen))
	for _, d := range seen {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return days
}

// MergeRetained builds the carry-forward ledger: today's additions first,
// then yesterday's rows still inside the window. An IP keeps the first row
// that mentions it.
func MergeRetained(additions, yesterday []IndicatorRecord, today time.Time, window RetentionWindow) []IndicatorRecord {
	seen := NewIPSet()
	out := make([]IndicatorRecord, 0, len(additions)+len(yesterday))
	for _, row := range additions {
		if seen.Add(row.IP) {
			out = append(out, row)
		}
	}
	for _, row := range yesterday {
		if window.Expired(row.ObservedDate, today) {
			continue
		}
		if seen.Add(row.IP) {
			out = append(out, row)
		}
	}
	return out
}

// Records stamps every ip with the observation day.
func Records(ips []string, day time.Time) []IndicatorRecord {
	out := make([]IndicatorRecord, len(ips))
	for i, ip := range ips {
		out[i] = IndicatorRecord{IP: ip, ObservedDate: Day(day)}
	}
	return out
}

// Chunk partitions ips into consecutive groups of at most size members,
// preserving order. A non-positive size falls back to DefaultChunkSize.
func Chunk(ips []string, size int) [][]string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	var chunks [][]string
	for start := 0; start < len(ips); start += size {
		end := start + size
		if end > len(ips) {
			end = len(ips)
		}
		chunk := make([]string, end-start)
		copy(chunk, ips[start:end])
		chunks = append(chunks, chunk)
	}
	return chunks
}
