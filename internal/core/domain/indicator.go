package domain

import (
	"net"
	"strings"
	"time"
)

const (
	// LedgerDateLayout is the Date column format of every ledger file.
	LedgerDateLayout = "2006-01-02"

	// GroupDayLayout is the day tag embedded in address group names.
	GroupDayLayout = "2006_01_02"
)

// IndicatorRecord is one block-worthy IP as of a given day.
type IndicatorRecord struct {
	IP           string
	ObservedDate time.Time
}

// Day truncates t to midnight in its own location.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// DaysBetween returns the number of calendar days from `from` to `to`.
// Clock time and DST shifts are ignored.
func DaysBetween(from, to time.Time) int {
	fy, fm, fd := from.Date()
	ty, tm, td := to.Date()
	a := time.Date(fy, fm, fd, 0, 0, 0, 0, time.UTC)
	b := time.Date(ty, tm, td, 0, 0, 0, 0, time.UTC)
	return int(b.Sub(a).Hours() / 24)
}

// ParseLedgerDate parses a Date column value in local time.
func ParseLedgerDate(s string) (time.Time, error) {
	return time.ParseInLocation(LedgerDateLayout, strings.TrimSpace(s), time.Local)
}

// NormalizeIP trims the value and returns "" when it is not an IP address.
func NormalizeIP(value string) string {
	value = strings.TrimSpace(value)
	if net.ParseIP(value) == nil {
		return ""
	}
	return value
}

// IPSet is an insertion-ordered set of IP addresses.
// Iteration order is the order of first insertion, which keeps
// downstream chunking reproducible within a run.
type IPSet struct {
	index map[string]struct{}
	order []string
}

func NewIPSet(ips ...string) *IPSet {
	s := &IPSet{index: make(map[string]struct{}, len(ips))}
	for _, ip := range ips {
		s.Add(ip)
	}
	return s
}

// Add inserts ip and reports whether it was not already present.
func (s *IPSet) Add(ip string) bool {
	if s.index == nil {
		s.index = make(map[string]struct{})
	}
	if _, ok := s.index[ip]; ok {
		return false
	}
	s.index[ip] = struct{}{}
	s.order = append(s.order, ip)
	return true
}

func (s *IPSet) Contains(ip string) bool {
	if s == nil {
		return false
	}
	_, ok := s.index[ip]
	return ok
}

func (s *IPSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.order)
}

// Slice returns a copy of the members in insertion order.
func (s *IPSet) Slice() []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}
