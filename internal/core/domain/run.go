package domain

import (
	"time"

	"github.com/google/uuid"
)

// QuerySet holds feed queries grouped by C2 family name.
type QuerySet struct {
	Families []QueryFamily
}

type QueryFamily struct {
	Name    string
	Queries []string
}

// Len is the total number of queries across families.
func (q QuerySet) Len() int {
	n := 0
	for _, f := range q.Families {
		n += len(f.Queries)
	}
	return n
}

// FetchResult is what the feed returned for one query.
type FetchResult struct {
	Query            string
	IPs              []string
	Total            int
	Pages            int
	AbandonedOffsets []int
}

// CollectStats summarises one collection pass over a QuerySet.
type CollectStats struct {
	Queries          int
	FailedQueries    int
	Pages            int
	AbandonedPages   int
	Unique           int
	LedgerWriteFails int
}

// RunSummary describes one daily reconciliation run.
type RunSummary struct {
	ID             uuid.UUID
	Date           time.Time
	StartedAt      time.Time
	FinishedAt     time.Time
	Collect        CollectStats
	New            int
	Expired        int
	Carried        int
	ObjectsCreated int
	GroupsCreated  []string
	GroupsDeleted  []string
	Failures       []Failure
}

func NewRunSummary(date time.Time) *RunSummary {
	return &RunSummary{
		ID:        uuid.New(),
		Date:      Day(date),
		StartedAt: time.Now(),
	}
}

// FailureCounts groups failures by reason.
func (s *RunSummary) FailureCounts() map[FailureReason]int {
	counts := make(map[FailureReason]int)
	for _, f := range s.Failures {
		counts[f.Reason]++
	}
	return counts
}

func (s *RunSummary) Duration() time.Duration {
	if s.FinishedAt.IsZero() {
		return time.Since(s.StartedAt)
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

// SyncResult is what one or more firewall flows did.
type SyncResult struct {
	ObjectsCreated int
	GroupsCreated  []string
	GroupsDeleted  []string
	Failures       []Failure
}

func (r *SyncResult) Merge(other SyncResult) {
	r.ObjectsCreated += other.ObjectsCreated
	r.GroupsCreated = append(r.GroupsCreated, other.GroupsCreated...)
	r.GroupsDeleted = append(r.GroupsDeleted, other.GroupsDeleted...)
	r.Failures = append(r.Failures, other.Failures...)
}

// Apply folds a firewall result into the run summary.
func (s *RunSummary) Apply(r SyncResult) {
	s.ObjectsCreated += r.ObjectsCreated
	s.GroupsCreated = append(s.GroupsCreated, r.GroupsCreated...)
	s.GroupsDeleted = append(s.GroupsDeleted, r.GroupsDeleted...)
	s.Failures = append(s.Failures, r.Failures...)
}
