package ports

import (
	"context"
	"time"

	"github.com/hive-corporation/c2sync/internal/core/domain"
)

// ThreatProvider pages through a threat feed for one query.
type ThreatProvider interface {
	Fetch(ctx context.Context, query string) (*domain.FetchResult, error)
	Name() string
}

// Ledger is the per-day record of indicators acted upon.
// ReadAll and ReadRows return domain.ErrLedgerMissing (and no rows) when
// nothing was ever written for the date.
type Ledger interface {
	Append(ctx context.Context, date time.Time, ip string) error
	ReadAll(ctx context.Context, date time.Time) ([]string, error)
	ReadRows(ctx context.Context, date time.Time) ([]domain.IndicatorRecord, error)
	Replace(ctx context.Context, date time.Time, rows []domain.IndicatorRecord) error
}

type RunRepository interface {
	SaveRun(ctx context.Context, run *domain.RunSummary) error
}
