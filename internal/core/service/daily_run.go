package service

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hive-corporation/c2sync/internal/adapter/metrics"
	"github.com/hive-corporation/c2sync/internal/core/domain"
	"github.com/hive-corporation/c2sync/internal/core/ports"
)

// carryLookbackDays bounds how far back a run searches for the last
// carry-forward ledger when the previous day was skipped.
const carryLookbackDays = 31

// DailyRunDeps wires a DailyRun. Runs, Notifier and Cleaner are optional.
type DailyRunDeps struct {
	Collector *Collector
	Sync      *FirewallSync

	// Observed holds the IPs collected on a day; Carry holds what is still
	// blocked after that day's run and is read back as "yesterday".
	Observed ports.Ledger
	Carry    ports.Ledger

	Audit    ports.AuditSink
	Runs     ports.RunRepository
	Notifier ports.Notifier
	Cleaner  ports.WorkspaceCleaner

	Window domain.RetentionWindow
	Log    logrus.FieldLogger
}

// DailyRun is one reconciliation pass: collect, diff against yesterday,
// push additions, expire stale groups, write the carry-forward ledger.
type DailyRun struct {
	deps DailyRunDeps
}

func NewDailyRun(deps DailyRunDeps) *DailyRun {
	if deps.Log == nil {
		deps.Log = logrus.StandardLogger()
	}
	return &DailyRun{deps: deps}
}

// Run always reaches the cleanup stage; failures along the way are logged
// and recorded on the returned summary.
func (r *DailyRun) Run(ctx context.Context, today time.Time, queries domain.QuerySet) *domain.RunSummary {
	today = domain.Day(today)
	summary := domain.NewRunSummary(today)
	log := r.deps.Log.WithFields(logrus.Fields{
		"run_id": summary.ID.String(),
		"date":   today.Format(domain.LedgerDateLayout),
	})
	log.WithField("queries", queries.Len()).Info("🚀 Daily sync started")

	defer r.cleanup(today, log)

	if r.deps.Collector != nil {
		summary.Collect = *r.deps.Collector.Collect(ctx, today, queries)
		log.WithFields(logrus.Fields{
			"unique":          summary.Collect.Unique,
			"failed_queries":  summary.Collect.FailedQueries,
			"abandoned_pages": summary.Collect.AbandonedPages,
		}).Info("📦 Collection finished")
	}

	todayIPs := r.readIPs(ctx, r.deps.Observed, today, "observed", log)
	yesterdayRows := r.readCarry(ctx, today, log)

	yesterdayIPs := make([]string, 0, len(yesterdayRows))
	for _, row := range yesterdayRows {
		yesterdayIPs = append(yesterdayIPs, row.IP)
	}

	additions := domain.DiffNew(todayIPs, yesterdayIPs)
	expired := domain.DiffExpired(yesterdayRows, today, r.deps.Window)
	expiredDays := domain.ExpiredDays(yesterdayRows, today, r.deps.Window)
	summary.New = len(additions)
	summary.Expired = len(expired)

	metrics.SetLedgerEntries("observed", len(todayIPs))
	metrics.SetLedgerEntries("yesterday", len(yesterdayRows))
	metrics.SetLedgerEntries("new", len(additions))
	metrics.SetLedgerEntries("expired", len(expired))

	log.WithFields(logrus.Fields{"new": len(additions), "expired": len(expired)}).Info("🔍 Reconciled against yesterday")

	if len(additions) > 0 {
		if r.deps.Audit != nil {
			if err := r.deps.Audit.ExportAdditions(today, additions); err != nil {
				log.WithError(err).Error("failed to export additions")
			}
		}
		summary.Apply(r.deps.Sync.SyncAdditions(ctx, today, additions))
	}

	if len(expired) > 0 {
		if r.deps.Audit != nil {
			if err := r.deps.Audit.ExportDeletions(today, expired); err != nil {
				log.WithError(err).Error("failed to export deletions")
			}
		}
		summary.Apply(r.deps.Sync.SyncExpirations(ctx, expiredDays))
	}

	// An interrupted run still records what it pushed and what stays blocked.
	finalCtx := context.WithoutCancel(ctx)

	carried := domain.MergeRetained(domain.Records(additions, today), yesterdayRows, today, r.deps.Window)
	summary.Carried = len(carried)
	metrics.SetLedgerEntries("carried", len(carried))
	if err := r.deps.Carry.Replace(finalCtx, today, carried); err != nil {
		log.WithError(err).Error("failed to write carry-forward ledger")
	}

	summary.FinishedAt = time.Now()
	metrics.RecordRun(summary.Duration(), summary.FinishedAt)

	if r.deps.Runs != nil {
		if err := r.deps.Runs.SaveRun(finalCtx, summary); err != nil {
			log.WithError(err).Error("failed to save run summary")
		}
	}
	if r.deps.Notifier != nil {
		if err := r.deps.Notifier.NotifyRunSummary(summary); err != nil {
			log.WithError(err).Error("failed to send run summary")
		}
	}

	log.WithFields(logrus.Fields{
		"objects_created": summary.ObjectsCreated,
		"groups_created":  len(summary.GroupsCreated),
		"groups_deleted":  len(summary.GroupsDeleted),
		"carried":         summary.Carried,
		"failures":        len(summary.Failures),
		"duration":        summary.Duration().String(),
	}).Info("🏁 Daily sync finished")

	return summary
}

// readIPs degrades a missing or unreadable ledger to an empty list.
func (r *DailyRun) readIPs(ctx context.Context, l ports.Ledger, date time.Time, name string, log logrus.FieldLogger) []string {
	ips, err := l.ReadAll(ctx, date)
	if err != nil {
		logLedgerError(log, err, name, date)
		return nil
	}
	return ips
}

func (r *DailyRun) readRows(ctx context.Context, l ports.Ledger, date time.Time, name string, log logrus.FieldLogger) []domain.IndicatorRecord {
	rows, err := l.ReadRows(ctx, date)
	if err != nil {
		logLedgerError(log, err, name, date)
		return nil
	}
	return rows
}

// readCarry reads the carry-forward of the closest earlier day that has
// one, so a skipped day still expires and dedupes against the last run.
func (r *DailyRun) readCarry(ctx context.Context, today time.Time, log logrus.FieldLogger) []domain.IndicatorRecord {
	for back := 1; back <= carryLookbackDays; back++ {
		day := today.AddDate(0, 0, -back)
		rows, err := r.deps.Carry.ReadRows(ctx, day)
		if errors.Is(err, domain.ErrLedgerMissing) {
			continue
		}
		if err != nil {
			logLedgerError(log, err, "carry-forward", day)
			return nil
		}
		if back > 1 {
			log.WithFields(logrus.Fields{
				"ledger_date":  day.Format(domain.LedgerDateLayout),
				"days_skipped": back - 1,
			}).Warn("⚠️  no carry-forward for yesterday, using the last run's")
		}
		return rows
	}
	logLedgerError(log, domain.ErrLedgerMissing, "carry-forward", today.AddDate(0, 0, -1))
	return nil
}

func logLedgerError(log logrus.FieldLogger, err error, name string, date time.Time) {
	entry := log.WithFields(logrus.Fields{"ledger": name, "ledger_date": date.Format(domain.LedgerDateLayout)})
	if errors.Is(err, domain.ErrLedgerMissing) {
		entry.Warn("⚠️  ledger does not exist, treating as empty")
		return
	}
	entry.WithError(err).Error("failed to read ledger, treating as empty")
}

func (r *DailyRun) cleanup(today time.Time, log logrus.FieldLogger) {
	if r.deps.Cleaner == nil {
		return
	}
	if err := r.deps.Cleaner.Clean(today); err != nil {
		log.WithError(err).Error("workspace cleanup failed")
		return
	}
	log.Info("🧹 Workspace cleaned")
}
