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

// Collector runs every query against the feed and appends each IP seen for
// the first time in this pass to the day's ledger.
type Collector struct {
	provider ports.ThreatProvider
	ledger   ports.Ledger
	log      logrus.FieldLogger
}

func NewCollector(provider ports.ThreatProvider, ledger ports.Ledger, log logrus.FieldLogger) *Collector {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Collector{provider: provider, ledger: ledger, log: log}
}

// Collect never fails as a whole: failed queries and ledger writes are
// counted in the returned stats and logged.
func (c *Collector) Collect(ctx context.Context, day time.Time, queries domain.QuerySet) *domain.CollectStats {
	stats := &domain.CollectStats{}
	seen := domain.NewIPSet()

	for _, family := range queries.Families {
		for _, query := range family.Queries {
			if ctx.Err() != nil {
				c.log.WithError(ctx.Err()).Warn("collection interrupted")
				stats.Unique = seen.Len()
				return stats
			}

			stats.Queries++
			log := c.log.WithFields(logrus.Fields{"c2": family.Name, "query": query})
			log.Info("📥 Fetching query")

			result, err := c.provider.Fetch(ctx, query)
			if err != nil {
				stats.FailedQueries++
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					continue
				}
				log.WithError(err).Error("❌ query failed")
				continue
			}

			stats.Pages += result.Pages
			stats.AbandonedPages += len(result.AbandonedOffsets)

			added := 0
			for _, ip := range result.IPs {
				if !seen.Add(ip) {
					continue
				}
				added++
				if err := c.ledger.Append(ctx, day, ip); err != nil {
					stats.LedgerWriteFails++
					log.WithField("ip", ip).WithError(err).Error("failed to append to ledger")
				}
			}

			metrics.SetUniqueIPs(seen.Len())
			log.WithFields(logrus.Fields{
				"returned": len(result.IPs),
				"added":    added,
				"unique":   seen.Len(),
			}).Info("✅ query done")
		}
	}

	stats.Unique = seen.Len()
	return stats
}
