package ports

import "github.com/hive-corporation/c2sync/internal/core/domain"

// Notifier defines the interface for sending notifications to external systems
type Notifier interface {
	// NotifyRunSummary reports the outcome of a daily run
	NotifyRunSummary(run *domain.RunSummary) error
}
