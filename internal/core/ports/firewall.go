package ports

import (
	"context"
	"time"

	"github.com/hive-corporation/c2sync/internal/core/domain"
)

// Firewall is the subset of the firewall configuration API the sync uses.
// Create calls return domain.ErrAlreadyExists for duplicate names.
type Firewall interface {
	CreateAddress(ctx context.Context, obj domain.AddressObject) error
	AddressExists(ctx context.Context, name string) (bool, error)
	DeleteAddress(ctx context.Context, name string) error

	ListGroups(ctx context.Context) ([]domain.AddressGroup, error)
	GroupExists(ctx context.Context, name string) (bool, error)
	// GroupMembers returns domain.ErrNotFound when the group does not exist.
	GroupMembers(ctx context.Context, name string) ([]string, error)
	SetGroupMembers(ctx context.Context, name string, members []string) error
	CreateGroup(ctx context.Context, group domain.AddressGroup) error
	DeleteGroup(ctx context.Context, name string) error

	PolicyDestinations(ctx context.Context, policyID string) ([]string, error)
	SetPolicyDestinations(ctx context.Context, policyID string, names []string) error
}

// AuditSink receives the per-run addition and deletion lists.
type AuditSink interface {
	ExportAdditions(date time.Time, ips []string) error
	ExportDeletions(date time.Time, ips []string) error
}

// WorkspaceCleaner removes the per-run scratch files.
type WorkspaceCleaner interface {
	Clean(today time.Time) error
}
