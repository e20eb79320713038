package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hive-corporation/c2sync/internal/adapter/metrics"
	"github.com/hive-corporation/c2sync/internal/adapter/transport"
	"github.com/hive-corporation/c2sync/internal/core/domain"
	"github.com/hive-corporation/c2sync/internal/core/ports"
)

type FirewallSyncConfig struct {
	PolicyID  string
	ChunkSize int
	// AddressDelay is slept between consecutive address object creations.
	AddressDelay time.Duration
}

// FirewallSync pushes additions into address groups attached to one policy
// and tears expired groups down in reverse order. Every step is gated on the
// previous one; a stop is reported as a domain.Failure and logged once.
type FirewallSync struct {
	fw     ports.Firewall
	config FirewallSyncConfig
	log    logrus.FieldLogger
}

func NewFirewallSync(fw ports.Firewall, config FirewallSyncConfig, log logrus.FieldLogger) *FirewallSync {
	if config.ChunkSize <= 0 {
		config.ChunkSize = domain.DefaultChunkSize
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &FirewallSync{fw: fw, config: config, log: log}
}

// SyncAdditions chunks ips and runs the addition flow for every chunk.
// Groups are named after day with a 1-based chunk index.
func (s *FirewallSync) SyncAdditions(ctx context.Context, day time.Time, ips []string) domain.SyncResult {
	var result domain.SyncResult
	chunks := domain.Chunk(ips, s.config.ChunkSize)
	for i, chunk := range chunks {
		if ctx.Err() != nil {
			break
		}
		result.Merge(s.AddChunk(ctx, day, i+1, chunk))
	}
	return result
}

// AddChunk creates one address object per IP, the group holding them, and
// attaches the group to the policy when it is not attached yet. When the group
// already exists, members it lacks are added to it before attachment is checked.
func (s *FirewallSync) AddChunk(ctx context.Context, day time.Time, index int, ips []string) domain.SyncResult {
	var result domain.SyncResult
	name := domain.GroupName(day, index)
	log := s.log.WithField("group", name)

	members := make([]string, 0, len(ips))
	for i, ip := range ips {
		if i > 0 {
			if err := transport.Pace(ctx, s.config.AddressDelay); err != nil {
				return result
			}
		}

		obj := domain.AddressObjectFor(ip)
		err := s.fw.CreateAddress(ctx, obj)
		switch {
		case err == nil:
			result.ObjectsCreated++
			members = append(members, obj.Name)
		case errors.Is(err, domain.ErrAlreadyExists):
			log.WithField("object", obj.Name).Info("address object already exists")
			members = append(members, obj.Name)
		default:
			s.fail(&result, domain.Failure{Reason: domain.ReasonCreateAddressFailed, Group: name, Object: obj.Name, Err: err})
		}
	}

	if len(members) == 0 {
		s.fail(&result, domain.Failure{Reason: domain.ReasonCreateGroupFailed, Group: name, Err: errors.New("no member address objects")})
		return result
	}

	existing, err := s.fw.GroupMembers(ctx, name)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		err := s.fw.CreateGroup(ctx, domain.AddressGroup{Name: name, Members: members})
		switch {
		case err == nil:
			result.GroupsCreated = append(result.GroupsCreated, name)
		case errors.Is(err, domain.ErrAlreadyExists):
			log.Info("address group already exists, skipping creation")
		default:
			s.fail(&result, domain.Failure{Reason: domain.ReasonCreateGroupFailed, Group: name, Err: err})
			return result
		}
	case err != nil:
		s.fail(&result, domain.Failure{Reason: domain.ReasonLookupFailed, Group: name, Err: err})
		return result
	default:
		// A re-run whose chunk boundaries moved lands different IPs in a
		// group of the same name; they must not be left ungrouped.
		missing := missingNames(existing, members)
		if len(missing) == 0 {
			log.Info("address group already exists, skipping creation")
			break
		}
		updated := append(append([]string(nil), existing...), missing...)
		if err := s.fw.SetGroupMembers(ctx, name, updated); err != nil {
			s.fail(&result, domain.Failure{Reason: domain.ReasonUpdateGroupFailed, Group: name, Err: err})
			return result
		}
		log.WithField("added", len(missing)).Info("added missing members to existing address group")
	}

	dst, err := s.fw.PolicyDestinations(ctx, s.config.PolicyID)
	if err != nil {
		s.fail(&result, domain.Failure{Reason: domain.ReasonLookupFailed, Group: name, Err: err})
		return result
	}
	if containsName(dst, name) {
		log.WithField("policy", s.config.PolicyID).Info("group already attached to policy")
		return result
	}

	updated := append(append([]string(nil), dst...), name)
	if err := s.fw.SetPolicyDestinations(ctx, s.config.PolicyID, updated); err != nil {
		s.fail(&result, domain.Failure{Reason: domain.ReasonAttachFailed, Group: name, Err: err})
		return result
	}
	log.WithField("policy", s.config.PolicyID).Info("group attached to policy")
	return result
}

// SyncExpirations tears down every group created on one of days.
func (s *FirewallSync) SyncExpirations(ctx context.Context, days []time.Time) domain.SyncResult {
	var result domain.SyncResult
	if len(days) == 0 {
		return result
	}

	groups, err := s.fw.ListGroups(ctx)
	if err != nil {
		s.fail(&result, domain.Failure{Reason: domain.ReasonLookupFailed, Err: fmt.Errorf("list address groups: %w", err)})
		return result
	}

	for _, day := range days {
		matched := domain.FilterGroups(groups, domain.GroupPattern(day))
		if len(matched) == 0 {
			s.log.WithField("day", day.Format(domain.GroupDayLayout)).Info("no address groups to expire for day")
			continue
		}
		for _, group := range matched {
			if ctx.Err() != nil {
				return result
			}
			result.Merge(s.ExpireGroup(ctx, group))
		}
	}
	return result
}

// ExpireGroup runs exists -> attached -> detach -> delete group -> delete
// members. Members are only touched once the group is gone, and a failing
// member does not stop the others.
func (s *FirewallSync) ExpireGroup(ctx context.Context, group domain.AddressGroup) domain.SyncResult {
	var result domain.SyncResult
	name := group.Name

	exists, err := s.fw.GroupExists(ctx, name)
	if err != nil {
		s.fail(&result, domain.Failure{Reason: domain.ReasonLookupFailed, Group: name, Err: err})
		return result
	}
	if !exists {
		s.fail(&result, domain.Failure{Reason: domain.ReasonGroupAlreadyAbsent, Group: name})
		return result
	}

	dst, err := s.fw.PolicyDestinations(ctx, s.config.PolicyID)
	if err != nil {
		s.fail(&result, domain.Failure{Reason: domain.ReasonLookupFailed, Group: name, Err: err})
		return result
	}
	if !containsName(dst, name) {
		s.fail(&result, domain.Failure{Reason: domain.ReasonGroupNotInPolicy, Group: name})
		return result
	}

	remaining := make([]string, 0, len(dst))
	for _, d := range dst {
		if d != name {
			remaining = append(remaining, d)
		}
	}
	if err := s.fw.SetPolicyDestinations(ctx, s.config.PolicyID, remaining); err != nil {
		s.fail(&result, domain.Failure{Reason: domain.ReasonDetachFailed, Group: name, Err: err})
		return result
	}
	s.log.WithFields(logrus.Fields{"group": name, "policy": s.config.PolicyID}).Info("group detached from policy")

	if err := s.fw.DeleteGroup(ctx, name); err != nil && !errors.Is(err, domain.ErrNotFound) {
		s.fail(&result, domain.Failure{Reason: domain.ReasonDeleteGroupFailed, Group: name, Err: err})
		return result
	}
	result.GroupsDeleted = append(result.GroupsDeleted, name)
	s.log.WithField("group", name).Info("address group deleted")

	for _, member := range group.Members {
		if err := s.fw.DeleteAddress(ctx, member); err != nil && !errors.Is(err, domain.ErrNotFound) {
			s.fail(&result, domain.Failure{Reason: domain.ReasonDeleteMemberFailed, Group: name, Object: member, Err: err})
		}
	}
	return result
}

// fail records f on result and is the only place a sync failure is logged.
func (s *FirewallSync) fail(result *domain.SyncResult, f domain.Failure) {
	result.Failures = append(result.Failures, f)
	metrics.RecordSyncFailure(string(f.Reason))

	entry := s.log.WithField("reason", string(f.Reason))
	if f.Group != "" {
		entry = entry.WithField("group", f.Group)
	}
	if f.Object != "" {
		entry = entry.WithField("object", f.Object)
	}
	if f.Err != nil {
		entry = entry.WithError(f.Err)
	}

	switch f.Reason {
	case domain.ReasonGroupAlreadyAbsent, domain.ReasonGroupNotInPolicy:
		entry.Warn(f.Reason.Message())
	default:
		entry.Error(f.Reason.Message())
	}
}

// missingNames returns the entries of want that are not in have, in order.
func missingNames(have, want []string) []string {
	var missing []string
	for _, name := range want {
		if !containsName(have, name) {
			missing = append(missing, name)
		}
	}
	return missing
}

func containsName(list []string, name string) bool {
	for _, v := range list {
		if v == name {
			return true
		}
	}
	return false
}
