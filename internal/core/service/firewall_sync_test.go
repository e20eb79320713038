package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hive-corporation/c2sync/internal/adapter/firewall"
	"github.com/hive-corporation/c2sync/internal/adapter/firewall/simulator"
	"github.com/hive-corporation/c2sync/internal/adapter/transport"
	"github.com/hive-corporation/c2sync/internal/core/domain"
)

const testPolicy = "1"

type fixture struct {
	sim    *simulator.Server
	client *firewall.FortiGateClient
	sync   *FirewallSync
	hook   *logtest.Hook
	log    *logrus.Logger
}

func newFixture(t *testing.T, chunkSize int) *fixture {
	t.Helper()
	logger, hook := logtest.NewNullLogger()

	sim := simulator.New("token", logger)
	sim.AddPolicy(testPolicy, "all")
	server := httptest.NewServer(sim)
	t.Cleanup(server.Close)

	config := transport.DefaultResilientClientConfig("fortigate")
	config.EnableCircuitBreaker = false
	config.MaxRetries = 0
	rc := transport.NewResilientClient(5*time.Second, config, logger)
	client := firewall.NewFortiGateClient(server.URL+simulator.Root, "token", rc, logger)

	sync := NewFirewallSync(client, FirewallSyncConfig{PolicyID: testPolicy, ChunkSize: chunkSize}, logger)
	return &fixture{sim: sim, client: client, sync: sync, hook: hook, log: logger}
}

func (f *fixture) loggedReasons() []string {
	var reasons []string
	for _, e := range f.hook.AllEntries() {
		if r, ok := e.Data["reason"]; ok {
			reasons = append(reasons, r.(string))
		}
	}
	return reasons
}

func reasons(failures []domain.Failure) []domain.FailureReason {
	out := make([]domain.FailureReason, 0, len(failures))
	for _, f := range failures {
		out = append(out, f.Reason)
	}
	return out
}

var day19 = time.Date(2026, 10, 19, 0, 0, 0, 0, time.Local)

func TestAddChunkCreatesAndAttaches(t *testing.T) {
	f := newFixture(t, 600)

	result := f.sync.AddChunk(context.Background(), day19, 1, []string{"192.0.2.1", "192.0.2.2"})

	assert.Empty(t, result.Failures)
	assert.Equal(t, 2, result.ObjectsCreated)
	assert.Equal(t, []string{"C2_2026_10_19_1"}, result.GroupsCreated)

	members, ok := f.sim.Group("C2_2026_10_19_1")
	require.True(t, ok)
	assert.Equal(t, []string{"C2_192.0.2.1", "C2_192.0.2.2"}, members)
	assert.Equal(t, []string{"all", "C2_2026_10_19_1"}, f.sim.Policy(testPolicy))
}

func TestAddChunkIsIdempotent(t *testing.T) {
	f := newFixture(t, 600)
	ctx := context.Background()
	ips := []string{"192.0.2.1", "192.0.2.2"}

	first := f.sync.AddChunk(ctx, day19, 1, ips)
	second := f.sync.AddChunk(ctx, day19, 1, ips)

	assert.Empty(t, first.Failures)
	assert.Empty(t, second.Failures)
	assert.Empty(t, second.GroupsCreated)
	assert.Zero(t, second.ObjectsCreated)

	assert.Equal(t, []string{"C2_2026_10_19_1"}, f.sim.Groups())
	assert.Equal(t, []string{"all", "C2_2026_10_19_1"}, f.sim.Policy(testPolicy))
	assert.Equal(t, 1, f.sim.Requests(http.MethodPost, "/addrgrp"))
}

func TestAddChunkReattachesExistingGroup(t *testing.T) {
	f := newFixture(t, 600)
	f.sim.AddAddress("C2_192.0.2.1", "192.0.2.1/32")
	f.sim.AddGroup("C2_2026_10_19_1", "C2_192.0.2.1")

	result := f.sync.AddChunk(context.Background(), day19, 1, []string{"192.0.2.1"})

	assert.Empty(t, result.Failures)
	assert.Empty(t, result.GroupsCreated)
	assert.Equal(t, []string{"all", "C2_2026_10_19_1"}, f.sim.Policy(testPolicy))
}

func TestSyncAdditionsRerunWithShiftedChunksKeepsEveryAddressGrouped(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	first := f.sync.SyncAdditions(ctx, day19, []string{"192.0.2.1"})
	require.Empty(t, first.Failures)

	// the feed order changed, so 192.0.2.9 now lands in chunk 1
	second := f.sync.SyncAdditions(ctx, day19, []string{"192.0.2.9", "192.0.2.1"})
	assert.Empty(t, second.Failures)
	assert.Equal(t, []string{"C2_2026_10_19_2"}, second.GroupsCreated)

	members, ok := f.sim.Group("C2_2026_10_19_1")
	require.True(t, ok)
	assert.Equal(t, []string{"C2_192.0.2.1", "C2_192.0.2.9"}, members)

	grouped := map[string]bool{}
	for _, g := range f.sim.Groups() {
		m, _ := f.sim.Group(g)
		for _, name := range m {
			grouped[name] = true
		}
	}
	for _, addr := range f.sim.Addresses() {
		assert.True(t, grouped[addr], "%s is in no group", addr)
	}
	assert.Equal(t, []string{"all", "C2_2026_10_19_1", "C2_2026_10_19_2"}, f.sim.Policy(testPolicy))
}

func TestAddChunkUpdateGroupFailure(t *testing.T) {
	f := newFixture(t, 600)
	f.sim.AddAddress("C2_192.0.2.1", "192.0.2.1/32")
	f.sim.AddGroup("C2_2026_10_19_1", "C2_192.0.2.1")
	f.sim.FailOn(http.MethodPut, "/addrgrp", http.StatusBadRequest)

	result := f.sync.AddChunk(context.Background(), day19, 1, []string{"192.0.2.9"})

	assert.Equal(t, []domain.FailureReason{domain.ReasonUpdateGroupFailed}, reasons(result.Failures))
	assert.Equal(t, []string{"update-group-failed"}, f.loggedReasons())
	members, _ := f.sim.Group("C2_2026_10_19_1")
	assert.Equal(t, []string{"C2_192.0.2.1"}, members)
	assert.Equal(t, []string{"all"}, f.sim.Policy(testPolicy))
}

func TestAddChunkLeavesOutFailedAddresses(t *testing.T) {
	f := newFixture(t, 600)
	f.sim.FailOn(http.MethodPost, "/address", http.StatusBadRequest)

	result := f.sync.AddChunk(context.Background(), day19, 1, []string{"192.0.2.1", "192.0.2.2"})

	assert.Equal(t, []domain.FailureReason{
		domain.ReasonCreateAddressFailed,
		domain.ReasonCreateAddressFailed,
		domain.ReasonCreateGroupFailed,
	}, reasons(result.Failures))
	assert.Empty(t, f.sim.Groups())
	assert.Equal(t, []string{"all"}, f.sim.Policy(testPolicy))
}

func TestAddChunkAttachFailure(t *testing.T) {
	f := newFixture(t, 600)
	f.sim.FailOn(http.MethodPut, "/policy", http.StatusBadRequest)

	result := f.sync.AddChunk(context.Background(), day19, 1, []string{"192.0.2.1"})

	assert.Equal(t, []domain.FailureReason{domain.ReasonAttachFailed}, reasons(result.Failures))
	_, ok := f.sim.Group("C2_2026_10_19_1")
	assert.True(t, ok)
}

func TestSyncAdditionsChunksIntoGroups(t *testing.T) {
	f := newFixture(t, 2)

	ips := []string{"192.0.2.1", "192.0.2.2", "192.0.2.3", "192.0.2.4", "192.0.2.5"}
	result := f.sync.SyncAdditions(context.Background(), day19, ips)

	assert.Empty(t, result.Failures)
	assert.Equal(t, 5, result.ObjectsCreated)
	assert.Equal(t, []string{"C2_2026_10_19_1", "C2_2026_10_19_2", "C2_2026_10_19_3"}, result.GroupsCreated)

	last, _ := f.sim.Group("C2_2026_10_19_3")
	assert.Equal(t, []string{"C2_192.0.2.5"}, last)
	assert.Equal(t, []string{"all", "C2_2026_10_19_1", "C2_2026_10_19_2", "C2_2026_10_19_3"}, f.sim.Policy(testPolicy))
}

// seedAttached mirrors what AddChunk leaves behind for a previous day.
func seedAttached(f *fixture, group string, ips ...string) domain.AddressGroup {
	g := domain.AddressGroup{Name: group}
	for _, ip := range ips {
		obj := domain.AddressObjectFor(ip)
		f.sim.AddAddress(obj.Name, obj.Subnet)
		g.Members = append(g.Members, obj.Name)
	}
	f.sim.AddGroup(group, g.Members...)
	f.sim.AddPolicy(testPolicy, append(f.sim.Policy(testPolicy), group)...)
	return g
}

func TestExpireGroupTearsDownInOrder(t *testing.T) {
	f := newFixture(t, 600)
	group := seedAttached(f, "C2_2026_10_11_1", "198.51.100.1", "198.51.100.2")

	result := f.sync.ExpireGroup(context.Background(), group)

	assert.Empty(t, result.Failures)
	assert.Equal(t, []string{"C2_2026_10_11_1"}, result.GroupsDeleted)
	assert.Empty(t, f.sim.Groups())
	assert.Empty(t, f.sim.Addresses())
	assert.Equal(t, []string{"all"}, f.sim.Policy(testPolicy))
}

func TestExpireGroupDeleteGroupFails(t *testing.T) {
	f := newFixture(t, 600)
	group := seedAttached(f, "C2_2026_10_11_1", "198.51.100.1", "198.51.100.2")
	f.sim.FailOn(http.MethodDelete, "/addrgrp", http.StatusInternalServerError)

	result := f.sync.ExpireGroup(context.Background(), group)

	// detach happened
	assert.Equal(t, []string{"all"}, f.sim.Policy(testPolicy))
	// group and members are still there
	members, ok := f.sim.Group("C2_2026_10_11_1")
	require.True(t, ok)
	assert.Len(t, members, 2)
	assert.Equal(t, []string{"C2_198.51.100.1", "C2_198.51.100.2"}, f.sim.Addresses())
	assert.Zero(t, f.sim.Requests(http.MethodDelete, "/address"))

	assert.Equal(t, []domain.FailureReason{domain.ReasonDeleteGroupFailed}, reasons(result.Failures))
	assert.Empty(t, result.GroupsDeleted)
	assert.Equal(t, []string{"delete-group-failed"}, f.loggedReasons())
	assert.Equal(t, logrus.ErrorLevel, f.hook.LastEntry().Level)
}

func TestExpireGroupAbsent(t *testing.T) {
	f := newFixture(t, 600)

	result := f.sync.ExpireGroup(context.Background(), domain.AddressGroup{Name: "C2_2026_10_11_1"})

	assert.Equal(t, []domain.FailureReason{domain.ReasonGroupAlreadyAbsent}, reasons(result.Failures))
	assert.Zero(t, f.sim.Requests(http.MethodPut, "/policy"))
}

func TestExpireGroupNotInPolicy(t *testing.T) {
	f := newFixture(t, 600)
	f.sim.AddAddress("C2_198.51.100.1", "198.51.100.1/32")
	f.sim.AddGroup("C2_2026_10_11_1", "C2_198.51.100.1")

	result := f.sync.ExpireGroup(context.Background(), domain.AddressGroup{
		Name:    "C2_2026_10_11_1",
		Members: []string{"C2_198.51.100.1"},
	})

	assert.Equal(t, []domain.FailureReason{domain.ReasonGroupNotInPolicy}, reasons(result.Failures))
	_, ok := f.sim.Group("C2_2026_10_11_1")
	assert.True(t, ok)
	assert.Zero(t, f.sim.Requests(http.MethodDelete, ""))
}

func TestExpireGroupDetachFails(t *testing.T) {
	f := newFixture(t, 600)
	group := seedAttached(f, "C2_2026_10_11_1", "198.51.100.1")
	f.sim.FailOn(http.MethodPut, "/policy", http.StatusBadRequest)

	result := f.sync.ExpireGroup(context.Background(), group)

	assert.Equal(t, []domain.FailureReason{domain.ReasonDetachFailed}, reasons(result.Failures))
	assert.Zero(t, f.sim.Requests(http.MethodDelete, ""))
}

func TestExpireGroupMemberFailureDoesNotStopOthers(t *testing.T) {
	f := newFixture(t, 600)
	group := seedAttached(f, "C2_2026_10_11_1", "198.51.100.1", "198.51.100.2", "198.51.100.3")
	f.sim.FailOn(http.MethodDelete, "/address/C2_198.51.100.2", http.StatusBadRequest)

	result := f.sync.ExpireGroup(context.Background(), group)

	require.Len(t, result.Failures, 1)
	assert.Equal(t, domain.ReasonDeleteMemberFailed, result.Failures[0].Reason)
	assert.Equal(t, "C2_198.51.100.2", result.Failures[0].Object)
	assert.Equal(t, []string{"C2_198.51.100.2"}, f.sim.Addresses())
	assert.Equal(t, []string{"C2_2026_10_11_1"}, result.GroupsDeleted)
}

func TestSyncExpirationsMatchesDays(t *testing.T) {
	f := newFixture(t, 600)
	seedAttached(f, "C2_2026_10_10_1", "198.51.100.1")
	seedAttached(f, "C2_2026_10_10_2", "198.51.100.2")
	seedAttached(f, "C2_2026_10_11_1", "198.51.100.3")
	seedAttached(f, "C2_2026_10_12_1", "198.51.100.4")
	f.sim.AddGroup("C2_2026_10_10_1_manual")

	days := []time.Time{
		time.Date(2026, 10, 10, 0, 0, 0, 0, time.Local),
		time.Date(2026, 10, 11, 0, 0, 0, 0, time.Local),
	}
	result := f.sync.SyncExpirations(context.Background(), days)

	assert.Empty(t, result.Failures)
	assert.ElementsMatch(t, []string{"C2_2026_10_10_1", "C2_2026_10_10_2", "C2_2026_10_11_1"}, result.GroupsDeleted)
	assert.Equal(t, []string{"C2_2026_10_10_1_manual", "C2_2026_10_12_1"}, f.sim.Groups())
	assert.Equal(t, []string{"all", "C2_2026_10_12_1"}, f.sim.Policy(testPolicy))
	assert.Equal(t, []string{"C2_198.51.100.4"}, f.sim.Addresses())
}

func TestSyncExpirationsListFailure(t *testing.T) {
	f := newFixture(t, 600)
	f.sim.FailOn(http.MethodGet, "/addrgrp", http.StatusBadRequest)

	result := f.sync.SyncExpirations(context.Background(), []time.Time{day19})

	assert.Equal(t, []domain.FailureReason{domain.ReasonLookupFailed}, reasons(result.Failures))
}
