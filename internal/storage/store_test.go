package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/qudata/provisioner/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	s, err := Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func sampleInstance(id, user string) *domain.Instance {
	return &domain.Instance{
		ID:              id,
		UserID:          user,
		WalletAddress:   "wallet-" + user,
		Name:            "web",
		DropletID:       "droplet-" + id,
		Status:          domain.StatusProvisioning,
		Region:          "ewr",
		OperatingSystem: "387",
		VCPUCount:       1,
		RAMMB:           1024,
		DiskGB:          25,
		RootPassword:    "secret",
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}

func TestOwnedInstanceLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.InsertInstance(ctx, sampleInstance("i-1", "alice")); err != nil {
		t.Fatalf("InsertInstance: %v", err)
	}

	got, err := s.GetOwnedInstance(ctx, "i-1", "alice")
	if err != nil {
		t.Fatalf("GetOwnedInstance: %v", err)
	}
	if got.DropletID != "droplet-i-1" || got.Status != domain.StatusProvisioning || got.RootPassword != "secret" {
		t.Errorf("got %+v", got)
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}

	if _, err := s.GetOwnedInstance(ctx, "i-1", "bob"); !errors.Is(err, domain.ErrRecordNotFound) {
		t.Errorf("foreign lookup err = %v, want ErrRecordNotFound", err)
	}
	if _, err := s.GetOwnedInstance(ctx, "missing", "alice"); !errors.Is(err, domain.ErrRecordNotFound) {
		t.Errorf("missing lookup err = %v, want ErrRecordNotFound", err)
	}
}

func TestUpdatesAreScopedToOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_ = s.InsertInstance(ctx, sampleInstance("i-1", "alice"))

	if err := s.UpdateInstanceStatus(ctx, "i-1", "bob", domain.StatusOffline); !errors.Is(err, domain.ErrRecordNotFound) {
		t.Errorf("foreign update err = %v", err)
	}
	if err := s.UpdateInstanceStatus(ctx, "i-1", "alice", domain.StatusOnline); err != nil {
		t.Fatalf("UpdateInstanceStatus: %v", err)
	}

	got, _ := s.GetOwnedInstance(ctx, "i-1", "alice")
	if got.Status != domain.StatusOnline {
		t.Errorf("status = %s, want online", got.Status)
	}
}

func TestUpdateNetworkKeepsIdentity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_ = s.InsertInstance(ctx, sampleInstance("i-1", "alice"))

	err := s.UpdateInstanceNetwork(ctx, "i-1", "alice", domain.NetworkUpdate{
		Status:      domain.StatusOnline,
		IPAddress:   "1.2.3.4",
		ActualIP:    "1.2.3.4",
		IPv6Address: "2001:db8::1",
	})
	if err != nil {
		t.Fatalf("UpdateInstanceNetwork: %v", err)
	}

	got, _ := s.GetOwnedInstance(ctx, "i-1", "alice")
	if got.IPAddress != "1.2.3.4" || got.ActualIP != "1.2.3.4" || got.IPv6Address != "2001:db8::1" {
		t.Errorf("network = %+v", got)
	}
	if got.DropletID != "droplet-i-1" || got.RootPassword != "secret" {
		t.Errorf("identity fields changed: %+v", got)
	}
}

func TestDeleteInstance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_ = s.InsertInstance(ctx, sampleInstance("i-1", "alice"))

	if err := s.DeleteInstance(ctx, "i-1", "bob"); !errors.Is(err, domain.ErrRecordNotFound) {
		t.Errorf("foreign delete err = %v", err)
	}
	if err := s.DeleteInstance(ctx, "i-1", "alice"); err != nil {
		t.Fatalf("DeleteInstance: %v", err)
	}
	if _, err := s.GetOwnedInstance(ctx, "i-1", "alice"); !errors.Is(err, domain.ErrRecordNotFound) {
		t.Errorf("after delete err = %v", err)
	}
}

func TestListOwnedInstances(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_ = s.InsertInstance(ctx, sampleInstance("i-1", "alice"))
	_ = s.InsertInstance(ctx, sampleInstance("i-2", "alice"))
	_ = s.InsertInstance(ctx, sampleInstance("i-3", "bob"))

	got, err := s.ListOwnedInstances(ctx, "alice", "wallet-alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("len = %d, want 2", len(got))
	}

	none, err := s.ListOwnedInstances(ctx, "alice", "nobody")
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Errorf("len = %d, want 0", len(none))
	}
}

func TestListOwnedInstancesSharedWallet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mine := sampleInstance("i-1", "alice")
	mine.WalletAddress = "shared"
	theirs := sampleInstance("i-2", "mallory")
	theirs.WalletAddress = "shared"
	for _, in := range []*domain.Instance{mine, theirs} {
		if err := s.InsertInstance(ctx, in); err != nil {
			t.Fatalf("InsertInstance: %v", err)
		}
	}

	for _, user := range []string{"alice", "mallory"} {
		got, err := s.ListOwnedInstances(ctx, user, "shared")
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 || got[0].UserID != user {
			t.Errorf("%s sees %+v, want only their own record", user, got)
		}
	}

	if got, _ := s.ListOwnedInstances(ctx, "eve", "shared"); len(got) != 0 {
		t.Errorf("eve sees %d records, want 0", len(got))
	}
}

func TestUpsertProfile(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetProfile(ctx, "alice"); !errors.Is(err, domain.ErrRecordNotFound) {
		t.Errorf("err = %v", err)
	}
	if err := s.UpsertProfile(ctx, "alice", "w1"); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertProfile(ctx, "alice", "w2"); err != nil {
		t.Fatal(err)
	}

	p, err := s.GetProfile(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if p.WalletAddress != "w2" {
		t.Errorf("wallet = %q, want w2", p.WalletAddress)
	}
}

func TestSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	live := &domain.Session{Token: "live", UserID: "alice", ExpiresAt: now.Add(time.Hour)}
	dead := &domain.Session{Token: "dead", UserID: "alice", ExpiresAt: now.Add(-time.Hour)}
	for _, sess := range []*domain.Session{live, dead} {
		if err := s.CreateSession(ctx, sess); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.GetSession(ctx, "live")
	if err != nil {
		t.Fatal(err)
	}
	if got.UserID != "alice" || got.Expired(now) {
		t.Errorf("session = %+v", got)
	}

	n, err := s.DeleteExpiredSessions(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("purged = %d, want 1", n)
	}

	if err := s.DeleteSession(ctx, "live"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetSession(ctx, "live"); !errors.Is(err, domain.ErrRecordNotFound) {
		t.Errorf("err = %v", err)
	}
}
