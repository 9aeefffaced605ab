package tor

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
)

type fakeController struct {
	nextID  int
	created map[string]bool
	failAdd bool
}

func newFakeController() *fakeController {
	return &fakeController{created: make(map[string]bool)}
}

func (f *fakeController) AddOnion(ctx context.Context, keyType OnionKeyType, privateKey string, onionPort int, targetAddr string) (string, string, error) {
	if f.failAdd {
		return "", "", ErrControlChannelUnavailable
	}
	f.nextID++
	id := fmt.Sprintf("svc%d", f.nextID)
	f.created[id] = true
	return id, "ED25519-V3:fake-key-blob", nil
}

func (f *fakeController) DelOnion(ctx context.Context, serviceID string) error {
	if !f.created[serviceID] {
		return ErrServiceNotFound
	}
	delete(f.created, serviceID)
	return nil
}

func newTestManager(t *testing.T) (*Manager, *fakeController) {
	t.Helper()
	dir := t.TempDir()
	fc := newFakeController()
	m, err := NewManager(fc, filepath.Join(dir, "registry.json"), filepath.Join(dir, "keys"))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, fc
}

func TestCreatePersistsRecord(t *testing.T) {
	m, _ := newTestManager(t)
	rec, err := m.Create(context.Background(), Request{
		Name:       "tunnel-1",
		Type:       ServiceTunnel,
		OnionPort:  80,
		TargetHost: "127.0.0.1",
		TargetPort: 8080,
		KeyType:    KeyNew,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.ServiceID == "" || rec.OnionAddress != rec.ServiceID+".onion" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.Status != StatusActive {
		t.Fatalf("expected active status, got %s", rec.Status)
	}

	got, err := m.Get(rec.ServiceID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "tunnel-1" {
		t.Fatalf("Get returned wrong record: %+v", got)
	}
}

func TestCreateConflictOnDuplicateName(t *testing.T) {
	m, _ := newTestManager(t)
	req := Request{Name: "dup", Type: ServiceDynamic, OnionPort: 80, TargetHost: "127.0.0.1", TargetPort: 9000, KeyType: KeyNew}
	if _, err := m.Create(context.Background(), req); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	if _, err := m.Create(context.Background(), req); err == nil {
		t.Fatalf("expected conflict on duplicate name")
	}
}

func TestCreatePropagatesControlChannelUnavailable(t *testing.T) {
	m, fc := newTestManager(t)
	fc.failAdd = true
	_, err := m.Create(context.Background(), Request{Name: "x", Type: ServiceDynamic, OnionPort: 80, TargetHost: "h", TargetPort: 1, KeyType: KeyNew})
	if err != ErrTorUnavailable {
		t.Fatalf("expected ErrTorUnavailable, got %v", err)
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	m, _ := newTestManager(t)
	rec, _ := m.Create(context.Background(), Request{Name: "rm", Type: ServiceDynamic, OnionPort: 80, TargetHost: "h", TargetPort: 1, KeyType: KeyNew})

	removed, err := m.Remove(context.Background(), rec.ServiceID)
	if err != nil || !removed {
		t.Fatalf("first Remove: removed=%v err=%v", removed, err)
	}
	removed, err = m.Remove(context.Background(), rec.ServiceID)
	if err != nil || removed {
		t.Fatalf("second Remove should be a no-op: removed=%v err=%v", removed, err)
	}

	if _, err := m.Get(rec.ServiceID); err == nil {
		t.Fatalf("expected ErrNotFound-equivalent: removed record should not Get")
	}
}

func TestListExcludesRemoved(t *testing.T) {
	m, _ := newTestManager(t)
	a, _ := m.Create(context.Background(), Request{Name: "a", Type: ServiceDynamic, OnionPort: 80, TargetHost: "h", TargetPort: 1, KeyType: KeyNew})
	_, _ = m.Create(context.Background(), Request{Name: "b", Type: ServiceDynamic, OnionPort: 81, TargetHost: "h", TargetPort: 2, KeyType: KeyNew})

	if _, err := m.Remove(context.Background(), a.ServiceID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	list := m.List()
	if len(list) != 1 || list[0].Name != "b" {
		t.Fatalf("expected only 'b' to remain, got %+v", list)
	}
}

func TestRotateRecordsOldAndNewAddress(t *testing.T) {
	m, _ := newTestManager(t)
	rec, err := m.Create(context.Background(), Request{Name: "rotating", Type: ServiceTunnel, OnionPort: 80, TargetHost: "h", TargetPort: 1, KeyType: KeyNew})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	oldAddress := rec.OnionAddress

	rotated, err := m.Rotate(context.Background(), rec.ServiceID)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if rotated.ServiceID == rec.ServiceID {
		t.Fatalf("expected a new service id after rotation")
	}
	if rotated.OnionAddress == oldAddress {
		t.Fatalf("expected a new onion address after rotation")
	}
	if rotated.Name != "rotating" || rotated.Type != ServiceTunnel {
		t.Fatalf("rotated record should preserve name/type: %+v", rotated)
	}

	if _, err := m.Get(rec.ServiceID); err == nil {
		t.Fatalf("old service id should no longer be retrievable")
	}

	audit := m.AuditLog()
	var found bool
	for _, ev := range audit {
		if ev.Action == "rotate" && ev.OldOnionAddress == oldAddress && ev.NewOnionAddress == rotated.OnionAddress {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a rotate audit event with old/new addresses, got %+v", audit)
	}
}

func TestRegistryPersistsAcrossManagerRestart(t *testing.T) {
	dir := t.TempDir()
	fc := newFakeController()
	registryPath := filepath.Join(dir, "registry.json")
	keyDir := filepath.Join(dir, "keys")

	m1, err := NewManager(fc, registryPath, keyDir)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	rec, err := m1.Create(context.Background(), Request{Name: "persisted", Type: ServiceStatic, OnionPort: 80, TargetHost: "h", TargetPort: 1, KeyType: KeyNew})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	m2, err := NewManager(fc, registryPath, keyDir)
	if err != nil {
		t.Fatalf("second NewManager: %v", err)
	}
	got, err := m2.Get(rec.ServiceID)
	if err != nil {
		t.Fatalf("Get after restart: %v", err)
	}
	if got.Name != "persisted" {
		t.Fatalf("restart lost record: %+v", got)
	}
}
