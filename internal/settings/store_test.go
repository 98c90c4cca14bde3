package settings

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ERPlora/module-messaging/internal/config"
	"github.com/ERPlora/module-messaging/internal/storage"
)

func newTestStore(t *testing.T, seeds map[string]config.MessagingSettings) *Store {
	t.Helper()

	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := NewStore(db, seeds)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return s
}

func TestGetCreatesDefaults(t *testing.T) {
	s := newTestStore(t, nil)

	got, err := s.Get(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !got.EmailEnabled || got.WhatsAppEnabled || got.SMSProvider != config.SMSProviderNone {
		t.Errorf("Get() = %+v, want defaults", got)
	}

	tenants, _ := s.Tenants(context.Background())
	if len(tenants) != 1 || tenants[0] != "t1" {
		t.Errorf("Tenants() = %v, want [t1]", tenants)
	}
}

func TestGetUsesSeed(t *testing.T) {
	seed := config.DefaultSettings()
	seed.WhatsAppEnabled = true
	seed.WhatsAppAPIToken = "tok"

	s := newTestStore(t, map[string]config.MessagingSettings{"salon": seed})

	got, err := s.Get(context.Background(), "salon")
	if err != nil {
		t.Fatal(err)
	}
	if !got.WhatsAppEnabled || got.WhatsAppAPIToken != "tok" {
		t.Errorf("Get() = %+v, want seeded settings", got)
	}
}

func TestGetReturnsSnapshot(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	snapshot, _ := s.Get(ctx, "t1")

	update := snapshot.Clone()
	update.SMSEnabled = true
	if _, err := s.Put(ctx, "t1", update); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	if snapshot.SMSEnabled {
		t.Error("earlier snapshot changed after Put")
	}
	current, _ := s.Get(ctx, "t1")
	if !current.SMSEnabled {
		t.Error("Put() not visible to later Get")
	}
}

func TestPutKeepsMaskedSecrets(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	first := config.DefaultSettings()
	first.EmailSMTPPassword = "hunter2"
	if _, err := s.Put(ctx, "t1", first); err != nil {
		t.Fatal(err)
	}

	masked := first.Redacted()
	masked.EmailFromName = "Salon"
	if _, err := s.Put(ctx, "t1", masked); err != nil {
		t.Fatal(err)
	}

	got, _ := s.Get(ctx, "t1")
	if got.EmailSMTPPassword != "hunter2" {
		t.Errorf("EmailSMTPPassword = %q, want stored secret kept", got.EmailSMTPPassword)
	}
	if got.EmailFromName != "Salon" {
		t.Errorf("EmailFromName = %q", got.EmailFromName)
	}
}

func TestPutValidates(t *testing.T) {
	s := newTestStore(t, nil)

	bad := config.DefaultSettings()
	bad.SMSProvider = "carrier-pigeon"
	if _, err := s.Put(context.Background(), "t1", bad); err == nil {
		t.Error("Put() with invalid provider should fail")
	}
}
