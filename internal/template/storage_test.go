package template

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/ERPlora/module-messaging/internal/channel"
	"github.com/ERPlora/module-messaging/internal/storage"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()

	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := NewStorage(db)
	if err != nil {
		t.Fatalf("NewStorage() error = %v", err)
	}
	return s
}

func TestStorageCreate(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	tmpl := &Template{
		TenantID: "t1",
		Name:     "Reminder",
		Channel:  channel.WhatsApp,
		Category: CategoryAppointmentReminder,
		Body:     "Hi {{name}}, your appointment is on {{date}}",
		IsActive: true,
	}
	if err := s.Create(ctx, tmpl); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if tmpl.ID == "" || tmpl.Version != 1 || tmpl.CreatedAt.IsZero() {
		t.Errorf("Create() did not set metadata: %+v", tmpl)
	}
	if want := []string{"date", "name"}; !reflect.DeepEqual(tmpl.Variables, want) {
		t.Errorf("Variables = %v, want %v", tmpl.Variables, want)
	}

	got, err := s.GetByName(ctx, "t1", "reminder")
	if err != nil {
		t.Fatalf("GetByName() error = %v", err)
	}
	if got.ID != tmpl.ID {
		t.Errorf("GetByName() ID = %s, want %s", got.ID, tmpl.ID)
	}
}

func TestStorageNameUniquePerTenant(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	mk := func(tenant string) *Template {
		return &Template{TenantID: tenant, Name: "welcome", Channel: channel.SMS, Body: "Hi"}
	}

	if err := s.Create(ctx, mk("t1")); err != nil {
		t.Fatal(err)
	}
	if err := s.Create(ctx, mk("t1")); !errors.Is(err, ErrNameTaken) {
		t.Errorf("Create() duplicate error = %v, want ErrNameTaken", err)
	}
	if err := s.Create(ctx, mk("t2")); err != nil {
		t.Errorf("Create() in other tenant error = %v", err)
	}
}

func TestStorageTenantIsolation(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	tmpl := &Template{TenantID: "t1", Name: "a", Channel: channel.SMS, Body: "x"}
	if err := s.Create(ctx, tmpl); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Get(ctx, "t2", tmpl.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() from other tenant error = %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, "t2", tmpl.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete() from other tenant error = %v, want ErrNotFound", err)
	}
}

func TestStorageUpdate(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	tmpl := &Template{TenantID: "t1", Name: "receipt", Channel: channel.Email, Subject: "Receipt", Body: "Total {{total}}"}
	if err := s.Create(ctx, tmpl); err != nil {
		t.Fatal(err)
	}
	other := &Template{TenantID: "t1", Name: "other", Channel: channel.SMS, Body: "x"}
	if err := s.Create(ctx, other); err != nil {
		t.Fatal(err)
	}

	updated := *tmpl
	updated.Name = "receipt-v2"
	updated.Body = "Total {{total}} at {{store}}"
	if err := s.Update(ctx, &updated); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("Version = %d, want 2", updated.Version)
	}
	if want := []string{"store", "total"}; !reflect.DeepEqual(updated.Variables, want) {
		t.Errorf("Variables = %v, want %v", updated.Variables, want)
	}

	if _, err := s.GetByName(ctx, "t1", "receipt"); !errors.Is(err, ErrNotFound) {
		t.Errorf("old name still indexed: %v", err)
	}
	if _, err := s.GetByName(ctx, "t1", "receipt-v2"); err != nil {
		t.Errorf("new name not indexed: %v", err)
	}

	clash := updated
	clash.Name = "other"
	if err := s.Update(ctx, &clash); !errors.Is(err, ErrNameTaken) {
		t.Errorf("Update() to taken name error = %v, want ErrNameTaken", err)
	}

	invalid := updated
	invalid.Subject = ""
	if err := s.Update(ctx, &invalid); !errors.Is(err, ErrSubjectRequired) {
		t.Errorf("Update() without subject error = %v, want ErrSubjectRequired", err)
	}
}

func TestStorageSetActiveAndDelete(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	tmpl := &Template{TenantID: "t1", Name: "promo", Channel: channel.SMS, Body: "x", IsActive: true}
	sys := &Template{TenantID: "t1", Name: "system", Channel: channel.SMS, Body: "x", IsSystem: true}
	for _, tt := range []*Template{tmpl, sys} {
		if err := s.Create(ctx, tt); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.SetActive(ctx, "t1", tmpl.ID, false)
	if err != nil {
		t.Fatalf("SetActive() error = %v", err)
	}
	if got.IsActive {
		t.Error("template still active")
	}

	active := true
	list, err := s.List(ctx, "t1", ListFilter{Active: &active})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != sys.ID {
		t.Errorf("List(active) = %d templates, want only the system one", len(list))
	}

	if err := s.Delete(ctx, "t1", sys.ID); !errors.Is(err, ErrSystemTemplate) {
		t.Errorf("Delete(system) error = %v, want ErrSystemTemplate", err)
	}
	if err := s.Delete(ctx, "t1", tmpl.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := s.Get(ctx, "t1", tmpl.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
	}
}

func TestStorageList(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	for _, tt := range []*Template{
		{TenantID: "t1", Name: "b-sms", Channel: channel.SMS, Body: "x", Category: CategoryMarketing},
		{TenantID: "t1", Name: "a-email", Channel: channel.Email, Subject: "s", Body: "y"},
		{TenantID: "t1", Name: "c-sms", Channel: channel.SMS, Body: "z"},
		{TenantID: "t2", Name: "d-sms", Channel: channel.SMS, Body: "w"},
	} {
		if err := s.Create(ctx, tt); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name   string
		filter ListFilter
		want   []string
	}{
		{"all ordered by name", ListFilter{}, []string{"a-email", "b-sms", "c-sms"}},
		{"by channel", ListFilter{Channel: channel.SMS}, []string{"b-sms", "c-sms"}},
		{"by category", ListFilter{Category: CategoryMarketing}, []string{"b-sms"}},
		{"search", ListFilter{Search: "EMAIL"}, []string{"a-email"}},
		{"paged", ListFilter{Offset: 1, Limit: 1}, []string{"b-sms"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list, err := s.List(ctx, "t1", tt.filter)
			if err != nil {
				t.Fatal(err)
			}
			var names []string
			for _, tmpl := range list {
				names = append(names, tmpl.Name)
			}
			if !reflect.DeepEqual(names, tt.want) {
				t.Errorf("List() = %v, want %v", names, tt.want)
			}
		})
	}
}
