package devices

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/deploysync/internal/records"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&records.Device{}); err != nil {
		t.Fatalf("failed to migrate device schema: %v", err)
	}
	registry, err := NewRegistry(RegistryConfig{
		Database: db,
		Clock: func() time.Time {
			return time.Unix(1700000000, 0)
		},
	})
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}
	return registry
}

type memorySettings map[string]string

func (m memorySettings) Setting(_ context.Context, key string) (string, bool, error) {
	value, ok := m[key]
	return value, ok, nil
}

func (m memorySettings) SetSetting(_ context.Context, key, value string) error {
	m[key] = value
	return nil
}

func TestRegisterAuthorizesDevice(t *testing.T) {
	registry := newTestRegistry(t)
	ctx := context.Background()

	if registry.IsAuthorized(ctx, "device_abc") {
		t.Fatalf("expected unknown device to be denied")
	}
	registered, err := registry.Register(ctx, records.Device{ID: " device_abc ", Name: "laptop", IP: "10.0.0.2"})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if registered.ID != "device_abc" {
		t.Fatalf("expected trimmed id, got %q", registered.ID)
	}
	if !registry.IsAuthorized(ctx, "device_abc") {
		t.Fatalf("expected registered device to be authorized")
	}

	stored, err := registry.Lookup(ctx, "device_abc")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if stored.Name != "laptop" || !stored.LastSeen.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("unexpected stored device %+v", stored)
	}
}

func TestRegisterRejectsEmptyID(t *testing.T) {
	registry := newTestRegistry(t)
	if _, err := registry.Register(context.Background(), records.Device{ID: "  "}); !errors.Is(err, ErrInvalidDevice) {
		t.Fatalf("expected invalid device error, got %v", err)
	}
}

func TestTouchRequiresRegistration(t *testing.T) {
	registry := newTestRegistry(t)
	ctx := context.Background()
	if err := registry.Touch(ctx, "device_missing"); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected not registered, got %v", err)
	}
	if _, err := registry.Register(ctx, records.Device{ID: "device_1"}); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := registry.Touch(ctx, "device_1"); err != nil {
		t.Fatalf("touch failed: %v", err)
	}
}

func TestLocalDeviceIDIsStable(t *testing.T) {
	settings := memorySettings{}
	ctx := context.Background()
	first, err := LocalDeviceID(ctx, settings)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(first, "device_") {
		t.Fatalf("expected device_ prefix, got %q", first)
	}
	second, err := LocalDeviceID(ctx, settings)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != second {
		t.Fatalf("expected stable device id, got %s then %s", first, second)
	}
}
