package device

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	schema := `
		CREATE TABLE devices (
			uuid                  TEXT PRIMARY KEY,
			name                  TEXT NOT NULL DEFAULT '',
			host                  TEXT NOT NULL DEFAULT '',
			key                   TEXT NOT NULL DEFAULT '',
			transport             TEXT NOT NULL DEFAULT 'auto',
			poll_interval_seconds INTEGER NOT NULL DEFAULT 0,
			model                 TEXT NOT NULL DEFAULT '',
			firmware_version      TEXT NOT NULL DEFAULT '',
			hardware_version      TEXT NOT NULL DEFAULT '',
			mac_address           TEXT NOT NULL DEFAULT '',
			abilities             TEXT NOT NULL DEFAULT '{}',
			created_at            DATETIME NOT NULL,
			updated_at            DATETIME NOT NULL
		);
	`
	if _, execErr := db.Exec(schema); execErr != nil {
		db.Close()
		t.Fatalf("failed to create test schema: %v", execErr)
	}

	t.Cleanup(func() { db.Close() })
	return db
}

func testDevice(uuid, name string) *Device {
	return &Device{
		UUID:         uuid,
		Name:         name,
		Host:         "192.168.1.50",
		Key:          "shared-key",
		Transport:    TransportAuto,
		PollInterval: 30 * time.Second,
	}
}

// =============================================================================
// Repository Tests
// =============================================================================

func TestRepositoryCreateAndGet(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	dev := testDevice("2208aabbcc", "Kitchen Plug")
	dev.Abilities = AbilityCatalog{
		"Appliance.Control.ToggleX": {},
	}
	if err := repo.Create(ctx, dev); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if dev.CreatedAt.IsZero() || dev.UpdatedAt.IsZero() {
		t.Error("Create() did not stamp timestamps")
	}

	got, err := repo.Get(ctx, "2208aabbcc")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Name != "Kitchen Plug" {
		t.Errorf("Name = %q, want %q", got.Name, "Kitchen Plug")
	}
	if got.Transport != TransportAuto {
		t.Errorf("Transport = %q, want %q", got.Transport, TransportAuto)
	}
	if got.PollInterval != 30*time.Second {
		t.Errorf("PollInterval = %v, want 30s", got.PollInterval)
	}
	if _, ok := got.Abilities.Supports("Appliance.Control.ToggleX"); !ok {
		t.Error("Abilities lost ToggleX across the round trip")
	}
}

func TestRepositoryCreateDuplicate(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	if err := repo.Create(ctx, testDevice("dup-uuid", "First")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	err := repo.Create(ctx, testDevice("dup-uuid", "Second"))
	if !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("Create() error = %v, want ErrAlreadyExists", err)
	}
}

func TestRepositoryCreateInvalid(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	err := repo.Create(ctx, &Device{Name: "no uuid", Transport: TransportAuto})
	if !errors.Is(err, ErrInvalidDevice) {
		t.Errorf("Create(no uuid) error = %v, want ErrInvalidDevice", err)
	}

	dev := testDevice("bad-transport", "Plug")
	dev.Transport = "carrier-pigeon"
	err = repo.Create(ctx, dev)
	if !errors.Is(err, ErrInvalidDevice) {
		t.Errorf("Create(bad transport) error = %v, want ErrInvalidDevice", err)
	}
}

func TestRepositoryGetMissing(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))

	_, err := repo.Get(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestRepositoryUpdate(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	dev := testDevice("2208aabbcc", "Plug")
	if err := repo.Create(ctx, dev); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// Simulate bind-time discovery filling in metadata.
	dev.Model = "mss310"
	dev.FirmwareVersion = "2.1.8"
	dev.MACAddress = "aa:bb:cc:dd:ee:ff"
	if err := repo.Update(ctx, dev); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got, err := repo.Get(ctx, "2208aabbcc")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Model != "mss310" || got.FirmwareVersion != "2.1.8" {
		t.Errorf("Update() lost metadata: model=%q fw=%q", got.Model, got.FirmwareVersion)
	}

	err = repo.Update(ctx, testDevice("missing", "Ghost"))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Update(missing) error = %v, want ErrNotFound", err)
	}
}

func TestRepositoryDelete(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	if err := repo.Create(ctx, testDevice("2208aabbcc", "Plug")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := repo.Delete(ctx, "2208aabbcc"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := repo.Get(ctx, "2208aabbcc"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
	}
	if err := repo.Delete(ctx, "2208aabbcc"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete() twice error = %v, want ErrNotFound", err)
	}
}

func TestRepositoryListOrdering(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	for _, name := range []string{"Zeta", "Alpha", "Mid"} {
		if err := repo.Create(ctx, testDevice("uuid-"+name, name)); err != nil {
			t.Fatalf("Create(%s) error = %v", name, err)
		}
	}

	devices, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(devices) != 3 {
		t.Fatalf("len(devices) = %d, want 3", len(devices))
	}
	want := []string{"Alpha", "Mid", "Zeta"}
	for i, w := range want {
		if devices[i].Name != w {
			t.Errorf("devices[%d].Name = %q, want %q", i, devices[i].Name, w)
		}
	}
}

// =============================================================================
// Registry Tests
// =============================================================================

func TestRegistryCacheLifecycle(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	registry := NewRegistry(repo)
	ctx := context.Background()

	if err := repo.Create(ctx, testDevice("pre-existing", "Seeded")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := registry.RefreshCache(ctx); err != nil {
		t.Fatalf("RefreshCache() error = %v", err)
	}
	if got := registry.Count(); got != 1 {
		t.Fatalf("Count() = %d, want 1", got)
	}

	if err := registry.Create(ctx, testDevice("via-registry", "Direct")); err != nil {
		t.Fatalf("registry.Create() error = %v", err)
	}
	if _, err := registry.Get("via-registry"); err != nil {
		t.Errorf("Get() after Create error = %v", err)
	}

	if err := registry.Delete(ctx, "via-registry"); err != nil {
		t.Fatalf("registry.Delete() error = %v", err)
	}
	if _, err := registry.Get("via-registry"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after Delete error = %v, want ErrNotFound", err)
	}
}

func TestRegistryReturnsCopies(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	registry := NewRegistry(repo)
	ctx := context.Background()

	dev := testDevice("copy-check", "Original")
	if err := registry.Create(ctx, dev); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := registry.Get("copy-check")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	got.Name = "Mutated"

	again, err := registry.Get("copy-check")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if again.Name != "Original" {
		t.Errorf("cache entry mutated through returned copy: Name = %q", again.Name)
	}
}
