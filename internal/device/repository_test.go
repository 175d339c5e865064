package device

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/nerrad567/hive-core/internal/infrastructure/database"
	_ "github.com/nerrad567/hive-core/migrations"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	db, err := database.Open(ctx, database.Config{
		Path:        filepath.Join(t.TempDir(), "hive.db"),
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	return db.DB
}

func TestSQLiteRepository_CRUD(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	d := &Device{
		ID:     "dev-1",
		Name:   "Thermostat",
		Key:    "secret-1",
		Status: StatusOnline,
		Data:   map[string]any{"floor": 2.0},
	}
	if err := repo.Create(ctx, d); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if d.CreatedAt.IsZero() || d.UpdatedAt.IsZero() {
		t.Error("timestamps not set")
	}

	got, err := repo.GetByID(ctx, "dev-1")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Name != "Thermostat" || got.Key != "secret-1" || got.Data["floor"] != 2.0 {
		t.Errorf("GetByID() = %+v", got)
	}

	// Same key, different id.
	dup := &Device{ID: "dev-2", Name: "Copy", Key: "secret-1", Status: StatusOnline}
	if err := repo.Create(ctx, dup); !errors.Is(err, ErrDeviceExists) {
		t.Errorf("Create(duplicate key) error = %v, want ErrDeviceExists", err)
	}

	list, err := repo.List(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("List() = %d, %v", len(list), err)
	}

	if err := repo.Delete(ctx, "dev-1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := repo.GetByID(ctx, "dev-1"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("GetByID(deleted) error = %v", err)
	}
	if err := repo.Delete(ctx, "dev-1"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("Delete(missing) error = %v", err)
	}
}

func TestSQLiteRepository_NilDataStoredAsEmptyObject(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	if err := repo.Create(ctx, &Device{ID: "d", Name: "n", Key: "k", Status: StatusOffline}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	got, err := repo.GetByID(ctx, "d")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Data == nil || len(got.Data) != 0 {
		t.Errorf("Data = %#v, want empty map", got.Data)
	}
}
