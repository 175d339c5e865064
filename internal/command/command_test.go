package command

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/hive-core/internal/infrastructure/database"
	"github.com/nerrad567/hive-core/internal/notification"
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
	now := database.FormatTime(time.Now())
	if _, err := db.ExecContext(ctx,
		"INSERT INTO devices (id, name, key, created_at, updated_at) VALUES ('dev-1', 'Thermostat', 'k1', ?, ?)",
		now, now,
	); err != nil {
		t.Fatalf("seeding device: %v", err)
	}
	return db.DB
}

func strPtr(s string) *string { return &s }

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cmd     *Command
		wantErr error
	}{
		{"valid", New("dev-1", "reboot", nil), nil},
		{"missing name", New("dev-1", "", nil), ErrNameRequired},
		{"long name", New("dev-1", strings.Repeat("x", MaxNameLength+1), nil), ErrNameRequired},
		{"missing device", New("", "reboot", nil), ErrDeviceRequired},
		{"negative lifetime", &Command{Command: "reboot", DeviceID: "d", Lifetime: -1}, ErrInvalidLifetime},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cmd.Validate(); !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestIsExpired(t *testing.T) {
	c := New("dev-1", "reboot", nil)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.SetTimestamp(start)

	if c.IsExpired(start.Add(time.Hour)) {
		t.Error("command without lifetime should never expire")
	}

	c.Lifetime = 10
	if c.IsExpired(start.Add(10 * time.Second)) {
		t.Error("command should still be valid at exactly its lifetime")
	}
	if !c.IsExpired(start.Add(11 * time.Second)) {
		t.Error("command should be expired after its lifetime")
	}
}

func TestUpdate_Validate(t *testing.T) {
	if err := (Update{}).Validate(); !errors.Is(err, ErrEmptyUpdate) {
		t.Errorf("empty update error = %v", err)
	}
	if err := (Update{Status: strPtr("done")}).Validate(); err != nil {
		t.Errorf("status update error = %v", err)
	}
}

func TestDeepCopyAndJSON(t *testing.T) {
	c := New("dev-1", "set", notification.Parameters{"level": 3.0})
	c.Result = notification.Parameters{"ok": true}

	cpy := c.DeepCopy()
	cpy.Parameters["level"] = 9.0
	cpy.Result["ok"] = false
	if c.Parameters["level"] != 3.0 || c.Result["ok"] != true {
		t.Error("DeepCopy shares maps with the original")
	}

	data, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var v map[string]any
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatal(err)
	}
	if v["command"] != "set" || v["deviceId"] != "dev-1" {
		t.Errorf("unexpected JSON %s", data)
	}
}

func TestFromView(t *testing.T) {
	c := New("dev-1", "set", notification.Parameters{"level": 3.0})
	c.Lifetime = 30
	c.OriginSession = "sess-1"
	if err := c.AssignID(5); err != nil {
		t.Fatal(err)
	}
	c.version = 2

	got := FromView(c.View())
	if got.ID() != 5 || got.Version() != 2 || got.Lifetime != 30 || !got.Timestamp().Equal(c.Timestamp()) {
		t.Errorf("FromView() = %+v", got)
	}
	if got.OriginSession != "" {
		t.Error("OriginSession must not travel in the view")
	}
}

func TestSQLiteRepository_StoreFetch(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	c := New("dev-1", "reboot", notification.Parameters{"delay": 5.0})
	c.UserID = "alice"
	c.Lifetime = 60

	id, err := repo.Store(ctx, c)
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if c.ID() != id || c.Version() != 1 {
		t.Fatalf("after Store id=%d version=%d", c.ID(), c.Version())
	}

	got, err := repo.Fetch(ctx, id)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if got.Command != "reboot" || got.UserID != "alice" || got.Lifetime != 60 || got.Parameters["delay"] != 5.0 {
		t.Errorf("Fetch() = %+v", got.View())
	}
	if got.Result != nil {
		t.Errorf("Result = %v, want nil", got.Result)
	}

	if _, err := repo.Fetch(ctx, id+100); !errors.Is(err, ErrNotFound) {
		t.Errorf("Fetch(missing) error = %v", err)
	}
	if _, err := repo.Store(ctx, c); !errors.Is(err, ErrIDAssigned) {
		t.Errorf("second Store() error = %v", err)
	}
}

func TestSQLiteRepository_Update(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	c := New("dev-1", "reboot", nil)
	id, err := repo.Store(ctx, c)
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	updated, err := repo.Update(ctx, id, Update{
		Status:  strPtr("done"),
		Result:  notification.Parameters{"uptime": 0.0},
		Version: 1,
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if updated.Status != "done" || updated.Version() != 2 || updated.Result["uptime"] != 0.0 {
		t.Errorf("Update() = %+v", updated.View())
	}

	// Stale version.
	_, err = repo.Update(ctx, id, Update{Status: strPtr("again"), Version: 1})
	if !errors.Is(err, ErrVersionConflict) {
		t.Errorf("stale Update() error = %v, want ErrVersionConflict", err)
	}

	// Version zero skips the check.
	again, err := repo.Update(ctx, id, Update{Status: strPtr("again")})
	if err != nil {
		t.Fatalf("unconditional Update() error = %v", err)
	}
	if again.Version() != 3 {
		t.Errorf("Version() = %d, want 3", again.Version())
	}

	if _, err := repo.Update(ctx, 999, Update{Status: strPtr("x")}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update(missing) error = %v", err)
	}
	if _, err := repo.Update(ctx, id, Update{}); !errors.Is(err, ErrEmptyUpdate) {
		t.Errorf("empty Update() error = %v", err)
	}
}

func TestSQLiteRepository_UpdateExpired(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return start }

	c := New("dev-1", "reboot", nil)
	c.SetTimestamp(start)
	c.Lifetime = 30
	id, err := repo.Store(ctx, c)
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	repo.now = func() time.Time { return start.Add(time.Minute) }
	if _, err := repo.Update(ctx, id, Update{Status: strPtr("late")}); !errors.Is(err, ErrExpired) {
		t.Errorf("Update() error = %v, want ErrExpired", err)
	}
}
