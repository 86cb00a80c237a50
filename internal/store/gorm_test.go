package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()

	store, err := NewGormStore(DriverSQLite, filepath.Join(t.TempDir(), "calls.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpenGormInvalidDriver(t *testing.T) {
	if _, err := OpenGorm("invalid", "x"); err == nil {
		t.Fatalf("expected invalid driver error")
	}
}

func TestOpenGormPostgresRequiresDSN(t *testing.T) {
	if _, err := OpenGorm(DriverPostgres, ""); err == nil {
		t.Fatalf("expected missing dsn error")
	}
}

func TestOpenGormSQLiteCreatesParentDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "path", "calls.db")

	db, err := OpenGorm(DriverSQLite, dbPath)
	if err != nil {
		t.Fatalf("open gorm sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	if _, err := os.Stat(filepath.Dir(dbPath)); err != nil {
		t.Fatalf("expected parent dir to be created: %v", err)
	}
}

func TestSQLiteFilePath(t *testing.T) {
	cases := []struct {
		dsn    string
		path   string
		onDisk bool
	}{
		{dsn: ":memory:", onDisk: false},
		{dsn: "file::memory:?cache=shared", onDisk: false},
		{dsn: "file:calls.db?mode=memory", onDisk: false},
		{dsn: "data/calls.db?_pragma=busy_timeout(5000)", path: "data/calls.db", onDisk: true},
		{dsn: "file:/var/lib/calls.db", path: "/var/lib/calls.db", onDisk: true},
	}
	for _, tc := range cases {
		path, onDisk := sqliteFilePath(tc.dsn)
		if onDisk != tc.onDisk || path != tc.path {
			t.Fatalf("dsn %q: expected (%q, %v), got (%q, %v)", tc.dsn, tc.path, tc.onDisk, path, onDisk)
		}
	}
}

func TestRecordCallEndPersistsRecords(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	calls := 0
	store.now = func() time.Time {
		calls++
		return base.Add(time.Duration(calls) * time.Second)
	}

	first, err := store.RecordCallEnd(context.Background(), "room-1", "Idle timeout")
	if err != nil {
		t.Fatalf("record call end: %v", err)
	}
	second, err := store.RecordCallEnd(context.Background(), "room-1", "Call ended")
	if err != nil {
		t.Fatalf("record call end: %v", err)
	}
	if _, err := store.RecordCallEnd(context.Background(), "room-2", "User hung up"); err != nil {
		t.Fatalf("record call end: %v", err)
	}
	if first == "" || first == second {
		t.Fatalf("expected distinct operation ids, got %q and %q", first, second)
	}

	ends, err := store.CallEnds(context.Background(), "room-1")
	if err != nil {
		t.Fatalf("list call ends: %v", err)
	}
	if len(ends) != 2 {
		t.Fatalf("expected two call ends, got %d", len(ends))
	}
	if ends[0].OperationID != first || ends[0].Reason != "Idle timeout" {
		t.Fatalf("unexpected first call end %+v", ends[0])
	}
	if ends[1].OperationID != second || !ends[1].EndedAt.Equal(base.Add(2*time.Second)) {
		t.Fatalf("unexpected second call end %+v", ends[1])
	}
}

func TestCallEndsForUnknownRoomIsEmpty(t *testing.T) {
	store := newTestStore(t)

	ends, err := store.CallEnds(context.Background(), "missing")
	if err != nil {
		t.Fatalf("list call ends: %v", err)
	}
	if len(ends) != 0 {
		t.Fatalf("expected no call ends, got %d", len(ends))
	}
}

func TestRecordCallEndValidatesInput(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.RecordCallEnd(context.Background(), "", "Call ended"); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord for missing room, got %v", err)
	}
	if _, err := store.RecordCallEnd(context.Background(), "room-1", ""); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord for missing reason, got %v", err)
	}
}

func TestOpenSelectsBackend(t *testing.T) {
	store, err := Open(Config{Driver: DriverSQLite, DSN: filepath.Join(t.TempDir(), "calls.db")})
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if _, ok := store.(*GormStore); !ok {
		t.Fatalf("expected gorm store, got %T", store)
	}

	if _, err := Open(Config{Driver: DriverSupabase}); err == nil {
		t.Fatalf("expected supabase store without credentials to fail")
	}
	if _, err := Open(Config{Driver: "mongo"}); err == nil {
		t.Fatalf("expected unknown store to fail")
	}
}
