package sqlite

import (
	"context"
	"database/sql"
	"io/fs"
	"path/filepath"
	"testing"
	"time"
)

// TestDB представляет тестовую SQLite базу данных с удобными хелперами.
type TestDB struct {
	DB       *sql.DB
	Path     string
	Manager  *Manager
	Exec     *Executor
	TxRunner *TxRunner
}

// TestOptions - настройки для тестов: короткий busy_timeout и быстрые повторы,
// чтобы сценарии с блокировкой не ждали секундами.
func TestOptions() DBOptions {
	opts := DefaultDBOptions()
	opts.BusyTimeout = 50 * time.Millisecond
	fast := RetryPolicy{MaxRetries: 5, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 1.5}
	opts.ConnectRetry = fast
	opts.StatementRetry = fast
	opts.UnitRetry = fast
	return opts
}

// NewTestDBInMemory создает in-memory SQLite БД для тестов.
// БД автоматически закрывается после завершения теста.
func NewTestDBInMemory(t *testing.T) *TestDB {
	t.Helper()

	opts := TestOptions()
	inMem := InMemoryOptions()
	opts.WALMode = inMem.WALMode
	return newTestDB(t, ":memory:", opts)
}

// NewTestDBFile создает файловую SQLite БД во временном каталоге теста.
func NewTestDBFile(t *testing.T) *TestDB {
	t.Helper()
	return newTestDB(t, filepath.Join(t.TempDir(), "test.sqlite"), TestOptions())
}

// NewTestDBWithOptions создает файловую БД с заданными настройками.
func NewTestDBWithOptions(t *testing.T, opts DBOptions) *TestDB {
	t.Helper()
	return newTestDB(t, filepath.Join(t.TempDir(), "test.sqlite"), opts)
}

func newTestDB(t *testing.T, path string, opts DBOptions) *TestDB {
	t.Helper()

	mgr := NewManager(path, opts, nil)
	db, err := mgr.Open(context.Background())
	if err != nil {
		t.Fatalf("Failed to open test DB: %v", err)
	}

	runner := NewTxRunner(db, opts, nil)
	t.Cleanup(func() {
		_ = runner.Close()
		_ = mgr.Close()
	})

	return &TestDB{
		DB:       db,
		Path:     path,
		Manager:  mgr,
		Exec:     NewExecutor(db, opts.StatementRetry, nil),
		TxRunner: runner,
	}
}

// ApplyTestMigrations применяет встроенные миграции к тестовой БД.
func (tdb *TestDB) ApplyTestMigrations(t *testing.T, fsys fs.FS, dir string) {
	t.Helper()

	if _, err := MigrateUp(tdb.DB, fsys, dir); err != nil {
		t.Fatalf("Failed to apply test migrations: %v", err)
	}
}

// MustExec выполняет SQL команду и проверяет отсутствие ошибок.
func (tdb *TestDB) MustExec(t *testing.T, query string, args ...any) sql.Result {
	t.Helper()

	result, err := tdb.DB.ExecContext(context.Background(), query, args...)
	if err != nil {
		t.Fatalf("Failed to execute query: %v", err)
	}
	return result
}

// MustSeedData вставляет тестовые данные и падает при ошибке.
func (tdb *TestDB) MustSeedData(t *testing.T, queries ...string) {
	t.Helper()

	for _, query := range queries {
		tdb.MustExec(t, query)
	}
}

// CountRows возвращает количество строк в таблице.
func (tdb *TestDB) CountRows(t *testing.T, tableName string) int {
	t.Helper()
	return tdb.CountWhere(t, tableName, "1 = 1")
}

// CountWhere возвращает количество строк, удовлетворяющих условию.
func (tdb *TestDB) CountWhere(t *testing.T, tableName, where string, args ...any) int {
	t.Helper()

	var count int
	query := "SELECT COUNT(*) FROM " + tableName + " WHERE " + where
	if err := tdb.DB.QueryRowContext(context.Background(), query, args...).Scan(&count); err != nil {
		t.Fatalf("Failed to count rows in table %s: %v", tableName, err)
	}
	return count
}

// TableExists проверяет существование таблицы.
func (tdb *TestDB) TableExists(t *testing.T, tableName string) bool {
	t.Helper()

	var count int
	row := tdb.DB.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", tableName)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("Failed to check table existence: %v", err)
	}
	return count > 0
}
