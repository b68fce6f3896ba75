package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"runtime"
	"strings"

	migrate "github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// BuildMigrateURL строит корректный URL для golang-migrate с учётом особенностей ОС.
// На Windows для путей вида "C:\..." создаёт "sqlite:///C:/...",
// на Unix для "/..." создаёт "sqlite:///...".
func BuildMigrateURL(dbPath string) (string, error) {
	absPath, err := filepath.Abs(dbPath)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}

	urlPath := filepath.ToSlash(absPath)

	// C:/path -> /C:/path для правильного URL
	if runtime.GOOS == "windows" && len(urlPath) >= 2 && urlPath[1] == ':' {
		urlPath = "/" + urlPath
	}

	if !strings.HasPrefix(urlPath, "/") {
		urlPath = "/" + urlPath
	}

	return "sqlite://" + urlPath, nil
}

// ApplyMigrations применяет миграции из каталога (например, "file://migrations/sqlite")
// через отдельное соединение. migrate.ErrNoChange не считается ошибкой.
func ApplyMigrations(dbPath, migrationsPath string) error {
	m, err := newFileMigrate(dbPath, migrationsPath)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = m.Close()
	}()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	return nil
}

// GetMigrationVersion возвращает текущую версию примененных миграций.
func GetMigrationVersion(dbPath, migrationsPath string) (uint, bool, error) {
	m, err := newFileMigrate(dbPath, migrationsPath)
	if err != nil {
		return 0, false, err
	}
	defer func() {
		_, _ = m.Close()
	}()

	return version(m)
}

// DowngradeToVersion откатывает миграции до указанной версии.
func DowngradeToVersion(dbPath, migrationsPath string, target uint) error {
	m, err := newFileMigrate(dbPath, migrationsPath)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = m.Close()
	}()

	if err := m.Migrate(target); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to downgrade to version %d: %w", target, err)
	}

	return nil
}

// MigrateUp применяет встроенные миграции (fsys/dir) к уже открытому handle.
// Подходит и для :memory: базы, так как отдельное соединение не открывается.
// Handle остаётся открытым.
func MigrateUp(db *sql.DB, fsys fs.FS, dir string) (uint, error) {
	m, src, err := newInstanceMigrate(db, fsys, dir)
	if err != nil {
		return 0, err
	}
	// m.Close() закрыл бы и общий handle, поэтому закрываем только источник
	defer func() { _ = src.Close() }()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("failed to apply migrations: %w", err)
	}

	v, _, err := version(m)
	return v, err
}

// MigrationVersion возвращает версию схемы для открытого handle.
func MigrationVersion(db *sql.DB, fsys fs.FS, dir string) (uint, bool, error) {
	m, src, err := newInstanceMigrate(db, fsys, dir)
	if err != nil {
		return 0, false, err
	}
	defer func() { _ = src.Close() }()

	return version(m)
}

func newFileMigrate(dbPath, migrationsPath string) (*migrate.Migrate, error) {
	databaseURL, err := BuildMigrateURL(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to build database URL: %w", err)
	}

	m, err := migrate.New(migrationsPath, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return m, nil
}

func newInstanceMigrate(db *sql.DB, fsys fs.FS, dir string) (*migrate.Migrate, interface{ Close() error }, error) {
	src, err := iofs.New(fsys, dir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open migrations source: %w", err)
	}

	drv, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		_ = src.Close()
		return nil, nil, fmt.Errorf("failed to create migrate driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		_ = src.Close()
		return nil, nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return m, src, nil
}

func version(m *migrate.Migrate) (uint, bool, error) {
	v, dirty, err := m.Version()
	if err != nil {
		// Если миграции еще не применялись, это не ошибка
		if errors.Is(err, migrate.ErrNilVersion) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to get migration version: %w", err)
	}
	return v, dirty, nil
}
