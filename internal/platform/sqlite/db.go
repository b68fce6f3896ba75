package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite драйвер
)

// TxLockMode определяет режим блокировки транзакций SQLite
type TxLockMode string

const (
	// TxLockDeferred - откладывает блокировку до первого чтения/записи (по умолчанию SQLite)
	TxLockDeferred TxLockMode = "DEFERRED"
	// TxLockImmediate - немедленно захватывает RESERVED блокировку, SQLITE_BUSY возможен только на BEGIN
	TxLockImmediate TxLockMode = "IMMEDIATE"
	// TxLockExclusive - немедленно захватывает EXCLUSIVE блокировку
	TxLockExclusive TxLockMode = "EXCLUSIVE"
)

// ParseTxLockMode разбирает режим блокировки из конфигурации (регистр не важен).
func ParseTxLockMode(s string) (TxLockMode, error) {
	switch mode := TxLockMode(strings.ToUpper(strings.TrimSpace(s))); mode {
	case TxLockDeferred, TxLockImmediate, TxLockExclusive:
		return mode, nil
	case "":
		return TxLockImmediate, nil
	default:
		return "", fmt.Errorf("unknown tx lock mode %q", s)
	}
}

// AccessMode определяет режим доступа к SQLite базе данных
type AccessMode string

const (
	// AccessModeReadWrite - режим чтения и записи (по умолчанию)
	AccessModeReadWrite AccessMode = "rw"
	// AccessModeReadOnly - режим только для чтения, файл должен существовать
	AccessModeReadOnly AccessMode = "ro"
)

// ConnectFunc открывает и проверяет handle. Подменяется в тестах для эмуляции SQLITE_BUSY.
type ConnectFunc func(ctx context.Context, dbPath string, opts DBOptions) (*sql.DB, error)

// DBOptions содержит настройки для SQLite базы данных.
type DBOptions struct {
	// ConnMaxLifetime - максимальное время жизни соединения (0 - без ограничения)
	ConnMaxLifetime time.Duration
	// ConnMaxIdleTime - максимальное время простоя соединения (0 - без ограничения)
	ConnMaxIdleTime time.Duration
	// MaxOpenConns - максимальное количество открытых соединений
	MaxOpenConns int
	// MaxIdleConns - максимальное количество idle соединений
	MaxIdleConns int
	// PingTimeout - таймаут для проверки соединения при создании БД
	PingTimeout time.Duration
	// WALMode - использовать ли WAL режим
	WALMode bool
	// ForeignKeys - включить ли проверку внешних ключей
	ForeignKeys bool
	// BusyTimeout - сколько драйвер сам ждёт снятия блокировки, прежде чем вернуть SQLITE_BUSY
	BusyTimeout time.Duration
	// TxLockMode - режим блокировки для новых транзакций
	TxLockMode TxLockMode
	// EnableWriteQueue - включить очередь для сериализации транзакций
	EnableWriteQueue bool
	// WriteQueueSize - размер буфера очереди записи (по умолчанию 100)
	WriteQueueSize int
	// AccessMode - режим доступа к базе данных
	AccessMode AccessMode

	// ConnectRetry - повторы открытия соединения
	ConnectRetry RetryPolicy
	// StatementRetry - повторы отдельных запросов
	StatementRetry RetryPolicy
	// UnitRetry - повторы транзакции целиком при блокировке на BEGIN/COMMIT
	UnitRetry RetryPolicy
	// Connect - функция открытия; nil означает NewDBWithOptions
	Connect ConnectFunc
}

// DefaultDBOptions возвращает настройки по умолчанию: одно физическое соединение,
// WAL, внешние ключи, busy_timeout 30s и IMMEDIATE транзакции.
func DefaultDBOptions() DBOptions {
	return DBOptions{
		ConnMaxLifetime:  0,
		ConnMaxIdleTime:  0,
		MaxOpenConns:     1, // один общий handle на процесс
		MaxIdleConns:     1,
		PingTimeout:      5 * time.Second,
		WALMode:          true,
		ForeignKeys:      true,
		BusyTimeout:      30 * time.Second,
		TxLockMode:       TxLockImmediate,
		EnableWriteQueue: false,
		WriteQueueSize:   100,
		AccessMode:       AccessModeReadWrite,
		ConnectRetry:     DefaultConnectPolicy(),
		StatementRetry:   DefaultStatementPolicy(),
		UnitRetry:        DefaultStatementPolicy(),
	}
}

// NewDB создает новое подключение к SQLite базе данных с настройками по умолчанию.
// Повторов при блокировке здесь нет, для этого используется Manager.
func NewDB(ctx context.Context, dbPath string) (*sql.DB, error) {
	return NewDBWithOptions(ctx, dbPath, DefaultDBOptions())
}

// ReadOnlyOptions переводит opts в режим только для чтения: отсутствующий файл
// не создаётся, журнал не переключается, очередь записи не нужна.
// WAL-база открывается, если каталог доступен для создания -wal и -shm.
func ReadOnlyOptions(opts DBOptions) DBOptions {
	opts.AccessMode = AccessModeReadOnly
	opts.WALMode = false // смена журнала требует записи
	opts.EnableWriteQueue = false
	return opts
}

// NewDBWithOptions выполняет одну попытку открытия: sql.Open, ping, PRAGMA.
// При любой ошибке handle закрывается; ошибка драйвера сохраняется через %w для классификации.
func NewDBWithOptions(ctx context.Context, dbPath string, opts DBOptions) (*sql.DB, error) {
	// Создаем директорию для БД если её нет
	if dir := filepath.Dir(dbPath); dir != "." && !isMemoryPath(dbPath) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", buildDSN(dbPath, opts))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	db.SetConnMaxIdleTime(opts.ConnMaxIdleTime)
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)

	pingTimeout := opts.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	// PRAGMA применяются явно до публикации handle, DSN покрывает переоткрытые соединения пула
	if err := applyPragmaSettings(ctx, db, opts); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply PRAGMA settings: %w", err)
	}

	return db, nil
}

// buildDSN строит DSN для modernc.org/sqlite: PRAGMA передаются через _pragma,
// чтобы каждое новое соединение пула получало те же настройки.
func buildDSN(dbPath string, opts DBOptions) string {
	params := pragmaParams(opts)

	// mode= понимается только в URI-форме
	if opts.AccessMode != "" && opts.AccessMode != AccessModeReadWrite {
		params = append(params, fmt.Sprintf("mode=%s", opts.AccessMode))
		if !strings.HasPrefix(dbPath, "file:") {
			dbPath = "file:" + dbPath
		}
	}

	if len(params) > 0 {
		return dbPath + "?" + strings.Join(params, "&")
	}
	return dbPath
}

func pragmaParams(opts DBOptions) []string {
	params := make([]string, 0, 4)
	// busy_timeout первым, чтобы остальные PRAGMA уже ждали блокировку
	if opts.BusyTimeout > 0 {
		params = append(params, fmt.Sprintf("_pragma=busy_timeout(%d)", opts.BusyTimeout.Milliseconds()))
	}
	if opts.ForeignKeys {
		params = append(params, "_pragma=foreign_keys(1)")
	}
	if opts.WALMode {
		params = append(params, "_pragma=journal_mode(WAL)")
	}
	params = append(params, "_pragma=synchronous(NORMAL)")
	return params
}

// InMemoryOptions возвращает настройки для :memory: базы.
// Соединение одно и никогда не закрывается пулом, иначе схема пропадёт.
func InMemoryOptions() DBOptions {
	opts := DefaultDBOptions()
	opts.WALMode = false // WAL не поддерживается для in-memory БД
	opts.MaxOpenConns = 1
	opts.MaxIdleConns = 1
	opts.ConnMaxLifetime = 0
	opts.ConnMaxIdleTime = 0
	return opts
}

func isMemoryPath(dbPath string) bool {
	return dbPath == ":memory:" || strings.Contains(dbPath, "mode=memory")
}

// applyPragmaSettings применяет PRAGMA настройки к открытому соединению.
func applyPragmaSettings(ctx context.Context, db *sql.DB, opts DBOptions) error {
	pragmas := make([]string, 0, 4)

	if opts.BusyTimeout > 0 {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA busy_timeout = %d", opts.BusyTimeout.Milliseconds()))
	}
	if opts.ForeignKeys {
		pragmas = append(pragmas, "PRAGMA foreign_keys = ON")
	}
	if opts.WALMode {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	pragmas = append(pragmas, "PRAGMA synchronous = NORMAL")

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}
