package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"opd-emr/pkg/retry"
)

// Manager владеет единственным handle базы на процесс.
// Первый успешный Open публикует handle, последующие вызовы возвращают его же.
type Manager struct {
	path string
	opts DBOptions
	log  *slog.Logger

	mu sync.Mutex
	db *sql.DB
}

// NewManager создаёт Manager; база не открывается до вызова Open.
func NewManager(path string, opts DBOptions, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{path: path, opts: opts, log: log}
}

// Path возвращает путь к файлу базы.
func (m *Manager) Path() string { return m.path }

// Options возвращает настройки, с которыми открывается база.
func (m *Manager) Options() DBOptions { return m.opts }

// Open открывает базу, повторяя попытку при SQLITE_BUSY/SQLITE_LOCKED.
// Конкурентные первые вызовы сериализуются: открытие выполняется один раз.
func (m *Manager) Open(ctx context.Context) (*sql.DB, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.db != nil {
		return m.db, nil
	}

	connect := m.opts.Connect
	if connect == nil {
		connect = NewDBWithOptions
	}

	var (
		db       *sql.DB
		attempts int
	)
	err := retry.DoWithRetryable(ctx, m.opts.ConnectRetry.retryConfig(m.log, "connect"), func(ctx context.Context) error {
		attempts++
		handle, err := connect(ctx, m.path, m.opts)
		if err != nil {
			return err
		}
		db = handle
		return nil
	}, IsTransient)

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, &CancelledError{Op: "connect", Cause: ctxErr}
		}

		var exceeded *retry.RetriesExceededError
		if errors.As(err, &exceeded) {
			m.log.Error("sqlite open still busy, giving up",
				"path", m.path,
				"attempts", exceeded.Attempts,
				"err", exceeded.LastError)
			return nil, &ConnectionError{
				Path:      m.path,
				Attempts:  exceeded.Attempts,
				Exhausted: true,
				Cause:     exceeded.LastError,
			}
		}

		m.log.Error("sqlite open failed", "path", m.path, "err", err)
		return nil, &ConnectionError{Path: m.path, Attempts: attempts, Cause: err}
	}

	m.db = db
	m.log.Info("sqlite opened",
		"path", m.path,
		"attempts", attempts,
		"lock_mode", m.opts.TxLockMode,
		"write_queue", m.opts.EnableWriteQueue)
	return db, nil
}

// DB возвращает открытый handle или ErrNotOpen.
func (m *Manager) DB() (*sql.DB, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db == nil {
		return nil, ErrNotOpen
	}
	return m.db, nil
}

// Close освобождает handle. Повторный вызов и вызов до Open ничего не делают.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.db == nil {
		return nil
	}
	err := m.db.Close()
	m.db = nil
	if err != nil {
		return fmt.Errorf("close sqlite %s: %w", m.path, err)
	}
	m.log.Info("sqlite closed", "path", m.path)
	return nil
}

// NewExecutor возвращает Executor поверх открытого handle с политикой запросов.
func (m *Manager) NewExecutor() (*Executor, error) {
	db, err := m.DB()
	if err != nil {
		return nil, err
	}
	return NewExecutor(db, m.opts.StatementRetry, m.log), nil
}

// NewTxRunner возвращает TxRunner поверх открытого handle.
func (m *Manager) NewTxRunner() (*TxRunner, error) {
	db, err := m.DB()
	if err != nil {
		return nil, err
	}
	return NewTxRunner(db, m.opts, m.log), nil
}

// Status - результат проверки здоровья базы.
type Status struct {
	Path        string `json:"path"`
	JournalMode string `json:"journal_mode"`
	ForeignKeys bool   `json:"foreign_keys"`
}

// Health проверяет, что база отвечает, и возвращает фактические настройки соединения.
func (m *Manager) Health(ctx context.Context) (Status, error) {
	exec, err := m.NewExecutor()
	if err != nil {
		return Status{}, err
	}

	if _, ok, err := exec.QueryOne(ctx, "SELECT 1 AS ok"); err != nil {
		return Status{}, err
	} else if !ok {
		return Status{}, fmt.Errorf("sqlite health: empty result")
	}

	status := Status{Path: m.path}
	if row, ok, err := exec.QueryOne(ctx, "PRAGMA journal_mode"); err != nil {
		return Status{}, err
	} else if ok {
		status.JournalMode = fmt.Sprint(row["journal_mode"])
	}
	if row, ok, err := exec.QueryOne(ctx, "PRAGMA foreign_keys"); err != nil {
		return Status{}, err
	} else if ok {
		v, _ := row["foreign_keys"].(int64)
		status.ForeignKeys = v == 1
	}
	return status, nil
}
