package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"

	"opd-emr/pkg/retry"
)

// Querier объединяет методы выполнения запросов, общие для БД, соединения и транзакции.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

// Убедимся на этапе компиляции, что типы реализуют интерфейс
var (
	_ Querier = (*sql.DB)(nil)
	_ Querier = (*sql.Conn)(nil)
	_ Querier = (*sql.Tx)(nil)
)

// Row - строка результата: имя колонки -> значение. []byte приводится к string.
type Row map[string]any

// Result - итог изменяющего запроса.
type Result struct {
	LastInsertID int64
	RowsAffected int64
}

// Executor выполняет запросы с повтором при временной блокировке базы.
// Счётчик попыток и задержка локальны для каждого вызова, поэтому Executor
// безопасен для конкурентного использования.
type Executor struct {
	q      Querier
	policy RetryPolicy
	log    *slog.Logger
}

// NewExecutor создаёт Executor поверх q (обычно *sql.DB или закреплённое *sql.Conn).
func NewExecutor(q Querier, policy RetryPolicy, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{q: q, policy: policy, log: log}
}

// WithQuerier возвращает Executor с той же политикой, привязанный к другому Querier.
func (e *Executor) WithQuerier(q Querier) *Executor {
	return &Executor{q: q, policy: e.policy, log: e.log}
}

// QueryMany возвращает все строки результата. Пустой результат - пустой срез без ошибки.
func (e *Executor) QueryMany(ctx context.Context, query string, args ...any) ([]Row, error) {
	var rows []Row
	err := e.run(ctx, "query", query, func(ctx context.Context) error {
		var err error
		rows, err = e.query(ctx, query, 0, args)
		return err
	})
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []Row{}
	}
	return rows, nil
}

// QueryOne возвращает первую строку. Отсутствие строки - (nil, false, nil).
func (e *Executor) QueryOne(ctx context.Context, query string, args ...any) (Row, bool, error) {
	var rows []Row
	err := e.run(ctx, "query", query, func(ctx context.Context) error {
		var err error
		rows, err = e.query(ctx, query, 1, args)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	return rows[0], true, nil
}

// Execute выполняет изменяющий запрос.
func (e *Executor) Execute(ctx context.Context, query string, args ...any) (Result, error) {
	var res Result
	err := e.run(ctx, "exec", query, func(ctx context.Context) error {
		r, err := e.q.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		res = Result{}
		// modernc всегда возвращает оба значения, ошибки здесь не бывает
		res.LastInsertID, _ = r.LastInsertId()
		res.RowsAffected, _ = r.RowsAffected()
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// run - общий цикл повторов для всех операций.
func (e *Executor) run(ctx context.Context, op, query string, fn func(ctx context.Context) error) error {
	attempts := 0
	err := retry.DoWithRetryable(ctx, e.policy.retryConfig(e.log, op), func(ctx context.Context) error {
		attempts++
		return fn(ctx)
	}, IsTransient)
	if err == nil {
		return nil
	}

	// отмена - только если драйвер или ожидание между попытками вернули ошибку
	// контекста; настоящая ошибка запроса не подменяется отменой
	if isContextErr(err) {
		return &CancelledError{Op: op, Cause: err}
	}

	var exceeded *retry.RetriesExceededError
	if errors.As(err, &exceeded) {
		e.log.Error("sqlite still busy, giving up",
			"op", op,
			"attempts", exceeded.Attempts,
			"err", exceeded.LastError)
		return &StatementError{
			SQL:       query,
			Attempts:  exceeded.Attempts,
			Exhausted: true,
			Cause:     exceeded.LastError,
		}
	}

	return &StatementError{SQL: query, Attempts: attempts, Cause: err}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// query читает не более limit строк (0 - без ограничения).
func (e *Executor) query(ctx context.Context, query string, limit int, args []any) ([]Row, error) {
	rows, err := e.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows, limit)
}

func scanRows(rows *sql.Rows, limit int) ([]Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(Row, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
				continue
			}
			row[col] = values[i]
		}
		out = append(out, row)

		if limit > 0 && len(out) >= limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
