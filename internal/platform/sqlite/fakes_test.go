package sqlite

import (
	"context"
	"database/sql"
	"sync"
	"time"

	sqlite3 "modernc.org/sqlite/lib"
)

// codeErr имитирует ошибку драйвера с кодом результата SQLite.
type codeErr struct {
	code int
	msg  string
}

func (e *codeErr) Error() string { return e.msg }
func (e *codeErr) Code() int     { return e.code }

func busyErr() error {
	return &codeErr{code: sqlite3.SQLITE_BUSY, msg: "database is locked (5) (SQLITE_BUSY)"}
}

func constraintErr() error {
	return &codeErr{code: sqlite3.SQLITE_CONSTRAINT, msg: "UNIQUE constraint failed: orders.code (2067)"}
}

// cancellingQuerier отменяет контекст вызова и возвращает err, как будто
// отмена пришла одновременно с настоящей ошибкой запроса.
type cancellingQuerier struct {
	Querier
	cancel context.CancelFunc
	err    error
}

func (c *cancellingQuerier) ExecContext(context.Context, string, ...any) (sql.Result, error) {
	c.cancel()
	return nil, c.err
}

// flakyQuerier проваливает первые failures обращений ошибкой err, затем делегирует в Querier.
type flakyQuerier struct {
	Querier

	mu       sync.Mutex
	failures int
	err      error
	calls    int
}

func newFlaky(q Querier, failures int, err error) *flakyQuerier {
	return &flakyQuerier{Querier: q, failures: failures, err: err}
}

func (f *flakyQuerier) next() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures != 0 {
		if f.failures > 0 {
			f.failures--
		}
		return f.err
	}
	return nil
}

func (f *flakyQuerier) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *flakyQuerier) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if err := f.next(); err != nil {
		return nil, err
	}
	return f.Querier.ExecContext(ctx, query, args...)
}

func (f *flakyQuerier) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if err := f.next(); err != nil {
		return nil, err
	}
	return f.Querier.QueryContext(ctx, query, args...)
}

// delayRecorder подменяет таймер: срабатывает сразу и запоминает запрошенные задержки.
type delayRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *delayRecorder) After(d time.Duration) <-chan time.Time {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func (r *delayRecorder) Delays() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func (r *delayRecorder) Total() time.Duration {
	var total time.Duration
	for _, d := range r.Delays() {
		total += d
	}
	return total
}

// recordedPolicy - политика по умолчанию для запросов, но без реального ожидания.
func recordedPolicy(rec *delayRecorder) RetryPolicy {
	p := DefaultStatementPolicy()
	p.After = rec.After
	return p
}

// scriptedConn подменяет ответы закреплённого соединения на отдельные операторы.
type scriptedConn struct {
	*sql.Conn
	fail func(query string) error
}

func (c *scriptedConn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if err := c.fail(query); err != nil {
		return nil, err
	}
	return c.Conn.ExecContext(ctx, query, args...)
}

// scriptConns заставляет runner брать соединения db через scriptedConn.
func scriptConns(r *TxRunner, db *sql.DB, fail func(query string) error) {
	r.conn = func(ctx context.Context) (txConn, error) {
		c, err := db.Conn(ctx)
		if err != nil {
			return nil, err
		}
		return &scriptedConn{Conn: c, fail: fail}, nil
	}
}
