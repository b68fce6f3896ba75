package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opd-emr/internal/shared"
)

const ordersSchema = `
CREATE TABLE orders (id INTEGER PRIMARY KEY AUTOINCREMENT, number TEXT NOT NULL UNIQUE, total REAL NOT NULL DEFAULT 0);
CREATE TABLE items (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    order_id INTEGER NOT NULL REFERENCES orders (id),
    code TEXT NOT NULL,
    price REAL NOT NULL CHECK (price >= 0)
);`

func newUnitDB(t *testing.T) *TestDB {
	t.Helper()
	tdb := NewTestDBFile(t)
	tdb.MustExec(t, ordersSchema)
	return tdb
}

// holdWriteLock захватывает RESERVED блокировку через отдельный handle и возвращает функцию освобождения.
func holdWriteLock(t *testing.T, path string) func() {
	t.Helper()
	ctx := context.Background()

	other, err := NewDBWithOptions(ctx, path, TestOptions())
	require.NoError(t, err)
	conn, err := other.Conn(ctx)
	require.NoError(t, err)
	_, err = conn.ExecContext(ctx, "BEGIN IMMEDIATE")
	require.NoError(t, err)

	var once sync.Once
	release := func() {
		once.Do(func() {
			_, _ = conn.ExecContext(ctx, "ROLLBACK")
			_ = conn.Close()
			_ = other.Close()
		})
	}
	t.Cleanup(release)
	return release
}

func TestRunUnit_CommitsAllWithInsertID(t *testing.T) {
	tdb := newUnitDB(t)
	ctx := context.Background()

	res, err := tdb.TxRunner.RunUnit(ctx, []Statement{
		Exec("INSERT INTO orders (number) VALUES (?)", "LAB-1"),
		Exec("INSERT INTO items (order_id, code, price) VALUES (?, ?, ?)", InsertID(0), "CBC", 300.0),
		Exec("INSERT INTO items (order_id, code, price) VALUES (?, ?, ?)", InsertID(0), "LFT", 450.0),
		Exec("UPDATE orders SET total = (SELECT SUM(price) FROM items WHERE order_id = ?) WHERE id = ?", InsertID(0), InsertID(0)),
		Query("SELECT code FROM items WHERE order_id = ? ORDER BY id", InsertID(0)),
	})
	require.NoError(t, err)
	require.Len(t, res.Statements, 5)
	assert.Equal(t, 1, res.Attempts)

	orderID := res.Statements[0].Result.LastInsertID
	assert.Equal(t, int64(1), orderID)
	assert.Equal(t, int64(1), res.Statements[1].Result.LastInsertID)
	assert.Equal(t, int64(2), res.Statements[2].Result.LastInsertID)
	assert.Equal(t, int64(1), res.Statements[3].Result.RowsAffected)
	assert.Equal(t, []Row{{"code": "CBC"}, {"code": "LFT"}}, res.Statements[4].Rows)

	row, found, err := tdb.Exec.QueryOne(ctx, "SELECT total FROM orders WHERE id = ?", orderID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, float64(750), row["total"])
}

func TestRunUnit_AllOrNothing(t *testing.T) {
	// k-й оператор падает, после вызова не видно ни одного изменения
	for k := 0; k < 4; k++ {
		t.Run(fmt.Sprintf("fail at %d", k), func(t *testing.T) {
			tdb := newUnitDB(t)
			ctx := context.Background()

			stmts := []Statement{
				Exec("INSERT INTO orders (number) VALUES ('LAB-1')"),
				Exec("INSERT INTO items (order_id, code, price) VALUES (?, 'CBC', 300)", InsertID(0)),
				Exec("INSERT INTO items (order_id, code, price) VALUES (?, 'LFT', 450)", InsertID(0)),
				Exec("INSERT INTO items (order_id, code, price) VALUES (?, 'UA', 200)", InsertID(0)),
			}
			stmts[k] = Exec("INSERT INTO items (order_id, code, price) VALUES (1, 'BAD', -1)")

			_, err := tdb.TxRunner.RunUnit(ctx, stmts)
			require.Error(t, err)

			var txErr *TransactionError
			require.ErrorAs(t, err, &txErr)
			assert.Equal(t, k, txErr.Index)
			assert.Equal(t, TxRolledBack, txErr.State)
			assert.Empty(t, txErr.Boundary)
			assert.NoError(t, txErr.RollbackErr)
			assert.False(t, txErr.Exhausted)

			// Свежее чтение через отдельный handle
			fresh, err := NewDB(ctx, tdb.Path)
			require.NoError(t, err)
			defer fresh.Close()
			var orders, items int
			require.NoError(t, fresh.QueryRowContext(ctx, "SELECT COUNT(*) FROM orders").Scan(&orders))
			require.NoError(t, fresh.QueryRowContext(ctx, "SELECT COUNT(*) FROM items").Scan(&items))
			assert.Zero(t, orders)
			assert.Zero(t, items)
		})
	}
}

func TestRunUnit_ConstraintViolationRollsBackFirstStatement(t *testing.T) {
	tdb := newUnitDB(t)
	ctx := context.Background()
	tdb.MustExec(t, "INSERT INTO orders (number) VALUES ('LAB-EXISTING')")

	_, err := tdb.TxRunner.RunUnit(ctx, []Statement{
		Exec("INSERT INTO orders (number) VALUES ('LAB-NEW')"),
		Exec("INSERT INTO orders (number) VALUES ('LAB-EXISTING')"),
	})
	require.Error(t, err)

	var txErr *TransactionError
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, 1, txErr.Index)
	assert.Equal(t, "INSERT INTO orders (number) VALUES ('LAB-EXISTING')", txErr.SQL)

	var stmtErr *StatementError
	require.ErrorAs(t, err, &stmtErr)
	assert.False(t, stmtErr.Exhausted)
	assert.Equal(t, shared.KindConflict, shared.KindOf(err))

	assert.Equal(t, 0, tdb.CountWhere(t, "orders", "number = ?", "LAB-NEW"))
	assert.Equal(t, 1, tdb.CountRows(t, "orders"))
}

func TestRunUnit_ForeignKeyViolation(t *testing.T) {
	tdb := newUnitDB(t)

	_, err := tdb.TxRunner.RunUnit(context.Background(), []Statement{
		Exec("INSERT INTO orders (number) VALUES ('LAB-1')"),
		Exec("INSERT INTO items (order_id, code, price) VALUES (9999, 'CBC', 300)"),
	})
	require.Error(t, err)
	assert.True(t, shared.IsConflict(err))
	assert.Equal(t, 0, tdb.CountRows(t, "orders"))
}

func TestRunUnit_Validation(t *testing.T) {
	tests := []struct {
		name  string
		stmts []Statement
	}{
		{"empty unit", nil},
		{"blank sql", []Statement{Exec("   ")}},
		{"forward reference", []Statement{
			Exec("INSERT INTO items (order_id, code, price) VALUES (?, 'CBC', 1)", InsertID(1)),
			Exec("INSERT INTO orders (number) VALUES ('LAB-1')"),
		}},
		{"self reference", []Statement{
			Exec("INSERT INTO orders (number) VALUES (?)", InsertID(0)),
		}},
		{"reference to query", []Statement{
			Query("SELECT 1"),
			Exec("INSERT INTO items (order_id, code, price) VALUES (?, 'CBC', 1)", InsertID(0)),
		}},
		{"unknown kind", []Statement{{SQL: "SELECT 1", Kind: StatementKind(7)}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tdb := newUnitDB(t)

			_, err := tdb.TxRunner.RunUnit(context.Background(), tt.stmts)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidUnit)
			assert.ErrorIs(t, err, shared.ErrValidation)
			assert.Equal(t, 0, tdb.CountRows(t, "orders"))
		})
	}
}

func TestRunUnit_BeginBusyExhausted(t *testing.T) {
	opts := TestOptions()
	opts.BusyTimeout = 10 * time.Millisecond
	rec := &delayRecorder{}
	opts.UnitRetry.After = rec.After
	tdb := NewTestDBWithOptions(t, opts)
	tdb.MustExec(t, ordersSchema)

	holdWriteLock(t, tdb.Path)

	_, err := tdb.TxRunner.RunUnit(context.Background(), []Statement{
		Exec("INSERT INTO orders (number) VALUES ('LAB-1')"),
	})
	require.Error(t, err)

	var txErr *TransactionError
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, "BEGIN", txErr.Boundary)
	assert.Equal(t, -1, txErr.Index)
	assert.Equal(t, TxIdle, txErr.State)
	assert.True(t, txErr.Exhausted)
	assert.Equal(t, 6, txErr.Attempts)
	assert.Len(t, rec.Delays(), 5)
	assert.Equal(t, shared.KindBusy, shared.KindOf(err))

	var stmtErr *StatementError
	require.ErrorAs(t, err, &stmtErr)
	assert.True(t, stmtErr.Exhausted)
	assert.Equal(t, 6, stmtErr.Attempts)
}

func TestRunUnit_BeginBusyThenRecovers(t *testing.T) {
	opts := TestOptions()
	opts.BusyTimeout = 10 * time.Millisecond
	tdb := NewTestDBWithOptions(t, opts)
	tdb.MustExec(t, ordersSchema)

	release := holdWriteLock(t, tdb.Path)

	// Блокировка снимается перед вторым запуском единицы работы
	opts.UnitRetry.After = func(time.Duration) <-chan time.Time {
		release()
		ch := make(chan time.Time, 1)
		ch <- time.Now()
		return ch
	}
	runner := NewTxRunner(tdb.DB, opts, nil)
	defer runner.Close()

	res, err := runner.RunUnit(context.Background(), []Statement{
		Exec("INSERT INTO orders (number) VALUES ('LAB-1')"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 1, tdb.CountRows(t, "orders"))
}

func TestWithinTx_CommitAndRollback(t *testing.T) {
	tdb := newUnitDB(t)
	ctx := context.Background()

	err := tdb.TxRunner.WithinTx(ctx, func(ctx context.Context, exec *Executor) error {
		_, err := exec.Execute(ctx, "INSERT INTO orders (number) VALUES ('LAB-1')")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 1, tdb.CountRows(t, "orders"))

	boom := errors.New("verification failed")
	err = tdb.TxRunner.WithinTx(ctx, func(ctx context.Context, exec *Executor) error {
		if _, err := exec.Execute(ctx, "INSERT INTO orders (number) VALUES ('LAB-2')"); err != nil {
			return err
		}
		return boom
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	var txErr *TransactionError
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, TxRolledBack, txErr.State)
	assert.Equal(t, -1, txErr.Index)
	assert.Equal(t, 1, tdb.CountRows(t, "orders"))
}

func TestWithinTx_CancelledMidUnitRollsBack(t *testing.T) {
	tdb := newUnitDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := tdb.TxRunner.WithinTx(ctx, func(ctx context.Context, exec *Executor) error {
		if _, err := exec.Execute(ctx, "INSERT INTO orders (number) VALUES ('LAB-1')"); err != nil {
			return err
		}
		cancel()
		_, err := exec.Execute(ctx, "INSERT INTO orders (number) VALUES ('LAB-2')")
		return err
	})
	require.Error(t, err)

	var cancelled *CancelledError
	require.ErrorAs(t, err, &cancelled)
	assert.Equal(t, shared.KindCanceled, shared.KindOf(err))

	var txErr *TransactionError
	require.ErrorAs(t, err, &txErr)
	assert.NoError(t, txErr.RollbackErr)

	assert.Equal(t, 0, tdb.CountRows(t, "orders"))

	// Соединение вернулось в пул без открытой транзакции
	_, err = tdb.TxRunner.RunUnit(context.Background(), []Statement{
		Exec("INSERT INTO orders (number) VALUES ('LAB-3')"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, tdb.CountRows(t, "orders"))
}

func TestRunUnit_CancelledBeforeStart(t *testing.T) {
	tdb := newUnitDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := tdb.TxRunner.RunUnit(ctx, []Statement{Exec("INSERT INTO orders (number) VALUES ('LAB-1')")})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, tdb.CountRows(t, "orders"))
}

func TestTxRunner_WriteQueue(t *testing.T) {
	opts := TestOptions()
	opts.EnableWriteQueue = true
	opts.WriteQueueSize = 4
	tdb := NewTestDBWithOptions(t, opts)
	tdb.MustExec(t, ordersSchema)

	runner := NewTxRunner(tdb.DB, opts, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := runner.RunUnit(context.Background(), []Statement{
				Exec("INSERT INTO orders (number) VALUES (?)", fmt.Sprintf("LAB-%d", i)),
				Exec("INSERT INTO items (order_id, code, price) VALUES (?, 'CBC', 300)", InsertID(0)),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 20, tdb.CountRows(t, "orders"))
	assert.Equal(t, 20, tdb.CountRows(t, "items"))

	require.NoError(t, runner.Close())
	require.NoError(t, runner.Close())

	_, err := runner.RunUnit(context.Background(), []Statement{Exec("INSERT INTO orders (number) VALUES ('late')")})
	assert.ErrorIs(t, err, ErrRunnerClosed)
}

func TestTxRunner_WriteQueue_CancelWhileRunningWaitsForOutcome(t *testing.T) {
	opts := TestOptions()
	opts.EnableWriteQueue = true
	tdb := NewTestDBWithOptions(t, opts)
	tdb.MustExec(t, ordersSchema)

	runner := NewTxRunner(tdb.DB, opts, nil)
	defer runner.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rejected := errors.New("order rejected on review")
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- runner.WithinTx(ctx, func(ctx context.Context, exec *Executor) error {
			if _, err := exec.Execute(ctx, "INSERT INTO orders (number) VALUES ('LAB-1')"); err != nil {
				return err
			}
			close(started)
			<-ctx.Done()
			return rejected
		})
	}()

	<-started
	cancel()
	err := <-done
	require.Error(t, err)

	// вызывающий получил настоящий итог транзакции, а не отмену ожидания
	assert.ErrorIs(t, err, rejected)
	var txErr *TransactionError
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, TxRolledBack, txErr.State)
	assert.NoError(t, txErr.RollbackErr)
	assert.Equal(t, 0, tdb.CountRows(t, "orders"))
}

func TestTxRunner_WriteQueue_AbandonedRequestSkipped(t *testing.T) {
	opts := TestOptions()
	opts.EnableWriteQueue = true
	tdb := NewTestDBWithOptions(t, opts)
	tdb.MustExec(t, ordersSchema)

	runner := NewTxRunner(tdb.DB, opts, nil)

	release := make(chan struct{})
	started := make(chan struct{})
	first := make(chan error, 1)
	go func() {
		first <- runner.WithinTx(context.Background(), func(ctx context.Context, exec *Executor) error {
			close(started)
			<-release
			_, err := exec.Execute(ctx, "INSERT INTO orders (number) VALUES ('LAB-1')")
			return err
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := runner.RunUnit(ctx, []Statement{Exec("INSERT INTO orders (number) VALUES ('LAB-2')")})
	require.Error(t, err)

	var cancelled *CancelledError
	require.ErrorAs(t, err, &cancelled)
	assert.Equal(t, "enqueue", cancelled.Op)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, <-first)
	require.NoError(t, runner.Close())

	assert.Equal(t, 1, tdb.CountWhere(t, "orders", "number = ?", "LAB-1"))
	assert.Equal(t, 0, tdb.CountWhere(t, "orders", "number = ?", "LAB-2"))
}

func TestRunUnit_DeferredForeignKeyFailsAtCommit(t *testing.T) {
	tdb := newUnitDB(t)
	tdb.MustExec(t, `
CREATE TABLE wards (id INTEGER PRIMARY KEY, name TEXT NOT NULL);
CREATE TABLE beds (
    id INTEGER PRIMARY KEY,
    ward_id INTEGER NOT NULL REFERENCES wards (id) DEFERRABLE INITIALLY DEFERRED
);`)
	ctx := context.Background()

	// ссылка проверяется только при COMMIT
	_, err := tdb.TxRunner.RunUnit(ctx, []Statement{
		Exec("INSERT INTO beds (ward_id) VALUES (42)"),
	})
	require.Error(t, err)

	var txErr *TransactionError
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, "COMMIT", txErr.Boundary)
	assert.Equal(t, "COMMIT", txErr.SQL)
	assert.Equal(t, -1, txErr.Index)
	assert.Equal(t, TxRolledBack, txErr.State)
	assert.Equal(t, 1, txErr.Attempts)
	assert.False(t, txErr.Exhausted)
	assert.NoError(t, txErr.RollbackErr)
	assert.True(t, shared.IsConflict(err))
	assert.Equal(t, 0, tdb.CountRows(t, "beds"))

	// handle пригоден к работе
	_, err = tdb.TxRunner.RunUnit(ctx, []Statement{
		Exec("INSERT INTO wards (id, name) VALUES (42, 'Ward 42')"),
		Exec("INSERT INTO beds (ward_id) VALUES (42)"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, tdb.CountRows(t, "beds"))
}

func TestRunUnit_CommitBusyRetriesWholeUnit(t *testing.T) {
	tdb := newUnitDB(t)
	ctx := context.Background()

	rec := &delayRecorder{}
	opts := TestOptions()
	opts.UnitRetry.After = rec.After
	runner := NewTxRunner(tdb.DB, opts, nil)
	defer runner.Close()

	// первая попытка исчерпывает повторы COMMIT, вторая проходит
	busyCommits := opts.StatementRetry.Attempts()
	var (
		mu      sync.Mutex
		commits int
	)
	scriptConns(runner, tdb.DB, func(query string) error {
		if query != "COMMIT" {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		commits++
		if commits <= busyCommits {
			return busyErr()
		}
		return nil
	})

	res, err := runner.RunUnit(ctx, []Statement{
		Exec("INSERT INTO orders (number) VALUES ('LAB-1')"),
		Exec("INSERT INTO items (order_id, code, price) VALUES (?, 'CBC', 300)", InsertID(0)),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Len(t, rec.Delays(), 1)
	assert.Equal(t, busyCommits+1, commits)
	assert.Equal(t, int64(1), res.Statements[0].Result.LastInsertID)

	// первая попытка откатилась, дублей нет
	assert.Equal(t, 1, tdb.CountRows(t, "orders"))
	assert.Equal(t, 1, tdb.CountRows(t, "items"))
}

func TestRunUnit_CommitBusyExhausted(t *testing.T) {
	tdb := newUnitDB(t)

	rec := &delayRecorder{}
	opts := TestOptions()
	opts.UnitRetry.After = rec.After
	runner := NewTxRunner(tdb.DB, opts, nil)
	defer runner.Close()

	scriptConns(runner, tdb.DB, func(query string) error {
		if query == "COMMIT" {
			return busyErr()
		}
		return nil
	})

	_, err := runner.RunUnit(context.Background(), []Statement{
		Exec("INSERT INTO orders (number) VALUES ('LAB-1')"),
	})
	require.Error(t, err)

	var txErr *TransactionError
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, "COMMIT", txErr.Boundary)
	assert.Equal(t, TxRolledBack, txErr.State)
	assert.True(t, txErr.Exhausted)
	assert.Equal(t, opts.UnitRetry.Attempts(), txErr.Attempts)
	assert.NoError(t, txErr.RollbackErr)
	assert.Len(t, rec.Delays(), opts.UnitRetry.MaxRetries)
	assert.Equal(t, shared.KindBusy, shared.KindOf(err))
	assert.Equal(t, 0, tdb.CountRows(t, "orders"))
}

func TestRunUnit_RollbackFailureKeepsBothErrors(t *testing.T) {
	tdb := newUnitDB(t)
	ctx := context.Background()

	runner := NewTxRunner(tdb.DB, TestOptions(), nil)
	defer runner.Close()

	diskErr := errors.New("disk I/O error")
	scriptConns(runner, tdb.DB, func(query string) error {
		if query == "ROLLBACK" {
			return diskErr
		}
		return nil
	})

	_, err := runner.RunUnit(ctx, []Statement{
		Exec("INSERT INTO orders (number) VALUES ('LAB-1')"),
		Exec("INSERT INTO items (order_id, code, price) VALUES (?, 'BAD', -1)", InsertID(0)),
	})
	require.Error(t, err)

	var txErr *TransactionError
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, 1, txErr.Index)
	assert.Equal(t, TxRolledBack, txErr.State)
	assert.ErrorIs(t, txErr.RollbackErr, diskErr)
	assert.Contains(t, err.Error(), "rollback: disk I/O error")

	// исходная причина не потерялась
	var stmtErr *StatementError
	require.ErrorAs(t, err, &stmtErr)
	assert.True(t, shared.IsConflict(err))

	// соединение с открытой транзакцией выброшено, SQLite откатил её при закрытии
	assert.Equal(t, 0, tdb.CountRows(t, "orders"))
	_, err = tdb.TxRunner.RunUnit(ctx, []Statement{
		Exec("INSERT INTO orders (number) VALUES ('LAB-2')"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, tdb.CountRows(t, "orders"))
}

func TestTxState_String(t *testing.T) {
	assert.Equal(t, "idle", TxIdle.String())
	assert.Equal(t, "active", TxActive.String())
	assert.Equal(t, "committed", TxCommitted.String())
	assert.Equal(t, "rolled back", TxRolledBack.String())
}

func TestQuerier_Interface(t *testing.T) {
	tdb := NewTestDBInMemory(t)
	ctx := context.Background()

	conn, err := tdb.DB.Conn(ctx)
	require.NoError(t, err)
	defer conn.Close()

	var q Querier = conn
	var one int
	require.NoError(t, q.QueryRowContext(ctx, "SELECT 1").Scan(&one))
	assert.Equal(t, 1, one)

	var _ Querier = (*sql.DB)(nil)
}
