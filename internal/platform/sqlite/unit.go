package sqlite

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"opd-emr/internal/shared"
	"opd-emr/pkg/retry"
)

// ErrInvalidUnit - единица работы отклонена до обращения к базе.
var ErrInvalidUnit = fmt.Errorf("sqlite: invalid unit of work: %w", shared.ErrValidation)

// ErrRunnerClosed возвращается после Close, если включена очередь записи.
var ErrRunnerClosed = errors.New("sqlite: tx runner is closed")

const rollbackTimeout = 5 * time.Second

// TxState - состояние транзакции в рамках одного вызова.
type TxState int

const (
	TxIdle TxState = iota
	TxActive
	TxCommitted
	TxRolledBack
)

func (s TxState) String() string {
	switch s {
	case TxIdle:
		return "idle"
	case TxActive:
		return "active"
	case TxCommitted:
		return "committed"
	case TxRolledBack:
		return "rolled back"
	default:
		return "unknown"
	}
}

// StatementKind - изменяющий запрос или чтение.
type StatementKind int

const (
	StatementExec StatementKind = iota
	StatementQuery
)

// Statement - один оператор единицы работы.
type Statement struct {
	SQL  string
	Args []any
	Kind StatementKind
}

// Exec создаёт изменяющий оператор.
func Exec(query string, args ...any) Statement {
	return Statement{SQL: query, Args: args, Kind: StatementExec}
}

// Query создаёт читающий оператор.
func Query(query string, args ...any) Statement {
	return Statement{SQL: query, Args: args, Kind: StatementQuery}
}

// InsertID в аргументах заменяется на LastInsertID оператора с этим индексом
// той же единицы работы. Ссылаться можно только назад и только на Exec.
type InsertID int

// StatementResult - результат одного оператора.
type StatementResult struct {
	Result Result
	Rows   []Row
}

// UnitResult - результаты операторов в порядке выполнения.
type UnitResult struct {
	Statements []StatementResult
	Attempts   int
}

// writeRequest представляет запрос на выполнение транзакции в очереди
type writeRequest struct {
	fn       func(context.Context) error
	resultCh chan error
	ctx      context.Context
	// claimed захватывает тот, кто первым решил судьбу запроса:
	// воркер перед запуском или вызывающий при отмене
	claimed *atomic.Bool
}

// txConn - закреплённое соединение одной попытки (*sql.Conn).
type txConn interface {
	Querier
	Raw(f func(driverConn any) error) error
	Close() error
}

var _ txConn = (*sql.Conn)(nil)

// TxRunner выполняет единицы работы атомарно: BEGIN, операторы по порядку, COMMIT.
// Каждая попытка закрепляет одно соединение пула. При SQLITE_BUSY на BEGIN/COMMIT
// вся единица перезапускается с нуля.
type TxRunner struct {
	lockMode   TxLockMode
	unitPolicy RetryPolicy
	exec       *Executor
	log        *slog.Logger
	// conn выдаёт соединение для попытки; в тестах подменяется
	conn func(ctx context.Context) (txConn, error)

	mu             sync.RWMutex
	closed         bool
	writeQueue     chan writeRequest
	writeQueueDone chan struct{}
}

// NewTxRunner создает TxRunner. Очередь записи запускается, если включена в opts.
func NewTxRunner(db *sql.DB, opts DBOptions, log *slog.Logger) *TxRunner {
	if log == nil {
		log = slog.Default()
	}
	lockMode := opts.TxLockMode
	if lockMode == "" {
		lockMode = TxLockImmediate
	}

	runner := &TxRunner{
		lockMode:   lockMode,
		unitPolicy: opts.UnitRetry,
		exec:       NewExecutor(db, opts.StatementRetry, log),
		log:        log,
	}
	runner.conn = func(ctx context.Context) (txConn, error) {
		c, err := db.Conn(ctx)
		if err != nil {
			return nil, err
		}
		return c, nil
	}

	if opts.EnableWriteQueue {
		size := opts.WriteQueueSize
		if size <= 0 {
			size = 100
		}
		runner.writeQueue = make(chan writeRequest, size)
		runner.writeQueueDone = make(chan struct{})
		go runner.runWriteQueue()
	}

	return runner
}

// Close останавливает очередь записи, дожидаясь уже принятых транзакций.
func (r *TxRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.writeQueue != nil {
		close(r.writeQueue)
		<-r.writeQueueDone
	}
	return nil
}

// RunUnit выполняет операторы в одной транзакции. Либо фиксируются все, либо ни один.
func (r *TxRunner) RunUnit(ctx context.Context, stmts []Statement) (UnitResult, error) {
	if err := validateUnit(stmts); err != nil {
		return UnitResult{}, err
	}

	var result UnitResult
	err := r.submit(ctx, func(ctx context.Context) error {
		var err error
		result, err = r.runWithRetry(ctx, "unit", func(ctx context.Context, exec *Executor) ([]StatementResult, error) {
			return runStatements(ctx, exec, stmts)
		})
		return err
	})
	if err != nil {
		return UnitResult{}, err
	}
	return result, nil
}

// WithinTx выполняет fn в транзакции на закреплённом соединении. Все запросы
// внутри fn должны идти через переданный exec. fn может быть вызвана повторно,
// если транзакция не смогла начаться или зафиксироваться из-за блокировки.
func (r *TxRunner) WithinTx(ctx context.Context, fn func(ctx context.Context, exec *Executor) error) error {
	return r.submit(ctx, func(ctx context.Context) error {
		_, err := r.runWithRetry(ctx, "tx", func(ctx context.Context, exec *Executor) ([]StatementResult, error) {
			return nil, fn(ctx, exec)
		})
		return err
	})
}

type txBody func(ctx context.Context, exec *Executor) ([]StatementResult, error)

// statementFailure передаёт индекс упавшего оператора из runStatements.
type statementFailure struct {
	index int
	sql   string
	err   error
}

func (f *statementFailure) Error() string { return f.err.Error() }
func (f *statementFailure) Unwrap() error { return f.err }

func (r *TxRunner) runWithRetry(ctx context.Context, op string, body txBody) (UnitResult, error) {
	var (
		attempts int
		results  []StatementResult
	)
	err := retry.DoWithRetryable(ctx, r.unitPolicy.retryConfig(r.log, op), func(ctx context.Context) error {
		attempts++
		var txErr *TransactionError
		results, txErr = r.runOnce(ctx, body)
		if txErr != nil {
			return txErr
		}
		return nil
	}, isBoundaryBusy)

	if err == nil {
		return UnitResult{Statements: results, Attempts: attempts}, nil
	}

	var exceeded *retry.RetriesExceededError
	if errors.As(err, &exceeded) {
		var txErr *TransactionError
		if errors.As(exceeded.LastError, &txErr) {
			txErr.Exhausted = true
			txErr.Attempts = exceeded.Attempts
			r.log.Error("sqlite transaction still busy, giving up",
				"op", op,
				"boundary", txErr.Boundary,
				"attempts", exceeded.Attempts,
				"err", txErr.Cause)
			return UnitResult{}, txErr
		}
	}

	var txErr *TransactionError
	if errors.As(err, &txErr) {
		txErr.Attempts = attempts
		return UnitResult{}, txErr
	}

	// ожидание между попытками прервано контекстом
	if isContextErr(err) {
		return UnitResult{}, &CancelledError{Op: op, Cause: err}
	}
	return UnitResult{}, err
}

// runOnce - одна попытка: Idle -> Active -> Committed | RolledBack.
func (r *TxRunner) runOnce(ctx context.Context, body txBody) ([]StatementResult, *TransactionError) {
	begin := "BEGIN " + string(r.lockMode)

	conn, err := r.conn(ctx)
	if err != nil {
		if isContextErr(err) {
			err = &CancelledError{Op: "conn", Cause: err}
		}
		return nil, &TransactionError{Index: -1, SQL: begin, Boundary: "BEGIN", State: TxIdle, Cause: err}
	}
	defer conn.Close()

	exec := r.exec.WithQuerier(conn)

	if _, err := exec.Execute(ctx, begin); err != nil {
		return nil, &TransactionError{Index: -1, SQL: begin, Boundary: "BEGIN", State: TxIdle, Cause: err}
	}
	r.log.Debug("sqlite transaction state", "state", TxActive, "lock", r.lockMode)

	results, err := body(ctx, exec)
	if err != nil {
		txErr := &TransactionError{Index: -1, State: TxRolledBack, Cause: err}
		var failure *statementFailure
		if errors.As(err, &failure) {
			txErr.Index = failure.index
			txErr.SQL = failure.sql
			txErr.Cause = failure.err
		}
		txErr.RollbackErr = r.rollback(ctx, conn)
		return nil, txErr
	}

	if _, err := exec.Execute(ctx, "COMMIT"); err != nil {
		return nil, &TransactionError{
			Index:       -1,
			SQL:         "COMMIT",
			Boundary:    "COMMIT",
			State:       TxRolledBack,
			Cause:       err,
			RollbackErr: r.rollback(ctx, conn),
		}
	}
	r.log.Debug("sqlite transaction state", "state", TxCommitted)

	return results, nil
}

// rollback выполняется и после отмены контекста. Если откат не удался,
// соединение выбрасывается из пула, чтобы не вернуть его с открытой транзакцией.
func (r *TxRunner) rollback(ctx context.Context, conn txConn) error {
	rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()

	_, err := conn.ExecContext(rbCtx, "ROLLBACK")
	if err != nil {
		r.log.Error("sqlite rollback failed", "err", err)
		_ = conn.Raw(func(any) error { return driver.ErrBadConn })
		return err
	}
	r.log.Debug("sqlite transaction state", "state", TxRolledBack)
	return nil
}

// isBoundaryBusy - повтор всей единицы допустим только при блокировке на BEGIN/COMMIT.
func isBoundaryBusy(err error) bool {
	var txErr *TransactionError
	if !errors.As(err, &txErr) || txErr.Boundary == "" {
		return false
	}
	var stmtErr *StatementError
	return errors.As(txErr.Cause, &stmtErr) && stmtErr.Exhausted
}

func runStatements(ctx context.Context, exec *Executor, stmts []Statement) ([]StatementResult, error) {
	results := make([]StatementResult, len(stmts))
	for i, stmt := range stmts {
		args := resolveArgs(stmt.Args, results)

		switch stmt.Kind {
		case StatementQuery:
			rows, err := exec.QueryMany(ctx, stmt.SQL, args...)
			if err != nil {
				return nil, &statementFailure{index: i, sql: stmt.SQL, err: err}
			}
			results[i].Rows = rows
		default:
			res, err := exec.Execute(ctx, stmt.SQL, args...)
			if err != nil {
				return nil, &statementFailure{index: i, sql: stmt.SQL, err: err}
			}
			results[i].Result = res
		}
	}
	return results, nil
}

func resolveArgs(args []any, results []StatementResult) []any {
	out := make([]any, len(args))
	for i, arg := range args {
		if ref, ok := arg.(InsertID); ok {
			out[i] = results[ref].Result.LastInsertID
			continue
		}
		out[i] = arg
	}
	return out
}

func validateUnit(stmts []Statement) error {
	if len(stmts) == 0 {
		return fmt.Errorf("%w: no statements", ErrInvalidUnit)
	}
	for i, stmt := range stmts {
		if strings.TrimSpace(stmt.SQL) == "" {
			return fmt.Errorf("%w: statement %d: empty sql", ErrInvalidUnit, i)
		}
		if stmt.Kind != StatementExec && stmt.Kind != StatementQuery {
			return fmt.Errorf("%w: statement %d: unknown kind %d", ErrInvalidUnit, i, stmt.Kind)
		}
		for _, arg := range stmt.Args {
			ref, ok := arg.(InsertID)
			if !ok {
				continue
			}
			if int(ref) < 0 || int(ref) >= i {
				return fmt.Errorf("%w: statement %d: insert id refers to statement %d", ErrInvalidUnit, i, ref)
			}
			if stmts[ref].Kind != StatementExec {
				return fmt.Errorf("%w: statement %d: insert id refers to a query", ErrInvalidUnit, i)
			}
		}
	}
	return nil
}

// submit направляет транзакцию в очередь записи, если она включена.
func (r *TxRunner) submit(ctx context.Context, fn func(context.Context) error) error {
	if r.writeQueue == nil {
		return fn(ctx)
	}

	req := writeRequest{
		fn:       fn,
		resultCh: make(chan error, 1),
		ctx:      ctx,
		claimed:  new(atomic.Bool),
	}

	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return ErrRunnerClosed
	}
	select {
	case r.writeQueue <- req:
		r.mu.RUnlock()
	case <-ctx.Done():
		r.mu.RUnlock()
		return &CancelledError{Op: "enqueue", Cause: ctx.Err()}
	}

	select {
	case err := <-req.resultCh:
		return err
	case <-ctx.Done():
	}

	if req.claimed.CompareAndSwap(false, true) {
		// воркер ещё не взял запрос и пропустит его
		return &CancelledError{Op: "enqueue", Cause: ctx.Err()}
	}
	// транзакция уже выполняется и может зафиксироваться, ждём её итог
	return <-req.resultCh
}

// runWriteQueue обрабатывает очередь транзакций в отдельной goroutine.
func (r *TxRunner) runWriteQueue() {
	defer close(r.writeQueueDone)

	for req := range r.writeQueue {
		if !req.claimed.CompareAndSwap(false, true) {
			continue
		}
		if err := req.ctx.Err(); err != nil {
			req.resultCh <- &CancelledError{Op: "enqueue", Cause: err}
			continue
		}
		req.resultCh <- req.fn(req.ctx)
	}
}
