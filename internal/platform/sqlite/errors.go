package sqlite

import (
	"errors"
	"fmt"

	"opd-emr/internal/shared"
)

// ErrNotOpen возвращается при обращении к Manager до успешного Open.
var ErrNotOpen = errors.New("sqlite: database is not open")

// ConnectionError - не удалось открыть базу.
type ConnectionError struct {
	Path      string
	Attempts  int
	Exhausted bool // все повторы завершились SQLITE_BUSY
	Cause     error
}

func (e *ConnectionError) Error() string {
	if e.Exhausted {
		return fmt.Sprintf("sqlite: open %s: still locked after %d attempts: %v", e.Path, e.Attempts, e.Cause)
	}
	return fmt.Sprintf("sqlite: open %s: %v", e.Path, e.Cause)
}

func (e *ConnectionError) Unwrap() []error {
	errs := []error{e.Cause, shared.ErrDependencyFailure}
	if e.Exhausted {
		errs = append(errs, shared.ErrBusy)
	}
	return errs
}

// StatementError - запрос завершился ошибкой. Exhausted означает,
// что ошибка была временной, но не исчезла за все повторы.
type StatementError struct {
	SQL       string
	Attempts  int
	Exhausted bool
	Cause     error
}

func (e *StatementError) Error() string {
	if e.Exhausted {
		return fmt.Sprintf("sqlite: %q: still locked after %d attempts: %v", e.SQL, e.Attempts, e.Cause)
	}
	return fmt.Sprintf("sqlite: %q: %v", e.SQL, e.Cause)
}

func (e *StatementError) Unwrap() []error {
	errs := []error{e.Cause}
	if e.Exhausted {
		errs = append(errs, shared.ErrBusy)
	}
	if isConstraint(e.Cause) {
		errs = append(errs, shared.ErrConflict)
	}
	return errs
}

// TransactionError - единица работы не была зафиксирована.
type TransactionError struct {
	// Index - номер упавшего оператора, -1 если ошибка на границе транзакции
	Index int
	// SQL - текст упавшего оператора или BEGIN/COMMIT
	SQL string
	// Boundary - "BEGIN" или "COMMIT", если упала граница транзакции
	Boundary string
	// State - конечное состояние транзакции
	State TxState
	// Attempts - число запусков единицы работы
	Attempts  int
	Exhausted bool
	Cause     error
	// RollbackErr - ошибка ROLLBACK, исходная причина при этом не теряется
	RollbackErr error
}

func (e *TransactionError) Error() string {
	var where string
	switch {
	case e.Boundary != "":
		where = e.Boundary
	case e.Index >= 0:
		where = fmt.Sprintf("statement %d", e.Index)
	default:
		where = "unit"
	}

	msg := fmt.Sprintf("sqlite: transaction %s at %s: %v", e.State, where, e.Cause)
	if e.Exhausted {
		msg = fmt.Sprintf("sqlite: transaction still locked at %s after %d attempts: %v", where, e.Attempts, e.Cause)
	}
	if e.RollbackErr != nil {
		msg += fmt.Sprintf(" (rollback: %v)", e.RollbackErr)
	}
	return msg
}

func (e *TransactionError) Unwrap() []error {
	errs := []error{e.Cause}
	if e.Exhausted {
		errs = append(errs, shared.ErrBusy)
	}
	return errs
}

// CancelledError - операция прервана отменой или истечением контекста.
type CancelledError struct {
	Op    string
	Cause error
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("sqlite: %s cancelled: %v", e.Op, e.Cause)
}

func (e *CancelledError) Unwrap() error {
	return e.Cause
}
