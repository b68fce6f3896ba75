package sqlite

import (
	"errors"
	"strings"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// ErrorClass - результат классификации ошибки хранилища.
type ErrorClass int

const (
	// ClassTerminal - ошибка не исчезнет при повторе (синтаксис, ограничения, I/O)
	ClassTerminal ErrorClass = iota
	// ClassTransient - база временно заблокирована другим писателем
	ClassTransient
)

func (c ErrorClass) String() string {
	if c == ClassTransient {
		return "transient"
	}
	return "terminal"
}

// codedError - любая ошибка драйвера, отдающая код результата SQLite.
type codedError interface {
	error
	Code() int
}

// busyMessages - последний рубеж для ошибок без кода (обёрнутые строкой).
var busyMessages = []string{
	"database is locked",
	"database table is locked",
	"sqlite_busy",
}

// Classify определяет, является ли ошибка временной блокировкой.
// Сначала проверяется структурированный код драйвера, сообщение - только как запасной вариант.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassTerminal
	}

	if code, ok := resultCode(err); ok {
		switch code & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return ClassTransient
		default:
			return ClassTerminal
		}
	}

	msg := strings.ToLower(err.Error())
	for _, m := range busyMessages {
		if strings.Contains(msg, m) {
			return ClassTransient
		}
	}
	return ClassTerminal
}

// IsTransient сообщает, стоит ли повторять операцию.
func IsTransient(err error) bool {
	return Classify(err) == ClassTransient
}

// isConstraint распознаёт нарушения UNIQUE/FOREIGN KEY/CHECK/NOT NULL.
func isConstraint(err error) bool {
	if code, ok := resultCode(err); ok {
		return code&0xff == sqlite3.SQLITE_CONSTRAINT
	}
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "constraint failed")
}

func resultCode(err error) (int, bool) {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code(), true
	}
	var coded codedError
	if errors.As(err, &coded) {
		return coded.Code(), true
	}
	return 0, false
}
