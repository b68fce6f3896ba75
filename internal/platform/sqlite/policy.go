package sqlite

import (
	"log/slog"
	"time"

	"opd-emr/pkg/retry"
)

// RetryPolicy описывает расписание повторов при SQLITE_BUSY/SQLITE_LOCKED.
// Состояние повторов (номер попытки, текущая задержка) живёт в стеке вызова,
// сама политика неизменяема и может разделяться между горутинами.
type RetryPolicy struct {
	// MaxRetries - число повторов после первой попытки
	MaxRetries int
	// InitialDelay - задержка перед первым повтором
	InitialDelay time.Duration
	// MaxDelay - верхняя граница задержки
	MaxDelay time.Duration
	// Multiplier - множитель экспоненциального роста задержки
	Multiplier float64
	// Jitter - стратегия разброса (по умолчанию без разброса, расписание монотонно)
	Jitter retry.JitterStrategy
	// After - таймер ожидания; подменяется в тестах
	After func(d time.Duration) <-chan time.Time
}

// DefaultConnectPolicy возвращает политику открытия соединения:
// 5 повторов, 100ms с удвоением, не более 2s (100, 200, 400, 800, 1600).
func DefaultConnectPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
	}
}

// DefaultStatementPolicy возвращает политику для запросов и транзакций:
// 5 повторов, 100ms с множителем 1.5, не более 2s (100, 150, 225, 337.5, 506.25).
func DefaultStatementPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   1.5,
	}
}

// Attempts возвращает полное число обращений к хранилищу (первое + повторы).
func (p RetryPolicy) Attempts() int {
	if p.MaxRetries < 0 {
		return 1
	}
	return p.MaxRetries + 1
}

// Schedule возвращает задержки перед каждым повтором.
func (p RetryPolicy) Schedule() []time.Duration {
	cfg := p.withDefaults().retryConfig(nil, "")
	delays := make([]time.Duration, 0, p.Attempts()-1)
	for attempt := 1; attempt < p.Attempts(); attempt++ {
		delays = append(delays, cfg.Delay(attempt))
	}
	return delays
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.InitialDelay <= 0 {
		p.InitialDelay = 100 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 2 * time.Second
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.Multiplier < 1.0 {
		p.Multiplier = 1.0
	}
	return p
}

// retryConfig собирает конфигурацию pkg/retry; каждая повторная попытка логируется на WARN.
func (p RetryPolicy) retryConfig(log *slog.Logger, op string) retry.Config {
	p = p.withDefaults()
	cfg := retry.Config{
		MaxAttempts:    p.Attempts(),
		InitialDelay:   p.InitialDelay,
		MaxDelay:       p.MaxDelay,
		Multiplier:     p.Multiplier,
		JitterStrategy: p.Jitter,
		After:          p.After,
	}
	if log != nil {
		cfg.OnRetry = func(attempt int, err error, next time.Duration) {
			log.Warn("sqlite busy, retrying",
				"op", op,
				"attempt", attempt,
				"delay", next,
				"err", err)
		}
	}
	return cfg
}
