package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"opd-emr/internal/platform/sqlite"
)

// Store - то, что задачам обслуживания нужно от базы. *sqlite.Executor подходит.
type Store interface {
	QueryOne(ctx context.Context, query string, args ...any) (sqlite.Row, bool, error)
	Execute(ctx context.Context, query string, args ...any) (sqlite.Result, error)
}

// CheckpointResult - ответ PRAGMA wal_checkpoint.
type CheckpointResult struct {
	Busy         bool
	LogFrames    int64
	Checkpointed int64
}

// Maintenance - периодическое обслуживание SQLite: checkpoint WAL и optimize.
type Maintenance struct {
	store Store
	log   *slog.Logger
}

func NewMaintenance(store Store, log *slog.Logger) *Maintenance {
	if log == nil {
		log = slog.Default()
	}
	return &Maintenance{store: store, log: log.With("component", "maintenance")}
}

// Checkpoint переносит страницы из WAL в основной файл, не блокируя читателей и писателей.
func (m *Maintenance) Checkpoint(ctx context.Context) (CheckpointResult, error) {
	row, ok, err := m.store.QueryOne(ctx, "PRAGMA wal_checkpoint(PASSIVE)")
	if err != nil {
		return CheckpointResult{}, fmt.Errorf("maintenance: checkpoint: %w", err)
	}
	if !ok {
		return CheckpointResult{}, nil
	}

	res := CheckpointResult{
		Busy:         asInt64(row["busy"]) != 0,
		LogFrames:    asInt64(row["log"]),
		Checkpointed: asInt64(row["checkpointed"]),
	}
	m.log.Debug("wal checkpoint", "busy", res.Busy, "log", res.LogFrames, "checkpointed", res.Checkpointed)
	return res, nil
}

// Optimize обновляет статистику планировщика запросов.
func (m *Maintenance) Optimize(ctx context.Context) error {
	if _, err := m.store.Execute(ctx, "PRAGMA optimize"); err != nil {
		return fmt.Errorf("maintenance: optimize: %w", err)
	}
	m.log.Debug("optimize done")
	return nil
}

// Run выполняет оба шага подряд.
func (m *Maintenance) Run(ctx context.Context) error {
	if _, err := m.Checkpoint(ctx); err != nil {
		return err
	}
	return m.Optimize(ctx)
}

// Register ставит обслуживание в расписание. Запуски не перекрываются.
func (m *Maintenance) Register(s *Scheduler, schedule string, timeout time.Duration) (JobID, error) {
	return s.Add(schedule, m.Run, JobOptions{
		Name:          "sqlite-maintenance",
		Timeout:       timeout,
		OverlapPolicy: SkipIfRunning,
	})
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
