// Package scheduler запускает фоновые задачи по cron-расписанию и содержит
// задачи обслуживания SQLite.
//
// Возможности:
//   - расписание github.com/robfig/cron/v3: 5 или 6 полей и дескрипторы ("@every 15m", "@hourly")
//   - политика перекрытий (AllowOverlap/SkipIfRunning)
//   - таймаут на запуск и именованные задачи
//   - остановка по родительскому контексту и Stop с дедлайном
//   - перехват паник и структурные логи slog
//   - хуки OnJobStart/OnJobFinish
//
// Обслуживание базы:
//
//	exec, _ := mgr.NewExecutor()
//	s := scheduler.New(ctx, scheduler.Config{Logger: log})
//	m := scheduler.NewMaintenance(exec, log)
//	if _, err := m.Register(s, "@every 15m", time.Minute); err != nil {
//		return err
//	}
//	s.Start()
//	defer s.Stop(context.Background())
//
// Maintenance.Run выполняет PRAGMA wal_checkpoint(PASSIVE) и PRAGMA optimize
// через Executor, поэтому занятая база обрабатывается той же политикой повторов,
// что и обычные запросы.
package scheduler
