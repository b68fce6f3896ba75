package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// JobFunc - функция фоновой задачи.
type JobFunc func(ctx context.Context) error

// JobID - идентификатор задачи в cron.
type JobID = cron.EntryID

// OverlapPolicy определяет, что делать, если предыдущий запуск ещё идёт.
type OverlapPolicy int

const (
	// AllowOverlap разрешает параллельные запуски.
	AllowOverlap OverlapPolicy = iota
	// SkipIfRunning пропускает запуск, пока предыдущий не завершился.
	SkipIfRunning
)

// JobOptions - параметры задачи.
type JobOptions struct {
	Name          string
	Timeout       time.Duration
	OverlapPolicy OverlapPolicy
}

// JobHooks - необязательные хуки для наблюдаемости.
type JobHooks struct {
	OnJobStart  func(name string)
	OnJobFinish func(name string, duration time.Duration, err error)
}

// Config - конфигурация планировщика.
type Config struct {
	Logger *slog.Logger
	Hooks  JobHooks
}

type job struct {
	fn      JobFunc
	opts    JobOptions
	running sync.Mutex
}

// cronLogger передаёт сообщения cron в slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.logger.Debug(msg, kv...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.logger.Error(msg, append([]interface{}{"err", err}, kv...)...)
}

// Scheduler запускает задачи по cron-расписанию. Расписание принимает
// 5 или 6 полей (секунды необязательны) и дескрипторы вида "@every 15m".
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
	hooks  JobHooks

	ctx    context.Context
	cancel context.CancelFunc

	startOnce sync.Once
	stopOnce  sync.Once
}

// New создаёт планировщик. Отмена parent останавливает его.
func New(parent context.Context, cfg Config) *Scheduler {
	ctx, cancel := context.WithCancel(parent)

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "scheduler")

	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	cl := cronLogger{logger: logger}

	return &Scheduler{
		cron:   cron.New(cron.WithParser(parser), cron.WithLogger(cl), cron.WithChain(cron.Recover(cl))),
		logger: logger,
		hooks:  cfg.Hooks,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add регистрирует задачу. Её можно добавить и после Start.
func (s *Scheduler) Add(schedule string, fn JobFunc, opts JobOptions) (JobID, error) {
	if opts.Name == "" {
		opts.Name = "unnamed"
	}
	j := &job{fn: fn, opts: opts}

	id, err := s.cron.AddFunc(schedule, func() { s.run(j) })
	if err != nil {
		return 0, fmt.Errorf("scheduler: add %s (%q): %w", opts.Name, schedule, err)
	}

	s.logger.Info("job added", "name", opts.Name, "schedule", schedule, "id", id)
	return id, nil
}

// Remove снимает задачу с расписания. Уже идущий запуск не прерывается.
func (s *Scheduler) Remove(id JobID) {
	s.cron.Remove(id)
}

// Start запускает планировщик. Повторный вызов ничего не делает.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		s.cron.Start()
		s.logger.Info("scheduler started", "jobs", len(s.cron.Entries()))

		go func() {
			<-s.ctx.Done()
			s.stopOnce.Do(s.stop)
		}()
	})
}

// Stop останавливает планировщик и ждёт завершения идущих задач, но не дольше ctx.
// Контекст задач отменяется сразу.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.stopOnce.Do(s.stop)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.logger.Warn("scheduler stop deadline exceeded")
		return ctx.Err()
	}
}

func (s *Scheduler) stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// IsRunning возвращает false после Stop или отмены родительского контекста.
func (s *Scheduler) IsRunning() bool {
	return s.ctx.Err() == nil
}

// run выполняет задачу с учётом политики перекрытий, таймаута и паник.
func (s *Scheduler) run(j *job) {
	name := j.opts.Name

	if j.opts.OverlapPolicy == SkipIfRunning {
		if !j.running.TryLock() {
			s.logger.Debug("job still running, skipped", "name", name)
			return
		}
		defer j.running.Unlock()
	}

	ctx := s.ctx
	if j.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.opts.Timeout)
		defer cancel()
	}

	if s.hooks.OnJobStart != nil {
		s.hooks.OnJobStart(name)
	}

	start := time.Now()
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		duration := time.Since(start)
		if s.hooks.OnJobFinish != nil {
			s.hooks.OnJobFinish(name, duration, err)
		}
		if err != nil {
			s.logger.Error("job failed", "name", name, "err", err, "duration", duration)
			return
		}
		s.logger.Debug("job done", "name", name, "duration", duration)
	}()

	err = j.fn(ctx)
}
