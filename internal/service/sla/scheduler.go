package sla

import (
	"context"
	"fmt"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

// DefaultSweepSchedule: расписание прохода по умолчанию.
const DefaultSweepSchedule = "@every 1m"

// Sweeper помечает просроченные записи.
type Sweeper interface {
	SweepBreaches(ctx context.Context, now time.Time) (int, error)
}

// Scheduler запускает проход по SLA по cron-расписанию. Перекрывающиеся запуски пропускаются.
type Scheduler struct {
	cron     *rcron.Cron
	sweeper  Sweeper
	schedule string
	timeout  time.Duration
	logger   *log.Entry
	now      func() time.Time

	mu       sync.Mutex
	runs     int
	failures int
}

// SchedulerOption настраивает Scheduler.
type SchedulerOption func(*Scheduler)

// WithSweepTimeout ограничивает длительность одного прохода.
func WithSweepTimeout(timeout time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

// WithSchedulerLogger задаёт логгер планировщика.
func WithSchedulerLogger(logger *log.Entry) SchedulerOption {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// NewScheduler проверяет выражение и регистрирует задачу прохода.
// Поддерживаются стандартные 5-польные выражения и дескрипторы (@every, @hourly).
func NewScheduler(sweeper Sweeper, schedule string, opts ...SchedulerOption) (*Scheduler, error) {
	if sweeper == nil {
		return nil, fmt.Errorf("sla scheduler: sweeper is required")
	}
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}

	s := &Scheduler{
		sweeper:  sweeper,
		schedule: schedule,
		timeout:  30 * time.Second,
		logger:   log.WithField("component", "sla-scheduler"),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	cronLog := cronLogger{entry: s.logger}
	s.cron = rcron.New(
		rcron.WithLocation(time.UTC),
		rcron.WithLogger(cronLog),
		rcron.WithChain(rcron.Recover(cronLog), rcron.SkipIfStillRunning(cronLog)),
	)

	if _, err := s.cron.AddFunc(schedule, s.tick); err != nil {
		return nil, fmt.Errorf("sla scheduler: invalid schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start запускает планировщик в фоне.
func (s *Scheduler) Start() {
	s.logger.WithField("schedule", s.schedule).Info("sla sweep scheduler started")
	s.cron.Start()
}

// Stop останавливает планировщик и ждёт завершения текущего прохода либо отмены ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("sla sweep scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce выполняет один проход немедленно.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	flagged, err := s.sweeper.SweepBreaches(ctx, s.now().UTC())

	s.mu.Lock()
	s.runs++
	if err != nil {
		s.failures++
	}
	s.mu.Unlock()

	return flagged, err
}

// Stats возвращает число выполненных и неудачных проходов.
func (s *Scheduler) Stats() (runs, failures int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs, s.failures
}

func (s *Scheduler) tick() {
	flagged, err := s.RunOnce(context.Background())
	if err != nil {
		s.logger.WithError(err).Error("sla sweep failed")
		return
	}
	if flagged > 0 {
		s.logger.WithField("flagged", flagged).Info("sla sweep flagged breaches")
	}
}

// cronLogger адаптирует logrus к интерфейсу логгера robfig/cron.
type cronLogger struct {
	entry *log.Entry
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(kvFields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.entry.WithError(err).WithFields(kvFields(keysAndValues)).Error(msg)
}

func kvFields(keysAndValues []interface{}) log.Fields {
	fields := make(log.Fields, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return fields
}
