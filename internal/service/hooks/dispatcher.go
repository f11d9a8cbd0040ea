// Package hooks выполняет побочные эффекты зафиксированных переходов.
//
// Dispatcher получает outbox-сообщения от воркера и раздаёт их независимым хукам.
// Успешное выполнение хука отмечается ключом hook:{outbox_id}:{hook}, поэтому
// повторная доставка сообщения не запускает уже отработавший хук.
package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/lifecycle/internal/domain"
	"github.com/vladislavdragonenkov/lifecycle/internal/metrics"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 100 * time.Millisecond
	defaultMarkerTTL   = 7 * 24 * time.Hour
)

// Hook: один побочный эффект перехода.
type Hook interface {
	Name() string
	// Applies сообщает, нужен ли хук для данного перехода.
	Applies(evt domain.TransitionCommitted) bool
	Run(ctx context.Context, evt domain.TransitionCommitted) error
}

// Dispatcher раздаёт события переходов хукам. Реализует domain.OutboxPublisher.
type Dispatcher struct {
	hooks       []Hook
	markers     domain.IdempotencyRepository
	maxAttempts int
	baseDelay   time.Duration
	markerTTL   time.Duration
	metrics     *metrics.LifecycleMetrics
	logger      *log.Entry
}

// Option настраивает Dispatcher.
type Option func(*Dispatcher)

// WithMarkers включает отметки о выполненных хуках.
func WithMarkers(repo domain.IdempotencyRepository) Option {
	return func(d *Dispatcher) { d.markers = repo }
}

// WithRetry задаёт число попыток на хук и базовую задержку backoff.
func WithRetry(maxAttempts int, baseDelay time.Duration) Option {
	return func(d *Dispatcher) {
		if maxAttempts > 0 {
			d.maxAttempts = maxAttempts
		}
		if baseDelay >= 0 {
			d.baseDelay = baseDelay
		}
	}
}

// WithMarkerTTL задаёт срок хранения отметок.
func WithMarkerTTL(ttl time.Duration) Option {
	return func(d *Dispatcher) {
		if ttl > 0 {
			d.markerTTL = ttl
		}
	}
}

// WithMetrics подключает метрики хуков.
func WithMetrics(m *metrics.LifecycleMetrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDispatcher создаёт диспетчер с набором хуков.
func NewDispatcher(hooks []Hook, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		maxAttempts: defaultMaxAttempts,
		baseDelay:   defaultBaseDelay,
		markerTTL:   defaultMarkerTTL,
		logger:      log.WithField("component", "hook-dispatcher"),
	}
	for _, h := range hooks {
		if h != nil {
			d.hooks = append(d.hooks, h)
		}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Publish запускает подходящие хуки. Ошибка означает, что хотя бы один хук не выполнен
// и сообщение нужно доставить повторно.
func (d *Dispatcher) Publish(ctx context.Context, msg domain.OutboxMessage) error {
	if msg.EventType != domain.OutboxEventTransitionCommitted {
		return nil
	}

	var evt domain.TransitionCommitted
	if err := json.Unmarshal(msg.Payload, &evt); err != nil {
		// Повтор не поможет: сообщение уйдёт в failed/DLQ.
		return fmt.Errorf("decode transition payload %s: %w", msg.ID, err)
	}

	var errs []error
	for _, hook := range d.hooks {
		if !hook.Applies(evt) {
			continue
		}
		if err := d.runHook(ctx, msg.ID, hook, evt); err != nil {
			errs = append(errs, fmt.Errorf("hook %s: %w", hook.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) runHook(ctx context.Context, outboxID string, hook Hook, evt domain.TransitionCommitted) error {
	key := MarkerKey(outboxID, hook.Name())
	logger := d.logger.WithFields(log.Fields{
		"hook":      hook.Name(),
		"outbox_id": outboxID,
		"entity_id": evt.EntityID,
	})

	done, err := d.claim(ctx, key, outboxID)
	if err != nil {
		return err
	}
	if done {
		d.metrics.RecordHookRun(hook.Name(), "skipped")
		return nil
	}

	runErr := d.runWithRetry(ctx, hook, evt, logger)
	if runErr != nil {
		d.metrics.RecordHookRun(hook.Name(), "failed")
		logger.WithError(runErr).Error("hook failed after retries")
		if d.markers != nil {
			if err := d.markers.MarkFailed(ctx, key, []byte(runErr.Error()), 0); err != nil {
				logger.WithError(err).Warn("failed to record hook failure")
			}
		}
		return runErr
	}

	d.metrics.RecordHookRun(hook.Name(), "ok")
	if d.markers != nil {
		if err := d.markers.MarkDone(ctx, key, nil, 0); err != nil {
			logger.WithError(err).Warn("failed to record hook completion")
		}
	}
	return nil
}

// claim возвращает true, если хук уже выполнен ранее.
func (d *Dispatcher) claim(ctx context.Context, key, outboxID string) (bool, error) {
	if d.markers == nil {
		return false, nil
	}

	existing, err := d.markers.Get(ctx, key)
	switch {
	case err == nil:
		return existing.Status == domain.IdempotencyStatusDone, nil
	case !errors.Is(err, domain.ErrIdempotencyKeyNotFound):
		return false, fmt.Errorf("read hook marker: %w", err)
	}

	_, err = d.markers.CreateProcessing(ctx, key, outboxID, time.Now().UTC().Add(d.markerTTL))
	if err != nil && !domain.IsIdempotencyConflict(err) {
		return false, fmt.Errorf("create hook marker: %w", err)
	}
	return false, nil
}

func (d *Dispatcher) runWithRetry(ctx context.Context, hook Hook, evt domain.TransitionCommitted, logger *log.Entry) error {
	var lastErr error
	delay := d.baseDelay

	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		err := hook.Run(ctx, evt)
		if err == nil {
			if attempt > 1 {
				logger.WithField("attempt", attempt).Info("hook succeeded after retry")
			}
			return nil
		}
		lastErr = err

		if attempt == d.maxAttempts {
			break
		}
		logger.WithError(err).WithFields(log.Fields{
			"attempt": attempt,
			"delay":   delay,
		}).Warn("hook failed, retrying")

		if delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", d.maxAttempts, lastErr)
}

// MarkerKey формирует ключ отметки выполнения хука.
func MarkerKey(outboxID, hook string) string {
	return "hook:" + outboxID + ":" + hook
}

var _ domain.OutboxPublisher = (*Dispatcher)(nil)
