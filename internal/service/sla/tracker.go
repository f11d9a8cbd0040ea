// Package sla ведёт дедлайны состояний и помечает просроченные сущности.
package sla

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/lifecycle/internal/domain"
	"github.com/vladislavdragonenkov/lifecycle/internal/metrics"
	"github.com/vladislavdragonenkov/lifecycle/internal/workflow"
)

// DefaultAtRiskWindow: окно, в котором непросроченная запись считается под угрозой.
const DefaultAtRiskWindow = 2 * time.Hour

// OpKind: вид изменения SLA-записи.
type OpKind int

const (
	// OpUpsert заменяет запись сущности новым дедлайном.
	OpUpsert OpKind = iota + 1
	// OpDelete удаляет запись: у нового состояния нет дедлайна.
	OpDelete
)

// Op: изменение SLA, вычисленное при переходе и применяемое в той же единице работы.
type Op struct {
	Kind   OpKind
	Record domain.SLARecord
}

// Apply применяет изменение в транзакции.
func (op Op) Apply(ctx context.Context, tx domain.Tx) error {
	switch op.Kind {
	case OpUpsert:
		return tx.UpsertSLA(ctx, op.Record)
	case OpDelete:
		return tx.DeleteSLA(ctx, op.Record.EntityID)
	default:
		return fmt.Errorf("unknown sla op kind %d", op.Kind)
	}
}

// Tracker вычисляет дедлайны и обслуживает отчёты о нарушениях.
type Tracker struct {
	registry     *workflow.Registry
	repo         domain.SLARepository
	atRiskWindow time.Duration
	metrics      *metrics.LifecycleMetrics
	logger       *log.Entry
}

// Option настраивает Tracker.
type Option func(*Tracker)

// WithAtRiskWindow задаёт окно "под угрозой". Неположительное значение игнорируется.
func WithAtRiskWindow(window time.Duration) Option {
	return func(t *Tracker) {
		if window > 0 {
			t.atRiskWindow = window
		}
	}
}

// WithMetrics подключает prometheus-метрики.
func WithMetrics(m *metrics.LifecycleMetrics) Option {
	return func(t *Tracker) {
		t.metrics = m
	}
}

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// NewTracker создаёт трекер поверх реестра машин состояний и репозитория SLA.
func NewTracker(registry *workflow.Registry, repo domain.SLARepository, opts ...Option) *Tracker {
	t := &Tracker{
		registry:     registry,
		repo:         repo,
		atRiskWindow: DefaultAtRiskWindow,
		logger:       log.WithField("component", "sla-tracker"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// AtRiskWindow возвращает текущее окно "под угрозой".
func (t *Tracker) AtRiskWindow() time.Duration { return t.atRiskWindow }

// OnTransition вычисляет изменение SLA для сущности, перешедшей в newState.
// Функция не обращается к хранилищу.
func (t *Tracker) OnTransition(entityID string, d domain.Domain, newState domain.State, now time.Time) (Op, error) {
	hours, err := t.registry.SLAHours(d, newState)
	if err != nil {
		return Op{}, err
	}
	if hours == 0 {
		return Op{Kind: OpDelete, Record: domain.SLARecord{EntityID: entityID, Domain: d, State: newState}}, nil
	}

	now = now.UTC()
	return Op{
		Kind: OpUpsert,
		Record: domain.SLARecord{
			EntityID:   entityID,
			Domain:     d,
			State:      newState,
			Deadline:   now.Add(time.Duration(hours) * time.Hour),
			IsBreached: false,
			BreachedAt: nil,
			UpdatedAt:  now,
		},
	}, nil
}

// SweepBreaches помечает все просроченные записи и возвращает число новых нарушений.
// Повторный вызов с тем же now ничего не меняет.
func (t *Tracker) SweepBreaches(ctx context.Context, now time.Time) (int, error) {
	started := time.Now()
	flagged, err := t.repo.SweepBreaches(ctx, now.UTC())
	t.metrics.RecordSweepDuration(time.Since(started))
	if err != nil {
		return 0, domain.PersistenceError("sweep sla breaches", err)
	}

	perDomain := make(map[domain.Domain]int)
	for _, rec := range flagged {
		perDomain[rec.Domain]++
		t.logger.WithFields(log.Fields{
			"entity_id": rec.EntityID,
			"domain":    rec.Domain,
			"state":     rec.State,
			"deadline":  rec.Deadline,
		}).Warn("sla breached")
	}
	for d, n := range perDomain {
		t.metrics.RecordBreachesFlagged(string(d), n)
	}

	if t.metrics != nil {
		for _, d := range domain.Domains() {
			open, err := t.repo.ListBreached(ctx, d, 0)
			if err != nil {
				t.logger.WithError(err).WithField("domain", d).Warn("failed to count open sla breaches")
				continue
			}
			t.metrics.SetOpenBreaches(string(d), len(open))
		}
	}

	return len(flagged), nil
}

// Status вычисляет статус SLA. Отсутствие записи означает completed.
func (t *Tracker) Status(record *domain.SLARecord, now time.Time) domain.SLAStatus {
	return StatusAt(record, now, t.atRiskWindow)
}

// StatusAt: чистая функция статуса с явным окном.
// Просроченная, но ещё не помеченная sweep запись остаётся at_risk; ListAtRisk отдаёт её же.
func StatusAt(record *domain.SLARecord, now time.Time, window time.Duration) domain.SLAStatus {
	switch {
	case record == nil:
		return domain.SLAStatusCompleted
	case record.IsBreached:
		return domain.SLAStatusBreached
	case !record.Deadline.After(now.Add(window)):
		return domain.SLAStatusAtRisk
	default:
		return domain.SLAStatusOnTrack
	}
}

// Lookup возвращает SLA-запись сущности или nil, если дедлайна нет.
func (t *Tracker) Lookup(ctx context.Context, entityID string) (*domain.SLARecord, error) {
	rec, err := t.repo.Get(ctx, entityID)
	if err != nil {
		if errors.Is(err, domain.ErrSLARecordNotFound) {
			return nil, nil
		}
		return nil, domain.PersistenceError("get sla record", err)
	}
	return &rec, nil
}

// ListBreached возвращает помеченные нарушения с числом часов просрочки на момент now.
func (t *Tracker) ListBreached(ctx context.Context, d domain.Domain, now time.Time) ([]domain.BreachReport, error) {
	records, err := t.repo.ListBreached(ctx, d, 0)
	if err != nil {
		return nil, domain.PersistenceError("list breached sla", err)
	}

	reports := make([]domain.BreachReport, 0, len(records))
	for _, rec := range records {
		overdue := now.Sub(rec.Deadline).Hours()
		if overdue < 0 {
			overdue = 0
		}
		reports = append(reports, domain.BreachReport{Record: rec, HoursOverdue: overdue})
	}
	return reports, nil
}

// ListAtRisk возвращает непомеченные записи с дедлайном не позже now+window,
// включая уже просроченные, до которых ещё не дошёл sweep.
func (t *Tracker) ListAtRisk(ctx context.Context, d domain.Domain, now time.Time) ([]domain.SLARecord, error) {
	records, err := t.repo.ListDueBetween(ctx, d, time.Time{}, now.Add(t.atRiskWindow), 0)
	if err != nil {
		return nil, domain.PersistenceError("list at-risk sla", err)
	}
	return records, nil
}
