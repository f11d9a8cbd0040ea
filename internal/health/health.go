// Package health отдаёт liveness/readiness пробы и сводный статус зависимостей.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/lifecycle/internal/domain"
)

const defaultCheckTimeout = 2 * time.Second

// Status: состояние компонента или сервиса целиком.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) severity() int {
	switch s {
	case StatusDegraded:
		return 1
	case StatusUnhealthy:
		return 2
	default:
		return 0
	}
}

// Checker проверяет одну зависимость. Любая ошибка делает её unhealthy,
// кроме ошибок, созданных через Degraded.
type Checker interface {
	Check(ctx context.Context) error
}

// CheckerFunc позволяет использовать функцию (например, Ping) как Checker.
type CheckerFunc func(ctx context.Context) error

func (f CheckerFunc) Check(ctx context.Context) error { return f(ctx) }

// DegradedError: проблема, при которой сервис остаётся в балансировке.
type DegradedError struct {
	Reason string
}

func (e *DegradedError) Error() string { return e.Reason }

// Degraded создаёт DegradedError.
func Degraded(format string, args ...any) error {
	return &DegradedError{Reason: fmt.Sprintf(format, args...)}
}

// Check: результат одной проверки.
type Check struct {
	Name       string `json:"name"`
	Status     Status `json:"status"`
	Message    string `json:"message,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Report: сводный ответ /healthz.
type Report struct {
	Status        Status           `json:"status"`
	CheckedAt     time.Time        `json:"checked_at"`
	Version       string           `json:"version,omitempty"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Checks        map[string]Check `json:"checks,omitempty"`
}

// Handler держит реестр проверок и отдаёт их результат по HTTP.
type Handler struct {
	mu       sync.RWMutex
	checkers map[string]Checker

	version string
	started time.Time
	timeout time.Duration
	now     func() time.Time
}

func NewHandler(version string) *Handler {
	return &Handler{
		checkers: make(map[string]Checker),
		version:  version,
		started:  time.Now(),
		timeout:  defaultCheckTimeout,
		now:      time.Now,
	}
}

// RegisterChecker добавляет или заменяет проверку с именем name.
func (h *Handler) RegisterChecker(name string, c Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers[name] = c
}

// Names возвращает имена проверок по алфавиту.
func (h *Handler) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return slices.Sorted(maps.Keys(h.checkers))
}

// Run выполняет проверки параллельно, каждую со своим таймаутом.
// Итоговый статус равен худшему из статусов проверок.
func (h *Handler) Run(ctx context.Context) Report {
	h.mu.RLock()
	checkers := maps.Clone(h.checkers)
	h.mu.RUnlock()

	now := h.now()
	report := Report{
		Status:        StatusHealthy,
		CheckedAt:     now.UTC(),
		Version:       h.version,
		UptimeSeconds: int64(now.Sub(h.started).Seconds()),
		Checks:        make(map[string]Check, len(checkers)),
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for name, c := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			check := h.runOne(ctx, name, c)

			mu.Lock()
			defer mu.Unlock()
			report.Checks[name] = check
			if check.Status.severity() > report.Status.severity() {
				report.Status = check.Status
			}
		}()
	}
	wg.Wait()
	return report
}

func (h *Handler) runOne(ctx context.Context, name string, c Checker) Check {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	start := time.Now()
	err := c.Check(ctx)
	check := Check{Name: name, Status: StatusHealthy, DurationMs: time.Since(start).Milliseconds()}

	var degraded *DegradedError
	switch {
	case err == nil:
	case errors.As(err, &degraded):
		check.Status, check.Message = StatusDegraded, err.Error()
	default:
		check.Status, check.Message = StatusUnhealthy, err.Error()
	}
	return check
}

// ServeHTTP отдаёт Report; unhealthy отвечает 503.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	report := h.Run(r.Context())

	code := http.StatusOK
	if report.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(report)
}

// ReadinessHandler снимает сервис с балансировки только в состоянии unhealthy.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if h.Run(r.Context()).Status == StatusUnhealthy {
		writeText(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	writeText(w, http.StatusOK, "ready")
}

// LivenessHandler отвечает 200, пока процесс обслуживает HTTP.
func LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusOK, "ok")
}

func writeText(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(body))
}

// OutboxStatsReader: источник статистики outbox.
type OutboxStatsReader interface {
	Stats(ctx context.Context) (domain.OutboxStats, error)
}

// OutboxBacklogChecker переводит сервис в degraded, когда самое старое
// неопубликованное событие ждёт дольше maxAge.
type OutboxBacklogChecker struct {
	stats  OutboxStatsReader
	maxAge time.Duration
	now    func() time.Time
}

func NewOutboxBacklogChecker(stats OutboxStatsReader, maxAge time.Duration) *OutboxBacklogChecker {
	return &OutboxBacklogChecker{stats: stats, maxAge: maxAge, now: time.Now}
}

func (c *OutboxBacklogChecker) Check(ctx context.Context) error {
	stats, err := c.stats.Stats(ctx)
	if err != nil {
		return fmt.Errorf("outbox stats: %w", err)
	}
	if stats.PendingCount == 0 || stats.OldestPendingAt.IsZero() {
		return nil
	}
	if age := c.now().Sub(stats.OldestPendingAt); age > c.maxAge {
		return Degraded("%d pending, oldest %s ago", stats.PendingCount, age.Round(time.Second))
	}
	return nil
}
