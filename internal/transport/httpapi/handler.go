// Package httpapi предоставляет HTTP/JSON API сервиса поверх доменных координаторов.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/lifecycle/internal/domain"
	"github.com/vladislavdragonenkov/lifecycle/internal/metrics"
	"github.com/vladislavdragonenkov/lifecycle/internal/service/coordinator"
	"github.com/vladislavdragonenkov/lifecycle/internal/service/sla"
)

const (
	headerActorType = "X-Actor-Type"
	headerActorID   = "X-Actor-Id"
	headerActorName = "X-Actor-Name"

	defaultIdempotencyTTL = 24 * time.Hour
	maxBodyBytes          = 1 << 20
)

// domainPaths сопоставляет сегмент пути домену.
var domainPaths = map[string]domain.Domain{
	"orders":    domain.DomainOrder,
	"returns":   domain.DomainReturnRequest,
	"shipments": domain.DomainShipment,
}

// Handler обслуживает HTTP API.
type Handler struct {
	coordinators *coordinator.Set
	tracker      *sla.Tracker
	idem         domain.IdempotencyRepository
	idemTTL      time.Duration
	metrics      *metrics.HTTPMetrics
	now          func() time.Time
	logger       *log.Entry
}

// Option настраивает Handler.
type Option func(*Handler)

// WithIdempotency включает обработку заголовка Idempotency-Key.
func WithIdempotency(repo domain.IdempotencyRepository, ttl time.Duration) Option {
	return func(h *Handler) {
		h.idem = repo
		if ttl > 0 {
			h.idemTTL = ttl
		}
	}
}

// WithMetrics задаёт метрики HTTP.
func WithMetrics(m *metrics.HTTPMetrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithClock подменяет источник времени для SLA-отчётов и TTL ключей.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHandler создаёт обработчик API.
func NewHandler(coordinators *coordinator.Set, tracker *sla.Tracker, opts ...Option) *Handler {
	h := &Handler{
		coordinators: coordinators,
		tracker:      tracker,
		idemTTL:      defaultIdempotencyTTL,
		now:          time.Now,
		logger:       log.WithField("component", "http-api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Router собирает gin.Engine со всеми маршрутами.
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestID(), h.accessLog())
	h.Register(r)
	return r
}

// Register регистрирует маршруты /api/v1.
func (h *Handler) Register(r gin.IRouter) {
	api := r.Group("/api/v1")

	slaGroup := api.Group("/sla")
	slaGroup.GET("/breached", h.listBreached)
	slaGroup.GET("/at-risk", h.listAtRisk)

	for path, d := range domainPaths {
		coord := h.coordinators.For(d)
		g := api.Group("/" + path)
		g.POST("", h.create(coord))
		g.GET("/:id", h.get(coord))
		g.POST("/:id/transitions", h.transition(coord))
		g.GET("/:id/transitions", h.availableTransitions(coord))
		g.GET("/:id/timeline", h.timeline(coord))
		g.POST("/:id/notes", h.addNote(coord))
	}
}

func (h *Handler) create(coord *coordinator.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := readBody(c)
		if err != nil {
			h.writeError(c, err)
			return
		}

		var req CreateRequest
		if err := decode(body, &req, false); err != nil {
			h.writeError(c, err)
			return
		}

		h.respond(c, body, func(ctx context.Context) (int, any) {
			view, err := coord.Create(ctx, coordinator.CreateInput{
				ID:         req.ID,
				Reference:  req.Reference,
				Attributes: req.Attributes,
				Actor:      actorFrom(c),
				Notes:      req.Notes,
				Metadata:   metadataBytes(req.Metadata),
			})
			if err != nil {
				return h.failure(c, err)
			}
			return http.StatusCreated, toEntityDTO(view)
		})
	}
}

func (h *Handler) get(coord *coordinator.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		view, err := coord.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, toEntityDTO(view))
	}
}

func (h *Handler) transition(coord *coordinator.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := readBody(c)
		if err != nil {
			h.writeError(c, err)
			return
		}

		var req TransitionRequest
		if err := decode(body, &req, true); err != nil {
			h.writeError(c, err)
			return
		}
		if strings.TrimSpace(req.NewState) == "" {
			h.writeError(c, domain.ErrStateRequired)
			return
		}

		h.respond(c, body, func(ctx context.Context) (int, any) {
			view, err := coord.Transition(ctx, coordinator.TransitionInput{
				EntityID:    c.Param("id"),
				To:          domain.State(strings.TrimSpace(req.NewState)),
				Actor:       actorFrom(c),
				Notes:       req.Notes,
				NotifyActor: req.NotifyActor,
				Metadata:    metadataBytes(req.Metadata),
			})
			if err != nil {
				return h.failure(c, err)
			}
			return http.StatusOK, toEntityDTO(view)
		})
	}
}

func (h *Handler) availableTransitions(coord *coordinator.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		options, err := coord.AvailableTransitions(c.Request.Context(), c.Param("id"))
		if err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"transitions": toOptions(options)})
	}
}

func (h *Handler) timeline(coord *coordinator.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		entries, err := coord.Timeline(c.Request.Context(), c.Param("id"))
		if err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"events": toTimelineDTO(entries)})
	}
}

func (h *Handler) addNote(coord *coordinator.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req NoteRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			h.writeError(c, fmt.Errorf("%w: %w", domain.ErrNoteRequired, err))
			return
		}

		event, err := coord.AddNote(c.Request.Context(), c.Param("id"), actorFrom(c), req.Notes)
		if err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, toEventDTO(event))
	}
}

func (h *Handler) listBreached(c *gin.Context) {
	d, err := domainQuery(c)
	if err != nil {
		h.writeError(c, err)
		return
	}

	now := h.now().UTC()
	reports, err := h.tracker.ListBreached(c.Request.Context(), d, now)
	if err != nil {
		h.writeError(c, err)
		return
	}

	items := make([]breachDTO, 0, len(reports))
	for _, r := range reports {
		items = append(items, breachDTO{
			EntityID:     r.Record.EntityID,
			Domain:       r.Record.Domain,
			State:        r.Record.State,
			Deadline:     r.Record.Deadline,
			BreachedAt:   r.Record.BreachedAt,
			HoursOverdue: r.HoursOverdue,
		})
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "as_of": now})
}

func (h *Handler) listAtRisk(c *gin.Context) {
	d, err := domainQuery(c)
	if err != nil {
		h.writeError(c, err)
		return
	}

	now := h.now().UTC()
	records, err := h.tracker.ListAtRisk(c.Request.Context(), d, now)
	if err != nil {
		h.writeError(c, err)
		return
	}

	items := make([]atRiskDTO, 0, len(records))
	for _, r := range records {
		items = append(items, atRiskDTO{
			EntityID:       r.EntityID,
			Domain:         r.Domain,
			State:          r.State,
			Deadline:       r.Deadline,
			HoursRemaining: r.Deadline.Sub(now).Hours(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "as_of": now, "window_hours": h.tracker.AtRiskWindow().Hours()})
}

func (h *Handler) failure(c *gin.Context, err error) (int, any) {
	status, body := errorResponse(err)
	if status >= http.StatusInternalServerError {
		h.logger.WithError(err).WithFields(log.Fields{
			"path":   c.FullPath(),
			"status": status,
		}).Error("request failed")
	}
	return status, body
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status, body := h.failure(c, err)
	c.JSON(status, body)
}

// actorFrom читает инициатора из заголовков; без X-Actor-Type запрос считается системным.
func actorFrom(c *gin.Context) domain.Actor {
	actor := domain.Actor{
		Type: domain.ActorType(c.GetHeader(headerActorType)),
		ID:   c.GetHeader(headerActorID),
		Name: c.GetHeader(headerActorName),
	}.Normalize()
	if actor.Type == domain.ActorSystem && actor.ID == "" {
		actor.ID = "system"
	}
	return actor
}

// domainQuery принимает как сегменты пути (orders), так и имена доменов (order).
func domainQuery(c *gin.Context) (domain.Domain, error) {
	raw := strings.ToLower(strings.TrimSpace(c.Query("domain")))
	if raw == "" {
		return "", nil
	}
	if d, ok := domainPaths[raw]; ok {
		return d, nil
	}
	if d := domain.Domain(raw); d.Valid() {
		return d, nil
	}
	return "", fmt.Errorf("%w: %q", domain.ErrUnknownDomain, raw)
}

func readBody(c *gin.Context) ([]byte, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
	body, err := c.GetRawData()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errMalformedBody, err)
	}
	return body, nil
}

func decode(body []byte, dst any, required bool) error {
	if len(strings.TrimSpace(string(body))) == 0 {
		if required {
			return fmt.Errorf("%w: empty body", errMalformedBody)
		}
		return nil
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("%w: %w", errMalformedBody, err)
	}
	return nil
}

func metadataBytes(raw json.RawMessage) []byte {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	return []byte(trimmed)
}
