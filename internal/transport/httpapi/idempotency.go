package httpapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/lifecycle/internal/domain"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"
)

type operation func(ctx context.Context) (int, any)

// respond выполняет операцию и пишет ответ. С заголовком Idempotency-Key
// повтор того же запроса возвращает сохранённый ответ без повторного выполнения.
func (h *Handler) respond(c *gin.Context, body []byte, op operation) {
	key := strings.TrimSpace(c.GetHeader(headerIdempotencyKey))
	if h.idem == nil || key == "" {
		status, payload := op(c.Request.Context())
		c.JSON(status, payload)
		return
	}

	ctx := c.Request.Context()
	logger := h.logger.WithField("idempotency_key", key)

	record, err := h.idem.CreateProcessing(ctx, key, requestHash(c, body), h.now().UTC().Add(h.idemTTL))
	if err != nil {
		h.replay(c, logger, err, record)
		return
	}

	status, payload := op(ctx)
	data, err := json.Marshal(payload)
	if err != nil {
		logger.WithError(err).Error("failed to encode response")
		h.release(ctx, logger, key)
		c.JSON(http.StatusInternalServerError, errorDTO{Error: "internal error"})
		return
	}

	switch {
	case status >= http.StatusInternalServerError:
		// Повторяемые сбои не кешируются.
		h.release(ctx, logger, key)
	case status >= http.StatusBadRequest:
		if err := h.idem.MarkFailed(ctx, key, data, status); err != nil {
			logger.WithError(err).Warn("failed to store idempotency failure response")
		}
	default:
		if err := h.idem.MarkDone(ctx, key, data, status); err != nil {
			logger.WithError(err).Warn("failed to store idempotent success response")
		}
	}

	c.Data(status, gin.MIMEJSON, data)
}

func (h *Handler) replay(c *gin.Context, logger *log.Entry, createErr error, record domain.IdempotencyRecord) {
	switch {
	case errors.Is(createErr, domain.ErrIdempotencyHashMismatch):
		c.JSON(http.StatusUnprocessableEntity, errorDTO{Error: "idempotency key is already used with different request payload"})
	case errors.Is(createErr, domain.ErrIdempotencyKeyAlreadyExists):
		switch record.Status {
		case domain.IdempotencyStatusDone, domain.IdempotencyStatusFailed:
			if len(record.ResponseBody) == 0 || record.HTTPStatus == 0 {
				c.JSON(http.StatusInternalServerError, errorDTO{Error: "idempotency cache is empty"})
				return
			}
			c.Header(headerReplayed, "true")
			c.Data(record.HTTPStatus, gin.MIMEJSON, record.ResponseBody)
		case domain.IdempotencyStatusProcessing:
			c.JSON(http.StatusConflict, errorDTO{Error: "request with the same idempotency key is already processing", Retryable: true})
		default:
			c.JSON(http.StatusInternalServerError, errorDTO{Error: "unknown idempotency record status"})
		}
	case errors.Is(createErr, domain.ErrIdempotencyKeyRequired):
		c.JSON(http.StatusBadRequest, errorDTO{Error: createErr.Error()})
	default:
		logger.WithError(createErr).Warn("failed to create idempotency record")
		c.JSON(http.StatusServiceUnavailable, errorDTO{Error: "failed to initialize idempotency request", Retryable: true})
	}
}

func (h *Handler) release(ctx context.Context, logger *log.Entry, key string) {
	if err := h.idem.Release(ctx, key); err != nil && !errors.Is(err, domain.ErrIdempotencyKeyNotFound) {
		logger.WithError(err).Warn("failed to release idempotency key")
	}
}

// requestHash связывает ключ с маршрутом, инициатором и телом запроса.
func requestHash(c *gin.Context, body []byte) string {
	h := sha256.New()
	h.Write([]byte(c.Request.Method))
	h.Write([]byte{':'})
	h.Write([]byte(c.Request.URL.Path))
	h.Write([]byte{':'})
	h.Write([]byte(c.GetHeader(headerActorType) + "/" + c.GetHeader(headerActorID)))
	h.Write([]byte{':'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
