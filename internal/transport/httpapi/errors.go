package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/vladislavdragonenkov/lifecycle/internal/domain"
)

var errMalformedBody = errors.New("malformed request body")

// errorResponse переводит ошибку сервиса в HTTP-статус и тело ответа.
func errorResponse(err error) (int, errorDTO) {
	if illegal, ok := domain.IsIllegalTransition(err); ok {
		allowed := illegal.Allowed
		if allowed == nil {
			allowed = []domain.State{}
		}
		return http.StatusConflict, errorDTO{
			Error:   domain.ErrIllegalTransition.Error(),
			From:    illegal.From,
			To:      illegal.To,
			Allowed: allowed,
		}
	}

	switch {
	case errors.Is(err, domain.ErrEntityNotFound):
		return http.StatusNotFound, errorDTO{Error: domain.ErrEntityNotFound.Error()}
	case errors.Is(err, domain.ErrEntityAlreadyExists):
		return http.StatusConflict, errorDTO{Error: domain.ErrEntityAlreadyExists.Error()}
	case errors.Is(err, errMalformedBody),
		errors.Is(err, domain.ErrEntityIDRequired),
		errors.Is(err, domain.ErrDomainRequired),
		errors.Is(err, domain.ErrStateRequired),
		errors.Is(err, domain.ErrActorTypeInvalid),
		errors.Is(err, domain.ErrNoteRequired),
		errors.Is(err, domain.ErrUnknownDomain),
		errors.Is(err, domain.ErrUnknownState):
		return http.StatusBadRequest, errorDTO{Error: err.Error()}
	case domain.IsRetryable(err):
		return http.StatusServiceUnavailable, errorDTO{Error: domain.ErrPersistence.Error(), Retryable: true}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, errorDTO{Error: err.Error(), Retryable: true}
	default:
		return http.StatusInternalServerError, errorDTO{Error: "internal error"}
	}
}
