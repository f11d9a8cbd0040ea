package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrEntityNotFound возвращается, если сущность не найдена в хранилище.
	ErrEntityNotFound = errors.New("entity not found")
	// ErrEntityAlreadyExists возвращается при повторном создании сущности с тем же ID.
	ErrEntityAlreadyExists = errors.New("entity already exists")
	// ErrIllegalTransition: запрошенное состояние недостижимо из текущего.
	ErrIllegalTransition = errors.New("illegal transition")
	// ErrPersistence: атомарная фиксация не удалась; операцию можно повторить.
	ErrPersistence = errors.New("persistence failure")
	// ErrConfiguration: определение машины состояний неполное или противоречивое.
	ErrConfiguration = errors.New("state machine configuration error")
	// ErrVersionConflict сигнализирует о конфликте версий при сохранении сущности.
	ErrVersionConflict = errors.New("entity version conflict")
	// ErrUnknownDomain: домен не зарегистрирован в реестре машин состояний.
	ErrUnknownDomain = errors.New("unknown domain")
	// ErrUnknownState: состояние отсутствует в определении домена.
	ErrUnknownState = errors.New("unknown state")
	// ErrSLARecordNotFound: у сущности нет активной SLA-записи.
	ErrSLARecordNotFound = errors.New("sla record not found")

	// Ошибки валидации входных данных.
	ErrEntityIDRequired  = errors.New("entity_id is required")
	ErrDomainRequired    = errors.New("domain is required")
	ErrStateRequired     = errors.New("state is required")
	ErrActorTypeInvalid  = errors.New("actor type must be one of admin, user, system")
	ErrNoteRequired      = errors.New("note text is required")
	ErrEventTypeInvalid  = errors.New("event type must be one of created, status_change, note_added")
	ErrOutboxPublish     = errors.New("outbox publish failed")
	ErrOutboxMessageMiss = errors.New("outbox message not found")
)

// IllegalTransitionError описывает отклонённый переход и перечисляет допустимые альтернативы,
// чтобы клиент мог исправить запрос без повторного обращения.
type IllegalTransitionError struct {
	Domain  Domain
	From    State
	To      State
	Allowed []State
}

func (e *IllegalTransitionError) Error() string {
	allowed := make([]string, 0, len(e.Allowed))
	for _, s := range e.Allowed {
		allowed = append(allowed, string(s))
	}
	return fmt.Sprintf("illegal transition %s: %s -> %s (allowed: [%s])",
		e.Domain, e.From, e.To, strings.Join(allowed, ", "))
}

// Is позволяет сравнивать ошибку с ErrIllegalTransition через errors.Is.
func (e *IllegalTransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}

// IsIllegalTransition проверяет ошибку и возвращает детали отклонённого перехода.
func IsIllegalTransition(err error) (*IllegalTransitionError, bool) {
	var illegal *IllegalTransitionError
	if errors.As(err, &illegal) {
		return illegal, true
	}
	return nil, false
}

// IsRetryable сообщает, имеет ли смысл повторить операцию.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPersistence)
}

// PersistenceError оборачивает ошибку хранилища в ErrPersistence, сохраняя причину.
func PersistenceError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPersistence) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
}
