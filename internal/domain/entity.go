package domain

import (
	"strings"
	"time"
)

// Domain определяет бизнес-домен, к которому относится сущность.
type Domain string

const (
	// DomainOrder: заказы покупателей.
	DomainOrder Domain = "order"
	// DomainReturnRequest: заявки на возврат.
	DomainReturnRequest Domain = "return_request"
	// DomainShipment: отправления.
	DomainShipment Domain = "shipment"
)

// Domains возвращает все поддерживаемые домены в фиксированном порядке.
func Domains() []Domain {
	return []Domain{DomainOrder, DomainReturnRequest, DomainShipment}
}

// Valid проверяет, что домен поддерживается.
func (d Domain) Valid() bool {
	switch d {
	case DomainOrder, DomainReturnRequest, DomainShipment:
		return true
	default:
		return false
	}
}

// State: состояние сущности. Конкретные значения типизированы по доменам в пакете workflow.
type State string

// ActorType описывает инициатора изменения.
type ActorType string

const (
	ActorAdmin  ActorType = "admin"
	ActorUser   ActorType = "user"
	ActorSystem ActorType = "system"
)

// Valid проверяет, что тип инициатора поддерживается.
func (t ActorType) Valid() bool {
	switch t {
	case ActorAdmin, ActorUser, ActorSystem:
		return true
	default:
		return false
	}
}

// Actor: кто инициировал изменение.
type Actor struct {
	Type ActorType
	ID   string
	Name string
}

// SystemActor возвращает инициатора для фоновых процессов.
func SystemActor(name string) Actor {
	return Actor{Type: ActorSystem, ID: "system", Name: name}
}

// Normalize подставляет system для пустого типа и обрезает пробелы.
func (a Actor) Normalize() Actor {
	a.Type = ActorType(strings.ToLower(strings.TrimSpace(string(a.Type))))
	if a.Type == "" {
		a.Type = ActorSystem
	}
	a.ID = strings.TrimSpace(a.ID)
	a.Name = strings.TrimSpace(a.Name)
	return a
}

// Entity: заказ, заявка на возврат или отправление.
type Entity struct {
	ID     string
	Domain Domain
	State  State
	// Reference: неизменяемый бизнес-идентификатор (номер заказа, ID родительского заказа и т.п.).
	Reference string
	// Attributes: изменяемые бизнес-поля; ядро их не интерпретирует.
	Attributes map[string]string
	Version    int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Clone возвращает копию сущности, не разделяющую карту атрибутов.
func (e Entity) Clone() Entity {
	dst := e
	if e.Attributes != nil {
		dst.Attributes = make(map[string]string, len(e.Attributes))
		for k, v := range e.Attributes {
			dst.Attributes[k] = v
		}
	}
	return dst
}

// EntityFilter ограничивает выборку сущностей.
type EntityFilter struct {
	Domain Domain
	State  State
	Limit  int
}
