package coordinator

import (
	"github.com/vladislavdragonenkov/lifecycle/internal/domain"
	"github.com/vladislavdragonenkov/lifecycle/internal/workflow"
)

// Признаки заказа.
const (
	FlagCanCancel          = "can_cancel"
	FlagCanRequestRefund   = "can_request_refund"
	FlagIsRefundInProgress = "is_refund_in_progress"
	FlagCanApprove         = "can_approve"
	FlagAwaitingItem       = "awaiting_item"
	FlagInTransit          = "in_transit"
	FlagNeedsAttention     = "needs_attention"
)

func in[S ~string](state domain.State, set ...S) bool {
	for _, s := range set {
		if domain.State(s) == state {
			return true
		}
	}
	return false
}

// OrderFlags вычисляет признаки заказа.
func OrderFlags(state domain.State) map[string]bool {
	return map[string]bool{
		FlagCanCancel:          in(state, workflow.OrderPending, workflow.OrderConfirmed, workflow.OrderProcessing),
		FlagCanRequestRefund:   in(state, workflow.OrderDelivered),
		FlagIsRefundInProgress: in(state, workflow.OrderRefundRequested, workflow.OrderRefundProcessing),
	}
}

// ReturnFlags вычисляет признаки заявки на возврат.
func ReturnFlags(state domain.State) map[string]bool {
	return map[string]bool{
		FlagCanCancel:    in(state, workflow.ReturnRequested, workflow.ReturnApproved),
		FlagCanApprove:   in(state, workflow.ReturnRequested),
		FlagAwaitingItem: in(state, workflow.ReturnApproved),
	}
}

// ShipmentFlags вычисляет признаки отправления.
func ShipmentFlags(state domain.State) map[string]bool {
	return map[string]bool{
		FlagCanCancel:      in(state, workflow.ShipmentPending, workflow.ShipmentLabelCreated),
		FlagInTransit:      in(state, workflow.ShipmentPickedUp, workflow.ShipmentInTransit, workflow.ShipmentOutForDelivery),
		FlagNeedsAttention: in(state, workflow.ShipmentException),
	}
}

// NewOrderCoordinator создаёт координатор заказов.
func NewOrderCoordinator(deps Deps, opts ...Option) *Coordinator {
	return New(domain.DomainOrder, deps, OrderFlags, opts...)
}

// NewReturnCoordinator создаёт координатор заявок на возврат.
func NewReturnCoordinator(deps Deps, opts ...Option) *Coordinator {
	return New(domain.DomainReturnRequest, deps, ReturnFlags, opts...)
}

// NewShipmentCoordinator создаёт координатор отправлений.
func NewShipmentCoordinator(deps Deps, opts ...Option) *Coordinator {
	return New(domain.DomainShipment, deps, ShipmentFlags, opts...)
}

// Set: координаторы всех доменов.
type Set struct {
	Orders    *Coordinator
	Returns   *Coordinator
	Shipments *Coordinator
}

// NewSet создаёт координаторы всех доменов с общими зависимостями.
func NewSet(deps Deps, opts ...Option) *Set {
	return &Set{
		Orders:    NewOrderCoordinator(deps, opts...),
		Returns:   NewReturnCoordinator(deps, opts...),
		Shipments: NewShipmentCoordinator(deps, opts...),
	}
}

// For возвращает координатор домена или nil.
func (s *Set) For(d domain.Domain) *Coordinator {
	switch d {
	case domain.DomainOrder:
		return s.Orders
	case domain.DomainReturnRequest:
		return s.Returns
	case domain.DomainShipment:
		return s.Shipments
	default:
		return nil
	}
}
