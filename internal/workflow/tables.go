package workflow

import (
	"fmt"
	"sync"

	"github.com/vladislavdragonenkov/lifecycle/internal/domain"
)

// OrderState: состояние заказа.
type OrderState string

const (
	OrderPending          OrderState = "pending"
	OrderConfirmed        OrderState = "confirmed"
	OrderProcessing       OrderState = "processing"
	OrderShipped          OrderState = "shipped"
	OrderDelivered        OrderState = "delivered"
	OrderRefundRequested  OrderState = "refund_requested"
	OrderRefundProcessing OrderState = "refund_processing"
	OrderRefunded         OrderState = "refunded"
	OrderCancelled        OrderState = "cancelled"
)

// State приводит значение к общему типу domain.State.
func (s OrderState) State() domain.State { return domain.State(s) }

// ReturnState: состояние заявки на возврат.
type ReturnState string

const (
	ReturnRequested ReturnState = "requested"
	ReturnApproved  ReturnState = "approved"
	ReturnReceived  ReturnState = "received"
	ReturnInspected ReturnState = "inspected"
	ReturnRefunded  ReturnState = "refunded"
	ReturnRejected  ReturnState = "rejected"
	ReturnCancelled ReturnState = "cancelled"
)

func (s ReturnState) State() domain.State { return domain.State(s) }

// ShipmentState: состояние отправления.
type ShipmentState string

const (
	ShipmentPending          ShipmentState = "pending"
	ShipmentLabelCreated     ShipmentState = "label_created"
	ShipmentPickedUp         ShipmentState = "picked_up"
	ShipmentInTransit        ShipmentState = "in_transit"
	ShipmentOutForDelivery   ShipmentState = "out_for_delivery"
	ShipmentException        ShipmentState = "exception"
	ShipmentDelivered        ShipmentState = "delivered"
	ShipmentReturnedToSender ShipmentState = "returned_to_sender"
	ShipmentCancelled        ShipmentState = "cancelled"
)

func (s ShipmentState) State() domain.State { return domain.State(s) }

// OrderTable описывает жизненный цикл заказа.
func OrderTable() Table[OrderState] {
	return Table[OrderState]{
		Domain:  domain.DomainOrder,
		Initial: OrderPending,
		States: []OrderState{
			OrderPending, OrderConfirmed, OrderProcessing, OrderShipped, OrderDelivered,
			OrderRefundRequested, OrderRefundProcessing, OrderRefunded, OrderCancelled,
		},
		Rules: map[OrderState]Rule[OrderState]{
			OrderPending:          {Next: []OrderState{OrderConfirmed, OrderCancelled}, SLAHours: 2, DisplayName: "Pending"},
			OrderConfirmed:        {Next: []OrderState{OrderProcessing, OrderCancelled}, SLAHours: 4, DisplayName: "Confirmed"},
			OrderProcessing:       {Next: []OrderState{OrderShipped, OrderCancelled}, SLAHours: 24, DisplayName: "Processing"},
			OrderShipped:          {Next: []OrderState{OrderDelivered}, SLAHours: 72, DisplayName: "Shipped"},
			OrderDelivered:        {Next: []OrderState{OrderRefundRequested}, SLAHours: 0, DisplayName: "Delivered"},
			OrderRefundRequested:  {Next: []OrderState{OrderRefundProcessing, OrderDelivered}, SLAHours: 24, DisplayName: "Refund Requested"},
			OrderRefundProcessing: {Next: []OrderState{OrderRefunded}, SLAHours: 48, DisplayName: "Refund Processing"},
			OrderRefunded:         {SLAHours: 0, DisplayName: "Refunded"},
			OrderCancelled:        {SLAHours: 0, DisplayName: "Cancelled"},
		},
	}
}

// ReturnTable описывает жизненный цикл заявки на возврат.
func ReturnTable() Table[ReturnState] {
	return Table[ReturnState]{
		Domain:  domain.DomainReturnRequest,
		Initial: ReturnRequested,
		States: []ReturnState{
			ReturnRequested, ReturnApproved, ReturnReceived, ReturnInspected,
			ReturnRefunded, ReturnRejected, ReturnCancelled,
		},
		Rules: map[ReturnState]Rule[ReturnState]{
			ReturnRequested: {Next: []ReturnState{ReturnApproved, ReturnRejected, ReturnCancelled}, SLAHours: 24, DisplayName: "Requested"},
			ReturnApproved:  {Next: []ReturnState{ReturnReceived, ReturnCancelled}, SLAHours: 72, DisplayName: "Approved"},
			ReturnReceived:  {Next: []ReturnState{ReturnInspected}, SLAHours: 48, DisplayName: "Item Received"},
			ReturnInspected: {Next: []ReturnState{ReturnRefunded, ReturnRejected}, SLAHours: 24, DisplayName: "Inspected"},
			ReturnRefunded:  {SLAHours: 0, DisplayName: "Refunded"},
			ReturnRejected:  {SLAHours: 0, DisplayName: "Rejected"},
			ReturnCancelled: {SLAHours: 0, DisplayName: "Cancelled"},
		},
	}
}

// ShipmentTable описывает жизненный цикл отправления.
func ShipmentTable() Table[ShipmentState] {
	return Table[ShipmentState]{
		Domain:  domain.DomainShipment,
		Initial: ShipmentPending,
		States: []ShipmentState{
			ShipmentPending, ShipmentLabelCreated, ShipmentPickedUp, ShipmentInTransit,
			ShipmentOutForDelivery, ShipmentException, ShipmentDelivered,
			ShipmentReturnedToSender, ShipmentCancelled,
		},
		Rules: map[ShipmentState]Rule[ShipmentState]{
			ShipmentPending:          {Next: []ShipmentState{ShipmentLabelCreated, ShipmentCancelled}, SLAHours: 4, DisplayName: "Pending"},
			ShipmentLabelCreated:     {Next: []ShipmentState{ShipmentPickedUp, ShipmentCancelled}, SLAHours: 24, DisplayName: "Label Created"},
			ShipmentPickedUp:         {Next: []ShipmentState{ShipmentInTransit}, SLAHours: 12, DisplayName: "Picked Up"},
			ShipmentInTransit:        {Next: []ShipmentState{ShipmentOutForDelivery, ShipmentException}, SLAHours: 72, DisplayName: "In Transit"},
			ShipmentOutForDelivery:   {Next: []ShipmentState{ShipmentDelivered, ShipmentException}, SLAHours: 12, DisplayName: "Out for Delivery"},
			ShipmentException:        {Next: []ShipmentState{ShipmentInTransit, ShipmentReturnedToSender}, SLAHours: 24, DisplayName: "Delivery Exception"},
			ShipmentDelivered:        {SLAHours: 0, DisplayName: "Delivered"},
			ShipmentReturnedToSender: {SLAHours: 0, DisplayName: "Returned to Sender"},
			ShipmentCancelled:        {SLAHours: 0, DisplayName: "Cancelled"},
		},
	}
}

// NewDefaultRegistry компилирует все таблицы и проверяет полноту реестра.
func NewDefaultRegistry() (*Registry, error) {
	orders, err := Compile(OrderTable())
	if err != nil {
		return nil, err
	}
	returns, err := Compile(ReturnTable())
	if err != nil {
		return nil, err
	}
	shipments, err := Compile(ShipmentTable())
	if err != nil {
		return nil, err
	}

	reg, err := NewRegistry(orders, returns, shipments)
	if err != nil {
		return nil, err
	}
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	return reg, nil
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
	defaultErr      error
)

// MustDefault возвращает стандартный реестр и паникует при ошибке конфигурации.
func MustDefault() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry, defaultErr = NewDefaultRegistry()
	})
	if defaultErr != nil {
		panic(fmt.Sprintf("workflow: %v", defaultErr))
	}
	return defaultRegistry
}
