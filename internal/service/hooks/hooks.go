package hooks

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/lifecycle/internal/domain"
	"github.com/vladislavdragonenkov/lifecycle/internal/workflow"
)

// Имена хуков, входящие в ключи отметок.
const (
	NotifyHookName  = "notify"
	InvoiceHookName = "invoice"
	PaymentHookName = "payment"
)

// NotifyHook передаёт каждый зафиксированный переход в Notifier.
type NotifyHook struct {
	notifier domain.Notifier
}

// NewNotifyHook создаёт хук уведомлений.
func NewNotifyHook(notifier domain.Notifier) *NotifyHook {
	return &NotifyHook{notifier: notifier}
}

func (h *NotifyHook) Name() string { return NotifyHookName }

func (h *NotifyHook) Applies(evt domain.TransitionCommitted) bool {
	return h.notifier != nil && evt.PreviousState != ""
}

func (h *NotifyHook) Run(ctx context.Context, evt domain.TransitionCommitted) error {
	return h.notifier.Notify(ctx, evt.EntityID, evt.Domain, evt.PreviousState, evt.NewState)
}

// deliveredOrder: заказ доставлен впервые. Возврат в delivered после отклонённого
// запроса на возврат повторный счёт не формирует.
func deliveredOrder(evt domain.TransitionCommitted) bool {
	return evt.Domain == domain.DomainOrder &&
		evt.PreviousState == workflow.OrderShipped.State() &&
		evt.NewState == workflow.OrderDelivered.State()
}

// InvoiceHook формирует счёт по доставленному заказу.
type InvoiceHook struct {
	generator domain.InvoiceGenerator
}

// NewInvoiceHook создаёт хук формирования счёта.
func NewInvoiceHook(generator domain.InvoiceGenerator) *InvoiceHook {
	return &InvoiceHook{generator: generator}
}

func (h *InvoiceHook) Name() string { return InvoiceHookName }

func (h *InvoiceHook) Applies(evt domain.TransitionCommitted) bool {
	return h.generator != nil && deliveredOrder(evt)
}

func (h *InvoiceHook) Run(ctx context.Context, evt domain.TransitionCommitted) error {
	return h.generator.Generate(ctx, evt.EntityID)
}

// PaymentHook отмечает оплату доставленного заказа завершённой.
type PaymentHook struct {
	ledger domain.PaymentLedger
}

// NewPaymentHook создаёт хук завершения оплаты.
func NewPaymentHook(ledger domain.PaymentLedger) *PaymentHook {
	return &PaymentHook{ledger: ledger}
}

func (h *PaymentHook) Name() string { return PaymentHookName }

func (h *PaymentHook) Applies(evt domain.TransitionCommitted) bool {
	return h.ledger != nil && deliveredOrder(evt)
}

func (h *PaymentHook) Run(ctx context.Context, evt domain.TransitionCommitted) error {
	return h.ledger.MarkCompleted(ctx, evt.EntityID)
}

// LogNotifier пишет уведомления в лог. Используется, когда брокер не настроен.
type LogNotifier struct {
	logger *log.Entry
}

// NewLogNotifier создаёт notifier поверх logrus.
func NewLogNotifier(logger *log.Entry) *LogNotifier {
	if logger == nil {
		logger = log.WithField("component", "log-notifier")
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, entityID string, d domain.Domain, previous, next domain.State) error {
	n.logger.WithFields(log.Fields{
		"entity_id": entityID,
		"domain":    d,
		"from":      previous,
		"to":        next,
	}).Info("lifecycle notification")
	return nil
}

var (
	_ Hook            = (*NotifyHook)(nil)
	_ Hook            = (*InvoiceHook)(nil)
	_ Hook            = (*PaymentHook)(nil)
	_ domain.Notifier = (*LogNotifier)(nil)
)
