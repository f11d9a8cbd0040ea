package payment

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/lifecycle/internal/domain"
)

// MockLedger: конфигурируемая заглушка PaymentLedger для разработки и тестов.
type MockLedger struct {
	mu sync.Mutex

	MarkErr   error
	Completed []string
	Calls     int
}

// NewMockLedger возвращает mock с успешным сценарием по умолчанию.
func NewMockLedger() *MockLedger {
	return &MockLedger{}
}

// MarkCompleted запоминает заказ и возвращает настроенную ошибку.
func (m *MockLedger) MarkCompleted(_ context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls++
	if m.MarkErr != nil {
		return m.MarkErr
	}
	m.Completed = append(m.Completed, orderID)
	return nil
}

// CallCount возвращает число вызовов.
func (m *MockLedger) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls
}

var _ domain.PaymentLedger = (*MockLedger)(nil)
