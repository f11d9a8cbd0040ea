package invoice

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/lifecycle/internal/domain"
)

// MockGenerator: конфигурируемая заглушка InvoiceGenerator для разработки и тестов.
type MockGenerator struct {
	mu sync.Mutex

	GenerateErr error
	// FailTimes: сколько первых вызовов вернут GenerateErr.
	FailTimes int
	Generated []string
	Calls     int
}

// NewMockGenerator возвращает mock с успешным сценарием по умолчанию.
func NewMockGenerator() *MockGenerator {
	return &MockGenerator{}
}

// Generate возвращает заранее настроенную ошибку и считает вызовы.
func (m *MockGenerator) Generate(_ context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls++
	if m.GenerateErr != nil && (m.FailTimes == 0 || m.Calls <= m.FailTimes) {
		return m.GenerateErr
	}
	m.Generated = append(m.Generated, orderID)
	return nil
}

// CallCount возвращает число вызовов.
func (m *MockGenerator) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls
}

var _ domain.InvoiceGenerator = (*MockGenerator)(nil)
