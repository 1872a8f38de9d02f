package exchange

import (
	"context"
	"fmt"
	"sync"
)

// MockAdapter is a scriptable in-memory exchange used in tests and dry-run
// mode. Behavior hooks override the defaults; call counters let tests assert
// that no network call happened (e.g. when the circuit breaker is open).
type MockAdapter struct {
	mu sync.Mutex

	SubmitFn func(req OrderRequest) (*OrderAck, error)
	CancelFn func(symbol, exchangeOrderID string) error
	QueryFn  func(symbol, exchangeOrderID string) (*OrderStatus, error)
	FetchFn  func() ([]Position, error)

	submitCalls int
	cancelCalls int
	queryCalls  int
	fetchCalls  int

	orders    map[string]*OrderStatus
	positions []Position
	nextID    int
}

// NewMockAdapter creates a mock that accepts every order and reports it
// filled at the requested price on the next query.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		orders: make(map[string]*OrderStatus),
	}
}

func (m *MockAdapter) SubmitOrder(ctx context.Context, req OrderRequest) (*OrderAck, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.submitCalls++
	fn := m.SubmitFn
	m.mu.Unlock()

	if fn != nil {
		return fn(req)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := fmt.Sprintf("EX-%06d", m.nextID)
	m.orders[id] = &OrderStatus{
		ExchangeOrderID: id,
		Status:          WireStatusFilled,
		FilledQty:       req.Quantity,
		AvgFillPrice:    req.Price,
	}
	return &OrderAck{ExchangeOrderID: id, Status: WireStatusNew}, nil
}

func (m *MockAdapter) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	m.cancelCalls++
	fn := m.CancelFn
	m.mu.Unlock()

	if fn != nil {
		return fn(symbol, exchangeOrderID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	status, exists := m.orders[exchangeOrderID]
	if !exists {
		return ErrOrderNotFound
	}
	status.Status = WireStatusCanceled
	return nil
}

func (m *MockAdapter) QueryOrder(ctx context.Context, symbol, exchangeOrderID string) (*OrderStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.queryCalls++
	fn := m.QueryFn
	m.mu.Unlock()

	if fn != nil {
		return fn(symbol, exchangeOrderID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	status, exists := m.orders[exchangeOrderID]
	if !exists {
		return nil, ErrOrderNotFound
	}
	copied := *status
	return &copied, nil
}

func (m *MockAdapter) FetchPositions(ctx context.Context) ([]Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.fetchCalls++
	fn := m.FetchFn
	m.mu.Unlock()

	if fn != nil {
		return fn()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Position, len(m.positions))
	copy(out, m.positions)
	return out, nil
}

// SetPositions replaces the canned position list returned by FetchPositions.
func (m *MockAdapter) SetPositions(positions []Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions = positions
}

// SubmitCalls returns how many times SubmitOrder was invoked.
func (m *MockAdapter) SubmitCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submitCalls
}

// QueryCalls returns how many times QueryOrder was invoked.
func (m *MockAdapter) QueryCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queryCalls
}

// FetchCalls returns how many times FetchPositions was invoked.
func (m *MockAdapter) FetchCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetchCalls
}
