package orders

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"trading-core/internal/circuit"
	"trading-core/internal/clock"
	"trading-core/internal/exchange"
	"trading-core/internal/risk"
)

var errExchangeTimeout = errors.New("exchange timeout")

type managerFixture struct {
	manager *Manager
	adapter *exchange.MockAdapter
	breaker *circuit.Breaker
	clk     *clock.Fake
}

func newFixture(t *testing.T, cfg Config, gateCfg risk.Config) *managerFixture {
	t.Helper()

	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	adapter := exchange.NewMockAdapter()
	breaker := circuit.NewBreaker(&circuit.Config{
		Enabled:           true,
		FailureThreshold:  100, // out of the way unless a test lowers it
		Cooldown:          30 * time.Second,
		HalfOpenMaxProbes: 1,
	}, clk)

	m, err := NewManager(cfg, adapter, risk.NewGate(gateCfg), breaker,
		func() []exchange.Position { return nil }, nil, nil, clk, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return &managerFixture{manager: m, adapter: adapter, breaker: breaker, clk: clk}
}

func marketBuy(qty float64) exchange.OrderRequest {
	return exchange.OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     exchange.SideBuy,
		Type:     exchange.TypeMarket,
		Quantity: qty,
	}
}

// TestRetryScheduleOnPersistentFailure verifies the manager retries exactly
// 3 times with 1s, 2s, 4s backoff against an always-failing exchange, then
// marks the order FAILED.
func TestRetryScheduleOnPersistentFailure(t *testing.T) {
	f := newFixture(t, DefaultConfig(), risk.Config{})
	f.adapter.SubmitFn = func(req exchange.OrderRequest) (*exchange.OrderAck, error) {
		return nil, errExchangeTimeout
	}

	order, err := f.manager.Submit(context.Background(), "sess-1", marketBuy(0.5), 100)
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}
	if order.Status != StatusFailed {
		t.Errorf("expected FAILED, got %s", order.Status)
	}
	if order.RetryCount != 3 {
		t.Errorf("expected retry_count 3, got %d", order.RetryCount)
	}
	if calls := f.adapter.SubmitCalls(); calls != 4 {
		t.Errorf("expected 4 submit attempts, got %d", calls)
	}

	sleeps := f.clk.Sleeps()
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if len(sleeps) != len(want) {
		t.Fatalf("expected %d backoff sleeps, got %v", len(want), sleeps)
	}
	for i, d := range want {
		if sleeps[i] < d {
			t.Errorf("backoff %d was %v, want at least %v", i, sleeps[i], d)
		}
	}
}

// TestFailTwiceThenSucceed verifies the third attempt succeeds with
// retry_count 2 and the order fills on the next poll.
func TestFailTwiceThenSucceed(t *testing.T) {
	f := newFixture(t, DefaultConfig(), risk.Config{})

	attempts := 0
	f.adapter.SubmitFn = func(req exchange.OrderRequest) (*exchange.OrderAck, error) {
		attempts++
		if attempts <= 2 {
			return nil, errExchangeTimeout
		}
		return &exchange.OrderAck{ExchangeOrderID: "EX-1", Status: exchange.WireStatusNew}, nil
	}
	f.adapter.QueryFn = func(symbol, exchangeOrderID string) (*exchange.OrderStatus, error) {
		return &exchange.OrderStatus{
			ExchangeOrderID: exchangeOrderID,
			Status:          exchange.WireStatusFilled,
			FilledQty:       0.5,
			AvgFillPrice:    100,
		}, nil
	}

	order, err := f.manager.Submit(context.Background(), "sess-1", marketBuy(0.5), 100)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if order.Status != StatusSubmitted {
		t.Fatalf("expected SUBMITTED, got %s", order.Status)
	}
	if order.RetryCount != 2 {
		t.Errorf("expected retry_count 2, got %d", order.RetryCount)
	}

	var filledOrder *Order
	f.manager.OnFilled(func(o *Order) { filledOrder = o })
	f.manager.PollOnce(context.Background())

	got, err := f.manager.GetOrder(order.OrderID)
	if err != nil {
		t.Fatalf("GetOrder failed: %v", err)
	}
	if got.Status != StatusFilled {
		t.Errorf("expected FILLED after poll, got %s", got.Status)
	}
	if got.FilledQty != 0.5 || got.AvgFillPrice != 100 {
		t.Errorf("fill fields not applied: %+v", got)
	}
	if filledOrder == nil || filledOrder.OrderID != order.OrderID {
		t.Error("fill callback not invoked for the filled order")
	}
}

// TestBreakerOpenRejectsWithoutNetworkCall verifies an open breaker rejects
// the submission before any exchange contact.
func TestBreakerOpenRejectsWithoutNetworkCall(t *testing.T) {
	f := newFixture(t, DefaultConfig(), risk.Config{})

	// Trip the breaker directly.
	for i := 0; i < 100; i++ {
		f.breaker.RecordFailure(errExchangeTimeout)
	}

	order, err := f.manager.Submit(context.Background(), "sess-1", marketBuy(0.5), 100)
	if !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("expected ErrBreakerOpen, got %v", err)
	}
	if order.Status != StatusFailed {
		t.Errorf("expected FAILED, got %s", order.Status)
	}
	if calls := f.adapter.SubmitCalls(); calls != 0 {
		t.Errorf("expected zero network calls, got %d", calls)
	}
}

// TestCapacityExceeded verifies a full tracker rejects new submissions
// instead of evicting in-flight orders.
func TestCapacityExceeded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxTracked = 2
	f := newFixture(t, cfg, risk.Config{})

	for i := 0; i < 2; i++ {
		if _, err := f.manager.Submit(context.Background(), "sess-1", marketBuy(0.5), 100); err != nil {
			t.Fatalf("submit %d failed: %v", i, err)
		}
	}

	_, err := f.manager.Submit(context.Background(), "sess-1", marketBuy(0.5), 100)
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
	if f.manager.TrackedCount() != 2 {
		t.Errorf("rejected submission changed the tracked set: %d", f.manager.TrackedCount())
	}
}

// TestRiskGateRejection verifies a gate rejection emits a failed order
// without contacting the exchange.
func TestRiskGateRejection(t *testing.T) {
	f := newFixture(t, DefaultConfig(), risk.Config{MaxOrderQuantity: 0.1})

	order, err := f.manager.Submit(context.Background(), "sess-1", marketBuy(0.5), 100)
	if !errors.Is(err, ErrRiskRejected) {
		t.Fatalf("expected ErrRiskRejected, got %v", err)
	}
	if order.Status != StatusFailed {
		t.Errorf("expected FAILED, got %s", order.Status)
	}
	if !strings.Contains(order.FailReason, "risk gate") {
		t.Errorf("fail reason does not name the gate: %q", order.FailReason)
	}
	if calls := f.adapter.SubmitCalls(); calls != 0 {
		t.Errorf("rejected order reached the exchange: %d calls", calls)
	}
}

// TestCancelLifecycle covers not-found, wrong-status and the happy path.
func TestCancelLifecycle(t *testing.T) {
	f := newFixture(t, DefaultConfig(), risk.Config{})

	if err := f.manager.Cancel(context.Background(), "nope"); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("expected ErrOrderNotFound, got %v", err)
	}

	order, err := f.manager.Submit(context.Background(), "sess-1", marketBuy(0.5), 100)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := f.manager.Cancel(context.Background(), order.OrderID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	got, _ := f.manager.GetOrder(order.OrderID)
	if got.Status != StatusCancelled {
		t.Errorf("expected CANCELLED, got %s", got.Status)
	}

	// A second cancel hits the wrong-status branch.
	if err := f.manager.Cancel(context.Background(), order.OrderID); !errors.Is(err, ErrWrongStatus) {
		t.Errorf("expected ErrWrongStatus, got %v", err)
	}
}

// TestHasCompletedClose verifies close detection used by the reconciler.
func TestHasCompletedClose(t *testing.T) {
	f := newFixture(t, DefaultConfig(), risk.Config{})
	openedAt := f.clk.Now()

	if f.manager.HasCompletedClose("BTCUSDT", exchange.SideBuy, openedAt) {
		t.Error("close reported with no orders tracked")
	}

	req := exchange.OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     exchange.SideSell,
		Type:     exchange.TypeMarket,
		Quantity: 0.5,
	}
	order, err := f.manager.Submit(context.Background(), "sess-1", req, 100)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	// A merely submitted sell is not a completed close.
	if f.manager.HasCompletedClose("BTCUSDT", exchange.SideBuy, openedAt) {
		t.Error("unfilled sell counted as a completed close")
	}

	f.manager.PollOnce(context.Background())
	if !f.manager.HasCompletedClose("BTCUSDT", exchange.SideBuy, openedAt) {
		t.Error("filled sell not recognized as a close for the long position")
	}
	if f.manager.HasCompletedClose("BTCUSDT", exchange.SideSell, openedAt) {
		t.Errorf("sell order %s counted as a close for a short position", order.OrderID)
	}

	// A position opened after the fill completed cannot claim it: the
	// retained close belongs to the previous cycle.
	f.clk.Advance(time.Minute)
	if f.manager.HasCompletedClose("BTCUSDT", exchange.SideBuy, f.clk.Now()) {
		t.Error("fill from an earlier cycle counted for a later position")
	}
}

// TestConsecutiveFailuresTripTheBreaker verifies repeated submissions
// against a dead exchange eventually open the breaker and stop the calls.
func TestConsecutiveFailuresTripTheBreaker(t *testing.T) {
	cfg := DefaultConfig()
	f := newFixture(t, cfg, risk.Config{})

	// Rebuild with a low threshold so one failed submission (4 attempts)
	// trips it.
	f.breaker = circuit.NewBreaker(&circuit.Config{
		Enabled:          true,
		FailureThreshold: 3,
		Cooldown:         30 * time.Second,
	}, f.clk)
	m, err := NewManager(cfg, f.adapter, risk.NewGate(risk.Config{}), f.breaker,
		func() []exchange.Position { return nil }, nil, nil, f.clk, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	f.adapter.SubmitFn = func(req exchange.OrderRequest) (*exchange.OrderAck, error) {
		return nil, errExchangeTimeout
	}

	// Attempts 1-3 fail and trip the breaker mid-retry; the next Allow
	// rejects, so the order fails on the breaker rather than exhaustion.
	_, err = m.Submit(context.Background(), "sess-1", marketBuy(0.5), 100)
	if !errors.Is(err, ErrBreakerOpen) && !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.breaker.GetState() != circuit.StateOpen {
		t.Errorf("breaker not open after consecutive failures: %v", f.breaker.GetState())
	}

	before := f.adapter.SubmitCalls()
	if _, err := m.Submit(context.Background(), "sess-1", marketBuy(0.5), 100); !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("expected ErrBreakerOpen, got %v", err)
	}
	if f.adapter.SubmitCalls() != before {
		t.Error("open breaker let a submission reach the exchange")
	}
}

// TestSubmissionAssignsClientOrderID verifies the exchange receives the
// local order id as client order id for reconciliation.
func TestSubmissionAssignsClientOrderID(t *testing.T) {
	f := newFixture(t, DefaultConfig(), risk.Config{})

	var seen string
	f.adapter.SubmitFn = func(req exchange.OrderRequest) (*exchange.OrderAck, error) {
		seen = req.ClientOrderID
		return &exchange.OrderAck{ExchangeOrderID: "EX-9", Status: exchange.WireStatusNew}, nil
	}

	order, err := f.manager.Submit(context.Background(), "sess-1", marketBuy(0.5), 100)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if seen == "" || seen != order.OrderID {
		t.Errorf("client order id %q does not match local order id %q", seen, order.OrderID)
	}
	if order.ExchangeOrderID != "EX-9" {
		t.Errorf("exchange order id not recorded: %+v", order)
	}
}

// TestTerminalCallbackOnWireTermination verifies the terminal callback fires
// for orders the exchange ends without a fill, with the mapped local status.
func TestTerminalCallbackOnWireTermination(t *testing.T) {
	cases := []struct {
		wire string
		want Status
	}{
		{exchange.WireStatusExpired, StatusCancelled},
		{exchange.WireStatusRejected, StatusFailed},
	}
	for _, tc := range cases {
		f := newFixture(t, DefaultConfig(), risk.Config{})
		f.adapter.QueryFn = func(symbol, exchangeOrderID string) (*exchange.OrderStatus, error) {
			return &exchange.OrderStatus{ExchangeOrderID: exchangeOrderID, Status: tc.wire}, nil
		}

		var terminal *Order
		f.manager.OnTerminal(func(o *Order) { terminal = o })
		var filled *Order
		f.manager.OnFilled(func(o *Order) { filled = o })

		order, err := f.manager.Submit(context.Background(), "sess-1", marketBuy(0.5), 100)
		if err != nil {
			t.Fatalf("%s: Submit failed: %v", tc.wire, err)
		}
		f.manager.PollOnce(context.Background())

		if terminal == nil {
			t.Fatalf("%s: terminal callback not invoked", tc.wire)
		}
		if terminal.OrderID != order.OrderID || terminal.Status != tc.want {
			t.Errorf("%s: callback saw %s/%s, want %s/%s",
				tc.wire, terminal.OrderID, terminal.Status, order.OrderID, tc.want)
		}
		if filled != nil {
			t.Errorf("%s: fill callback invoked for a terminated order", tc.wire)
		}
	}
}

// TestConcurrentCancelAndPoll exercises cancellation racing the poll loop
// over the same tracked orders.
func TestConcurrentCancelAndPoll(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxTracked = 64
	f := newFixture(t, cfg, risk.Config{})
	f.adapter.QueryFn = func(symbol, exchangeOrderID string) (*exchange.OrderStatus, error) {
		return &exchange.OrderStatus{
			ExchangeOrderID: exchangeOrderID,
			Status:          exchange.WireStatusFilled,
			FilledQty:       0.5,
			AvgFillPrice:    100,
		}, nil
	}

	ids := make([]string, 0, 32)
	for i := 0; i < 32; i++ {
		order, err := f.manager.Submit(context.Background(), "sess-1", marketBuy(0.5), 100)
		if err != nil {
			t.Fatalf("submit %d failed: %v", i, err)
		}
		ids = append(ids, order.OrderID)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for _, id := range ids {
			// Losing the race to a concurrent fill is fine; the point is
			// that both sides touch the order safely.
			_ = f.manager.Cancel(context.Background(), id)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 8; i++ {
			f.manager.PollOnce(context.Background())
		}
	}()
	wg.Wait()

	for _, id := range ids {
		got, err := f.manager.GetOrder(id)
		if err != nil {
			t.Fatalf("GetOrder %s failed: %v", id, err)
		}
		if got.Status != StatusFilled && got.Status != StatusCancelled {
			t.Errorf("order %s ended in %s, want FILLED or CANCELLED", id, got.Status)
		}
	}
}

// TestFillForUnknownWireStatusLeavesOrderUntouched documents that unknown
// statuses are ignored rather than guessed at.
func TestFillForUnknownWireStatusLeavesOrderUntouched(t *testing.T) {
	f := newFixture(t, DefaultConfig(), risk.Config{})
	f.adapter.QueryFn = func(symbol, exchangeOrderID string) (*exchange.OrderStatus, error) {
		return &exchange.OrderStatus{ExchangeOrderID: exchangeOrderID, Status: "PENDING_UNKNOWN"}, nil
	}

	order, err := f.manager.Submit(context.Background(), "sess-1", marketBuy(0.5), 100)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	f.manager.PollOnce(context.Background())

	got, _ := f.manager.GetOrder(order.OrderID)
	if got.Status != StatusSubmitted {
		t.Errorf("unknown wire status changed order to %s", got.Status)
	}
}
