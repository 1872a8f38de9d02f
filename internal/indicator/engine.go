package indicator

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"trading-core/internal/events"
	"trading-core/internal/market"
)

var (
	ErrNotReady       = errors.New("indicator not ready: insufficient warm-up data")
	ErrUnknownVariant = errors.New("unknown indicator variant")
	ErrUnknownSymbol  = errors.New("symbol not registered")
	ErrMalformedTick  = errors.New("malformed tick")
)

// Value is a computed indicator value at a point in time.
type Value struct {
	Symbol    string    `json:"symbol"`
	VariantID string    `json:"variant_id"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Handle identifies a registered (symbol, variant) pair.
type Handle struct {
	Symbol    string
	VariantID string
}

// timedSample is one entry of a time-window accumulator.
type timedSample struct {
	at    time.Time
	value float64
}

// state is the incremental accumulator for one (symbol, variant). The window
// never holds more than the variant's configured lookback.
type state struct {
	variant    Variant
	ticksSeen  int
	ready      bool
	lastValue  float64
	lastUpdate time.Time

	// sma: ring buffer with running sum
	ring    []float64
	head    int
	ringLen int
	sum     float64

	// ema
	ema     float64
	seedSum float64

	// rsi (Wilder smoothing)
	prevPrice float64
	avgGain   float64
	avgLoss   float64
	gainSum   float64
	lossSum   float64

	// velocity / volume_rate: time-window deque
	samples   []timedSample
	windowSum float64
	firstAt   time.Time
}

// Engine owns all indicator state. It is the single writer: state mutates
// only inside OnTick, which the session calls on the symbol's ingest lane.
// Readers get snapshot values through Current and Snapshot.
type Engine struct {
	mu      sync.RWMutex
	symbols map[string]*symbolState
	bus     *events.Bus
	logger  zerolog.Logger
}

type symbolState struct {
	variants map[string]*state
	lastTick time.Time
}

// NewEngine creates an indicator engine.
func NewEngine(bus *events.Bus, logger zerolog.Logger) *Engine {
	return &Engine{
		symbols: make(map[string]*symbolState),
		bus:     bus,
		logger:  logger.With().Str("component", "IndicatorEngine").Logger(),
	}
}

// Register adds a variant for a symbol and returns its handle.
func (e *Engine) Register(symbol string, v Variant) (Handle, error) {
	if err := v.Validate(); err != nil {
		return Handle{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	sym, exists := e.symbols[symbol]
	if !exists {
		sym = &symbolState{variants: make(map[string]*state)}
		e.symbols[symbol] = sym
	}
	if _, dup := sym.variants[v.ID]; dup {
		return Handle{}, fmt.Errorf("variant %q already registered for %s", v.ID, symbol)
	}

	st := &state{variant: v}
	if v.Kind == KindSMA {
		st.ring = make([]float64, v.Period)
	}
	sym.variants[v.ID] = st

	e.logger.Debug().
		Str("symbol", symbol).
		Str("variant", v.ID).
		Str("kind", string(v.Kind)).
		Msg("Indicator variant registered")

	return Handle{Symbol: symbol, VariantID: v.ID}, nil
}

// Deregister evicts all indicator state for a symbol. Called on symbol
// deactivation so state lifetime is bounded by the session.
func (e *Engine) Deregister(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.symbols, symbol)
}

// OnTick updates every registered variant for the tick's symbol and returns
// the values produced by ready variants. A malformed tick (NaN/Inf or
// non-positive price, NaN volume, non-monotonic timestamp) is rejected for
// that symbol only: no accumulator is touched and other symbols are
// unaffected.
func (e *Engine) OnTick(tick market.Tick) ([]Value, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sym, exists := e.symbols[tick.Symbol]
	if !exists {
		return nil, ErrUnknownSymbol
	}

	if err := validateTick(tick, sym.lastTick); err != nil {
		e.logger.Warn().
			Str("symbol", tick.Symbol).
			Time("tick_time", tick.Timestamp).
			Err(err).
			Msg("Tick rejected")
		if e.bus != nil {
			e.bus.PublishTickRejected(tick.Symbol, err.Error())
		}
		return nil, err
	}
	sym.lastTick = tick.Timestamp

	values := make([]Value, 0, len(sym.variants))
	for _, st := range sym.variants {
		st.update(tick)
		if st.ready {
			values = append(values, Value{
				Symbol:    tick.Symbol,
				VariantID: st.variant.ID,
				Value:     st.lastValue,
				Timestamp: st.lastUpdate,
			})
		}
	}
	return values, nil
}

// Current returns the last computed value for a variant, or ErrNotReady
// while the variant is still warming up. A stale zero is never reported as
// a real value.
func (e *Engine) Current(symbol, variantID string) (Value, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	sym, exists := e.symbols[symbol]
	if !exists {
		return Value{}, ErrUnknownSymbol
	}
	st, exists := sym.variants[variantID]
	if !exists {
		return Value{}, ErrUnknownVariant
	}
	if !st.ready {
		return Value{}, ErrNotReady
	}
	return Value{
		Symbol:    symbol,
		VariantID: variantID,
		Value:     st.lastValue,
		Timestamp: st.lastUpdate,
	}, nil
}

// Snapshot returns the ready values for a symbol keyed by variant ID.
func (e *Engine) Snapshot(symbol string) map[string]Value {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make(map[string]Value)
	sym, exists := e.symbols[symbol]
	if !exists {
		return out
	}
	for id, st := range sym.variants {
		if st.ready {
			out[id] = Value{
				Symbol:    symbol,
				VariantID: id,
				Value:     st.lastValue,
				Timestamp: st.lastUpdate,
			}
		}
	}
	return out
}

func validateTick(tick market.Tick, last time.Time) error {
	if math.IsNaN(tick.Price) || math.IsInf(tick.Price, 0) || tick.Price <= 0 {
		return fmt.Errorf("%w: bad price %v", ErrMalformedTick, tick.Price)
	}
	if math.IsNaN(tick.Volume) || math.IsInf(tick.Volume, 0) || tick.Volume < 0 {
		return fmt.Errorf("%w: bad volume %v", ErrMalformedTick, tick.Volume)
	}
	if tick.Timestamp.IsZero() {
		return fmt.Errorf("%w: zero timestamp", ErrMalformedTick)
	}
	if !last.IsZero() && !tick.Timestamp.After(last) {
		return fmt.Errorf("%w: non-monotonic timestamp %s <= %s",
			ErrMalformedTick, tick.Timestamp.Format(time.RFC3339Nano), last.Format(time.RFC3339Nano))
	}
	return nil
}

// update applies one tick to the accumulator. Dispatch is a closed switch
// over the variant kinds.
func (st *state) update(tick market.Tick) {
	st.ticksSeen++

	switch st.variant.Kind {
	case KindSMA:
		st.updateSMA(tick.Price)
	case KindEMA:
		st.updateEMA(tick.Price)
	case KindRSI:
		st.updateRSI(tick.Price)
	case KindVelocity:
		st.updateWindowed(tick.Timestamp, tick.Price, true)
	case KindVolumeRate:
		st.updateWindowed(tick.Timestamp, tick.Volume, false)
	}

	if st.ready {
		st.lastUpdate = tick.Timestamp
	}
}

func (st *state) updateSMA(price float64) {
	period := st.variant.Period
	if st.ringLen == period {
		st.sum -= st.ring[st.head]
	} else {
		st.ringLen++
	}
	st.ring[st.head] = price
	st.sum += price
	st.head = (st.head + 1) % period

	if st.ringLen == period {
		st.ready = true
		st.lastValue = st.sum / float64(period)
	}
}

func (st *state) updateEMA(price float64) {
	period := st.variant.Period
	if st.ticksSeen <= period {
		// Seed with the SMA of the first period ticks.
		st.seedSum += price
		if st.ticksSeen == period {
			st.ema = st.seedSum / float64(period)
			st.ready = true
			st.lastValue = st.ema
		}
		return
	}

	multiplier := 2.0 / float64(period+1)
	st.ema = (price * multiplier) + (st.ema * (1 - multiplier))
	st.lastValue = st.ema
}

func (st *state) updateRSI(price float64) {
	period := st.variant.Period

	if st.ticksSeen == 1 {
		st.prevPrice = price
		return
	}

	change := price - st.prevPrice
	st.prevPrice = price

	gain, loss := 0.0, 0.0
	if change > 0 {
		gain = change
	} else {
		loss = -change
	}

	// First period changes build the seed averages; afterwards Wilder
	// smoothing keeps the update O(1).
	if st.ticksSeen <= period+1 {
		st.gainSum += gain
		st.lossSum += loss
		if st.ticksSeen == period+1 {
			st.avgGain = st.gainSum / float64(period)
			st.avgLoss = st.lossSum / float64(period)
			st.ready = true
			st.lastValue = rsiFrom(st.avgGain, st.avgLoss)
		}
		return
	}

	st.avgGain = (st.avgGain*float64(period-1) + gain) / float64(period)
	st.avgLoss = (st.avgLoss*float64(period-1) + loss) / float64(period)
	st.lastValue = rsiFrom(st.avgGain, st.avgLoss)
}

func rsiFrom(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100.0
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// updateWindowed maintains a time-window deque. For velocity the value is
// the percent change between the oldest and newest sample; for volume rate
// it is the windowed volume sum per second.
func (st *state) updateWindowed(at time.Time, v float64, isPrice bool) {
	window := st.variant.Window

	st.samples = append(st.samples, timedSample{at: at, value: v})
	st.windowSum += v
	if st.firstAt.IsZero() {
		st.firstAt = at
	}

	// Evict from the front, keeping the newest sample at or before the
	// window edge so the oldest retained sample always spans the full
	// lookback. The deque never grows past the configured window.
	cutoff := at.Add(-window)
	for len(st.samples) > 1 && !st.samples[1].at.After(cutoff) {
		st.windowSum -= st.samples[0].value
		st.samples = st.samples[1:]
	}

	// Ready once the symbol has been observed for a full window.
	if !st.ready && at.Sub(st.firstAt) >= window {
		st.ready = true
	}
	if !st.ready {
		return
	}

	if isPrice {
		oldest := st.samples[0].value
		newest := st.samples[len(st.samples)-1].value
		if oldest != 0 {
			st.lastValue = (newest - oldest) / oldest * 100
		}
	} else {
		// The straddling oldest sample stays in the deque as the velocity
		// baseline but its volume landed before the window opened, so it
		// must not count toward the windowed rate.
		sum := st.windowSum
		if !st.samples[0].at.After(cutoff) {
			sum -= st.samples[0].value
		}
		st.lastValue = sum / window.Seconds()
	}
}
