package market

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Handler consumes ticks for a symbol. Handlers registered on the ingest run
// sequentially on the symbol's lane goroutine, so for any single symbol a
// handler always observes ticks in arrival order and never concurrently.
type Handler func(Tick)

var (
	ErrSymbolNotActive      = errors.New("symbol not active")
	ErrSymbolAlreadyActive  = errors.New("symbol already active")
	ErrIngestStopped        = errors.New("ingest stopped")
)

// Ingest fans out ticks to registered handlers with one serialized lane per
// symbol. Different symbols process in parallel; a single symbol never does.
type Ingest struct {
	mu         sync.RWMutex
	lanes      map[string]*lane
	handlers   []Handler
	laneBuffer int
	stopped    bool
	logger     zerolog.Logger
	wg         sync.WaitGroup
}

type lane struct {
	symbol  string
	ticks   chan Tick
	stop    chan struct{}
	dropped atomic.Int64
}

// NewIngest creates a tick ingest. laneBuffer bounds the per-symbol queue;
// when a lane is full the newest tick is dropped and counted rather than
// blocking the feed.
func NewIngest(laneBuffer int, logger zerolog.Logger) *Ingest {
	if laneBuffer <= 0 {
		laneBuffer = 256
	}
	return &Ingest{
		lanes:      make(map[string]*lane),
		laneBuffer: laneBuffer,
		logger:     logger.With().Str("component", "TickIngest").Logger(),
	}
}

// RegisterHandler adds a downstream consumer. Handlers must be registered
// before symbols are activated; registration order is invocation order.
func (in *Ingest) RegisterHandler(h Handler) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.handlers = append(in.handlers, h)
}

// Activate starts a processing lane for a symbol.
func (in *Ingest) Activate(symbol string) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.stopped {
		return ErrIngestStopped
	}
	if _, exists := in.lanes[symbol]; exists {
		return ErrSymbolAlreadyActive
	}

	l := &lane{
		symbol: symbol,
		ticks:  make(chan Tick, in.laneBuffer),
		stop:   make(chan struct{}),
	}
	in.lanes[symbol] = l

	in.wg.Add(1)
	go in.runLane(l)

	in.logger.Info().Str("symbol", symbol).Msg("Symbol lane activated")
	return nil
}

// Deactivate stops a symbol's lane. Queued ticks for the symbol are drained
// and discarded.
func (in *Ingest) Deactivate(symbol string) error {
	in.mu.Lock()
	l, exists := in.lanes[symbol]
	if exists {
		delete(in.lanes, symbol)
	}
	in.mu.Unlock()

	if !exists {
		return ErrSymbolNotActive
	}
	close(l.stop)
	in.logger.Info().Str("symbol", symbol).Msg("Symbol lane deactivated")
	return nil
}

// Publish enqueues a tick onto its symbol lane. Ticks for inactive symbols
// are ignored.
func (in *Ingest) Publish(tick Tick) error {
	in.mu.RLock()
	if in.stopped {
		in.mu.RUnlock()
		return ErrIngestStopped
	}
	l, exists := in.lanes[tick.Symbol]
	in.mu.RUnlock()

	if !exists {
		return ErrSymbolNotActive
	}

	select {
	case l.ticks <- tick:
	default:
		in.logger.Warn().
			Str("symbol", tick.Symbol).
			Int64("dropped_total", l.dropped.Add(1)).
			Msg("Lane full, tick dropped")
	}
	return nil
}

// Dropped returns how many ticks have been discarded for a symbol because
// its lane was full. Zero for inactive symbols.
func (in *Ingest) Dropped(symbol string) int64 {
	in.mu.RLock()
	defer in.mu.RUnlock()
	if l, exists := in.lanes[symbol]; exists {
		return l.dropped.Load()
	}
	return 0
}

// ActiveSymbols returns the symbols with running lanes.
func (in *Ingest) ActiveSymbols() []string {
	in.mu.RLock()
	defer in.mu.RUnlock()
	symbols := make([]string, 0, len(in.lanes))
	for s := range in.lanes {
		symbols = append(symbols, s)
	}
	return symbols
}

// Close stops all lanes and waits for in-flight ticks to finish processing.
func (in *Ingest) Close() {
	in.mu.Lock()
	if in.stopped {
		in.mu.Unlock()
		return
	}
	in.stopped = true
	lanes := make([]*lane, 0, len(in.lanes))
	for _, l := range in.lanes {
		lanes = append(lanes, l)
	}
	in.lanes = make(map[string]*lane)
	in.mu.Unlock()

	for _, l := range lanes {
		close(l.stop)
	}
	in.wg.Wait()
}

func (in *Ingest) runLane(l *lane) {
	defer in.wg.Done()

	for {
		select {
		case <-l.stop:
			return
		case tick := <-l.ticks:
			in.dispatch(tick)
		}
	}
}

func (in *Ingest) dispatch(tick Tick) {
	in.mu.RLock()
	handlers := in.handlers
	in.mu.RUnlock()

	for _, h := range handlers {
		h(tick)
	}
}
