package market

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// FeedConfig configures the websocket market feed adapter.
type FeedConfig struct {
	URL            string        // websocket endpoint
	Symbols        []string      // streams to subscribe on connect
	ReadTimeout    time.Duration // per-message read deadline
	ReconnectDelay time.Duration // initial reconnect delay, doubled up to ReconnectMax
	ReconnectMax   time.Duration
}

// WebSocketFeed consumes a trade stream over websocket and publishes
// normalized ticks into the ingest. It reconnects with exponential backoff
// and resubscribes after a drop.
type WebSocketFeed struct {
	mu     sync.RWMutex
	config FeedConfig
	ingest *Ingest
	logger zerolog.Logger

	conn       *websocket.Conn
	isRunning  bool
	stopChan   chan struct{}
	doneChan   chan struct{}
	reconnects int
}

// tradePayload is the wire format of one tick message.
type tradePayload struct {
	Symbol    string     `json:"s"`
	EventTime int64      `json:"E"` // milliseconds
	Price     float64    `json:"p,string"`
	Quantity  float64    `json:"q,string"`
	Bids      [][]string `json:"b,omitempty"`
	Asks      [][]string `json:"a,omitempty"`
}

type subscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int      `json:"id"`
}

// NewWebSocketFeed creates a feed adapter that publishes into ingest.
func NewWebSocketFeed(config FeedConfig, ingest *Ingest, logger zerolog.Logger) *WebSocketFeed {
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 60 * time.Second
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = time.Second
	}
	if config.ReconnectMax <= 0 {
		config.ReconnectMax = 30 * time.Second
	}
	return &WebSocketFeed{
		config: config,
		ingest: ingest,
		logger: logger.With().Str("component", "WebSocketFeed").Logger(),
	}
}

// Start begins the read loop. Returns an error if already running.
func (f *WebSocketFeed) Start() error {
	f.mu.Lock()
	if f.isRunning {
		f.mu.Unlock()
		return fmt.Errorf("feed already running")
	}
	f.isRunning = true
	f.stopChan = make(chan struct{})
	f.doneChan = make(chan struct{})
	f.mu.Unlock()

	go f.run()
	return nil
}

// Stop closes the connection and waits for the read loop to exit.
func (f *WebSocketFeed) Stop() {
	f.mu.Lock()
	if !f.isRunning {
		f.mu.Unlock()
		return
	}
	f.isRunning = false
	close(f.stopChan)
	if f.conn != nil {
		f.conn.Close()
	}
	done := f.doneChan
	f.mu.Unlock()

	<-done
}

// Reconnects returns how many times the feed has reconnected.
func (f *WebSocketFeed) Reconnects() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.reconnects
}

func (f *WebSocketFeed) run() {
	defer close(f.doneChan)

	delay := f.config.ReconnectDelay
	for {
		select {
		case <-f.stopChan:
			return
		default:
		}

		if err := f.connect(); err != nil {
			f.logger.Error().Err(err).Dur("retry_in", delay).Msg("Feed connect failed")
			select {
			case <-f.stopChan:
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > f.config.ReconnectMax {
				delay = f.config.ReconnectMax
			}
			continue
		}

		delay = f.config.ReconnectDelay
		f.readLoop()

		select {
		case <-f.stopChan:
			return
		default:
			f.mu.Lock()
			f.reconnects++
			n := f.reconnects
			f.mu.Unlock()
			f.logger.Warn().Int("reconnects", n).Msg("Feed connection lost, reconnecting")
		}
	}
}

func (f *WebSocketFeed) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(f.config.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", f.config.URL, err)
	}

	streams := make([]string, 0, len(f.config.Symbols))
	for _, s := range f.config.Symbols {
		streams = append(streams, strings.ToLower(s)+"@trade")
	}
	if len(streams) > 0 {
		req := subscribeRequest{Method: "SUBSCRIBE", Params: streams, ID: 1}
		if err := conn.WriteJSON(req); err != nil {
			conn.Close()
			return fmt.Errorf("subscribe: %w", err)
		}
	}

	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()

	f.logger.Info().Int("streams", len(streams)).Msg("Feed connected")
	return nil
}

func (f *WebSocketFeed) readLoop() {
	f.mu.RLock()
	conn := f.conn
	f.mu.RUnlock()

	for {
		conn.SetReadDeadline(time.Now().Add(f.config.ReadTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return
		}

		var payload tradePayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			f.logger.Debug().Err(err).Msg("Skipping unparseable feed message")
			continue
		}
		if payload.Symbol == "" {
			// Subscription acks and keepalives have no symbol.
			continue
		}

		tick := Tick{
			Symbol:    payload.Symbol,
			Timestamp: time.UnixMilli(payload.EventTime),
			Price:     payload.Price,
			Volume:    payload.Quantity,
			BestBid:   parseLevels(payload.Bids),
			BestAsk:   parseLevels(payload.Asks),
		}
		f.ingest.Publish(tick)
	}
}

func parseLevels(raw [][]string) []BookLevel {
	if len(raw) == 0 {
		return nil
	}
	levels := make([]BookLevel, 0, len(raw))
	for _, entry := range raw {
		if len(entry) < 2 {
			continue
		}
		price, err1 := strconv.ParseFloat(entry[0], 64)
		qty, err2 := strconv.ParseFloat(entry[1], 64)
		if err1 != nil || err2 != nil {
			continue
		}
		levels = append(levels, BookLevel{Price: price, Quantity: qty})
	}
	return levels
}
