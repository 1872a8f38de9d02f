// Package journal persists the event stream to PostgreSQL so every state
// transition, order lifecycle change, and risk alert survives the process
// for audit. Writes are asynchronous; the trading path never blocks on the
// database.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"trading-core/internal/events"
)

// Config holds journal database configuration
type Config struct {
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

const schema = `
CREATE TABLE IF NOT EXISTS core_events (
	id          BIGSERIAL PRIMARY KEY,
	event_type  TEXT        NOT NULL,
	session_id  TEXT        NOT NULL DEFAULT '',
	symbol      TEXT        NOT NULL DEFAULT '',
	occurred_at TIMESTAMPTZ NOT NULL,
	payload     JSONB       NOT NULL DEFAULT '{}'::jsonb
);
CREATE INDEX IF NOT EXISTS idx_core_events_session ON core_events (session_id, occurred_at);
CREATE INDEX IF NOT EXISTS idx_core_events_symbol  ON core_events (symbol, occurred_at);
`

// Journal subscribes to the event bus and appends every event to Postgres.
type Journal struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger

	queue    chan events.Event
	stopChan chan struct{}
	doneChan chan struct{}

	mu      sync.Mutex
	running bool
	dropped int64
}

// New connects to PostgreSQL, ensures the events table exists, and returns
// a journal ready to attach to a bus.
func New(cfg Config, logger zerolog.Logger) (*Journal, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: parse database config: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("journal: create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal: ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal: ensure schema: %w", err)
	}

	return &Journal{
		pool:     pool,
		logger:   logger.With().Str("component", "journal").Logger(),
		queue:    make(chan events.Event, 1024),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}, nil
}

// Attach subscribes the journal to every event on the bus and starts the
// writer goroutine.
func (j *Journal) Attach(bus *events.Bus) {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return
	}
	j.running = true
	j.mu.Unlock()

	bus.SubscribeAll(j.enqueue)
	go j.writeLoop()
	j.logger.Info().Msg("Event journal attached")
}

// enqueue never blocks the publisher; events are dropped under backpressure
// and the drop is counted.
func (j *Journal) enqueue(event events.Event) {
	select {
	case j.queue <- event:
	default:
		j.mu.Lock()
		j.dropped++
		n := j.dropped
		j.mu.Unlock()
		if n%100 == 1 {
			j.logger.Warn().Int64("dropped", n).Msg("Journal queue full, dropping events")
		}
	}
}

func (j *Journal) writeLoop() {
	defer close(j.doneChan)
	for {
		select {
		case event := <-j.queue:
			j.write(event)
		case <-j.stopChan:
			// Drain what is already queued before exiting.
			for {
				select {
				case event := <-j.queue:
					j.write(event)
				default:
					return
				}
			}
		}
	}
}

func (j *Journal) write(event events.Event) {
	payload, err := json.Marshal(event.Data)
	if err != nil {
		payload = []byte("{}")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = j.pool.Exec(ctx,
		`INSERT INTO core_events (event_type, session_id, symbol, occurred_at, payload)
		 VALUES ($1, $2, $3, $4, $5)`,
		string(event.Type), event.SessionID, event.Symbol, event.Timestamp, payload,
	)
	if err != nil {
		j.logger.Warn().Err(err).Str("event_type", string(event.Type)).Msg("Journal insert failed")
	}
}

// Dropped returns how many events were discarded under backpressure.
func (j *Journal) Dropped() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.dropped
}

// Close stops the writer after draining the queue and closes the pool.
func (j *Journal) Close() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		j.pool.Close()
		return
	}
	j.running = false
	j.mu.Unlock()

	close(j.stopChan)
	<-j.doneChan
	j.pool.Close()
	j.logger.Info().Msg("Event journal closed")
}
