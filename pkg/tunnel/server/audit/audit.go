// Package audit records tunnel connection and ingress events to Postgres,
// grounded on pkg/connector/database.go's DatabaseProvider in the teacher
// repo. It is an observability sink, never a correctness dependency: every
// write is best-effort and failures are logged and swallowed (spec.md §7
// propagation policy, extended in SPEC_FULL.md §7).
package audit

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

// Sink is implemented by both the Postgres-backed Log and the NoOp
// fallback, so the server never needs to branch on whether auditing is
// configured.
type Sink interface {
	RecordConnection(remoteAddr, event string)
	RecordIngress(method, path string, status int, outcome string, duration time.Duration)
	Close()
}

// NoOp is used when AUDIT_DSN is not configured.
type NoOp struct{}

func (NoOp) RecordConnection(string, string)                            {}
func (NoOp) RecordIngress(string, string, int, string, time.Duration) {}
func (NoOp) Close()                                                    {}

// Log is the Postgres-backed Sink. Writes run on one background goroutine
// fed by a bounded channel, so a slow or down database never blocks the
// forwarding hot path.
type Log struct {
	pool   *pgxpool.Pool
	logger *logrus.Entry

	events chan func(context.Context) error
	done   chan struct{}
}

// Config mirrors the shape of the teacher's DatabaseConfig
// (pkg/mtls-proxy/config.go), trimmed to what an audit sink needs.
type Config struct {
	DSN          string
	MaxConns     int32
	MaxIdleTime  time.Duration
	MaxLifetime  time.Duration
	QueueDepth   int
}

// New connects to Postgres and ensures the schema exists. It returns a
// *Log implementing Sink.
func New(ctx context.Context, cfg Config, logger *logrus.Entry) (*Log, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, err
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxLifetime
	}
	if cfg.MaxIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := ensureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = 256
	}

	l := &Log{
		pool:   pool,
		logger: logger,
		events: make(chan func(context.Context) error, depth),
		done:   make(chan struct{}),
	}
	go l.run()
	return l, nil
}

func ensureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS revtun_connection_events (
			id SERIAL PRIMARY KEY,
			remote_addr TEXT NOT NULL,
			event TEXT NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS revtun_ingress_events (
			id SERIAL PRIMARY KEY,
			method TEXT NOT NULL,
			path TEXT NOT NULL,
			status INTEGER NOT NULL,
			outcome TEXT NOT NULL,
			duration_ms DOUBLE PRECISION NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`)
	return err
}

func (l *Log) run() {
	ctx := context.Background()
	for {
		select {
		case write, ok := <-l.events:
			if !ok {
				return
			}
			if err := write(ctx); err != nil {
				l.logger.WithError(err).Warn("revtun: audit write failed")
			}
		case <-l.done:
			return
		}
	}
}

// RecordConnection enqueues a connection lifecycle event. Non-blocking: if
// the queue is full the event is dropped and logged, never allowed to back
// up the accept path.
func (l *Log) RecordConnection(remoteAddr, event string) {
	select {
	case l.events <- func(ctx context.Context) error {
		_, err := l.pool.Exec(ctx,
			`INSERT INTO revtun_connection_events (remote_addr, event) VALUES ($1, $2)`,
			remoteAddr, event)
		return err
	}:
	default:
		l.logger.Warn("revtun: audit queue full, dropping connection event")
	}
}

// RecordIngress enqueues a per-request audit row.
func (l *Log) RecordIngress(method, path string, status int, outcome string, duration time.Duration) {
	select {
	case l.events <- func(ctx context.Context) error {
		_, err := l.pool.Exec(ctx,
			`INSERT INTO revtun_ingress_events (method, path, status, outcome, duration_ms) VALUES ($1, $2, $3, $4, $5)`,
			method, path, status, outcome, float64(duration.Microseconds())/1000.0)
		return err
	}:
	default:
		l.logger.Warn("revtun: audit queue full, dropping ingress event")
	}
}

// Close stops the background writer and closes the pool. Events still
// queued are not written.
func (l *Log) Close() {
	close(l.done)
	l.pool.Close()
}
