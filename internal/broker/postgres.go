package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/owulveryck/cauldron/internal/message"
)

const (
	notifyChannel       = "cauldron_messages"
	defaultPollInterval = time.Second
	fetchBatchSize      = 100
)

// Postgres carries envelopes through the cauldron_messages table. Publish
// inserts a row and raises NOTIFY in the same transaction; one consumer
// goroutine LISTENs on a dedicated connection and reads every subscribed
// topic past its cursor, so handlers see rows in id order.
//
// Publishes on one topic hold a transaction-scoped advisory lock, so their
// ids commit in increasing order and a reader never moves its cursor past a
// row that is not visible yet. Cursors are stored per consumer group and
// topic in cauldron_cursors after each delivered batch: a restarted process
// resumes where its group stopped and may see the last batch again.
type Postgres struct {
	in           instruments
	pool         *pgxpool.Pool
	subs         *subscribers
	group        string
	pollInterval time.Duration
	newBackOff   func() backoff.BackOff

	mu      sync.Mutex
	cursors map[string]int64
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type PostgresOptions struct {
	DSN string
	// ApplicationName is reported to the server for each pooled connection.
	ApplicationName string
	// ConsumerGroup keys the stored cursors. Processes sharing a group
	// share their position on every topic.
	ConsumerGroup string
	// PollInterval bounds how long a missed notification can delay
	// delivery.
	PollInterval time.Duration
	DialTimeout  time.Duration
	NewBackOff   func() backoff.BackOff
}

// NewPostgres opens the pool, checks the server answers and creates the
// message table.
func NewPostgres(ctx context.Context, cfg PostgresOptions, opts Options) (*Postgres, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres broker: empty DSN")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = "cauldron"
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.NewBackOff == nil {
		cfg.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 15 * time.Second
			b.MaxElapsedTime = 0
			return b
		}
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres broker: parse DSN: %w", err)
	}
	if cfg.ApplicationName != "" {
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres broker: open pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres broker: ping: %w", err)
	}
	if err := ensureSchema(pingCtx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres broker: schema: %w", err)
	}

	runCtx, runCancel := context.WithCancel(context.WithoutCancel(ctx))
	p := &Postgres{
		in:           newInstruments(opts, KindPostgres),
		pool:         pool,
		subs:         newSubscribers(),
		group:        cfg.ConsumerGroup,
		pollInterval: cfg.PollInterval,
		newBackOff:   cfg.NewBackOff,
		cursors:      make(map[string]int64),
		cancel:       runCancel,
	}
	p.wg.Add(1)
	go p.listen(runCtx)
	return p, nil
}

func ensureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS cauldron_messages (
    id BIGSERIAL PRIMARY KEY,
    topic TEXT NOT NULL,
    message_id TEXT NOT NULL,
    body JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`,
		`CREATE INDEX IF NOT EXISTS idx_cauldron_messages_topic ON cauldron_messages (topic, id);`,
		`CREATE TABLE IF NOT EXISTS cauldron_cursors (
    consumer_group TEXT NOT NULL,
    topic TEXT NOT NULL,
    last_id BIGINT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (consumer_group, topic)
);`,
	}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (p *Postgres) Kind() Kind { return KindPostgres }

func (p *Postgres) Publish(ctx context.Context, topic string, env *message.Envelope) (err error) {
	if topic == "" {
		return ErrEmptyTopic
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}

	ctx, done := p.in.startPublish(ctx, topic, env)
	defer func() { done(err) }()

	data, err := message.Marshal(env)
	if err != nil {
		return err
	}

	err = pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		// Taken before the insert draws its id, released at commit.
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, topic); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO cauldron_messages (topic, message_id, body) VALUES ($1, $2, $3::jsonb)`,
			topic, env.ID, string(data),
		); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, topic)
		return err
	})
	if err != nil {
		p.in.connectionError(ctx, err, "Publish to postgres failed", "topic", topic, "message_id", env.ID)
		return fmt.Errorf("postgres broker: publish on %s: %w", topic, err)
	}
	return nil
}

// Subscribe resumes from the consumer group's stored cursor on topic. A
// group's first subscription to a topic starts after the newest row.
func (p *Postgres) Subscribe(ctx context.Context, topic string, h Handler) (SubscriptionID, error) {
	if topic == "" {
		return 0, ErrEmptyTopic
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, ErrClosed
	}
	if !p.subs.has(topic) {
		cursor, err := p.loadCursor(ctx, topic)
		if err != nil {
			return 0, err
		}
		p.cursors[topic] = cursor
	}
	id, _ := p.subs.add(topic, h)
	return id, nil
}

// loadCursor returns the stored cursor of the group on topic, creating it at
// the newest row when there is none.
func (p *Postgres) loadCursor(ctx context.Context, topic string) (int64, error) {
	var cursor int64
	err := p.pool.QueryRow(ctx,
		`INSERT INTO cauldron_cursors (consumer_group, topic, last_id)
SELECT $1::text, $2::text, COALESCE(MAX(id), 0) FROM cauldron_messages WHERE topic = $2
ON CONFLICT (consumer_group, topic) DO UPDATE SET last_id = cauldron_cursors.last_id
RETURNING last_id`,
		p.group, topic,
	).Scan(&cursor)
	if err != nil {
		return 0, fmt.Errorf("postgres broker: load cursor of %s on %s: %w", p.group, topic, err)
	}
	p.in.logger.InfoContext(ctx, "Postgres subscription positioned",
		"topic", topic,
		"consumer_group", p.group,
		"cursor", cursor,
	)
	return cursor, nil
}

func (p *Postgres) saveCursor(ctx context.Context, topic string, id int64) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO cauldron_cursors (consumer_group, topic, last_id) VALUES ($1, $2, $3)
ON CONFLICT (consumer_group, topic) DO UPDATE
SET last_id = GREATEST(cauldron_cursors.last_id, EXCLUDED.last_id), updated_at = now()`,
		p.group, topic, id,
	)
	if err != nil {
		return fmt.Errorf("postgres broker: save cursor of %s on %s: %w", p.group, topic, err)
	}
	return nil
}


func (p *Postgres) Unsubscribe(topic string, id SubscriptionID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	removed, last := p.subs.remove(topic, id)
	if last {
		delete(p.cursors, topic)
	}
	return removed
}

func (p *Postgres) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()
	p.pool.Close()
	return nil
}

func (p *Postgres) listen(ctx context.Context) {
	defer p.wg.Done()
	b := backoff.WithContext(p.newBackOff(), ctx)
	for {
		err := p.session(ctx, b)
		if ctx.Err() != nil {
			return
		}
		p.in.connectionError(ctx, err, "Postgres listener broken, reconnecting")

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

// session holds one LISTEN connection and drains topics on every
// notification or poll tick.
func (p *Postgres) session(ctx context.Context, b backoff.BackOff) error {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return err
	}
	b.Reset()
	p.in.logger.InfoContext(ctx, "Listening for postgres notifications", "channel", notifyChannel)

	for {
		if err := p.drain(ctx); err != nil {
			return err
		}

		waitCtx, cancel := context.WithTimeout(ctx, p.pollInterval)
		_, err := conn.Conn().WaitForNotification(waitCtx)
		cancel()
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err == nil, errors.Is(err, context.DeadlineExceeded) && !conn.Conn().IsClosed():
		default:
			return err
		}
	}
}

func (p *Postgres) drain(ctx context.Context) error {
	for _, topic := range p.subs.topicNames() {
		for {
			n, err := p.fetch(ctx, topic)
			if err != nil {
				return err
			}
			if n < fetchBatchSize {
				break
			}
		}
	}
	return nil
}

type pgRow struct {
	id   int64
	body []byte
}

func (p *Postgres) fetch(ctx context.Context, topic string) (int, error) {
	p.mu.Lock()
	cursor, ok := p.cursors[topic]
	p.mu.Unlock()
	if !ok {
		return 0, nil
	}

	rows, err := p.pool.Query(ctx,
		`SELECT id, body FROM cauldron_messages WHERE topic = $1 AND id > $2 ORDER BY id LIMIT $3`,
		topic, cursor, fetchBatchSize,
	)
	if err != nil {
		return 0, err
	}
	batch, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (pgRow, error) {
		var r pgRow
		err := row.Scan(&r.id, &r.body)
		return r, err
	})
	if err != nil {
		return 0, err
	}

	for _, r := range batch {
		env, err := message.Unmarshal(r.body)
		if err != nil {
			p.in.logger.ErrorContext(ctx, "Dropping undecodable envelope", "topic", topic, "row_id", r.id, "error", err)
		} else {
			p.in.deliver(ctx, p.subs, topic, env)
		}
		p.advance(topic, r.id)
	}
	if len(batch) > 0 {
		if err := p.saveCursor(ctx, topic, batch[len(batch)-1].id); err != nil {
			return 0, err
		}
	}
	return len(batch), nil
}

func (p *Postgres) advance(topic string, id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.cursors[topic]; ok && id > cur {
		p.cursors[topic] = id
	}
}
