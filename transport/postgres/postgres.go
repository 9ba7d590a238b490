// Package postgres provides a table-backed queue on PostgreSQL. Rows are
// claimed with FOR UPDATE SKIP LOCKED, so any number of subscribers compete
// for them. Dead letters live in their own table and can be replayed.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/bytedance/sonic"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver

	"github.com/drblury/marketflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "postgres"

const (
	// DefaultPollInterval is the default interval for polling new messages.
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultLockTimeout is how long a claimed row stays invisible to others.
	DefaultLockTimeout = 30 * time.Second
	// DefaultNackDelay is how long a nacked row waits before it is visible again.
	DefaultNackDelay = time.Second
	// DefaultSchema holds the queue tables.
	DefaultSchema = "marketflow"

	// MetadataDelay delays visibility of a published row, in milliseconds.
	MetadataDelay = "mf_delay_ms"
)

var (
	ErrClosed        = errors.New("postgres: transport is closed")
	ErrInvalidSchema = errors.New("postgres: schema name must be a plain identifier")

	schemaPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)
)

// OpenDB allows overriding the connection for testing.
var OpenDB = func(dsn string) (*sql.DB, error) {
	return sql.Open("pgx", dsn)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.PostgresCapabilities)
	transport.Alias("postgresql", TransportName)
}

// Build creates a new PostgreSQL transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	t, err := New(ctx, Config{ConnectionString: cfg.GetPostgresURL()}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  t,
		Subscriber: t,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.PostgresCapabilities
}

// Config holds PostgreSQL-specific configuration.
type Config struct {
	ConnectionString string
	PollInterval     time.Duration
	LockTimeout      time.Duration
	NackDelay        time.Duration
	SchemaName       string
	MaxOpenConns     int
	MaxIdleConns     int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = DefaultLockTimeout
	}
	if c.NackDelay <= 0 {
		c.NackDelay = DefaultNackDelay
	}
	if c.SchemaName == "" {
		c.SchemaName = DefaultSchema
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 5
	}
	return c
}

func (c Config) validate() error {
	if c.ConnectionString == "" {
		return errors.New("postgres: connection string is required")
	}
	if !schemaPattern.MatchString(c.SchemaName) {
		return fmt.Errorf("%w: %q", ErrInvalidSchema, c.SchemaName)
	}
	return nil
}

// Transport implements both Publisher and Subscriber for PostgreSQL.
type Transport struct {
	db     *sql.DB
	config Config
	logger watermill.LoggerAdapter

	closed     bool
	closedMu   sync.RWMutex
	closedChan chan struct{}
	wg         sync.WaitGroup
}

// New opens the database, pings it and creates the queue tables.
func New(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	db, err := OpenDB(cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}

	t := &Transport{
		db:         db,
		config:     cfg,
		logger:     logger,
		closedChan: make(chan struct{}),
	}

	if err := t.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: init schema: %w", err)
	}

	return t, nil
}

func (t *Transport) table(name string) string {
	return t.config.SchemaName + "." + name
}

func (t *Transport) initSchema(ctx context.Context) error {
	// #nosec G201 - schema name is checked against schemaPattern
	ddl := fmt.Sprintf(`
	CREATE SCHEMA IF NOT EXISTS %[1]s;

	CREATE TABLE IF NOT EXISTS %[1]s.messages (
		id BIGSERIAL PRIMARY KEY,
		uuid TEXT NOT NULL UNIQUE,
		topic TEXT NOT NULL,
		payload BYTEA NOT NULL,
		metadata JSONB DEFAULT '{}',
		created_at TIMESTAMPTZ DEFAULT NOW(),
		available_at TIMESTAMPTZ DEFAULT NOW(),
		locked_until TIMESTAMPTZ,
		retry_count INTEGER DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_messages_topic_available
		ON %[1]s.messages(topic, available_at);

	CREATE TABLE IF NOT EXISTS %[1]s.dead_letter_queue (
		id BIGSERIAL PRIMARY KEY,
		uuid TEXT NOT NULL,
		original_topic TEXT NOT NULL,
		payload BYTEA NOT NULL,
		metadata JSONB DEFAULT '{}',
		error_message TEXT,
		failed_at TIMESTAMPTZ DEFAULT NOW(),
		retry_count INTEGER DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_dlq_topic ON %[1]s.dead_letter_queue(original_topic);
	`, t.config.SchemaName)

	_, err := t.db.ExecContext(ctx, ddl)
	return err
}

func (t *Transport) isClosed() bool {
	t.closedMu.RLock()
	defer t.closedMu.RUnlock()
	return t.closed
}

// Publish inserts messages in one transaction. A message whose UUID is
// already queued is ignored.
func (t *Transport) Publish(topic string, messages ...*message.Message) error {
	return t.publish(context.Background(), topic, 0, messages)
}

// PublishWithDelay publishes messages that become visible after delay
// milliseconds.
func (t *Transport) PublishWithDelay(topic string, delay int64, messages ...*message.Message) error {
	return t.publish(context.Background(), topic, time.Duration(delay)*time.Millisecond, messages)
}

func (t *Transport) publish(ctx context.Context, topic string, delay time.Duration, messages []*message.Message) error {
	if t.isClosed() {
		return ErrClosed
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer t.rollback(tx)

	// #nosec G201 - schema name is checked against schemaPattern
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (uuid, topic, payload, metadata, available_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (uuid) DO NOTHING
	`, t.table("messages")))
	if err != nil {
		return fmt.Errorf("postgres: prepare: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, msg := range messages {
		metadata, err := sonic.ConfigStd.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("postgres: marshal metadata: %w", err)
		}

		availableAt := now.Add(delay)
		if d := MessageDelay(msg); d > delay {
			availableAt = now.Add(d)
		}

		if _, err := stmt.ExecContext(ctx, msg.UUID, topic, msg.Payload, metadata, availableAt); err != nil {
			return fmt.Errorf("postgres: insert: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

// MessageDelay reads MetadataDelay from msg. Missing or malformed values
// mean no delay.
func MessageDelay(msg *message.Message) time.Duration {
	raw := msg.Metadata.Get(MetadataDelay)
	if raw == "" {
		return 0
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// PublishDeadLetter stores msg in the dead letter table.
func (t *Transport) PublishDeadLetter(ctx context.Context, originalTopic, reason string, msg *message.Message) error {
	if t.isClosed() {
		return ErrClosed
	}
	metadata, err := sonic.ConfigStd.Marshal(msg.Metadata)
	if err != nil {
		return fmt.Errorf("postgres: marshal metadata: %w", err)
	}
	retries, _ := strconv.Atoi(msg.Metadata.Get("mf_attempt"))

	// #nosec G201 - schema name is checked against schemaPattern
	query := fmt.Sprintf(`
		INSERT INTO %s (uuid, original_topic, payload, metadata, error_message, retry_count)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, t.table("dead_letter_queue"))
	_, err = t.db.ExecContext(ctx, query, msg.UUID, originalTopic, msg.Payload, metadata, reason, retries)
	if err != nil {
		return fmt.Errorf("postgres: insert dead letter: %w", err)
	}
	return nil
}

// Subscribe polls topic until ctx is cancelled or the transport closes.
func (t *Transport) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}

	msgChan := make(chan *message.Message)

	t.wg.Add(1)
	go t.pollMessages(ctx, topic, msgChan)

	return msgChan, nil
}

func (t *Transport) pollMessages(ctx context.Context, topic string, msgChan chan *message.Message) {
	defer t.wg.Done()
	defer close(msgChan)

	ticker := time.NewTicker(t.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.closedChan:
			return
		case <-ticker.C:
			// Drain everything available before waiting for the next tick.
			for t.deliverNext(ctx, topic, msgChan) {
			}
		}
	}
}

func (t *Transport) claimNext(ctx context.Context, topic string) (int64, *message.Message, bool) {
	now := time.Now().UTC()

	// #nosec G201 - schema name is checked against schemaPattern
	query := fmt.Sprintf(`
		UPDATE %[1]s
		SET locked_until = $1
		WHERE id = (
			SELECT id FROM %[1]s
			WHERE topic = $2
			AND available_at <= $3
			AND (locked_until IS NULL OR locked_until < $3)
			ORDER BY available_at ASC, id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, uuid, payload, metadata
	`, t.table("messages"))

	var (
		id           int64
		uuid         string
		payload      []byte
		metadataJSON []byte
	)
	err := t.db.QueryRowContext(ctx, query, now.Add(t.config.LockTimeout), topic, now).Scan(&id, &uuid, &payload, &metadataJSON)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) && ctx.Err() == nil {
			t.logger.Error("postgres: claim message", err, watermill.LogFields{"topic": topic})
		}
		return 0, nil, false
	}

	metadata := make(message.Metadata)
	if len(metadataJSON) > 0 {
		if err := sonic.ConfigStd.Unmarshal(metadataJSON, &metadata); err != nil {
			t.logger.Error("postgres: unmarshal metadata", err, watermill.LogFields{"uuid": uuid})
		}
	}

	msg := message.NewMessage(uuid, payload)
	msg.Metadata = metadata
	return id, msg, true
}

func (t *Transport) deliverNext(ctx context.Context, topic string, msgChan chan *message.Message) bool {
	id, msg, found := t.claimNext(ctx, topic)
	if !found {
		return false
	}

	select {
	case msgChan <- msg:
	case <-ctx.Done():
		t.release(id, 0)
		return false
	case <-t.closedChan:
		t.release(id, 0)
		return false
	}

	select {
	case <-msg.Acked():
		t.delete(id)
		return true
	case <-msg.Nacked():
		t.release(id, t.config.NackDelay)
		return true
	case <-ctx.Done():
		t.release(id, 0)
	case <-t.closedChan:
		t.release(id, 0)
	}
	return false
}

// Row bookkeeping runs on a fresh context so that it still completes when the
// subscription context was the reason to stop.
func (t *Transport) bookkeepingContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func (t *Transport) delete(id int64) {
	ctx, cancel := t.bookkeepingContext()
	defer cancel()
	// #nosec G201 - schema name is checked against schemaPattern
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, t.table("messages"))
	if _, err := t.db.ExecContext(ctx, query, id); err != nil {
		t.logger.Error("postgres: ack message", err, watermill.LogFields{"id": id})
	}
}

func (t *Transport) release(id int64, delay time.Duration) {
	ctx, cancel := t.bookkeepingContext()
	defer cancel()
	// #nosec G201 - schema name is checked against schemaPattern
	query := fmt.Sprintf(`
		UPDATE %s
		SET locked_until = NULL,
		    retry_count = retry_count + CASE WHEN $2::bigint > 0 THEN 1 ELSE 0 END,
		    available_at = NOW() + ($2::bigint * INTERVAL '1 millisecond')
		WHERE id = $1
	`, t.table("messages"))
	if _, err := t.db.ExecContext(ctx, query, id, delay.Milliseconds()); err != nil {
		t.logger.Error("postgres: release message", err, watermill.LogFields{"id": id})
	}
}

func (t *Transport) rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		t.logger.Error("postgres: rollback", err, nil)
	}
}

// Close stops all subscriptions, waits for them and closes the database.
func (t *Transport) Close() error {
	t.closedMu.Lock()
	if t.closed {
		t.closedMu.Unlock()
		return nil
	}
	t.closed = true
	close(t.closedChan)
	t.closedMu.Unlock()

	t.wg.Wait()
	return t.db.Close()
}

// Capabilities returns the capabilities of this transport instance.
func (t *Transport) Capabilities() transport.Capabilities {
	return transport.PostgresCapabilities
}

// GetPendingCount returns the number of queued rows for a topic.
func (t *Transport) GetPendingCount(topic string) (int64, error) {
	var count int64
	// #nosec G201 - schema name is checked against schemaPattern
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE topic = $1`, t.table("messages"))
	err := t.db.QueryRow(query, topic).Scan(&count)
	return count, err
}

// GetDLQCount returns the number of dead letters for a topic.
func (t *Transport) GetDLQCount(topic string) (int64, error) {
	var count int64
	// #nosec G201 - schema name is checked against schemaPattern
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE original_topic = $1`, t.table("dead_letter_queue"))
	err := t.db.QueryRow(query, topic).Scan(&count)
	return count, err
}

// ReplayDLQMessage moves one dead letter back onto its original topic with
// a fresh attempt count.
func (t *Transport) ReplayDLQMessage(dlqID int64) error {
	// #nosec G201 - schema name is checked against schemaPattern
	query := fmt.Sprintf(`
		WITH replayed AS (
			DELETE FROM %[1]s.dead_letter_queue WHERE id = $1
			RETURNING uuid, original_topic, payload, metadata
		)
		INSERT INTO %[1]s.messages (uuid, topic, payload, metadata, retry_count)
		SELECT uuid || '-replay-' || extract(epoch from now())::bigint,
		       original_topic, payload, metadata - 'mf_attempt' - 'mf_dead_letter', 0
		FROM replayed
	`, t.config.SchemaName)

	result, err := t.db.Exec(query, dlqID)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("postgres: dead letter %d not found", dlqID)
	}
	return nil
}

// ReplayAllDLQ moves every dead letter of topic back onto it.
func (t *Transport) ReplayAllDLQ(topic string) (int64, error) {
	// #nosec G201 - schema name is checked against schemaPattern
	query := fmt.Sprintf(`
		WITH replayed AS (
			DELETE FROM %[1]s.dead_letter_queue WHERE original_topic = $1
			RETURNING uuid, original_topic, payload, metadata
		)
		INSERT INTO %[1]s.messages (uuid, topic, payload, metadata, retry_count)
		SELECT uuid || '-replay-' || extract(epoch from now())::bigint || '-' || row_number() OVER (),
		       original_topic, payload, metadata - 'mf_attempt' - 'mf_dead_letter', 0
		FROM replayed
	`, t.config.SchemaName)

	result, err := t.db.Exec(query, topic)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// PurgeDLQ removes every dead letter of topic.
func (t *Transport) PurgeDLQ(topic string) (int64, error) {
	// #nosec G201 - schema name is checked against schemaPattern
	query := fmt.Sprintf(`DELETE FROM %s WHERE original_topic = $1`, t.table("dead_letter_queue"))
	result, err := t.db.Exec(query, topic)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ListDLQMessages returns dead letters of topic, newest first.
func (t *Transport) ListDLQMessages(topic string, limit, offset int) ([]transport.DLQMessage, error) {
	// #nosec G201 - schema name is checked against schemaPattern
	query := fmt.Sprintf(`
		SELECT id, uuid, original_topic, payload, metadata, COALESCE(error_message, ''), failed_at, retry_count
		FROM %s
		WHERE original_topic = $1
		ORDER BY failed_at DESC
		LIMIT $2 OFFSET $3
	`, t.table("dead_letter_queue"))

	rows, err := t.db.Query(query, topic, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []transport.DLQMessage
	for rows.Next() {
		var msg transport.DLQMessage
		var metadataJSON []byte
		if err := rows.Scan(&msg.ID, &msg.UUID, &msg.OriginalTopic, &msg.Payload, &metadataJSON, &msg.ErrorMessage, &msg.FailedAt, &msg.RetryCount); err != nil {
			return nil, err
		}
		if len(metadataJSON) > 0 {
			if err := sonic.ConfigStd.Unmarshal(metadataJSON, &msg.Metadata); err != nil {
				t.logger.Error("postgres: unmarshal metadata", err, watermill.LogFields{"id": msg.ID})
			}
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}
