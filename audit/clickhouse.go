package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/google/uuid"
)

// Config holds ClickHouse connection configuration.
type Config struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
	Debug    bool
}

// DefaultConfig returns default development configuration.
func DefaultConfig() *Config {
	return &Config{
		Host:     "localhost",
		Port:     9000,
		Database: "costgate",
		Username: "default",
		Password: "",
		Debug:    false,
	}
}

// Store implements Recorder using ClickHouse. Decisions are append-only;
// the table is never updated in place.
type Store struct {
	conn clickhouse.Conn
	cfg  *Config
}

// NewStore connects to ClickHouse and returns an audit store.
func NewStore(cfg *Config) (*Store, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Debug: cfg.Debug,
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	return &Store{conn: conn, cfg: cfg}, nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Record inserts one decision entry.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	query := `
		INSERT INTO admission_decisions (
			id, request_id, entity_id, action, status, remaining, actor, decided_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	return s.conn.Exec(ctx, query,
		e.ID,
		e.RequestID,
		e.EntityID,
		string(e.Action),
		e.Status,
		e.Remaining,
		e.Actor,
		e.At,
	)
}

// ListByRequest returns the decision history for one request, oldest first.
func (s *Store) ListByRequest(ctx context.Context, requestID string) ([]Entry, error) {
	query := `
		SELECT id, request_id, entity_id, action, status, remaining, actor, decided_at
		FROM admission_decisions
		WHERE request_id = ?
		ORDER BY decided_at ASC
	`
	rows, err := s.conn.Query(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var action string
		if err := rows.Scan(&e.ID, &e.RequestID, &e.EntityID, &action, &e.Status, &e.Remaining, &e.Actor, &e.At); err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		e.Action = Action(action)
		out = append(out, e)
	}
	return out, rows.Err()
}

var (
	_ Recorder = (*Store)(nil)
	_ Reader   = (*Store)(nil)
)
