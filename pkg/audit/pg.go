package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgWriteTimeout bounds a single insert, since Log has no context.
const pgWriteTimeout = 5 * time.Second

// PGAuditLogger stores audit events in PostgreSQL so several peers can
// share one queryable trail.
type PGAuditLogger struct {
	pool  *pgxpool.Pool
	count atomic.Int64
}

// NewPGAuditLogger connects to databaseURL and creates the audit table if
// needed.
func NewPGAuditLogger(ctx context.Context, databaseURL string) (*PGAuditLogger, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	config.MaxConns = 4
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}

	l := &PGAuditLogger{pool: pool}
	if err := l.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	return l, nil
}

func (l *PGAuditLogger) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sync_audit_events (
		id TEXT PRIMARY KEY,
		ts TIMESTAMPTZ NOT NULL,
		subject TEXT NOT NULL,
		database TEXT NOT NULL,
		action TEXT NOT NULL,
		resource_type TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		status TEXT NOT NULL,
		error_message TEXT NOT NULL,
		remote_addr TEXT NOT NULL,
		metadata JSONB
	);

	CREATE INDEX IF NOT EXISTS idx_sync_audit_ts ON sync_audit_events(ts);
	CREATE INDEX IF NOT EXISTS idx_sync_audit_subject ON sync_audit_events(subject);
	`
	_, err := l.pool.Exec(ctx, schema)
	return err
}

// Log inserts event.
func (l *PGAuditLogger) Log(event *Event) error {
	stamp(event)
	var metadata []byte
	if len(event.Metadata) > 0 {
		var err error
		if metadata, err = json.Marshal(event.Metadata); err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), pgWriteTimeout)
	defer cancel()
	_, err := l.pool.Exec(ctx, `
		INSERT INTO sync_audit_events
			(id, ts, subject, database, action, resource_type, resource_id, status, error_message, remote_addr, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		event.ID, event.Timestamp, event.Subject, event.Database, string(event.Action),
		string(event.ResourceType), event.ResourceID, string(event.Status),
		event.ErrorMessage, event.RemoteAddr, metadata,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	l.count.Add(1)
	return nil
}

// GetEventCount returns how many events this logger has inserted.
func (l *PGAuditLogger) GetEventCount() int64 {
	return l.count.Load()
}

// Query returns up to limit matching events, newest first.
func (l *PGAuditLogger) Query(ctx context.Context, filter *Filter, limit int) ([]*Event, error) {
	query, args := buildQuery(filter, limit)
	rows, err := l.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Event, error) {
		e := &Event{}
		var action, resourceType, status string
		var metadata []byte
		if err := row.Scan(&e.ID, &e.Timestamp, &e.Subject, &e.Database, &action,
			&resourceType, &e.ResourceID, &status, &e.ErrorMessage, &e.RemoteAddr, &metadata); err != nil {
			return nil, err
		}
		e.Action, e.ResourceType, e.Status = Action(action), ResourceType(resourceType), Status(status)
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
		}
		return e, nil
	})
}

// Close closes the connection pool
func (l *PGAuditLogger) Close() error {
	l.pool.Close()
	return nil
}

func buildQuery(f *Filter, limit int) (string, []any) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f != nil {
		if f.Subject != "" {
			add("subject = $%d", f.Subject)
		}
		if f.Database != "" {
			add("database = $%d", f.Database)
		}
		if f.Action != "" {
			add("action = $%d", string(f.Action))
		}
		if f.ResourceType != "" {
			add("resource_type = $%d", string(f.ResourceType))
		}
		if f.Status != "" {
			add("status = $%d", string(f.Status))
		}
		if f.StartTime != nil {
			add("ts >= $%d", *f.StartTime)
		}
		if f.EndTime != nil {
			add("ts <= $%d", *f.EndTime)
		}
	}

	var b strings.Builder
	b.WriteString(`SELECT id, ts, subject, database, action, resource_type, resource_id, status, error_message, remote_addr, metadata
		FROM sync_audit_events`)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY ts DESC")
	if limit > 0 {
		args = append(args, limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	return b.String(), args
}
