// Package audit records every access attempt and mutation in an append-only
// log. The log is never consulted for authorization.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/thetanil/matrixvault/internal/db"
	"github.com/thetanil/matrixvault/internal/tier"
)

// Actions written by matrixvault.
const (
	ActionChallenge = "challenge"
	ActionUnlock    = "unlock"
	ActionView      = "view"
	ActionRange     = "range"
	ActionSetCell   = "set_cell"
	ActionDelete    = "delete_cell"
	ActionBulkSave  = "bulk_save"
	ActionUndo      = "undo"
	ActionRedo      = "redo"
	ActionLogout    = "logout"
	ActionSeedDemo  = "seed_demo"
)

// Entry is one immutable access-log record.
type Entry struct {
	ID         string
	Actor      string
	OccurredAt time.Time
	Origin     string
	Tier       tier.Tier
	Success    bool
	Action     string
	ClientID   string
}

// Sink persists entries.
type Sink interface {
	Record(ctx context.Context, e Entry) error
}

// Filter narrows List.
type Filter struct {
	Actor string
	Since time.Time
	Limit int
}

// SQLSink appends entries to mv_access_log.
type SQLSink struct {
	db *db.DB
}

// NewSQLSink returns a sink over an opened database.
func NewSQLSink(d *db.DB) *SQLSink {
	return &SQLSink{db: d}
}

// Record implements Sink.
func (s *SQLSink) Record(ctx context.Context, e Entry) error {
	var originParam, clientParam interface{}
	if e.Origin != "" {
		originParam = e.Origin
	}
	if e.ClientID != "" {
		clientParam = e.ClientID
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO mv_access_log (id, actor, occurred_at, origin, tier, success, action, client_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		e.ID, e.Actor, e.OccurredAt.UnixMilli(), originParam, string(e.Tier),
		db.BoolToInt(e.Success), e.Action, clientParam)
	if err != nil {
		return fmt.Errorf("failed to write access log: %w", err)
	}
	return nil
}

// List returns entries newest first.
func (s *SQLSink) List(ctx context.Context, f Filter) ([]Entry, error) {
	query := `SELECT id, actor, occurred_at, origin, tier, success, action, client_id
		FROM mv_access_log WHERE 1 = 1`
	var args []interface{}
	if f.Actor != "" {
		query += ` AND actor = ?`
		args = append(args, f.Actor)
	}
	if !f.Since.IsZero() {
		query += ` AND occurred_at >= ?`
		args = append(args, f.Since.UnixMilli())
	}
	query += ` ORDER BY seq DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list access log: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e              Entry
			occurred       int64
			origin, client sql.NullString
			t              string
			success        int
		)
		if err := rows.Scan(&e.ID, &e.Actor, &occurred, &origin, &t, &success, &e.Action, &client); err != nil {
			return nil, fmt.Errorf("failed to scan access log: %w", err)
		}
		e.OccurredAt = time.UnixMilli(occurred).UTC()
		e.Origin = origin.String
		e.ClientID = client.String
		e.Tier = tier.Tier(t)
		e.Success = success != 0
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate access log: %w", err)
	}
	return entries, nil
}

// Counter is notified of every recorded entry.
type Counter interface {
	CountAccess(action string, success bool)
}

// Log fills in entry defaults, mirrors entries to slog and forwards them to
// a Sink.
type Log struct {
	sink    Sink
	logger  *slog.Logger
	counter Counter
	now     func() time.Time
}

// NewLog returns a Log. logger and counter may be nil.
func NewLog(sink Sink, logger *slog.Logger, counter Counter) *Log {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Log{sink: sink, logger: logger, counter: counter, now: time.Now}
}

// Record assigns an id and timestamp when missing, then persists e. Tier
// defaults to unknown.
func (l *Log) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = l.now()
	}
	if e.Tier == "" {
		e.Tier = tier.Unknown
	}

	level := slog.LevelInfo
	if !e.Success {
		level = slog.LevelWarn
	}
	l.logger.LogAttrs(ctx, level, "access",
		slog.String("id", e.ID),
		slog.String("actor", e.Actor),
		slog.String("action", e.Action),
		slog.Bool("success", e.Success),
		slog.String("origin", e.Origin),
	)
	if l.counter != nil {
		l.counter.CountAccess(e.Action, e.Success)
	}

	if err := l.sink.Record(ctx, e); err != nil {
		l.logger.Error("failed to persist access log entry", slog.String("id", e.ID), slog.Any("error", err))
		return err
	}
	return nil
}
