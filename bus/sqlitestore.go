package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/petal-labs/petalpipe/core"
	"github.com/petal-labs/petalpipe/runtime"

	_ "modernc.org/sqlite"
)

// eventTimeLayout is fixed-width so stored times compare lexically.
const eventTimeLayout = "2006-01-02T15:04:05.000000000Z"

const eventSchema = `
CREATE TABLE IF NOT EXISTS events (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	execution_id TEXT    NOT NULL,
	seq          INTEGER NOT NULL,
	kind         TEXT    NOT NULL,
	step_id      TEXT    NOT NULL DEFAULT '',
	step_type    TEXT    NOT NULL DEFAULT '',
	time         TEXT    NOT NULL,
	attempt      INTEGER NOT NULL DEFAULT 0,
	elapsed      INTEGER NOT NULL DEFAULT 0,
	payload      TEXT    NOT NULL DEFAULT '{}',
	trace_id     TEXT    NOT NULL DEFAULT '',
	span_id      TEXT    NOT NULL DEFAULT '',
	UNIQUE (execution_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_events_time ON events (time);
`

// SQLiteStoreConfig configures the SQLite event store.
type SQLiteStoreConfig struct {
	// DSN is the database connection string.
	DSN string

	// RetentionAge deletes events older than this duration (0 = no age pruning).
	RetentionAge time.Duration

	// RetentionCount keeps at most this many events per execution (0 = no count pruning).
	RetentionCount int

	// PruneInterval is how often to run pruning (default 1 hour).
	PruneInterval time.Duration
}

// SQLiteEventStore persists events to SQLite in WAL mode. A background
// goroutine prunes old events when retention is configured.
type SQLiteEventStore struct {
	db   *sql.DB
	cfg  SQLiteStoreConfig
	stop chan struct{}
	done chan struct{}
}

// NewSQLiteEventStore opens (or creates) a SQLite event store.
func NewSQLiteEventStore(cfg SQLiteStoreConfig) (*SQLiteEventStore, error) {
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = time.Hour
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("eventstore: open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("eventstore: set WAL mode: %w", err)
	}
	if _, err := db.Exec(eventSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("eventstore: create schema: %w", err)
	}

	s := &SQLiteEventStore{
		db:   db,
		cfg:  cfg,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	if cfg.RetentionAge > 0 || cfg.RetentionCount > 0 {
		go s.pruneLoop()
	} else {
		close(s.done)
	}
	return s, nil
}

// Append implements EventStore.
func (s *SQLiteEventStore) Append(ctx context.Context, event runtime.Event) error {
	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("eventstore: marshal payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (execution_id, seq, kind, step_id, step_type, time, attempt, elapsed, payload, trace_id, span_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ExecutionID,
		int64(event.Seq), // #nosec G115 -- seq starts at 1 and never approaches MaxInt64
		string(event.Kind),
		event.StepID,
		string(event.StepType),
		event.Time.UTC().Format(eventTimeLayout),
		event.Attempt,
		int64(event.Elapsed),
		string(payloadJSON),
		event.TraceID,
		event.SpanID,
	)
	if err != nil {
		return fmt.Errorf("eventstore: append %s/%d: %w", event.ExecutionID, event.Seq, err)
	}
	return nil
}

// List implements EventStore.
func (s *SQLiteEventStore) List(ctx context.Context, executionID string, afterSeq uint64, limit int) ([]runtime.Event, error) {
	query := `SELECT execution_id, seq, kind, step_id, step_type, time, attempt, elapsed, payload, trace_id, span_id
	          FROM events WHERE execution_id = ? AND seq > ? ORDER BY seq ASC`
	args := []any{executionID, int64(afterSeq)} // #nosec G115 -- cursor comes from a stored seq
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("eventstore: list: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// LatestSeq implements EventStore.
func (s *SQLiteEventStore) LatestSeq(ctx context.Context, executionID string) (uint64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM events WHERE execution_id = ?`, executionID,
	).Scan(&seq); err != nil {
		return 0, fmt.Errorf("eventstore: latest seq: %w", err)
	}
	if !seq.Valid || seq.Int64 < 0 {
		return 0, nil
	}
	return uint64(seq.Int64), nil
}

// ExecutionIDs returns the distinct execution ids that have stored events.
func (s *SQLiteEventStore) ExecutionIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT execution_id FROM events ORDER BY execution_id`)
	if err != nil {
		return nil, fmt.Errorf("eventstore: execution ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("eventstore: scan execution id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close stops the pruner and closes the database.
func (s *SQLiteEventStore) Close() error {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
	return s.db.Close()
}

// Prune runs a single pruning pass.
func (s *SQLiteEventStore) Prune(ctx context.Context) error {
	if s.cfg.RetentionAge > 0 {
		cutoff := time.Now().UTC().Add(-s.cfg.RetentionAge).Format(eventTimeLayout)
		if _, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE time < ?`, cutoff); err != nil {
			return fmt.Errorf("eventstore: prune by age: %w", err)
		}
	}

	if s.cfg.RetentionCount > 0 {
		ids, err := s.ExecutionIDs(ctx)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if _, err := s.db.ExecContext(ctx,
				`DELETE FROM events WHERE execution_id = ? AND id NOT IN (
					SELECT id FROM events WHERE execution_id = ? ORDER BY seq DESC LIMIT ?
				)`, id, id, s.cfg.RetentionCount,
			); err != nil {
				return fmt.Errorf("eventstore: prune %s by count: %w", id, err)
			}
		}
	}
	return nil
}

func (s *SQLiteEventStore) pruneLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			_ = s.Prune(context.Background())
		}
	}
}

func scanEvents(rows *sql.Rows) ([]runtime.Event, error) {
	var events []runtime.Event
	for rows.Next() {
		var (
			e           runtime.Event
			seq         int64
			kind        string
			stepType    string
			timeStr     string
			elapsedNano int64
			payloadJSON string
		)
		if err := rows.Scan(
			&e.ExecutionID,
			&seq,
			&kind,
			&e.StepID,
			&stepType,
			&timeStr,
			&e.Attempt,
			&elapsedNano,
			&payloadJSON,
			&e.TraceID,
			&e.SpanID,
		); err != nil {
			return nil, fmt.Errorf("eventstore: scan event: %w", err)
		}

		e.Seq = uint64(seq) // #nosec G115 -- stored seqs are positive
		e.Kind = runtime.EventKind(kind)
		e.StepType = core.StepType(stepType)
		e.Elapsed = time.Duration(elapsedNano)

		t, err := time.Parse(time.RFC3339Nano, timeStr)
		if err != nil {
			return nil, fmt.Errorf("eventstore: parse time %q: %w", timeStr, err)
		}
		e.Time = t

		e.Payload = map[string]any{}
		if payloadJSON != "" && payloadJSON != "{}" {
			if err := json.Unmarshal([]byte(payloadJSON), &e.Payload); err != nil {
				return nil, fmt.Errorf("eventstore: unmarshal payload: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

var _ EventStore = (*SQLiteEventStore)(nil)
