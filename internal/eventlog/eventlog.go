// Package eventlog implements the append-only audit log: monotonic
// per-project sequence numbers assigned inside the append transaction,
// read back by project, time window, and type. Events are history, not
// state — nothing in cellmesh replays them to rebuild projections.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cellmesh/cellmesh/internal/errs"
	"github.com/cellmesh/cellmesh/internal/storage"
	"github.com/cellmesh/cellmesh/internal/types"
)

// Log appends and reads events through a storage adapter.
type Log struct {
	store storage.Adapter
}

// New returns a Log backed by the given adapter.
func New(store storage.Adapter) *Log {
	return &Log{store: store}
}

// Append assigns the event the next per-project sequence and a timestamp,
// then inserts it. The sequence read and the insert happen in one
// IMMEDIATE transaction, so concurrent appenders cannot interleave and
// the per-project sequence stays gapless within a session.
func (l *Log) Append(ctx context.Context, projectKey string, eventType types.EventType, payload any) (*types.Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, "eventlog.Append", err)
	}

	ev := &types.Event{
		ProjectKey: projectKey,
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		Payload:    raw,
	}

	err = l.store.WithTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		seq, err := nextSequence(ctx, conn, projectKey)
		if err != nil {
			return err
		}
		ev.Sequence = seq
		res, err := conn.ExecContext(ctx, `
			INSERT INTO events (project_key, sequence, event_type, timestamp, payload)
			VALUES (?, ?, ?, ?, ?)`,
			projectKey, seq, string(eventType), types.Millis(ev.Timestamp), string(raw))
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		ev.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// AppendIn writes an event on an already-open transaction connection, for
// callers (the cell store) that must record the event atomically with the
// mutation that produced it.
func AppendIn(ctx context.Context, conn *sql.Conn, projectKey string, eventType types.EventType, payload any) (int64, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, errs.Wrap(errs.KindValidation, "eventlog.AppendIn", err)
	}
	seq, err := nextSequence(ctx, conn, projectKey)
	if err != nil {
		return 0, err
	}
	res, err := conn.ExecContext(ctx, `
		INSERT INTO events (project_key, sequence, event_type, timestamp, payload)
		VALUES (?, ?, ?, ?, ?)`,
		projectKey, seq, string(eventType), time.Now().UTC().UnixMilli(), string(raw))
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	return res.LastInsertId()
}

func nextSequence(ctx context.Context, conn *sql.Conn, projectKey string) (int64, error) {
	var seq sql.NullInt64
	err := conn.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM events WHERE project_key = ?`, projectKey).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("read latest sequence: %w", err)
	}
	if !seq.Valid {
		return 1, nil
	}
	return seq.Int64 + 1, nil
}

// ReadFilter narrows a Read call. Zero values mean "no constraint".
type ReadFilter struct {
	ProjectKey    string
	SinceSequence int64
	Since         time.Time
	Types         []types.EventType
	Limit         int
}

// Read returns events matching the filter, ordered by sequence.
func (l *Log) Read(ctx context.Context, filter ReadFilter) ([]*types.Event, error) {
	where := []string{"project_key = ?"}
	args := []any{filter.ProjectKey}

	if filter.SinceSequence > 0 {
		where = append(where, "sequence > ?")
		args = append(args, filter.SinceSequence)
	}
	if !filter.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, types.Millis(filter.Since))
	}
	if len(filter.Types) > 0 {
		placeholders := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		where = append(where, fmt.Sprintf("event_type IN (%s)", strings.Join(placeholders, ",")))
	}

	query := fmt.Sprintf(`
		SELECT id, project_key, sequence, event_type, timestamp, payload
		FROM events WHERE %s ORDER BY sequence`, strings.Join(where, " AND "))
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := l.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	defer rows.Close()

	var events []*types.Event
	for rows.Next() {
		var (
			ev      types.Event
			ts      int64
			payload string
		)
		if err := rows.Scan(&ev.ID, &ev.ProjectKey, &ev.Sequence, &ev.Type, &ts, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Timestamp = types.FromMillis(ts)
		ev.Payload = json.RawMessage(payload)
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// LatestSequence returns the highest sequence assigned for the project,
// or 0 when the project has no events yet.
func (l *Log) LatestSequence(ctx context.Context, projectKey string) (int64, error) {
	var seq sql.NullInt64
	err := l.store.DB().QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM events WHERE project_key = ?`, projectKey).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("read latest sequence: %w", err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
