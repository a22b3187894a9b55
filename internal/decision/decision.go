// Package decision stores decision traces and entity links: the
// observability trail that lets a coordinator audit why an agent chose a
// path and score the outcome after the fact.
package decision

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cellmesh/cellmesh/internal/errs"
	"github.com/cellmesh/cellmesh/internal/storage"
	"github.com/cellmesh/cellmesh/internal/types"
)

// Store provides decision-trace operations on top of a storage adapter.
type Store struct {
	store storage.Adapter
}

// New returns a Store backed by the given adapter.
func New(store storage.Adapter) *Store {
	return &Store{store: store}
}

// Record inserts a decision trace. An empty ID is filled with a generated
// dt- prefixed ID.
func (s *Store) Record(ctx context.Context, trace *types.DecisionTrace) (*types.DecisionTrace, error) {
	const op = "decision.Record"

	if trace.DecisionType == "" {
		return nil, errs.Validation(op, "decision_type", "decision type is required")
	}
	if trace.AgentName == "" {
		return nil, errs.Validation(op, "agent_name", "agent name is required")
	}
	if trace.ID == "" {
		trace.ID = "dt-" + uuid.NewString()[:12]
	} else if !strings.HasPrefix(trace.ID, "dt-") {
		return nil, errs.Validation(op, "id", `decision trace ids carry the "dt-" prefix`)
	}
	if trace.Timestamp.IsZero() {
		trace.Timestamp = time.Now().UTC()
	}
	if len(trace.Decision) == 0 {
		trace.Decision = json.RawMessage(`{}`)
	}

	err := s.store.WithTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `
			INSERT INTO decision_traces (id, project_key, decision_type, epic_id, cell_id,
				agent_name, decision, rationale, gathered_inputs, alternatives,
				outcome_event_id, quality_score, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			trace.ID, trace.ProjectKey, trace.DecisionType,
			nullStr(trace.EpicID), nullStr(trace.CellID), trace.AgentName,
			string(trace.Decision), trace.Rationale,
			nullRaw(trace.GatheredInputs), nullRaw(trace.Alternatives),
			trace.OutcomeEventID, trace.QualityScore, types.Millis(trace.Timestamp))
		if err != nil {
			return fmt.Errorf("insert decision trace: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return trace, nil
}

// Get loads a decision trace by ID.
func (s *Store) Get(ctx context.Context, projectKey, id string) (*types.DecisionTrace, error) {
	const op = "decision.Get"

	row := s.store.DB().QueryRowContext(ctx, `
		SELECT id, project_key, decision_type, epic_id, cell_id, agent_name,
			decision, rationale, gathered_inputs, alternatives,
			outcome_event_id, quality_score, timestamp
		FROM decision_traces WHERE project_key = ? AND id = ?`, projectKey, id)
	trace, err := scanTrace(row)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound(op, fmt.Sprintf("decision trace %q", id))
	}
	return trace, err
}

// ListFilter narrows a List call.
type ListFilter struct {
	DecisionType string
	AgentName    string
	EpicID       string
	CellID       string
	Limit        int
}

// List returns decision traces newest first.
func (s *Store) List(ctx context.Context, projectKey string, filter ListFilter) ([]*types.DecisionTrace, error) {
	where := []string{"project_key = ?"}
	args := []any{projectKey}

	if filter.DecisionType != "" {
		where = append(where, "decision_type = ?")
		args = append(args, filter.DecisionType)
	}
	if filter.AgentName != "" {
		where = append(where, "agent_name = ?")
		args = append(args, filter.AgentName)
	}
	if filter.EpicID != "" {
		where = append(where, "epic_id = ?")
		args = append(args, filter.EpicID)
	}
	if filter.CellID != "" {
		where = append(where, "cell_id = ?")
		args = append(args, filter.CellID)
	}

	query := fmt.Sprintf(`
		SELECT id, project_key, decision_type, epic_id, cell_id, agent_name,
			decision, rationale, gathered_inputs, alternatives,
			outcome_event_id, quality_score, timestamp
		FROM decision_traces WHERE %s
		ORDER BY timestamp DESC, id DESC`, strings.Join(where, " AND "))
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query decision traces: %w", err)
	}
	defer rows.Close()

	var traces []*types.DecisionTrace
	for rows.Next() {
		trace, err := scanTrace(rows)
		if err != nil {
			return nil, err
		}
		traces = append(traces, trace)
	}
	return traces, rows.Err()
}

// SetOutcome links a trace to the event its decision produced and records
// the post-hoc quality score.
func (s *Store) SetOutcome(ctx context.Context, projectKey, id string, outcomeEventID int64, qualityScore *float64) error {
	const op = "decision.SetOutcome"

	if qualityScore != nil && (*qualityScore < 0 || *qualityScore > 1) {
		return errs.Validation(op, "quality_score", "quality score must be between 0 and 1")
	}

	return s.store.WithTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, `
			UPDATE decision_traces SET outcome_event_id = ?, quality_score = ?
			WHERE project_key = ? AND id = ?`,
			outcomeEventID, qualityScore, projectKey, id)
		if err != nil {
			return err
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return errs.NotFound(op, fmt.Sprintf("decision trace %q", id))
		}
		return nil
	})
}

// AddLink records a typed edge from a decision to another entity. The
// engine's foreign key rejects links from nonexistent decisions.
func (s *Store) AddLink(ctx context.Context, link *types.EntityLink) (*types.EntityLink, error) {
	const op = "decision.AddLink"

	if link.Strength < 0 || link.Strength > 1 {
		return nil, errs.Validation(op, "strength", "strength must be between 0 and 1")
	}
	switch link.ToType {
	case types.LinkToMemory, types.LinkToDecision, types.LinkToPattern:
	default:
		return nil, errs.Validation(op, "to_type", fmt.Sprintf("invalid link type %q", link.ToType))
	}

	err := s.store.WithTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, `
			INSERT INTO entity_links (from_decision, to_type, to_id, strength)
			VALUES (?, ?, ?, ?)`,
			link.FromDecision, string(link.ToType), link.ToID, link.Strength)
		if err != nil {
			return fmt.Errorf("insert entity link: %w", err)
		}
		link.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, err
	}
	return link, nil
}

// GetLinks returns the outgoing links of a decision.
func (s *Store) GetLinks(ctx context.Context, decisionID string) ([]*types.EntityLink, error) {
	rows, err := s.store.DB().QueryContext(ctx, `
		SELECT id, from_decision, to_type, to_id, strength
		FROM entity_links WHERE from_decision = ? ORDER BY id`, decisionID)
	if err != nil {
		return nil, fmt.Errorf("query entity links of %s: %w", decisionID, err)
	}
	defer rows.Close()

	var links []*types.EntityLink
	for rows.Next() {
		var l types.EntityLink
		if err := rows.Scan(&l.ID, &l.FromDecision, &l.ToType, &l.ToID, &l.Strength); err != nil {
			return nil, err
		}
		links = append(links, &l)
	}
	return links, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrace(row rowScanner) (*types.DecisionTrace, error) {
	var (
		t                              types.DecisionTrace
		epicID, cellID                 sql.NullString
		decision, rationale            string
		gatheredInputs, alternatives   sql.NullString
		outcomeEventID                 sql.NullInt64
		qualityScore                   sql.NullFloat64
		ts                             int64
	)
	err := row.Scan(&t.ID, &t.ProjectKey, &t.DecisionType, &epicID, &cellID, &t.AgentName,
		&decision, &rationale, &gatheredInputs, &alternatives, &outcomeEventID, &qualityScore, &ts)
	if err != nil {
		return nil, err
	}
	t.EpicID = epicID.String
	t.CellID = cellID.String
	t.Decision = json.RawMessage(decision)
	t.Rationale = rationale
	if gatheredInputs.Valid {
		t.GatheredInputs = json.RawMessage(gatheredInputs.String)
	}
	if alternatives.Valid {
		t.Alternatives = json.RawMessage(alternatives.String)
	}
	if outcomeEventID.Valid {
		t.OutcomeEventID = &outcomeEventID.Int64
	}
	if qualityScore.Valid {
		t.QualityScore = &qualityScore.Float64
	}
	t.Timestamp = types.FromMillis(ts)
	return &t, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}
