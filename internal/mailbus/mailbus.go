// Package mailbus implements the agent-mail layer: agent registration,
// messages with per-recipient read/ack state, threads, and file-path
// reservations with TTL and overlap conflict checking. Reservations are
// advisory locks between agents — the daemon is authoritative on overlap
// semantics, honoring them is the agents' job.
package mailbus

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cellmesh/cellmesh/internal/errs"
	"github.com/cellmesh/cellmesh/internal/storage"
	"github.com/cellmesh/cellmesh/internal/types"
)

// DefaultReservationTTL bounds a reservation that did not name its own TTL.
const DefaultReservationTTL = 1 * time.Hour

// Bus provides mail and reservation operations on top of a storage adapter.
type Bus struct {
	store storage.Adapter
}

// New returns a Bus backed by the given adapter.
func New(store storage.Adapter) *Bus {
	return &Bus{store: store}
}

// RegisterAgent records an agent in the project, or refreshes
// last_active_at if it is already registered.
func (b *Bus) RegisterAgent(ctx context.Context, projectKey, name string) (*types.Agent, error) {
	const op = "mailbus.RegisterAgent"

	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errs.Validation(op, "name", "agent name cannot be empty")
	}

	now := time.Now().UTC()
	err := b.store.WithTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `
			INSERT INTO agents (project_key, name, registered_at, last_active_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (project_key, name) DO UPDATE SET last_active_at = excluded.last_active_at`,
			projectKey, name, types.Millis(now), types.Millis(now))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return b.getAgent(ctx, projectKey, name)
}

// TouchAgent bumps an agent's last_active_at. Doctor's ghost-worker check
// keys off this timestamp, so agents should touch on every operation.
func (b *Bus) TouchAgent(ctx context.Context, projectKey, name string) error {
	const op = "mailbus.TouchAgent"

	return b.store.WithTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, `
			UPDATE agents SET last_active_at = ? WHERE project_key = ? AND name = ?`,
			types.Millis(time.Now().UTC()), projectKey, name)
		if err != nil {
			return err
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return errs.NotFound(op, fmt.Sprintf("agent %q", name))
		}
		return nil
	})
}

// GetAgents lists the project's registered agents by name.
func (b *Bus) GetAgents(ctx context.Context, projectKey string) ([]*types.Agent, error) {
	rows, err := b.store.DB().QueryContext(ctx, `
		SELECT project_key, name, registered_at, last_active_at
		FROM agents WHERE project_key = ? ORDER BY name`, projectKey)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()

	var agents []*types.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

func (b *Bus) getAgent(ctx context.Context, projectKey, name string) (*types.Agent, error) {
	row := b.store.DB().QueryRowContext(ctx, `
		SELECT project_key, name, registered_at, last_active_at
		FROM agents WHERE project_key = ? AND name = ?`, projectKey, name)
	agent, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("mailbus.getAgent", fmt.Sprintf("agent %q", name))
	}
	return agent, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*types.Agent, error) {
	var (
		a                        types.Agent
		registeredAt, lastActive int64
	)
	if err := row.Scan(&a.ProjectKey, &a.Name, &registeredAt, &lastActive); err != nil {
		return nil, err
	}
	a.RegisteredAt = types.FromMillis(registeredAt)
	a.LastActiveAt = types.FromMillis(lastActive)
	return &a, nil
}
