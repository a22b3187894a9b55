package mailbus

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cellmesh/cellmesh/internal/errs"
	"github.com/cellmesh/cellmesh/internal/types"
)

// Reserve takes path-pattern leases for an agent. An exclusive request is
// checked against every active exclusive reservation held by other
// agents; any overlap rejects the whole batch before anything is written.
// Expired reservations are invisible to the check.
func (b *Bus) Reserve(ctx context.Context, projectKey, agent string, paths []string, exclusive bool, ttl time.Duration) ([]*types.Reservation, error) {
	const op = "mailbus.Reserve"

	if agent == "" {
		return nil, errs.Validation(op, "agent", "agent name is required")
	}
	if len(paths) == 0 {
		return nil, errs.Validation(op, "paths", "at least one path pattern is required")
	}
	if ttl <= 0 {
		ttl = DefaultReservationTTL
	}

	now := time.Now().UTC()
	var granted []*types.Reservation

	err := b.store.WithTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		if exclusive {
			active, err := activeReservationsIn(ctx, conn, projectKey, now)
			if err != nil {
				return err
			}
			for _, path := range paths {
				for _, held := range active {
					if held.AgentName == agent || !held.Exclusive {
						continue
					}
					if GlobsOverlap(held.PathGlob, path) {
						return errs.Conflict(op,
							fmt.Sprintf("path %q overlaps reservation %q held by %s", path, held.PathGlob, held.AgentName))
					}
				}
			}
		}

		for _, path := range paths {
			r := &types.Reservation{
				ID:         "rsv-" + uuid.NewString()[:8],
				ProjectKey: projectKey,
				AgentName:  agent,
				PathGlob:   path,
				Exclusive:  exclusive,
				CreatedAt:  now,
				ExpiresAt:  now.Add(ttl),
			}
			if _, err := conn.ExecContext(ctx, `
				INSERT INTO reservations (id, project_key, agent_name, path_pattern, exclusive, created_at, expires_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				r.ID, projectKey, agent, path, r.Exclusive, types.Millis(r.CreatedAt), types.Millis(r.ExpiresAt)); err != nil {
				return fmt.Errorf("insert reservation for %q: %w", path, err)
			}
			granted = append(granted, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return granted, nil
}

// Release drops an agent's reservations by path pattern or reservation
// ID. Releasing something not held is a no-op; the count of removed
// leases is returned.
func (b *Bus) Release(ctx context.Context, projectKey, agent string, pathsOrIDs []string) (int, error) {
	if len(pathsOrIDs) == 0 {
		return 0, nil
	}

	var released int64
	err := b.store.WithTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		placeholders := make([]string, len(pathsOrIDs))
		args := []any{projectKey, agent}
		for i, p := range pathsOrIDs {
			placeholders[i] = "?"
			args = append(args, p)
		}
		for _, p := range pathsOrIDs {
			args = append(args, p)
		}
		in := strings.Join(placeholders, ",")

		res, err := conn.ExecContext(ctx, fmt.Sprintf(`
			DELETE FROM reservations
			WHERE project_key = ? AND agent_name = ? AND (path_pattern IN (%s) OR id IN (%s))`,
			in, in), args...)
		if err != nil {
			return fmt.Errorf("release reservations: %w", err)
		}
		released, _ = res.RowsAffected()
		return nil
	})
	return int(released), err
}

// GetActiveReservations lists unexpired reservations, optionally for one
// agent only.
func (b *Bus) GetActiveReservations(ctx context.Context, projectKey, agent string) ([]*types.Reservation, error) {
	where := "project_key = ? AND expires_at > ?"
	args := []any{projectKey, types.Millis(time.Now().UTC())}
	if agent != "" {
		where += " AND agent_name = ?"
		args = append(args, agent)
	}

	rows, err := b.store.DB().QueryContext(ctx, `
		SELECT id, project_key, agent_name, path_pattern, exclusive, created_at, expires_at
		FROM reservations WHERE `+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("query active reservations: %w", err)
	}
	defer rows.Close()
	return scanReservations(rows)
}

// CheckConflicts reports which of the given paths overlap an active
// exclusive reservation held by another agent. It mutates nothing — β can
// probe before attempting a Reserve.
func (b *Bus) CheckConflicts(ctx context.Context, projectKey, agent string, paths []string) ([]*types.Conflict, error) {
	now := time.Now().UTC()

	rows, err := b.store.DB().QueryContext(ctx, `
		SELECT id, project_key, agent_name, path_pattern, exclusive, created_at, expires_at
		FROM reservations
		WHERE project_key = ? AND exclusive = 1 AND expires_at > ?
		ORDER BY created_at, id`, projectKey, types.Millis(now))
	if err != nil {
		return nil, fmt.Errorf("query reservations for conflict check: %w", err)
	}
	defer rows.Close()
	held, err := scanReservations(rows)
	if err != nil {
		return nil, err
	}

	var conflicts []*types.Conflict
	for _, path := range paths {
		for _, h := range held {
			if h.AgentName == agent {
				continue
			}
			if GlobsOverlap(h.PathGlob, path) {
				conflicts = append(conflicts, &types.Conflict{
					Holder: *h,
					Requested: types.Reservation{
						ProjectKey: projectKey,
						AgentName:  agent,
						PathGlob:   path,
						Exclusive:  true,
					},
				})
			}
		}
	}
	return conflicts, nil
}

// SweepExpired hard-deletes expired reservations. Doctor's stale-
// reservation fix calls this.
func (b *Bus) SweepExpired(ctx context.Context, projectKey string) (int, error) {
	var swept int64
	err := b.store.WithTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, `
			DELETE FROM reservations WHERE project_key = ? AND expires_at <= ?`,
			projectKey, types.Millis(time.Now().UTC()))
		if err != nil {
			return fmt.Errorf("sweep expired reservations: %w", err)
		}
		swept, _ = res.RowsAffected()
		return nil
	})
	return int(swept), err
}

func activeReservationsIn(ctx context.Context, conn *sql.Conn, projectKey string, now time.Time) ([]*types.Reservation, error) {
	rows, err := conn.QueryContext(ctx, `
		SELECT id, project_key, agent_name, path_pattern, exclusive, created_at, expires_at
		FROM reservations WHERE project_key = ? AND expires_at > ?
		ORDER BY created_at, id`, projectKey, types.Millis(now))
	if err != nil {
		return nil, fmt.Errorf("query active reservations: %w", err)
	}
	defer rows.Close()
	return scanReservations(rows)
}

func scanReservations(rows *sql.Rows) ([]*types.Reservation, error) {
	var out []*types.Reservation
	for rows.Next() {
		var (
			r                    types.Reservation
			createdAt, expiresAt int64
		)
		if err := rows.Scan(&r.ID, &r.ProjectKey, &r.AgentName, &r.PathGlob, &r.Exclusive,
			&createdAt, &expiresAt); err != nil {
			return nil, err
		}
		r.CreatedAt = types.FromMillis(createdAt)
		r.ExpiresAt = types.FromMillis(expiresAt)
		out = append(out, &r)
	}
	return out, rows.Err()
}
