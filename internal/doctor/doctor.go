// Package doctor runs the health checks over a project's coordination
// state and, with fix enabled, repairs what is safely repairable.
package doctor

import (
	"context"
	"fmt"
	"time"

	"github.com/cellmesh/cellmesh/internal/cellstore"
	"github.com/cellmesh/cellmesh/internal/mailbus"
	"github.com/cellmesh/cellmesh/internal/storage"
	"github.com/cellmesh/cellmesh/internal/types"
)

// CheckStatus is the outcome of one health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "pass"
	StatusWarn CheckStatus = "warn"
	StatusFail CheckStatus = "fail"
)

// CheckResult is one check's report.
type CheckResult struct {
	Name    string      `json:"name"`
	Status  CheckStatus `json:"status"`
	Message string      `json:"message"`
	Fixable bool        `json:"fixable,omitempty"`
	Fixed   int         `json:"fixed,omitempty"`
	Details []string    `json:"details,omitempty"`
}

// Report aggregates all checks.
type Report struct {
	ProjectKey string        `json:"project_key"`
	RanAt      time.Time     `json:"ran_at"`
	Checks     []CheckResult `json:"checks"`
	FixApplied bool          `json:"fix_applied"`
}

// AllPassed reports whether nothing failed (warnings allowed) or every
// failure was fixed.
func (r *Report) AllPassed() bool {
	for _, c := range r.Checks {
		if c.Status == StatusFail && (!r.FixApplied || !c.Fixable || c.Fixed == 0) {
			return false
		}
	}
	return true
}

// DefaultGhostCutoff is how stale an assignee's last_active_at must be
// before an in_progress cell counts as ghost-assigned.
const DefaultGhostCutoff = 2 * time.Hour

// Options configures a doctor run.
type Options struct {
	Fix         bool
	GhostCutoff time.Duration
}

// Doctor runs the checks against one project.
type Doctor struct {
	store storage.Adapter
	cells *cellstore.Store
	bus   *mailbus.Bus
}

// New returns a Doctor over an opened adapter.
func New(store storage.Adapter) *Doctor {
	return &Doctor{
		store: store,
		cells: cellstore.New(store),
		bus:   mailbus.New(store),
	}
}

// Run executes the six checks in order. With Fix set, fixable findings
// are repaired as they are found, so a second run reports a fix-point of
// zero.
func (d *Doctor) Run(ctx context.Context, projectKey string, opts Options) (*Report, error) {
	if opts.GhostCutoff <= 0 {
		opts.GhostCutoff = DefaultGhostCutoff
	}

	report := &Report{
		ProjectKey: projectKey,
		RanAt:      time.Now().UTC(),
		FixApplied: opts.Fix,
	}

	checks := []func(context.Context, string, Options) (CheckResult, error){
		d.checkIntegrity,
		d.checkOrphanedCells,
		d.checkDependencyCycles,
		d.checkStaleReservations,
		d.checkZombieBlocked,
		d.checkGhostWorkers,
	}
	for _, check := range checks {
		result, err := check(ctx, projectKey, opts)
		if err != nil {
			return nil, err
		}
		report.Checks = append(report.Checks, result)
	}
	return report, nil
}

// checkIntegrity runs the engine's integrity pragma plus WAL health.
func (d *Doctor) checkIntegrity(ctx context.Context, projectKey string, opts Options) (CheckResult, error) {
	result := CheckResult{Name: "db_integrity", Status: StatusPass, Message: "database integrity ok"}

	var verdict string
	if err := d.store.DB().QueryRowContext(ctx, `PRAGMA integrity_check`).Scan(&verdict); err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("integrity check failed to run: %v", err)
		return result, nil
	}
	if verdict != "ok" {
		result.Status = StatusFail
		result.Message = "integrity check reported corruption"
		result.Details = []string{verdict}
		return result, nil
	}
	if err := d.store.CheckWALHealth(ctx); err != nil {
		result.Status = StatusWarn
		result.Message = err.Error()
	}
	return result, nil
}

// checkOrphanedCells finds parent_id pointers at nonexistent cells. Fix:
// detach the child.
func (d *Doctor) checkOrphanedCells(ctx context.Context, projectKey string, opts Options) (CheckResult, error) {
	result := CheckResult{Name: "orphaned_cells", Status: StatusPass, Message: "no orphaned cells", Fixable: true}

	rows, err := d.store.DB().QueryContext(ctx, `
		SELECT c.id FROM cells c
		WHERE c.project_key = ? AND c.parent_id IS NOT NULL
		  AND NOT EXISTS (
			SELECT 1 FROM cells p WHERE p.project_key = c.project_key AND p.id = c.parent_id)
		ORDER BY c.id`, projectKey)
	if err != nil {
		return result, err
	}
	orphans, err := collectIDs(rows)
	if err != nil {
		return result, err
	}
	if len(orphans) == 0 {
		return result, nil
	}

	result.Status = StatusFail
	result.Message = fmt.Sprintf("%d cells have a nonexistent parent", len(orphans))
	result.Details = orphans

	if opts.Fix {
		for _, id := range orphans {
			if _, err := d.store.DB().ExecContext(ctx, `
				UPDATE cells SET parent_id = NULL WHERE project_key = ? AND id = ?`,
				projectKey, id); err != nil {
				return result, err
			}
			result.Fixed++
		}
		result.Message = fmt.Sprintf("detached %d orphaned cells", result.Fixed)
	}
	return result, nil
}

// checkDependencyCycles audits the blocks-restricted graph. Cycles are
// never auto-fixed — deciding which edge is wrong takes a human.
func (d *Doctor) checkDependencyCycles(ctx context.Context, projectKey string, opts Options) (CheckResult, error) {
	result := CheckResult{Name: "dependency_cycles", Status: StatusPass, Message: "no dependency cycles"}

	adj, err := d.cells.BlockingGraph(ctx, projectKey)
	if err != nil {
		return result, err
	}
	cycles := cellstore.DetectCycles(adj)
	if len(cycles) == 0 {
		return result, nil
	}

	result.Status = StatusFail
	result.Message = fmt.Sprintf("%d dependency cycles detected", len(cycles))
	for _, cycle := range cycles {
		result.Details = append(result.Details, fmt.Sprintf("%v", cycle))
	}
	return result, nil
}

// checkStaleReservations finds expired leases. Fix: delete them.
func (d *Doctor) checkStaleReservations(ctx context.Context, projectKey string, opts Options) (CheckResult, error) {
	result := CheckResult{Name: "stale_reservations", Status: StatusPass, Message: "no stale reservations", Fixable: true}

	rows, err := d.store.DB().QueryContext(ctx, `
		SELECT id FROM reservations WHERE project_key = ? AND expires_at < ? ORDER BY id`,
		projectKey, types.Millis(time.Now().UTC()))
	if err != nil {
		return result, err
	}
	stale, err := collectIDs(rows)
	if err != nil {
		return result, err
	}
	if len(stale) == 0 {
		return result, nil
	}

	result.Status = StatusFail
	result.Message = fmt.Sprintf("%d reservations have expired", len(stale))
	result.Details = stale

	if opts.Fix {
		swept, err := d.bus.SweepExpired(ctx, projectKey)
		if err != nil {
			return result, err
		}
		result.Fixed = swept
		result.Message = fmt.Sprintf("swept %d expired reservations", swept)
	}
	return result, nil
}

// checkZombieBlocked finds cells stuck in blocked whose blockers have all
// closed. Fix: reopen them.
func (d *Doctor) checkZombieBlocked(ctx context.Context, projectKey string, opts Options) (CheckResult, error) {
	result := CheckResult{Name: "zombie_blocked", Status: StatusPass, Message: "no zombie blocked cells", Fixable: true}

	// Blocked status with no live blocker: every blocking edge points at
	// a closed or tombstoned cell (or there are no blocking edges at all).
	rows, err := d.store.DB().QueryContext(ctx, `
		SELECT c.id FROM cells c
		WHERE c.project_key = ? AND c.status = 'blocked'
		  AND NOT EXISTS (
			SELECT 1 FROM dependencies dep
			JOIN cells blocker ON blocker.project_key = dep.project_key AND blocker.id =
				CASE dep.dep_type WHEN 'blocks' THEN dep.depends_on_id ELSE dep.cell_id END
			WHERE dep.project_key = c.project_key
			  AND dep.dep_type IN ('blocks', 'blocked-by')
			  AND CASE dep.dep_type WHEN 'blocks' THEN dep.cell_id ELSE dep.depends_on_id END = c.id
			  AND blocker.status IN ('open', 'in_progress', 'blocked'))
		ORDER BY c.id`, projectKey)
	if err != nil {
		return result, err
	}
	zombies, err := collectIDs(rows)
	if err != nil {
		return result, err
	}
	if len(zombies) == 0 {
		return result, nil
	}

	result.Status = StatusFail
	result.Message = fmt.Sprintf("%d blocked cells have only closed blockers", len(zombies))
	result.Details = zombies

	if opts.Fix {
		for _, id := range zombies {
			if err := d.cells.ChangeCellStatus(ctx, projectKey, id, types.StatusOpen, "doctor", "all blockers closed"); err != nil {
				return result, err
			}
			result.Fixed++
		}
		result.Message = fmt.Sprintf("reopened %d zombie blocked cells", result.Fixed)
	}
	return result, nil
}

// checkGhostWorkers finds in_progress cells whose assignee has gone
// quiet. Warn only — the agent may just be slow.
func (d *Doctor) checkGhostWorkers(ctx context.Context, projectKey string, opts Options) (CheckResult, error) {
	result := CheckResult{Name: "ghost_workers", Status: StatusPass, Message: "no ghost workers"}

	cutoff := types.Millis(time.Now().UTC().Add(-opts.GhostCutoff))
	rows, err := d.store.DB().QueryContext(ctx, `
		SELECT c.id FROM cells c
		JOIN agents a ON a.project_key = c.project_key AND a.name = c.assignee
		WHERE c.project_key = ? AND c.status = 'in_progress' AND a.last_active_at < ?
		ORDER BY c.id`, projectKey, cutoff)
	if err != nil {
		return result, err
	}
	ghosts, err := collectIDs(rows)
	if err != nil {
		return result, err
	}
	if len(ghosts) == 0 {
		return result, nil
	}

	result.Status = StatusWarn
	result.Message = fmt.Sprintf("%d in-progress cells are assigned to inactive agents", len(ghosts))
	result.Details = ghosts
	return result, nil
}
