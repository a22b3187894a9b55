package client

import (
	"context"
	"os"
	"time"

	"github.com/cellmesh/cellmesh/internal/cellstore"
	"github.com/cellmesh/cellmesh/internal/configfile"
	"github.com/cellmesh/cellmesh/internal/decision"
	"github.com/cellmesh/cellmesh/internal/eventlog"
	"github.com/cellmesh/cellmesh/internal/mailbus"
	"github.com/cellmesh/cellmesh/internal/rpc"
	"github.com/cellmesh/cellmesh/internal/storage/sqlite"
	"github.com/cellmesh/cellmesh/internal/types"
)

// embeddedConn runs the engine in-process. Semantics match the daemon
// path exactly — both sit on the same domain packages.
type embeddedConn struct {
	store      *sqlite.DB
	cells      *cellstore.Store
	events     *eventlog.Log
	bus        *mailbus.Bus
	decisions  *decision.Store
	projectKey string
	timeout    time.Duration
}

func openEmbedded(ctx context.Context, opts Options) (Conn, error) {
	dbPath := opts.DBPath
	if dbPath == "" {
		if env := envDBPath(); env != "" {
			dbPath = env
		} else {
			path, err := globalDBPath()
			if err != nil {
				return nil, err
			}
			dbPath = path
		}
	}
	store, err := sqlite.Open(ctx, dbPath, sqlite.Options{})
	if err != nil {
		return nil, err
	}
	return &embeddedConn{
		store:      store,
		cells:      cellstore.New(store),
		events:     eventlog.New(store),
		bus:        mailbus.New(store),
		decisions:  decision.New(store),
		projectKey: opts.ProjectKey,
		timeout:    opts.OpTimeout,
	}, nil
}

func envDBPath() string { return os.Getenv(EnvDBPath) }

func globalDBPath() (string, error) { return configfile.GlobalDBPath() }

func (e *embeddedConn) Close() error { return e.store.Close() }

func (e *embeddedConn) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.timeout)
}

func (e *embeddedConn) CreateCell(ctx context.Context, cell *types.Cell) (*types.Cell, error) {
	ctx, cancel := e.bounded(ctx)
	defer cancel()
	return e.cells.CreateCell(ctx, e.projectKey, cell)
}

func (e *embeddedConn) GetCell(ctx context.Context, id string) (*types.Cell, error) {
	return e.cells.GetCell(ctx, e.projectKey, id)
}

func (e *embeddedConn) QueryCells(ctx context.Context, filter rpc.QueryCellsArgs) ([]*types.Cell, error) {
	return e.cells.QueryCells(ctx, e.projectKey, cellstore.QueryFilter{
		Status:            filter.Status,
		Type:              filter.Type,
		Priority:          filter.Priority,
		Assignee:          filter.Assignee,
		ParentID:          filter.ParentID,
		Labels:            filter.Labels,
		IncludeTombstones: filter.IncludeTombstones,
		Limit:             filter.Limit,
	})
}

func (e *embeddedConn) UpdateCell(ctx context.Context, args rpc.UpdateCellArgs) error {
	ctx, cancel := e.bounded(ctx)
	defer cancel()
	return e.cells.UpdateCell(ctx, e.projectKey, args.ID, cellstore.CellUpdate{
		Title:       args.Title,
		Description: args.Description,
		Priority:    args.Priority,
		Assignee:    args.Assignee,
		ParentID:    args.ParentID,
		CellType:    args.CellType,
		Result:      args.Result,
	}, args.Actor)
}

func (e *embeddedConn) ChangeCellStatus(ctx context.Context, id string, status types.Status, actor, reason string) error {
	ctx, cancel := e.bounded(ctx)
	defer cancel()
	return e.cells.ChangeCellStatus(ctx, e.projectKey, id, status, actor, reason)
}

func (e *embeddedConn) CloseCell(ctx context.Context, id, actor, reason, result string) error {
	ctx, cancel := e.bounded(ctx)
	defer cancel()
	return e.cells.CloseCell(ctx, e.projectKey, id, actor, reason, result)
}

func (e *embeddedConn) ReopenCell(ctx context.Context, id, actor string) error {
	ctx, cancel := e.bounded(ctx)
	defer cancel()
	return e.cells.ReopenCell(ctx, e.projectKey, id, actor)
}

func (e *embeddedConn) DeleteCell(ctx context.Context, id, actor, reason string) error {
	ctx, cancel := e.bounded(ctx)
	defer cancel()
	return e.cells.DeleteCell(ctx, e.projectKey, id, actor, reason)
}

func (e *embeddedConn) AddDependency(ctx context.Context, cellID, dependsOnID string, depType types.DependencyType, actor string) error {
	ctx, cancel := e.bounded(ctx)
	defer cancel()
	return e.cells.AddDependency(ctx, e.projectKey, cellID, dependsOnID, depType, actor)
}

func (e *embeddedConn) RemoveDependency(ctx context.Context, cellID, dependsOnID string, depType types.DependencyType, actor string) error {
	ctx, cancel := e.bounded(ctx)
	defer cancel()
	return e.cells.RemoveDependency(ctx, e.projectKey, cellID, dependsOnID, depType, actor)
}

func (e *embeddedConn) GetDependencies(ctx context.Context, cellID string) ([]*types.Dependency, error) {
	return e.cells.GetDependencies(ctx, e.projectKey, cellID)
}

func (e *embeddedConn) GetBlockers(ctx context.Context, cellID string) ([]string, error) {
	return e.cells.GetBlockers(ctx, e.projectKey, cellID)
}

func (e *embeddedConn) AddLabel(ctx context.Context, cellID, label, actor string) error {
	ctx, cancel := e.bounded(ctx)
	defer cancel()
	return e.cells.AddLabel(ctx, e.projectKey, cellID, label, actor)
}

func (e *embeddedConn) RemoveLabel(ctx context.Context, cellID, label, actor string) error {
	ctx, cancel := e.bounded(ctx)
	defer cancel()
	return e.cells.RemoveLabel(ctx, e.projectKey, cellID, label, actor)
}

func (e *embeddedConn) GetLabels(ctx context.Context, cellID string) ([]string, error) {
	return e.cells.GetLabels(ctx, e.projectKey, cellID)
}

func (e *embeddedConn) AddComment(ctx context.Context, cellID, author, text string) (*types.Comment, error) {
	ctx, cancel := e.bounded(ctx)
	defer cancel()
	return e.cells.AddComment(ctx, e.projectKey, cellID, author, text)
}

func (e *embeddedConn) GetComments(ctx context.Context, cellID string) ([]*types.Comment, error) {
	return e.cells.GetComments(ctx, e.projectKey, cellID)
}

func (e *embeddedConn) GetEpicChildren(ctx context.Context, epicID string) ([]*types.Cell, error) {
	return e.cells.GetEpicChildren(ctx, e.projectKey, epicID)
}

func (e *embeddedConn) IsEpicClosureEligible(ctx context.Context, epicID string) (bool, error) {
	return e.cells.IsEpicClosureEligible(ctx, e.projectKey, epicID)
}

func (e *embeddedConn) GetNextReadyCell(ctx context.Context) (*types.Cell, error) {
	return e.cells.GetNextReadyCell(ctx, e.projectKey)
}

func (e *embeddedConn) GetInProgressCells(ctx context.Context) ([]*types.Cell, error) {
	return e.cells.GetInProgressCells(ctx, e.projectKey)
}

func (e *embeddedConn) MarkDirty(ctx context.Context, cellID string) error {
	ctx, cancel := e.bounded(ctx)
	defer cancel()
	return e.cells.MarkDirty(ctx, e.projectKey, cellID)
}

func (e *embeddedConn) ResolvePartialID(ctx context.Context, partial string) (string, error) {
	return e.cells.ResolvePartialID(ctx, e.projectKey, partial)
}

func (e *embeddedConn) AppendEvent(ctx context.Context, eventType types.EventType, payload any) (*types.Event, error) {
	ctx, cancel := e.bounded(ctx)
	defer cancel()
	return e.events.Append(ctx, e.projectKey, eventType, payload)
}

func (e *embeddedConn) ReadEvents(ctx context.Context, filter rpc.ReadEventsArgs) ([]*types.Event, error) {
	return e.events.Read(ctx, eventlog.ReadFilter{
		ProjectKey:    e.projectKey,
		SinceSequence: filter.SinceSequence,
		Since:         types.FromMillis(filter.SinceMS),
		Types:         filter.Types,
		Limit:         filter.Limit,
	})
}

func (e *embeddedConn) LatestSequence(ctx context.Context) (int64, error) {
	return e.events.LatestSequence(ctx, e.projectKey)
}

func (e *embeddedConn) RegisterAgent(ctx context.Context, name string) (*types.Agent, error) {
	ctx, cancel := e.bounded(ctx)
	defer cancel()
	return e.bus.RegisterAgent(ctx, e.projectKey, name)
}

func (e *embeddedConn) TouchAgent(ctx context.Context, name string) error {
	ctx, cancel := e.bounded(ctx)
	defer cancel()
	return e.bus.TouchAgent(ctx, e.projectKey, name)
}

func (e *embeddedConn) GetAgents(ctx context.Context) ([]*types.Agent, error) {
	return e.bus.GetAgents(ctx, e.projectKey)
}

func (e *embeddedConn) SendMessage(ctx context.Context, in mailbus.SendInput) (*types.Message, error) {
	ctx, cancel := e.bounded(ctx)
	defer cancel()
	return e.bus.SendMessage(ctx, e.projectKey, in)
}

func (e *embeddedConn) GetInbox(ctx context.Context, agent string, filter mailbus.InboxFilter) ([]*mailbus.InboxEntry, error) {
	return e.bus.GetInbox(ctx, e.projectKey, agent, filter)
}

func (e *embeddedConn) MarkRead(ctx context.Context, messageID int64, agent string) error {
	ctx, cancel := e.bounded(ctx)
	defer cancel()
	return e.bus.MarkRead(ctx, e.projectKey, messageID, agent)
}

func (e *embeddedConn) Ack(ctx context.Context, messageID int64, agent string) error {
	ctx, cancel := e.bounded(ctx)
	defer cancel()
	return e.bus.Ack(ctx, e.projectKey, messageID, agent)
}

func (e *embeddedConn) GetThreadMessages(ctx context.Context, threadID string) ([]*types.Message, error) {
	return e.bus.GetThreadMessages(ctx, e.projectKey, threadID)
}

func (e *embeddedConn) Reserve(ctx context.Context, agent string, paths []string, exclusive bool, ttl time.Duration) ([]*types.Reservation, error) {
	ctx, cancel := e.bounded(ctx)
	defer cancel()
	return e.bus.Reserve(ctx, e.projectKey, agent, paths, exclusive, ttl)
}

func (e *embeddedConn) Release(ctx context.Context, agent string, pathsOrIDs []string) (int, error) {
	ctx, cancel := e.bounded(ctx)
	defer cancel()
	return e.bus.Release(ctx, e.projectKey, agent, pathsOrIDs)
}

func (e *embeddedConn) GetActiveReservations(ctx context.Context, agent string) ([]*types.Reservation, error) {
	return e.bus.GetActiveReservations(ctx, e.projectKey, agent)
}

func (e *embeddedConn) CheckConflicts(ctx context.Context, agent string, paths []string) ([]*types.Conflict, error) {
	return e.bus.CheckConflicts(ctx, e.projectKey, agent, paths)
}

var _ Conn = (*embeddedConn)(nil)
