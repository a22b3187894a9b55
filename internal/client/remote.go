package client

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cellmesh/cellmesh/internal/mailbus"
	"github.com/cellmesh/cellmesh/internal/rpc"
	"github.com/cellmesh/cellmesh/internal/types"
)

// remoteConn speaks the line protocol to the daemon. Every call carries
// the operation timeout on the wire and on the socket.
type remoteConn struct {
	client     *rpc.Client
	projectKey string
	timeout    time.Duration
}

func (r *remoteConn) Close() error { return r.client.Close() }

func (r *remoteConn) call(ctx context.Context, op string, args any, result any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	return r.client.Call(ctx, r.projectKey, op, args, result)
}

func (r *remoteConn) CreateCell(ctx context.Context, cell *types.Cell) (*types.Cell, error) {
	var out types.Cell
	err := r.call(ctx, rpc.OpCreateCell, rpc.CreateCellArgs{
		ID:          cell.ID,
		Title:       cell.Title,
		Description: cell.Description,
		CellType:    cell.CellType,
		Priority:    cell.Priority,
		ParentID:    cell.ParentID,
		Assignee:    cell.Assignee,
		CreatedBy:   cell.CreatedBy,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *remoteConn) GetCell(ctx context.Context, id string) (*types.Cell, error) {
	var out types.Cell
	if err := r.call(ctx, rpc.OpGetCell, rpc.IDArgs{ID: id}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *remoteConn) QueryCells(ctx context.Context, filter rpc.QueryCellsArgs) ([]*types.Cell, error) {
	var out []*types.Cell
	if err := r.call(ctx, rpc.OpQueryCells, filter, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *remoteConn) UpdateCell(ctx context.Context, args rpc.UpdateCellArgs) error {
	return r.call(ctx, rpc.OpUpdateCell, args, nil)
}

func (r *remoteConn) ChangeCellStatus(ctx context.Context, id string, status types.Status, actor, reason string) error {
	return r.call(ctx, rpc.OpChangeCellStatus, rpc.StatusArgs{ID: id, Status: status, Actor: actor, Reason: reason}, nil)
}

func (r *remoteConn) CloseCell(ctx context.Context, id, actor, reason, result string) error {
	return r.call(ctx, rpc.OpCloseCell, rpc.StatusArgs{ID: id, Actor: actor, Reason: reason, Result: result}, nil)
}

func (r *remoteConn) ReopenCell(ctx context.Context, id, actor string) error {
	return r.call(ctx, rpc.OpReopenCell, rpc.StatusArgs{ID: id, Actor: actor}, nil)
}

func (r *remoteConn) DeleteCell(ctx context.Context, id, actor, reason string) error {
	return r.call(ctx, rpc.OpDeleteCell, rpc.StatusArgs{ID: id, Actor: actor, Reason: reason}, nil)
}

func (r *remoteConn) AddDependency(ctx context.Context, cellID, dependsOnID string, depType types.DependencyType, actor string) error {
	return r.call(ctx, rpc.OpAddDependency, rpc.DependencyArgs{CellID: cellID, DependsOnID: dependsOnID, Type: depType, Actor: actor}, nil)
}

func (r *remoteConn) RemoveDependency(ctx context.Context, cellID, dependsOnID string, depType types.DependencyType, actor string) error {
	return r.call(ctx, rpc.OpRemoveDependency, rpc.DependencyArgs{CellID: cellID, DependsOnID: dependsOnID, Type: depType, Actor: actor}, nil)
}

func (r *remoteConn) GetDependencies(ctx context.Context, cellID string) ([]*types.Dependency, error) {
	var out []*types.Dependency
	if err := r.call(ctx, rpc.OpGetDependencies, rpc.IDArgs{ID: cellID}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *remoteConn) GetBlockers(ctx context.Context, cellID string) ([]string, error) {
	var out []string
	if err := r.call(ctx, rpc.OpGetBlockers, rpc.IDArgs{ID: cellID}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *remoteConn) AddLabel(ctx context.Context, cellID, label, actor string) error {
	return r.call(ctx, rpc.OpAddLabel, rpc.LabelArgs{CellID: cellID, Label: label, Actor: actor}, nil)
}

func (r *remoteConn) RemoveLabel(ctx context.Context, cellID, label, actor string) error {
	return r.call(ctx, rpc.OpRemoveLabel, rpc.LabelArgs{CellID: cellID, Label: label, Actor: actor}, nil)
}

func (r *remoteConn) GetLabels(ctx context.Context, cellID string) ([]string, error) {
	var out []string
	if err := r.call(ctx, rpc.OpGetLabels, rpc.IDArgs{ID: cellID}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *remoteConn) AddComment(ctx context.Context, cellID, author, text string) (*types.Comment, error) {
	var out types.Comment
	if err := r.call(ctx, rpc.OpAddComment, rpc.CommentArgs{CellID: cellID, Author: author, Text: text}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *remoteConn) GetComments(ctx context.Context, cellID string) ([]*types.Comment, error) {
	var out []*types.Comment
	if err := r.call(ctx, rpc.OpGetComments, rpc.IDArgs{ID: cellID}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *remoteConn) GetEpicChildren(ctx context.Context, epicID string) ([]*types.Cell, error) {
	var out []*types.Cell
	if err := r.call(ctx, rpc.OpGetEpicChildren, rpc.IDArgs{ID: epicID}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *remoteConn) IsEpicClosureEligible(ctx context.Context, epicID string) (bool, error) {
	var out bool
	if err := r.call(ctx, rpc.OpEpicEligible, rpc.IDArgs{ID: epicID}, &out); err != nil {
		return false, err
	}
	return out, nil
}

func (r *remoteConn) GetNextReadyCell(ctx context.Context) (*types.Cell, error) {
	var out *types.Cell
	if err := r.call(ctx, rpc.OpNextReadyCell, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *remoteConn) GetInProgressCells(ctx context.Context) ([]*types.Cell, error) {
	var out []*types.Cell
	if err := r.call(ctx, rpc.OpInProgressCells, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *remoteConn) MarkDirty(ctx context.Context, cellID string) error {
	return r.call(ctx, rpc.OpMarkDirty, rpc.IDArgs{ID: cellID}, nil)
}

func (r *remoteConn) ResolvePartialID(ctx context.Context, partial string) (string, error) {
	var out string
	if err := r.call(ctx, rpc.OpResolveID, rpc.IDArgs{ID: partial}, &out); err != nil {
		return "", err
	}
	return out, nil
}

func (r *remoteConn) AppendEvent(ctx context.Context, eventType types.EventType, payload any) (*types.Event, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	var out types.Event
	if err := r.call(ctx, rpc.OpAppendEvent, rpc.EventArgs{Type: eventType, Payload: raw}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *remoteConn) ReadEvents(ctx context.Context, filter rpc.ReadEventsArgs) ([]*types.Event, error) {
	var out []*types.Event
	if err := r.call(ctx, rpc.OpReadEvents, filter, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *remoteConn) LatestSequence(ctx context.Context) (int64, error) {
	var out int64
	if err := r.call(ctx, rpc.OpLatestSequence, nil, &out); err != nil {
		return 0, err
	}
	return out, nil
}

func (r *remoteConn) RegisterAgent(ctx context.Context, name string) (*types.Agent, error) {
	var out types.Agent
	if err := r.call(ctx, rpc.OpRegisterAgent, rpc.AgentArgs{Name: name}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *remoteConn) TouchAgent(ctx context.Context, name string) error {
	return r.call(ctx, rpc.OpTouchAgent, rpc.AgentArgs{Name: name}, nil)
}

func (r *remoteConn) GetAgents(ctx context.Context) ([]*types.Agent, error) {
	var out []*types.Agent
	if err := r.call(ctx, rpc.OpGetAgents, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *remoteConn) SendMessage(ctx context.Context, in mailbus.SendInput) (*types.Message, error) {
	var out types.Message
	err := r.call(ctx, rpc.OpSendMessage, rpc.SendMessageArgs{
		From:        in.From,
		To:          in.To,
		Subject:     in.Subject,
		Body:        in.Body,
		ThreadID:    in.ThreadID,
		Importance:  in.Importance,
		AckRequired: in.AckRequired,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *remoteConn) GetInbox(ctx context.Context, agent string, filter mailbus.InboxFilter) ([]*mailbus.InboxEntry, error) {
	var out []*mailbus.InboxEntry
	err := r.call(ctx, rpc.OpGetInbox, rpc.InboxArgs{
		Agent:       agent,
		UnreadOnly:  filter.UnreadOnly,
		UnackedOnly: filter.UnackedOnly,
		Importance:  filter.Importance,
		Limit:       filter.Limit,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *remoteConn) MarkRead(ctx context.Context, messageID int64, agent string) error {
	return r.call(ctx, rpc.OpMarkRead, rpc.MessageRefArgs{MessageID: messageID, Agent: agent}, nil)
}

func (r *remoteConn) Ack(ctx context.Context, messageID int64, agent string) error {
	return r.call(ctx, rpc.OpAck, rpc.MessageRefArgs{MessageID: messageID, Agent: agent}, nil)
}

func (r *remoteConn) GetThreadMessages(ctx context.Context, threadID string) ([]*types.Message, error) {
	var out []*types.Message
	if err := r.call(ctx, rpc.OpGetThreadMessages, rpc.ThreadArgs{ThreadID: threadID}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *remoteConn) Reserve(ctx context.Context, agent string, paths []string, exclusive bool, ttl time.Duration) ([]*types.Reservation, error) {
	var out []*types.Reservation
	err := r.call(ctx, rpc.OpReserve, rpc.ReserveArgs{
		Agent:     agent,
		Paths:     paths,
		Exclusive: exclusive,
		TTLMS:     ttl.Milliseconds(),
	}, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *remoteConn) Release(ctx context.Context, agent string, pathsOrIDs []string) (int, error) {
	var out int
	if err := r.call(ctx, rpc.OpRelease, rpc.ReleaseArgs{Agent: agent, PathsOrIDs: pathsOrIDs}, &out); err != nil {
		return 0, err
	}
	return out, nil
}

func (r *remoteConn) GetActiveReservations(ctx context.Context, agent string) ([]*types.Reservation, error) {
	var out []*types.Reservation
	if err := r.call(ctx, rpc.OpActiveReservations, rpc.AgentArgs{Name: agent}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *remoteConn) CheckConflicts(ctx context.Context, agent string, paths []string) ([]*types.Conflict, error) {
	var out []*types.Conflict
	if err := r.call(ctx, rpc.OpCheckConflicts, rpc.ConflictArgs{Agent: agent, Paths: paths}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(payload)
}

var _ Conn = (*remoteConn)(nil)
