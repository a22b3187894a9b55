package rpc

import (
	"context"

	"github.com/cellmesh/cellmesh/internal/cellstore"
	"github.com/cellmesh/cellmesh/internal/decision"
	"github.com/cellmesh/cellmesh/internal/errs"
	"github.com/cellmesh/cellmesh/internal/eventlog"
	"github.com/cellmesh/cellmesh/internal/mailbus"
	"github.com/cellmesh/cellmesh/internal/types"
)

// handle routes a decoded request to its service. Mutations run under the
// write semaphore; reads go straight through.
func (s *Server) handle(ctx context.Context, req *Request) (any, error) {
	pk := req.ProjectKey

	switch req.Op {
	case OpPing:
		return "pong", nil
	case OpHealth:
		// The SELECT 1 shaped probe from the startup protocol.
		var one int
		if err := s.store.DB().QueryRowContext(ctx, `SELECT 1`).Scan(&one); err != nil {
			return nil, errs.Wrap(errs.KindCorruption, req.Op, err)
		}
		stats, err := s.store.WALStats(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"ok": one == 1, "wal_frames": stats.FrameCount}, nil
	case OpShutdown:
		if s.OnShutdownRequest != nil {
			go s.OnShutdownRequest()
		}
		return "shutting down", nil

	case OpCreateCell:
		args, err := decodeArgs[CreateCellArgs](req)
		if err != nil {
			return nil, err
		}
		return s.serialized(ctx, func() (any, error) {
			return s.cells.CreateCell(ctx, pk, &types.Cell{
				ID:          args.ID,
				Title:       args.Title,
				Description: args.Description,
				CellType:    args.CellType,
				Priority:    args.Priority,
				ParentID:    args.ParentID,
				Assignee:    args.Assignee,
				CreatedBy:   args.CreatedBy,
			})
		})
	case OpGetCell:
		args, err := decodeArgs[IDArgs](req)
		if err != nil {
			return nil, err
		}
		return s.cells.GetCell(ctx, pk, args.ID)
	case OpQueryCells:
		args, err := decodeArgs[QueryCellsArgs](req)
		if err != nil {
			return nil, err
		}
		return s.cells.QueryCells(ctx, pk, cellstore.QueryFilter{
			Status:            args.Status,
			Type:              args.Type,
			Priority:          args.Priority,
			Assignee:          args.Assignee,
			ParentID:          args.ParentID,
			Labels:            args.Labels,
			IncludeTombstones: args.IncludeTombstones,
			Limit:             args.Limit,
		})
	case OpUpdateCell:
		args, err := decodeArgs[UpdateCellArgs](req)
		if err != nil {
			return nil, err
		}
		return s.serialized(ctx, func() (any, error) {
			return nil, s.cells.UpdateCell(ctx, pk, args.ID, cellstore.CellUpdate{
				Title:       args.Title,
				Description: args.Description,
				Priority:    args.Priority,
				Assignee:    args.Assignee,
				ParentID:    args.ParentID,
				CellType:    args.CellType,
				Result:      args.Result,
			}, args.Actor)
		})
	case OpChangeCellStatus:
		args, err := decodeArgs[StatusArgs](req)
		if err != nil {
			return nil, err
		}
		return s.serialized(ctx, func() (any, error) {
			return nil, s.cells.ChangeCellStatus(ctx, pk, args.ID, args.Status, args.Actor, args.Reason)
		})
	case OpCloseCell:
		args, err := decodeArgs[StatusArgs](req)
		if err != nil {
			return nil, err
		}
		return s.serialized(ctx, func() (any, error) {
			return nil, s.cells.CloseCell(ctx, pk, args.ID, args.Actor, args.Reason, args.Result)
		})
	case OpReopenCell:
		args, err := decodeArgs[StatusArgs](req)
		if err != nil {
			return nil, err
		}
		return s.serialized(ctx, func() (any, error) {
			return nil, s.cells.ReopenCell(ctx, pk, args.ID, args.Actor)
		})
	case OpDeleteCell:
		args, err := decodeArgs[StatusArgs](req)
		if err != nil {
			return nil, err
		}
		return s.serialized(ctx, func() (any, error) {
			return nil, s.cells.DeleteCell(ctx, pk, args.ID, args.Actor, args.Reason)
		})
	case OpAddDependency:
		args, err := decodeArgs[DependencyArgs](req)
		if err != nil {
			return nil, err
		}
		return s.serialized(ctx, func() (any, error) {
			return nil, s.cells.AddDependency(ctx, pk, args.CellID, args.DependsOnID, args.Type, args.Actor)
		})
	case OpRemoveDependency:
		args, err := decodeArgs[DependencyArgs](req)
		if err != nil {
			return nil, err
		}
		return s.serialized(ctx, func() (any, error) {
			return nil, s.cells.RemoveDependency(ctx, pk, args.CellID, args.DependsOnID, args.Type, args.Actor)
		})
	case OpGetDependencies:
		args, err := decodeArgs[IDArgs](req)
		if err != nil {
			return nil, err
		}
		return s.cells.GetDependencies(ctx, pk, args.ID)
	case OpGetBlockers:
		args, err := decodeArgs[IDArgs](req)
		if err != nil {
			return nil, err
		}
		return s.cells.GetBlockers(ctx, pk, args.ID)
	case OpAddLabel:
		args, err := decodeArgs[LabelArgs](req)
		if err != nil {
			return nil, err
		}
		return s.serialized(ctx, func() (any, error) {
			return nil, s.cells.AddLabel(ctx, pk, args.CellID, args.Label, args.Actor)
		})
	case OpRemoveLabel:
		args, err := decodeArgs[LabelArgs](req)
		if err != nil {
			return nil, err
		}
		return s.serialized(ctx, func() (any, error) {
			return nil, s.cells.RemoveLabel(ctx, pk, args.CellID, args.Label, args.Actor)
		})
	case OpGetLabels:
		args, err := decodeArgs[IDArgs](req)
		if err != nil {
			return nil, err
		}
		return s.cells.GetLabels(ctx, pk, args.ID)
	case OpAddComment:
		args, err := decodeArgs[CommentArgs](req)
		if err != nil {
			return nil, err
		}
		return s.serialized(ctx, func() (any, error) {
			return s.cells.AddComment(ctx, pk, args.CellID, args.Author, args.Text)
		})
	case OpGetComments:
		args, err := decodeArgs[IDArgs](req)
		if err != nil {
			return nil, err
		}
		return s.cells.GetComments(ctx, pk, args.ID)
	case OpGetEpicChildren:
		args, err := decodeArgs[IDArgs](req)
		if err != nil {
			return nil, err
		}
		return s.cells.GetEpicChildren(ctx, pk, args.ID)
	case OpEpicEligible:
		args, err := decodeArgs[IDArgs](req)
		if err != nil {
			return nil, err
		}
		return s.cells.IsEpicClosureEligible(ctx, pk, args.ID)
	case OpNextReadyCell:
		return s.cells.GetNextReadyCell(ctx, pk)
	case OpInProgressCells:
		return s.cells.GetInProgressCells(ctx, pk)
	case OpMarkDirty:
		args, err := decodeArgs[IDArgs](req)
		if err != nil {
			return nil, err
		}
		return s.serialized(ctx, func() (any, error) {
			return nil, s.cells.MarkDirty(ctx, pk, args.ID)
		})
	case OpResolveID:
		args, err := decodeArgs[IDArgs](req)
		if err != nil {
			return nil, err
		}
		return s.cells.ResolvePartialID(ctx, pk, args.ID)

	case OpAppendEvent:
		args, err := decodeArgs[EventArgs](req)
		if err != nil {
			return nil, err
		}
		return s.serialized(ctx, func() (any, error) {
			return s.events.Append(ctx, pk, args.Type, args.Payload)
		})
	case OpReadEvents:
		args, err := decodeArgs[ReadEventsArgs](req)
		if err != nil {
			return nil, err
		}
		return s.events.Read(ctx, eventlog.ReadFilter{
			ProjectKey:    pk,
			SinceSequence: args.SinceSequence,
			Since:         types.FromMillis(args.SinceMS),
			Types:         args.Types,
			Limit:         args.Limit,
		})
	case OpLatestSequence:
		return s.events.LatestSequence(ctx, pk)

	case OpRegisterAgent:
		args, err := decodeArgs[AgentArgs](req)
		if err != nil {
			return nil, err
		}
		return s.serialized(ctx, func() (any, error) {
			return s.bus.RegisterAgent(ctx, pk, args.Name)
		})
	case OpTouchAgent:
		args, err := decodeArgs[AgentArgs](req)
		if err != nil {
			return nil, err
		}
		return s.serialized(ctx, func() (any, error) {
			return nil, s.bus.TouchAgent(ctx, pk, args.Name)
		})
	case OpGetAgents:
		return s.bus.GetAgents(ctx, pk)
	case OpSendMessage:
		args, err := decodeArgs[SendMessageArgs](req)
		if err != nil {
			return nil, err
		}
		return s.serialized(ctx, func() (any, error) {
			return s.bus.SendMessage(ctx, pk, mailbus.SendInput{
				From:        args.From,
				To:          args.To,
				Subject:     args.Subject,
				Body:        args.Body,
				ThreadID:    args.ThreadID,
				Importance:  args.Importance,
				AckRequired: args.AckRequired,
			})
		})
	case OpGetInbox:
		args, err := decodeArgs[InboxArgs](req)
		if err != nil {
			return nil, err
		}
		return s.bus.GetInbox(ctx, pk, args.Agent, mailbus.InboxFilter{
			UnreadOnly:  args.UnreadOnly,
			UnackedOnly: args.UnackedOnly,
			Importance:  args.Importance,
			Limit:       args.Limit,
		})
	case OpMarkRead:
		args, err := decodeArgs[MessageRefArgs](req)
		if err != nil {
			return nil, err
		}
		return s.serialized(ctx, func() (any, error) {
			return nil, s.bus.MarkRead(ctx, pk, args.MessageID, args.Agent)
		})
	case OpAck:
		args, err := decodeArgs[MessageRefArgs](req)
		if err != nil {
			return nil, err
		}
		return s.serialized(ctx, func() (any, error) {
			return nil, s.bus.Ack(ctx, pk, args.MessageID, args.Agent)
		})
	case OpGetThreadMessages:
		args, err := decodeArgs[ThreadArgs](req)
		if err != nil {
			return nil, err
		}
		return s.bus.GetThreadMessages(ctx, pk, args.ThreadID)
	case OpReserve:
		args, err := decodeArgs[ReserveArgs](req)
		if err != nil {
			return nil, err
		}
		return s.serialized(ctx, func() (any, error) {
			return s.bus.Reserve(ctx, pk, args.Agent, args.Paths, args.Exclusive, args.TTL())
		})
	case OpRelease:
		args, err := decodeArgs[ReleaseArgs](req)
		if err != nil {
			return nil, err
		}
		return s.serialized(ctx, func() (any, error) {
			return s.bus.Release(ctx, pk, args.Agent, args.PathsOrIDs)
		})
	case OpActiveReservations:
		args, err := decodeArgs[AgentArgs](req)
		if err != nil {
			return nil, err
		}
		return s.bus.GetActiveReservations(ctx, pk, args.Name)
	case OpCheckConflicts:
		args, err := decodeArgs[ConflictArgs](req)
		if err != nil {
			return nil, err
		}
		return s.bus.CheckConflicts(ctx, pk, args.Agent, args.Paths)

	case OpRecordDecision:
		args, err := decodeArgs[types.DecisionTrace](req)
		if err != nil {
			return nil, err
		}
		args.ProjectKey = pk
		return s.serialized(ctx, func() (any, error) {
			return s.decisions.Record(ctx, &args)
		})
	case OpGetDecision:
		args, err := decodeArgs[IDArgs](req)
		if err != nil {
			return nil, err
		}
		return s.decisions.Get(ctx, pk, args.ID)
	case OpListDecisions:
		args, err := decodeArgs[decision.ListFilter](req)
		if err != nil {
			return nil, err
		}
		return s.decisions.List(ctx, pk, args)
	case OpSetOutcome:
		args, err := decodeArgs[OutcomeArgs](req)
		if err != nil {
			return nil, err
		}
		return s.serialized(ctx, func() (any, error) {
			return nil, s.decisions.SetOutcome(ctx, pk, args.ID, args.OutcomeEventID, args.QualityScore)
		})
	case OpAddLink:
		args, err := decodeArgs[types.EntityLink](req)
		if err != nil {
			return nil, err
		}
		return s.serialized(ctx, func() (any, error) {
			return s.decisions.AddLink(ctx, &args)
		})
	case OpGetLinks:
		args, err := decodeArgs[IDArgs](req)
		if err != nil {
			return nil, err
		}
		return s.decisions.GetLinks(ctx, args.ID)

	default:
		return nil, errs.Validation(req.Op, "op", "unknown operation")
	}
}
