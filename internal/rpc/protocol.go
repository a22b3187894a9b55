// Package rpc defines the daemon wire protocol and its server: one JSON
// object per line over a Unix socket or loopback TCP. Requests carry
// {op, args, deadline_ms, request_id}; responses echo the request ID with
// either a result or a structured error.
package rpc

import (
	"encoding/json"
	"time"

	"github.com/cellmesh/cellmesh/internal/types"
)

// Operation names accepted by the daemon.
const (
	OpPing   = "ping"
	OpHealth = "health"

	OpCreateCell        = "create_cell"
	OpGetCell           = "get_cell"
	OpQueryCells        = "query_cells"
	OpUpdateCell        = "update_cell"
	OpChangeCellStatus  = "change_cell_status"
	OpCloseCell         = "close_cell"
	OpReopenCell        = "reopen_cell"
	OpDeleteCell        = "delete_cell"
	OpAddDependency     = "add_dependency"
	OpRemoveDependency  = "remove_dependency"
	OpGetDependencies   = "get_dependencies"
	OpGetBlockers       = "get_blockers"
	OpAddLabel          = "add_label"
	OpRemoveLabel       = "remove_label"
	OpGetLabels         = "get_labels"
	OpAddComment        = "add_comment"
	OpGetComments       = "get_comments"
	OpGetEpicChildren   = "get_epic_children"
	OpEpicEligible      = "is_epic_closure_eligible"
	OpNextReadyCell     = "get_next_ready_cell"
	OpInProgressCells   = "get_in_progress_cells"
	OpMarkDirty         = "mark_dirty"
	OpResolveID         = "resolve_id"

	OpAppendEvent    = "append_event"
	OpReadEvents     = "read_events"
	OpLatestSequence = "get_latest_sequence"

	OpRegisterAgent      = "register_agent"
	OpTouchAgent         = "touch_agent"
	OpGetAgents          = "get_agents"
	OpSendMessage        = "send_message"
	OpGetInbox           = "get_inbox"
	OpMarkRead           = "mark_read"
	OpAck                = "ack"
	OpGetThreadMessages  = "get_thread_messages"
	OpReserve            = "reserve"
	OpRelease            = "release"
	OpActiveReservations = "get_active_reservations"
	OpCheckConflicts     = "check_conflicts"

	OpRecordDecision = "record_decision"
	OpGetDecision    = "get_decision"
	OpListDecisions  = "list_decisions"
	OpSetOutcome     = "set_outcome"
	OpAddLink        = "add_link"
	OpGetLinks       = "get_links"

	OpShutdown = "shutdown"
)

// Request is one line from client to daemon.
type Request struct {
	Op         string          `json:"op"`
	Args       json.RawMessage `json:"args,omitempty"`
	DeadlineMS int             `json:"deadline_ms,omitempty"`
	RequestID  string          `json:"request_id"`
	ProjectKey string          `json:"project_key,omitempty"`
}

// ErrorBody is the structured error side of a response.
type ErrorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Response is one line from daemon to client.
type Response struct {
	RequestID string          `json:"request_id"`
	OK        bool            `json:"ok"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *ErrorBody      `json:"error,omitempty"`
}

// CreateCellArgs carries a create_cell request.
type CreateCellArgs struct {
	ID          string         `json:"id,omitempty"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	CellType    types.CellType `json:"issue_type,omitempty"`
	Priority    int            `json:"priority,omitempty"`
	ParentID    string         `json:"parent_id,omitempty"`
	Assignee    string         `json:"assignee,omitempty"`
	CreatedBy   string         `json:"created_by,omitempty"`
}

// IDArgs addresses one cell (or a partial ID for resolve_id).
type IDArgs struct {
	ID    string `json:"id"`
	Actor string `json:"actor,omitempty"`
}

// QueryCellsArgs mirrors cellstore.QueryFilter on the wire.
type QueryCellsArgs struct {
	Status            types.Status   `json:"status,omitempty"`
	Type              types.CellType `json:"issue_type,omitempty"`
	Priority          *int           `json:"priority,omitempty"`
	Assignee          string         `json:"assignee,omitempty"`
	ParentID          string         `json:"parent_id,omitempty"`
	Labels            []string       `json:"labels,omitempty"`
	IncludeTombstones bool           `json:"include_tombstones,omitempty"`
	Limit             int            `json:"limit,omitempty"`
}

// UpdateCellArgs carries an update_cell request; nil fields are left alone.
type UpdateCellArgs struct {
	ID          string          `json:"id"`
	Title       *string         `json:"title,omitempty"`
	Description *string         `json:"description,omitempty"`
	Priority    *int            `json:"priority,omitempty"`
	Assignee    *string         `json:"assignee,omitempty"`
	ParentID    *string         `json:"parent_id,omitempty"`
	CellType    *types.CellType `json:"issue_type,omitempty"`
	Result      *string         `json:"result,omitempty"`
	Actor       string          `json:"actor,omitempty"`
}

// StatusArgs carries a change_cell_status / close_cell / reopen_cell /
// delete_cell request.
type StatusArgs struct {
	ID     string       `json:"id"`
	Status types.Status `json:"status,omitempty"`
	Actor  string       `json:"actor,omitempty"`
	Reason string       `json:"reason,omitempty"`
	Result string       `json:"result,omitempty"`
}

// DependencyArgs carries add/remove_dependency requests.
type DependencyArgs struct {
	CellID      string               `json:"cell_id"`
	DependsOnID string               `json:"depends_on_id"`
	Type        types.DependencyType `json:"type"`
	Actor       string               `json:"actor,omitempty"`
}

// LabelArgs carries add/remove_label requests.
type LabelArgs struct {
	CellID string `json:"cell_id"`
	Label  string `json:"label"`
	Actor  string `json:"actor,omitempty"`
}

// CommentArgs carries an add_comment request.
type CommentArgs struct {
	CellID string `json:"cell_id"`
	Author string `json:"author"`
	Text   string `json:"text"`
}

// EventArgs carries an append_event request.
type EventArgs struct {
	Type    types.EventType `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ReadEventsArgs carries a read_events request.
type ReadEventsArgs struct {
	SinceSequence int64             `json:"since_sequence,omitempty"`
	SinceMS       int64             `json:"since_ms,omitempty"`
	Types         []types.EventType `json:"types,omitempty"`
	Limit         int               `json:"limit,omitempty"`
}

// AgentArgs names one agent.
type AgentArgs struct {
	Name string `json:"name"`
}

// SendMessageArgs carries a send_message request.
type SendMessageArgs struct {
	From        string           `json:"from"`
	To          []string         `json:"to"`
	Subject     string           `json:"subject,omitempty"`
	Body        string           `json:"body,omitempty"`
	ThreadID    string           `json:"thread_id,omitempty"`
	Importance  types.Importance `json:"importance,omitempty"`
	AckRequired bool             `json:"ack_required,omitempty"`
}

// InboxArgs carries a get_inbox request.
type InboxArgs struct {
	Agent       string           `json:"agent"`
	UnreadOnly  bool             `json:"unread_only,omitempty"`
	UnackedOnly bool             `json:"unacked_only,omitempty"`
	Importance  types.Importance `json:"importance,omitempty"`
	Limit       int              `json:"limit,omitempty"`
}

// MessageRefArgs addresses one message for one agent.
type MessageRefArgs struct {
	MessageID int64  `json:"message_id"`
	Agent     string `json:"agent"`
}

// ThreadArgs names a thread.
type ThreadArgs struct {
	ThreadID string `json:"thread_id"`
}

// ReserveArgs carries a reserve request.
type ReserveArgs struct {
	Agent     string   `json:"agent"`
	Paths     []string `json:"paths"`
	Exclusive bool     `json:"exclusive,omitempty"`
	TTLMS     int64    `json:"ttl_ms,omitempty"`
}

// ReleaseArgs carries a release request; entries may be path patterns or
// reservation IDs.
type ReleaseArgs struct {
	Agent      string   `json:"agent"`
	PathsOrIDs []string `json:"paths_or_ids"`
}

// ConflictArgs carries a check_conflicts request.
type ConflictArgs struct {
	Agent string   `json:"agent"`
	Paths []string `json:"paths"`
}

// OutcomeArgs carries a set_outcome request.
type OutcomeArgs struct {
	ID             string   `json:"id"`
	OutcomeEventID int64    `json:"outcome_event_id"`
	QualityScore   *float64 `json:"quality_score,omitempty"`
}

// TTL converts ReserveArgs' wire TTL to a duration.
func (a ReserveArgs) TTL() time.Duration {
	return time.Duration(a.TTLMS) * time.Millisecond
}
