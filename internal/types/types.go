// Package types defines the wire- and storage-independent domain model
// shared by the cell store, the event log, the mail bus, the JSONL
// exporter, and the merge driver.
package types

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Status is a cell's position in the lifecycle state machine.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusClosed     Status = "closed"
	StatusTombstone  Status = "tombstone"
)

// IsValid reports whether s is one of the five built-in statuses.
func (s Status) IsValid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusBlocked, StatusClosed, StatusTombstone:
		return true
	}
	return false
}

// validTransitions encodes the state machine for cell lifecycles.
var validTransitions = map[Status]map[Status]bool{
	StatusOpen:       {StatusInProgress: true, StatusBlocked: true, StatusClosed: true, StatusTombstone: true},
	StatusInProgress: {StatusBlocked: true, StatusClosed: true, StatusOpen: true, StatusTombstone: true},
	StatusBlocked:    {StatusOpen: true, StatusInProgress: true, StatusClosed: true, StatusTombstone: true},
	StatusClosed:     {StatusOpen: true, StatusTombstone: true},
	StatusTombstone:  {},
}

// CanTransition reports whether the transition from s to next is legal.
func (s Status) CanTransition(next Status) bool {
	return validTransitions[s][next]
}

// CellType is the kind of work item. TypeMessage exists only for
// JSONL interchange compatibility; coordinator-authored messages live in
// the mail bus, never as cells (coordinator messages stay in the mail bus).
type CellType string

const (
	TypeBug     CellType = "bug"
	TypeFeature CellType = "feature"
	TypeTask    CellType = "task"
	TypeEpic    CellType = "epic"
	TypeChore   CellType = "chore"
	TypeMessage CellType = "message"
)

func (t CellType) IsValid() bool {
	switch t {
	case TypeBug, TypeFeature, TypeTask, TypeEpic, TypeChore, TypeMessage:
		return true
	}
	return false
}

// DependencyType is the relationship tag on an edge between two cells
//.
type DependencyType string

const (
	DepBlocks         DependencyType = "blocks"
	DepBlockedBy      DependencyType = "blocked-by"
	DepRelated        DependencyType = "related"
	DepParentChild    DependencyType = "parent-child"
	DepDiscoveredFrom DependencyType = "discovered-from"
	DepRepliesTo      DependencyType = "replies-to"
	DepRelatesTo      DependencyType = "relates-to"
	DepDuplicates     DependencyType = "duplicates"
	DepSupersedes     DependencyType = "supersedes"
)

func (t DependencyType) IsValid() bool {
	switch t {
	case DepBlocks, DepBlockedBy, DepRelated, DepParentChild, DepDiscoveredFrom,
		DepRepliesTo, DepRelatesTo, DepDuplicates, DepSupersedes:
		return true
	}
	return false
}

// MaxTitleLength is the cell title validation ceiling.
const MaxTitleLength = 500

// DefaultTombstoneTTL and ClockSkewGrace implement the tombstone
// expiry rule: a tombstone older than TTL+grace is expired and loses to a
// live record on merge.
const (
	DefaultTombstoneTTL = 30 * 24 * time.Hour
	ClockSkewGrace      = 1 * time.Hour
)

// Cell is a work item: task, bug, epic, chore, or feature.
type Cell struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Status      Status   `json:"status"`
	Priority    int      `json:"priority"`
	CellType    CellType `json:"issue_type"`

	ParentID string `json:"parent_id,omitempty"`
	Assignee string `json:"assignee,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`

	CreatedBy   string     `json:"created_by,omitempty"`
	CloseReason string     `json:"close_reason,omitempty"`
	Result      string     `json:"result,omitempty"`
	ResultAt    *time.Time `json:"result_at,omitempty"`

	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
	DeletedBy    string     `json:"deleted_by,omitempty"`
	DeleteReason string     `json:"delete_reason,omitempty"`

	ContentHash string `json:"-"`

	Dependencies []*Dependency `json:"dependencies,omitempty"`
	Labels       []string      `json:"labels,omitempty"`
	Comments     []*Comment    `json:"comments,omitempty"`
}

// Dependency is a typed edge from one cell to another.
type Dependency struct {
	CellID      string         `json:"-"`
	DependsOnID string         `json:"depends_on_id"`
	Type        DependencyType `json:"type"`
	CreatedAt   time.Time      `json:"-"`
}

// Comment is a child record of a cell.
type Comment struct {
	ID        string    `json:"-"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"-"`
}

// IsTombstone reports whether the cell has been soft-deleted.
func (c *Cell) IsTombstone() bool {
	return c.Status == StatusTombstone
}

// Validate checks the field-level invariants on a cell. It does not
// check parent existence or dependency acyclicity — those require store
// access and live in cellstore.
func (c *Cell) Validate() error {
	if c.Title == "" {
		return &FieldError{Field: "title", Reason: "title is required"}
	}
	if len(c.Title) > MaxTitleLength {
		return &FieldError{Field: "title", Reason: fmt.Sprintf("title must be %d characters or less", MaxTitleLength)}
	}
	if !c.Status.IsValid() {
		return &FieldError{Field: "status", Reason: fmt.Sprintf("invalid status %q", c.Status)}
	}
	if !c.CellType.IsValid() {
		return &FieldError{Field: "issue_type", Reason: fmt.Sprintf("invalid type %q", c.CellType)}
	}
	if c.Priority < 0 || c.Priority > 3 {
		return &FieldError{Field: "priority", Reason: "priority must be between 0 and 3"}
	}
	if c.Status == StatusClosed && c.ClosedAt == nil {
		return &FieldError{Field: "closed_at", Reason: "closed cells must have a closed_at timestamp"}
	}
	if c.Status != StatusClosed && c.ClosedAt != nil {
		return &FieldError{Field: "closed_at", Reason: "non-closed cells cannot have a closed_at timestamp"}
	}
	return nil
}

// FieldError names a single rejected field (mirrored by errs.Validation).
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// canonicalCell is the interchange projection of a Cell: exactly the
// canonical record field set, plus deleted_at — the one extension beyond
// that list, carried because the merge driver decides tombstone expiry
// from raw JSONL lines with no database access. Fields like created_by,
// close_reason, and result are local bookkeeping and stay out of both
// the JSONL file and the content hash, so the hash matches peer
// implementations that serialize only the canonical set.
type canonicalCell struct {
	ID           string        `json:"id"`
	Title        string        `json:"title"`
	Description  string        `json:"description,omitempty"`
	Status       Status        `json:"status"`
	Priority     int           `json:"priority"`
	CellType     CellType      `json:"issue_type"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	ClosedAt     *time.Time    `json:"closed_at,omitempty"`
	Assignee     string        `json:"assignee,omitempty"`
	ParentID     string        `json:"parent_id,omitempty"`
	DeletedAt    *time.Time    `json:"deleted_at,omitempty"`
	Dependencies []*Dependency `json:"dependencies,omitempty"`
	Labels       []string      `json:"labels,omitempty"`
	Comments     []*Comment    `json:"comments,omitempty"`
}

func (c *Cell) canonical() canonicalCell {
	return canonicalCell{
		ID:           c.ID,
		Title:        c.Title,
		Description:  c.Description,
		Status:       c.Status,
		Priority:     c.Priority,
		CellType:     c.CellType,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
		ClosedAt:     c.ClosedAt,
		Assignee:     c.Assignee,
		ParentID:     c.ParentID,
		DeletedAt:    c.DeletedAt,
		Dependencies: c.Dependencies,
		Labels:       c.Labels,
		Comments:     c.Comments,
	}
}

// MarshalCanonical renders the cell's interchange form — the canonical
// field set only — for JSONL lines. Key order is the struct's; use
// CanonicalJSON when sorted keys matter (hashing).
func (c *Cell) MarshalCanonical() ([]byte, error) {
	return json.Marshal(c.canonical())
}

// CanonicalJSON renders the cell's canonical form with alphabetically
// sorted keys, used for content hashing. It re-marshals through a map
// rather than relying on struct field order, because encoding/json does
// not sort struct-tag output and the hash must be stable across
// implementations.
func (c *Cell) CanonicalJSON() ([]byte, error) {
	raw, err := c.MarshalCanonical()
	if err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return marshalSortedKeys(m)
}

func marshalSortedKeys(m map[string]json.RawMessage) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf := make([]byte, 0, 256)
	buf = append(buf, '{')
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf = append(buf, kb...)
		buf = append(buf, ':')
		buf = append(buf, m[k]...)
	}
	buf = append(buf, '}')
	return buf, nil
}
