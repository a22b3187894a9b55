package types

import (
	"encoding/json"
	"time"
)

// DecisionTrace records the reasoning context behind an agent's decision,
// linked to its outcome event for post-hoc quality scoring.
type DecisionTrace struct {
	ID             string          `json:"id"` // prefix "dt-"
	ProjectKey     string          `json:"project_key"`
	DecisionType   string          `json:"decision_type"`
	EpicID         string          `json:"epic_id,omitempty"`
	CellID         string          `json:"bead_id,omitempty"` // interchange field name kept as bead_id per wire format
	AgentName      string          `json:"agent_name"`
	Decision       json.RawMessage `json:"decision"`
	Rationale      string          `json:"rationale"`
	GatheredInputs json.RawMessage `json:"gathered_inputs,omitempty"`
	Alternatives   json.RawMessage `json:"alternatives_considered,omitempty"`
	OutcomeEventID *int64          `json:"outcome_event_id,omitempty"`
	QualityScore   *float64        `json:"quality_score,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// LinkType is the kind of edge an EntityLink represents.
type LinkType string

const (
	LinkToMemory   LinkType = "memory"
	LinkToDecision LinkType = "decision"
	LinkToPattern  LinkType = "pattern"
)

// EntityLink is a typed directed edge from a decision to another entity
// , weighted by strength in [0,1].
type EntityLink struct {
	ID           int64    `json:"id"`
	FromDecision string   `json:"from_decision_id"`
	ToType       LinkType `json:"to_type"`
	ToID         string   `json:"to_id"`
	Strength     float64  `json:"strength"`
}
