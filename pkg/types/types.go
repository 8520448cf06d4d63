package types

import (
	"time"
)

// Task represents a unit of work on the external board.
type Task struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Description    string     `json:"description"`
	Status         TaskStatus `json:"status"`
	Priority       Priority   `json:"priority"`
	AssignedTo     string     `json:"assigned_to,omitempty"`
	Dependencies   []string   `json:"dependencies,omitempty"`
	Labels         []string   `json:"labels,omitempty"`
	EstimatedHours float64    `json:"estimated_hours,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	TaskStatusTodo       TaskStatus = "todo"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusBlocked    TaskStatus = "blocked"
	TaskStatusDone       TaskStatus = "done"
)

// Priority represents task urgency
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// PriorityScore maps a priority to its matching weight.
func PriorityScore(p Priority) float64 {
	switch p {
	case PriorityLow:
		return 0.25
	case PriorityMedium:
		return 0.5
	case PriorityHigh:
		return 0.75
	case PriorityCritical:
		return 1.0
	default:
		return 0.5
	}
}

// PriorityRank orders priorities for tiebreaking (higher is more urgent).
func PriorityRank(p Priority) int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 2
	}
}

// TaskClass is the phase classification of a task, derived from its name.
type TaskClass string

const (
	ClassDesign         TaskClass = "design"
	ClassImplementation TaskClass = "implementation"
	ClassTesting        TaskClass = "testing"
	ClassDeployment     TaskClass = "deployment"
	ClassOther          TaskClass = "other"
)

// ClassOrder returns the phase ordering value for a class.
// Design work precedes implementation, which precedes testing and deployment.
func ClassOrder(c TaskClass) float64 {
	switch c {
	case ClassDesign:
		return 1
	case ClassImplementation:
		return 2
	case ClassTesting:
		return 3
	case ClassDeployment:
		return 4
	default:
		return 2.5
	}
}

// Agent represents a registered external worker (typically an AI coding agent).
type Agent struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Role             string    `json:"role"`
	Skills           []string  `json:"skills,omitempty"`
	Capacity         int       `json:"capacity"`
	PerformanceScore float64   `json:"performance_score"`
	Completed        int       `json:"completed"`
	Failed           int       `json:"failed"`
	Blocked          int       `json:"blocked"`
	LastSeen         time.Time `json:"last_seen"`
	RegisteredAt     time.Time `json:"registered_at"`
}

// DependencyEdge asserts that DependentID cannot start until DependencyID is done.
type DependencyEdge struct {
	DependencyID string     `json:"dependency_id"`
	DependentID  string     `json:"dependent_id"`
	Confidence   float64    `json:"confidence"`
	Mandatory    bool       `json:"mandatory"`
	Origin       EdgeOrigin `json:"origin"`
	Reasoning    string     `json:"reasoning,omitempty"`
}

// EdgeOrigin identifies which inference pass produced an edge
type EdgeOrigin string

const (
	OriginPattern EdgeOrigin = "pattern"
	OriginOracle  EdgeOrigin = "oracle"
	OriginBoth    EdgeOrigin = "both"
	OriginManual  EdgeOrigin = "manual"
)

// Assignment is the durable record that an agent owns a task.
type Assignment struct {
	AgentID        string            `json:"agent_id"`
	TaskID         string            `json:"task_id"`
	AssignedAt     time.Time         `json:"assigned_at"`
	LeaseExpiresAt time.Time         `json:"lease_expires_at"`
	LastHeartbeat  time.Time         `json:"last_heartbeat"`
	RenewalCount   int               `json:"renewal_count"`
	Status         AssignmentStatus  `json:"status"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// AssignmentStatus represents the state of an assignment record
type AssignmentStatus string

const (
	AssignmentActive        AssignmentStatus = "active"
	AssignmentExpired       AssignmentStatus = "expired"
	AssignmentReleased      AssignmentStatus = "released"
	AssignmentForceReleased AssignmentStatus = "force_released"
)

// ProgressStatus is the status an agent reports via report_task_progress.
type ProgressStatus string

const (
	ProgressInProgress ProgressStatus = "in_progress"
	ProgressCompleted  ProgressStatus = "completed"
	ProgressBlocked    ProgressStatus = "blocked"
)

// BlockerSeverity grades a reported blocker.
type BlockerSeverity string

const (
	SeverityLow      BlockerSeverity = "low"
	SeverityMedium   BlockerSeverity = "medium"
	SeverityHigh     BlockerSeverity = "high"
	SeverityCritical BlockerSeverity = "critical"
)

// ReconcileReport summarizes one startup reconciliation pass.
type ReconcileReport struct {
	Removed  []string `json:"removed"`
	Restored []string `json:"restored"`
	Verified []string `json:"verified"`
	Errors   []string `json:"errors,omitempty"`
}

// ImplementationEntry is a record of how a completed task was implemented,
// surfaced to downstream agents in their task briefing.
type ImplementationEntry struct {
	TaskID    string    `json:"task_id"`
	AgentID   string    `json:"agent_id"`
	Summary   string    `json:"summary"`
	CreatedAt time.Time `json:"created_at"`
}

// TaskPatch is a partial update applied to a board task.
// Nil fields are left unchanged.
type TaskPatch struct {
	Status     *TaskStatus `json:"status,omitempty"`
	AssignedTo *string     `json:"assigned_to,omitempty"`
	Comment    string      `json:"comment,omitempty"`
}

// StatusPatch builds a patch that sets status and assignee in one update.
func StatusPatch(status TaskStatus, assignedTo string) TaskPatch {
	return TaskPatch{Status: &status, AssignedTo: &assignedTo}
}

// PairScore is the Oracle's judgment on one ambiguous task pair.
type PairScore struct {
	Direction  PairDirection `json:"direction"`
	Confidence float64       `json:"confidence"`
	Reasoning  string        `json:"reasoning,omitempty"`
}

// PairDirection indicates which way a dependency between a pair runs
type PairDirection string

const (
	DirectionAToB PairDirection = "a->b" // B depends on A
	DirectionBToA PairDirection = "b->a" // A depends on B
	DirectionNone PairDirection = "none"
)

// TaskScore is the Oracle's fitness estimate of an agent on a task.
type TaskScore struct {
	SuccessProbability float64 `json:"success_probability"`
	Risk               float64 `json:"risk"`
	ExpectedHours      float64 `json:"expected_hours"`
}
