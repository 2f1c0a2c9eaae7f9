// Package execution provides the Pabawi execution core: the data model for
// remote executions, the admission-controlling queue, and the persistence
// store for execution records.
package execution

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pabawi/pabawi/errors"
)

// Status represents the current state of an execution
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusPartial   Status = "partial"
	StatusCancelled Status = "cancelled"
)

// IsValidStatus returns true if the status string is a valid Status
func IsValidStatus(s string) bool {
	switch Status(s) {
	case StatusQueued, StatusRunning, StatusSuccess,
		StatusFailed, StatusPartial, StatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true for statuses from which no further transition occurs.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusPartial, StatusCancelled:
		return true
	default:
		return false
	}
}

// Request describes one request to run a command/task against target nodes.
//
// The queue treats Kind and Payload as opaque: Kind is used for logging and
// filtering only, Payload is forwarded untouched to the Runner.
type Request struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"` // "command", "task", "puppet-run", "package-install", "facts-gather"
	TargetNodes []string        `json:"target_nodes"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	RequestedAt time.Time       `json:"requested_at"`
}

// NewRequest creates a request with a generated ID and the submission time set.
func NewRequest(kind string, targetNodes []string, payload json.RawMessage) (*Request, error) {
	req := &Request{
		ID:          uuid.NewString(),
		Kind:        kind,
		TargetNodes: targetNodes,
		Payload:     payload,
		RequestedAt: time.Now(),
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

// Validate checks the request invariants that must hold before admission.
func (r *Request) Validate() error {
	if r.Kind == "" {
		return errors.NewInvalidRequestError("execution kind cannot be empty")
	}
	if len(r.TargetNodes) == 0 {
		return errors.NewInvalidRequestError("execution requires at least one target node")
	}
	for _, node := range r.TargetNodes {
		if strings.TrimSpace(node) == "" {
			return errors.NewInvalidRequestError("target node identifier cannot be blank")
		}
	}
	return nil
}

// NodeResult is the outcome of an execution on a single target node.
type NodeResult struct {
	NodeID     string `json:"node_id"`
	Status     Status `json:"status"` // success or failed
	DurationMs int64  `json:"duration_ms"`
	Output     string `json:"output,omitempty"`
}

// Result is the per-node outcome set reported by a Runner.
type Result struct {
	Nodes []NodeResult `json:"nodes"`
}

// Overall derives the terminal status from the per-node outcomes:
// all nodes succeeded, none did, or a mix (partial).
func (r *Result) Overall() Status {
	if r == nil || len(r.Nodes) == 0 {
		return StatusFailed
	}
	succeeded := 0
	for _, n := range r.Nodes {
		if n.Status == StatusSuccess {
			succeeded++
		}
	}
	switch succeeded {
	case len(r.Nodes):
		return StatusSuccess
	case 0:
		return StatusFailed
	default:
		return StatusPartial
	}
}

// Record is the durable representation of an execution. One Request maps to
// exactly one Record; the record is created at admission and mutated in
// place as the runner reports progress. Records are never deleted by the
// queue itself - retention is an external concern.
type Record struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	TargetNodes []string        `json:"target_nodes"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Action      string          `json:"action,omitempty"` // summarized action string for list views
	Status      Status          `json:"status"`
	Error       string          `json:"error,omitempty"`
	Results     []NodeResult    `json:"results,omitempty"`
	RequestedAt time.Time       `json:"requested_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// NewRecord creates a queued record from a request.
func NewRecord(req *Request) *Record {
	return &Record{
		ID:          req.ID,
		Kind:        req.Kind,
		TargetNodes: req.TargetNodes,
		Payload:     req.Payload,
		Status:      StatusQueued,
		RequestedAt: req.RequestedAt,
		UpdatedAt:   time.Now(),
	}
}

// Start marks the record as running
func (r *Record) Start() {
	if r.Status.Terminal() {
		return
	}
	now := time.Now()
	r.Status = StatusRunning
	r.StartedAt = &now
	r.UpdatedAt = now
}

// Finish applies the per-node results and derives the terminal status.
// No-op if the record is already terminal.
func (r *Record) Finish(result *Result) {
	if r.Status.Terminal() {
		return
	}
	now := time.Now()
	if result != nil {
		r.Results = result.Nodes
	}
	r.Status = result.Overall()
	r.CompletedAt = &now
	r.UpdatedAt = now
}

// Fail marks the record as failed with an error message.
// No-op if the record is already terminal.
func (r *Record) Fail(err error) {
	if r.Status.Terminal() {
		return
	}
	now := time.Now()
	r.Status = StatusFailed
	r.Error = err.Error()
	r.CompletedAt = &now
	r.UpdatedAt = now
}

// Clone returns a copy of the record safe to hand outside the queue lock.
// The Results and TargetNodes slices are copied; the timestamp pointers are
// shared, which is safe because the lifecycle mutators replace them rather
// than writing through them.
func (r *Record) Clone() *Record {
	c := *r
	if r.Results != nil {
		c.Results = make([]NodeResult, len(r.Results))
		copy(c.Results, r.Results)
	}
	if r.TargetNodes != nil {
		c.TargetNodes = make([]string, len(r.TargetNodes))
		copy(c.TargetNodes, r.TargetNodes)
	}
	return &c
}

// Cancel marks the record as cancelled with a reason.
// No-op if the record is already terminal.
func (r *Record) Cancel(reason string) {
	if r.Status.Terminal() {
		return
	}
	now := time.Now()
	r.Status = StatusCancelled
	r.Error = reason
	r.CompletedAt = &now
	r.UpdatedAt = now
}

// TargetSummary renders a short human-readable summary of the target nodes
// for status listings ("web01, web02, db01 +4 more").
func TargetSummary(nodes []string) string {
	const maxShown = 3
	if len(nodes) <= maxShown {
		return strings.Join(nodes, ", ")
	}
	shown := strings.Join(nodes[:maxShown], ", ")
	return shown + " +" + strconv.Itoa(len(nodes)-maxShown) + " more"
}
