package domain

import (
	"fmt"
	"time"

	"dario.cat/mergo"
)

// Execution stage labels recorded in NodeMetadata.Stage.
const (
	StageStarted   = "started"
	StageSubmitted = "submitted"
	StagePolling   = "polling"
	StageDelegated = "delegated"
	StageUploading = "uploading"
	StageCompleted = "completed"
	StageFailed    = "failed"
)

// NodeMetadata is the execution bookkeeping the controller owns.
type NodeMetadata struct {
	ProcessUUID   string          `json:"process_uuid,omitempty"`
	Stage         string          `json:"stage,omitempty"`
	Provider      string          `json:"provider,omitempty"`
	ProviderJobID string          `json:"provider_job_id,omitempty"`
	Attempts      int             `json:"attempts,omitempty"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	UpdatedAt     *time.Time      `json:"updated_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	FailedAt      *time.Time      `json:"failed_at,omitempty"`
	Cost          float64         `json:"cost,omitempty"`
	Error         *ExecutionError `json:"error,omitempty"`
}

// Merge overlays the non-zero fields of patch onto m.
func (m NodeMetadata) Merge(patch NodeMetadata) (NodeMetadata, error) {
	out := m.Clone()
	if err := mergo.Merge(&out, patch, mergo.WithOverride); err != nil {
		return m, fmt.Errorf("merge metadata: %w", err)
	}
	return out, nil
}

// Clone copies m without sharing pointer fields.
func (m NodeMetadata) Clone() NodeMetadata {
	out := m
	out.StartedAt = cloneTime(m.StartedAt)
	out.UpdatedAt = cloneTime(m.UpdatedAt)
	out.CompletedAt = cloneTime(m.CompletedAt)
	out.FailedAt = cloneTime(m.FailedAt)
	if m.Error != nil {
		e := *m.Error
		out.Error = &e
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// ForStart resets per-attempt fields for a new execution with token.
func (m NodeMetadata) ForStart(token string, now time.Time) NodeMetadata {
	now = now.UTC()
	return NodeMetadata{
		ProcessUUID: token,
		Stage:       StageStarted,
		Attempts:    m.Attempts + 1,
		StartedAt:   &now,
		UpdatedAt:   &now,
		Cost:        m.Cost,
	}
}

// ApplyStart moves n into in_progress under token.
func (n *Node) ApplyStart(token string, now time.Time) {
	n.Status = StatusInProgress
	n.Output = nil
	n.Metadata = n.Metadata.ForStart(token, now)
	n.UpdatedAt = now.UTC()
}

// ApplySuccess moves n into completed with output.
func (n *Node) ApplySuccess(output NodeOutput, cost float64, now time.Time) {
	now = now.UTC()
	out := output
	n.Status = StatusCompleted
	n.Output = &out
	n.Metadata.Error = nil
	n.Metadata.FailedAt = nil
	n.Metadata.Stage = StageCompleted
	n.Metadata.CompletedAt = &now
	n.Metadata.UpdatedAt = &now
	n.Metadata.Cost += cost
	n.UpdatedAt = now
}

// ApplyFailure moves n into failed with the given error.
func (n *Node) ApplyFailure(message string, errType ErrorType, now time.Time) {
	now = now.UTC()
	n.Status = StatusFailed
	n.Output = nil
	n.Metadata.Error = &ExecutionError{Message: message, Type: errType, OccurredAt: now}
	n.Metadata.Stage = StageFailed
	n.Metadata.CompletedAt = nil
	n.Metadata.FailedAt = &now
	n.Metadata.UpdatedAt = &now
	n.UpdatedAt = now
}

// IsCurrent reports whether token fences the node's running execution.
func (n Node) IsCurrent(token string) bool {
	return token != "" && n.Status == StatusInProgress && n.Metadata.ProcessUUID == token
}

// ApplyUpdate merges patch into the metadata of a running node. The token and
// error fields cannot be changed through an update.
func (n *Node) ApplyUpdate(patch NodeMetadata, now time.Time) error {
	patch.ProcessUUID = ""
	patch.Error = nil
	merged, err := n.Metadata.Merge(patch)
	if err != nil {
		return err
	}
	now = now.UTC()
	merged.UpdatedAt = &now
	n.Metadata = merged
	n.UpdatedAt = now
	return nil
}

// Clone returns a deep copy of n.
func (n Node) Clone() Node {
	out := n
	out.Inputs = n.Inputs.Clone()
	out.Metadata = n.Metadata.Clone()
	if n.Output != nil {
		o := *n.Output
		out.Output = &o
	}
	return out
}
