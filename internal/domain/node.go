package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Node is one unit of work in a pipeline producing a single media artifact.
type Node struct {
	ID           int64
	UUID         string
	PipelineID   int64
	PipelineUUID string
	Type         NodeType
	Status       Status
	Title        string
	Inputs       Inputs
	Config       NodeConfig
	Output       *NodeOutput
	Metadata     NodeMetadata
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Inputs maps a slot name to the sibling node UUIDs bound to it.
type Inputs map[string][]string

// Refs returns every referenced node UUID, de-duplicated and sorted.
func (in Inputs) Refs() []string {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, refs := range in {
		for _, ref := range refs {
			ref = strings.TrimSpace(ref)
			if ref == "" {
				continue
			}
			if _, ok := seen[ref]; ok {
				continue
			}
			seen[ref] = struct{}{}
			out = append(out, ref)
		}
	}
	sort.Strings(out)
	return out
}

// First returns the first reference bound to slot.
func (in Inputs) First(slot string) (string, bool) {
	refs := in[slot]
	if len(refs) == 0 {
		return "", false
	}
	return refs[0], true
}

func (in Inputs) Clone() Inputs {
	if in == nil {
		return Inputs{}
	}
	out := make(Inputs, len(in))
	for k, v := range in {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// NodeOutput describes the artifact a completed node produced.
type NodeOutput struct {
	StorageTarget   string       `json:"storage_target,omitempty"`
	StorageKey      string       `json:"storage_key,omitempty"`
	SizeBytes       int64        `json:"size_bytes"`
	DurationSeconds float64      `json:"duration_seconds,omitempty"`
	Kind            ArtifactKind `json:"kind"`
	ContentType     string       `json:"content_type,omitempty"`
	Text            string       `json:"text,omitempty"`
}

func (o NodeOutput) Validate() error {
	if strings.TrimSpace(o.StorageKey) == "" && o.Text == "" {
		return errors.New("output requires a storage key or inline text")
	}
	if o.SizeBytes < 0 {
		return errors.New("output size must be >= 0")
	}
	if o.DurationSeconds < 0 {
		return errors.New("output duration must be >= 0")
	}
	if strings.TrimSpace(string(o.Kind)) == "" {
		return errors.New("output kind is required")
	}
	return nil
}

// ExecutionError is the failure recorded on a failed node.
type ExecutionError struct {
	Message    string    `json:"message"`
	Type       ErrorType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (n Node) Validate() error {
	if strings.TrimSpace(n.UUID) == "" {
		return errors.New("node uuid is required")
	}
	if n.PipelineID == 0 && strings.TrimSpace(n.PipelineUUID) == "" {
		return errors.New("pipeline reference is required")
	}
	if !n.Type.Valid() {
		return fmt.Errorf("unknown node type %q", n.Type)
	}
	if n.Config == nil {
		return errors.New("node config is required")
	}
	if n.Config.NodeType() != n.Type {
		return fmt.Errorf("config for %q does not match node type %q", n.Config.NodeType(), n.Type)
	}
	for _, ref := range n.Inputs.Refs() {
		if ref == n.UUID {
			return errors.New("node cannot reference itself")
		}
	}
	return n.CheckInvariants()
}

// CheckInvariants verifies that output and error presence agree with status.
func (n Node) CheckInvariants() error {
	switch n.Status {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed:
	default:
		return fmt.Errorf("unknown status %q", n.Status)
	}
	if (n.Output != nil) != (n.Status == StatusCompleted) {
		return fmt.Errorf("output presence does not match status %q", n.Status)
	}
	if (n.Metadata.Error != nil) != (n.Status == StatusFailed) {
		return fmt.Errorf("error presence does not match status %q", n.Status)
	}
	return nil
}
