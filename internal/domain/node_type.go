package domain

import "strings"

// NodeType is the closed set of production steps a pipeline can contain.
type NodeType string

const (
	NodeTypeAsset               NodeType = "asset"
	NodeTypeGenerateTalkingHead NodeType = "generate-talking-head"
	NodeTypeGenerateAnimation   NodeType = "generate-animation"
	NodeTypeGenerateVoiceover   NodeType = "generate-voiceover"
	NodeTypeRenderCode          NodeType = "render-code"
	NodeTypeMixAudio            NodeType = "mix-audio"
	NodeTypeMergeVideos         NodeType = "merge-videos"
	NodeTypeComposeVideo        NodeType = "compose-video"
)

// NodeTypes lists every variant in catalogue order.
var NodeTypes = []NodeType{
	NodeTypeAsset,
	NodeTypeGenerateTalkingHead,
	NodeTypeGenerateAnimation,
	NodeTypeGenerateVoiceover,
	NodeTypeRenderCode,
	NodeTypeMixAudio,
	NodeTypeMergeVideos,
	NodeTypeComposeVideo,
}

// ParseNodeType maps a wire value to a NodeType. Underscored spellings are accepted.
func ParseNodeType(value string) (NodeType, bool) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(value)), "_", "-")
	for _, t := range NodeTypes {
		if string(t) == normalized {
			return t, true
		}
	}
	return "", false
}

func (t NodeType) Valid() bool {
	for _, v := range NodeTypes {
		if v == t {
			return true
		}
	}
	return false
}

// ArtifactKind returns the kind of artifact a node of this type produces.
// Asset nodes declare their kind in config and return "".
func (t NodeType) ArtifactKind() ArtifactKind {
	switch t {
	case NodeTypeGenerateVoiceover, NodeTypeMixAudio:
		return ArtifactKindAudio
	case NodeTypeGenerateTalkingHead, NodeTypeGenerateAnimation, NodeTypeRenderCode,
		NodeTypeMergeVideos, NodeTypeComposeVideo:
		return ArtifactKindVideo
	default:
		return ""
	}
}

// Status is the execution status of a node.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

func NormalizeStatus(value string) Status {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(StatusPending):
		return StatusPending
	case string(StatusInProgress), "in-progress", "running":
		return StatusInProgress
	case string(StatusCompleted), "succeeded":
		return StatusCompleted
	case string(StatusFailed):
		return StatusFailed
	default:
		return ""
	}
}

// CanStart reports whether a new execution attempt may begin from this status.
func (s Status) CanStart() bool {
	return s == StatusPending || s == StatusFailed
}

// ArtifactKind classifies a produced artifact.
type ArtifactKind string

const (
	ArtifactKindVideo ArtifactKind = "video"
	ArtifactKindAudio ArtifactKind = "audio"
	ArtifactKindImage ArtifactKind = "image"
	ArtifactKindText  ArtifactKind = "text"
)

// ErrorType classifies a recorded execution failure.
type ErrorType string

const (
	ErrorTypeSubmission ErrorType = "submission"
	ErrorTypeProvider   ErrorType = "provider"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypeCompute    ErrorType = "compute"
	ErrorTypeInternal   ErrorType = "internal"
)

// NormalizeErrorType keeps known classifications and folds everything else into fallback.
func NormalizeErrorType(value string, fallback ErrorType) ErrorType {
	switch v := ErrorType(strings.ToLower(strings.TrimSpace(value))); v {
	case ErrorTypeSubmission, ErrorTypeProvider, ErrorTypeTimeout, ErrorTypeCompute, ErrorTypeInternal:
		return v
	default:
		return fallback
	}
}
