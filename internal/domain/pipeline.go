package domain

import (
	"errors"
	"strings"
	"time"
)

const (
	StorageTargetMinIO = "minio"
	StorageTargetGCS   = "gcs"

	DefaultWorkingDir = "pipelines"
)

// Pipeline owns an ordered set of nodes forming a DAG.
type Pipeline struct {
	ID        int64
	UUID      string
	Title     string
	Version   int
	Config    PipelineConfig
	Metadata  PipelineMetadata
	CreatedAt time.Time
	UpdatedAt time.Time
}

type PipelineConfig struct {
	StorageTarget string `json:"storage_target,omitempty"`
	WorkingDir    string `json:"working_dir,omitempty"`
}

// PipelineMetadata holds accumulated cost and progress counters.
type PipelineMetadata struct {
	TotalCost       float64 `json:"total_cost"`
	NodesTotal      int     `json:"nodes_total"`
	NodesCompleted  int     `json:"nodes_completed"`
	NodesFailed     int     `json:"nodes_failed"`
	NodesInProgress int     `json:"nodes_in_progress"`
}

// Progress recomputes the counters from the pipeline's node statuses.
func (m PipelineMetadata) Progress(statuses []Status) PipelineMetadata {
	out := m
	out.NodesTotal = len(statuses)
	out.NodesCompleted, out.NodesFailed, out.NodesInProgress = 0, 0, 0
	for _, s := range statuses {
		switch s {
		case StatusCompleted:
			out.NodesCompleted++
		case StatusFailed:
			out.NodesFailed++
		case StatusInProgress:
			out.NodesInProgress++
		}
	}
	return out
}

// WorkingDirOrDefault returns the key prefix artifacts of this pipeline are stored under.
func (c PipelineConfig) WorkingDirOrDefault() string {
	dir := strings.Trim(strings.TrimSpace(c.WorkingDir), "/")
	if dir == "" {
		return DefaultWorkingDir
	}
	return dir
}

func (p Pipeline) Validate() error {
	if strings.TrimSpace(p.UUID) == "" {
		return errors.New("pipeline uuid is required")
	}
	if strings.TrimSpace(p.Title) == "" {
		return errors.New("pipeline title is required")
	}
	if p.Version < 0 {
		return errors.New("pipeline version must be >= 0")
	}
	switch strings.TrimSpace(p.Config.StorageTarget) {
	case "", StorageTargetMinIO, StorageTargetGCS:
	default:
		return errors.New("pipeline storage target must be minio or gcs")
	}
	if strings.Contains(p.Config.WorkingDir, "..") {
		return errors.New("pipeline working dir must not contain '..'")
	}
	return nil
}
