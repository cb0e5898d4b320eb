// Package memory is an in-process repo.Store used for local runs and tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/reelforge/internal/domain"
	"github.com/animus-labs/reelforge/internal/repo"
)

type Store struct {
	mu        sync.Mutex
	nextID    int64
	pipelines map[string]*domain.Pipeline
	nodes     map[string]*domain.Node
}

func New() *Store {
	return &Store{
		pipelines: map[string]*domain.Pipeline{},
		nodes:     map[string]*domain.Node{},
	}
}

var _ repo.Store = (*Store)(nil)

func (s *Store) CreatePipeline(_ context.Context, p domain.Pipeline) (domain.Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(p.UUID) == "" {
		p.UUID = uuid.NewString()
	}
	if p.Version == 0 {
		p.Version = 1
	}
	if err := p.Validate(); err != nil {
		return domain.Pipeline{}, err
	}
	if _, exists := s.pipelines[p.UUID]; exists {
		return domain.Pipeline{}, repo.ErrConflict
	}
	now := time.Now().UTC()
	s.nextID++
	p.ID = s.nextID
	p.CreatedAt, p.UpdatedAt = now, now
	p.Metadata = domain.PipelineMetadata{TotalCost: p.Metadata.TotalCost}
	stored := p
	s.pipelines[p.UUID] = &stored
	return p, nil
}

func (s *Store) GetPipeline(_ context.Context, pipelineUUID string) (domain.Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pipelines[strings.TrimSpace(pipelineUUID)]
	if !ok {
		return domain.Pipeline{}, repo.ErrNotFound
	}
	return *p, nil
}

func (s *Store) DeletePipeline(_ context.Context, pipelineUUID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pipelineUUID = strings.TrimSpace(pipelineUUID)
	if _, ok := s.pipelines[pipelineUUID]; !ok {
		return repo.ErrNotFound
	}
	for id, n := range s.nodes {
		if n.PipelineUUID == pipelineUUID {
			delete(s.nodes, id)
		}
	}
	delete(s.pipelines, pipelineUUID)
	return nil
}

func (s *Store) CreateNode(_ context.Context, n domain.Node) (domain.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.pipelineFor(n)
	if p == nil {
		return domain.Node{}, repo.ErrNotFound
	}
	if strings.TrimSpace(n.UUID) == "" {
		n.UUID = uuid.NewString()
	}
	if _, exists := s.nodes[n.UUID]; exists {
		return domain.Node{}, repo.ErrConflict
	}
	n.PipelineID, n.PipelineUUID = p.ID, p.UUID
	if n.Status == "" {
		n.Status = domain.StatusPending
	}
	if err := n.Validate(); err != nil {
		return domain.Node{}, err
	}
	for _, ref := range n.Inputs.Refs() {
		sibling, ok := s.nodes[ref]
		if !ok || sibling.PipelineUUID != p.UUID {
			return domain.Node{}, repo.ErrForeignInput
		}
	}

	now := time.Now().UTC()
	s.nextID++
	n.ID = s.nextID
	n.CreatedAt, n.UpdatedAt = now, now
	stored := n.Clone()
	s.nodes[n.UUID] = &stored
	s.refreshProgress(p.UUID, 0)
	return n.Clone(), nil
}

func (s *Store) pipelineFor(n domain.Node) *domain.Pipeline {
	if p, ok := s.pipelines[strings.TrimSpace(n.PipelineUUID)]; ok {
		return p
	}
	for _, p := range s.pipelines {
		if n.PipelineID != 0 && p.ID == n.PipelineID {
			return p
		}
	}
	return nil
}

func (s *Store) GetNode(_ context.Context, nodeUUID string) (domain.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[strings.TrimSpace(nodeUUID)]
	if !ok {
		return domain.Node{}, repo.ErrNotFound
	}
	return n.Clone(), nil
}

func (s *Store) GetNodes(_ context.Context, nodeUUIDs []string) ([]domain.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Node, 0, len(nodeUUIDs))
	for _, id := range nodeUUIDs {
		if n, ok := s.nodes[strings.TrimSpace(id)]; ok {
			out = append(out, n.Clone())
		}
	}
	return out, nil
}

func (s *Store) ListNodes(_ context.Context, filter repo.NodeFilter) ([]domain.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Node, 0)
	for _, n := range s.nodes {
		if filter.PipelineUUID != "" && n.PipelineUUID != filter.PipelineUUID {
			continue
		}
		if filter.Status != "" && n.Status != filter.Status {
			continue
		}
		out = append(out, n.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) DeleteNode(_ context.Context, nodeUUID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[strings.TrimSpace(nodeUUID)]
	if !ok {
		return repo.ErrNotFound
	}
	delete(s.nodes, n.UUID)
	s.refreshProgress(n.PipelineUUID, 0)
	return nil
}

func (s *Store) BeginExecution(_ context.Context, nodeUUID, token string, at time.Time) (domain.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[strings.TrimSpace(nodeUUID)]
	if !ok {
		return domain.Node{}, repo.ErrNotFound
	}
	if !n.Status.CanStart() {
		return domain.Node{}, repo.ErrConflict
	}
	n.ApplyStart(token, at)
	s.refreshProgress(n.PipelineUUID, 0)
	return n.Clone(), nil
}

func (s *Store) UpdateExecution(_ context.Context, nodeUUID, token string, patch domain.NodeMetadata, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[strings.TrimSpace(nodeUUID)]
	if !ok {
		return false, repo.ErrNotFound
	}
	if !n.IsCurrent(token) {
		return false, nil
	}
	next := n.Clone()
	if err := next.ApplyUpdate(patch, at); err != nil {
		return false, err
	}
	*n = next
	return true, nil
}

func (s *Store) CompleteExecution(_ context.Context, nodeUUID, token string, output domain.NodeOutput, cost float64, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[strings.TrimSpace(nodeUUID)]
	if !ok {
		return false, repo.ErrNotFound
	}
	if !n.IsCurrent(token) {
		return false, nil
	}
	n.ApplySuccess(output, cost, at)
	s.refreshProgress(n.PipelineUUID, cost)
	return true, nil
}

func (s *Store) FailExecution(_ context.Context, nodeUUID, token string, failure domain.ExecutionError) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[strings.TrimSpace(nodeUUID)]
	if !ok {
		return false, repo.ErrNotFound
	}
	if token != "" && !n.IsCurrent(token) {
		return false, nil
	}
	n.ApplyFailure(failure.Message, failure.Type, failure.OccurredAt)
	s.refreshProgress(n.PipelineUUID, 0)
	return true, nil
}

// refreshProgress must be called with s.mu held.
func (s *Store) refreshProgress(pipelineUUID string, cost float64) {
	p, ok := s.pipelines[pipelineUUID]
	if !ok {
		return
	}
	statuses := make([]domain.Status, 0)
	for _, n := range s.nodes {
		if n.PipelineUUID == pipelineUUID {
			statuses = append(statuses, n.Status)
		}
	}
	p.Metadata = p.Metadata.Progress(statuses)
	p.Metadata.TotalCost += cost
	p.UpdatedAt = time.Now().UTC()
}
