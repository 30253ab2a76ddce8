package deploy

import (
	"context"
	"errors"
	"fmt"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/ports"
	"github.com/melih/lighthouse/internal/jobqueue"
)

// SubmitRequest asks for lifecycle work on a workspace.
type SubmitRequest struct {
	Workspace domain.WorkspaceID
	Operation domain.Operation
	Image     string
	Source    string
}

// Service is the entry point used by the API. It turns requests into jobs
// and exposes workspace and job state.
type Service struct {
	queue *jobqueue.Queue
	store ports.WorkspaceStore
}

func NewService(queue *jobqueue.Queue, store ports.WorkspaceStore) *Service {
	return &Service{queue: queue, store: store}
}

// Submit validates req and enqueues its jobs. A rebuild becomes a stop
// followed by a deploy, enqueued together.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) ([]domain.JobID, error) {
	if err := req.Workspace.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if _, err := domain.ParseOperation(string(req.Operation)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.Operation == domain.OpDecommission {
		return s.Decommission(ctx, req.Workspace)
	}

	ws, err := s.store.Get(ctx, req.Workspace)
	switch {
	case errors.Is(err, ports.ErrWorkspaceNotFound):
		ws = nil
	case err != nil:
		return nil, err
	case ws.State == domain.StateTerminated:
		return nil, fmt.Errorf("%w: %s", ErrTerminated, req.Workspace)
	}

	switch req.Operation {
	case domain.OpDeploy, domain.OpRebuild:
		if req.Image == "" && req.Source == "" && (ws == nil || (ws.Image == "" && ws.Source == "")) {
			return nil, fmt.Errorf("%w: image or source is required for the first deploy", ErrInvalidRequest)
		}
	}

	if req.Operation == domain.OpRebuild {
		return s.queue.EnqueueAll(ctx, []jobqueue.Request{
			{Workspace: req.Workspace, Operation: domain.OpStop, Origin: domain.OpRebuild},
			{Workspace: req.Workspace, Operation: domain.OpDeploy, Origin: domain.OpRebuild, Image: req.Image, Source: req.Source},
		})
	}
	id, err := s.queue.Enqueue(ctx, jobqueue.Request{
		Workspace: req.Workspace,
		Operation: req.Operation,
		Image:     req.Image,
		Source:    req.Source,
	})
	if err != nil {
		return nil, err
	}
	return []domain.JobID{id}, nil
}

// Decommission cancels pending and running work for id, then enqueues a
// stop and the final decommission.
func (s *Service) Decommission(ctx context.Context, id domain.WorkspaceID) ([]domain.JobID, error) {
	if err := id.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	_, ids, err := s.queue.Replace(ctx, id, []jobqueue.Request{
		{Workspace: id, Operation: domain.OpStop, Origin: domain.OpDecommission},
		{Workspace: id, Operation: domain.OpDecommission, Origin: domain.OpDecommission},
	})
	return ids, err
}

func (s *Service) Workspace(ctx context.Context, id domain.WorkspaceID) (*domain.Workspace, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) Workspaces(ctx context.Context) ([]*domain.Workspace, error) {
	return s.store.List(ctx)
}

// Jobs returns the retained jobs of id, oldest first.
func (s *Service) Jobs(id domain.WorkspaceID) []domain.Job {
	return s.queue.List(id)
}

func (s *Service) Job(id domain.JobID) (domain.Job, error) {
	return s.queue.Get(id)
}
