package dispatch

import (
	"context"
	"fmt"

	"github.com/animus-labs/reelforge/internal/execution/controller"
)

type Starter interface {
	Start(ctx context.Context, nodeUUID string) (controller.Execution, error)
}

// DispatchError reports a started execution whose synchronous leg failed. The
// failure is already recorded on the node.
type DispatchError struct {
	NodeUUID string
	Token    string
	Err      error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch node %s: %v", e.NodeUUID, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Service is the caller-facing entry point: start a node and dispatch it.
type Service struct {
	starter    Starter
	dispatcher *Dispatcher
}

func NewService(starter Starter, dispatcher *Dispatcher) *Service {
	return &Service{starter: starter, dispatcher: dispatcher}
}

// Execute starts nodeUUID and runs its synchronous dispatch leg. Start errors
// are returned as is; dispatch errors come back as *DispatchError together
// with the started execution.
func (s *Service) Execute(ctx context.Context, nodeUUID string) (controller.Execution, error) {
	exec, err := s.starter.Start(ctx, nodeUUID)
	if err != nil {
		return controller.Execution{}, err
	}
	if err := s.dispatcher.Dispatch(ctx, exec); err != nil {
		return exec, &DispatchError{NodeUUID: exec.Node.UUID, Token: exec.Token, Err: err}
	}
	return exec, nil
}
