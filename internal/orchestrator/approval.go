package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/ShayCichocki/conclave/internal/decompose"
	"github.com/ShayCichocki/conclave/internal/graph"
	"github.com/ShayCichocki/conclave/pkg/models"
)

// ErrPlanCanceled is returned by Execute when the approval gate cancels.
var ErrPlanCanceled = errors.New("plan canceled")

// DecisionAction is what an approval gate decided about a plan.
type DecisionAction string

const (
	DecisionApprove  DecisionAction = "approve"
	DecisionSimplify DecisionAction = "simplify"
	DecisionModify   DecisionAction = "modify"
	DecisionCancel   DecisionAction = "cancel"
)

// Decision is the outcome of a plan review.
type Decision struct {
	Action DecisionAction
	// Tasks replaces the plan for DecisionModify.
	Tasks []*models.Task
	// Reason is recorded with the decision.
	Reason string
}

// ApprovalGate may intercept a freshly built plan before any task runs.
type ApprovalGate interface {
	Review(ctx context.Context, eg *graph.ExecutionGraph) (Decision, error)
}

// AutoApprove approves every plan.
type AutoApprove struct{}

// Review implements ApprovalGate.
func (AutoApprove) Review(context.Context, *graph.ExecutionGraph) (Decision, error) {
	return Decision{Action: DecisionApprove}, nil
}

// GateFunc adapts a function to ApprovalGate.
type GateFunc func(ctx context.Context, eg *graph.ExecutionGraph) (Decision, error)

// Review implements ApprovalGate.
func (f GateFunc) Review(ctx context.Context, eg *graph.ExecutionGraph) (Decision, error) {
	return f(ctx, eg)
}

// ApprovalRequest is a plan waiting for a human decision.
type ApprovalRequest struct {
	ID    string
	Graph *graph.ExecutionGraph
}

// ChannelApprovalGate hands plans to an interactive consumer over a channel
// and blocks until that consumer submits a decision.
type ChannelApprovalGate struct {
	// pendingRequests maps request IDs to channels waiting for decisions.
	pendingRequests map[string]chan Decision
	// requestCh delivers requests to the consumer.
	requestCh chan ApprovalRequest
	mu        sync.Mutex
}

// NewChannelApprovalGate creates a ChannelApprovalGate.
func NewChannelApprovalGate() *ChannelApprovalGate {
	return &ChannelApprovalGate{
		pendingRequests: make(map[string]chan Decision),
		requestCh:       make(chan ApprovalRequest, 1),
	}
}

// Requests returns the channel of plans awaiting review.
func (g *ChannelApprovalGate) Requests() <-chan ApprovalRequest {
	return g.requestCh
}

// Review publishes the plan and waits for Submit or ctx.
func (g *ChannelApprovalGate) Review(ctx context.Context, eg *graph.ExecutionGraph) (Decision, error) {
	req := ApprovalRequest{ID: uuid.New().String(), Graph: eg}
	responseCh := make(chan Decision, 1)

	g.mu.Lock()
	g.pendingRequests[req.ID] = responseCh
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.pendingRequests, req.ID)
		g.mu.Unlock()
	}()

	select {
	case g.requestCh <- req:
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}

	select {
	case d := <-responseCh:
		return d, nil
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
}

// Submit answers a pending request. It reports false if the request is
// unknown or already answered.
func (g *ChannelApprovalGate) Submit(requestID string, d Decision) bool {
	g.mu.Lock()
	ch, ok := g.pendingRequests[requestID]
	g.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- d:
		return true
	default:
		return false
	}
}

// ApplyDecision returns the plan to execute after a review. Modified task
// lists are revalidated; cancel yields ErrPlanCanceled.
func ApplyDecision(eg *graph.ExecutionGraph, d Decision) (*graph.ExecutionGraph, error) {
	switch d.Action {
	case DecisionApprove, "":
		return eg, nil
	case DecisionSimplify:
		tasks := decompose.Simplify(eg.Tasks)
		if err := decompose.Validate(tasks); err != nil {
			return nil, err
		}
		return eg.WithTasks(tasks)
	case DecisionModify:
		tasks := models.CloneTasks(d.Tasks)
		if err := decompose.Validate(tasks); err != nil {
			return nil, err
		}
		return eg.WithTasks(tasks)
	case DecisionCancel:
		if d.Reason != "" {
			return nil, fmt.Errorf("%w: %s", ErrPlanCanceled, d.Reason)
		}
		return nil, ErrPlanCanceled
	default:
		return nil, fmt.Errorf("unknown approval decision %q", d.Action)
	}
}
