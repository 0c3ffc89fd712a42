package storage

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/rewardmesh/rewardmesh/pkg/types"
)

// CoordinatorStore defines the persistence interface for the reward and
// task-consensus engine. Any backend satisfying point lookups plus ordered
// iteration over pending tasks suffices.
type CoordinatorStore interface {
	SaveUserState(ctx context.Context, state *types.UserRewardState) error
	GetUserState(ctx context.Context, user common.Address) (*types.UserRewardState, error)
	ListUserStates(ctx context.Context) ([]*types.UserRewardState, error)

	SaveTask(ctx context.Context, task *types.AggregationTask) error
	GetTask(ctx context.Context, taskId string) (*types.AggregationTask, error)
	ListPendingTasks(ctx context.Context) ([]*types.AggregationTask, error)
	ListTasksPastDeadline(ctx context.Context, now time.Time) ([]*types.AggregationTask, error)
	UpdateTaskStatus(ctx context.Context, taskId string, status types.TaskStatus) error

	SaveSignature(ctx context.Context, record *types.SignatureRecord) error
	GetSignature(ctx context.Context, taskId string, operator common.Address) (*types.SignatureRecord, error)
	ListSignatures(ctx context.Context, taskId string) ([]*types.SignatureRecord, error)

	SaveOperator(ctx context.Context, record *types.OperatorRecord) error
	GetOperator(ctx context.Context, operator common.Address) (*types.OperatorRecord, error)
	ListOperators(ctx context.Context) ([]*types.OperatorRecord, error)

	SaveDistributionRequest(ctx context.Context, request *types.DistributionRequest) error
	GetDistributionRequest(ctx context.Context, requestId string) (*types.DistributionRequest, error)
	ListUnexecutedRequests(ctx context.Context) ([]*types.DistributionRequest, error)

	Close() error
}

// ValidateTaskStatusTransition enforces the task state machine: Pending may
// move to Completed or Expired; terminal states never transition.
func ValidateTaskStatusTransition(from, to types.TaskStatus) error {
	validTransitions := map[types.TaskStatus][]types.TaskStatus{
		types.TaskStatusPending:   {types.TaskStatusCompleted, types.TaskStatusExpired},
		types.TaskStatusCompleted: {},
		types.TaskStatusExpired:   {},
	}

	allowed, exists := validTransitions[from]
	if !exists {
		return ErrInvalidTaskStatus
	}
	for _, a := range allowed {
		if a == to {
			return nil
		}
	}
	return ErrInvalidTaskStatus
}
