package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/rewardmesh/rewardmesh/pkg/storage"
	"github.com/rewardmesh/rewardmesh/pkg/types"
)

// InMemoryCoordinatorStore implements CoordinatorStore with in-memory maps.
type InMemoryCoordinatorStore struct {
	mu         sync.RWMutex
	closed     bool
	userStates map[common.Address]*types.UserRewardState
	tasks      map[string]*types.AggregationTask
	signatures map[string]*types.SignatureRecord
	operators  map[common.Address]*types.OperatorRecord
	requests   map[string]*types.DistributionRequest
}

// NewInMemoryCoordinatorStore creates a new in-memory coordinator store
func NewInMemoryCoordinatorStore() *InMemoryCoordinatorStore {
	return &InMemoryCoordinatorStore{
		userStates: make(map[common.Address]*types.UserRewardState),
		tasks:      make(map[string]*types.AggregationTask),
		signatures: make(map[string]*types.SignatureRecord),
		operators:  make(map[common.Address]*types.OperatorRecord),
		requests:   make(map[string]*types.DistributionRequest),
	}
}

// makeSignatureKey creates a composite key for the (taskId, operator) pair
func makeSignatureKey(taskId string, operator common.Address) string {
	return fmt.Sprintf("%s:%s", strings.ToLower(taskId), strings.ToLower(operator.Hex()))
}

// copyTask keeps stored tasks isolated from caller mutation, matching the
// serializing backends. Entries are immutable after creation and are shared.
func copyTask(task *types.AggregationTask) *types.AggregationTask {
	c := *task
	return &c
}

func (s *InMemoryCoordinatorStore) SaveUserState(ctx context.Context, state *types.UserRewardState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrStoreClosed
	}
	if state == nil {
		return fmt.Errorf("invalid state: state is nil")
	}

	s.userStates[state.User] = state
	return nil
}

func (s *InMemoryCoordinatorStore) GetUserState(ctx context.Context, user common.Address) (*types.UserRewardState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, storage.ErrStoreClosed
	}

	state, exists := s.userStates[user]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return state, nil
}

func (s *InMemoryCoordinatorStore) ListUserStates(ctx context.Context) ([]*types.UserRewardState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, storage.ErrStoreClosed
	}

	states := make([]*types.UserRewardState, 0, len(s.userStates))
	for _, state := range s.userStates {
		states = append(states, state)
	}
	return states, nil
}

func (s *InMemoryCoordinatorStore) SaveTask(ctx context.Context, task *types.AggregationTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrStoreClosed
	}
	if task == nil || task.TaskId == "" {
		return fmt.Errorf("invalid task: task or taskId is empty")
	}
	if _, exists := s.tasks[task.TaskId]; exists {
		return storage.ErrAlreadyExists
	}

	s.tasks[task.TaskId] = copyTask(task)
	return nil
}

func (s *InMemoryCoordinatorStore) GetTask(ctx context.Context, taskId string) (*types.AggregationTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, storage.ErrStoreClosed
	}

	task, exists := s.tasks[taskId]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return copyTask(task), nil
}

func (s *InMemoryCoordinatorStore) ListPendingTasks(ctx context.Context) ([]*types.AggregationTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, storage.ErrStoreClosed
	}

	var pendingTasks []*types.AggregationTask
	for _, task := range s.tasks {
		if task.Status == types.TaskStatusPending {
			pendingTasks = append(pendingTasks, copyTask(task))
		}
	}
	return pendingTasks, nil
}

func (s *InMemoryCoordinatorStore) ListTasksPastDeadline(ctx context.Context, now time.Time) ([]*types.AggregationTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, storage.ErrStoreClosed
	}

	var dueTasks []*types.AggregationTask
	for _, task := range s.tasks {
		if task.Status == types.TaskStatusPending && now.After(task.Deadline) {
			dueTasks = append(dueTasks, copyTask(task))
		}
	}
	return dueTasks, nil
}

func (s *InMemoryCoordinatorStore) UpdateTaskStatus(ctx context.Context, taskId string, status types.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrStoreClosed
	}

	task, exists := s.tasks[taskId]
	if !exists {
		return storage.ErrNotFound
	}

	if err := storage.ValidateTaskStatusTransition(task.Status, status); err != nil {
		return fmt.Errorf("%w: cannot transition from %s to %s", err, task.Status, status)
	}

	task.Status = status
	return nil
}

func (s *InMemoryCoordinatorStore) SaveSignature(ctx context.Context, record *types.SignatureRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrStoreClosed
	}
	if record == nil || record.TaskId == "" {
		return fmt.Errorf("invalid signature record: record or taskId is empty")
	}

	key := makeSignatureKey(record.TaskId, record.Operator)
	if _, exists := s.signatures[key]; exists {
		return storage.ErrAlreadyExists
	}

	s.signatures[key] = record
	return nil
}

func (s *InMemoryCoordinatorStore) GetSignature(ctx context.Context, taskId string, operator common.Address) (*types.SignatureRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, storage.ErrStoreClosed
	}

	record, exists := s.signatures[makeSignatureKey(taskId, operator)]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return record, nil
}

func (s *InMemoryCoordinatorStore) ListSignatures(ctx context.Context, taskId string) ([]*types.SignatureRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, storage.ErrStoreClosed
	}

	prefix := strings.ToLower(taskId) + ":"
	var records []*types.SignatureRecord
	for key, record := range s.signatures {
		if strings.HasPrefix(key, prefix) {
			records = append(records, record)
		}
	}
	return records, nil
}

func (s *InMemoryCoordinatorStore) SaveOperator(ctx context.Context, record *types.OperatorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrStoreClosed
	}
	if record == nil {
		return fmt.Errorf("invalid operator record: record is nil")
	}

	s.operators[record.Address] = record
	return nil
}

func (s *InMemoryCoordinatorStore) GetOperator(ctx context.Context, operator common.Address) (*types.OperatorRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, storage.ErrStoreClosed
	}

	record, exists := s.operators[operator]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return record, nil
}

func (s *InMemoryCoordinatorStore) ListOperators(ctx context.Context) ([]*types.OperatorRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, storage.ErrStoreClosed
	}

	records := make([]*types.OperatorRecord, 0, len(s.operators))
	for _, record := range s.operators {
		records = append(records, record)
	}
	return records, nil
}

func (s *InMemoryCoordinatorStore) SaveDistributionRequest(ctx context.Context, request *types.DistributionRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrStoreClosed
	}
	if request == nil || request.RequestId == "" {
		return fmt.Errorf("invalid distribution request: request or requestId is empty")
	}

	s.requests[request.RequestId] = request
	return nil
}

func (s *InMemoryCoordinatorStore) GetDistributionRequest(ctx context.Context, requestId string) (*types.DistributionRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, storage.ErrStoreClosed
	}

	request, exists := s.requests[requestId]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return request, nil
}

func (s *InMemoryCoordinatorStore) ListUnexecutedRequests(ctx context.Context) ([]*types.DistributionRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, storage.ErrStoreClosed
	}

	var requests []*types.DistributionRequest
	for _, request := range s.requests {
		if !request.Executed {
			requests = append(requests, request)
		}
	}
	return requests, nil
}

// Close closes the store
func (s *InMemoryCoordinatorStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrStoreClosed
	}

	s.closed = true

	s.userStates = nil
	s.tasks = nil
	s.signatures = nil
	s.operators = nil
	s.requests = nil

	return nil
}
