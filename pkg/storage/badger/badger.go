package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	badgerv3 "github.com/dgraph-io/badger/v3"
	"github.com/ethereum/go-ethereum/common"

	"github.com/rewardmesh/rewardmesh/pkg/engine/engineConfig"
	"github.com/rewardmesh/rewardmesh/pkg/storage"
	"github.com/rewardmesh/rewardmesh/pkg/types"
)

// Key prefixes for different data types
const (
	prefixUserState    = "user:%s"
	prefixTask         = "task:%s"
	prefixTaskByStatus = "taskstatus:%s:%s" // status:taskId
	prefixSignature    = "sig:%s:%s"        // taskId:operator
	prefixSigsForTask  = "sig:%s:"
	prefixOperator     = "operator:%s"
	prefixRequest      = "request:%s"
	prefixRequestOpen  = "requestopen:%s" // unexecuted request index
)

// BadgerCoordinatorStore implements the CoordinatorStore interface using BadgerDB
type BadgerCoordinatorStore struct {
	db       *badgerv3.DB
	mu       sync.RWMutex
	closed   bool
	closeCh  chan struct{}
	gcTicker *time.Ticker
}

// NewBadgerCoordinatorStore creates a new BadgerDB-backed coordinator store
func NewBadgerCoordinatorStore(cfg *engineConfig.BadgerConfig) (*BadgerCoordinatorStore, error) {
	if cfg == nil {
		return nil, errors.New("badger config is nil")
	}

	opts := badgerv3.DefaultOptions(cfg.Dir)
	opts.Logger = nil // Disable BadgerDB's default logging

	if cfg.InMemory {
		opts.InMemory = true
	}
	if cfg.ValueLogFileSize > 0 {
		opts.ValueLogFileSize = cfg.ValueLogFileSize
	}

	db, err := badgerv3.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	s := &BadgerCoordinatorStore{
		db:      db,
		closeCh: make(chan struct{}),
	}

	// Start garbage collection routine
	s.gcTicker = time.NewTicker(5 * time.Minute)
	go s.runGC()

	return s, nil
}

// runGC runs periodic value log garbage collection
func (s *BadgerCoordinatorStore) runGC() {
	for {
		select {
		case <-s.gcTicker.C:
			s.mu.RLock()
			if s.closed {
				s.mu.RUnlock()
				return
			}
			s.mu.RUnlock()

			_ = s.db.RunValueLogGC(0.5)
		case <-s.closeCh:
			return
		}
	}
}

func (s *BadgerCoordinatorStore) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return storage.ErrStoreClosed
	}
	return nil
}

func setJson(txn *badgerv3.Txn, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value for key %s: %w", key, err)
	}
	return txn.Set([]byte(key), data)
}

func getJson(txn *badgerv3.Txn, key string, out interface{}) error {
	item, err := txn.Get([]byte(key))
	if err != nil {
		if errors.Is(err, badgerv3.ErrKeyNotFound) {
			return storage.ErrNotFound
		}
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
}

func (s *BadgerCoordinatorStore) SaveUserState(ctx context.Context, state *types.UserRewardState) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	if state == nil {
		return errors.New("state is nil")
	}

	key := fmt.Sprintf(prefixUserState, strings.ToLower(state.User.Hex()))
	err := s.db.Update(func(txn *badgerv3.Txn) error {
		return setJson(txn, key, state)
	})
	if err != nil {
		return fmt.Errorf("failed to save user state: %w", err)
	}
	return nil
}

func (s *BadgerCoordinatorStore) GetUserState(ctx context.Context, user common.Address) (*types.UserRewardState, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	var state types.UserRewardState
	key := fmt.Sprintf(prefixUserState, strings.ToLower(user.Hex()))
	err := s.db.View(func(txn *badgerv3.Txn) error {
		return getJson(txn, key, &state)
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get user state: %w", err)
	}
	return &state, nil
}

func (s *BadgerCoordinatorStore) ListUserStates(ctx context.Context) ([]*types.UserRewardState, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	var states []*types.UserRewardState
	prefix := "user:"
	err := s.db.View(func(txn *badgerv3.Txn) error {
		opts := badgerv3.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var state types.UserRewardState
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &state)
			})
			if err != nil {
				return fmt.Errorf("failed to unmarshal user state: %w", err)
			}
			states = append(states, &state)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list user states: %w", err)
	}
	return states, nil
}

func (s *BadgerCoordinatorStore) SaveTask(ctx context.Context, task *types.AggregationTask) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	if task == nil || task.TaskId == "" {
		return errors.New("task or taskId is empty")
	}

	err := s.db.Update(func(txn *badgerv3.Txn) error {
		taskKey := fmt.Sprintf(prefixTask, task.TaskId)
		_, err := txn.Get([]byte(taskKey))
		if err == nil {
			return storage.ErrAlreadyExists
		}
		if !errors.Is(err, badgerv3.ErrKeyNotFound) {
			return err
		}

		if err := setJson(txn, taskKey, task); err != nil {
			return err
		}

		statusKey := fmt.Sprintf(prefixTaskByStatus, task.Status, task.TaskId)
		return txn.Set([]byte(statusKey), []byte{})
	})
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return err
		}
		return fmt.Errorf("failed to save task: %w", err)
	}
	return nil
}

func (s *BadgerCoordinatorStore) GetTask(ctx context.Context, taskId string) (*types.AggregationTask, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	var task types.AggregationTask
	key := fmt.Sprintf(prefixTask, taskId)
	err := s.db.View(func(txn *badgerv3.Txn) error {
		return getJson(txn, key, &task)
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return &task, nil
}

func (s *BadgerCoordinatorStore) listPendingTasks(filterPastDeadline bool, now time.Time) ([]*types.AggregationTask, error) {
	var tasks []*types.AggregationTask
	prefix := fmt.Sprintf(prefixTaskByStatus, types.TaskStatusPending, "")

	err := s.db.View(func(txn *badgerv3.Txn) error {
		opts := badgerv3.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			taskId := key[len(prefix):]

			var task types.AggregationTask
			if err := getJson(txn, fmt.Sprintf(prefixTask, taskId), &task); err != nil {
				return fmt.Errorf("failed to load task %s from status index: %w", taskId, err)
			}
			if filterPastDeadline && !now.After(task.Deadline) {
				continue
			}
			tasks = append(tasks, &task)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pending tasks: %w", err)
	}
	return tasks, nil
}

func (s *BadgerCoordinatorStore) ListPendingTasks(ctx context.Context) ([]*types.AggregationTask, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	return s.listPendingTasks(false, time.Time{})
}

func (s *BadgerCoordinatorStore) ListTasksPastDeadline(ctx context.Context, now time.Time) ([]*types.AggregationTask, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	return s.listPendingTasks(true, now)
}

func (s *BadgerCoordinatorStore) UpdateTaskStatus(ctx context.Context, taskId string, status types.TaskStatus) error {
	if err := s.checkClosed(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badgerv3.Txn) error {
		var task types.AggregationTask
		taskKey := fmt.Sprintf(prefixTask, taskId)
		if err := getJson(txn, taskKey, &task); err != nil {
			return err
		}

		if err := storage.ValidateTaskStatusTransition(task.Status, status); err != nil {
			return fmt.Errorf("%w: cannot transition from %s to %s", err, task.Status, status)
		}

		oldStatusKey := fmt.Sprintf(prefixTaskByStatus, task.Status, taskId)
		if err := txn.Delete([]byte(oldStatusKey)); err != nil {
			return err
		}

		task.Status = status
		if err := setJson(txn, taskKey, &task); err != nil {
			return err
		}

		newStatusKey := fmt.Sprintf(prefixTaskByStatus, status, taskId)
		return txn.Set([]byte(newStatusKey), []byte{})
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidTaskStatus) {
			return err
		}
		return fmt.Errorf("failed to update task status: %w", err)
	}
	return nil
}

func (s *BadgerCoordinatorStore) SaveSignature(ctx context.Context, record *types.SignatureRecord) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	if record == nil || record.TaskId == "" {
		return errors.New("signature record or taskId is empty")
	}

	key := fmt.Sprintf(prefixSignature, strings.ToLower(record.TaskId), strings.ToLower(record.Operator.Hex()))
	err := s.db.Update(func(txn *badgerv3.Txn) error {
		_, err := txn.Get([]byte(key))
		if err == nil {
			return storage.ErrAlreadyExists
		}
		if !errors.Is(err, badgerv3.ErrKeyNotFound) {
			return err
		}
		return setJson(txn, key, record)
	})
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return err
		}
		return fmt.Errorf("failed to save signature: %w", err)
	}
	return nil
}

func (s *BadgerCoordinatorStore) GetSignature(ctx context.Context, taskId string, operator common.Address) (*types.SignatureRecord, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	var record types.SignatureRecord
	key := fmt.Sprintf(prefixSignature, strings.ToLower(taskId), strings.ToLower(operator.Hex()))
	err := s.db.View(func(txn *badgerv3.Txn) error {
		return getJson(txn, key, &record)
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get signature: %w", err)
	}
	return &record, nil
}

func (s *BadgerCoordinatorStore) ListSignatures(ctx context.Context, taskId string) ([]*types.SignatureRecord, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	var records []*types.SignatureRecord
	prefix := fmt.Sprintf(prefixSigsForTask, strings.ToLower(taskId))
	err := s.db.View(func(txn *badgerv3.Txn) error {
		opts := badgerv3.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var record types.SignatureRecord
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &record)
			})
			if err != nil {
				return fmt.Errorf("failed to unmarshal signature record: %w", err)
			}
			records = append(records, &record)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list signatures: %w", err)
	}
	return records, nil
}

func (s *BadgerCoordinatorStore) SaveOperator(ctx context.Context, record *types.OperatorRecord) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	if record == nil {
		return errors.New("operator record is nil")
	}

	key := fmt.Sprintf(prefixOperator, strings.ToLower(record.Address.Hex()))
	err := s.db.Update(func(txn *badgerv3.Txn) error {
		return setJson(txn, key, record)
	})
	if err != nil {
		return fmt.Errorf("failed to save operator: %w", err)
	}
	return nil
}

func (s *BadgerCoordinatorStore) GetOperator(ctx context.Context, operator common.Address) (*types.OperatorRecord, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	var record types.OperatorRecord
	key := fmt.Sprintf(prefixOperator, strings.ToLower(operator.Hex()))
	err := s.db.View(func(txn *badgerv3.Txn) error {
		return getJson(txn, key, &record)
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get operator: %w", err)
	}
	return &record, nil
}

func (s *BadgerCoordinatorStore) ListOperators(ctx context.Context) ([]*types.OperatorRecord, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	var records []*types.OperatorRecord
	prefix := "operator:"
	err := s.db.View(func(txn *badgerv3.Txn) error {
		opts := badgerv3.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var record types.OperatorRecord
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &record)
			})
			if err != nil {
				return fmt.Errorf("failed to unmarshal operator record: %w", err)
			}
			records = append(records, &record)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list operators: %w", err)
	}
	return records, nil
}

func (s *BadgerCoordinatorStore) SaveDistributionRequest(ctx context.Context, request *types.DistributionRequest) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	if request == nil || request.RequestId == "" {
		return errors.New("distribution request or requestId is empty")
	}

	err := s.db.Update(func(txn *badgerv3.Txn) error {
		key := fmt.Sprintf(prefixRequest, request.RequestId)
		if err := setJson(txn, key, request); err != nil {
			return err
		}

		openKey := fmt.Sprintf(prefixRequestOpen, request.RequestId)
		if request.Executed {
			return txn.Delete([]byte(openKey))
		}
		return txn.Set([]byte(openKey), []byte{})
	})
	if err != nil {
		return fmt.Errorf("failed to save distribution request: %w", err)
	}
	return nil
}

func (s *BadgerCoordinatorStore) GetDistributionRequest(ctx context.Context, requestId string) (*types.DistributionRequest, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	var request types.DistributionRequest
	key := fmt.Sprintf(prefixRequest, requestId)
	err := s.db.View(func(txn *badgerv3.Txn) error {
		return getJson(txn, key, &request)
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get distribution request: %w", err)
	}
	return &request, nil
}

func (s *BadgerCoordinatorStore) ListUnexecutedRequests(ctx context.Context) ([]*types.DistributionRequest, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	var requests []*types.DistributionRequest
	prefix := fmt.Sprintf(prefixRequestOpen, "")
	err := s.db.View(func(txn *badgerv3.Txn) error {
		opts := badgerv3.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			requestId := key[len(prefix):]

			var request types.DistributionRequest
			if err := getJson(txn, fmt.Sprintf(prefixRequest, requestId), &request); err != nil {
				return fmt.Errorf("failed to load request %s from open index: %w", requestId, err)
			}
			requests = append(requests, &request)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list unexecuted requests: %w", err)
	}
	return requests, nil
}

// Close closes the store
func (s *BadgerCoordinatorStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrStoreClosed
	}

	s.closed = true
	s.gcTicker.Stop()
	close(s.closeCh)

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close badger db: %w", err)
	}
	return nil
}
