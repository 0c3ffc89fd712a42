package operatorRegistry

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/rewardmesh/rewardmesh/pkg/storage"
	"github.com/rewardmesh/rewardmesh/pkg/types"
)

var (
	ErrInvalidOperator   = errors.New("invalid operator address")
	ErrInvalidStake      = errors.New("stake must be positive")
	ErrAlreadyRegistered = errors.New("operator already registered")
	ErrOperatorNotFound  = errors.New("operator not found")
	ErrOperatorNotActive = errors.New("operator is not active")
)

// stakeCheckpoint is one point in an operator's append-only stake history.
// WeightAtTime answers audits against the checkpoint in effect at that time.
type stakeCheckpoint struct {
	At     time.Time
	Stake  *big.Int
	Active bool
}

type OperatorRegistry struct {
	store  storage.CoordinatorStore
	logger *zap.Logger

	mu      sync.RWMutex
	records map[common.Address]*types.OperatorRecord
	history map[common.Address][]stakeCheckpoint
}

func NewOperatorRegistry(store storage.CoordinatorStore, logger *zap.Logger) *OperatorRegistry {
	return &OperatorRegistry{
		store:   store,
		logger:  logger,
		records: make(map[common.Address]*types.OperatorRecord),
		history: make(map[common.Address][]stakeCheckpoint),
	}
}

// Hydrate loads persisted operator records. Checkpoint history restarts at
// load time; audits older than the process are answered from events.
func (or *OperatorRegistry) Hydrate(ctx context.Context, now time.Time) error {
	records, err := or.store.ListOperators(ctx)
	if err != nil {
		return fmt.Errorf("failed to list operators: %w", err)
	}

	or.mu.Lock()
	defer or.mu.Unlock()
	for _, record := range records {
		or.records[record.Address] = record
		or.history[record.Address] = []stakeCheckpoint{{
			At:     now,
			Stake:  new(big.Int).Set(record.Stake),
			Active: record.IsActive,
		}}
	}
	return nil
}

func (or *OperatorRegistry) Register(ctx context.Context, operator common.Address, stake *big.Int, now time.Time) error {
	if operator == (common.Address{}) {
		return ErrInvalidOperator
	}
	if stake == nil || stake.Sign() <= 0 {
		return ErrInvalidStake
	}

	or.mu.Lock()
	defer or.mu.Unlock()

	if existing, ok := or.records[operator]; ok && existing.IsActive {
		return ErrAlreadyRegistered
	}

	record := &types.OperatorRecord{
		Address:      operator,
		Stake:        new(big.Int).Set(stake),
		IsActive:     true,
		RegisteredAt: now,
	}
	or.records[operator] = record
	or.appendCheckpointLocked(operator, now, record.Stake, true)

	if err := or.store.SaveOperator(ctx, record); err != nil {
		return fmt.Errorf("failed to persist operator: %w", err)
	}

	or.logger.Sugar().Infow("operator registered",
		zap.String("operator", operator.String()),
		zap.String("stake", stake.String()),
	)
	return nil
}

// Deregister soft-deletes: the record survives for at-time-of-task audits.
func (or *OperatorRegistry) Deregister(ctx context.Context, operator common.Address, now time.Time) error {
	or.mu.Lock()
	defer or.mu.Unlock()

	record, ok := or.records[operator]
	if !ok {
		return ErrOperatorNotFound
	}
	if !record.IsActive {
		return ErrOperatorNotActive
	}

	record.IsActive = false
	or.appendCheckpointLocked(operator, now, record.Stake, false)

	if err := or.store.SaveOperator(ctx, record); err != nil {
		return fmt.Errorf("failed to persist operator: %w", err)
	}

	or.logger.Sugar().Infow("operator deregistered",
		zap.String("operator", operator.String()),
	)
	return nil
}

// Slash reduces the operator's stake by amount, clamped at zero, and
// forcibly deactivates the operator.
func (or *OperatorRegistry) Slash(ctx context.Context, operator common.Address, amount *big.Int, reason string, now time.Time) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidStake
	}

	or.mu.Lock()
	defer or.mu.Unlock()

	record, ok := or.records[operator]
	if !ok {
		return ErrOperatorNotFound
	}

	slashed := new(big.Int).Sub(record.Stake, amount)
	if slashed.Sign() < 0 {
		slashed.SetInt64(0)
	}
	record.Stake = slashed
	record.IsActive = false
	or.appendCheckpointLocked(operator, now, record.Stake, false)

	if err := or.store.SaveOperator(ctx, record); err != nil {
		return fmt.Errorf("failed to persist operator: %w", err)
	}

	or.logger.Sugar().Warnw("operator slashed",
		zap.String("operator", operator.String()),
		zap.String("amount", amount.String()),
		zap.String("remainingStake", record.Stake.String()),
		zap.String("reason", reason),
	)
	return nil
}

func (or *OperatorRegistry) Get(operator common.Address) (*types.OperatorRecord, error) {
	or.mu.RLock()
	defer or.mu.RUnlock()

	record, ok := or.records[operator]
	if !ok {
		return nil, ErrOperatorNotFound
	}
	return record, nil
}

// WeightAtTime returns the operator's stake weight in effect at time t.
// Inactive-at-t operators weigh zero. Required for quorum snapshot audits
// at task-creation time, not just "now".
func (or *OperatorRegistry) WeightAtTime(operator common.Address, t time.Time) (*big.Int, error) {
	or.mu.RLock()
	defer or.mu.RUnlock()

	checkpoints, ok := or.history[operator]
	if !ok {
		return nil, ErrOperatorNotFound
	}

	// Checkpoints are append-only and time-ordered; scan backwards for the
	// latest one not after t.
	for i := len(checkpoints) - 1; i >= 0; i-- {
		cp := checkpoints[i]
		if !cp.At.After(t) {
			if !cp.Active {
				return big.NewInt(0), nil
			}
			return new(big.Int).Set(cp.Stake), nil
		}
	}
	// Operator did not exist yet at t.
	return big.NewInt(0), nil
}

// SnapshotActive returns each active operator's stake and the total, as of
// now. Callers use this to freeze quorum weights at task creation.
func (or *OperatorRegistry) SnapshotActive(now time.Time) (map[common.Address]*big.Int, *big.Int) {
	or.mu.RLock()
	defer or.mu.RUnlock()

	stakes := make(map[common.Address]*big.Int)
	total := big.NewInt(0)
	for addr, record := range or.records {
		if !record.IsActive || record.Stake.Sign() <= 0 {
			continue
		}
		stake := new(big.Int).Set(record.Stake)
		stakes[addr] = stake
		total.Add(total, stake)
	}
	return stakes, total
}

func (or *OperatorRegistry) appendCheckpointLocked(operator common.Address, at time.Time, stake *big.Int, active bool) {
	or.history[operator] = append(or.history[operator], stakeCheckpoint{
		At:     at,
		Stake:  new(big.Int).Set(stake),
		Active: active,
	})
}
