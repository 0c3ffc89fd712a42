package aggregationScheduler

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/rewardmesh/rewardmesh/pkg/config"
	"github.com/rewardmesh/rewardmesh/pkg/preferenceStore"
	"github.com/rewardmesh/rewardmesh/pkg/types"
)

// TaskCreator receives a closed batch. Implemented by the task coordinator.
type TaskCreator interface {
	CreateTask(ctx context.Context, entries []types.BatchEntry, now time.Time) (*types.AggregationTask, error)
}

type AggregationSchedulerConfig struct {
	// MaxBatchSize closes the batch as soon as this many users are buffered.
	MaxBatchSize int

	// MaxBatchDelay closes a non-empty batch this long after its first entry,
	// regardless of size. Batching amortizes the consensus round's fixed cost.
	MaxBatchDelay time.Duration

	// GlobalClaimInterval triggers aggregation for users whose last claim is
	// at least this old, independent of thresholds.
	GlobalClaimInterval time.Duration

	// FlushInterval is how often the background loop re-evaluates the buffer.
	FlushInterval time.Duration
}

// AggregationScheduler accumulates trigger-eligible users and hands closed
// batches to the coordinator. A user buffered twice is coalesced into one
// entry with the summed amount; a batch never contains duplicate users.
type AggregationScheduler struct {
	config      *AggregationSchedulerConfig
	coordinator TaskCreator
	prefs       *preferenceStore.PreferenceStore
	logger      *zap.Logger

	mu       sync.Mutex
	buffer   map[common.Address]*types.BatchEntry
	order    []common.Address
	openedAt time.Time
}

func NewAggregationScheduler(
	cfg *AggregationSchedulerConfig,
	coordinator TaskCreator,
	prefs *preferenceStore.PreferenceStore,
	logger *zap.Logger,
) *AggregationScheduler {
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = time.Second
	}
	return &AggregationScheduler{
		config:      cfg,
		coordinator: coordinator,
		prefs:       prefs,
		logger:      logger,
		buffer:      make(map[common.Address]*types.BatchEntry),
	}
}

// Trigger is the scheduler's eligibility predicate, evaluated against a
// user's post-record ledger state:
// pendingClaim >= claimThreshold OR now - lastClaimTime >= globalClaimInterval.
func (as *AggregationScheduler) Trigger(state *types.UserRewardState, now time.Time) bool {
	threshold := as.prefs.Get(state.User).ClaimThreshold
	if state.PendingClaim.Cmp(threshold) >= 0 {
		return true
	}
	return now.Sub(state.LastClaimTime) >= as.config.GlobalClaimInterval
}

// Enqueue buffers a user's reserved amount for the next batch. Re-enqueueing
// a buffered user sums the amounts; the first-seen position is kept.
func (as *AggregationScheduler) Enqueue(user common.Address, amount *big.Int, targetChain config.ChainId, now time.Time) {
	as.mu.Lock()
	defer as.mu.Unlock()

	if existing, ok := as.buffer[user]; ok {
		existing.Amount = new(big.Int).Add(existing.Amount, amount)
		return
	}

	if len(as.buffer) == 0 {
		as.openedAt = now
	}
	as.buffer[user] = &types.BatchEntry{
		User:        user,
		Amount:      new(big.Int).Set(amount),
		TargetChain: targetChain,
	}
	as.order = append(as.order, user)
}

// BufferedCount returns the number of distinct users currently buffered.
func (as *AggregationScheduler) BufferedCount() int {
	as.mu.Lock()
	defer as.mu.Unlock()
	return len(as.buffer)
}

// FlushDue closes the batch if it is full or has aged past MaxBatchDelay.
// Returns the created task, or nil when nothing was due.
func (as *AggregationScheduler) FlushDue(ctx context.Context, now time.Time) (*types.AggregationTask, error) {
	as.mu.Lock()
	if len(as.buffer) == 0 {
		as.mu.Unlock()
		return nil, nil
	}
	full := len(as.buffer) >= as.config.MaxBatchSize
	aged := now.Sub(as.openedAt) >= as.config.MaxBatchDelay
	if !full && !aged {
		as.mu.Unlock()
		return nil, nil
	}
	entries := as.drainLocked()
	as.mu.Unlock()

	return as.createTask(ctx, entries, now)
}

// Flush closes the batch unconditionally. Returns nil when the buffer is empty.
func (as *AggregationScheduler) Flush(ctx context.Context, now time.Time) (*types.AggregationTask, error) {
	as.mu.Lock()
	if len(as.buffer) == 0 {
		as.mu.Unlock()
		return nil, nil
	}
	entries := as.drainLocked()
	as.mu.Unlock()

	return as.createTask(ctx, entries, now)
}

// Start runs the flush loop until the context is cancelled.
func (as *AggregationScheduler) Start(ctx context.Context) error {
	ticker := time.NewTicker(as.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			as.logger.Sugar().Infow("aggregation scheduler shutting down")
			return nil
		case now := <-ticker.C:
			if _, err := as.FlushDue(ctx, now); err != nil {
				as.logger.Sugar().Errorw("failed to flush batch",
					zap.Error(err),
				)
			}
		}
	}
}

// drainLocked extracts the buffered entries in first-seen order and resets
// the buffer. Caller holds the mutex, so no append can interleave with the
// batch closing.
func (as *AggregationScheduler) drainLocked() []types.BatchEntry {
	entries := make([]types.BatchEntry, 0, len(as.order))
	for _, user := range as.order {
		entries = append(entries, *as.buffer[user])
	}
	as.buffer = make(map[common.Address]*types.BatchEntry)
	as.order = nil
	return entries
}

func (as *AggregationScheduler) createTask(ctx context.Context, entries []types.BatchEntry, now time.Time) (*types.AggregationTask, error) {
	task, err := as.coordinator.CreateTask(ctx, entries, now)
	if err != nil {
		// Put the batch back so the rewards are not lost; they will be
		// retried on the next flush.
		as.mu.Lock()
		for _, e := range entries {
			if existing, ok := as.buffer[e.User]; ok {
				existing.Amount = new(big.Int).Add(existing.Amount, e.Amount)
				continue
			}
			if len(as.buffer) == 0 {
				as.openedAt = now
			}
			entry := e
			as.buffer[e.User] = &entry
			as.order = append(as.order, e.User)
		}
		as.mu.Unlock()
		return nil, err
	}

	as.logger.Sugar().Infow("aggregation batch closed",
		zap.String("taskId", task.TaskId),
		zap.Int("users", len(entries)),
		zap.String("totalAmount", task.TotalAmount.String()),
	)
	return task, nil
}
