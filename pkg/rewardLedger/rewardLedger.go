package rewardLedger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/rewardmesh/rewardmesh/pkg/events"
	"github.com/rewardmesh/rewardmesh/pkg/preferenceStore"
	"github.com/rewardmesh/rewardmesh/pkg/storage"
	"github.com/rewardmesh/rewardmesh/pkg/tierEngine"
	"github.com/rewardmesh/rewardmesh/pkg/types"
)

var (
	ErrInvalidAmount        = errors.New("reward amount must be positive")
	ErrInvalidUser          = errors.New("invalid user address")
	ErrUserNotFound         = errors.New("user has no reward state")
	ErrInsufficientPending  = errors.New("reserve amount exceeds pending balance")
	ErrInsufficientReserved = errors.New("claim amount exceeds reserved balance")
)

// TriggerEvaluator decides whether a user's post-record state should enter
// the aggregation pipeline. Implemented by the scheduler.
type TriggerEvaluator interface {
	Trigger(state *types.UserRewardState, now time.Time) bool
}

// RewardLedger owns all per-user reward state. No other component mutates
// it; earnings entering a batch come through Reserve, distribution
// confirmations through MarkClaimed, expired batches through Release.
//
// Invariant, held after every operation:
// TotalEarned == TotalClaimed + PendingClaim + ReservedClaim.
type RewardLedger struct {
	store   storage.CoordinatorStore
	prefs   *preferenceStore.PreferenceStore
	trigger TriggerEvaluator
	sink    events.Sink
	logger  *zap.Logger

	mu     sync.Mutex
	states map[common.Address]*types.UserRewardState
}

func NewRewardLedger(
	store storage.CoordinatorStore,
	prefs *preferenceStore.PreferenceStore,
	trigger TriggerEvaluator,
	sink events.Sink,
	logger *zap.Logger,
) *RewardLedger {
	return &RewardLedger{
		store:   store,
		prefs:   prefs,
		trigger: trigger,
		sink:    sink,
		logger:  logger,
		states:  make(map[common.Address]*types.UserRewardState),
	}
}

// Record applies one activity reward. Validation happens fully before any
// mutation; on success the tier is recomputed and the scheduler's trigger
// predicate is evaluated against the post-state.
//
// Inbound delivery is at-least-once with no idempotency key; a duplicated
// entry double-counts. Documented risk, not solved here.
func (rl *RewardLedger) Record(
	ctx context.Context,
	user common.Address,
	amount *big.Int,
	rewardType string,
	now time.Time,
) (bool, *types.UserRewardState, error) {
	if user == (common.Address{}) {
		return false, nil, ErrInvalidUser
	}
	if amount == nil || amount.Sign() <= 0 {
		return false, nil, ErrInvalidAmount
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	state, err := rl.loadOrCreateLocked(ctx, user, now)
	if err != nil {
		return false, nil, err
	}

	state.TotalEarned = new(big.Int).Add(state.TotalEarned, amount)
	state.PendingClaim = new(big.Int).Add(state.PendingClaim, amount)

	previousTier := state.CurrentTier
	newTier, changed := tierEngine.Recompute(previousTier, state.TotalEarned)
	state.CurrentTier = newTier

	if err := rl.store.SaveUserState(ctx, state); err != nil {
		return false, nil, fmt.Errorf("failed to persist user state: %w", err)
	}

	ev := events.New(events.EventRewardRecorded, now)
	ev.User = user
	ev.Amount = new(big.Int).Set(amount)
	ev.RewardType = rewardType
	rl.sink.Emit(ev)

	if changed {
		tev := events.New(events.EventTierChanged, now)
		tev.User = user
		tev.Tier = newTier
		tev.PreviousTier = previousTier
		rl.sink.Emit(tev)

		rl.logger.Sugar().Infow("user tier changed",
			zap.String("user", user.String()),
			zap.String("previousTier", previousTier.String()),
			zap.String("tier", newTier.String()),
		)
	}

	triggered := rl.trigger != nil && rl.trigger.Trigger(state, now)
	return triggered, copyState(state), nil
}

// Reserve moves amount from pending to reserved when the user's earnings
// enter an aggregation batch. Overlapping batches can never carry the same
// earnings: each batch only ever holds what it reserved.
func (rl *RewardLedger) Reserve(ctx context.Context, user common.Address, amount *big.Int, now time.Time) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	state, ok := rl.states[user]
	if !ok {
		return ErrUserNotFound
	}
	if state.PendingClaim.Cmp(amount) < 0 {
		return ErrInsufficientPending
	}

	state.PendingClaim = new(big.Int).Sub(state.PendingClaim, amount)
	state.ReservedClaim = new(big.Int).Add(state.ReservedClaim, amount)

	if err := rl.store.SaveUserState(ctx, state); err != nil {
		return fmt.Errorf("failed to persist user state: %w", err)
	}
	return nil
}

// Release returns reserved amount to pending after the task carrying it
// expired without paying out.
func (rl *RewardLedger) Release(ctx context.Context, user common.Address, amount *big.Int, now time.Time) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	state, ok := rl.states[user]
	if !ok {
		return ErrUserNotFound
	}
	if state.ReservedClaim.Cmp(amount) < 0 {
		return ErrInsufficientReserved
	}

	state.ReservedClaim = new(big.Int).Sub(state.ReservedClaim, amount)
	state.PendingClaim = new(big.Int).Add(state.PendingClaim, amount)

	if err := rl.store.SaveUserState(ctx, state); err != nil {
		return fmt.Errorf("failed to persist user state: %w", err)
	}
	return nil
}

// MarkClaimed moves amount from reserved to claimed after a confirmed
// distribution. Never partially applied.
func (rl *RewardLedger) MarkClaimed(ctx context.Context, user common.Address, amount *big.Int, now time.Time) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	state, ok := rl.states[user]
	if !ok {
		return ErrUserNotFound
	}
	if state.ReservedClaim.Cmp(amount) < 0 {
		return ErrInsufficientReserved
	}

	state.ReservedClaim = new(big.Int).Sub(state.ReservedClaim, amount)
	state.TotalClaimed = new(big.Int).Add(state.TotalClaimed, amount)
	state.LastClaimTime = now

	if err := rl.store.SaveUserState(ctx, state); err != nil {
		return fmt.Errorf("failed to persist user state: %w", err)
	}
	return nil
}

// GetState returns a copy of the user's ledger row, or ErrUserNotFound.
// Callers get a snapshot; the live row is only ever touched under the
// ledger's own lock.
func (rl *RewardLedger) GetState(ctx context.Context, user common.Address) (*types.UserRewardState, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	state, ok := rl.states[user]
	if ok {
		return copyState(state), nil
	}

	state, err := rl.store.GetUserState(ctx, user)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	rl.states[user] = state
	return copyState(state), nil
}

func (rl *RewardLedger) loadOrCreateLocked(ctx context.Context, user common.Address, now time.Time) (*types.UserRewardState, error) {
	if state, ok := rl.states[user]; ok {
		return state, nil
	}

	state, err := rl.store.GetUserState(ctx, user)
	if err == nil {
		rl.states[user] = state
		return state, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to load user state: %w", err)
	}

	prefs := rl.prefs.Get(user)
	state = &types.UserRewardState{
		User:           user,
		TotalEarned:    big.NewInt(0),
		PendingClaim:   big.NewInt(0),
		ReservedClaim:  big.NewInt(0),
		TotalClaimed:   big.NewInt(0),
		LastClaimTime:  now,
		CurrentTier:    types.TierBase,
		PreferredChain: prefs.TargetChain,
		ClaimThreshold: new(big.Int).Set(prefs.ClaimThreshold),
		ClaimFrequency: prefs.ClaimFrequency,
	}
	rl.states[user] = state
	return state, nil
}

// copyState snapshots a ledger row so callers on other goroutines never
// observe an in-place mutation.
func copyState(state *types.UserRewardState) *types.UserRewardState {
	copied := *state
	copied.TotalEarned = new(big.Int).Set(state.TotalEarned)
	copied.PendingClaim = new(big.Int).Set(state.PendingClaim)
	copied.ReservedClaim = new(big.Int).Set(state.ReservedClaim)
	copied.TotalClaimed = new(big.Int).Set(state.TotalClaimed)
	copied.ClaimThreshold = new(big.Int).Set(state.ClaimThreshold)
	return &copied
}
