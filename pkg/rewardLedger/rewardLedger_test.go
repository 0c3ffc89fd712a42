package rewardLedger

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rewardmesh/rewardmesh/pkg/events"
	"github.com/rewardmesh/rewardmesh/pkg/preferenceStore"
	"github.com/rewardmesh/rewardmesh/pkg/storage/memory"
	"github.com/rewardmesh/rewardmesh/pkg/types"
)

var testUser = common.HexToAddress("0x5B38Da6a701c568545dCfcB03FcB875f56beddC4")

// thresholdTrigger fires when pending reaches a fixed amount.
type thresholdTrigger struct {
	threshold *big.Int
}

func (tt *thresholdTrigger) Trigger(state *types.UserRewardState, now time.Time) bool {
	return state.PendingClaim.Cmp(tt.threshold) >= 0
}

func newTestLedger(t *testing.T, threshold *big.Int) (*RewardLedger, *events.CapturingSink) {
	sink := events.NewCapturingSink()
	ledger := NewRewardLedger(
		memory.NewInMemoryCoordinatorStore(),
		preferenceStore.NewPreferenceStore(&preferenceStore.PreferenceStoreConfig{}),
		&thresholdTrigger{threshold: threshold},
		sink,
		zaptest.NewLogger(t),
	)
	return ledger, sink
}

func assertInvariant(t *testing.T, state *types.UserRewardState) {
	t.Helper()
	sum := new(big.Int).Add(state.TotalClaimed, state.PendingClaim)
	sum.Add(sum, state.ReservedClaim)
	assert.Equal(t, 0, state.TotalEarned.Cmp(sum), "totalEarned must equal totalClaimed + pendingClaim + reservedClaim")
}

func TestRecord_AccumulatesAndHoldsInvariant(t *testing.T) {
	ctx := context.Background()
	ledger, sink := newTestLedger(t, big.NewInt(1_000))
	now := time.Now()

	triggered, state, err := ledger.Record(ctx, testUser, big.NewInt(300), "staking", now)
	require.NoError(t, err)
	assert.False(t, triggered)
	assert.Equal(t, big.NewInt(300), state.TotalEarned)
	assert.Equal(t, big.NewInt(300), state.PendingClaim)
	assert.Zero(t, state.TotalClaimed.Sign())
	assertInvariant(t, state)

	triggered, state, err = ledger.Record(ctx, testUser, big.NewInt(700), "referral", now)
	require.NoError(t, err)
	assert.True(t, triggered, "Reaching the threshold should fire the trigger")
	assert.Equal(t, big.NewInt(1_000), state.TotalEarned)
	assertInvariant(t, state)

	recorded := sink.EventsOfType(events.EventRewardRecorded)
	require.Len(t, recorded, 2)
	assert.Equal(t, "staking", recorded[0].RewardType)
	assert.Equal(t, "referral", recorded[1].RewardType)
}

func TestRecord_RejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newTestLedger(t, big.NewInt(1_000))
	now := time.Now()

	_, _, err := ledger.Record(ctx, common.Address{}, big.NewInt(1), "staking", now)
	assert.ErrorIs(t, err, ErrInvalidUser)

	_, _, err = ledger.Record(ctx, testUser, big.NewInt(0), "staking", now)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, _, err = ledger.Record(ctx, testUser, big.NewInt(-5), "staking", now)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, _, err = ledger.Record(ctx, testUser, nil, "staking", now)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	// Rejected records leave no state behind.
	_, err = ledger.GetState(ctx, testUser)
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestRecord_TierChangeEmittedOnce(t *testing.T) {
	ctx := context.Background()
	ledger, sink := newTestLedger(t, new(big.Int).Mul(big.NewInt(1_000_000), big.NewInt(1e18)))
	now := time.Now()

	gold := new(big.Int).Mul(big.NewInt(1_000), big.NewInt(1e18))
	_, state, err := ledger.Record(ctx, testUser, gold, "staking", now)
	require.NoError(t, err)
	assert.Equal(t, types.TierGold, state.CurrentTier)

	_, state, err = ledger.Record(ctx, testUser, big.NewInt(1), "staking", now)
	require.NoError(t, err)
	assert.Equal(t, types.TierGold, state.CurrentTier)

	changes := sink.EventsOfType(events.EventTierChanged)
	require.Len(t, changes, 1, "Staying inside a tier must not re-emit the change")
	assert.Equal(t, types.TierGold, changes[0].Tier)
	assert.Equal(t, types.TierBase, changes[0].PreviousTier)
}

func TestReserveAndRelease(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newTestLedger(t, big.NewInt(1_000_000))
	now := time.Now()

	_, _, err := ledger.Record(ctx, testUser, big.NewInt(500), "staking", now)
	require.NoError(t, err)

	require.NoError(t, ledger.Reserve(ctx, testUser, big.NewInt(200), now))

	state, err := ledger.GetState(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(300), state.PendingClaim)
	assert.Equal(t, big.NewInt(200), state.ReservedClaim)
	assertInvariant(t, state)

	// Reserving more than pending fails without touching the state.
	err = ledger.Reserve(ctx, testUser, big.NewInt(301), now)
	assert.ErrorIs(t, err, ErrInsufficientPending)
	state, err = ledger.GetState(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(300), state.PendingClaim)
	assertInvariant(t, state)

	// An expired batch returns the reservation to pending.
	require.NoError(t, ledger.Release(ctx, testUser, big.NewInt(200), now))
	state, err = ledger.GetState(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(500), state.PendingClaim)
	assert.Zero(t, state.ReservedClaim.Sign())
	assertInvariant(t, state)

	err = ledger.Release(ctx, testUser, big.NewInt(1), now)
	assert.ErrorIs(t, err, ErrInsufficientReserved)

	err = ledger.Reserve(ctx, common.HexToAddress("0x9999999999999999999999999999999999999999"), big.NewInt(1), now)
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestMarkClaimed(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newTestLedger(t, big.NewInt(1_000_000))
	now := time.Now()

	_, _, err := ledger.Record(ctx, testUser, big.NewInt(500), "staking", now)
	require.NoError(t, err)
	require.NoError(t, ledger.Reserve(ctx, testUser, big.NewInt(200), now))

	claimTime := now.Add(time.Hour)
	require.NoError(t, ledger.MarkClaimed(ctx, testUser, big.NewInt(200), claimTime))

	state, err := ledger.GetState(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(300), state.PendingClaim)
	assert.Zero(t, state.ReservedClaim.Sign())
	assert.Equal(t, big.NewInt(200), state.TotalClaimed)
	assert.Equal(t, claimTime, state.LastClaimTime)
	assertInvariant(t, state)

	// Only reserved earnings are claimable; pending alone is not enough.
	err = ledger.MarkClaimed(ctx, testUser, big.NewInt(1), claimTime)
	assert.ErrorIs(t, err, ErrInsufficientReserved)

	// A failed claim leaves the state untouched.
	state, err = ledger.GetState(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(300), state.PendingClaim)
	assert.Equal(t, big.NewInt(200), state.TotalClaimed)
	assertInvariant(t, state)

	err = ledger.MarkClaimed(ctx, common.HexToAddress("0x9999999999999999999999999999999999999999"), big.NewInt(1), claimTime)
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestGetState_ReturnsIsolatedCopy(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newTestLedger(t, big.NewInt(1_000_000))
	now := time.Now()

	_, recorded, err := ledger.Record(ctx, testUser, big.NewInt(500), "staking", now)
	require.NoError(t, err)

	// Mutating a returned row never reaches the ledger.
	recorded.PendingClaim.SetInt64(999_999)

	first, err := ledger.GetState(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(500), first.PendingClaim)

	first.TotalEarned.SetInt64(0)
	second, err := ledger.GetState(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(500), second.TotalEarned)
}

func TestGetState_PersistedAcrossInstances(t *testing.T) {
	ctx := context.Background()
	store := memory.NewInMemoryCoordinatorStore()
	prefs := preferenceStore.NewPreferenceStore(&preferenceStore.PreferenceStoreConfig{})
	logger := zaptest.NewLogger(t)
	now := time.Now()

	first := NewRewardLedger(store, prefs, nil, events.NewCapturingSink(), logger)
	_, _, err := first.Record(ctx, testUser, big.NewInt(42), "staking", now)
	require.NoError(t, err)

	second := NewRewardLedger(store, prefs, nil, events.NewCapturingSink(), logger)
	state, err := second.GetState(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(42), state.TotalEarned, "A fresh ledger should read persisted state")
}
