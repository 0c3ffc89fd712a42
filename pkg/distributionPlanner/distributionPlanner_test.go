package distributionPlanner

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rewardmesh/rewardmesh/pkg/clients/bridgeClient"
	"github.com/rewardmesh/rewardmesh/pkg/config"
	"github.com/rewardmesh/rewardmesh/pkg/events"
	"github.com/rewardmesh/rewardmesh/pkg/preferenceStore"
	"github.com/rewardmesh/rewardmesh/pkg/rewardLedger"
	"github.com/rewardmesh/rewardmesh/pkg/storage/memory"
	"github.com/rewardmesh/rewardmesh/pkg/types"
)

var (
	userOne = common.HexToAddress("0x1111111111111111111111111111111111111111")
	userTwo = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func whole(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

type plannerFixture struct {
	planner *DistributionPlanner
	ledger  *rewardLedger.RewardLedger
	bridge  *bridgeClient.SimulatedBridgeClient
	store   *memory.InMemoryCoordinatorStore
	sink    *events.CapturingSink
}

func newPlannerFixture(t *testing.T) *plannerFixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := memory.NewInMemoryCoordinatorStore()
	sink := events.NewCapturingSink()
	ledger := rewardLedger.NewRewardLedger(
		store,
		preferenceStore.NewPreferenceStore(&preferenceStore.PreferenceStoreConfig{}),
		nil,
		sink,
		logger,
	)
	bridge := bridgeClient.NewSimulatedBridgeClient(logger)
	planner := NewDistributionPlanner(&DistributionPlannerConfig{}, store, ledger, bridge, sink, logger)
	return &plannerFixture{planner: planner, ledger: ledger, bridge: bridge, store: store, sink: sink}
}

func TestCalculateFee_PerChain(t *testing.T) {
	amount := whole(10)

	assert.Equal(t, big.NewInt(1e16), CalculateFee(amount, config.ChainId_EthereumMainnet))
	assert.Equal(t, big.NewInt(2e15), CalculateFee(amount, config.ChainId_Arbitrum))
	assert.Equal(t, big.NewInt(2e15), CalculateFee(amount, config.ChainId_Optimism))
	assert.Equal(t, big.NewInt(1e15), CalculateFee(amount, config.ChainId_Polygon))
	assert.Equal(t, big.NewInt(1e15), CalculateFee(amount, config.ChainId_Base))

	// Unknown chains pay the full base fee.
	assert.Equal(t, big.NewInt(1e16), CalculateFee(amount, config.ChainId(999)))
}

func TestCalculateNetAmount(t *testing.T) {
	net := CalculateNetAmount(whole(1), config.ChainId_EthereumMainnet)
	assert.Equal(t, new(big.Int).Sub(whole(1), big.NewInt(1e16)), net)

	// A tiny amount nets out at zero, never negative.
	net = CalculateNetAmount(big.NewInt(100), config.ChainId_EthereumMainnet)
	assert.Zero(t, net.Sign())
}

func TestIsProfitable(t *testing.T) {
	min := big.NewInt(5e17)
	assert.True(t, IsProfitable(whole(1), config.ChainId_Base, min))
	assert.False(t, IsProfitable(big.NewInt(4e17), config.ChainId_Base, min))
}

func TestPriority(t *testing.T) {
	base := Priority(whole(10), types.TierBase, 0)
	assert.Equal(t, uint64(10), base)

	// A tier level adds ten points per level.
	assert.Equal(t, uint64(20), Priority(whole(10), types.TierGold, 0))
	assert.Equal(t, uint64(40), Priority(whole(10), types.TierDiamond, 0))

	// Each full day of waiting adds one point.
	assert.Equal(t, uint64(13), Priority(whole(10), types.TierBase, 3*24*time.Hour))
	assert.Equal(t, uint64(10), Priority(whole(10), types.TierBase, 23*time.Hour))

	// Priority grows with amount.
	assert.Greater(t, Priority(whole(100), types.TierBase, 0), Priority(whole(10), types.TierBase, 0))
}

func TestOptimalTiming(t *testing.T) {
	f := newPlannerFixture(t)
	now := time.Now()

	lowGas := big.NewInt(10_000_000_000)
	highGas := big.NewInt(90_000_000_000)

	// Low gas, no user preference: (15m + 1h) / 2.
	assert.Equal(t, now.Add(37*time.Minute+30*time.Second), f.planner.OptimalTiming(now, 0, lowGas))

	// High gas, 4h preference: (2h + 4h) / 2.
	assert.Equal(t, now.Add(3*time.Hour), f.planner.OptimalTiming(now, 4*time.Hour, highGas))

	// Unknown gas price is treated as high.
	assert.Equal(t, now.Add(90*time.Minute), f.planner.OptimalTiming(now, time.Hour, nil))
}

func completedTask(entries []types.BatchEntry, now time.Time) *types.AggregationTask {
	total := big.NewInt(0)
	for _, e := range entries {
		total.Add(total, e.Amount)
	}
	return &types.AggregationTask{
		TaskId:      types.NewTaskId(1, now, entries),
		Entries:     entries,
		TotalAmount: total,
		CreatedAt:   now,
		Deadline:    now.Add(time.Hour),
		Status:      types.TaskStatusCompleted,
	}
}

func TestPlanDistributions_OrdersByPriority(t *testing.T) {
	ctx := context.Background()
	f := newPlannerFixture(t)
	now := time.Now()

	// userTwo reaches gold tier, userOne stays base.
	_, _, err := f.ledger.Record(ctx, userOne, whole(10), "staking", now)
	require.NoError(t, err)
	_, _, err = f.ledger.Record(ctx, userTwo, whole(1_000), "staking", now)
	require.NoError(t, err)

	task := completedTask([]types.BatchEntry{
		{User: userOne, Amount: whole(10), TargetChain: config.ChainId_Base},
		{User: userTwo, Amount: whole(10), TargetChain: config.ChainId_Base},
	}, now)

	requests, err := f.planner.PlanDistributions(ctx, task, now)
	require.NoError(t, err)
	require.Len(t, requests, 2)

	assert.Equal(t, userTwo, requests[0].User, "The higher-tier user's leg comes first")
	assert.Equal(t, userOne, requests[1].User)

	for _, r := range requests {
		assert.Equal(t, task.TaskId, r.TaskId)
		assert.Equal(t, big.NewInt(1e15), r.Fee)
		assert.Equal(t, new(big.Int).Sub(whole(10), big.NewInt(1e15)), r.NetAmount)
		assert.False(t, r.Executed)

		persisted, err := f.store.GetDistributionRequest(ctx, r.RequestId)
		require.NoError(t, err)
		assert.Equal(t, r.RequestId, persisted.RequestId)
	}
}

func TestExecute_SuccessMarksClaimed(t *testing.T) {
	ctx := context.Background()
	f := newPlannerFixture(t)
	now := time.Now()

	_, _, err := f.ledger.Record(ctx, userOne, whole(10), "staking", now)
	require.NoError(t, err)
	require.NoError(t, f.ledger.Reserve(ctx, userOne, whole(10), now))

	task := completedTask([]types.BatchEntry{
		{User: userOne, Amount: whole(10), TargetChain: config.ChainId_Base},
	}, now)
	requests, err := f.planner.PlanDistributions(ctx, task, now)
	require.NoError(t, err)

	executed := f.planner.Execute(ctx, requests, now)
	assert.Equal(t, 1, executed)
	assert.True(t, requests[0].Executed)
	assert.NotEmpty(t, requests[0].TransferHandle)

	state, err := f.ledger.GetState(ctx, userOne)
	require.NoError(t, err)
	assert.Zero(t, state.PendingClaim.Sign())
	assert.Zero(t, state.ReservedClaim.Sign())
	assert.Equal(t, whole(10), state.TotalClaimed)

	assert.Len(t, f.sink.EventsOfType(events.EventDistributionExecuted), 1)
	assert.Len(t, f.bridge.Transfers(), 1)
}

// A leg the ledger refuses to debit must never flip to executed, so it can
// never be treated as paid.
func TestExecute_LedgerRefusalLeavesLegUnexecuted(t *testing.T) {
	ctx := context.Background()
	f := newPlannerFixture(t)
	now := time.Now()

	// Only half the leg's amount is reserved.
	_, _, err := f.ledger.Record(ctx, userOne, whole(10), "staking", now)
	require.NoError(t, err)
	require.NoError(t, f.ledger.Reserve(ctx, userOne, whole(5), now))

	task := completedTask([]types.BatchEntry{
		{User: userOne, Amount: whole(10), TargetChain: config.ChainId_Base},
	}, now)
	requests, err := f.planner.PlanDistributions(ctx, task, now)
	require.NoError(t, err)

	executed := f.planner.Execute(ctx, requests, now)
	assert.Equal(t, 0, executed)
	assert.False(t, requests[0].Executed)

	state, err := f.ledger.GetState(ctx, userOne)
	require.NoError(t, err)
	assert.Zero(t, state.TotalClaimed.Sign(), "A refused claim must not count as claimed")
	assert.Equal(t, whole(5), state.PendingClaim)
	assert.Equal(t, whole(5), state.ReservedClaim)

	pending, err := f.store.ListUnexecutedRequests(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1, "The refused leg stays visible for reconciliation")
}

func TestExecute_FailureLeavesRequestRetryable(t *testing.T) {
	ctx := context.Background()
	f := newPlannerFixture(t)
	now := time.Now()

	_, _, err := f.ledger.Record(ctx, userOne, whole(10), "staking", now)
	require.NoError(t, err)
	require.NoError(t, f.ledger.Reserve(ctx, userOne, whole(10), now))
	_, _, err = f.ledger.Record(ctx, userTwo, whole(5), "staking", now)
	require.NoError(t, err)
	require.NoError(t, f.ledger.Reserve(ctx, userTwo, whole(5), now))

	task := completedTask([]types.BatchEntry{
		{User: userOne, Amount: whole(10), TargetChain: config.ChainId_Base},
		{User: userTwo, Amount: whole(5), TargetChain: config.ChainId_Base},
	}, now)
	requests, err := f.planner.PlanDistributions(ctx, task, now)
	require.NoError(t, err)

	// First leg fails at the bridge, second succeeds.
	f.bridge.FailNext(1)
	executed := f.planner.Execute(ctx, requests, now)
	assert.Equal(t, 1, executed, "A failed leg must not block its siblings")

	pending, err := f.store.ListUnexecutedRequests(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	// The failed leg's user keeps its reserved balance.
	failedUser := pending[0].User
	state, err := f.ledger.GetState(ctx, failedUser)
	require.NoError(t, err)
	assert.Equal(t, 0, state.ReservedClaim.Cmp(pending[0].Amount))
	assert.Zero(t, state.TotalClaimed.Sign())

	// Retry picks it up and succeeds.
	retried, err := f.planner.RetryPending(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, retried)

	pending, err = f.store.ListUnexecutedRequests(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
