package distributionPlanner

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/rewardmesh/rewardmesh/pkg/clients/bridgeClient"
	"github.com/rewardmesh/rewardmesh/pkg/config"
	"github.com/rewardmesh/rewardmesh/pkg/events"
	"github.com/rewardmesh/rewardmesh/pkg/rewardLedger"
	"github.com/rewardmesh/rewardmesh/pkg/storage"
	"github.com/rewardmesh/rewardmesh/pkg/types"
	"github.com/rewardmesh/rewardmesh/pkg/util"
)

// RewardToken is the payout token symbol handed to the bridge.
const RewardToken = "RWD"

var (
	// BaseFee is the full cross-chain distribution fee in base units.
	BaseFee = big.NewInt(1e16)

	// feeDivisors discount the base fee per target chain. Chains absent
	// from this table pay the full base fee: a conservative default for
	// newly added chains, not an omission.
	feeDivisors = map[config.ChainId]int64{
		config.ChainId_EthereumMainnet: 1,
		config.ChainId_Arbitrum:        5,
		config.ChainId_Optimism:        5,
		config.ChainId_Polygon:         10,
		config.ChainId_Base:            10,
	}

	// wholeUnit converts base units to whole reward units for priority math.
	wholeUnit = big.NewInt(1e18)
)

var ErrNilTask = errors.New("task is nil")

type DistributionPlannerConfig struct {
	// MinProfitThreshold is the default profitability floor for a leg.
	MinProfitThreshold *big.Int

	// LowGasThreshold buckets the gas price proxy: at or below is "low".
	LowGasThreshold *big.Int

	// TransferDeadline bounds each bridge transfer.
	TransferDeadline time.Duration
}

// DistributionPlanner computes fee, priority and timing for payout legs and
// drives their execution through the bridge. Execution is per-leg fallible:
// a failed leg stays unexecuted and retryable, and never blocks its siblings.
type DistributionPlanner struct {
	config *DistributionPlannerConfig
	store  storage.CoordinatorStore
	ledger *rewardLedger.RewardLedger
	bridge bridgeClient.IBridgeClient
	sink   events.Sink
	logger *zap.Logger
}

func NewDistributionPlanner(
	cfg *DistributionPlannerConfig,
	store storage.CoordinatorStore,
	ledger *rewardLedger.RewardLedger,
	bridge bridgeClient.IBridgeClient,
	sink events.Sink,
	logger *zap.Logger,
) *DistributionPlanner {
	if cfg.MinProfitThreshold == nil {
		cfg.MinProfitThreshold = big.NewInt(0)
	}
	if cfg.LowGasThreshold == nil {
		cfg.LowGasThreshold = big.NewInt(30_000_000_000) // 30 gwei
	}
	if cfg.TransferDeadline == 0 {
		cfg.TransferDeadline = time.Hour
	}
	return &DistributionPlanner{
		config: cfg,
		store:  store,
		ledger: ledger,
		bridge: bridge,
		sink:   sink,
		logger: logger,
	}
}

// CalculateFee returns the distribution fee for amount to targetChain.
// Cheaper chains carry a larger divisor; unknown chains pay the base fee.
func CalculateFee(amount *big.Int, targetChain config.ChainId) *big.Int {
	divisor, ok := feeDivisors[targetChain]
	if !ok {
		return new(big.Int).Set(BaseFee)
	}
	return new(big.Int).Div(BaseFee, big.NewInt(divisor))
}

// CalculateNetAmount is amount minus the chain fee, floored at zero.
func CalculateNetAmount(amount *big.Int, targetChain config.ChainId) *big.Int {
	net := new(big.Int).Sub(amount, CalculateFee(amount, targetChain))
	if net.Sign() < 0 {
		net.SetInt64(0)
	}
	return net
}

// IsProfitable reports whether the net amount clears minThreshold.
func IsProfitable(amount *big.Int, targetChain config.ChainId, minThreshold *big.Int) bool {
	return CalculateNetAmount(amount, targetChain).Cmp(minThreshold) >= 0
}

// Priority orders legs within a batch: whole reward units, plus ten points
// per tier level, plus days since the user's last claim. Ordering only;
// a low priority never skips a leg.
func Priority(amount *big.Int, tier types.Tier, timeSinceLast time.Duration) uint64 {
	units := new(big.Int).Div(amount, wholeUnit).Uint64()
	tierWeight := uint64(tier.Level()) * 10
	days := uint64(timeSinceLast / (24 * time.Hour))
	return units + tierWeight + days
}

// OptimalTiming suggests an execution time: the midpoint of a coarse gas
// bucket (15m when cheap, 2h otherwise) and the user's claim frequency
// (one hour when the user expressed no preference).
func (dp *DistributionPlanner) OptimalTiming(now time.Time, userFrequency time.Duration, gasPrice *big.Int) time.Time {
	gasFactor := 2 * time.Hour
	if gasPrice != nil && gasPrice.Cmp(dp.config.LowGasThreshold) <= 0 {
		gasFactor = 15 * time.Minute
	}

	userFactor := time.Hour
	if userFrequency > 0 {
		userFactor = userFrequency
	}

	return now.Add((gasFactor + userFactor) / 2)
}

// PlanDistributions builds one DistributionRequest per leg of a completed
// task, ordered by descending priority, and persists them.
func (dp *DistributionPlanner) PlanDistributions(ctx context.Context, task *types.AggregationTask, now time.Time) ([]*types.DistributionRequest, error) {
	if task == nil {
		return nil, ErrNilTask
	}

	requests := util.Map(task.Entries, func(entry types.BatchEntry, i uint64) *types.DistributionRequest {
		return &types.DistributionRequest{
			RequestId:   types.NewDistributionRequestId(task.TaskId, entry.User, entry.Amount, entry.TargetChain),
			TaskId:      task.TaskId,
			User:        entry.User,
			Amount:      new(big.Int).Set(entry.Amount),
			Fee:         CalculateFee(entry.Amount, entry.TargetChain),
			NetAmount:   CalculateNetAmount(entry.Amount, entry.TargetChain),
			SourceChain: config.ChainId_EthereumMainnet,
			TargetChain: entry.TargetChain,
			Timestamp:   now,
		}
	})

	priorities := make(map[string]uint64, len(requests))
	for _, request := range requests {
		priorities[request.RequestId] = dp.priorityFor(ctx, request, now)
	}

	sort.SliceStable(requests, func(i, j int) bool {
		return priorities[requests[i].RequestId] > priorities[requests[j].RequestId]
	})

	for _, request := range requests {
		if err := dp.store.SaveDistributionRequest(ctx, request); err != nil {
			return nil, fmt.Errorf("failed to persist distribution request %s: %w", request.RequestId, err)
		}
	}
	return requests, nil
}

// Execute initiates bridge transfers for the given legs. Legs whose
// initiation is confirmed are marked executed and claimed; failed legs are
// logged and stay eligible for retry. The returned count is confirmed legs.
func (dp *DistributionPlanner) Execute(ctx context.Context, requests []*types.DistributionRequest, now time.Time) int {
	executed := 0
	for _, request := range requests {
		if request.Executed {
			continue
		}
		if err := dp.executeOne(ctx, request, now); err != nil {
			dp.logger.Sugar().Errorw("distribution leg failed, leaving for retry",
				zap.String("requestId", request.RequestId),
				zap.String("user", request.User.String()),
				zap.Error(err),
			)
			continue
		}
		executed++
	}
	return executed
}

// RetryPending re-executes every persisted unexecuted leg.
func (dp *DistributionPlanner) RetryPending(ctx context.Context, now time.Time) (int, error) {
	pending, err := dp.store.ListUnexecutedRequests(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list unexecuted requests: %w", err)
	}
	return dp.Execute(ctx, pending, now), nil
}

func (dp *DistributionPlanner) executeOne(ctx context.Context, request *types.DistributionRequest, now time.Time) error {
	handle, err := dp.bridge.InitiateTransfer(ctx, &bridgeClient.TransferRequest{
		RequestId:    request.RequestId,
		Recipient:    request.User,
		Token:        RewardToken,
		InputAmount:  request.Amount,
		OutputAmount: request.NetAmount,
		TargetChain:  request.TargetChain,
		Deadline:     now.Add(dp.config.TransferDeadline),
	})
	if err != nil {
		return err
	}

	// The ledger must debit the claim before the leg flips Executed; a leg
	// the ledger refused stays unexecuted and never silently double-pays.
	if err := dp.ledger.MarkClaimed(ctx, request.User, request.Amount, now); err != nil {
		return fmt.Errorf("ledger rejected claim for transfer %s: %w", handle, err)
	}

	request.TransferHandle = handle
	request.Executed = true
	if err := dp.store.SaveDistributionRequest(ctx, request); err != nil {
		return fmt.Errorf("failed to persist executed request: %w", err)
	}

	ev := events.New(events.EventDistributionExecuted, now)
	ev.User = request.User
	ev.RequestId = request.RequestId
	ev.TaskId = request.TaskId
	ev.Amount = new(big.Int).Set(request.NetAmount)
	ev.Chain = request.TargetChain
	dp.sink.Emit(ev)

	return nil
}

func (dp *DistributionPlanner) priorityFor(ctx context.Context, request *types.DistributionRequest, now time.Time) uint64 {
	tier := types.TierBase
	timeSinceLast := time.Duration(0)
	if state, err := dp.ledger.GetState(ctx, request.User); err == nil {
		tier = state.CurrentTier
		timeSinceLast = now.Sub(state.LastClaimTime)
	}
	return Priority(request.Amount, tier, timeSinceLast)
}
