package engine

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/rewardmesh/rewardmesh/pkg/aggregationScheduler"
	"github.com/rewardmesh/rewardmesh/pkg/clients/bridgeClient"
	"github.com/rewardmesh/rewardmesh/pkg/clients/settlementClient"
	"github.com/rewardmesh/rewardmesh/pkg/clients/slashingClient"
	"github.com/rewardmesh/rewardmesh/pkg/distributionPlanner"
	"github.com/rewardmesh/rewardmesh/pkg/engine/engineConfig"
	"github.com/rewardmesh/rewardmesh/pkg/events"
	"github.com/rewardmesh/rewardmesh/pkg/operatorRegistry"
	"github.com/rewardmesh/rewardmesh/pkg/preferenceStore"
	"github.com/rewardmesh/rewardmesh/pkg/rewardLedger"
	"github.com/rewardmesh/rewardmesh/pkg/storage"
	badgerStorage "github.com/rewardmesh/rewardmesh/pkg/storage/badger"
	memoryStorage "github.com/rewardmesh/rewardmesh/pkg/storage/memory"
	"github.com/rewardmesh/rewardmesh/pkg/taskCoordinator"
	"github.com/rewardmesh/rewardmesh/pkg/types"
)

const (
	ingestBufferSize    = 1024
	expiryCheckInterval = 5 * time.Second
	retryCheckInterval  = 30 * time.Second
)

// Clients are the external collaborators the engine talks to. Simulated
// implementations are used for tests and local runs.
type Clients struct {
	Settlement settlementClient.ISettlementClient
	Slashing   slashingClient.ISlashingClient
	Bridge     bridgeClient.IBridgeClient
}

// Engine wires the full reward pipeline: inbound activity records flow
// through the ledger, trigger-eligible users are batched by the scheduler,
// batches run an attestation round in the coordinator, and completed tasks
// are settled and paid out by the planner.
type Engine struct {
	config *engineConfig.EngineConfig
	logger *zap.Logger

	store       storage.CoordinatorStore
	prefs       *preferenceStore.PreferenceStore
	registry    *operatorRegistry.OperatorRegistry
	ledger      *rewardLedger.RewardLedger
	scheduler   *aggregationScheduler.AggregationScheduler
	coordinator *taskCoordinator.TaskCoordinator
	planner     *distributionPlanner.DistributionPlanner
	sink        events.Sink

	ingest chan *types.RewardEntry
}

func NewEngine(
	cfg *engineConfig.EngineConfig,
	clients *Clients,
	sink events.Sink,
	logger *zap.Logger,
) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}

	store, err := newStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	prefs := preferenceStore.NewPreferenceStore(&preferenceStore.PreferenceStoreConfig{})
	registry := operatorRegistry.NewOperatorRegistry(store, logger)

	coordinator, err := taskCoordinator.NewTaskCoordinator(
		&taskCoordinator.TaskCoordinatorConfig{
			QuorumNumerator:     cfg.Quorum.Numerator,
			QuorumDenominator:   cfg.Quorum.Denominator,
			AggregationDeadline: time.Duration(cfg.AggregationDeadlineSeconds) * time.Second,
		},
		store, registry, clients.Settlement, clients.Slashing, sink, logger,
	)
	if err != nil {
		return nil, err
	}

	scheduler := aggregationScheduler.NewAggregationScheduler(
		&aggregationScheduler.AggregationSchedulerConfig{
			MaxBatchSize:        cfg.Scheduler.MaxBatchSize,
			MaxBatchDelay:       time.Duration(cfg.Scheduler.MaxBatchDelaySeconds) * time.Second,
			GlobalClaimInterval: time.Duration(cfg.Scheduler.GlobalClaimIntervalSeconds) * time.Second,
		},
		coordinator, prefs, logger,
	)

	ledger := rewardLedger.NewRewardLedger(store, prefs, scheduler, sink, logger)

	planner := distributionPlanner.NewDistributionPlanner(
		&distributionPlanner.DistributionPlannerConfig{
			MinProfitThreshold: parseBigInt(cfg.Planner.MinProfitThreshold),
			LowGasThreshold:    parseBigInt(cfg.Planner.LowGasThreshold),
		},
		store, ledger, clients.Bridge, sink, logger,
	)
	hooks := &taskHooks{planner: planner, ledger: ledger, logger: logger}
	coordinator.SetCompletionHandler(hooks)
	coordinator.SetExpiryHandler(hooks)

	return &Engine{
		config:      cfg,
		logger:      logger,
		store:       store,
		prefs:       prefs,
		registry:    registry,
		ledger:      ledger,
		scheduler:   scheduler,
		coordinator: coordinator,
		planner:     planner,
		sink:        sink,
		ingest:      make(chan *types.RewardEntry, ingestBufferSize),
	}, nil
}

// SubmitReward hands one inbound activity record to the ingest pipeline.
// Returns the context error if the engine is shutting down.
func (e *Engine) SubmitReward(ctx context.Context, entry *types.RewardEntry) error {
	select {
	case e.ingest <- entry:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start rehydrates persisted state and runs the ingest loop, the batch
// scheduler, the expiry sweep and the distribution retry loop until the
// context is cancelled.
func (e *Engine) Start(ctx context.Context) error {
	now := time.Now()
	if err := e.registry.Hydrate(ctx, now); err != nil {
		return fmt.Errorf("failed to hydrate operator registry: %w", err)
	}
	if err := e.coordinator.Hydrate(ctx, now); err != nil {
		return fmt.Errorf("failed to hydrate task coordinator: %w", err)
	}

	go func() {
		if err := e.scheduler.Start(ctx); err != nil {
			e.logger.Sugar().Errorw("scheduler stopped", zap.Error(err))
		}
	}()
	go e.runExpirySweep(ctx)
	go e.runRetryLoop(ctx)

	e.logger.Sugar().Infow("engine started",
		zap.Uint64("quorumNumerator", e.config.Quorum.Numerator),
		zap.Uint64("quorumDenominator", e.config.Quorum.Denominator),
		zap.Int("chains", len(e.config.Chains)),
	)

	for {
		select {
		case <-ctx.Done():
			e.logger.Sugar().Infow("engine shutting down")
			return e.store.Close()
		case entry := <-e.ingest:
			e.processReward(ctx, entry)
		}
	}
}

func (e *Engine) processReward(ctx context.Context, entry *types.RewardEntry) {
	triggered, state, err := e.ledger.Record(ctx, entry.User, entry.Amount, entry.RewardType, entry.Timestamp)
	if err != nil {
		e.logger.Sugar().Errorw("failed to record reward",
			zap.String("user", entry.User.String()),
			zap.Error(err),
		)
		return
	}
	if !triggered || state.PendingClaim.Sign() == 0 {
		return
	}

	// Reserve the pending balance before batching it. An open task holds
	// only what it reserved, so a user triggered again while a task is in
	// flight batches just the newly accumulated earnings.
	amount := state.PendingClaim
	if err := e.ledger.Reserve(ctx, entry.User, amount, entry.Timestamp); err != nil {
		e.logger.Sugar().Errorw("failed to reserve pending rewards",
			zap.String("user", entry.User.String()),
			zap.Error(err),
		)
		return
	}
	targetChain := e.prefs.Get(entry.User).TargetChain
	e.scheduler.Enqueue(entry.User, amount, targetChain, entry.Timestamp)
}

func (e *Engine) runExpirySweep(ctx context.Context) {
	ticker := time.NewTicker(expiryCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := e.coordinator.ExpireDue(ctx, now); err != nil {
				e.logger.Sugar().Errorw("expiry sweep failed", zap.Error(err))
			}
		}
	}
}

func (e *Engine) runRetryLoop(ctx context.Context) {
	ticker := time.NewTicker(retryCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := e.planner.RetryPending(ctx, now); err != nil {
				e.logger.Sugar().Errorw("distribution retry failed", zap.Error(err))
			}
		}
	}
}

func (e *Engine) Ledger() *rewardLedger.RewardLedger                    { return e.ledger }
func (e *Engine) Preferences() *preferenceStore.PreferenceStore         { return e.prefs }
func (e *Engine) Registry() *operatorRegistry.OperatorRegistry          { return e.registry }
func (e *Engine) Coordinator() *taskCoordinator.TaskCoordinator         { return e.coordinator }
func (e *Engine) Scheduler() *aggregationScheduler.AggregationScheduler { return e.scheduler }
func (e *Engine) Planner() *distributionPlanner.DistributionPlanner     { return e.planner }

// taskHooks adapts the planner and ledger to the coordinator's terminal-state
// hooks: a completed task is planned and executed immediately, an expired
// task hands its reserved earnings back to the users' pending balances.
type taskHooks struct {
	planner *distributionPlanner.DistributionPlanner
	ledger  *rewardLedger.RewardLedger
	logger  *zap.Logger
}

func (th *taskHooks) HandleCompletedTask(ctx context.Context, task *types.AggregationTask, now time.Time) error {
	requests, err := th.planner.PlanDistributions(ctx, task, now)
	if err != nil {
		return err
	}
	th.planner.Execute(ctx, requests, now)
	return nil
}

func (th *taskHooks) HandleExpiredTask(ctx context.Context, task *types.AggregationTask, now time.Time) error {
	for _, entry := range task.Entries {
		if err := th.ledger.Release(ctx, entry.User, entry.Amount, now); err != nil {
			th.logger.Sugar().Errorw("failed to release reserved rewards",
				zap.String("taskId", task.TaskId),
				zap.String("user", entry.User.String()),
				zap.Error(err),
			)
		}
	}
	return nil
}

func newStore(cfg *engineConfig.EngineConfig, logger *zap.Logger) (storage.CoordinatorStore, error) {
	switch cfg.Storage.Type {
	case "", engineConfig.StorageTypeMemory:
		return memoryStorage.NewInMemoryCoordinatorStore(), nil
	case engineConfig.StorageTypeBadger:
		return badgerStorage.NewBadgerCoordinatorStore(cfg.Storage.Badger)
	default:
		return nil, fmt.Errorf("unsupported storage type %s", cfg.Storage.Type)
	}
}

func parseBigInt(s string) *big.Int {
	if s == "" {
		return nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil
	}
	return v
}
