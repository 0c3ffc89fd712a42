package taskCoordinator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/rewardmesh/rewardmesh/pkg/clients/settlementClient"
	"github.com/rewardmesh/rewardmesh/pkg/clients/slashingClient"
	"github.com/rewardmesh/rewardmesh/pkg/config"
	"github.com/rewardmesh/rewardmesh/pkg/events"
	"github.com/rewardmesh/rewardmesh/pkg/operatorRegistry"
	"github.com/rewardmesh/rewardmesh/pkg/signer"
	"github.com/rewardmesh/rewardmesh/pkg/storage"
	"github.com/rewardmesh/rewardmesh/pkg/types"
)

var (
	ErrTaskNotFound        = errors.New("task not found")
	ErrTaskCompleted       = errors.New("task already completed")
	ErrTaskExpired         = errors.New("task already expired")
	ErrTaskNotDue          = errors.New("task deadline has not passed")
	ErrUnknownOperator     = errors.New("operator not in task stake snapshot")
	ErrAlreadyResponded    = errors.New("operator has already submitted a signature")
	ErrInvalidSignature    = errors.New("signature does not verify against task digest")
	ErrEmptyBatch          = errors.New("batch has no entries")
	ErrDuplicateUser       = errors.New("batch contains duplicate user")
	ErrInvalidEntryAmount  = errors.New("batch entry amount must be positive")
	ErrUnsupportedChain    = errors.New("batch entry target chain is not supported")
	ErrArrayLengthMismatch = errors.New("column arrays have mismatched lengths")
	ErrNoActiveOperators   = errors.New("no active operators to form a quorum")
)

// CompletionHandler receives tasks that reached quorum, after the status
// transition is durable. Implemented by the distribution planner wiring.
type CompletionHandler interface {
	HandleCompletedTask(ctx context.Context, task *types.AggregationTask, now time.Time) error
}

// ExpiryHandler receives tasks that expired, after the status transition is
// durable. The ledger wiring uses it to return the task's reserved earnings
// to the users' pending balances.
type ExpiryHandler interface {
	HandleExpiredTask(ctx context.Context, task *types.AggregationTask, now time.Time) error
}

type TaskCoordinatorConfig struct {
	// QuorumNumerator/QuorumDenominator express the required signed stake as
	// a fraction of the task's snapshot total, e.g. 2/3.
	QuorumNumerator   uint64
	QuorumDenominator uint64

	// AggregationDeadline is how long operators have to attest a task.
	AggregationDeadline time.Duration
}

// taskSession is the in-memory consensus state for one pending task. The
// stake snapshot is frozen at creation; later registry changes never alter
// this task's quorum arithmetic.
type taskSession struct {
	mu sync.Mutex

	task         *types.AggregationTask
	digest       [32]byte
	snapshot     map[common.Address]*big.Int
	totalStake   *big.Int
	signedWeight *big.Int
	signers      map[common.Address]bool
	signatures   [][]byte
}

// TaskCoordinator runs the stake-weighted attestation round for aggregation
// tasks: it freezes the operator set at creation, collects and verifies
// operator signatures, completes tasks at quorum, and expires overdue tasks
// with slashing referrals for non-signers. Task status moves exactly once,
// pending to completed or pending to expired.
type TaskCoordinator struct {
	config     *TaskCoordinatorConfig
	store      storage.CoordinatorStore
	registry   *operatorRegistry.OperatorRegistry
	settlement settlementClient.ISettlementClient
	slashing   slashingClient.ISlashingClient
	completion CompletionHandler
	expiry     ExpiryHandler
	sink       events.Sink
	logger     *zap.Logger

	nonce atomic.Uint64

	mu       sync.RWMutex
	sessions map[string]*taskSession
}

func NewTaskCoordinator(
	cfg *TaskCoordinatorConfig,
	store storage.CoordinatorStore,
	registry *operatorRegistry.OperatorRegistry,
	settlement settlementClient.ISettlementClient,
	slashing slashingClient.ISlashingClient,
	sink events.Sink,
	logger *zap.Logger,
) (*TaskCoordinator, error) {
	if cfg.QuorumDenominator == 0 || cfg.QuorumNumerator == 0 || cfg.QuorumNumerator > cfg.QuorumDenominator {
		return nil, fmt.Errorf("invalid quorum fraction %d/%d", cfg.QuorumNumerator, cfg.QuorumDenominator)
	}
	if cfg.AggregationDeadline <= 0 {
		return nil, fmt.Errorf("aggregation deadline must be positive")
	}
	return &TaskCoordinator{
		config:     cfg,
		store:      store,
		registry:   registry,
		settlement: settlement,
		slashing:   slashing,
		sink:       sink,
		logger:     logger,
		sessions:   make(map[string]*taskSession),
	}, nil
}

// SetCompletionHandler wires the post-quorum dispatch. Set once before any
// task is created; the planner depends on the coordinator's output, so this
// cannot be a constructor argument.
func (tc *TaskCoordinator) SetCompletionHandler(handler CompletionHandler) {
	tc.completion = handler
}

// SetExpiryHandler wires the post-expiry dispatch. Same lifecycle rules as
// SetCompletionHandler.
func (tc *TaskCoordinator) SetExpiryHandler(handler ExpiryHandler) {
	tc.expiry = handler
}

// CreateTask opens an attestation round over a batch. The active operator
// set and its stake weights are snapshotted here and never re-read for this
// task. Fails when the batch is empty, contains a duplicate user, a
// non-positive amount, an unsupported chain, or no operators are active.
func (tc *TaskCoordinator) CreateTask(ctx context.Context, entries []types.BatchEntry, now time.Time) (*types.AggregationTask, error) {
	if len(entries) == 0 {
		return nil, ErrEmptyBatch
	}
	seen := make(map[common.Address]bool, len(entries))
	totalAmount := big.NewInt(0)
	for _, entry := range entries {
		if seen[entry.User] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateUser, entry.User.String())
		}
		seen[entry.User] = true
		if entry.Amount == nil || entry.Amount.Sign() <= 0 {
			return nil, fmt.Errorf("%w: user %s", ErrInvalidEntryAmount, entry.User.String())
		}
		if !config.IsSupportedChainId(entry.TargetChain) {
			return nil, fmt.Errorf("%w: chain %d", ErrUnsupportedChain, entry.TargetChain)
		}
		totalAmount.Add(totalAmount, entry.Amount)
	}

	snapshot, totalStake := tc.registry.SnapshotActive(now)
	if totalStake.Sign() <= 0 {
		return nil, ErrNoActiveOperators
	}

	task := &types.AggregationTask{
		TaskId:      types.NewTaskId(tc.nonce.Add(1), now, entries),
		Entries:     entries,
		TotalAmount: totalAmount,
		CreatedAt:   now,
		Deadline:    now.Add(tc.config.AggregationDeadline),
		Status:      types.TaskStatusPending,
	}

	if err := tc.store.SaveTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to persist task: %w", err)
	}

	session := &taskSession{
		task:         task,
		digest:       task.Digest(),
		snapshot:     snapshot,
		totalStake:   totalStake,
		signedWeight: big.NewInt(0),
		signers:      make(map[common.Address]bool),
	}
	tc.mu.Lock()
	tc.sessions[task.TaskId] = session
	tc.mu.Unlock()

	ev := events.New(events.EventTaskCreated, now)
	ev.TaskId = task.TaskId
	ev.Amount = new(big.Int).Set(totalAmount)
	tc.sink.Emit(ev)

	tc.logger.Sugar().Infow("aggregation task created",
		zap.String("taskId", task.TaskId),
		zap.Int("entries", len(entries)),
		zap.String("totalAmount", totalAmount.String()),
		zap.Int("operators", len(snapshot)),
		zap.String("totalStake", totalStake.String()),
		zap.Time("deadline", task.Deadline),
	)
	return task, nil
}

// CreateTaskFromColumns is the column-oriented ingestion shape: parallel
// user, amount and chain arrays of equal length.
func (tc *TaskCoordinator) CreateTaskFromColumns(
	ctx context.Context,
	users []common.Address,
	amounts []*big.Int,
	chains []config.ChainId,
	now time.Time,
) (*types.AggregationTask, error) {
	if len(users) != len(amounts) || len(users) != len(chains) {
		return nil, fmt.Errorf("%w: users=%d amounts=%d chains=%d",
			ErrArrayLengthMismatch, len(users), len(amounts), len(chains))
	}
	entries := make([]types.BatchEntry, len(users))
	for i := range users {
		entries[i] = types.BatchEntry{
			User:        users[i],
			Amount:      amounts[i],
			TargetChain: chains[i],
		}
	}
	return tc.CreateTask(ctx, entries, now)
}

// SubmitSignature records one operator's attestation. The signature is
// verified against the task digest before the session lock is taken, so a
// forged signature never contends with honest submissions. At quorum the
// task completes and is handed to settlement and the completion handler.
func (tc *TaskCoordinator) SubmitSignature(
	ctx context.Context,
	taskId string,
	operator common.Address,
	signature []byte,
	now time.Time,
) error {
	session, err := tc.getSessionOrTerminal(ctx, taskId)
	if err != nil {
		return err
	}

	valid, err := signer.VerifyDigestSignature(session.digest, signature, operator)
	if err != nil {
		return fmt.Errorf("failed to verify signature: %w", err)
	}
	if !valid {
		return ErrInvalidSignature
	}

	session.mu.Lock()

	if err := terminalError(session.task.Status); err != nil {
		session.mu.Unlock()
		return err
	}
	if now.After(session.task.Deadline) {
		session.mu.Unlock()
		// First observer of the overdue deadline transitions the task.
		if expireErr := tc.ExpireTask(ctx, taskId, now); expireErr != nil {
			return expireErr
		}
		return ErrTaskExpired
	}
	weight, ok := session.snapshot[operator]
	if !ok {
		session.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownOperator, operator.String())
	}
	if session.signers[operator] {
		session.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyResponded, operator.String())
	}

	record := &types.SignatureRecord{
		TaskId:     taskId,
		Operator:   operator,
		Signature:  signature,
		Digest:     session.digest,
		ReceivedAt: now,
	}
	if err := tc.store.SaveSignature(ctx, record); err != nil {
		session.mu.Unlock()
		if errors.Is(err, storage.ErrAlreadyExists) {
			return fmt.Errorf("%w: %s", ErrAlreadyResponded, operator.String())
		}
		return fmt.Errorf("failed to persist signature: %w", err)
	}

	session.signers[operator] = true
	session.signatures = append(session.signatures, signature)
	session.signedWeight = new(big.Int).Add(session.signedWeight, weight)

	quorumReached := tc.quorumReached(session.signedWeight, session.totalStake)
	if quorumReached {
		session.task.Status = types.TaskStatusCompleted
	}
	completedTask := session.task
	signedWeight := session.signedWeight.String()
	proof := flattenSignatures(session.signatures)
	session.mu.Unlock()

	ev := events.New(events.EventSignatureAccepted, now)
	ev.TaskId = taskId
	ev.Operator = operator
	tc.sink.Emit(ev)

	tc.logger.Sugar().Infow("signature accepted",
		zap.String("taskId", taskId),
		zap.String("operator", operator.String()),
		zap.String("signedWeight", signedWeight),
		zap.String("totalStake", session.totalStake.String()),
	)

	if !quorumReached {
		return nil
	}
	return tc.completeTask(ctx, completedTask, proof, now)
}

// ExpireTask moves an overdue pending task to expired and refers every
// snapshotted operator that never signed for slashing. A task whose deadline
// has not passed returns ErrTaskNotDue: an in-progress attestation round can
// never be aborted early. Idempotent: a task already terminal returns
// ErrTaskCompleted or ErrTaskExpired.
func (tc *TaskCoordinator) ExpireTask(ctx context.Context, taskId string, now time.Time) error {
	session, err := tc.getSessionOrTerminal(ctx, taskId)
	if err != nil {
		return err
	}

	session.mu.Lock()
	if err := terminalError(session.task.Status); err != nil {
		session.mu.Unlock()
		return err
	}
	if !now.After(session.task.Deadline) {
		session.mu.Unlock()
		return fmt.Errorf("%w: deadline %s", ErrTaskNotDue, session.task.Deadline.Format(time.RFC3339))
	}
	// Persist before the in-memory flip so a store failure leaves the task
	// pending and the expiry retryable.
	if err := tc.store.UpdateTaskStatus(ctx, taskId, types.TaskStatusExpired); err != nil {
		session.mu.Unlock()
		return fmt.Errorf("failed to persist task expiry: %w", err)
	}
	session.task.Status = types.TaskStatusExpired
	expiredTask := session.task
	nonSigners := make([]common.Address, 0, len(session.snapshot))
	for operator := range session.snapshot {
		if !session.signers[operator] {
			nonSigners = append(nonSigners, operator)
		}
	}
	session.mu.Unlock()

	ev := events.New(events.EventTaskExpired, now)
	ev.TaskId = taskId
	tc.sink.Emit(ev)

	for _, operator := range nonSigners {
		if err := tc.slashing.ReferNonResponsive(ctx, operator, taskId, slashingClient.ReasonNonResponsive); err != nil {
			tc.logger.Sugar().Errorw("failed to refer operator for slashing",
				zap.String("taskId", taskId),
				zap.String("operator", operator.String()),
				zap.Error(err),
			)
			continue
		}
		rev := events.New(events.EventSlashingReferral, now)
		rev.TaskId = taskId
		rev.Operator = operator
		rev.Reason = slashingClient.ReasonNonResponsive
		tc.sink.Emit(rev)
	}

	if tc.expiry != nil {
		if err := tc.expiry.HandleExpiredTask(ctx, expiredTask, now); err != nil {
			tc.logger.Sugar().Errorw("expiry handler failed",
				zap.String("taskId", taskId),
				zap.Error(err),
			)
		}
	}

	tc.logger.Sugar().Warnw("aggregation task expired",
		zap.String("taskId", taskId),
		zap.Int("nonSigners", len(nonSigners)),
	)
	return nil
}

// ExpireDue expires every pending task whose deadline has passed. Returns
// the number of tasks transitioned.
func (tc *TaskCoordinator) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	overdue, err := tc.store.ListTasksPastDeadline(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to list overdue tasks: %w", err)
	}

	expired := 0
	for _, task := range overdue {
		if err := tc.ExpireTask(ctx, task.TaskId, now); err != nil {
			if errors.Is(err, ErrTaskCompleted) || errors.Is(err, ErrTaskExpired) {
				continue
			}
			tc.logger.Sugar().Errorw("failed to expire task",
				zap.String("taskId", task.TaskId),
				zap.Error(err),
			)
			continue
		}
		expired++
	}
	return expired, nil
}

// GetTask returns the task by id, preferring the live session.
func (tc *TaskCoordinator) GetTask(ctx context.Context, taskId string) (*types.AggregationTask, error) {
	tc.mu.RLock()
	session, ok := tc.sessions[taskId]
	tc.mu.RUnlock()
	if ok {
		session.mu.Lock()
		defer session.mu.Unlock()
		return session.task, nil
	}

	task, err := tc.store.GetTask(ctx, taskId)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return task, nil
}

// SignedWeight reports the accumulated attested stake for a task.
func (tc *TaskCoordinator) SignedWeight(taskId string) (*big.Int, error) {
	session, err := tc.getSession(taskId)
	if err != nil {
		return nil, err
	}
	session.mu.Lock()
	defer session.mu.Unlock()
	return new(big.Int).Set(session.signedWeight), nil
}

// Hydrate rebuilds sessions for pending tasks after a restart. The stake
// snapshot is re-taken from the registry's current active set; operators
// registered after the original creation gain attestation rights on
// rehydrated tasks, which widens rather than narrows the quorum.
func (tc *TaskCoordinator) Hydrate(ctx context.Context, now time.Time) error {
	pending, err := tc.store.ListPendingTasks(ctx)
	if err != nil {
		return fmt.Errorf("failed to list pending tasks: %w", err)
	}

	for _, task := range pending {
		snapshot, totalStake := tc.registry.SnapshotActive(task.CreatedAt)
		session := &taskSession{
			task:         task,
			digest:       task.Digest(),
			snapshot:     snapshot,
			totalStake:   totalStake,
			signedWeight: big.NewInt(0),
			signers:      make(map[common.Address]bool),
		}

		records, err := tc.store.ListSignatures(ctx, task.TaskId)
		if err != nil {
			return fmt.Errorf("failed to list signatures for task %s: %w", task.TaskId, err)
		}
		for _, record := range records {
			weight, ok := snapshot[record.Operator]
			if !ok {
				continue
			}
			session.signers[record.Operator] = true
			session.signatures = append(session.signatures, record.Signature)
			session.signedWeight = new(big.Int).Add(session.signedWeight, weight)
		}

		tc.mu.Lock()
		tc.sessions[task.TaskId] = session
		tc.mu.Unlock()

		tc.logger.Sugar().Infow("rehydrated pending task",
			zap.String("taskId", task.TaskId),
			zap.Int("signatures", len(records)),
		)
	}
	return nil
}

func (tc *TaskCoordinator) getSession(taskId string) (*taskSession, error) {
	tc.mu.RLock()
	session, ok := tc.sessions[taskId]
	tc.mu.RUnlock()
	if !ok {
		return nil, ErrTaskNotFound
	}
	return session, nil
}

// getSessionOrTerminal resolves a live session, falling back to the store so
// a task that went terminal before a restart still reports its terminal
// state rather than ErrTaskNotFound.
func (tc *TaskCoordinator) getSessionOrTerminal(ctx context.Context, taskId string) (*taskSession, error) {
	session, err := tc.getSession(taskId)
	if err == nil {
		return session, nil
	}

	task, storeErr := tc.store.GetTask(ctx, taskId)
	if storeErr != nil {
		return nil, ErrTaskNotFound
	}
	if termErr := terminalError(task.Status); termErr != nil {
		return nil, termErr
	}
	return nil, ErrTaskNotFound
}

// quorumReached compares signed/total against numerator/denominator by
// cross-multiplication, avoiding any division on stake amounts.
func (tc *TaskCoordinator) quorumReached(signedWeight, totalStake *big.Int) bool {
	lhs := new(big.Int).Mul(signedWeight, new(big.Int).SetUint64(tc.config.QuorumDenominator))
	rhs := new(big.Int).Mul(totalStake, new(big.Int).SetUint64(tc.config.QuorumNumerator))
	return lhs.Cmp(rhs) >= 0
}

// completeTask persists the completion and dispatches downstream. Called
// outside the session lock; settlement and planning must not hold up other
// submissions.
func (tc *TaskCoordinator) completeTask(ctx context.Context, task *types.AggregationTask, proof []byte, now time.Time) error {
	if err := tc.store.UpdateTaskStatus(ctx, task.TaskId, types.TaskStatusCompleted); err != nil {
		return fmt.Errorf("failed to persist task completion: %w", err)
	}

	ev := events.New(events.EventTaskCompleted, now)
	ev.TaskId = task.TaskId
	ev.Amount = new(big.Int).Set(task.TotalAmount)
	tc.sink.Emit(ev)

	tc.logger.Sugar().Infow("task reached quorum",
		zap.String("taskId", task.TaskId),
		zap.String("totalAmount", task.TotalAmount.String()),
	)

	if err := tc.settlement.SubmitTaskResult(ctx, task.TaskId, task.Entries, proof); err != nil {
		tc.logger.Sugar().Errorw("failed to submit task for settlement",
			zap.String("taskId", task.TaskId),
			zap.Error(err),
		)
	}

	if tc.completion != nil {
		if err := tc.completion.HandleCompletedTask(ctx, task, now); err != nil {
			tc.logger.Sugar().Errorw("completion handler failed",
				zap.String("taskId", task.TaskId),
				zap.Error(err),
			)
		}
	}
	return nil
}

func terminalError(status types.TaskStatus) error {
	switch status {
	case types.TaskStatusCompleted:
		return ErrTaskCompleted
	case types.TaskStatusExpired:
		return ErrTaskExpired
	default:
		return nil
	}
}

func flattenSignatures(signatures [][]byte) []byte {
	out := make([]byte, 0, len(signatures)*65)
	for _, sig := range signatures {
		out = append(out, sig...)
	}
	return out
}
