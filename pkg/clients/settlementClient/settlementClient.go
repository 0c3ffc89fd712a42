package settlementClient

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/rewardmesh/rewardmesh/pkg/types"
)

var ErrDuplicateSubmission = errors.New("task already submitted for settlement")

// ISettlementClient submits finalized batches to the on-chain settlement
// layer. The collaborator rejects a resubmitted taskId; this engine never
// submits twice by construction.
type ISettlementClient interface {
	SubmitTaskResult(ctx context.Context, taskId string, entries []types.BatchEntry, proof []byte) error
}

// SimulatedSettlementClient accepts submissions in memory. Used for tests
// and local runs.
type SimulatedSettlementClient struct {
	logger *zap.Logger

	mu        sync.Mutex
	submitted map[string][]types.BatchEntry
}

func NewSimulatedSettlementClient(logger *zap.Logger) *SimulatedSettlementClient {
	return &SimulatedSettlementClient{
		logger:    logger,
		submitted: make(map[string][]types.BatchEntry),
	}
}

func (sc *SimulatedSettlementClient) SubmitTaskResult(ctx context.Context, taskId string, entries []types.BatchEntry, proof []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if _, ok := sc.submitted[taskId]; ok {
		return ErrDuplicateSubmission
	}
	sc.submitted[taskId] = entries

	sc.logger.Sugar().Infow("task submitted for settlement",
		zap.String("taskId", taskId),
		zap.Int("entries", len(entries)),
		zap.Int("proofBytes", len(proof)),
	)
	return nil
}

// Submitted reports whether taskId has been settled.
func (sc *SimulatedSettlementClient) Submitted(taskId string) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	_, ok := sc.submitted[taskId]
	return ok
}
