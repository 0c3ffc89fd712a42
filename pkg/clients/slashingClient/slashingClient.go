package slashingClient

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

const ReasonNonResponsive = "non-responsive"

// Referral identifies one operator flagged for economic enforcement.
type Referral struct {
	Operator common.Address
	TaskId   string
	Reason   string
}

// ISlashingClient forwards slashing referrals to the external economic
// enforcement collaborator. Slashing amounts and policy live there, not here.
type ISlashingClient interface {
	ReferNonResponsive(ctx context.Context, operator common.Address, taskId string, reason string) error
}

// SimulatedSlashingClient records referrals in memory.
type SimulatedSlashingClient struct {
	logger *zap.Logger

	mu        sync.Mutex
	referrals []Referral
}

func NewSimulatedSlashingClient(logger *zap.Logger) *SimulatedSlashingClient {
	return &SimulatedSlashingClient{logger: logger}
}

func (sc *SimulatedSlashingClient) ReferNonResponsive(ctx context.Context, operator common.Address, taskId string, reason string) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	sc.referrals = append(sc.referrals, Referral{
		Operator: operator,
		TaskId:   taskId,
		Reason:   reason,
	})

	sc.logger.Sugar().Warnw("slashing referral",
		zap.String("operator", operator.String()),
		zap.String("taskId", taskId),
		zap.String("reason", reason),
	)
	return nil
}

func (sc *SimulatedSlashingClient) Referrals() []Referral {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	out := make([]Referral, len(sc.referrals))
	copy(out, sc.referrals)
	return out
}
