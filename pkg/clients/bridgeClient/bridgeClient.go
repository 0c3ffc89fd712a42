package bridgeClient

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rewardmesh/rewardmesh/pkg/config"
)

var ErrTransferRejected = errors.New("bridge rejected transfer")

// TransferRequest describes one cross-chain payout leg handed to the bridge.
type TransferRequest struct {
	RequestId    string
	Recipient    common.Address
	Token        string
	InputAmount  *big.Int
	OutputAmount *big.Int
	TargetChain  config.ChainId
	Deadline     time.Time
}

// IBridgeClient initiates cross-chain transfers with the external bridge
// collaborator. InitiateTransfer returns an opaque transfer handle; execution
// outcome is reported asynchronously and callers must only mark a request
// executed on confirmed success.
type IBridgeClient interface {
	InitiateTransfer(ctx context.Context, request *TransferRequest) (string, error)
}

// SimulatedBridgeClient accepts every transfer and returns a fresh handle.
// FailNext can be armed to exercise downstream failure handling.
type SimulatedBridgeClient struct {
	logger *zap.Logger

	mu        sync.Mutex
	failNext  int
	transfers map[string]*TransferRequest
}

func NewSimulatedBridgeClient(logger *zap.Logger) *SimulatedBridgeClient {
	return &SimulatedBridgeClient{
		logger:    logger,
		transfers: make(map[string]*TransferRequest),
	}
}

// FailNext makes the next n InitiateTransfer calls fail.
func (bc *SimulatedBridgeClient) FailNext(n int) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	bc.failNext = n
}

func (bc *SimulatedBridgeClient) InitiateTransfer(ctx context.Context, request *TransferRequest) (string, error) {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	if bc.failNext > 0 {
		bc.failNext--
		return "", ErrTransferRejected
	}

	handle := uuid.New().String()
	bc.transfers[handle] = request

	bc.logger.Sugar().Debugw("bridge transfer initiated",
		zap.String("handle", handle),
		zap.String("requestId", request.RequestId),
		zap.String("recipient", request.Recipient.String()),
		zap.Uint("targetChain", uint(request.TargetChain)),
	)
	return handle, nil
}

func (bc *SimulatedBridgeClient) Transfers() map[string]*TransferRequest {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	out := make(map[string]*TransferRequest, len(bc.transfers))
	for k, v := range bc.transfers {
		out[k] = v
	}
	return out
}
