package types

import (
	"encoding/binary"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/rewardmesh/rewardmesh/pkg/config"
	"github.com/rewardmesh/rewardmesh/pkg/util"
)

// RewardEntry is one inbound activity record from the event source.
// Delivery is at-least-once; entries carry no idempotency key, so a
// duplicated delivery double-counts.
type RewardEntry struct {
	User        common.Address
	Amount      *big.Int
	RewardType  string
	SourceChain config.ChainId
	Timestamp   time.Time
}

// BatchEntry is one (user, amount, targetChain) triple inside an
// aggregation task. Entry order is part of the task's identity.
type BatchEntry struct {
	User        common.Address
	Amount      *big.Int
	TargetChain config.ChainId
}

// EncodeBatchEntries produces the deterministic signing encoding of a batch:
// user(32) || amount(32) || chainId(32) per entry, in batch order.
func EncodeBatchEntries(entries []BatchEntry) []byte {
	out := make([]byte, 0, len(entries)*96)
	for _, e := range entries {
		out = append(out, common.LeftPadBytes(e.User.Bytes(), 32)...)
		out = append(out, common.LeftPadBytes(e.Amount.Bytes(), 32)...)

		chain := make([]byte, 32)
		binary.BigEndian.PutUint64(chain[24:], uint64(e.TargetChain))
		out = append(out, chain...)
	}
	return out
}

type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusExpired   TaskStatus = "expired"
)

func (ts TaskStatus) IsTerminal() bool {
	return ts == TaskStatusCompleted || ts == TaskStatusExpired
}

// AggregationTask is a batched unit of payout work requiring stake-weighted
// quorum attestation. Everything except Status is immutable after creation.
type AggregationTask struct {
	TaskId      string
	Entries     []BatchEntry
	TotalAmount *big.Int
	CreatedAt   time.Time
	Deadline    time.Time
	Status      TaskStatus
}

// NewTaskId derives a content-addressed task identifier. Reordering the
// batch or changing any amount yields a different id.
func NewTaskId(nonce uint64, createdAt time.Time, entries []BatchEntry) string {
	preimage := make([]byte, 0, 64+len(entries)*96)

	nonceBytes := make([]byte, 32)
	binary.BigEndian.PutUint64(nonceBytes[24:], nonce)
	preimage = append(preimage, nonceBytes...)

	createdBytes := make([]byte, 32)
	binary.BigEndian.PutUint64(createdBytes[24:], uint64(createdAt.UnixNano()))
	preimage = append(preimage, createdBytes...)

	preimage = append(preimage, EncodeBatchEntries(entries)...)

	return hexutil.Encode(crypto.Keccak256(preimage))
}

// SigningBytes is the exact byte string operators sign for this task:
// taskId(32) || encoded batch entries.
func (t *AggregationTask) SigningBytes() []byte {
	out := make([]byte, 0, 32+len(t.Entries)*96)
	out = append(out, common.HexToHash(t.TaskId).Bytes()...)
	out = append(out, EncodeBatchEntries(t.Entries)...)
	return out
}

// Digest is the keccak256 hash of SigningBytes. Signatures are verified
// against this digest only.
func (t *AggregationTask) Digest() [32]byte {
	return util.GetKeccak256Digest(t.SigningBytes())
}

// SignatureRecord is one accepted operator signature for a task. At most one
// exists per (taskId, operator).
type SignatureRecord struct {
	TaskId     string
	Operator   common.Address
	Signature  []byte
	Digest     [32]byte
	ReceivedAt time.Time
}

// DistributionRequest is one user's payout leg within a completed task.
// Executed flips exactly once, on confirmed bridge success.
type DistributionRequest struct {
	RequestId      string
	TaskId         string
	User           common.Address
	Amount         *big.Int
	Fee            *big.Int
	NetAmount      *big.Int
	SourceChain    config.ChainId
	TargetChain    config.ChainId
	Timestamp      time.Time
	Executed       bool
	TransferHandle string
}

// NewDistributionRequestId derives a content-addressed request identifier
// for a payout leg.
func NewDistributionRequestId(taskId string, user common.Address, amount *big.Int, targetChain config.ChainId) string {
	preimage := make([]byte, 0, 128)
	preimage = append(preimage, common.HexToHash(taskId).Bytes()...)
	preimage = append(preimage, common.LeftPadBytes(user.Bytes(), 32)...)
	preimage = append(preimage, common.LeftPadBytes(amount.Bytes(), 32)...)

	chain := make([]byte, 32)
	binary.BigEndian.PutUint64(chain[24:], uint64(targetChain))
	preimage = append(preimage, chain...)

	return hexutil.Encode(crypto.Keccak256(preimage))
}

type Tier uint8

const (
	TierBase Tier = iota
	TierGold
	TierPlatinum
	TierDiamond
)

func (t Tier) String() string {
	switch t {
	case TierGold:
		return "gold"
	case TierPlatinum:
		return "platinum"
	case TierDiamond:
		return "diamond"
	default:
		return "base"
	}
}

// Level is the tier's ordinal, used for priority weighting.
func (t Tier) Level() uint8 {
	return uint8(t)
}

// UserRewardState is the per-user ledger row. Created on first reward
// record, never deleted. PendingClaim is earnings not yet batched;
// ReservedClaim is earnings inside an open aggregation task.
// Invariant: TotalEarned == TotalClaimed + PendingClaim + ReservedClaim.
type UserRewardState struct {
	User           common.Address
	TotalEarned    *big.Int
	PendingClaim   *big.Int
	ReservedClaim  *big.Int
	TotalClaimed   *big.Int
	LastClaimTime  time.Time
	CurrentTier    Tier
	PreferredChain config.ChainId
	ClaimThreshold *big.Int
	ClaimFrequency time.Duration
}

// OperatorRecord tracks a staked operator. Deregistration flips IsActive
// but retains the record for at-time-of-task audits.
type OperatorRecord struct {
	Address      common.Address
	Stake        *big.Int
	IsActive     bool
	RegisteredAt time.Time
}
