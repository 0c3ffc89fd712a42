package types

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"

	"github.com/rewardmesh/rewardmesh/pkg/config"
)

func TestEncodeBatchEntries_Deterministic(t *testing.T) {
	entries := []BatchEntry{
		{
			User:        common.HexToAddress("0x5B38Da6a701c568545dCfcB03FcB875f56beddC4"),
			Amount:      big.NewInt(1_000_000),
			TargetChain: config.ChainId_Base,
		},
		{
			User:        common.HexToAddress("0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb1"),
			Amount:      big.NewInt(2_500_000),
			TargetChain: config.ChainId_Polygon,
		},
	}

	bytes1 := EncodeBatchEntries(entries)
	bytes2 := EncodeBatchEntries(entries)
	assert.Equal(t, bytes1, bytes2, "Same batch should produce identical bytes")
	assert.Equal(t, 192, len(bytes1), "Each entry should encode to exactly 96 bytes")

	// Reordering the batch changes the encoding.
	swapped := []BatchEntry{entries[1], entries[0]}
	assert.NotEqual(t, bytes1, EncodeBatchEntries(swapped), "Entry order is part of the encoding")

	// Changing an amount changes the encoding.
	entries[0].Amount = big.NewInt(1_000_001)
	assert.NotEqual(t, bytes1, EncodeBatchEntries(entries), "Different amount should produce different bytes")
}

func TestNewTaskId_ContentAddressed(t *testing.T) {
	createdAt := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	entries := []BatchEntry{
		{
			User:        common.HexToAddress("0x5B38Da6a701c568545dCfcB03FcB875f56beddC4"),
			Amount:      big.NewInt(5),
			TargetChain: config.ChainId_EthereumMainnet,
		},
	}

	id1 := NewTaskId(1, createdAt, entries)
	id2 := NewTaskId(1, createdAt, entries)
	assert.Equal(t, id1, id2, "Same inputs should produce the same task id")

	assert.NotEqual(t, id1, NewTaskId(2, createdAt, entries), "Different nonce should produce a different id")
	assert.NotEqual(t, id1, NewTaskId(1, createdAt.Add(time.Second), entries), "Different creation time should produce a different id")

	entries[0].Amount = big.NewInt(6)
	assert.NotEqual(t, id1, NewTaskId(1, createdAt, entries), "Different batch content should produce a different id")
}

func TestAggregationTask_Digest(t *testing.T) {
	entries := []BatchEntry{
		{
			User:        common.HexToAddress("0x5B38Da6a701c568545dCfcB03FcB875f56beddC4"),
			Amount:      big.NewInt(42),
			TargetChain: config.ChainId_Arbitrum,
		},
	}
	createdAt := time.Now()
	task := &AggregationTask{
		TaskId:  NewTaskId(7, createdAt, entries),
		Entries: entries,
	}

	d1 := task.Digest()
	d2 := task.Digest()
	assert.Equal(t, d1, d2, "Digest must be stable")

	other := &AggregationTask{
		TaskId:  NewTaskId(8, createdAt, entries),
		Entries: entries,
	}
	assert.NotEqual(t, d1, other.Digest(), "Different task id should produce a different digest")
}

func TestTaskStatus_IsTerminal(t *testing.T) {
	assert.False(t, TaskStatusPending.IsTerminal())
	assert.True(t, TaskStatusCompleted.IsTerminal())
	assert.True(t, TaskStatusExpired.IsTerminal())
}
