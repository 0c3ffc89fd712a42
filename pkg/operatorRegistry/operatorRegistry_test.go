package operatorRegistry

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rewardmesh/rewardmesh/pkg/storage/memory"
)

var (
	opOne = common.HexToAddress("0x1111111111111111111111111111111111111111")
	opTwo = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func newTestRegistry(t *testing.T) *OperatorRegistry {
	return NewOperatorRegistry(memory.NewInMemoryCoordinatorStore(), zaptest.NewLogger(t))
}

func TestRegister(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)
	now := time.Now()

	require.NoError(t, registry.Register(ctx, opOne, big.NewInt(100), now))

	record, err := registry.Get(opOne)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(100), record.Stake)
	assert.True(t, record.IsActive)

	err = registry.Register(ctx, opOne, big.NewInt(200), now)
	assert.ErrorIs(t, err, ErrAlreadyRegistered)

	assert.ErrorIs(t, registry.Register(ctx, common.Address{}, big.NewInt(1), now), ErrInvalidOperator)
	assert.ErrorIs(t, registry.Register(ctx, opTwo, big.NewInt(0), now), ErrInvalidStake)
	assert.ErrorIs(t, registry.Register(ctx, opTwo, nil, now), ErrInvalidStake)
}

func TestDeregister_SoftDelete(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)
	now := time.Now()

	require.NoError(t, registry.Register(ctx, opOne, big.NewInt(100), now))
	require.NoError(t, registry.Deregister(ctx, opOne, now.Add(time.Minute)))

	// The record survives for audits.
	record, err := registry.Get(opOne)
	require.NoError(t, err)
	assert.False(t, record.IsActive)
	assert.Equal(t, big.NewInt(100), record.Stake)

	assert.ErrorIs(t, registry.Deregister(ctx, opOne, now), ErrOperatorNotActive)
	assert.ErrorIs(t, registry.Deregister(ctx, opTwo, now), ErrOperatorNotFound)
}

func TestSlash_ClampsToZeroAndDeactivates(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)
	now := time.Now()

	require.NoError(t, registry.Register(ctx, opOne, big.NewInt(100), now))
	require.NoError(t, registry.Slash(ctx, opOne, big.NewInt(250), "non-responsive", now.Add(time.Minute)))

	record, err := registry.Get(opOne)
	require.NoError(t, err)
	assert.Zero(t, record.Stake.Sign(), "Slashing more than the stake clamps to zero")
	assert.False(t, record.IsActive, "Slashing deactivates the operator")
}

func TestWeightAtTime(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)

	t0 := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Hour)

	require.NoError(t, registry.Register(ctx, opOne, big.NewInt(100), t0))
	require.NoError(t, registry.Slash(ctx, opOne, big.NewInt(40), "non-responsive", t1))

	// Before registration the operator weighs zero.
	w, err := registry.WeightAtTime(opOne, t0.Add(-time.Minute))
	require.NoError(t, err)
	assert.Zero(t, w.Sign())

	// Between registration and the slash the full stake counts.
	w, err = registry.WeightAtTime(opOne, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(100), w)

	// After the slash the operator is inactive and weighs zero.
	w, err = registry.WeightAtTime(opOne, t1.Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, w.Sign())

	_, err = registry.WeightAtTime(opTwo, t0)
	assert.ErrorIs(t, err, ErrOperatorNotFound)
}

func TestSnapshotActive(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)
	now := time.Now()

	require.NoError(t, registry.Register(ctx, opOne, big.NewInt(100), now))
	require.NoError(t, registry.Register(ctx, opTwo, big.NewInt(50), now))
	require.NoError(t, registry.Deregister(ctx, opTwo, now.Add(time.Minute)))

	stakes, total := registry.SnapshotActive(now.Add(time.Hour))
	assert.Len(t, stakes, 1, "Deregistered operators are excluded from the snapshot")
	assert.Equal(t, big.NewInt(100), stakes[opOne])
	assert.Equal(t, big.NewInt(100), total)
}

func TestHydrate(t *testing.T) {
	ctx := context.Background()
	store := memory.NewInMemoryCoordinatorStore()
	logger := zaptest.NewLogger(t)
	now := time.Now()

	first := NewOperatorRegistry(store, logger)
	require.NoError(t, first.Register(ctx, opOne, big.NewInt(100), now))
	require.NoError(t, first.Register(ctx, opTwo, big.NewInt(50), now))

	second := NewOperatorRegistry(store, logger)
	require.NoError(t, second.Hydrate(ctx, now.Add(time.Minute)))

	_, total := second.SnapshotActive(now.Add(time.Hour))
	assert.Equal(t, big.NewInt(150), total, "Hydrated registry should see persisted operators")
}
