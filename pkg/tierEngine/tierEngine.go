package tierEngine

import (
	"math/big"

	"github.com/rewardmesh/rewardmesh/pkg/types"
)

// Cumulative-earnings thresholds, in base reward units (1e18 per whole unit).
var (
	GoldThreshold     = new(big.Int).Mul(big.NewInt(1_000), big.NewInt(1e18))
	PlatinumThreshold = new(big.Int).Mul(big.NewInt(10_000), big.NewInt(1e18))
	DiamondThreshold  = new(big.Int).Mul(big.NewInt(100_000), big.NewInt(1e18))
)

// TierFor maps cumulative earnings to a tier. Pure; thresholds are checked
// descending so the buckets cannot overlap.
func TierFor(totalEarned *big.Int) types.Tier {
	if totalEarned == nil {
		return types.TierBase
	}
	if totalEarned.Cmp(DiamondThreshold) >= 0 {
		return types.TierDiamond
	}
	if totalEarned.Cmp(PlatinumThreshold) >= 0 {
		return types.TierPlatinum
	}
	if totalEarned.Cmp(GoldThreshold) >= 0 {
		return types.TierGold
	}
	return types.TierBase
}

// Recompute returns the tier for totalEarned and whether it differs from
// previous. Idempotent: recomputing with the same input never reports a
// change twice.
func Recompute(previous types.Tier, totalEarned *big.Int) (types.Tier, bool) {
	tier := TierFor(totalEarned)
	return tier, tier != previous
}
