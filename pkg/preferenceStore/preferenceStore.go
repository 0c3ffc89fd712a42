package preferenceStore

import (
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/rewardmesh/rewardmesh/pkg/config"
)

var (
	// ErrUnsupportedChain is returned when the target chain is not in the supported set
	ErrUnsupportedChain = errors.New("unsupported target chain")

	// ErrInvalidUser is returned for the null user identity
	ErrInvalidUser = errors.New("invalid user address")
)

// Preferences holds a user's payout preferences. Writes replace the whole
// record; fields are never merged individually.
type Preferences struct {
	TargetChain    config.ChainId
	ClaimThreshold *big.Int
	ClaimFrequency time.Duration
	AutoClaim      bool
	LastUpdate     time.Time
}

type PreferenceStoreConfig struct {
	DefaultChain     config.ChainId
	DefaultThreshold *big.Int
	DefaultFrequency time.Duration
}

type PreferenceStore struct {
	config *PreferenceStoreConfig

	mu    sync.RWMutex
	prefs map[common.Address]*Preferences
}

func NewPreferenceStore(cfg *PreferenceStoreConfig) *PreferenceStore {
	if cfg.DefaultFrequency == 0 {
		cfg.DefaultFrequency = 24 * time.Hour
	}
	if cfg.DefaultThreshold == nil {
		cfg.DefaultThreshold = new(big.Int).Mul(big.NewInt(100), big.NewInt(1e18))
	}
	if cfg.DefaultChain == 0 {
		cfg.DefaultChain = config.ChainId_EthereumMainnet
	}
	return &PreferenceStore{
		config: cfg,
		prefs:  make(map[common.Address]*Preferences),
	}
}

// SetPreferences overwrites the user's preferences wholesale and stamps
// LastUpdate.
func (ps *PreferenceStore) SetPreferences(
	user common.Address,
	chain config.ChainId,
	threshold *big.Int,
	frequency time.Duration,
	autoClaim bool,
	now time.Time,
) error {
	if user == (common.Address{}) {
		return ErrInvalidUser
	}
	if !config.IsSupportedChainId(chain) {
		return ErrUnsupportedChain
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	ps.prefs[user] = &Preferences{
		TargetChain:    chain,
		ClaimThreshold: new(big.Int).Set(threshold),
		ClaimFrequency: frequency,
		AutoClaim:      autoClaim,
		LastUpdate:     now,
	}
	return nil
}

// Get returns the user's preferences, falling back to defaults for users who
// never expressed any.
func (ps *PreferenceStore) Get(user common.Address) *Preferences {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	if p, ok := ps.prefs[user]; ok {
		return p
	}
	return &Preferences{
		TargetChain:    ps.config.DefaultChain,
		ClaimThreshold: new(big.Int).Set(ps.config.DefaultThreshold),
		ClaimFrequency: ps.config.DefaultFrequency,
		AutoClaim:      false,
	}
}

// HasExplicitPreferences reports whether the user ever stored preferences.
func (ps *PreferenceStore) HasExplicitPreferences(user common.Address) bool {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	_, ok := ps.prefs[user]
	return ok
}

// ShouldAutoClaim is the pure auto-claim predicate:
// autoClaim && pending >= threshold && now >= lastUpdate + frequency.
func (ps *PreferenceStore) ShouldAutoClaim(user common.Address, pendingAmount *big.Int, now time.Time) bool {
	p := ps.Get(user)
	if !p.AutoClaim {
		return false
	}
	if pendingAmount == nil || pendingAmount.Cmp(p.ClaimThreshold) < 0 {
		return false
	}
	return !now.Before(p.LastUpdate.Add(p.ClaimFrequency))
}
