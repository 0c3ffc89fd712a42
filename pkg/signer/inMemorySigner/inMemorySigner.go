package inMemorySigner

import (
	"github.com/Layr-Labs/crypto-libs/pkg/ecdsa"
	"github.com/ethereum/go-ethereum/common"
)

// InMemorySigner holds an ECDSA key in process memory. Test and local-run
// signer; production custody stays outside the engine.
type InMemorySigner struct {
	privateKey *ecdsa.PrivateKey
}

func NewInMemorySigner(privateKey *ecdsa.PrivateKey) *InMemorySigner {
	return &InMemorySigner{
		privateKey: privateKey,
	}
}

func (ims *InMemorySigner) SignDigest(digest [32]byte) ([]byte, error) {
	sig, err := ims.privateKey.Sign(digest[:])
	if err != nil {
		return nil, err
	}
	return sig.Bytes(), nil
}

func (ims *InMemorySigner) Address() (common.Address, error) {
	return ims.privateKey.DeriveAddress()
}
