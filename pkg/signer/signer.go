package signer

import (
	"github.com/Layr-Labs/crypto-libs/pkg/ecdsa"
	"github.com/ethereum/go-ethereum/common"
)

// Signer produces operator attestations over task digests. Key custody is
// external to the engine; the coordinator only ever sees signature bytes.
type Signer interface {
	SignDigest(digest [32]byte) ([]byte, error)
	Address() (common.Address, error)
}

// VerifyDigestSignature checks signature bytes over digest against the
// operator's known address.
func VerifyDigestSignature(digest [32]byte, signature []byte, operator common.Address) (bool, error) {
	sig, err := ecdsa.NewSignatureFromBytes(signature)
	if err != nil {
		return false, err
	}
	return sig.VerifyWithAddress(digest[:], operator)
}
