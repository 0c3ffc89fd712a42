package util

import (
	"github.com/ethereum/go-ethereum/crypto"
)

func Map[A any, B any](coll []A, mapper func(i A, index uint64) B) []B {
	out := make([]B, len(coll))
	for i, item := range coll {
		out[i] = mapper(item, uint64(i))
	}
	return out
}

func Filter[A any](coll []A, criteria func(i A) bool) []A {
	out := make([]A, 0)
	for _, item := range coll {
		if criteria(item) {
			out = append(out, item)
		}
	}
	return out
}

func Find[A any](coll []A, criteria func(i A) bool) A {
	var zero A
	for _, item := range coll {
		if criteria(item) {
			return item
		}
	}
	return zero
}

// GetKeccak256Digest returns the keccak256 hash of data as a fixed 32-byte array.
func GetKeccak256Digest(data []byte) [32]byte {
	return [32]byte(crypto.Keccak256Hash(data))
}
