package config

import (
	"slices"
	"strings"
)

type ChainId uint

const (
	ChainId_EthereumMainnet ChainId = 1
	ChainId_Optimism        ChainId = 10
	ChainId_Polygon         ChainId = 137
	ChainId_Base            ChainId = 8453
	ChainId_Arbitrum        ChainId = 42161
)

var (
	SupportedChainIds = []ChainId{
		ChainId_EthereumMainnet,
		ChainId_Optimism,
		ChainId_Polygon,
		ChainId_Base,
		ChainId_Arbitrum,
	}
)

func IsSupportedChainId(chainId ChainId) bool {
	return slices.Contains(SupportedChainIds, chainId)
}

func KebabToSnakeCase(name string) string {
	return strings.ReplaceAll(name, "-", "_")
}

func NormalizeFlagName(name string) string {
	return KebabToSnakeCase(strings.ToLower(name))
}
