package web3

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ChainDefinitions models the structure of configs/chains.yaml.
type ChainDefinitions struct {
	Default string                     `yaml:"default"`
	Chains  map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes a single chain endpoint definition.
type ChainDefinition struct {
	Type        string `yaml:"type"`
	ChainID     uint64 `yaml:"chain_id"`
	RPCURL      string `yaml:"rpc_url"`
	Explorer    string `yaml:"explorer"`
	Description string `yaml:"description"`
}

// DefaultChainDefinitions 返回未提供链配置文件时使用的 Arbitrum One 与 Base。
func DefaultChainDefinitions(arbitrumRPC, baseRPC string) ChainDefinitions {
	defs := ChainDefinitions{Default: "arbitrum-one", Chains: map[string]ChainDefinition{}}
	if strings.TrimSpace(arbitrumRPC) != "" {
		defs.Chains["arbitrum-one"] = ChainDefinition{
			Type:        "evm",
			ChainID:     42161,
			RPCURL:      arbitrumRPC,
			Explorer:    "https://arbiscan.io",
			Description: "Arbitrum One",
		}
	}
	if strings.TrimSpace(baseRPC) != "" {
		defs.Chains["base"] = ChainDefinition{
			Type:        "evm",
			ChainID:     8453,
			RPCURL:      baseRPC,
			Explorer:    "https://basescan.org",
			Description: "Base",
		}
	}
	return defs
}

// LoadChainDefinitions parses the YAML file containing chain metadata.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}

	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	return defs, nil
}
