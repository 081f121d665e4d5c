package web3

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// BaseChainID 是 Base 主网的链 ID。
const BaseChainID int64 = 8453

// DefaultFallbackRPCURLs 是 Base 主网的公共 RPC，主节点不可用时依次尝试。
var DefaultFallbackRPCURLs = []string{
	"https://mainnet.base.org",
	"https://base.llamarpc.com",
	"https://base-rpc.publicnode.com",
	"https://1rpc.io/base",
	"https://base.drpc.org",
}

// ChainDefinitions 对应 configs/chains.yaml。
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition 描述一条 EVM 链及其 RPC 端点。chain_id 为 0 时沿用主配置。
type ChainDefinition struct {
	Type            string   `yaml:"type"`
	ChainID         int64    `yaml:"chain_id"`
	RPCURL          string   `yaml:"rpc_url"`
	FallbackRPCURLs []string `yaml:"fallback_rpc_urls"`
	Description     string   `yaml:"description"`
}

// DefaultBase 返回内置的 Base 主网定义。
func DefaultBase(rpcURL string) ChainDefinition {
	rpcURL = strings.TrimSpace(rpcURL)
	if rpcURL == "" {
		rpcURL = DefaultFallbackRPCURLs[0]
	}
	return ChainDefinition{
		Type:            "evm",
		ChainID:         BaseChainID,
		RPCURL:          rpcURL,
		FallbackRPCURLs: DefaultFallbackRPCURLs,
		Description:     "Base mainnet",
	}
}

// LoadChainDefinitions 读取链定义文件。路径为空时返回空集合，
// 调用方据此回落到 DefaultBase。未知字段视为配置错误。
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	defs := ChainDefinitions{Chains: map[string]ChainDefinition{}}
	if strings.TrimSpace(path) == "" {
		return defs, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}
	defer file.Close()

	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&defs); err != nil && !errors.Is(err, io.EOF) {
		return ChainDefinitions{}, fmt.Errorf("解析链配置 %s 失败: %w", path, err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	for name, chain := range defs.Chains {
		if err := chain.validate(); err != nil {
			return ChainDefinitions{}, fmt.Errorf("链 %s: %w", name, err)
		}
	}
	return defs, nil
}

func (c ChainDefinition) validate() error {
	if strings.TrimSpace(c.RPCURL) == "" {
		return errors.New("缺少 rpc_url")
	}
	if c.ChainID < 0 {
		return fmt.Errorf("chain_id 非法: %d", c.ChainID)
	}
	return nil
}
