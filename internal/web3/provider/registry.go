package provider

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"AgentMiner/internal/config"
	"AgentMiner/internal/web3"
	"AgentMiner/internal/web3/ethereum"
)

// HTTPClients 提供直连与代理两种出站客户端，通常来自 proxy.Router。
type HTTPClients struct {
	Direct *http.Client
	Proxy  *http.Client
}

// Resolve 从 YAML 链定义中选出默认链；未配置链文件时使用内置的 Base 主网定义。
func Resolve(cfg config.Web3Config) (string, web3.ChainDefinition, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return "", web3.ChainDefinition{}, err
	}

	if len(defs.Chains) == 0 {
		chain := web3.DefaultBase(cfg.RPCURL)
		if cfg.ChainID != 0 {
			chain.ChainID = cfg.ChainID
		}
		return "base", chain, nil
	}

	name := strings.TrimSpace(cfg.DefaultChain)
	if name == "" {
		names := make([]string, 0, len(defs.Chains))
		for n := range defs.Chains {
			names = append(names, n)
		}
		sort.Strings(names)
		name = names[0]
	}
	chain, ok := defs.Chains[name]
	if !ok {
		return "", web3.ChainDefinition{}, fmt.Errorf("默认链 %s 未在配置中找到", name)
	}
	chainType := strings.ToLower(strings.TrimSpace(chain.Type))
	if chainType != "" && chainType != "evm" {
		return "", web3.ChainDefinition{}, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
	}
	if strings.TrimSpace(cfg.RPCURL) != "" {
		chain.RPCURL = cfg.RPCURL
	}
	if chain.ChainID == 0 {
		chain.ChainID = cfg.ChainID
	}
	return name, chain, nil
}

// Open 解析默认链并创建带故障切换的以太坊客户端。
func Open(ctx context.Context, cfg config.Web3Config, directPrimary bool, clients HTTPClients) (*ethereum.Client, error) {
	name, chain, err := Resolve(cfg)
	if err != nil {
		return nil, err
	}
	return ethereum.NewClient(ctx, ethereum.Config{
		Name:      name,
		ChainID:   chain.ChainID,
		Endpoints: chain.Endpoints(directPrimary),
		Direct:    clients.Direct,
		Proxy:     clients.Proxy,
	})
}
