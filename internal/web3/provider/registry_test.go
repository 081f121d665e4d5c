package provider

import (
	"os"
	"path/filepath"
	"testing"

	"AgentMiner/internal/config"
	"AgentMiner/internal/web3"
)

func writeChains(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chains.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写入链配置失败: %v", err)
	}
	return path
}

func TestResolveFallsBackToBase(t *testing.T) {
	name, chain, err := Resolve(config.Web3Config{RPCURL: "https://rpc.example.invalid"})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if name != "base" || chain.ChainID != web3.BaseChainID || chain.RPCURL != "https://rpc.example.invalid" {
		t.Fatalf("内置 Base 定义不正确: %s %+v", name, chain)
	}
}

func TestResolvePicksConfiguredChain(t *testing.T) {
	path := writeChains(t, `
chains:
  sepolia:
    type: evm
    chain_id: 84532
    rpc_url: https://sepolia.example.invalid
    fallback_rpc_urls: [https://sepolia-2.example.invalid]
  mainnet:
    rpc_url: https://main.example.invalid
`)
	name, chain, err := Resolve(config.Web3Config{ChainConfig: path, DefaultChain: "sepolia"})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if name != "sepolia" || chain.ChainID != 84532 || len(chain.Endpoints(true)) != 2 {
		t.Fatalf("链定义不正确: %s %+v", name, chain)
	}

	// 未指定默认链时按名称排序取第一条，chain_id 沿用主配置。
	name, chain, err = Resolve(config.Web3Config{ChainConfig: path, ChainID: 8453})
	if err != nil || name != "mainnet" || chain.ChainID != 8453 {
		t.Fatalf("默认链选择不正确: %s %+v %v", name, chain, err)
	}
	if _, _, err := Resolve(config.Web3Config{ChainConfig: path, DefaultChain: "missing"}); err == nil {
		t.Fatalf("不存在的默认链应报错")
	}
}

func TestLoadChainDefinitionsRejectsBadFiles(t *testing.T) {
	cases := map[string]string{
		"unknown field": "chains:\n  a:\n    rpc_url: https://a.invalid\n    ws_url: wss://a.invalid\n",
		"missing rpc":   "chains:\n  a:\n    chain_id: 1\n",
		"bad type":      "chains:\n  a:\n    type: solana\n    rpc_url: https://a.invalid\n",
	}
	for name, content := range cases {
		path := writeChains(t, content)
		if _, _, err := Resolve(config.Web3Config{ChainConfig: path}); err == nil {
			t.Fatalf("%s: 期望报错", name)
		}
	}
	defs, err := web3.LoadChainDefinitions(writeChains(t, ""))
	if err != nil || len(defs.Chains) != 0 {
		t.Fatalf("空文件应返回空集合: %+v %v", defs, err)
	}
}
