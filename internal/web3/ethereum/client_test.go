package ethereum

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"AgentMiner/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

type rpcRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
}

// rpcServer 按方法名返回固定结果，results 中值为 error 对象时返回 JSON-RPC 错误。
func rpcServer(t *testing.T, hits *atomic.Int32, results map[string]any) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		result, ok := results[req.Method]
		switch {
		case !ok:
			resp["error"] = map[string]any{"code": -32601, "message": "method not found"}
		default:
			if rpcErr, isErr := result.(map[string]any); isErr {
				resp["error"] = rpcErr
			} else {
				resp["result"] = result
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(server.Close)
	return server
}

func brokenServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestClientFailsOverOnTransportError(t *testing.T) {
	var badHits, goodHits atomic.Int32
	bad := brokenServer(t, &badHits)
	good := rpcServer(t, &goodHits, map[string]any{
		"eth_blockNumber": "0x10",
		"eth_getBalance":  "0x2a",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := NewClient(ctx, Config{
		Name:      "test",
		ChainID:   web3.BaseChainID,
		Endpoints: []web3.Endpoint{{URL: bad.URL}, {URL: good.URL, ViaProxy: true}},
		Direct:    bad.Client(),
		Proxy:     good.Client(),
	})
	if err != nil {
		t.Fatalf("NewClient 返回错误: %v", err)
	}
	defer client.Close()

	number, err := client.BlockNumber(ctx)
	if err != nil {
		t.Fatalf("BlockNumber 返回错误: %v", err)
	}
	if number != 16 {
		t.Fatalf("期望区块高度 16，得到 %d", number)
	}
	if client.Endpoint() != good.URL {
		t.Fatalf("应切换到备用端点，当前 %s", client.Endpoint())
	}

	before := badHits.Load()
	balance, err := client.BalanceAt(ctx, common.HexToAddress("0x01"), nil)
	if err != nil || balance.Int64() != 42 {
		t.Fatalf("BalanceAt 错误: %v %v", balance, err)
	}
	if badHits.Load() != before {
		t.Fatalf("切换后不应再访问故障端点")
	}

	chainID, err := client.ChainID(ctx)
	if err != nil || chainID.Int64() != web3.BaseChainID {
		t.Fatalf("ChainID 应返回配置值: %v %v", chainID, err)
	}
}

func TestClientDoesNotFailOverOnRPCError(t *testing.T) {
	var firstHits, secondHits atomic.Int32
	first := rpcServer(t, &firstHits, map[string]any{
		"eth_call": map[string]any{"code": 3, "message": "execution reverted", "data": "0x81d820a8"},
	})
	second := rpcServer(t, &secondHits, map[string]any{"eth_call": "0x"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := NewClient(ctx, Config{
		Endpoints: []web3.Endpoint{{URL: first.URL}, {URL: second.URL}},
	})
	if err != nil {
		t.Fatalf("NewClient 返回错误: %v", err)
	}
	defer client.Close()

	to := common.HexToAddress("0x02")
	_, err = client.CallContract(ctx, gethcore.CallMsg{To: &to}, nil)
	if err == nil {
		t.Fatalf("期望 revert 错误")
	}
	var dataErr gethrpc.DataError
	if !errors.As(err, &dataErr) || dataErr.ErrorData() != "0x81d820a8" {
		t.Fatalf("revert 数据应保留，得到 %v", err)
	}
	if secondHits.Load() != 0 {
		t.Fatalf("JSON-RPC 错误不应触发切换")
	}
}

func TestClientAllEndpointsDown(t *testing.T) {
	var hits atomic.Int32
	a := brokenServer(t, &hits)
	b := brokenServer(t, &hits)

	client, err := NewClient(context.Background(), Config{
		Endpoints: []web3.Endpoint{{URL: a.URL}, {URL: b.URL}},
	})
	if err != nil {
		t.Fatalf("NewClient 返回错误: %v", err)
	}
	defer client.Close()

	if _, err := client.BlockNumber(context.Background()); err == nil {
		t.Fatalf("全部端点故障时应返回错误")
	}
	if hits.Load() != 2 {
		t.Fatalf("每个端点应各尝试一次，实际 %d", hits.Load())
	}
}

func TestNewClientRequiresEndpoint(t *testing.T) {
	if _, err := NewClient(context.Background(), Config{}); err == nil {
		t.Fatalf("缺少端点时应返回错误")
	}
}

func TestChainDefinitionEndpoints(t *testing.T) {
	chain := web3.DefaultBase("https://example-rpc.invalid")
	endpoints := chain.Endpoints(true)
	if len(endpoints) != len(web3.DefaultFallbackRPCURLs)+1 {
		t.Fatalf("端点数量错误: %d", len(endpoints))
	}
	if endpoints[0].ViaProxy {
		t.Fatalf("主 RPC 应直连")
	}
	for _, ep := range endpoints[1:] {
		if !ep.ViaProxy {
			t.Fatalf("备用 RPC %s 应走代理", ep.URL)
		}
	}

	deduped := web3.DefaultBase("").Endpoints(false)
	if len(deduped) != len(web3.DefaultFallbackRPCURLs) {
		t.Fatalf("主 RPC 与备用重复时应去重，得到 %d", len(deduped))
	}
}
