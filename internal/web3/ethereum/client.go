package ethereum

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"

	"AgentMiner/internal/web3"
	"AgentMiner/pkg/logger"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name      string
	ChainID   int64
	Endpoints []web3.Endpoint
	// Direct 用于直连的端点，Proxy 用于 ViaProxy 的端点。
	Direct *http.Client
	Proxy  *http.Client
	Logger *slog.Logger
}

type endpoint struct {
	url string
	rpc *gethrpc.Client
	eth *ethclient.Client
}

// Client 在多个 RPC 端点之间故障切换。只有传输层失败才会切换，
// 节点返回的 JSON-RPC 错误（包括合约 revert）原样交给调用方。
type Client struct {
	name      string
	chainID   *big.Int
	endpoints []endpoint
	logger    *slog.Logger

	mu      sync.Mutex
	current int
}

// NewClient 为每个端点创建 RPC 客户端。HTTP 端点在首次调用前不会建立连接。
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	log := cfg.Logger
	if log == nil {
		log = logger.Named("ethereum")
	}
	c := &Client{name: cfg.Name, logger: log}
	if cfg.ChainID != 0 {
		c.chainID = big.NewInt(cfg.ChainID)
	}

	for _, ep := range cfg.Endpoints {
		url := strings.TrimSpace(ep.URL)
		if url == "" {
			continue
		}
		httpClient := cfg.Direct
		if ep.ViaProxy && cfg.Proxy != nil {
			httpClient = cfg.Proxy
		}
		if httpClient == nil {
			httpClient = http.DefaultClient
		}
		rpcClient, err := gethrpc.DialOptions(ctx, url, gethrpc.WithHTTPClient(httpClient))
		if err != nil {
			log.Warn("初始化 RPC 端点失败", slog.String("url", url), slog.Any("error", err))
			continue
		}
		c.endpoints = append(c.endpoints, endpoint{url: url, rpc: rpcClient, eth: ethclient.NewClient(rpcClient)})
	}
	if len(c.endpoints) == 0 {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	return c, nil
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ep := range c.endpoints {
		ep.eth.Close()
	}
	c.endpoints = nil
}

// Name 返回链名称。
func (c *Client) Name() string { return c.name }

// Endpoint 返回当前使用的 RPC 地址。
func (c *Client) Endpoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.endpoints) == 0 {
		return ""
	}
	return c.endpoints[c.current].url
}

func (c *Client) pick() (int, []endpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current, c.endpoints
}

func (c *Client) settle(idx int) {
	c.mu.Lock()
	if idx < len(c.endpoints) {
		c.current = idx
	}
	c.mu.Unlock()
}

// shouldFailover 判断错误是否属于端点自身不可用。
func shouldFailover(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}
	if errors.Is(err, gethcore.NotFound) {
		return false
	}
	var rpcErr gethrpc.Error
	if errors.As(err, &rpcErr) {
		return false
	}
	return true
}

func call[T any](ctx context.Context, c *Client, method string, fn func(*ethclient.Client) (T, error)) (T, error) {
	var zero T
	start, endpoints := c.pick()
	if len(endpoints) == 0 {
		return zero, errors.New("以太坊客户端已关闭")
	}
	var lastErr error
	for i := range endpoints {
		idx := (start + i) % len(endpoints)
		value, err := fn(endpoints[idx].eth)
		if !shouldFailover(ctx, err) {
			if err == nil && idx != start {
				c.logger.Info("已切换 RPC 端点", slog.String("url", endpoints[idx].url))
				c.settle(idx)
			}
			return value, err
		}
		lastErr = err
		c.logger.Warn("RPC 端点调用失败",
			slog.String("method", method),
			slog.String("url", endpoints[idx].url),
			slog.Any("error", err))
	}
	return zero, fmt.Errorf("所有 RPC 端点均不可用: %w", lastErr)
}

// ChainID 返回配置的链 ID，未配置时向节点查询。
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	if c.chainID != nil {
		return new(big.Int).Set(c.chainID), nil
	}
	return call(ctx, c, "eth_chainId", func(e *ethclient.Client) (*big.Int, error) { return e.ChainID(ctx) })
}

// RemoteChainID 总是向节点查询链 ID，用于连通性检查。
func (c *Client) RemoteChainID(ctx context.Context) (*big.Int, error) {
	return call(ctx, c, "eth_chainId", func(e *ethclient.Client) (*big.Int, error) { return e.ChainID(ctx) })
}

// BlockNumber 返回最新区块高度。
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return call(ctx, c, "eth_blockNumber", func(e *ethclient.Client) (uint64, error) { return e.BlockNumber(ctx) })
}

// CallContract 执行只读合约调用。
func (c *Client) CallContract(ctx context.Context, msg gethcore.CallMsg, block *big.Int) ([]byte, error) {
	return call(ctx, c, "eth_call", func(e *ethclient.Client) ([]byte, error) { return e.CallContract(ctx, msg, block) })
}

// PendingNonceAt 返回包含待打包交易的 nonce。
func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return call(ctx, c, "eth_getTransactionCount", func(e *ethclient.Client) (uint64, error) {
		return e.PendingNonceAt(ctx, account)
	})
}

// HeaderByNumber 返回区块头，number 为 nil 时取最新区块。
func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error) {
	return call(ctx, c, "eth_getBlockByNumber", func(e *ethclient.Client) (*coretypes.Header, error) {
		return e.HeaderByNumber(ctx, number)
	})
}

// EstimateGas 估算交易所需 gas。
func (c *Client) EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error) {
	return call(ctx, c, "eth_estimateGas", func(e *ethclient.Client) (uint64, error) { return e.EstimateGas(ctx, msg) })
}

// SendTransaction 广播已签名交易。同一笔交易在另一端点重发是安全的。
func (c *Client) SendTransaction(ctx context.Context, tx *coretypes.Transaction) error {
	_, err := call(ctx, c, "eth_sendRawTransaction", func(e *ethclient.Client) (struct{}, error) {
		return struct{}{}, e.SendTransaction(ctx, tx)
	})
	return err
}

// TransactionReceipt 返回交易回执，未打包时返回 ethereum.NotFound。
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	return call(ctx, c, "eth_getTransactionReceipt", func(e *ethclient.Client) (*coretypes.Receipt, error) {
		return e.TransactionReceipt(ctx, hash)
	})
}

// BalanceAt 返回账户的原生代币余额。
func (c *Client) BalanceAt(ctx context.Context, account common.Address, block *big.Int) (*big.Int, error) {
	return call(ctx, c, "eth_getBalance", func(e *ethclient.Client) (*big.Int, error) {
		return e.BalanceAt(ctx, account, block)
	})
}
