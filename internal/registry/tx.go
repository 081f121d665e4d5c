package registry

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	xerrors "AgentMiner/internal/errors"
	"AgentMiner/internal/observability/metrics"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
)

const fallbackGasLimit uint64 = 300_000

var priorityPresets = map[string]int64{
	"normal": 100_000_000,
	"fast":   500_000_000,
	"urgent": 1_500_000_000,
}

func priorityFee(name string) *big.Int {
	if wei, ok := priorityPresets[strings.ToLower(strings.TrimSpace(name))]; ok {
		return big.NewInt(wei)
	}
	return big.NewInt(priorityPresets["normal"])
}

// txHashOf 读取错误中附带的交易哈希。
func txHashOf(err error) string {
	return xerrors.MetadataOf(err, "tx_hash")
}

// transact 构建、签名并发送一笔 EIP-1559 交易，等待回执。
func (c *Client) transact(ctx context.Context, parsed abi.ABI, to common.Address, method string, args ...any) (*types.Receipt, error) {
	receipt, err := c.sendAndWait(ctx, parsed, to, method, args...)
	outcome := "success"
	switch {
	case err == nil:
	case xerrors.HasCode(err, xerrors.CodeTxRejectedDuplicate):
		outcome = "duplicate"
	case xerrors.ClassOf(err) == xerrors.ClassTransient:
		outcome = "transient"
	default:
		outcome = "rejected"
	}
	metrics.ObserveTx(method, outcome)
	return receipt, err
}

func (c *Client) sendAndWait(ctx context.Context, parsed abi.ABI, to common.Address, method string, args ...any) (*types.Receipt, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("编码 %s 调用失败", method))
	}
	from := c.signer.Address()

	chainID, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, readError("eth_chainId", err)
	}
	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, readError("eth_getTransactionCount", err)
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, readError("eth_getBlockByNumber", err)
	}
	baseFee := new(big.Int)
	if head != nil && head.BaseFee != nil {
		baseFee.Set(head.BaseFee)
	}
	tip := new(big.Int).Set(c.tip)
	feeCap := new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), tip)

	gas, err := c.backend.EstimateGas(ctx, gethcore.CallMsg{From: from, To: &to, Data: data})
	switch {
	case err == nil:
		gas = gas * 12 / 10
	case isRevert(err):
		return nil, classify(method, err)
	case stdErrors.Is(err, context.Canceled):
		return nil, err
	default:
		c.logger.Warn("估算 gas 失败，使用默认值", slog.String("method", method), slog.Any("error", err))
		gas = fallbackGasLimit
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Data:      data,
	})
	signed, err := c.signer.SignTx(tx, chainID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeIdentityMissing, err, "交易签名失败")
	}
	hash := signed.Hash()

	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		if !strings.Contains(strings.ToLower(err.Error()), "already known") {
			return nil, classify(method, err)
		}
	}
	c.audit.Info("交易已广播",
		slog.String("method", method),
		slog.String("tx_hash", hash.Hex()),
		slog.Uint64("nonce", nonce),
		slog.Uint64("gas", gas),
		slog.String("max_fee_gwei", gwei(feeCap)))

	receipt, err := c.waitReceipt(ctx, hash)
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, xerrors.New(xerrors.CodeTxRejectedOther, fmt.Sprintf("%s 交易执行失败", method),
			xerrors.WithMetadata("method", method),
			xerrors.WithMetadata("reason", "status_failed"),
			xerrors.WithMetadata("tx_hash", hash.Hex()))
	}
	return receipt, nil
}

// waitReceipt 轮询回执直到交易被打包或超时。
func (c *Client) waitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, c.receipt)
	defer cancel()

	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		receipt, err := c.backend.TransactionReceipt(waitCtx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !stdErrors.Is(err, gethcore.NotFound) && waitCtx.Err() == nil {
			c.logger.Debug("查询回执失败", slog.String("tx_hash", hash.Hex()), slog.Any("error", err))
		}
		select {
		case <-waitCtx.Done():
			if stdErrors.Is(ctx.Err(), context.Canceled) {
				return nil, ctx.Err()
			}
			return nil, xerrors.New(xerrors.CodeNetworkTimeout, "等待交易回执超时",
				xerrors.WithMetadata("tx_hash", hash.Hex()))
		case <-ticker.C:
		}
	}
}

func gwei(wei *big.Int) string {
	value := new(big.Rat).SetFrac(wei, big.NewInt(params.GWei))
	return value.FloatString(3)
}
