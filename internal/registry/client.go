// Package registry 封装与 AgentRegistry、ProblemManager、RewardDistributor 合约的交互。
//
// 每个写操作在发送交易前都会先读取链上状态：已注册、已提交、无可领取奖励都直接
// 返回 TX_REJECTED_DUPLICATE，调用方把它当作成功处理。超时后重试因此是安全的。
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"AgentMiner/internal/agcapi"
	"AgentMiner/internal/config"
	xerrors "AgentMiner/internal/errors"
	"AgentMiner/internal/state"
	"AgentMiner/internal/wallet"
	"AgentMiner/pkg/logger"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// problemStatusAnswering 表示题目处于答题期。
const problemStatusAnswering uint8 = 0

// Backend 是注册表客户端依赖的链访问能力，ethereum.Client 与 ethclient.Client 都满足它。
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, msg gethcore.CallMsg, block *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, block *big.Int) (*big.Int, error)
}

// TemplateSource 提供题目模板，通常是 agcapi.Client。
type TemplateSource interface {
	CurrentProblem(ctx context.Context) (agcapi.Problem, error)
	Template(ctx context.Context, problemID uint64) (string, error)
}

// Contracts 是各业务合约地址。
type Contracts struct {
	Token             common.Address
	AgentRegistry     common.Address
	ProblemManager    common.Address
	RewardDistributor common.Address
}

// ContractsFromConfig 把配置中的十六进制地址转换为 Contracts。
func ContractsFromConfig(cfg config.ContractsConfig) (Contracts, error) {
	var out Contracts
	fields := []struct {
		name string
		raw  string
		dst  *common.Address
	}{
		{"contracts.token", cfg.Token, &out.Token},
		{"contracts.agent_registry", cfg.AgentRegistry, &out.AgentRegistry},
		{"contracts.problem_manager", cfg.ProblemManager, &out.ProblemManager},
		{"contracts.reward_distributor", cfg.RewardDistributor, &out.RewardDistributor},
	}
	for _, f := range fields {
		if !common.IsHexAddress(f.raw) {
			return Contracts{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("%s 不是合法地址: %q", f.name, f.raw))
		}
		*f.dst = common.HexToAddress(f.raw)
	}
	return out, nil
}

// Options 配置注册表客户端。
type Options struct {
	Backend   Backend
	Signer    wallet.Signer
	Contracts Contracts
	Templates TemplateSource
	// Priority 取 normal、fast、urgent，决定 priority fee。
	Priority       string
	ReceiptTimeout time.Duration
	PollInterval   time.Duration
	Logger         *slog.Logger
	Audit          *slog.Logger
	Now            func() time.Time
}

// Client 是链上注册表客户端。
type Client struct {
	backend   Backend
	signer    wallet.Signer
	contracts Contracts
	templates TemplateSource
	tip       *big.Int
	receipt   time.Duration
	poll      time.Duration
	logger    *slog.Logger
	audit     *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	agentID uint64
}

// NewClient 创建注册表客户端。
func NewClient(opts Options) (*Client, error) {
	if opts.Backend == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "注册表客户端缺少链访问后端")
	}
	if opts.Signer == nil {
		return nil, xerrors.New(xerrors.CodeIdentityMissing, "注册表客户端缺少签名器")
	}
	c := &Client{
		backend:   opts.Backend,
		signer:    opts.Signer,
		contracts: opts.Contracts,
		templates: opts.Templates,
		tip:       priorityFee(opts.Priority),
		receipt:   opts.ReceiptTimeout,
		poll:      opts.PollInterval,
		logger:    opts.Logger,
		audit:     opts.Audit,
		now:       opts.Now,
	}
	if c.receipt <= 0 {
		c.receipt = 120 * time.Second
	}
	if c.poll <= 0 {
		c.poll = 2 * time.Second
	}
	if c.logger == nil {
		c.logger = logger.Named("registry")
	}
	if c.audit == nil {
		c.audit = logger.Audit()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// Wallet 返回签名钱包地址。
func (c *Client) Wallet() common.Address { return c.signer.Address() }

// XAccountHash 计算社交账号的链上标识：keccak256("@" + 小写账号)。
func XAccountHash(handle string) common.Hash {
	text := strings.ToLower(strings.TrimSpace(handle))
	if !strings.HasPrefix(text, "@") {
		text = "@" + text
	}
	return crypto.Keccak256Hash([]byte(text))
}

func (c *Client) read(ctx context.Context, parsed abi.ABI, to common.Address, method string, args ...any) ([]any, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("编码 %s 调用失败", method))
	}
	from := c.signer.Address()
	out, err := c.backend.CallContract(ctx, gethcore.CallMsg{From: from, To: &to, Data: data}, nil)
	if err != nil {
		return nil, readError(method, err)
	}
	values, err := parsed.Unpack(method, out)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNetworkTimeout, err, fmt.Sprintf("解码 %s 返回值失败", method),
			xerrors.WithMetadata("method", method))
	}
	return values, nil
}

func bigAt(values []any, idx int) *big.Int {
	if idx < len(values) {
		if v, ok := values[idx].(*big.Int); ok && v != nil {
			return v
		}
	}
	return new(big.Int)
}

func uint64Of(v *big.Int) uint64 {
	if v == nil || !v.IsUint64() {
		return 0
	}
	return v.Uint64()
}

// AgentID 查询钱包对应的 agent id，未注册时返回 0。
func (c *Client) AgentID(ctx context.Context, account common.Address) (uint64, error) {
	values, err := c.read(ctx, registryABI, c.contracts.AgentRegistry, "getAgentId", account)
	if err != nil {
		return 0, err
	}
	return uint64Of(bigAt(values, 0)), nil
}

// ownAgentID 返回当前钱包的 agent id，结果缓存。
func (c *Client) ownAgentID(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	cached := c.agentID
	c.mu.Unlock()
	if cached > 0 {
		return cached, nil
	}
	id, err := c.AgentID(ctx, c.signer.Address())
	if err != nil {
		return 0, err
	}
	if id == 0 {
		return 0, xerrors.New(xerrors.CodeIdentityMissing, "钱包尚未注册 Agent",
			xerrors.WithMetadata("wallet", c.signer.Address().Hex()))
	}
	c.mu.Lock()
	c.agentID = id
	c.mu.Unlock()
	return id, nil
}

func (c *Client) checkWallet(identity state.AgentIdentity) error {
	if identity.WalletAddress == "" {
		return nil
	}
	if !strings.EqualFold(identity.WalletAddress, c.signer.Address().Hex()) {
		return xerrors.New(xerrors.CodeInvalidArgument, "身份中的钱包地址与签名私钥不一致",
			xerrors.WithMetadata("wallet", identity.WalletAddress))
	}
	return nil
}

// Register 把社交账号哈希注册到 AgentRegistry，返回交易哈希与 agent id。
// 钱包已注册时返回 TX_REJECTED_DUPLICATE，错误元数据 agent_id 为已有 id。
func (c *Client) Register(ctx context.Context, identity state.AgentIdentity) (string, uint64, error) {
	if err := c.checkWallet(identity); err != nil {
		return "", 0, err
	}
	if identity.NormalizedHandle() == "" {
		return "", 0, xerrors.New(xerrors.CodeInvalidArgument, "注册需要社交账号")
	}
	addr := c.signer.Address()
	existing, err := c.AgentID(ctx, addr)
	if err != nil {
		return "", 0, err
	}
	if existing > 0 {
		c.rememberAgent(existing)
		return "", existing, xerrors.New(xerrors.CodeTxRejectedDuplicate, "钱包已注册",
			xerrors.WithMetadata("agent_id", strconv.FormatUint(existing, 10)))
	}

	xHash := XAccountHash(identity.SocialHandle)
	receipt, err := c.transact(ctx, registryABI, c.contracts.AgentRegistry, "registerAgent", xHash)
	if err != nil {
		return txHashOf(err), 0, err
	}
	txHash := receipt.TxHash.Hex()

	id, err := c.AgentID(ctx, addr)
	if err != nil {
		return txHash, 0, err
	}
	if id == 0 {
		return txHash, 0, xerrors.New(xerrors.CodeNetworkTimeout, "注册交易已上链但尚未读到 agent id",
			xerrors.WithMetadata("tx_hash", txHash))
	}
	c.rememberAgent(id)
	c.logger.Info("Agent 注册成功", slog.Uint64("agent_id", id), slog.String("tx_hash", txHash))
	return txHash, id, nil
}

func (c *Client) rememberAgent(id uint64) {
	c.mu.Lock()
	c.agentID = id
	c.mu.Unlock()
}

func parsePuzzleID(puzzleID string) (*big.Int, error) {
	id, ok := new(big.Int).SetString(strings.TrimSpace(puzzleID), 10)
	if !ok || id.Sign() < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("题目 ID 无效: %q", puzzleID))
	}
	return id, nil
}

// HasSubmitted 判断 agent 是否已为该题提交过答案。
func (c *Client) HasSubmitted(ctx context.Context, puzzleID string, agentID uint64) (bool, error) {
	pid, err := parsePuzzleID(puzzleID)
	if err != nil {
		return false, err
	}
	values, err := c.read(ctx, problemABI, c.contracts.ProblemManager, "getAgentAnswerHash", pid, new(big.Int).SetUint64(agentID))
	if err != nil {
		return false, err
	}
	if len(values) == 0 {
		return false, nil
	}
	hash, _ := values[0].([32]byte)
	return hash != [32]byte{}, nil
}

// SubmitAnswer 提交答案。proof 是本轮证明帖的外部 ID，只写入审计日志。
func (c *Client) SubmitAnswer(ctx context.Context, answer state.Answer, proof string) (string, error) {
	pid, err := parsePuzzleID(answer.PuzzleID)
	if err != nil {
		return "", err
	}
	encoded, err := answer.Hash()
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeSolverRejected, err, "答案无法编码为 bytes32")
	}
	agentID, err := c.ownAgentID(ctx)
	if err != nil {
		return "", err
	}
	submitted, err := c.HasSubmitted(ctx, answer.PuzzleID, agentID)
	if err != nil {
		return "", err
	}
	if submitted {
		return "", xerrors.New(xerrors.CodeTxRejectedDuplicate, "本题已提交过答案",
			xerrors.WithMetadata("puzzle_id", answer.PuzzleID))
	}

	receipt, err := c.transact(ctx, problemABI, c.contracts.ProblemManager, "submitAnswer", pid, encoded)
	if err != nil {
		if xerrors.HasCode(err, xerrors.CodeTxRejectedOther) && xerrors.MetadataOf(err, "reason") == "status_failed" {
			// 失败回执可能是与另一笔提交竞争所致。
			if again, readErr := c.HasSubmitted(ctx, answer.PuzzleID, agentID); readErr == nil && again {
				return txHashOf(err), xerrors.Wrap(xerrors.CodeTxRejectedDuplicate, err, "本题已提交过答案",
					xerrors.WithMetadata("puzzle_id", answer.PuzzleID))
			}
		}
		return txHashOf(err), err
	}
	c.audit.Info("答案已提交",
		slog.String("puzzle_id", answer.PuzzleID),
		slog.String("tx_hash", receipt.TxHash.Hex()),
		slog.String("proof", proof))
	return receipt.TxHash.Hex(), nil
}

// CheckReward 读取待领取奖励。Round 为当前题目 ID，LastClaimedRound 为合约记录的上次领取题目。
func (c *Client) CheckReward(ctx context.Context, identity state.AgentIdentity) (state.RewardState, error) {
	if err := c.checkWallet(identity); err != nil {
		return state.RewardState{}, err
	}
	agentID := identity.AgentID
	if agentID == 0 {
		id, err := c.ownAgentID(ctx)
		if err != nil {
			return state.RewardState{}, err
		}
		agentID = id
	}
	values, err := c.read(ctx, rewardABI, c.contracts.RewardDistributor, "pendingRewards", new(big.Int).SetUint64(agentID))
	if err != nil {
		return state.RewardState{}, err
	}
	current, err := c.read(ctx, problemABI, c.contracts.ProblemManager, "currentProblemId")
	if err != nil {
		return state.RewardState{}, err
	}
	claimable := false
	if len(values) > 5 {
		claimable, _ = values[5].(bool)
	}
	total := new(big.Int).Set(bigAt(values, 0))
	return state.RewardState{
		ClaimableAmount:  total,
		Claimable:        claimable && total.Sign() > 0,
		Round:            uint64Of(bigAt(current, 0)),
		LastClaimedRound: uint64Of(bigAt(values, 4)),
		LastCheckedAt:    c.now().UTC(),
	}, nil
}

// ClaimReward 领取奖励。没有可领取奖励时返回 TX_REJECTED_DUPLICATE。
func (c *Client) ClaimReward(ctx context.Context, identity state.AgentIdentity) (string, error) {
	reward, err := c.CheckReward(ctx, identity)
	if err != nil {
		return "", err
	}
	if !reward.Claimable {
		return "", xerrors.New(xerrors.CodeTxRejectedDuplicate, "没有可领取的奖励",
			xerrors.WithMetadata("round", strconv.FormatUint(reward.Round, 10)))
	}
	receipt, err := c.transact(ctx, rewardABI, c.contracts.RewardDistributor, "claimRewards")
	if err != nil {
		return txHashOf(err), err
	}
	c.audit.Info("奖励已领取",
		slog.String("amount_wei", reward.ClaimableAmount.String()),
		slog.String("tx_hash", receipt.TxHash.Hex()))
	return receipt.TxHash.Hex(), nil
}

// FetchPuzzle 读取当前处于答题期的题目。链上读取失败时退回站点接口。
func (c *Client) FetchPuzzle(ctx context.Context) (state.Puzzle, error) {
	var (
		problemID uint64
		deadline  int64
		status    = problemStatusAnswering
		chainErr  error
		template  string
	)

	values, err := c.read(ctx, problemABI, c.contracts.ProblemManager, "currentProblemId")
	if err == nil {
		problemID = uint64Of(bigAt(values, 0))
		var info []any
		info, err = c.read(ctx, problemABI, c.contracts.ProblemManager, "getProblem", new(big.Int).SetUint64(problemID))
		if err == nil {
			deadline = bigAt(info, 1).Int64()
			if len(info) > 3 {
				status, _ = info[3].(uint8)
			}
		}
	}
	chainErr = err

	if c.templates != nil && (chainErr != nil || problemID == 0 || deadline == 0) {
		problem, apiErr := c.templates.CurrentProblem(ctx)
		if apiErr == nil {
			if problemID == 0 {
				problemID = problem.ID
			}
			if deadline == 0 {
				deadline = problem.AnswerDeadline
			}
			if problem.ID == problemID {
				template = problem.TemplateText
			}
			chainErr = nil
		} else if chainErr == nil {
			chainErr = apiErr
		}
	}
	if chainErr != nil {
		return state.Puzzle{}, chainErr
	}

	now := c.now()
	if problemID == 0 || status != problemStatusAnswering || deadline <= 0 || now.Unix() >= deadline {
		return state.Puzzle{}, xerrors.New(CodeNoActivePuzzle, "当前没有处于答题期的题目",
			xerrors.WithMetadata("puzzle_id", strconv.FormatUint(problemID, 10)))
	}

	if template == "" {
		if c.templates == nil {
			return state.Puzzle{}, xerrors.New(xerrors.CodeInitializationFailure, "未配置题目模板来源")
		}
		template, err = c.templates.Template(ctx, problemID)
		if err != nil {
			return state.Puzzle{}, err
		}
	}

	return state.Puzzle{
		ID:            strconv.FormatUint(problemID, 10),
		PromptPayload: template,
		IssuedAt:      now.UTC(),
		ExpiresAt:     time.Unix(deadline, 0).UTC(),
	}, nil
}

// Balance 是钱包的 ETH 与 AGC 余额。
type Balance struct {
	Native *big.Int
	Token  *big.Int
}

// Balance 查询钱包余额。
func (c *Client) Balance(ctx context.Context, account common.Address) (Balance, error) {
	native, err := c.backend.BalanceAt(ctx, account, nil)
	if err != nil {
		return Balance{}, readError("eth_getBalance", err)
	}
	values, err := c.read(ctx, agcTokenABI, c.contracts.Token, "balanceOf", account)
	if err != nil {
		return Balance{}, err
	}
	return Balance{Native: native, Token: new(big.Int).Set(bigAt(values, 0))}, nil
}
