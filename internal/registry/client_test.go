package registry

import (
	"context"
	stdErrors "errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"AgentMiner/internal/agcapi"
	"AgentMiner/internal/config"
	xerrors "AgentMiner/internal/errors"
	"AgentMiner/internal/state"
	"AgentMiner/internal/wallet"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const testKeyHex = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

var testContracts = Contracts{
	Token:             common.HexToAddress("0x48778537634Fa47Ff9CDBFdcEd92F3B9DB50bd97"),
	AgentRegistry:     common.HexToAddress("0x5A899d52C9450a06808182FdB1D1e4e23AdFe04D"),
	ProblemManager:    common.HexToAddress("0x7D563ae2881D2fC72f5f4c66334c079B4Cc051c6"),
	RewardDistributor: common.HexToAddress("0xD85aCAC804c074d3c57A422d26bAfAF04Ed6b899"),
}

// revertErr 模拟节点返回的带 revert 数据的 JSON-RPC 错误。
type revertErr struct{ data string }

func (e revertErr) Error() string          { return "execution reverted" }
func (e revertErr) ErrorCode() int         { return 3 }
func (e revertErr) ErrorData() interface{} { return e.data }

type fakeProblem struct {
	deadline int64
	status   uint8
}

type fakeChain struct {
	mu sync.Mutex

	chainID     *big.Int
	baseFee     *big.Int
	estimate    uint64
	agentIDs    map[common.Address]uint64
	nextAgentID uint64
	current     uint64
	problems    map[uint64]fakeProblem
	answers     map[[2]uint64][32]byte
	pending     map[uint64]*big.Int
	lastClaimed map[uint64]uint64
	tokens      map[common.Address]*big.Int

	callErr     error
	estimateErr error
	sendErr     error
	failStatus  bool
	noReceipt   bool

	sent     []*types.Transaction
	receipts map[common.Hash]*types.Receipt
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		chainID:     big.NewInt(8453),
		baseFee:     big.NewInt(1_000_000_000),
		estimate:    100_000,
		agentIDs:    map[common.Address]uint64{},
		nextAgentID: 1,
		problems:    map[uint64]fakeProblem{},
		answers:     map[[2]uint64][32]byte{},
		pending:     map[uint64]*big.Int{},
		lastClaimed: map[uint64]uint64{},
		tokens:      map[common.Address]*big.Int{},
		receipts:    map[common.Hash]*types.Receipt{},
	}
}

func (f *fakeChain) abiFor(to common.Address) abi.ABI {
	switch to {
	case testContracts.AgentRegistry:
		return registryABI
	case testContracts.ProblemManager:
		return problemABI
	case testContracts.RewardDistributor:
		return rewardABI
	default:
		return agcTokenABI
	}
}

func (f *fakeChain) decode(to common.Address, data []byte) (*abi.Method, []any, error) {
	parsed := f.abiFor(to)
	method, err := parsed.MethodById(data[:4])
	if err != nil {
		return nil, nil, err
	}
	args, err := method.Inputs.Unpack(data[4:])
	return method, args, err
}

func (f *fakeChain) ChainID(context.Context) (*big.Int, error) { return f.chainID, nil }

func (f *fakeChain) CallContract(_ context.Context, msg gethcore.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.callErr != nil {
		return nil, f.callErr
	}
	method, args, err := f.decode(*msg.To, msg.Data)
	if err != nil {
		return nil, err
	}
	switch method.Name {
	case "getAgentId":
		return method.Outputs.Pack(new(big.Int).SetUint64(f.agentIDs[args[0].(common.Address)]))
	case "currentProblemId":
		return method.Outputs.Pack(new(big.Int).SetUint64(f.current))
	case "getProblem":
		p := f.problems[args[0].(*big.Int).Uint64()]
		zero := new(big.Int)
		return method.Outputs.Pack([32]byte{}, big.NewInt(p.deadline), zero, p.status, zero, zero, zero, zero)
	case "getAgentAnswerHash":
		key := [2]uint64{args[0].(*big.Int).Uint64(), args[1].(*big.Int).Uint64()}
		return method.Outputs.Pack(f.answers[key])
	case "pendingRewards":
		id := args[0].(*big.Int).Uint64()
		total := f.pending[id]
		if total == nil {
			total = new(big.Int)
		}
		zero := new(big.Int)
		return method.Outputs.Pack(total, total, zero, zero, new(big.Int).SetUint64(f.lastClaimed[id]), total.Sign() > 0)
	case "balanceOf":
		balance := f.tokens[args[0].(common.Address)]
		if balance == nil {
			balance = new(big.Int)
		}
		return method.Outputs.Pack(balance)
	}
	return nil, fmt.Errorf("unexpected call %s", method.Name)
}

func (f *fakeChain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.sent)), nil
}

func (f *fakeChain) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(100), BaseFee: f.baseFee}, nil
}

func (f *fakeChain) EstimateGas(context.Context, gethcore.CallMsg) (uint64, error) {
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return f.estimate, nil
}

func (f *fakeChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	from, err := types.Sender(types.LatestSignerForChainID(f.chainID), tx)
	if err != nil {
		return err
	}
	method, args, err := f.decode(*tx.To(), tx.Data())
	if err != nil {
		return err
	}
	f.sent = append(f.sent, tx)

	status := types.ReceiptStatusSuccessful
	if f.failStatus {
		status = types.ReceiptStatusFailed
	}
	switch method.Name {
	case "registerAgent":
		if status == types.ReceiptStatusSuccessful {
			f.agentIDs[from] = f.nextAgentID
			f.nextAgentID++
		}
	case "submitAnswer":
		// 失败回执也记录答案，模拟另一笔交易抢先提交。
		key := [2]uint64{args[0].(*big.Int).Uint64(), f.agentIDs[from]}
		f.answers[key] = args[1].([32]byte)
	case "claimRewards":
		if status == types.ReceiptStatusSuccessful {
			id := f.agentIDs[from]
			f.pending[id] = new(big.Int)
			f.lastClaimed[id] = f.current
		}
	}
	if !f.noReceipt {
		f.receipts[tx.Hash()] = &types.Receipt{Status: status, TxHash: tx.Hash()}
	}
	return nil
}

func (f *fakeChain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if receipt, ok := f.receipts[hash]; ok {
		return receipt, nil
	}
	return nil, gethcore.NotFound
}

func (f *fakeChain) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return big.NewInt(5e15), nil
}

func (f *fakeChain) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeTemplates struct {
	problem agcapi.Problem
	err     error
}

func (t fakeTemplates) CurrentProblem(context.Context) (agcapi.Problem, error) {
	return t.problem, t.err
}

func (t fakeTemplates) Template(_ context.Context, id uint64) (string, error) {
	if t.err != nil {
		return "", t.err
	}
	return fmt.Sprintf("template %d for {AGENT_ID}", id), nil
}

func newTestClient(t *testing.T, chain *fakeChain, templates TemplateSource) (*Client, common.Address) {
	t.Helper()
	key, err := crypto.HexToECDSA(testKeyHex)
	if err != nil {
		t.Fatalf("解析私钥失败: %v", err)
	}
	signer := wallet.NewKeySigner(key)
	client, err := NewClient(Options{
		Backend:        chain,
		Signer:         signer,
		Contracts:      testContracts,
		Templates:      templates,
		ReceiptTimeout: 200 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewClient 返回错误: %v", err)
	}
	return client, signer.Address()
}

func TestRegisterSendsEIP1559Transaction(t *testing.T) {
	chain := newFakeChain()
	client, addr := newTestClient(t, chain, nil)

	txHash, agentID, err := client.Register(context.Background(), state.AgentIdentity{
		WalletAddress: addr.Hex(),
		SocialHandle:  "Miner",
	})
	if err != nil {
		t.Fatalf("Register 返回错误: %v", err)
	}
	if agentID != 1 || txHash == "" {
		t.Fatalf("注册结果错误: %s %d", txHash, agentID)
	}

	tx := chain.sent[0]
	if tx.Type() != types.DynamicFeeTxType {
		t.Fatalf("应发送 EIP-1559 交易，得到类型 %d", tx.Type())
	}
	if tx.GasTipCap().Int64() != 100_000_000 {
		t.Fatalf("priority fee 错误: %s", tx.GasTipCap())
	}
	if tx.GasFeeCap().Int64() != 2_100_000_000 {
		t.Fatalf("max fee 应为 2*base+tip，得到 %s", tx.GasFeeCap())
	}
	if tx.Gas() != 120_000 {
		t.Fatalf("gas 应为估算值的 1.2 倍，得到 %d", tx.Gas())
	}
	_, args, err := chain.decode(*tx.To(), tx.Data())
	if err != nil {
		t.Fatalf("解码交易失败: %v", err)
	}
	if common.Hash(args[0].([32]byte)) != crypto.Keccak256Hash([]byte("@miner")) {
		t.Fatalf("xAccountHash 编码错误")
	}
}

func TestRegisterDuplicateCarriesAgentID(t *testing.T) {
	chain := newFakeChain()
	client, addr := newTestClient(t, chain, nil)
	chain.agentIDs[addr] = 42

	_, agentID, err := client.Register(context.Background(), state.AgentIdentity{SocialHandle: "miner"})
	if !xerrors.HasCode(err, xerrors.CodeTxRejectedDuplicate) {
		t.Fatalf("期望 TX_REJECTED_DUPLICATE，得到 %v", err)
	}
	if agentID != 42 || xerrors.MetadataOf(err, "agent_id") != "42" {
		t.Fatalf("重复注册应返回已有 agent id，得到 %d", agentID)
	}
	if chain.sentCount() != 0 {
		t.Fatalf("已注册时不应发送交易")
	}
}

func TestRegisterRejectsMismatchedWallet(t *testing.T) {
	client, _ := newTestClient(t, newFakeChain(), nil)
	_, _, err := client.Register(context.Background(), state.AgentIdentity{WalletAddress: "0xabc", SocialHandle: "miner"})
	if !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("期望 INVALID_ARGUMENT，得到 %v", err)
	}
}

func TestSubmitAnswerAndDuplicate(t *testing.T) {
	chain := newFakeChain()
	client, addr := newTestClient(t, chain, nil)
	chain.agentIDs[addr] = 7

	answer := state.Answer{PuzzleID: "3", SolutionPayload: "-1"}
	txHash, err := client.SubmitAnswer(context.Background(), answer, "post-1")
	if err != nil || txHash == "" {
		t.Fatalf("SubmitAnswer 返回错误: %v", err)
	}
	submitted, err := client.HasSubmitted(context.Background(), "3", 7)
	if err != nil || !submitted {
		t.Fatalf("HasSubmitted 应为 true: %v", err)
	}
	var allOnes [32]byte
	for i := range allOnes {
		allOnes[i] = 0xff
	}
	if chain.answers[[2]uint64{3, 7}] != allOnes {
		t.Fatalf("负数答案应编码为二进制补码")
	}

	_, err = client.SubmitAnswer(context.Background(), answer, "post-1")
	if !xerrors.HasCode(err, xerrors.CodeTxRejectedDuplicate) {
		t.Fatalf("重复提交应返回 TX_REJECTED_DUPLICATE，得到 %v", err)
	}
	if chain.sentCount() != 1 {
		t.Fatalf("重复提交不应再发送交易")
	}
}

func TestSubmitAnswerRequiresRegistration(t *testing.T) {
	client, _ := newTestClient(t, newFakeChain(), nil)
	_, err := client.SubmitAnswer(context.Background(), state.Answer{PuzzleID: "1", SolutionPayload: "5"}, "")
	if !xerrors.HasCode(err, xerrors.CodeIdentityMissing) {
		t.Fatalf("未注册时期望 IDENTITY_MISSING，得到 %v", err)
	}
}

func TestRevertClassification(t *testing.T) {
	cases := []struct {
		name        string
		estimateErr error
		sendErr     error
		code        xerrors.Code
		reason      string
	}{
		{name: "already submitted", estimateErr: revertErr{"0x81d820a8"}, code: xerrors.CodeTxRejectedDuplicate},
		{name: "answer period ended", estimateErr: revertErr{"0xec2b7666"}, code: xerrors.CodePuzzleExpired},
		{name: "problem not active", estimateErr: revertErr{"0x2d0a3f8e"}, code: xerrors.CodePuzzleExpired},
		{name: "agent not registered", estimateErr: revertErr{"0x584a7938"}, code: xerrors.CodeTxRejectedOther, reason: "agent_not_registered"},
		{name: "unknown revert", estimateErr: revertErr{"0xdeadbeef"}, code: xerrors.CodeTxRejectedOther, reason: "reverted"},
		{name: "insufficient funds", sendErr: stdErrors.New("insufficient funds for gas * price + value"), code: xerrors.CodeTxRejectedOther, reason: "insufficient_funds"},
		{name: "transport", sendErr: stdErrors.New("dial tcp 10.0.0.1:443: i/o timeout"), code: xerrors.CodeNetworkTimeout},
		{name: "selector in message", sendErr: stdErrors.New("execution reverted: custom error 0x81d820a8"), code: xerrors.CodeTxRejectedDuplicate},
	}
	for _, tc := range cases {
		chain := newFakeChain()
		client, addr := newTestClient(t, chain, nil)
		chain.agentIDs[addr] = 7
		chain.estimateErr = tc.estimateErr
		chain.sendErr = tc.sendErr

		_, err := client.SubmitAnswer(context.Background(), state.Answer{PuzzleID: "3", SolutionPayload: "12"}, "")
		if !xerrors.HasCode(err, tc.code) {
			t.Fatalf("%s: 期望 %s，得到 %v", tc.name, tc.code, err)
		}
		if tc.reason != "" && xerrors.MetadataOf(err, "reason") != tc.reason {
			t.Fatalf("%s: 期望 reason=%s，得到 %q", tc.name, tc.reason, xerrors.MetadataOf(err, "reason"))
		}
	}
}

func TestEstimateFailureFallsBackToDefaultGas(t *testing.T) {
	chain := newFakeChain()
	client, addr := newTestClient(t, chain, nil)
	chain.agentIDs[addr] = 7
	chain.estimateErr = stdErrors.New("gas required exceeds allowance")
	// 非 revert 的估算失败不应阻止发送。
	if _, err := client.SubmitAnswer(context.Background(), state.Answer{PuzzleID: "3", SolutionPayload: "12"}, ""); err != nil {
		t.Fatalf("SubmitAnswer 返回错误: %v", err)
	}
	if chain.sent[0].Gas() != fallbackGasLimit {
		t.Fatalf("期望默认 gas %d，得到 %d", fallbackGasLimit, chain.sent[0].Gas())
	}
}

func TestFailedReceiptAfterRaceIsDuplicate(t *testing.T) {
	chain := newFakeChain()
	client, addr := newTestClient(t, chain, nil)
	chain.agentIDs[addr] = 7
	chain.failStatus = true

	_, err := client.SubmitAnswer(context.Background(), state.Answer{PuzzleID: "3", SolutionPayload: "12"}, "")
	if !xerrors.HasCode(err, xerrors.CodeTxRejectedDuplicate) {
		t.Fatalf("期望 TX_REJECTED_DUPLICATE，得到 %v", err)
	}
}

func TestReceiptTimeoutIsNetworkTimeout(t *testing.T) {
	chain := newFakeChain()
	client, addr := newTestClient(t, chain, nil)
	chain.agentIDs[addr] = 7
	chain.noReceipt = true

	txHash, err := client.SubmitAnswer(context.Background(), state.Answer{PuzzleID: "3", SolutionPayload: "12"}, "")
	if !xerrors.HasCode(err, xerrors.CodeNetworkTimeout) || !xerrors.RetryableError(err) {
		t.Fatalf("期望可重试的 NETWORK_TIMEOUT，得到 %v", err)
	}
	if txHash == "" || txHash != chain.sent[0].Hash().Hex() {
		t.Fatalf("超时错误应携带交易哈希，得到 %q", txHash)
	}
}

func TestCheckAndClaimReward(t *testing.T) {
	chain := newFakeChain()
	client, addr := newTestClient(t, chain, nil)
	chain.agentIDs[addr] = 7
	chain.current = 12
	chain.lastClaimed[7] = 9
	chain.pending[7] = big.NewInt(5e18)
	identity := state.AgentIdentity{WalletAddress: addr.Hex(), AgentID: 7}

	reward, err := client.CheckReward(context.Background(), identity)
	if err != nil {
		t.Fatalf("CheckReward 返回错误: %v", err)
	}
	if !reward.Claimable || reward.Round != 12 || reward.LastClaimedRound != 9 || !reward.HasUnclaimed() {
		t.Fatalf("奖励状态错误: %+v", reward)
	}

	if _, err := client.ClaimReward(context.Background(), identity); err != nil {
		t.Fatalf("ClaimReward 返回错误: %v", err)
	}
	_, err = client.ClaimReward(context.Background(), identity)
	if !xerrors.HasCode(err, xerrors.CodeTxRejectedDuplicate) {
		t.Fatalf("重复领取应返回 TX_REJECTED_DUPLICATE，得到 %v", err)
	}
	if chain.sentCount() != 1 {
		t.Fatalf("只应发送一次领取交易")
	}

	reward, err = client.CheckReward(context.Background(), identity)
	if err != nil || reward.HasUnclaimed() || reward.LastClaimedRound != 12 {
		t.Fatalf("领取后奖励状态错误: %+v %v", reward, err)
	}
}

func TestClaimFailedReceipt(t *testing.T) {
	chain := newFakeChain()
	client, addr := newTestClient(t, chain, nil)
	chain.agentIDs[addr] = 7
	chain.pending[7] = big.NewInt(1)
	chain.failStatus = true

	_, err := client.ClaimReward(context.Background(), state.AgentIdentity{AgentID: 7})
	if !xerrors.HasCode(err, xerrors.CodeTxRejectedOther) || xerrors.MetadataOf(err, "reason") != "status_failed" {
		t.Fatalf("期望 status_failed 的 TX_REJECTED_OTHER，得到 %v", err)
	}
}

func TestFetchPuzzle(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	chain := newFakeChain()
	chain.current = 5
	chain.problems[5] = fakeProblem{deadline: now.Unix() + 120}
	client, _ := newTestClient(t, chain, fakeTemplates{})
	client.now = func() time.Time { return now }

	puzzle, err := client.FetchPuzzle(context.Background())
	if err != nil {
		t.Fatalf("FetchPuzzle 返回错误: %v", err)
	}
	if puzzle.ID != "5" || puzzle.PromptPayload != "template 5 for {AGENT_ID}" {
		t.Fatalf("题目内容错误: %+v", puzzle)
	}
	if !puzzle.ExpiresAt.Equal(now.Add(120 * time.Second)) {
		t.Fatalf("截止时间错误: %s", puzzle.ExpiresAt)
	}

	chain.problems[5] = fakeProblem{deadline: now.Unix() + 120, status: 1}
	if _, err := client.FetchPuzzle(context.Background()); !xerrors.HasCode(err, CodeNoActivePuzzle) {
		t.Fatalf("非答题期应返回 NO_ACTIVE_PUZZLE，得到 %v", err)
	}

	chain.problems[5] = fakeProblem{deadline: now.Unix() - 1}
	if _, err := client.FetchPuzzle(context.Background()); !xerrors.HasCode(err, CodeNoActivePuzzle) {
		t.Fatalf("已过截止时间应返回 NO_ACTIVE_PUZZLE，得到 %v", err)
	}
}

func TestFetchPuzzleFallsBackToAPI(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	chain := newFakeChain()
	chain.callErr = stdErrors.New("connection refused")
	templates := fakeTemplates{problem: agcapi.Problem{ID: 9, TemplateText: "from api", AnswerDeadline: now.Unix() + 60}}
	client, _ := newTestClient(t, chain, templates)
	client.now = func() time.Time { return now }

	puzzle, err := client.FetchPuzzle(context.Background())
	if err != nil {
		t.Fatalf("FetchPuzzle 返回错误: %v", err)
	}
	if puzzle.ID != "9" || puzzle.PromptPayload != "from api" {
		t.Fatalf("应使用站点接口的题目: %+v", puzzle)
	}

	client.templates = fakeTemplates{err: stdErrors.New("down")}
	if _, err := client.FetchPuzzle(context.Background()); !xerrors.HasCode(err, xerrors.CodeNetworkTimeout) {
		t.Fatalf("两侧都失败时期望 NETWORK_TIMEOUT，得到 %v", err)
	}
}

func TestBalance(t *testing.T) {
	chain := newFakeChain()
	client, addr := newTestClient(t, chain, nil)
	chain.tokens[addr] = big.NewInt(77)
	balance, err := client.Balance(context.Background(), addr)
	if err != nil {
		t.Fatalf("Balance 返回错误: %v", err)
	}
	if balance.Token.Int64() != 77 || balance.Native.Int64() != 5e15 {
		t.Fatalf("余额错误: %+v", balance)
	}
}

func TestXAccountHashNormalizesHandle(t *testing.T) {
	want := crypto.Keccak256Hash([]byte("@miner"))
	for _, handle := range []string{"Miner", "@miner", "  MINER "} {
		if XAccountHash(handle) != want {
			t.Fatalf("%q 的哈希不一致", handle)
		}
	}
}

func TestContractsFromConfig(t *testing.T) {
	_, err := ContractsFromConfig(configWith("0x1234"))
	if !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("非法地址应返回 INVALID_ARGUMENT，得到 %v", err)
	}
	contracts, err := ContractsFromConfig(configWith(testContracts.Token.Hex()))
	if err != nil || contracts.ProblemManager != testContracts.ProblemManager {
		t.Fatalf("地址解析错误: %v", err)
	}
}

func configWith(token string) config.ContractsConfig {
	return config.ContractsConfig{
		Token:             token,
		AgentRegistry:     testContracts.AgentRegistry.Hex(),
		ProblemManager:    testContracts.ProblemManager.Hex(),
		RewardDistributor: testContracts.RewardDistributor.Hex(),
	}
}
