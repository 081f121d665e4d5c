package state

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"AgentMiner/internal/social"
)

// Stage 描述智能体在周期之外所处的工作流位置。
type Stage string

const (
	StageUnregistered Stage = "unregistered"
	StageRegistering  Stage = "registering"
	StageBound        Stage = "bound"
	StageMining       Stage = "mining"
	StageHalted       Stage = "halted"
)

// Registered 判断是否已完成链上注册。
func (s Stage) Registered() bool {
	return s == StageBound || s == StageMining || s == StageHalted
}

func (s Stage) valid() bool {
	switch s {
	case "", StageUnregistered, StageRegistering, StageBound, StageMining, StageHalted:
		return true
	}
	return false
}

// Phase 是单个挖矿周期内的阶段。
type Phase string

const (
	PhaseAwaitingPuzzle Phase = "awaiting_puzzle"
	PhaseSolving        Phase = "solving"
	PhaseSubmitting     Phase = "submitting"
	PhaseAwaitingReward Phase = "awaiting_reward"
	PhaseClaiming       Phase = "claiming"
	PhaseIdle           Phase = "idle"
)

// Valid 判断阶段取值是否合法。
func (p Phase) Valid() bool {
	switch p {
	case PhaseAwaitingPuzzle, PhaseSolving, PhaseSubmitting, PhaseAwaitingReward, PhaseClaiming, PhaseIdle:
		return true
	}
	return false
}

// AgentIdentity 是注册后基本不可变的智能体身份。
type AgentIdentity struct {
	WalletAddress string `json:"wallet_address"`
	// PrivateKeyRef 是签名密钥的不透明引用，不会出现在日志里。
	PrivateKeyRef      string    `json:"private_key_ref"`
	SocialHandle       string    `json:"social_handle"`
	AgentID            uint64    `json:"agent_id,omitempty"`
	BoundAt            time.Time `json:"bound_at,omitempty"`
	RegistrationTxHash string    `json:"registration_tx_hash,omitempty"`
}

// String 省略密钥引用。
func (a AgentIdentity) String() string {
	return fmt.Sprintf("agent{wallet=%s handle=@%s id=%d}", a.WalletAddress, a.NormalizedHandle(), a.AgentID)
}

// NormalizedHandle 返回去掉 @ 并转小写的社交账号。
func (a AgentIdentity) NormalizedHandle() string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(a.SocialHandle)), "@")
}

// CycleCheckpoint 记录编排器当前阶段，每次阶段切换后持久化。
type CycleCheckpoint struct {
	CycleIndex uint64    `json:"cycle_index"`
	Phase      Phase     `json:"phase"`
	LastError  string    `json:"last_error,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`

	PuzzleID        string    `json:"puzzle_id,omitempty"`
	PuzzleExpiresAt time.Time `json:"puzzle_expires_at,omitempty"`
	// ExpiredPuzzleID 是最近一次过期的题目，重新取题时不得再次使用。
	ExpiredPuzzleID string `json:"expired_puzzle_id,omitempty"`
	AnswerPayload   string `json:"answer_payload,omitempty"`
	PostDone        bool   `json:"post_done,omitempty"`
	SubmitTxHash    string `json:"submit_tx_hash,omitempty"`
	ClaimRound      uint64 `json:"claim_round,omitempty"`
	// Rejections 是连续被解题服务拒绝的周期数。
	Rejections int `json:"rejections,omitempty"`
}

// Puzzle 是当前周期的题目，不跨周期持久化。
type Puzzle struct {
	ID            string    `json:"id"`
	PromptPayload string    `json:"prompt_payload"`
	IssuedAt      time.Time `json:"issued_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Expired 判断题目在 now 时刻是否已过期。
func (p Puzzle) Expired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && !now.Before(p.ExpiresAt)
}

// Answer 是解题服务给出、随即提交上链的答案。
type Answer struct {
	PuzzleID        string `json:"puzzle_id"`
	SolutionPayload string `json:"solution_payload"`
	ConfidenceNote  string `json:"confidence_note,omitempty"`
}

var (
	two256    = new(big.Int).Lsh(big.NewInt(1), 256)
	maxInt256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 255), big.NewInt(1))
	minInt256 = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 255))
)

// ParseSolution 把答案解析为 int256 范围内的整数。
func ParseSolution(payload string) (*big.Int, error) {
	value, ok := new(big.Int).SetString(strings.TrimSpace(payload), 10)
	if !ok {
		return nil, fmt.Errorf("答案不是十进制整数: %q", payload)
	}
	if value.Cmp(maxInt256) > 0 || value.Cmp(minInt256) < 0 {
		return nil, fmt.Errorf("答案超出 int256 范围")
	}
	return value, nil
}

// Hash 返回提交给合约的 bytes32 编码：大端 uint256，负数取二进制补码。
func (a Answer) Hash() ([32]byte, error) {
	var out [32]byte
	value, err := ParseSolution(a.SolutionPayload)
	if err != nil {
		return out, err
	}
	if value.Sign() < 0 {
		value = new(big.Int).Add(value, two256)
	}
	value.FillBytes(out[:])
	return out, nil
}

// RewardState 是最近一次从链上读取的奖励状态。
type RewardState struct {
	ClaimableAmount *big.Int  `json:"claimable_amount,omitempty"`
	Claimable       bool      `json:"claimable"`
	Round           uint64    `json:"round"`
	LastCheckedAt   time.Time `json:"last_checked_at,omitempty"`
	LastClaimTxHash string    `json:"last_claim_tx_hash,omitempty"`
	// LastClaimedRound 防止同一轮奖励被领取两次。
	LastClaimedRound uint64 `json:"last_claimed_round,omitempty"`
}

// HasUnclaimed 判断是否存在尚未领取的奖励轮次。
func (r RewardState) HasUnclaimed() bool {
	if !r.Claimable || r.ClaimableAmount == nil || r.ClaimableAmount.Sign() <= 0 {
		return false
	}
	return r.Round == 0 || r.Round > r.LastClaimedRound
}

// Record 是持久化文件中的完整内容。
type Record struct {
	Identity   *AgentIdentity      `json:"identity,omitempty"`
	Stage      Stage               `json:"stage"`
	Checkpoint *CycleCheckpoint    `json:"checkpoint,omitempty"`
	Posts      []social.PostRecord `json:"posts,omitempty"`
	Reward     *RewardState        `json:"reward,omitempty"`
}

// Validate 检查记录的内部一致性，不一致的记录按损坏处理。
func (r Record) Validate() error {
	if !r.Stage.valid() {
		return fmt.Errorf("未知的工作流阶段 %q", r.Stage)
	}
	if r.Stage.Registered() {
		if r.Identity == nil || r.Identity.AgentID == 0 || r.Identity.WalletAddress == "" {
			return fmt.Errorf("阶段 %s 需要已注册的身份", r.Stage)
		}
	}
	if r.Checkpoint != nil && !r.Checkpoint.Phase.Valid() {
		return fmt.Errorf("未知的周期阶段 %q", r.Checkpoint.Phase)
	}
	return nil
}

// Clone 返回记录的深拷贝。
func (r Record) Clone() Record {
	out := Record{Stage: r.Stage}
	if r.Identity != nil {
		id := *r.Identity
		out.Identity = &id
	}
	if r.Checkpoint != nil {
		cp := *r.Checkpoint
		out.Checkpoint = &cp
	}
	if len(r.Posts) > 0 {
		out.Posts = append([]social.PostRecord(nil), r.Posts...)
	}
	if r.Reward != nil {
		rw := *r.Reward
		if r.Reward.ClaimableAmount != nil {
			rw.ClaimableAmount = new(big.Int).Set(r.Reward.ClaimableAmount)
		}
		out.Reward = &rw
	}
	return out
}
