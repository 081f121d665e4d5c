package miner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"AgentMiner/internal/agcapi"
	xerrors "AgentMiner/internal/errors"
	"AgentMiner/internal/social"
	"AgentMiner/internal/state"
)

// Registry 是编排器需要的链上能力。
type Registry interface {
	Register(ctx context.Context, identity state.AgentIdentity) (string, uint64, error)
	SubmitAnswer(ctx context.Context, answer state.Answer, proof string) (string, error)
	CheckReward(ctx context.Context, identity state.AgentIdentity) (state.RewardState, error)
	ClaimReward(ctx context.Context, identity state.AgentIdentity) (string, error)
	HasSubmitted(ctx context.Context, puzzleID string, agentID uint64) (bool, error)
	FetchPuzzle(ctx context.Context) (state.Puzzle, error)
}

// Solver 在截止时间前给出答案。
type Solver interface {
	Solve(ctx context.Context, puzzle state.Puzzle, timeout time.Duration) (state.Answer, error)
}

// Poster 发布证明帖。
type Poster interface {
	Post(ctx context.Context, content string) (social.PostRecord, error)
	History() []social.PostRecord
	Restore(records []social.PostRecord)
	Configured() bool
}

// Binder 是站点侧的社交账号绑定接口。
type Binder interface {
	CreateClaim(ctx context.Context) (agcapi.Claim, error)
	VerifyClaim(ctx context.Context, token string) (agcapi.Verification, error)
	ConfirmRegistration(ctx context.Context, confirmation agcapi.Confirmation) error
}

// RecordStore 读写完整的持久化记录。
type RecordStore interface {
	LoadRecord() (*state.Record, error)
	SaveRecord(record state.Record) error
}

// PostPolicy 决定证明帖失败时是否影响提交。
type PostPolicy string

const (
	PostOff        PostPolicy = "off"
	PostBestEffort PostPolicy = "best_effort"
	PostMandatory  PostPolicy = "mandatory"
)

// ParsePostPolicy 解析配置取值，空字符串按 best_effort 处理。
func ParsePostPolicy(value string) (PostPolicy, error) {
	switch PostPolicy(strings.ToLower(strings.TrimSpace(value))) {
	case "", PostBestEffort:
		return PostBestEffort, nil
	case PostOff:
		return PostOff, nil
	case PostMandatory:
		return PostMandatory, nil
	}
	return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的发帖策略 %q", value))
}

// DefaultPostTemplate 是证明帖的默认文本。
const DefaultPostTemplate = "Agent #{agent_id} answered AgentCoin puzzle #{puzzle_id} (cycle {cycle}) @agentcoinsite"

func renderPost(template string, agentID uint64, puzzleID string, cycle uint64) string {
	if strings.TrimSpace(template) == "" {
		template = DefaultPostTemplate
	}
	return strings.NewReplacer(
		"{agent_id}", fmt.Sprint(agentID),
		"{puzzle_id}", puzzleID,
		"{cycle}", fmt.Sprint(cycle),
	).Replace(template)
}

// Snapshot 是供看板读取的只读状态副本。
type Snapshot struct {
	Stage      state.Stage            `json:"stage"`
	Identity   *state.AgentIdentity   `json:"identity,omitempty"`
	Checkpoint *state.CycleCheckpoint `json:"checkpoint,omitempty"`
	Reward     *state.RewardState     `json:"reward,omitempty"`
	Posts      []social.PostRecord    `json:"posts,omitempty"`
	NextCycle  time.Time              `json:"next_cycle,omitempty"`
	TakenAt    time.Time              `json:"taken_at"`
}

// SnapshotOf 从持久化记录生成快照，用于未运行编排器的场景。
func SnapshotOf(record state.Record, now time.Time) Snapshot {
	r := record.Clone()
	snap := Snapshot{Stage: r.Stage, Checkpoint: r.Checkpoint, Reward: r.Reward, Posts: r.Posts, TakenAt: now.UTC()}
	if r.Identity != nil {
		id := *r.Identity
		id.PrivateKeyRef = ""
		snap.Identity = &id
	}
	return snap
}
