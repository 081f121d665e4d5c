package solver

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	xerrors "AgentMiner/internal/errors"
	"AgentMiner/internal/state"
	"AgentMiner/pkg/logger"
)

const (
	defaultModel     = "gpt-4o-mini"
	defaultMaxTokens = 2048
)

// reasoningPrompt 要求模型在最后一行只输出数值答案。
const reasoningPrompt = `You are a precise math calculator. Solve the given problem step by step, then output ONLY the final numeric answer on the LAST line.

RULES:
- Show your reasoning first.
- The VERY LAST line of your response must contain ONLY the final integer answer.
- No text, no units and no decimal point on the last line.`

// Solver 求解一道题目。
type Solver interface {
	Solve(ctx context.Context, puzzle state.Puzzle, timeout time.Duration) (state.Answer, error)
}

// Model 是聊天补全模型的最小抽象。
type Model interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// ChatConfig 描述 OpenAI 兼容接口。
type ChatConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	MaxTokens  int
	HTTPClient *http.Client
}

// ChatModel 通过 go-openai 调用聊天补全接口。
type ChatModel struct {
	client    *openai.Client
	model     string
	maxTokens int
}

// NewChatModel 创建聊天模型，HTTPClient 通常来自代理路由。
func NewChatModel(cfg ChatConfig) (*ChatModel, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未提供解题服务 API Key")
	}
	clientCfg := openai.DefaultConfig(apiKey)
	if base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); base != "" {
		clientCfg.BaseURL = base
	}
	if cfg.HTTPClient != nil {
		clientCfg.HTTPClient = cfg.HTTPClient
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &ChatModel{client: openai.NewClientWithConfig(clientCfg), model: model, maxTokens: maxTokens}, nil
}

// Complete 实现 Model。
func (m *ChatModel) Complete(ctx context.Context, system, user string) (string, error) {
	resp, err := m.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     m.model,
		MaxTokens: m.maxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", xerrors.New(xerrors.CodeSolverRejected, "解题服务没有返回任何结果")
	}
	return resp.Choices[0].Message.Content, nil
}

// Options 配置 Client。
type Options struct {
	Model        Model
	AgentID      uint64
	LocalSolvers []LocalSolver
	DisableLocal bool
	Logger       *slog.Logger
	Now          func() time.Time
}

// Client 先尝试内置题型，再调用模型推理。
type Client struct {
	model   Model
	agentID uint64
	local   []LocalSolver
	logger  *slog.Logger
	now     func() time.Time
}

// NewClient 创建解题客户端，Model 可以为空（仅本地求解）。
func NewClient(opts Options) *Client {
	local := opts.LocalSolvers
	if local == nil {
		local = DefaultLocalSolvers
	}
	if opts.DisableLocal {
		local = nil
	}
	if opts.Logger == nil {
		opts.Logger = logger.Named("solver")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Client{model: opts.Model, agentID: opts.AgentID, local: local, logger: opts.Logger, now: opts.Now}
}

// Solve 在 min(now+timeout, 题目截止时间) 之前给出答案。
// 截止来自题目过期时返回 PUZZLE_EXPIRED，来自 timeout 时返回 SOLVER_TIMEOUT。
func (c *Client) Solve(ctx context.Context, puzzle state.Puzzle, timeout time.Duration) (state.Answer, error) {
	now := c.now()
	if puzzle.Expired(now) {
		return state.Answer{}, expired(puzzle)
	}

	if value, ok := SolveLocally(c.local, puzzle.PromptPayload, c.agentID); ok {
		answer := state.Answer{PuzzleID: puzzle.ID, SolutionPayload: value.String(), ConfidenceNote: "local"}
		if err := validate(answer); err != nil {
			return state.Answer{}, err
		}
		c.logger.Info("内置题型已求解", slog.String("puzzle_id", puzzle.ID))
		return answer, nil
	}
	if c.model == nil {
		return state.Answer{}, xerrors.New(xerrors.CodeSolverUnavailable, "题型无法本地求解且未配置模型",
			xerrors.WithRetryable(false))
	}

	callCtx, cancel, boundByExpiry := effectiveDeadline(ctx, now, timeout, puzzle.ExpiresAt)
	defer cancel()

	prompt := "Solve this problem. Show your work, then put ONLY the final number on the last line:\n\n" +
		Personalize(puzzle.PromptPayload, c.agentID)
	reply, err := c.model.Complete(callCtx, reasoningPrompt, prompt)
	if err != nil {
		if ctx.Err() != nil {
			return state.Answer{}, ctx.Err()
		}
		if stdErrors.Is(callCtx.Err(), context.DeadlineExceeded) {
			if boundByExpiry {
				return state.Answer{}, expired(puzzle)
			}
			return state.Answer{}, xerrors.Wrap(xerrors.CodeSolverTimeout, err, fmt.Sprintf("解题超过 %s", timeout))
		}
		return state.Answer{}, classifyModelError(err)
	}

	payload, ok := ExtractNumber(reply)
	if !ok {
		return state.Answer{}, xerrors.New(xerrors.CodeSolverRejected, "模型回复中没有数值答案")
	}
	answer := state.Answer{PuzzleID: puzzle.ID, SolutionPayload: payload, ConfidenceNote: "model"}
	if err := validate(answer); err != nil {
		return state.Answer{}, err
	}
	if puzzle.Expired(c.now()) {
		return state.Answer{}, expired(puzzle)
	}
	return answer, nil
}

// effectiveDeadline 取 now+timeout 与题目截止时间中较早者，timeout<=0 表示不限时。
func effectiveDeadline(ctx context.Context, now time.Time, timeout time.Duration, expiresAt time.Time) (context.Context, context.CancelFunc, bool) {
	var deadline time.Time
	if timeout > 0 {
		deadline = now.Add(timeout)
	}
	boundByExpiry := false
	if !expiresAt.IsZero() && (deadline.IsZero() || expiresAt.Before(deadline)) {
		deadline = expiresAt
		boundByExpiry = true
	}
	if deadline.IsZero() {
		callCtx, cancel := context.WithCancel(ctx)
		return callCtx, cancel, false
	}
	callCtx, cancel := context.WithDeadline(ctx, deadline)
	return callCtx, cancel, boundByExpiry
}

func expired(puzzle state.Puzzle) error {
	return xerrors.New(xerrors.CodePuzzleExpired, fmt.Sprintf("题目 %s 已过期", puzzle.ID),
		xerrors.WithMetadata("puzzle_id", puzzle.ID))
}

// validate 要求答案是 int256 范围内的十进制整数。
func validate(answer state.Answer) error {
	if _, err := state.ParseSolution(answer.SolutionPayload); err != nil {
		return xerrors.Wrap(xerrors.CodeSolverRejected, err, "答案格式不合法")
	}
	return nil
}

// classifyModelError 把接口错误映射为可重试的不可用或不可重试的拒绝。
func classifyModelError(err error) error {
	if _, ok := xerrors.From(err); ok {
		return err
	}
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case stdErrors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case stdErrors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	switch {
	case status == 0, status == http.StatusTooManyRequests, status >= 500:
		return xerrors.Wrap(xerrors.CodeSolverUnavailable, err, "解题服务暂不可用",
			xerrors.WithMetadata("status", fmt.Sprint(status)))
	default:
		return xerrors.Wrap(xerrors.CodeSolverRejected, err, "解题服务拒绝请求",
			xerrors.WithMetadata("status", fmt.Sprint(status)))
	}
}
