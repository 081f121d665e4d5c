package miner

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"math/big"
	"math/rand/v2"
	"sync"
	"time"

	xerrors "AgentMiner/internal/errors"
	"AgentMiner/internal/notify"
	"AgentMiner/internal/observability/metrics"
	"AgentMiner/internal/registry"
	"AgentMiner/internal/retry"
	"AgentMiner/internal/social"
	"AgentMiner/internal/state"
	journal "AgentMiner/internal/storage/mysql"
	"AgentMiner/pkg/logger"
)

// ErrHalted 表示编排器进入停机状态，需要人工处理后才能继续。
var ErrHalted = stdErrors.New("编排器已停机")

// Journal 记录每轮周期的结果。
type Journal interface {
	Append(ctx context.Context, entry journal.CycleEntry) error
}

// Options 配置 Orchestrator。
type Options struct {
	Store    RecordStore
	Registry Registry
	Solver   Solver
	Poster   Poster
	Notifier notify.Dispatcher
	Journal  Journal
	RunID    string

	Retry          retry.Policy
	PostPolicy     PostPolicy
	PostTemplate   string
	SolveTimeout   time.Duration
	CycleInterval  time.Duration
	CycleJitter    float64
	RewardInterval time.Duration
	MaxRejections  int
	// ManualClaim 为 true 时只检查奖励，不自动领取。
	ManualClaim bool

	Logger *slog.Logger
	Audit  *slog.Logger
	Now    func() time.Time
	Sleep  func(ctx context.Context, d time.Duration) error
	Rand   func() float64
}

// Orchestrator 是挖矿周期的状态机。
type Orchestrator struct {
	opts   Options
	logger *slog.Logger
	audit  *slog.Logger

	mu     sync.RWMutex
	record state.Record

	nextCycleAt time.Time

	// 以下字段只由运行协程访问。
	puzzle          *state.Puzzle
	lastRewardCheck time.Time
}

// New 载入持久化记录并校验身份。未注册的身份返回 IDENTITY_MISSING。
func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil || opts.Registry == nil || opts.Solver == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "编排器缺少存储、链上客户端或解题服务")
	}
	if opts.PostPolicy == "" {
		opts.PostPolicy = PostBestEffort
	}
	if opts.PostPolicy == PostMandatory && (opts.Poster == nil || !opts.Poster.Configured()) {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "发帖策略为 mandatory 但未配置发帖通道")
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = retry.DefaultPolicy()
	}
	if opts.SolveTimeout <= 0 {
		opts.SolveTimeout = 90 * time.Second
	}
	if opts.CycleInterval <= 0 {
		opts.CycleInterval = 30 * time.Second
	}
	if opts.CycleJitter < 0 || opts.CycleJitter >= 1 {
		opts.CycleJitter = 0
	}
	if opts.RewardInterval <= 0 {
		opts.RewardInterval = 5 * time.Minute
	}
	if opts.MaxRejections <= 0 {
		opts.MaxRejections = 3
	}
	if opts.Logger == nil {
		opts.Logger = logger.Named("miner")
	}
	if opts.Audit == nil {
		opts.Audit = logger.Audit()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}

	record, err := opts.Store.LoadRecord()
	if err != nil {
		return nil, err
	}
	if record == nil || record.Identity == nil || !record.Stage.Registered() || record.Identity.AgentID == 0 {
		return nil, xerrors.New(xerrors.CodeIdentityMissing, "尚未完成注册，请先执行 register")
	}

	o := &Orchestrator{
		opts:   opts,
		logger: opts.Logger,
		audit:  opts.Audit,
		record: record.Clone(),
	}
	if record.Reward != nil {
		o.lastRewardCheck = record.Reward.LastCheckedAt
	}
	return o, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Snapshot 返回当前状态的只读副本。
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()
	snap := SnapshotOf(o.record, o.opts.Now())
	snap.NextCycle = o.nextCycleAt
	return snap
}

// Halted 判断是否处于停机状态。
func (o *Orchestrator) Halted() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.record.Stage == state.StageHalted
}

// ClearHalt 解除停机，周期从停机时所在阶段继续。
func (o *Orchestrator) ClearHalt() error {
	if !o.Halted() {
		return nil
	}
	return o.commit(func(r *state.Record) {
		r.Stage = state.StageMining
		if r.Checkpoint != nil {
			r.Checkpoint.LastError = ""
			r.Checkpoint.Rejections = 0
		}
	})
}

func (o *Orchestrator) identity() state.AgentIdentity {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return *o.record.Identity
}

func (o *Orchestrator) checkpoint() state.CycleCheckpoint {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.record.Checkpoint == nil {
		return state.CycleCheckpoint{Phase: state.PhaseIdle}
	}
	return *o.record.Checkpoint
}

// commit 在副本上修改记录并落盘，成功后才替换内存状态。
// 落盘不观察 ctx，关停时已开始的写入也会完成。
func (o *Orchestrator) commit(mutate func(*state.Record)) error {
	o.mu.RLock()
	next := o.record.Clone()
	o.mu.RUnlock()

	mutate(&next)
	if o.opts.Poster != nil {
		next.Posts = o.opts.Poster.History()
	}
	if err := o.opts.Store.SaveRecord(next); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存检查点失败")
	}

	o.mu.Lock()
	o.record = next
	o.mu.Unlock()
	return nil
}

// transition 切换到新阶段并持久化检查点。
func (o *Orchestrator) transition(phase state.Phase, mutate func(*state.CycleCheckpoint)) error {
	var from state.Phase
	var cp state.CycleCheckpoint
	err := o.commit(func(r *state.Record) {
		if r.Checkpoint == nil {
			r.Checkpoint = &state.CycleCheckpoint{Phase: state.PhaseIdle}
		}
		from = r.Checkpoint.Phase
		if mutate != nil {
			mutate(r.Checkpoint)
		}
		r.Checkpoint.Phase = phase
		r.Checkpoint.UpdatedAt = o.opts.Now().UTC()
		cp = *r.Checkpoint
	})
	if err != nil {
		return err
	}
	metrics.ObservePhase(string(phase))
	o.audit.Info("阶段切换",
		slog.Uint64("cycle", cp.CycleIndex),
		slog.String("from", string(from)),
		slog.String("to", string(phase)),
		slog.String("puzzle_id", cp.PuzzleID))
	return nil
}

// Run 执行挖矿循环，直到 ctx 取消（返回 nil）、进入停机（返回 ErrHalted）或检查点无法落盘。
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.Halted() {
		cp := o.checkpoint()
		return fmt.Errorf("%w: %s", ErrHalted, cp.LastError)
	}
	if o.opts.Poster != nil {
		o.mu.RLock()
		posts := append([]social.PostRecord(nil), o.record.Posts...)
		o.mu.RUnlock()
		o.opts.Poster.Restore(posts)
	}
	if err := o.commit(func(r *state.Record) {
		r.Stage = state.StageMining
		if r.Checkpoint == nil {
			r.Checkpoint = &state.CycleCheckpoint{Phase: state.PhaseIdle, UpdatedAt: o.opts.Now().UTC()}
		}
	}); err != nil {
		return err
	}

	id := o.identity()
	cp := o.checkpoint()
	o.logger.Info("开始挖矿",
		slog.Uint64("agent_id", id.AgentID),
		slog.String("wallet", id.WalletAddress),
		slog.Uint64("cycle", cp.CycleIndex),
		slog.String("phase", string(cp.Phase)))
	o.emit(ctx, notify.Event{Kind: notify.KindStarted, Message: "挖矿已启动", CycleIndex: cp.CycleIndex})

	for {
		if ctx.Err() != nil {
			o.logger.Info("收到停止信号，退出挖矿循环", slog.String("phase", string(o.checkpoint().Phase)))
			return nil
		}
		if err := o.step(ctx); err != nil {
			if stdErrors.Is(err, ErrHalted) {
				return err
			}
			if ctx.Err() != nil && stdErrors.Is(err, ctx.Err()) {
				return nil
			}
			return err
		}
	}
}

// step 执行当前阶段一次。
func (o *Orchestrator) step(ctx context.Context) error {
	switch phase := o.checkpoint().Phase; phase {
	case state.PhaseAwaitingPuzzle:
		return o.awaitPuzzle(ctx)
	case state.PhaseSolving:
		return o.solve(ctx)
	case state.PhaseSubmitting:
		return o.submit(ctx)
	case state.PhaseAwaitingReward:
		return o.awaitReward(ctx)
	case state.PhaseClaiming:
		return o.claim(ctx)
	case state.PhaseIdle:
		return o.idle(ctx)
	default:
		return xerrors.New(xerrors.CodeCorruptState, fmt.Sprintf("未知的周期阶段 %q", phase))
	}
}

func (o *Orchestrator) onRetry(phase state.Phase) retry.Notify {
	return func(attempt int, err error, wait time.Duration) {
		metrics.ObserveRetry(string(phase))
		o.logger.Warn("操作失败，稍后重试",
			slog.String("phase", string(phase)),
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.Any("error", err))
	}
}

// nextDelay 返回带抖动的周期间隔。
func (o *Orchestrator) nextDelay() time.Duration {
	base := float64(o.opts.CycleInterval)
	if o.opts.CycleJitter <= 0 {
		return o.opts.CycleInterval
	}
	factor := 1 + o.opts.CycleJitter*(2*o.opts.Rand()-1)
	return time.Duration(base * factor)
}

func (o *Orchestrator) rewardDue(now time.Time) bool {
	return o.lastRewardCheck.IsZero() || !now.Before(o.lastRewardCheck.Add(o.opts.RewardInterval))
}

// idle 在周期之间等待，期间按独立节奏检查奖励。
func (o *Orchestrator) idle(ctx context.Context) error {
	now := o.opts.Now()
	o.mu.Lock()
	if o.nextCycleAt.IsZero() {
		o.nextCycleAt = now
	}
	nextCycleAt := o.nextCycleAt
	o.mu.Unlock()

	if o.rewardDue(now) {
		claim, reward, err := o.reviewReward(ctx)
		if err != nil {
			return o.rewardFailure(ctx, err)
		}
		if claim {
			return o.transition(state.PhaseClaiming, func(cp *state.CycleCheckpoint) {
				cp.ClaimRound = reward.Round
				cp.LastError = ""
			})
		}
	}

	if now.Before(nextCycleAt) {
		wait := nextCycleAt.Sub(now)
		if untilReward := o.lastRewardCheck.Add(o.opts.RewardInterval).Sub(now); untilReward > 0 && untilReward < wait {
			wait = untilReward
		}
		if err := o.opts.Sleep(ctx, wait); err != nil {
			return err
		}
		return nil
	}

	o.mu.Lock()
	o.nextCycleAt = now.Add(o.nextDelay())
	o.mu.Unlock()
	o.puzzle = nil
	return o.transition(state.PhaseAwaitingPuzzle, func(cp *state.CycleCheckpoint) {
		expired, rejections := cp.ExpiredPuzzleID, cp.Rejections
		*cp = state.CycleCheckpoint{
			CycleIndex:      cp.CycleIndex + 1,
			ExpiredPuzzleID: expired,
			Rejections:      rejections,
		}
	})
}

// rewardFailure 处理周期外奖励检查的失败：停机类错误停机，其余只记录。
func (o *Orchestrator) rewardFailure(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if haltWorthy(err) {
		return o.halt(ctx, err)
	}
	o.logger.Warn("检查奖励失败", slog.Any("error", err))
	return nil
}

// haltWorthy 判断错误是否需要停机。
func haltWorthy(err error) bool {
	if xerrors.HasCode(err, xerrors.CodeTxRejectedOther) {
		return true
	}
	switch xerrors.ClassOf(err) {
	case xerrors.ClassFatal, xerrors.ClassCorrupt:
		_, coded := xerrors.From(err)
		return coded
	}
	return false
}

// fail 统一处理阶段失败：取消直接返回，停机类错误停机，其余放弃本轮。
func (o *Orchestrator) fail(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if haltWorthy(err) {
		return o.halt(ctx, err)
	}
	return o.finish(ctx, journal.OutcomeAbandoned, err)
}

func (o *Orchestrator) awaitPuzzle(ctx context.Context) error {
	puzzle, err := retry.Do(ctx, o.opts.Retry, func(ctx context.Context, _ int) (state.Puzzle, error) {
		return o.opts.Registry.FetchPuzzle(ctx)
	}, o.onRetry(state.PhaseAwaitingPuzzle))
	if err != nil {
		if xerrors.HasCode(err, registry.CodeNoActivePuzzle) {
			return o.finish(ctx, journal.OutcomeNoPuzzle, nil)
		}
		return o.fail(ctx, err)
	}

	cp := o.checkpoint()
	now := o.opts.Now()
	if puzzle.ID == cp.ExpiredPuzzleID || puzzle.Expired(now) {
		o.logger.Info("当前题目已过期，等待新题", slog.String("puzzle_id", puzzle.ID))
		if err := o.transition(state.PhaseAwaitingPuzzle, func(cp *state.CycleCheckpoint) {
			cp.ExpiredPuzzleID = puzzle.ID
		}); err != nil {
			return err
		}
		return o.finish(ctx, journal.OutcomeNoPuzzle, nil)
	}

	agentID := o.identity().AgentID
	submitted, err := retry.Do(ctx, o.opts.Retry, func(ctx context.Context, _ int) (bool, error) {
		return o.opts.Registry.HasSubmitted(ctx, puzzle.ID, agentID)
	}, o.onRetry(state.PhaseAwaitingPuzzle))
	if err != nil {
		return o.fail(ctx, err)
	}

	if submitted {
		o.logger.Info("本题已提交过答案", slog.String("puzzle_id", puzzle.ID))
		return o.transition(state.PhaseAwaitingReward, func(cp *state.CycleCheckpoint) {
			cp.PuzzleID = puzzle.ID
			cp.PuzzleExpiresAt = puzzle.ExpiresAt
		})
	}
	o.puzzle = &puzzle
	return o.transition(state.PhaseSolving, func(cp *state.CycleCheckpoint) {
		cp.PuzzleID = puzzle.ID
		cp.PuzzleExpiresAt = puzzle.ExpiresAt
		cp.AnswerPayload = ""
		cp.PostDone = false
		cp.SubmitTxHash = ""
		cp.LastError = ""
	})
}

// expire 放弃过期题目并回到取题阶段，过期的题目 ID 会被记住。
func (o *Orchestrator) expire(puzzleID string, cause error) error {
	o.puzzle = nil
	o.logger.Info("题目已过期，重新取题", slog.String("puzzle_id", puzzleID))
	return o.transition(state.PhaseAwaitingPuzzle, func(cp *state.CycleCheckpoint) {
		cp.ExpiredPuzzleID = puzzleID
		cp.PuzzleID = ""
		cp.PuzzleExpiresAt = time.Time{}
		cp.AnswerPayload = ""
		cp.PostDone = false
		if cause != nil {
			cp.LastError = cause.Error()
		}
	})
}

func (o *Orchestrator) solve(ctx context.Context) error {
	cp := o.checkpoint()
	puzzle := o.puzzle
	if puzzle == nil || puzzle.ID != cp.PuzzleID {
		// 恢复运行：题目正文不持久化，需要重新读取并确认仍是同一道题。
		fresh, err := retry.Do(ctx, o.opts.Retry, func(ctx context.Context, _ int) (state.Puzzle, error) {
			return o.opts.Registry.FetchPuzzle(ctx)
		}, o.onRetry(state.PhaseSolving))
		if err != nil && !xerrors.HasCode(err, registry.CodeNoActivePuzzle) {
			return o.fail(ctx, err)
		}
		if err != nil || fresh.ID != cp.PuzzleID || fresh.Expired(o.opts.Now()) {
			o.puzzle = nil
			return o.transition(state.PhaseAwaitingPuzzle, func(cp *state.CycleCheckpoint) {
				cp.PuzzleID = ""
				cp.PuzzleExpiresAt = time.Time{}
			})
		}
		puzzle = &fresh
		o.puzzle = puzzle
	}
	if puzzle.Expired(o.opts.Now()) {
		return o.expire(puzzle.ID, nil)
	}

	started := o.opts.Now()
	answer, err := retry.Do(ctx, o.opts.Retry, func(ctx context.Context, _ int) (state.Answer, error) {
		return o.opts.Solver.Solve(ctx, *puzzle, o.opts.SolveTimeout)
	}, o.onRetry(state.PhaseSolving))
	switch {
	case err == nil:
		strategy := "model"
		if answer.ConfidenceNote == "local" {
			strategy = "local"
		}
		metrics.ObserveSolve(strategy, o.opts.Now().Sub(started).Seconds())
	case xerrors.HasCode(err, xerrors.CodePuzzleExpired):
		return o.expire(puzzle.ID, err)
	case xerrors.HasCode(err, xerrors.CodeSolverRejected):
		return o.rejected(ctx, err)
	default:
		return o.fail(ctx, err)
	}
	if answer.PuzzleID == "" {
		answer.PuzzleID = puzzle.ID
	}
	if answer.PuzzleID != puzzle.ID {
		return o.rejected(ctx, xerrors.New(xerrors.CodeSolverRejected, "答案对应的题目与当前题目不一致"))
	}

	return o.transition(state.PhaseSubmitting, func(cp *state.CycleCheckpoint) {
		cp.AnswerPayload = answer.SolutionPayload
		cp.PostDone = false
		cp.Rejections = 0
		cp.LastError = ""
	})
}

// rejected 记录一次解题被拒，连续次数达到上限时停机。
func (o *Orchestrator) rejected(ctx context.Context, err error) error {
	count := o.checkpoint().Rejections + 1
	if err := o.commit(func(r *state.Record) {
		r.Checkpoint.Rejections = count
	}); err != nil {
		return err
	}
	if count >= o.opts.MaxRejections {
		return o.halt(ctx, fmt.Errorf("连续 %d 次解题被拒: %w", count, err))
	}
	return o.finish(ctx, journal.OutcomeAbandoned, err)
}

// lastProof 返回最近一次成功发帖的外部 ID。
func lastProof(posts []social.PostRecord) string {
	for i := len(posts) - 1; i >= 0; i-- {
		if posts[i].Succeeded() && posts[i].ExternalPostID != "" {
			return posts[i].ExternalPostID
		}
	}
	return ""
}

func (o *Orchestrator) submit(ctx context.Context) error {
	cp := o.checkpoint()
	id := o.identity()

	// 崩溃可能发生在交易上链之后、检查点写入之前，先查链上状态。
	submitted, err := retry.Do(ctx, o.opts.Retry, func(ctx context.Context, _ int) (bool, error) {
		return o.opts.Registry.HasSubmitted(ctx, cp.PuzzleID, id.AgentID)
	}, o.onRetry(state.PhaseSubmitting))
	if err != nil {
		return o.fail(ctx, err)
	}
	if submitted {
		return o.submitted(cp.SubmitTxHash)
	}
	if !cp.PuzzleExpiresAt.IsZero() && !o.opts.Now().Before(cp.PuzzleExpiresAt) {
		return o.expire(cp.PuzzleID, nil)
	}

	proof := ""
	if !cp.PostDone && o.postEnabled() {
		record, postErr := o.opts.Poster.Post(ctx, renderPost(o.opts.PostTemplate, id.AgentID, cp.PuzzleID, cp.CycleIndex))
		if postErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if o.opts.PostPolicy == PostMandatory {
				return o.finish(ctx, journal.OutcomeAbandoned, postErr)
			}
			o.logger.Warn("证明帖发布失败，继续提交", slog.Any("error", postErr))
		}
		proof = record.ExternalPostID
		if err := o.transition(state.PhaseSubmitting, func(cp *state.CycleCheckpoint) {
			cp.PostDone = true
		}); err != nil {
			return err
		}
	} else if cp.PostDone {
		o.mu.RLock()
		proof = lastProof(o.record.Posts)
		o.mu.RUnlock()
	}

	answer := state.Answer{PuzzleID: cp.PuzzleID, SolutionPayload: cp.AnswerPayload}
	txHash, err := retry.Do(ctx, o.opts.Retry, func(ctx context.Context, _ int) (string, error) {
		return o.opts.Registry.SubmitAnswer(ctx, answer, proof)
	}, o.onRetry(state.PhaseSubmitting))
	switch {
	case err == nil:
		o.emit(ctx, notify.Event{
			Kind:       notify.KindSubmitted,
			Message:    "答案已提交",
			AgentID:    id.AgentID,
			CycleIndex: cp.CycleIndex,
			PuzzleID:   cp.PuzzleID,
			TxHash:     txHash,
		})
		return o.submitted(txHash)
	case xerrors.HasCode(err, xerrors.CodeTxRejectedDuplicate):
		return o.submitted(xerrors.MetadataOf(err, "tx_hash"))
	case xerrors.HasCode(err, xerrors.CodePuzzleExpired):
		return o.expire(cp.PuzzleID, err)
	case xerrors.HasCode(err, xerrors.CodeSolverRejected):
		return o.rejected(ctx, err)
	default:
		return o.fail(ctx, err)
	}
}

// postEnabled 判断本轮是否需要发证明帖。best_effort 下未配置通道时直接跳过。
func (o *Orchestrator) postEnabled() bool {
	return o.opts.PostPolicy != PostOff && o.opts.Poster != nil && o.opts.Poster.Configured()
}

func (o *Orchestrator) submitted(txHash string) error {
	o.puzzle = nil
	return o.transition(state.PhaseAwaitingReward, func(next *state.CycleCheckpoint) {
		if txHash != "" {
			next.SubmitTxHash = txHash
		}
		next.LastError = ""
	})
}

// reviewReward 读取奖励并落盘，返回是否应当领取。
func (o *Orchestrator) reviewReward(ctx context.Context) (bool, state.RewardState, error) {
	o.lastRewardCheck = o.opts.Now()
	id := o.identity()
	reward, err := retry.Do(ctx, o.opts.Retry, func(ctx context.Context, _ int) (state.RewardState, error) {
		return o.opts.Registry.CheckReward(ctx, id)
	}, o.onRetry(state.PhaseAwaitingReward))
	if err != nil {
		return false, state.RewardState{}, err
	}
	merged, err := o.storeReward(reward)
	if err != nil {
		return false, merged, err
	}
	return merged.HasUnclaimed() && !o.opts.ManualClaim, merged, nil
}

// storeReward 合并本地已领取记录后持久化奖励状态。
func (o *Orchestrator) storeReward(fresh state.RewardState) (state.RewardState, error) {
	var merged state.RewardState
	err := o.commit(func(r *state.Record) {
		merged = mergeReward(r.Reward, fresh)
		r.Reward = &merged
	})
	if err == nil && merged.ClaimableAmount != nil {
		wei, _ := new(big.Float).SetInt(merged.ClaimableAmount).Float64()
		metrics.SetPendingReward(wei)
	}
	return merged, err
}

func mergeReward(prev *state.RewardState, fresh state.RewardState) state.RewardState {
	if prev == nil {
		return fresh
	}
	if prev.LastClaimedRound > fresh.LastClaimedRound {
		fresh.LastClaimedRound = prev.LastClaimedRound
	}
	if fresh.LastClaimTxHash == "" {
		fresh.LastClaimTxHash = prev.LastClaimTxHash
	}
	return fresh
}

func (o *Orchestrator) awaitReward(ctx context.Context) error {
	if !o.rewardDue(o.opts.Now()) {
		return o.finish(ctx, o.cycleOutcome(), nil)
	}
	claim, reward, err := o.reviewReward(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if haltWorthy(err) {
			return o.halt(ctx, err)
		}
		o.logger.Warn("检查奖励失败", slog.Any("error", err))
		return o.finish(ctx, o.cycleOutcome(), nil)
	}
	if !claim {
		return o.finish(ctx, o.cycleOutcome(), nil)
	}
	return o.transition(state.PhaseClaiming, func(cp *state.CycleCheckpoint) {
		cp.ClaimRound = reward.Round
	})
}

func (o *Orchestrator) cycleOutcome() journal.Outcome {
	cp := o.checkpoint()
	switch {
	case cp.SubmitTxHash != "":
		return journal.OutcomeSubmitted
	case cp.PuzzleID != "":
		return journal.OutcomeAlreadySubmitted
	default:
		return journal.OutcomeNoPuzzle
	}
}

func (o *Orchestrator) claim(ctx context.Context) error {
	cp := o.checkpoint()
	id := o.identity()

	reward, err := retry.Do(ctx, o.opts.Retry, func(ctx context.Context, _ int) (state.RewardState, error) {
		return o.opts.Registry.CheckReward(ctx, id)
	}, o.onRetry(state.PhaseClaiming))
	if err != nil {
		return o.fail(ctx, err)
	}
	reward, err = o.storeReward(reward)
	if err != nil {
		return err
	}
	if !reward.HasUnclaimed() || (cp.ClaimRound > 0 && cp.ClaimRound <= reward.LastClaimedRound) {
		o.logger.Info("没有待领取的奖励，跳过", slog.Uint64("round", cp.ClaimRound))
		return o.finish(ctx, o.cycleOutcome(), nil)
	}

	txHash, err := retry.Do(ctx, o.opts.Retry, func(ctx context.Context, _ int) (string, error) {
		return o.opts.Registry.ClaimReward(ctx, id)
	}, o.onRetry(state.PhaseClaiming))
	switch {
	case err == nil:
	case xerrors.HasCode(err, xerrors.CodeTxRejectedDuplicate):
		o.logger.Info("奖励已被领取，刷新奖励状态")
		fresh, readErr := o.opts.Registry.CheckReward(ctx, id)
		if readErr != nil {
			// 下一次奖励检查会重新读取，本轮照常结束。
			o.logger.Warn("刷新奖励状态失败", slog.Any("error", readErr))
			return o.closeCycle(ctx, o.cycleOutcome(), readErr, "", false)
		}
		if _, err := o.storeReward(fresh); err != nil {
			return err
		}
		return o.finish(ctx, o.cycleOutcome(), nil)
	default:
		return o.fail(ctx, err)
	}

	round := cp.ClaimRound
	if round == 0 {
		round = reward.Round
	}
	amount := reward.ClaimableAmount
	if err := o.commit(func(r *state.Record) {
		next := mergeReward(r.Reward, reward)
		next.LastClaimTxHash = txHash
		if round > next.LastClaimedRound {
			next.LastClaimedRound = round
		}
		next.Claimable = false
		next.ClaimableAmount = new(big.Int)
		r.Reward = &next
	}); err != nil {
		return err
	}
	metrics.SetPendingReward(0)
	meta := map[string]string{"round": fmt.Sprint(round)}
	if amount != nil {
		meta["amount_wei"] = amount.String()
	}
	o.emit(ctx, notify.Event{
		Kind:       notify.KindClaimed,
		Message:    "奖励已领取",
		AgentID:    id.AgentID,
		CycleIndex: cp.CycleIndex,
		TxHash:     txHash,
		Metadata:   meta,
	})
	o.audit.Info("奖励已领取", slog.Uint64("round", round), slog.String("tx_hash", txHash))
	return o.finishWith(ctx, journal.OutcomeClaimed, nil, txHash)
}

// finish 结束本轮并回到 Idle。
func (o *Orchestrator) finish(ctx context.Context, outcome journal.Outcome, cause error) error {
	return o.finishWith(ctx, outcome, cause, "")
}

func (o *Orchestrator) finishWith(ctx context.Context, outcome journal.Outcome, cause error, claimTx string) error {
	return o.closeCycle(ctx, outcome, cause, claimTx, true)
}

// closeCycle 回到 Idle。cause 写入 LastError 与周期日志；abandoned 为 true 时按放弃本轮告警。
func (o *Orchestrator) closeCycle(ctx context.Context, outcome journal.Outcome, cause error, claimTx string, abandoned bool) error {
	o.puzzle = nil
	if err := o.transition(state.PhaseIdle, func(cp *state.CycleCheckpoint) {
		if cause != nil {
			cp.LastError = cause.Error()
		}
		cp.ClaimRound = 0
	}); err != nil {
		return err
	}
	metrics.ObserveCycle(string(outcome))

	cp := o.checkpoint()
	id := o.identity()
	if cause != nil && abandoned {
		o.logger.Warn("本轮放弃", slog.Uint64("cycle", cp.CycleIndex), slog.Any("error", cause))
		o.emit(ctx, notify.Event{
			Kind:       notify.KindAbandoned,
			Code:       xerrors.CodeOf(cause),
			Message:    cause.Error(),
			Severity:   xerrors.SeverityWarning,
			AgentID:    id.AgentID,
			CycleIndex: cp.CycleIndex,
			PuzzleID:   cp.PuzzleID,
		})
	}
	o.journalCycle(ctx, cp, outcome, cause, claimTx)
	return nil
}

// halt 进入停机状态并返回 ErrHalted。
func (o *Orchestrator) halt(ctx context.Context, cause error) error {
	o.puzzle = nil
	if err := o.commit(func(r *state.Record) {
		r.Stage = state.StageHalted
		if r.Checkpoint != nil {
			r.Checkpoint.LastError = cause.Error()
			r.Checkpoint.UpdatedAt = o.opts.Now().UTC()
		}
	}); err != nil {
		return err
	}
	metrics.ObserveCycle(string(journal.OutcomeHalted))

	cp := o.checkpoint()
	id := o.identity()
	o.logger.Error("编排器停机", slog.Uint64("cycle", cp.CycleIndex), slog.String("phase", string(cp.Phase)), slog.Any("error", cause))
	o.audit.Error("编排器停机", slog.Uint64("cycle", cp.CycleIndex), slog.String("error", cause.Error()))
	meta := map[string]string{"phase": string(cp.Phase)}
	if reason := xerrors.MetadataOf(cause, "reason"); reason != "" {
		meta["reason"] = reason
	}
	o.emit(ctx, notify.Event{
		Kind:       notify.KindHalted,
		Code:       xerrors.CodeOf(cause),
		Message:    cause.Error(),
		Severity:   xerrors.SeverityCritical,
		AgentID:    id.AgentID,
		CycleIndex: cp.CycleIndex,
		PuzzleID:   cp.PuzzleID,
		TxHash:     xerrors.MetadataOf(cause, "tx_hash"),
		Metadata:   meta,
	})
	o.journalCycle(ctx, cp, journal.OutcomeHalted, cause, "")
	return fmt.Errorf("%w: %w", ErrHalted, cause)
}

// journalCycle 把周期结果写入日志，失败只记录警告。
func (o *Orchestrator) journalCycle(ctx context.Context, cp state.CycleCheckpoint, outcome journal.Outcome, cause error, claimTx string) {
	if o.opts.Journal == nil {
		return
	}
	entry := journal.CycleEntry{
		RunID:        o.opts.RunID,
		AgentID:      o.identity().AgentID,
		CycleIndex:   cp.CycleIndex,
		PuzzleID:     cp.PuzzleID,
		Outcome:      outcome,
		SubmitTxHash: cp.SubmitTxHash,
		ClaimTxHash:  claimTx,
		FinishedAt:   o.opts.Now().UTC(),
	}
	if cause != nil {
		entry.Error = cause.Error()
	}
	if err := o.opts.Journal.Append(context.WithoutCancel(ctx), entry); err != nil {
		o.logger.Warn("写入周期日志失败", slog.Any("error", err))
	}
}

func (o *Orchestrator) emit(ctx context.Context, event notify.Event) {
	if o.opts.Notifier == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = o.opts.Now().UTC()
	}
	if err := o.opts.Notifier.Notify(context.WithoutCancel(ctx), event); err != nil {
		o.logger.Warn("事件通知发送失败", slog.String("kind", string(event.Kind)), slog.Any("error", err))
	}
}
