package miner

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"AgentMiner/internal/agcapi"
	xerrors "AgentMiner/internal/errors"
	"AgentMiner/internal/notify"
	"AgentMiner/internal/retry"
	"AgentMiner/internal/social"
	"AgentMiner/internal/state"
	journal "AgentMiner/internal/storage/mysql"
)

const testWallet = "0x71562b71999873DB5b286dF957af199Ec94617F7"

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeRegistry 模拟链上状态：每成功提交一题，当前题号加一并累积奖励。
type fakeRegistry struct {
	mu  sync.Mutex
	now func() time.Time

	current int
	script  []state.Puzzle
	fetches int

	fetchErrs  []error
	submitErrs []error
	claimErrs  []error
	rewardErrs []error

	landed      map[string]string
	submitCalls map[string]int

	pending      int64
	lastClaimed  uint64
	claimCalls   int
	claimsLanded int
	// stealClaim 为 true 时奖励在领取前被清空，模拟重复领取。
	stealClaim bool
	// refreshErr 在重复领取后的第一次奖励查询中返回。
	refreshErr error

	registerCalls int
	registerTx    string
	registerID    uint64
	registerErr   error
}

func newFakeRegistry(now func() time.Time) *fakeRegistry {
	return &fakeRegistry{
		now:         now,
		current:     1,
		landed:      map[string]string{},
		submitCalls: map[string]int{},
	}
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (f *fakeRegistry) FetchPuzzle(context.Context) (state.Puzzle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if err := pop(&f.fetchErrs); err != nil {
		return state.Puzzle{}, err
	}
	if len(f.script) > 0 {
		idx := f.fetches - 1
		if idx >= len(f.script) {
			idx = len(f.script) - 1
		}
		return f.script[idx], nil
	}
	now := f.now()
	return state.Puzzle{
		ID:            strconv.Itoa(f.current),
		PromptPayload: "What is 6*7?",
		IssuedAt:      now,
		ExpiresAt:     now.Add(time.Hour),
	}, nil
}

func (f *fakeRegistry) HasSubmitted(_ context.Context, puzzleID string, _ uint64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.landed[puzzleID]
	return ok, nil
}

func (f *fakeRegistry) SubmitAnswer(_ context.Context, answer state.Answer, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitCalls[answer.PuzzleID]++
	if err := pop(&f.submitErrs); err != nil {
		return "", err
	}
	if _, ok := f.landed[answer.PuzzleID]; ok {
		return "", xerrors.New(xerrors.CodeTxRejectedDuplicate, "本题已提交过答案")
	}
	f.landed[answer.PuzzleID] = answer.SolutionPayload
	if len(f.script) == 0 {
		f.current++
	}
	f.pending += 100
	return "0xsub" + answer.PuzzleID, nil
}

func (f *fakeRegistry) CheckReward(context.Context, state.AgentIdentity) (state.RewardState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := pop(&f.rewardErrs); err != nil {
		return state.RewardState{}, err
	}
	return state.RewardState{
		ClaimableAmount:  big.NewInt(f.pending),
		Claimable:        f.pending > 0,
		Round:            uint64(f.current),
		LastClaimedRound: f.lastClaimed,
		LastCheckedAt:    f.now(),
	}, nil
}

func (f *fakeRegistry) ClaimReward(context.Context, state.AgentIdentity) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claimCalls++
	if err := pop(&f.claimErrs); err != nil {
		return "", err
	}
	if f.stealClaim {
		f.pending = 0
		f.lastClaimed = uint64(f.current)
		if f.refreshErr != nil {
			f.rewardErrs = append([]error{f.refreshErr}, f.rewardErrs...)
			f.refreshErr = nil
		}
	}
	if f.pending == 0 {
		return "", xerrors.New(xerrors.CodeTxRejectedDuplicate, "没有可领取的奖励")
	}
	f.pending = 0
	f.lastClaimed = uint64(f.current)
	f.claimsLanded++
	return fmt.Sprintf("0xclaim%d", f.claimsLanded), nil
}

func (f *fakeRegistry) Register(context.Context, state.AgentIdentity) (string, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registerCalls++
	return f.registerTx, f.registerID, f.registerErr
}

func (f *fakeRegistry) landedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.landed)
}

type fakeSolver struct {
	mu    sync.Mutex
	fn    func(state.Puzzle) (state.Answer, error)
	calls []string
}

func (s *fakeSolver) Solve(_ context.Context, puzzle state.Puzzle, _ time.Duration) (state.Answer, error) {
	s.mu.Lock()
	s.calls = append(s.calls, puzzle.ID)
	fn := s.fn
	s.mu.Unlock()
	if fn != nil {
		return fn(puzzle)
	}
	return state.Answer{PuzzleID: puzzle.ID, SolutionPayload: "42"}, nil
}

type fakePoster struct {
	mu         sync.Mutex
	configured bool
	errs       []error
	contents   []string
	history    []social.PostRecord
}

func (p *fakePoster) Post(_ context.Context, content string) (social.PostRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.contents = append(p.contents, content)
	rec := social.PostRecord{Channel: social.ChannelPrimary, ContentHash: social.ContentHash(content), SentAt: time.Now()}
	if err := pop(&p.errs); err != nil {
		rec.Err = err.Error()
		p.history = append(p.history, rec)
		return rec, err
	}
	rec.ExternalPostID = fmt.Sprintf("post-%d", len(p.contents))
	p.history = append(p.history, rec)
	return rec, nil
}

func (p *fakePoster) History() []social.PostRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]social.PostRecord(nil), p.history...)
}

func (p *fakePoster) Restore(records []social.PostRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history = append([]social.PostRecord(nil), records...)
}

func (p *fakePoster) Configured() bool { return p.configured }

type fakeBinder struct {
	mu            sync.Mutex
	claims        int
	claimErrs     []error
	verifications []agcapi.Verification
	verifyCalls   int
	confirmations []agcapi.Confirmation
}

func (b *fakeBinder) CreateClaim(context.Context) (agcapi.Claim, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := pop(&b.claimErrs); err != nil {
		return agcapi.Claim{}, err
	}
	b.claims++
	return agcapi.Claim{VerificationCode: fmt.Sprintf("CODE%d", b.claims), Token: fmt.Sprintf("tok%d", b.claims)}, nil
}

func (b *fakeBinder) VerifyClaim(context.Context, string) (agcapi.Verification, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.verifyCalls++
	if len(b.verifications) == 0 {
		return agcapi.Verification{}, nil
	}
	v := b.verifications[0]
	b.verifications = b.verifications[1:]
	return v, nil
}

func (b *fakeBinder) ConfirmRegistration(_ context.Context, c agcapi.Confirmation) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.confirmations = append(b.confirmations, c)
	return nil
}

// failingNotifier 记录事件并总是返回错误。
type failingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *failingNotifier) Notify(_ context.Context, e notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
	return errors.New("webhook unreachable")
}

func (n *failingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

type memoryJournal struct {
	mu      sync.Mutex
	entries []journal.CycleEntry
}

func (j *memoryJournal) Append(_ context.Context, e journal.CycleEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, e)
	return nil
}

func (j *memoryJournal) outcomes() []journal.Outcome {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]journal.Outcome, 0, len(j.entries))
	for _, e := range j.entries {
		out = append(out, e.Outcome)
	}
	return out
}

// crashStore 允许前 after 次写入成功，之后的写入全部失败并取消上下文，模拟进程崩溃。
type crashStore struct {
	inner  *state.FileStore
	after  int
	saves  int
	cancel context.CancelFunc
}

func (s *crashStore) LoadRecord() (*state.Record, error) { return s.inner.LoadRecord() }

func (s *crashStore) SaveRecord(r state.Record) error {
	if s.saves >= s.after {
		s.cancel()
		return errors.New("simulated crash")
	}
	s.saves++
	return s.inner.SaveRecord(r)
}

func testPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}
}

func newStore(t *testing.T, path string) *state.FileStore {
	t.Helper()
	store, err := state.NewFileStore(state.Options{Path: path})
	if err != nil {
		t.Fatalf("创建状态存储失败: %v", err)
	}
	return store
}

// seedBound 写入一个已注册的身份。
func seedBound(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.json")
	err := newStore(t, path).SaveRecord(state.Record{
		Stage: state.StageBound,
		Identity: &state.AgentIdentity{
			WalletAddress: testWallet,
			PrivateKeyRef: "env:AGENT_KEY",
			SocialHandle:  "miner",
			AgentID:       7,
		},
	})
	if err != nil {
		t.Fatalf("写入初始记录失败: %v", err)
	}
	return path
}

type harness struct {
	clock    *fakeClock
	registry *fakeRegistry
	solver   *fakeSolver
	journal  *memoryJournal
}

func newHarness() *harness {
	clock := newFakeClock()
	return &harness{
		clock:    clock,
		registry: newFakeRegistry(clock.Now),
		solver:   &fakeSolver{},
		journal:  &memoryJournal{},
	}
}

// build 创建编排器；stop 在每次空闲等待后被调用，返回 true 时取消运行。
func (h *harness) build(t *testing.T, store RecordStore, cancel context.CancelFunc, stop func() bool, tweak func(*Options)) *Orchestrator {
	t.Helper()
	opts := Options{
		Store:          store,
		Registry:       h.registry,
		Solver:         h.solver,
		Journal:        h.journal,
		RunID:          "run-test",
		Retry:          testPolicy(),
		PostPolicy:     PostOff,
		CycleInterval:  30 * time.Second,
		RewardInterval: 10 * time.Second,
		MaxRejections:  3,
		Now:            h.clock.Now,
		Sleep: func(ctx context.Context, d time.Duration) error {
			h.clock.Advance(d)
			if stop() {
				cancel()
			}
			return ctx.Err()
		},
	}
	if tweak != nil {
		tweak(&opts)
	}
	o, err := New(opts)
	if err != nil {
		t.Fatalf("创建编排器失败: %v", err)
	}
	return o
}

func (h *harness) untilLanded(n int) func() bool {
	return func() bool { return h.registry.landedCount() >= n }
}

func (f *fakeRegistry) claims() (calls, landed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.claimCalls, f.claimsLanded
}

func (f *fakeRegistry) submitCount(puzzleID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitCalls[puzzleID]
}

// slowSolver 让每次解题消耗 d 的模拟时间。
func slowSolver(clock *fakeClock, d time.Duration) func(state.Puzzle) (state.Answer, error) {
	return func(p state.Puzzle) (state.Answer, error) {
		clock.Advance(d)
		return state.Answer{PuzzleID: p.ID, SolutionPayload: "42"}, nil
	}
}
