package social

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	xerrors "AgentMiner/internal/errors"
	"AgentMiner/pkg/logger"
)

// Options 配置 Poster。
type Options struct {
	Primary  Sender
	Fallback Sender

	// MaxPosts 是 Window 内允许的最大发送尝试次数，重试也计数。
	MaxPosts   int
	Window     time.Duration
	MinSpacing time.Duration

	RetryBase time.Duration
	RetryMax  time.Duration

	HealthWindow    int
	HealthThreshold int
	HistorySize     int

	// OnAttempt 在每次真实发送后回调，用于指标统计。
	OnAttempt func(channel Channel, err error)
	Logger    *slog.Logger

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Poster 在主备两个通道之间按策略发帖，并执行滚动窗口限额。
type Poster struct {
	primary  Sender
	fallback Sender

	window    time.Duration
	retryWait time.Duration
	threshold int
	limiter   *rate.Limiter
	attempts  *slidingLog
	history   *History
	onAttempt func(Channel, error)
	logger    *slog.Logger
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error

	mu              sync.Mutex
	health          *healthWindow
	failoverUntil   time.Time
	primaryRejected bool
}

// NewPoster 创建发帖器。
func NewPoster(opts Options) *Poster {
	if opts.HealthThreshold <= 0 {
		opts.HealthThreshold = 5
	}
	if opts.HealthWindow < opts.HealthThreshold {
		opts.HealthWindow = opts.HealthThreshold
	}
	if opts.Window <= 0 {
		opts.Window = time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	if opts.Logger == nil {
		opts.Logger = logger.Named("social")
	}
	wait := opts.RetryBase
	if opts.RetryMax > 0 && wait > opts.RetryMax {
		wait = opts.RetryMax
	}
	limit := rate.Inf
	if opts.MinSpacing > 0 {
		limit = rate.Every(opts.MinSpacing)
	}
	return &Poster{
		primary:   opts.Primary,
		fallback:  opts.Fallback,
		window:    opts.Window,
		retryWait: wait,
		threshold: opts.HealthThreshold,
		limiter:   rate.NewLimiter(limit, 1),
		attempts:  newSlidingLog(opts.MaxPosts, opts.Window),
		history:   NewHistory(opts.HistorySize),
		onAttempt: opts.OnAttempt,
		logger:    opts.Logger,
		now:       opts.Now,
		sleep:     opts.Sleep,
		health:    newHealthWindow(opts.HealthWindow),
	}
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

func configured(s Sender) bool { return s != nil && s.Configured() }

// Configured 判断是否至少有一个可用通道。
func (p *Poster) Configured() bool {
	return configured(p.primary) || configured(p.fallback)
}

// Select 返回下一次发帖应使用的通道。
func (p *Poster) Select() Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.selectLocked(p.now())
}

func (p *Poster) selectLocked(now time.Time) Channel {
	if !configured(p.fallback) {
		return ChannelPrimary
	}
	if !configured(p.primary) || p.primaryRejected || now.Before(p.failoverUntil) {
		return ChannelFallback
	}
	return ChannelPrimary
}

func (p *Poster) sender(ch Channel) Sender {
	if ch == ChannelFallback {
		return p.fallback
	}
	return p.primary
}

// History 返回最近的发帖记录。
func (p *Poster) History() []PostRecord { return p.history.Snapshot() }

// Restore 从持久化记录恢复发帖环、滚动窗口日志与主通道健康度。
func (p *Poster) Restore(records []PostRecord) {
	p.history.Reset(records)
	kept := p.history.Snapshot()
	stamps := make([]time.Time, 0, len(kept))
	for _, r := range kept {
		stamps = append(stamps, r.SentAt)
	}
	p.attempts.restore(stamps)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.health.reset()
	for _, r := range kept {
		if r.Channel == ChannelPrimary {
			p.health.record(r.Succeeded())
		}
	}
}

// AttemptsInWindow 返回当前滚动窗口内的发送尝试次数。
func (p *Poster) AttemptsInWindow() int { return p.attempts.count(p.now()) }

// Post 发布一条内容。主通道暂时失败时重试一次，再失败则进入故障转移窗口并改用备用通道一次。
// 平台限制返回 POST_BLOCKED，不会尝试备用通道。
func (p *Poster) Post(ctx context.Context, content string) (PostRecord, error) {
	if !p.Configured() {
		return PostRecord{}, xerrors.New(xerrors.CodeInitializationFailure, "未配置任何发帖通道")
	}
	ch := p.Select()
	record, err := p.attemptWithRetry(ctx, ch, content)
	if err == nil || ch == ChannelFallback || stopDegrading(ctx, err) {
		return record, err
	}

	p.enterFailover(p.now())
	if !configured(p.fallback) {
		return record, err
	}
	p.logger.Warn("主通道不可用，改用备用通道", slog.String("error", err.Error()))
	fbRecord, fbErr := p.attempt(ctx, ChannelFallback, content)
	if fbErr == nil || stopDegrading(ctx, fbErr) {
		return fbRecord, fbErr
	}
	return fbRecord, xerrors.Wrap(xerrors.CodePostTransient, fbErr, "主备通道均发帖失败")
}

func stopDegrading(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	return xerrors.HasCode(err, xerrors.CodePostBlocked) || xerrors.MetadataOf(err, "reason") == "rate_limited"
}

func (p *Poster) attemptWithRetry(ctx context.Context, ch Channel, content string) (PostRecord, error) {
	record, err := p.attempt(ctx, ch, content)
	if err == nil || !xerrors.RetryableError(err) {
		return record, err
	}
	if err := p.sleep(ctx, p.retryWait); err != nil {
		return record, err
	}
	return p.attempt(ctx, ch, content)
}

func (p *Poster) attempt(ctx context.Context, ch Channel, content string) (PostRecord, error) {
	if err := ctx.Err(); err != nil {
		return PostRecord{}, err
	}
	if !p.attempts.reserve(p.now()) {
		return PostRecord{}, xerrors.New(xerrors.CodePostTransient, "滚动窗口内发帖次数已达上限",
			xerrors.WithMetadata("reason", "rate_limited"),
			xerrors.WithRetryable(false))
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return PostRecord{}, err
	}

	id, err := p.sender(ch).Send(ctx, content)
	record := PostRecord{
		Channel:        ch,
		ContentHash:    ContentHash(content),
		SentAt:         p.now().UTC(),
		ExternalPostID: id,
	}
	if err != nil {
		record.Err = err.Error()
	}
	p.history.Append(record)
	p.observe(ch, err)
	if p.onAttempt != nil {
		p.onAttempt(ch, err)
	}
	if err != nil {
		p.logger.Warn("发帖失败", slog.String("channel", string(ch)), slog.String("error", err.Error()))
	} else {
		p.logger.Info("发帖成功", slog.String("channel", string(ch)), slog.String("post_id", id))
	}
	return record, err
}

func (p *Poster) observe(ch Channel, err error) {
	if ch != ChannelPrimary {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if xerrors.HasCode(err, CodePostUnauthorized) {
		p.primaryRejected = true
	}
	p.health.record(err == nil)
	if p.health.failures() >= p.threshold {
		p.enterFailoverLocked(p.now())
	}
}

func (p *Poster) enterFailover(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enterFailoverLocked(now)
}

func (p *Poster) enterFailoverLocked(now time.Time) {
	p.failoverUntil = now.Add(p.window)
	p.health.reset()
}
