// Package retry 提供各组件共用的退避重试组合子。
//
// 操作的结果被归为三类：成功、可重试、终止。只有可重试的错误会触发退避，
// 其余错误原样返回给调用方，由编排器决定放弃还是停机。
package retry

import (
	"context"
	stdErrors "errors"
	"time"

	xerrors "AgentMiner/internal/errors"

	"github.com/cenkalti/backoff/v5"
)

// Verdict 描述一次操作结果的归类。
type Verdict int

const (
	VerdictOK Verdict = iota
	VerdictRetryable
	VerdictFatal
)

func (v Verdict) String() string {
	switch v {
	case VerdictOK:
		return "ok"
	case VerdictRetryable:
		return "retryable"
	default:
		return "fatal"
	}
}

// Classify 根据统一错误码的属性对错误归类。
func Classify(err error) Verdict {
	if err == nil {
		return VerdictOK
	}
	if stdErrors.Is(err, context.Canceled) {
		return VerdictFatal
	}
	if xerrors.RetryableError(err) {
		return VerdictRetryable
	}
	return VerdictFatal
}

// Policy 定义指数退避参数。
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// DefaultPolicy 返回编排器默认使用的退避策略。
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 4, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second, Multiplier: 2}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Multiplier == 0 {
		p.Multiplier = 2
	} else if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	return p
}

// Delay 返回第 attempt 次失败后的等待时间（attempt 从 1 开始）。
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalized()
	delay := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		delay *= p.Multiplier
		if delay >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	return time.Duration(delay)
}

// Notify 在每次退避前被调用。
type Notify func(attempt int, err error, wait time.Duration)

// Op 是被重试的操作，attempt 从 1 开始计数。
type Op[T any] func(ctx context.Context, attempt int) (T, error)

// Do 执行 op，直到成功、遇到不可重试的错误、次数耗尽或上下文取消。
// 次数耗尽时返回最后一次的原始错误，调用方可据此判断错误码。
func Do[T any](ctx context.Context, policy Policy, op Op[T], notify Notify) (T, error) {
	policy = policy.normalized()

	b := &backoff.ExponentialBackOff{
		InitialInterval:     policy.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          policy.Multiplier,
		MaxInterval:         policy.MaxDelay,
	}

	attempt := 0
	var lastErr error
	result, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		value, opErr := op(ctx, attempt)
		if opErr == nil {
			return value, nil
		}
		lastErr = opErr
		if Classify(opErr) != VerdictRetryable {
			return value, backoff.Permanent(opErr)
		}
		return value, opErr
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(policy.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			if notify != nil {
				notify(attempt, err, wait)
			}
		}),
	)
	if err == nil {
		return result, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && lastErr == nil {
		return result, ctxErr
	}
	var permanent *backoff.PermanentError
	if stdErrors.As(err, &permanent) {
		return result, permanent.Unwrap()
	}
	if lastErr != nil && !stdErrors.Is(err, context.Canceled) && !stdErrors.Is(err, context.DeadlineExceeded) {
		return result, lastErr
	}
	return result, err
}
