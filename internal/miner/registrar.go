package miner

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"AgentMiner/internal/agcapi"
	xerrors "AgentMiner/internal/errors"
	"AgentMiner/internal/notify"
	"AgentMiner/internal/registry"
	"AgentMiner/internal/retry"
	"AgentMiner/internal/state"
	"AgentMiner/pkg/logger"
)

// BindingTweet 是绑定社交账号时需要发布的验证文本。
const BindingTweet = "I want to register my AI Agent! @agentcoinsite\n\nCode: %s"

// RegistrarOptions 配置 Registrar。
type RegistrarOptions struct {
	Store    RecordStore
	Registry Registry
	// Binder 为空时跳过社交账号绑定，直接链上注册。
	Binder   Binder
	Poster   Poster
	Notifier notify.Dispatcher
	Retry    retry.Policy

	Rounds         int
	VerifyWait     time.Duration
	VerifyRetries  int
	VerifyInterval time.Duration
	RoundPause     time.Duration

	Logger *slog.Logger
	Audit  *slog.Logger
	Now    func() time.Time
	Sleep  func(ctx context.Context, d time.Duration) error
}

// Registrar 执行一次性的注册流程：绑定社交账号、链上注册、回报站点、保存身份。
type Registrar struct {
	opts   RegistrarOptions
	logger *slog.Logger
	audit  *slog.Logger
}

// NewRegistrar 创建 Registrar。
func NewRegistrar(opts RegistrarOptions) (*Registrar, error) {
	if opts.Store == nil || opts.Registry == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "注册流程缺少存储或链上客户端")
	}
	if opts.Binder != nil && (opts.Poster == nil || !opts.Poster.Configured()) {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "绑定社交账号需要可用的发帖通道")
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = retry.DefaultPolicy()
	}
	if opts.Rounds <= 0 {
		opts.Rounds = 3
	}
	if opts.VerifyWait <= 0 {
		opts.VerifyWait = 10 * time.Second
	}
	if opts.VerifyRetries <= 0 {
		opts.VerifyRetries = 3
	}
	if opts.VerifyInterval <= 0 {
		opts.VerifyInterval = 10 * time.Second
	}
	if opts.RoundPause <= 0 {
		opts.RoundPause = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logger.Named("registrar")
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
	return &Registrar{opts: opts, logger: opts.Logger, audit: opts.Audit}, nil
}

// Register 完成注册并返回已注册的身份。记录已处于 Bound 及之后的阶段时直接返回，不再调用合约。
func (r *Registrar) Register(ctx context.Context, identity state.AgentIdentity) (state.AgentIdentity, error) {
	record, err := r.opts.Store.LoadRecord()
	if err != nil {
		return identity, err
	}
	if record == nil {
		record = &state.Record{Stage: state.StageUnregistered}
	}
	if record.Identity != nil && identity.WalletAddress != "" &&
		!strings.EqualFold(record.Identity.WalletAddress, identity.WalletAddress) {
		return identity, xerrors.New(xerrors.CodeInvalidArgument, "状态文件中已有其他钱包的身份",
			xerrors.WithMetadata("wallet", record.Identity.WalletAddress))
	}
	if record.Stage.Registered() && record.Identity != nil && record.Identity.AgentID > 0 {
		r.logger.Info("身份已注册，跳过", slog.Uint64("agent_id", record.Identity.AgentID))
		return *record.Identity, nil
	}
	if identity.WalletAddress == "" {
		return identity, xerrors.New(xerrors.CodeInvalidArgument, "注册需要钱包地址")
	}

	record.Identity = &identity
	record.Stage = state.StageRegistering
	if err := r.save(*record); err != nil {
		return identity, err
	}

	if r.opts.Binder != nil {
		handle, err := r.bind(ctx, identity)
		if err != nil {
			return identity, err
		}
		if handle != "" {
			identity.SocialHandle = handle
		}
	}
	if identity.NormalizedHandle() == "" {
		return identity, xerrors.New(xerrors.CodeInvalidArgument, "注册需要社交账号")
	}

	txHash, agentID, err := r.registerOnChain(ctx, identity)
	if err != nil {
		return identity, err
	}
	r.confirm(ctx, identity, agentID)

	identity.AgentID = agentID
	identity.RegistrationTxHash = txHash
	identity.BoundAt = r.opts.Now().UTC()
	record.Identity = &identity
	record.Stage = state.StageBound
	if err := r.save(*record); err != nil {
		return identity, err
	}
	r.audit.Info("Agent 注册完成",
		slog.Uint64("agent_id", agentID),
		slog.String("wallet", identity.WalletAddress),
		slog.String("tx_hash", txHash))
	if r.opts.Notifier != nil {
		err := r.opts.Notifier.Notify(ctx, notify.Event{
			Kind:       notify.KindRegistered,
			Message:    fmt.Sprintf("@%s 注册完成", identity.NormalizedHandle()),
			AgentID:    agentID,
			TxHash:     txHash,
			OccurredAt: r.opts.Now().UTC(),
		})
		if err != nil {
			r.logger.Warn("注册通知发送失败", slog.Any("error", err))
		}
	}
	return identity, nil
}

func (r *Registrar) save(record state.Record) error {
	if err := r.opts.Store.SaveRecord(record); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存注册状态失败")
	}
	return nil
}

// bind 每轮申请验证码、发布验证帖、等待索引后多次核验；失败则开始新一轮。
func (r *Registrar) bind(ctx context.Context, identity state.AgentIdentity) (string, error) {
	var lastErr error
	for round := 1; round <= r.opts.Rounds; round++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		log := r.logger.With(slog.Int("round", round), slog.Int("rounds", r.opts.Rounds))

		claim, err := r.opts.Binder.CreateClaim(ctx)
		if err != nil {
			lastErr = err
			log.Warn("申请验证码失败", slog.Any("error", err))
			if err := r.opts.Sleep(ctx, r.opts.RoundPause); err != nil {
				return "", err
			}
			continue
		}

		if _, err := r.opts.Poster.Post(ctx, fmt.Sprintf(BindingTweet, claim.VerificationCode)); err != nil {
			if xerrors.HasCode(err, xerrors.CodePostBlocked) {
				return "", err
			}
			lastErr = err
			log.Warn("发布验证帖失败", slog.Any("error", err))
			if err := r.opts.Sleep(ctx, r.opts.RoundPause); err != nil {
				return "", err
			}
			continue
		}

		if err := r.opts.Sleep(ctx, r.opts.VerifyWait); err != nil {
			return "", err
		}
		for attempt := 1; attempt <= r.opts.VerifyRetries; attempt++ {
			result, err := r.opts.Binder.VerifyClaim(ctx, claim.Token)
			if err == nil && result.Success {
				log.Info("社交账号绑定成功", slog.String("handle", result.XHandle))
				return result.XHandle, nil
			}
			if err != nil {
				lastErr = err
			} else {
				lastErr = xerrors.New(xerrors.CodeNotFound, "验证帖尚未被索引")
			}
			if attempt < r.opts.VerifyRetries {
				if err := r.opts.Sleep(ctx, r.opts.VerifyInterval); err != nil {
					return "", err
				}
			}
		}
		log.Warn("本轮验证失败，重新发帖", slog.Any("error", lastErr))
	}
	return "", xerrors.Wrap(xerrors.CodeRetriesExhausted, lastErr, fmt.Sprintf("%d 轮绑定均失败", r.opts.Rounds))
}

type registration struct {
	txHash  string
	agentID uint64
}

// registerOnChain 调用合约注册。钱包已注册视为成功，沿用已有的 agent id。
func (r *Registrar) registerOnChain(ctx context.Context, identity state.AgentIdentity) (string, uint64, error) {
	result, err := retry.Do(ctx, r.opts.Retry, func(ctx context.Context, _ int) (registration, error) {
		txHash, agentID, err := r.opts.Registry.Register(ctx, identity)
		return registration{txHash: txHash, agentID: agentID}, err
	}, func(attempt int, err error, wait time.Duration) {
		r.logger.Warn("链上注册失败，稍后重试", slog.Int("attempt", attempt), slog.Duration("wait", wait), slog.Any("error", err))
	})
	if err == nil {
		return result.txHash, result.agentID, nil
	}
	if xerrors.HasCode(err, xerrors.CodeTxRejectedDuplicate) {
		if id, parseErr := strconv.ParseUint(xerrors.MetadataOf(err, "agent_id"), 10, 64); parseErr == nil && id > 0 {
			r.logger.Info("钱包已注册，沿用已有 Agent", slog.Uint64("agent_id", id))
			return "", id, nil
		}
	}
	return "", 0, err
}

// confirm 把注册结果回报给站点，失败不影响链上注册。
func (r *Registrar) confirm(ctx context.Context, identity state.AgentIdentity, agentID uint64) {
	if r.opts.Binder == nil {
		return
	}
	err := r.opts.Binder.ConfirmRegistration(ctx, agcapi.Confirmation{
		Wallet:  identity.WalletAddress,
		AgentID: agentID,
		XHandle: identity.NormalizedHandle(),
		XHash:   registry.XAccountHash(identity.SocialHandle).Hex(),
	})
	if err != nil {
		r.logger.Warn("注册回调失败（不影响链上注册）", slog.Any("error", err))
	}
}
