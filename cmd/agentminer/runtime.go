package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"AgentMiner/internal/agcapi"
	"AgentMiner/internal/config"
	xerrors "AgentMiner/internal/errors"
	"AgentMiner/internal/notify"
	"AgentMiner/internal/observability/metrics"
	"AgentMiner/internal/proxy"
	"AgentMiner/internal/registry"
	"AgentMiner/internal/retry"
	"AgentMiner/internal/social"
	"AgentMiner/internal/solver"
	"AgentMiner/internal/state"
	journal "AgentMiner/internal/storage/mysql"
	"AgentMiner/internal/wallet"
	"AgentMiner/internal/web3/ethereum"
	"AgentMiner/internal/web3/provider"
	"AgentMiner/pkg/logger"
)

// runtime 持有一次命令执行期间创建的组件，Close 按创建的逆序释放。
type runtime struct {
	cfg     *config.Config
	router  *proxy.Router
	logger  *slog.Logger
	closers []func() error
}

// logLevelOverride 由 --log-level 设置。
var logLevelOverride string

// setup 加载配置、初始化日志并解析代理。mode 决定需要校验的字段。
func setup(configPath, mode string) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "加载配置失败")
	}
	if mode != "" {
		if err := cfg.Validate(mode); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "配置校验失败")
		}
	}
	if err := logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		OutputPaths: cfg.Log.Outputs,
		Audit: logger.AuditConfig{
			Enabled: cfg.Log.AuditPath != "",
			Path:    cfg.Log.AuditPath,
		},
	}); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "初始化日志失败")
	}
	if logLevelOverride != "" {
		logger.SetLevel(logLevelOverride)
	}
	router, err := proxy.NewRouter(proxy.Config{
		Host:            cfg.Proxy.Host,
		Auth:            config.Secret(cfg.Proxy.Auth, cfg.Proxy.AuthEnv),
		EgressCheckURLs: cfg.Proxy.EgressCheckURLs,
	})
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg, router: router, logger: logger.Named("cli")}
	rt.logger.Info("配置已加载",
		slog.String("path", configPath),
		slog.String("version", version),
		slog.String("proxy", router.Redacted()))
	return rt, nil
}

func (rt *runtime) onClose(fn func() error) { rt.closers = append(rt.closers, fn) }

// Close 释放所有组件。
func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			rt.logger.Warn("释放资源失败", slog.Any("error", err))
		}
	}
	rt.closers = nil
}

// openStore 打开状态文件。lock 为 true 时获取单写者锁。
func (rt *runtime) openStore(lock bool) (*state.FileStore, error) {
	store, err := state.NewFileStore(state.Options{
		Path:        rt.cfg.State.Path,
		LegacyPath:  rt.cfg.State.LegacyPath,
		HistorySize: rt.cfg.Social.HistorySize,
	})
	if err != nil {
		return nil, err
	}
	if lock {
		if err := store.Lock(); err != nil {
			return nil, err
		}
		rt.onClose(store.Close)
	}
	return store, nil
}

func (rt *runtime) signer() (*wallet.KeySigner, error) {
	signer, err := wallet.Open(rt.cfg.Wallet.KeyRef, config.Secret("", rt.cfg.Wallet.PassphraseEnv))
	if err != nil {
		return nil, err
	}
	rt.logger.Info("钱包已加载", slog.String("wallet", signer.Address().Hex()))
	return signer, nil
}

func (rt *runtime) openChain(ctx context.Context) (*ethereum.Client, error) {
	timeout := config.Seconds(rt.cfg.Web3.TimeoutSeconds)
	chain, err := provider.Open(ctx, rt.cfg.Web3, rt.cfg.Proxy.DirectPrimaryRPC, provider.HTTPClients{
		Direct: rt.router.DirectClient(timeout),
		Proxy:  rt.router.Client(timeout),
	})
	if err != nil {
		return nil, err
	}
	rt.onClose(func() error {
		chain.Close()
		return nil
	})
	return chain, nil
}

func (rt *runtime) agc() *agcapi.Client {
	return agcapi.NewClient(rt.cfg.AGC.BaseURL, rt.router.Client(config.Seconds(rt.cfg.AGC.TimeoutSeconds)))
}

// registry 组装链上客户端：签名器、链连接与合约地址。
func (rt *runtime) registry(ctx context.Context, signer wallet.Signer, templates registry.TemplateSource) (*registry.Client, error) {
	contracts, err := registry.ContractsFromConfig(rt.cfg.Contracts)
	if err != nil {
		return nil, err
	}
	chain, err := rt.openChain(ctx)
	if err != nil {
		return nil, err
	}
	return registry.NewClient(registry.Options{
		Backend:        chain,
		Signer:         signer,
		Contracts:      contracts,
		Templates:      templates,
		Priority:       rt.cfg.Web3.Priority,
		ReceiptTimeout: config.Seconds(rt.cfg.Web3.ReceiptSeconds),
	})
}

// poster 按配置组装主备发帖通道。未配置的通道保持为空。
func (rt *runtime) poster() *social.Poster {
	sc := rt.cfg.Social
	client := rt.router.Client(config.Seconds(sc.TimeoutSeconds))
	profile := social.ClientProfile{Version: version}

	var primary, fallback social.Sender
	if sc.Primary.Configured() {
		primary = social.NewAPIChannel(sc.Primary.Endpoint, social.OAuthCredentials{
			ConsumerKey:    config.Secret(sc.Primary.APIKey, sc.Primary.APIKeyEnv),
			ConsumerSecret: config.Secret(sc.Primary.APISecret, sc.Primary.APISecretEnv),
			Token:          config.Secret(sc.Primary.AccessToken, sc.Primary.AccessTokenEnv),
			TokenSecret:    config.Secret(sc.Primary.AccessSecret, sc.Primary.AccessSecretEnv),
		}, client, profile)
	}
	if strings.TrimSpace(sc.Relay.Endpoint) != "" {
		fallback = social.NewRelayChannel(sc.Relay.Endpoint, config.Secret(sc.Relay.Token, sc.Relay.TokenEnv), sc.Handle, client, profile)
	}
	return social.NewPoster(social.Options{
		Primary:         primary,
		Fallback:        fallback,
		MaxPosts:        sc.Pacing.MaxPosts,
		Window:          config.Seconds(sc.Pacing.WindowSeconds),
		MinSpacing:      config.Seconds(sc.Pacing.MinSpacingSeconds),
		RetryBase:       config.Seconds(sc.Pacing.RetryBaseSeconds),
		RetryMax:        config.Seconds(sc.Pacing.RetryMaxDelaySeconds),
		HealthWindow:    sc.Health.Window,
		HealthThreshold: sc.Health.Threshold,
		HistorySize:     sc.HistorySize,
		OnAttempt: func(channel social.Channel, err error) {
			outcome := "ok"
			if err != nil {
				outcome = strings.ToLower(string(xerrors.CodeOf(err)))
			}
			metrics.ObservePost(string(channel), outcome)
		},
	})
}

func (rt *runtime) chatModel() (*solver.ChatModel, error) {
	sc := rt.cfg.Solver
	return solver.NewChatModel(solver.ChatConfig{
		BaseURL:    sc.BaseURL,
		APIKey:     config.Secret(sc.APIKey, sc.APIKeyEnv),
		Model:      sc.Model,
		MaxTokens:  sc.MaxTokens,
		HTTPClient: rt.router.Client(sc.Timeout() + 10*time.Second),
	})
}

func (rt *runtime) solver(agentID uint64) (*solver.Client, error) {
	model, err := rt.chatModel()
	if err != nil {
		return nil, err
	}
	return solver.NewClient(solver.Options{
		Model:        model,
		AgentID:      agentID,
		DisableLocal: rt.cfg.Solver.DisableLocal,
	}), nil
}

// notifier 组装事件通知渠道。没有任何渠道时返回 nil。
func (rt *runtime) notifier() (notify.Dispatcher, error) {
	nc := rt.cfg.Notify
	var channels []notify.Notifier
	if url := config.Secret(nc.Webhook.URL, nc.Webhook.URLEnv); url != "" {
		webhook := notify.NewWebhook(url, nc.Webhook.ChatID, rt.router.Client(15*time.Second))
		channels = append(channels, notify.Filtered(webhook, notify.ParseSeverity(nc.Webhook.MinLevel)))
	}
	if url := config.Secret(nc.RabbitMQ.URL, nc.RabbitMQ.URLEnv); url != "" {
		mq, err := notify.NewRabbitMQ(notify.RabbitMQConfig{URL: url, Queue: nc.RabbitMQ.Queue, Durable: nc.RabbitMQ.Durable})
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接 RabbitMQ 失败")
		}
		rt.onClose(mq.Close)
		channels = append(channels, mq)
	}
	if len(channels) == 0 {
		return nil, nil
	}
	return notify.NewFanout(channels...), nil
}

func (rt *runtime) journal(ctx context.Context) (journal.Journal, error) {
	jc := rt.cfg.Journal
	j, err := journal.Open(ctx, journal.Config{
		Driver: jc.Driver,
		DSN:    config.Secret(jc.DSN, jc.DSNEnv),
		Path:   jc.Path,
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, fmt.Sprintf("打开周期日志失败 (driver=%s)", jc.Driver))
	}
	rt.onClose(j.Close)
	return j, nil
}

func (rt *runtime) retryPolicy() retry.Policy {
	mc := rt.cfg.Miner
	return retry.Policy{
		MaxAttempts: mc.MaxAttempts,
		BaseDelay:   config.Seconds(mc.RetryBaseSeconds),
		MaxDelay:    config.Seconds(mc.RetryMaxDelaySeconds),
		Multiplier:  2,
	}
}

// formatWei 把 wei 转换为带 18 位小数的代币数量。
func formatWei(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	value := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(1e18))
	return value.Text('f', 6)
}
