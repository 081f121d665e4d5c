package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"AgentMiner/internal/config"
	"AgentMiner/internal/dashboard"
	xerrors "AgentMiner/internal/errors"
	"AgentMiner/internal/miner"
	"AgentMiner/internal/state"
)

func defaultConfigPath() string {
	if path := os.Getenv("AGENTMINER_CONFIG"); path != "" {
		return path
	}
	return filepath.Join("configs", "agentminer.json")
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "agentminer",
		Short:         "AgentCoin 挖矿代理：注册身份、循环解题并领取奖励",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "配置文件路径（也可通过 AGENTMINER_CONFIG 指定）")
	root.PersistentFlags().StringVar(&logLevelOverride, "log-level", "", "覆盖配置中的日志级别 (debug|info|warn|error)")

	root.AddCommand(
		newRegisterCmd(&configPath),
		newMineCmd(&configPath),
		newStatusCmd(&configPath),
		newVerifyCmd(&configPath),
	)
	return root
}

func newRegisterCmd(configPath *string) *cobra.Command {
	var (
		handle      string
		skipBinding bool
	)
	cmd := &cobra.Command{
		Use:   "register",
		Short: "绑定社交账号并在链上注册 Agent",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := setup(*configPath, "register")
			if err != nil {
				return err
			}
			defer rt.Close()
			return runRegister(cmd.Context(), rt, handle, skipBinding)
		},
	}
	cmd.Flags().StringVar(&handle, "handle", "", "覆盖配置中的 social.handle")
	cmd.Flags().BoolVar(&skipBinding, "skip-binding", false, "跳过站点的社交账号绑定，直接链上注册")
	return cmd
}

func runRegister(ctx context.Context, rt *runtime, handle string, skipBinding bool) error {
	store, err := rt.openStore(true)
	if err != nil {
		return err
	}
	signer, err := rt.signer()
	if err != nil {
		return err
	}
	agc := rt.agc()
	client, err := rt.registry(ctx, signer, agc)
	if err != nil {
		return err
	}
	notifier, err := rt.notifier()
	if err != nil {
		return err
	}

	opts := miner.RegistrarOptions{
		Store:    store,
		Registry: client,
		Notifier: notifier,
		Retry:    rt.retryPolicy(),
	}
	if !skipBinding {
		opts.Binder = agc
		opts.Poster = rt.poster()
	}
	registrar, err := miner.NewRegistrar(opts)
	if err != nil {
		return err
	}

	if handle == "" {
		handle = rt.cfg.Social.Handle
	}
	identity, err := registrar.Register(ctx, state.AgentIdentity{
		WalletAddress: signer.Address().Hex(),
		PrivateKeyRef: rt.cfg.Wallet.KeyRef,
		SocialHandle:  handle,
	})
	if err != nil {
		return err
	}
	fmt.Printf("注册完成：agent #%d  wallet %s  @%s\n", identity.AgentID, identity.WalletAddress, identity.NormalizedHandle())
	if identity.RegistrationTxHash != "" {
		fmt.Printf("交易：%s\n", identity.RegistrationTxHash)
	}
	return nil
}

func newMineCmd(configPath *string) *cobra.Command {
	var clearHalt bool
	cmd := &cobra.Command{
		Use:   "mine",
		Short: "运行挖矿循环，直到收到停止信号或进入停机",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := setup(*configPath, "mine")
			if err != nil {
				return err
			}
			defer rt.Close()
			return runMine(cmd.Context(), rt, clearHalt)
		},
	}
	cmd.Flags().BoolVar(&clearHalt, "clear-halt", false, "解除上次的停机状态后继续运行")
	return cmd
}

func runMine(ctx context.Context, rt *runtime, clearHalt bool) error {
	store, err := rt.openStore(true)
	if err != nil {
		return err
	}
	record, err := store.LoadRecord()
	if err != nil {
		return err
	}
	if record == nil || record.Identity == nil || !record.Stage.Registered() {
		return xerrors.New(xerrors.CodeIdentityMissing, "尚未完成注册，请先执行 agentminer register")
	}

	signer, err := rt.signer()
	if err != nil {
		return err
	}
	if !strings.EqualFold(signer.Address().Hex(), record.Identity.WalletAddress) {
		return xerrors.New(xerrors.CodeInvalidArgument, "配置的钱包与已注册身份不一致",
			xerrors.WithMetadata("registered", record.Identity.WalletAddress))
	}
	client, err := rt.registry(ctx, signer, rt.agc())
	if err != nil {
		return err
	}
	solve, err := rt.solver(record.Identity.AgentID)
	if err != nil {
		return err
	}
	notifier, err := rt.notifier()
	if err != nil {
		return err
	}
	cycles, err := rt.journal(ctx)
	if err != nil {
		return err
	}
	policy, err := miner.ParsePostPolicy(rt.cfg.Social.Policy)
	if err != nil {
		return err
	}

	mc := rt.cfg.Miner
	orch, err := miner.New(miner.Options{
		Store:          store,
		Registry:       client,
		Solver:         solve,
		Poster:         rt.poster(),
		Notifier:       notifier,
		Journal:        cycles,
		RunID:          uuid.NewString(),
		Retry:          rt.retryPolicy(),
		PostPolicy:     policy,
		PostTemplate:   rt.cfg.Social.Template,
		SolveTimeout:   rt.cfg.Solver.Timeout(),
		CycleInterval:  config.Seconds(mc.CycleIntervalSeconds),
		CycleJitter:    mc.CycleJitter,
		RewardInterval: config.Seconds(mc.RewardIntervalSeconds),
		MaxRejections:  mc.MaxRejections,
		ManualClaim:    !*mc.AutoClaim,
	})
	if err != nil {
		return err
	}
	if clearHalt {
		if err := orch.ClearHalt(); err != nil {
			return err
		}
		rt.logger.Info("已解除停机状态")
	}

	g, gctx := errgroup.WithContext(ctx)
	runCtx, stop := context.WithCancel(gctx)
	defer stop()

	g.Go(func() error {
		defer stop()
		return orch.Run(runCtx)
	})
	if addr := rt.cfg.Dashboard.Address; addr != "" {
		server := dashboard.NewServer(addr, orch, cycles)
		g.Go(func() error { return ignoreCanceled(server.Start(runCtx)) })
	}
	if rc := rt.cfg.Dashboard.Redis; rc.Address != "" {
		publisher, err := dashboard.NewRedisPublisher(ctx, dashboard.RedisConfig{
			Address:  rc.Address,
			Password: rc.Password,
			DB:       rc.DB,
			Key:      rc.Key,
			Channel:  rc.Channel,
			TTL:      config.Seconds(rc.TTLSeconds),
			Interval: config.Seconds(rc.IntervalSeconds),
		})
		if err != nil {
			stop()
			_ = g.Wait()
			return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接 Redis 失败")
		}
		rt.onClose(publisher.Close)
		g.Go(func() error { return ignoreCanceled(publisher.Run(runCtx, orch)) })
	}

	err = g.Wait()
	if errors.Is(err, miner.ErrHalted) {
		rt.logger.Error("挖矿已停机，排查后使用 --clear-halt 重新启动", slog.Any("error", err))
	}
	return err
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newStatusCmd(configPath *string) *cobra.Command {
	var cycles int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "输出持久化的状态记录（不含密钥信息）",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := setup(*configPath, "")
			if err != nil {
				return err
			}
			defer rt.Close()
			return runStatus(cmd.Context(), rt, cycles)
		},
	}
	cmd.Flags().IntVar(&cycles, "cycles", 0, "同时输出最近 N 条周期日志")
	return cmd
}

func runStatus(ctx context.Context, rt *runtime, cycles int) error {
	store, err := rt.openStore(false)
	if err != nil {
		return err
	}
	record, err := store.LoadRecord()
	if err != nil {
		return err
	}
	if record == nil {
		record = &state.Record{Stage: state.StageUnregistered}
	}
	out := struct {
		miner.Snapshot
		Cycles any `json:"cycles,omitempty"`
	}{Snapshot: miner.SnapshotOf(*record, time.Now())}

	if cycles > 0 {
		j, err := rt.journal(ctx)
		if err != nil {
			return err
		}
		entries, err := j.ListLatest(ctx, cycles)
		if err != nil {
			return err
		}
		out.Cycles = entries
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func newVerifyCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "检查代理出口、RPC、钱包余额与解题服务的连通性",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := setup(*configPath, "mine")
			if err != nil {
				return err
			}
			defer rt.Close()
			return runVerify(cmd.Context(), rt)
		},
	}
}

func runVerify(ctx context.Context, rt *runtime) error {
	var failed []string
	check := func(name string, fn func(context.Context) (string, error)) {
		callCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		detail, err := fn(callCtx)
		if err != nil {
			failed = append(failed, name)
			fmt.Printf("[FAIL] %-8s %v\n", name, err)
			return
		}
		fmt.Printf("[ OK ] %-8s %s\n", name, detail)
	}

	check("proxy", func(ctx context.Context) (string, error) {
		if !rt.router.Enabled() {
			return "未配置代理，直连", nil
		}
		ip, err := rt.router.VerifyEgress(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s 出口 IP %s", rt.router.Redacted(), ip), nil
	})

	signer, err := rt.signer()
	if err != nil {
		return err
	}
	check("rpc", func(ctx context.Context) (string, error) {
		chain, err := rt.openChain(ctx)
		if err != nil {
			return "", err
		}
		block, err := chain.BlockNumber(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s 区块高度 %d", chain.Name(), block), nil
	})
	check("wallet", func(ctx context.Context) (string, error) {
		client, err := rt.registry(ctx, signer, rt.agc())
		if err != nil {
			return "", err
		}
		balance, err := client.Balance(ctx, signer.Address())
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s ETH %s / AGC %s", signer.Address().Hex(), formatWei(balance.Native), formatWei(balance.Token)), nil
	})
	check("solver", func(ctx context.Context) (string, error) {
		model, err := rt.chatModel()
		if err != nil {
			return "", err
		}
		reply, err := model.Complete(ctx, "Reply with the single word OK.", "ping")
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("模型 %s 已响应 (%d 字节)", rt.cfg.Solver.Model, len(reply)), nil
	})
	check("agc", func(ctx context.Context) (string, error) {
		problem, err := rt.agc().CurrentProblem(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("当前题目 #%d", problem.ID), nil
	})

	if len(failed) > 0 {
		return fmt.Errorf("连通性检查失败: %s", strings.Join(failed, ", "))
	}
	return nil
}
