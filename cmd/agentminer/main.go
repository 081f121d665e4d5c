package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"AgentMiner/internal/miner"
	"AgentMiner/pkg/logger"
)

// version 在构建时通过 -ldflags "-X main.version=..." 注入。
var version = "dev"

// main 是 agentminer 命令行的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	_ = logger.Sync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentminer: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode 把错误映射为进程退出码：停机为 2，其余启动或运行失败为 1。
func exitCode(err error) int {
	if errors.Is(err, miner.ErrHalted) {
		return 2
	}
	return 1
}
