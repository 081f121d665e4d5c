package main

import (
	"errors"
	"fmt"
	"math/big"
	"testing"

	xerrors "AgentMiner/internal/errors"
	"AgentMiner/internal/miner"
)

func TestExitCode(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"halted", fmt.Errorf("%w: %w", miner.ErrHalted, xerrors.New(xerrors.CodeTxRejectedOther, "reverted")), 2},
		{"identity", xerrors.New(xerrors.CodeIdentityMissing, "未注册"), 1},
		{"plain", errors.New("boom"), 1},
	}
	for _, tc := range cases {
		if got := exitCode(tc.err); got != tc.want {
			t.Fatalf("%s: 期望退出码 %d，实际 %d", tc.name, tc.want, got)
		}
	}
}

func TestRootCommandWiresSubcommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"register", "mine", "status", "verify"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Fatalf("缺少子命令 %s: %v", name, err)
		}
	}
	mine, _, _ := root.Find([]string{"mine"})
	if mine.Flags().Lookup("clear-halt") == nil {
		t.Fatalf("mine 缺少 --clear-halt")
	}
	for _, flag := range []string{"config", "log-level"} {
		if root.PersistentFlags().Lookup(flag) == nil {
			t.Fatalf("缺少 --%s", flag)
		}
	}
}

func TestFormatWei(t *testing.T) {
	wei, _ := new(big.Int).SetString("1500000000000000000", 10)
	if got := formatWei(wei); got != "1.500000" {
		t.Fatalf("格式化异常: %s", got)
	}
	if got := formatWei(nil); got != "0" {
		t.Fatalf("nil 应输出 0，实际 %s", got)
	}
}
