package mysql

import (
	"context"
	"strings"
	"time"
)

// Outcome 描述一轮周期的最终结果。
type Outcome string

const (
	OutcomeSubmitted        Outcome = "submitted"
	OutcomeAlreadySubmitted Outcome = "already_submitted"
	OutcomeClaimed          Outcome = "claimed"
	OutcomeNoPuzzle         Outcome = "no_puzzle"
	OutcomeAbandoned        Outcome = "abandoned"
	OutcomeHalted           Outcome = "halted"
)

// CycleEntry 是写入日志的一条周期记录。
type CycleEntry struct {
	RunID        string    `json:"run_id"`
	AgentID      uint64    `json:"agent_id"`
	CycleIndex   uint64    `json:"cycle_index"`
	PuzzleID     string    `json:"puzzle_id,omitempty"`
	Outcome      Outcome   `json:"outcome"`
	SubmitTxHash string    `json:"submit_tx_hash,omitempty"`
	ClaimTxHash  string    `json:"claim_tx_hash,omitempty"`
	Error        string    `json:"error,omitempty"`
	FinishedAt   time.Time `json:"finished_at"`
}

// Journal 抽象周期日志的持久化接口。
type Journal interface {
	Append(ctx context.Context, entry CycleEntry) error
	ListLatest(ctx context.Context, limit int) ([]CycleEntry, error)
	Close() error
}

// Config 描述日志存储的选择与连接池参数。
type Config struct {
	Driver          string
	DSN             string
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Open 按配置创建日志存储。driver 为空时有 DSN 则用 MySQL，否则用文件。
func Open(ctx context.Context, cfg Config) (Journal, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = "file"
		if strings.TrimSpace(cfg.DSN) != "" {
			driver = "mysql"
		}
	}
	switch driver {
	case "mysql":
		return NewSQLJournal(ctx, cfg)
	case "file":
		return NewFileJournal(cfg.Path)
	case "none", "off":
		return nopJournal{}, nil
	default:
		return nil, ErrUnsupportedDriver
	}
}

type nopJournal struct{}

func (nopJournal) Append(context.Context, CycleEntry) error              { return nil }
func (nopJournal) ListLatest(context.Context, int) ([]CycleEntry, error) { return nil, nil }
func (nopJournal) Close() error                                          { return nil }
