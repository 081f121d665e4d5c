package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

const mysqlDuplicateEntry = 1062

const (
	insertCycleSQL = `INSERT INTO cycle_journal
    (run_id, agent_id, cycle_index, puzzle_id, outcome, submit_tx_hash, claim_tx_hash, error, finished_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	latestCyclesSQL = `SELECT run_id, agent_id, cycle_index, puzzle_id, outcome, submit_tx_hash, claim_tx_hash, error, finished_at
    FROM cycle_journal ORDER BY finished_at DESC, id DESC LIMIT ?`
)

// SQLJournal 使用 MySQL 存储周期记录。
type SQLJournal struct {
	db *sql.DB
}

// NewSQLJournal 创建连接池并执行迁移。
func NewSQLJournal(ctx context.Context, cfg Config) (*SQLJournal, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	j := &SQLJournal{db: db}
	if err := migrate(ctx, db, embeddedMigrations, time.Now); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

// Append 写入一条记录。同一 run、同一周期、同一结果重复写入时静默忽略。
func (j *SQLJournal) Append(ctx context.Context, entry CycleEntry) error {
	_, err := j.db.ExecContext(ctx, insertCycleSQL,
		entry.RunID,
		entry.AgentID,
		entry.CycleIndex,
		entry.PuzzleID,
		string(entry.Outcome),
		entry.SubmitTxHash,
		entry.ClaimTxHash,
		entry.Error,
		entry.FinishedAt.UTC().UnixMilli(),
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry {
			return nil
		}
		return fmt.Errorf("写入周期记录失败: %w", err)
	}
	return nil
}

// ListLatest 返回最近的记录，按时间倒序排列。
func (j *SQLJournal) ListLatest(ctx context.Context, limit int) ([]CycleEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, latestCyclesSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("查询周期记录失败: %w", err)
	}
	defer rows.Close()

	var out []CycleEntry
	for rows.Next() {
		var (
			entry    CycleEntry
			outcome  string
			finished int64
		)
		if err := rows.Scan(&entry.RunID, &entry.AgentID, &entry.CycleIndex, &entry.PuzzleID, &outcome,
			&entry.SubmitTxHash, &entry.ClaimTxHash, &entry.Error, &finished); err != nil {
			return nil, fmt.Errorf("解析周期记录失败: %w", err)
		}
		entry.Outcome = Outcome(outcome)
		entry.FinishedAt = time.UnixMilli(finished).UTC()
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历周期记录失败: %w", err)
	}
	return out, nil
}

// Close 关闭连接池。
func (j *SQLJournal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}
