package mysql

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const fileJournalCache = 512

// ErrUnsupportedDriver 表示配置了未知的日志驱动。
var ErrUnsupportedDriver = errors.New("暂不支持的存储驱动")

// FileJournal 以 JSONL 追加写的方式记录周期结果，未配置 MySQL 时使用。
type FileJournal struct {
	mu       sync.RWMutex
	dataFile string
	entries  []CycleEntry
}

// NewFileJournal 打开（必要时创建）日志文件并载入最近的记录。
func NewFileJournal(path string) (*FileJournal, error) {
	if path == "" {
		path = "cycles.jsonl"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	j := &FileJournal{dataFile: path}
	if err := j.loadFromDisk(); err != nil {
		return nil, err
	}
	return j, nil
}

// Append 追加一条记录。
func (j *FileJournal) Append(_ context.Context, entry CycleEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	file, err := os.OpenFile(j.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开周期日志失败: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("序列化周期记录失败: %w", err)
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入周期日志失败: %w", err)
	}

	j.entries = append([]CycleEntry{entry}, j.entries...)
	if len(j.entries) > fileJournalCache {
		j.entries = j.entries[:fileJournalCache]
	}
	return nil
}

// ListLatest 返回最近的记录，按时间倒序排列。
func (j *FileJournal) ListLatest(_ context.Context, limit int) ([]CycleEntry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if limit <= 0 || limit > len(j.entries) {
		limit = len(j.entries)
	}
	out := make([]CycleEntry, limit)
	copy(out, j.entries[:limit])
	return out, nil
}

// Close 无需释放资源。
func (j *FileJournal) Close() error { return nil }

func (j *FileJournal) loadFromDisk() error {
	file, err := os.OpenFile(j.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取周期日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var restored []CycleEntry
	for scanner.Scan() {
		var entry CycleEntry
		// 崩溃时可能留下半行，跳过即可。
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		restored = append([]CycleEntry{entry}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析周期日志失败: %w", err)
	}
	if len(restored) > fileJournalCache {
		restored = restored[:fileJournalCache]
	}
	j.entries = restored
	return nil
}
