package social

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// Channel 标识发帖通道。
type Channel string

const (
	ChannelPrimary  Channel = "primary"
	ChannelFallback Channel = "fallback"
)

// DefaultHistorySize 是发帖记录环形缓冲的默认容量。
const DefaultHistorySize = 32

// PostRecord 记录一次发帖尝试的结果，失败时 Err 非空。
type PostRecord struct {
	Channel        Channel   `json:"channel"`
	ContentHash    string    `json:"content_hash"`
	SentAt         time.Time `json:"sent_at"`
	ExternalPostID string    `json:"external_post_id,omitempty"`
	Err            string    `json:"err,omitempty"`
}

// Succeeded 判断该次尝试是否成功。
func (r PostRecord) Succeeded() bool { return r.Err == "" }

// ContentHash 返回内容的 sha256 十六进制摘要，记录中不保存原文。
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// History 是容量固定的发帖记录环，满时淘汰最旧的记录。
type History struct {
	mu       sync.Mutex
	capacity int
	records  []PostRecord
}

// NewHistory 创建指定容量的环。
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &History{capacity: capacity, records: make([]PostRecord, 0, capacity)}
}

// Append 追加一条记录。
func (h *History) Append(record PostRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.records) == h.capacity {
		copy(h.records, h.records[1:])
		h.records = h.records[:h.capacity-1]
	}
	h.records = append(h.records, record)
}

// Snapshot 按时间顺序返回记录副本。
func (h *History) Snapshot() []PostRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]PostRecord(nil), h.records...)
}

// Reset 用持久化的记录替换当前内容，超出容量时只保留最新部分。
func (h *History) Reset(records []PostRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(records) > h.capacity {
		records = records[len(records)-h.capacity:]
	}
	h.records = append(h.records[:0], records...)
}
