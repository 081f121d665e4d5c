// Package notify 把挖矿过程中的关键事件推送到外部渠道。
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	xerrors "AgentMiner/internal/errors"
	"AgentMiner/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelWebhook  Channel = "webhook"
	ChannelRabbitMQ Channel = "rabbitmq"
)

// Kind 区分事件类型。
type Kind string

const (
	KindStarted    Kind = "started"
	KindRegistered Kind = "registered"
	KindSubmitted  Kind = "submitted"
	KindClaimed    Kind = "claimed"
	KindAbandoned  Kind = "abandoned"
	KindHalted     Kind = "halted"
)

// Event 描述一次需要通知的事件。
type Event struct {
	Kind       Kind              `json:"kind"`
	Code       xerrors.Code      `json:"code,omitempty"`
	Message    string            `json:"message"`
	Severity   xerrors.Severity  `json:"severity"`
	AgentID    uint64            `json:"agent_id,omitempty"`
	CycleIndex uint64            `json:"cycle_index,omitempty"`
	PuzzleID   string            `json:"puzzle_id,omitempty"`
	TxHash     string            `json:"tx_hash,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Text 把事件渲染为适合聊天机器人的纯文本。
func (e Event) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Severity, e.Kind)
	if e.Code != "" {
		fmt.Fprintf(&b, " (%s)", e.Code)
	}
	if e.Message != "" {
		b.WriteString("\n" + e.Message)
	}
	if e.AgentID > 0 {
		fmt.Fprintf(&b, "\nAgent: #%d", e.AgentID)
	}
	if e.CycleIndex > 0 {
		fmt.Fprintf(&b, "\n周期: %d", e.CycleIndex)
	}
	if e.PuzzleID != "" {
		fmt.Fprintf(&b, "\n题目: %s", e.PuzzleID)
	}
	if e.TxHash != "" {
		fmt.Fprintf(&b, "\nTX: %s", e.TxHash)
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "\n- %s: %s", k, e.Metadata[k])
		}
	}
	return b.String()
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

var severityRank = map[xerrors.Severity]int{
	xerrors.SeverityInfo:     0,
	xerrors.SeverityWarning:  1,
	xerrors.SeverityCritical: 2,
}

// ParseSeverity 解析配置中的最低级别，未知取值按 info 处理。
func ParseSeverity(level string) xerrors.Severity {
	switch xerrors.Severity(strings.ToLower(strings.TrimSpace(level))) {
	case xerrors.SeverityWarning:
		return xerrors.SeverityWarning
	case xerrors.SeverityCritical:
		return xerrors.SeverityCritical
	}
	return xerrors.SeverityInfo
}

// Filtered 只转发不低于 min 级别的事件。
func Filtered(n Notifier, min xerrors.Severity) Notifier {
	if n == nil {
		return nil
	}
	return &filtered{Notifier: n, min: min}
}

type filtered struct {
	Notifier
	min xerrors.Severity
}

func (f *filtered) Notify(ctx context.Context, event Event) error {
	if severityRank[event.Severity] < severityRank[f.min] {
		return nil
	}
	return f.Notifier.Notify(ctx, event)
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
	timeout   time.Duration
}

// NewFanout 创建一个新的 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set, timeout: 10 * time.Second}
}

// Len 返回已注册的渠道数量。
func (d *FanoutDispatcher) Len() int {
	if d == nil {
		return 0
	}
	return len(d.notifiers)
}

// Notify 将事件广播至所有注册渠道。单个渠道失败不影响其他渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil || len(d.notifiers) == 0 {
		return nil
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if event.Severity == "" {
		event.Severity = xerrors.SeverityInfo
	}
	// 关停时也要把停机事件发出去。
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(sendCtx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	if len(errs) > 0 {
		err := errors.Join(errs...)
		logger.Named("notify").Warn("事件通知失败", slog.String("kind", string(event.Kind)), slog.Any("error", err))
		return err
	}
	return nil
}
