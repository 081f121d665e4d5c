package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// WebhookNotifier 以 Telegram sendMessage 的格式推送事件。
// URL 形如 https://api.telegram.org/bot<token>/sendMessage，其中含有凭证，只从配置或环境变量读取。
type WebhookNotifier struct {
	URL    string
	ChatID string
	Client *http.Client
}

// NewWebhook 创建推送器，client 为空时使用 10 秒超时的默认客户端。
func NewWebhook(url, chatID string, client *http.Client) *WebhookNotifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookNotifier{URL: strings.TrimSpace(url), ChatID: chatID, Client: client}
}

// Channel 返回 webhook 渠道。
func (n *WebhookNotifier) Channel() Channel { return ChannelWebhook }

type webhookMessage struct {
	ChatID string `json:"chat_id,omitempty"`
	Text   string `json:"text"`
}

// Notify 发送一条消息，非 2xx 响应视为失败。
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.URL == "" {
		return nil
	}
	body, err := json.Marshal(webhookMessage{ChatID: n.ChatID, Text: event.Text()})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("构造 webhook 请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.Client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook 请求失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("webhook 返回状态码 %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
