package social

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	xerrors "AgentMiner/internal/errors"
)

// CodePostUnauthorized 表示通道凭证被平台拒绝，该通道在进程生命周期内不再使用。
const CodePostUnauthorized xerrors.Code = "POST_UNAUTHORIZED"

func init() {
	xerrors.Register(CodePostUnauthorized, xerrors.Attributes{
		Message:  "posting credentials rejected",
		Severity: xerrors.SeverityCritical,
		Class:    xerrors.ClassRejected,
		Alert:    true,
	})
}

// Sender 是单个发帖通道的实现。
type Sender interface {
	Channel() Channel
	Configured() bool
	Send(ctx context.Context, content string) (externalID string, err error)
}

// RequestProfile 在请求发出前对其进行装饰，每个通道各持有一个。
type RequestProfile interface {
	Apply(req *http.Request)
}

// ClientProfile 如实标识本客户端。
type ClientProfile struct {
	Version string
}

// Apply 设置 User-Agent。
func (p ClientProfile) Apply(req *http.Request) {
	version := strings.TrimSpace(p.Version)
	if version == "" {
		version = "dev"
	}
	req.Header.Set("User-Agent", "agentminer/"+version)
}

// blockedMarkers 是平台自动化限制或每日上限的特征。
var blockedMarkers = []string{"automated", `"code":226`, "daily limit", `"code":344`, "duplicate content"}

// classifyResponse 将平台响应映射到统一错误码，成功时返回 nil。
func classifyResponse(channel Channel, status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	meta := []xerrors.Option{
		xerrors.WithMetadata("channel", string(channel)),
		xerrors.WithMetadata("status", fmt.Sprint(status)),
	}
	lower := strings.ToLower(snippet)
	for _, marker := range blockedMarkers {
		if strings.Contains(lower, marker) {
			return xerrors.New(xerrors.CodePostBlocked, fmt.Sprintf("平台限制发帖: %s", snippet), meta...)
		}
	}
	switch {
	case status == http.StatusUnauthorized:
		return xerrors.New(CodePostUnauthorized, fmt.Sprintf("通道凭证无效: %s", snippet), meta...)
	case status == http.StatusForbidden:
		return xerrors.New(xerrors.CodePostBlocked, fmt.Sprintf("平台拒绝发帖: %s", snippet), meta...)
	case status == http.StatusTooManyRequests || status >= 500:
		return xerrors.New(xerrors.CodePostTransient, fmt.Sprintf("发帖暂时失败 (%d): %s", status, snippet), meta...)
	default:
		return xerrors.New(xerrors.CodePostTransient, fmt.Sprintf("发帖请求被拒绝 (%d): %s", status, snippet),
			append(meta, xerrors.WithRetryable(false))...)
	}
}

func doPost(ctx context.Context, client *http.Client, channel Channel, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, xerrors.Wrap(xerrors.CodePostTransient, err, "发帖网络请求失败",
			xerrors.WithMetadata("channel", string(channel)))
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodePostTransient, err, "读取发帖响应失败")
	}
	if err := classifyResponse(channel, resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

// APIChannel 通过平台官方 v2 接口发帖，请求使用 OAuth 1.0a 签名。
type APIChannel struct {
	endpoint string
	client   *http.Client
	signer   *oauthSigner
	profile  RequestProfile
}

// NewAPIChannel 创建主通道。
func NewAPIChannel(endpoint string, creds OAuthCredentials, client *http.Client, profile RequestProfile) *APIChannel {
	if client == nil {
		client = http.DefaultClient
	}
	if profile == nil {
		profile = ClientProfile{}
	}
	return &APIChannel{endpoint: endpoint, client: client, signer: newOAuthSigner(creds), profile: profile}
}

// Channel 实现 Sender。
func (c *APIChannel) Channel() Channel { return ChannelPrimary }

// Configured 实现 Sender。
func (c *APIChannel) Configured() bool {
	return c != nil && c.endpoint != "" && c.signer.creds.Complete()
}

// Send 发布一条帖子并返回平台分配的 ID。
func (c *APIChannel) Send(ctx context.Context, content string) (string, error) {
	payload, err := json.Marshal(map[string]string{"text": content})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构造发帖请求失败")
	}
	auth, err := c.signer.authorization(http.MethodPost, c.endpoint, nil)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "签名发帖请求失败")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", auth)
	c.profile.Apply(req)

	body, err := doPost(ctx, c.client, ChannelPrimary, req)
	if err != nil {
		return "", err
	}
	var parsed struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.Data.ID == "" {
		return "", xerrors.New(xerrors.CodePostTransient, "发帖成功但响应中没有帖子 ID")
	}
	return parsed.Data.ID, nil
}

// RelayChannel 把帖子交给运营方自建的转发服务，使用 Bearer 令牌鉴权。
type RelayChannel struct {
	endpoint string
	token    string
	handle   string
	client   *http.Client
	profile  RequestProfile
}

// NewRelayChannel 创建备用通道。
func NewRelayChannel(endpoint, token, handle string, client *http.Client, profile RequestProfile) *RelayChannel {
	if client == nil {
		client = http.DefaultClient
	}
	if profile == nil {
		profile = ClientProfile{}
	}
	return &RelayChannel{endpoint: endpoint, token: token, handle: handle, client: client, profile: profile}
}

// Channel 实现 Sender。
func (c *RelayChannel) Channel() Channel { return ChannelFallback }

// Configured 实现 Sender。
func (c *RelayChannel) Configured() bool {
	return c != nil && c.endpoint != "" && c.token != ""
}

// Send 实现 Sender。
func (c *RelayChannel) Send(ctx context.Context, content string) (string, error) {
	payload, err := json.Marshal(map[string]string{"text": content, "handle": c.handle})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构造转发请求失败")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	c.profile.Apply(req)

	body, err := doPost(ctx, c.client, ChannelFallback, req)
	if err != nil {
		return "", err
	}
	var parsed struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.ID == "" {
		return "", xerrors.New(xerrors.CodePostTransient, "转发服务未返回帖子 ID")
	}
	return parsed.ID, nil
}
