// Package agcapi 封装 AgentCoin 站点的 HTTP 接口：题目模板查询与社交账号绑定流程。
package agcapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	xerrors "AgentMiner/internal/errors"
	"AgentMiner/internal/proxy"
	"AgentMiner/pkg/logger"
)

// DefaultBaseURL 是站点接口默认地址。
const DefaultBaseURL = "https://api.agentcoin.site"

// CodeAPIRejected 表示站点明确拒绝了请求。
const CodeAPIRejected xerrors.Code = "AGC_API_REJECTED"

func init() {
	xerrors.Register(CodeAPIRejected, xerrors.Attributes{
		Message:  "agentcoin api rejected the request",
		Severity: xerrors.SeverityWarning,
		Class:    xerrors.ClassRejected,
	})
}

// Problem 是 /api/problem/current 的返回。
type Problem struct {
	ID             uint64 `json:"problem_id"`
	TemplateText   string `json:"template_text"`
	AnswerDeadline int64  `json:"answer_deadline"`
}

// Deadline 返回答题截止时间。
func (p Problem) Deadline() time.Time {
	if p.AnswerDeadline <= 0 {
		return time.Time{}
	}
	return time.Unix(p.AnswerDeadline, 0).UTC()
}

// Claim 是绑定流程的一次验证码申请。
type Claim struct {
	VerificationCode string `json:"verification_code"`
	Token            string `json:"token"`
}

// Verification 是验证码核验结果。
type Verification struct {
	Success bool   `json:"success"`
	XHandle string `json:"x_handle"`
}

// Confirmation 在链上注册完成后回报给站点。
type Confirmation struct {
	Wallet  string `json:"wallet"`
	AgentID uint64 `json:"agent_id"`
	XHandle string `json:"x_handle"`
	XHash   string `json:"x_hash"`
}

// Client 访问站点接口。
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient 创建客户端，httpClient 一般来自代理路由。
func NewClient(baseURL string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{baseURL: baseURL, http: httpClient, logger: logger.Named("agcapi")}
}

// CurrentProblem 查询当前题目。
func (c *Client) CurrentProblem(ctx context.Context) (Problem, error) {
	var out Problem
	err := c.do(ctx, http.MethodGet, "/api/problem/current", nil, &out)
	return out, err
}

// Template 查询指定题目的模板文本。
func (c *Client) Template(ctx context.Context, problemID uint64) (string, error) {
	var out struct {
		TemplateText string `json:"template_text"`
	}
	path := "/api/problem/" + strconv.FormatUint(problemID, 10) + "/template"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.TemplateText) == "" {
		return "", xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("题目 %d 没有模板", problemID))
	}
	return out.TemplateText, nil
}

// CreateClaim 申请一个绑定验证码。
func (c *Client) CreateClaim(ctx context.Context) (Claim, error) {
	var out Claim
	if err := c.do(ctx, http.MethodPost, "/api/x/create-claim", nil, &out); err != nil {
		return Claim{}, err
	}
	if out.VerificationCode == "" || out.Token == "" {
		return Claim{}, xerrors.New(CodeAPIRejected, "create-claim 响应缺少验证码")
	}
	return out, nil
}

// VerifyClaim 核验验证码是否已被发布。
func (c *Client) VerifyClaim(ctx context.Context, token string) (Verification, error) {
	var out Verification
	path := "/api/x/verify-claim?" + url.Values{"token": {token}}.Encode()
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// ConfirmRegistration 把链上注册结果告知站点。
func (c *Client) ConfirmRegistration(ctx context.Context, confirmation Confirmation) error {
	return c.do(ctx, http.MethodPost, "/api/x/confirm-registration", confirmation, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化请求失败")
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构造请求失败")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return proxy.AsNetworkTimeout(err, fmt.Sprintf("请求 %s 失败", path))
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return proxy.AsNetworkTimeout(err, "读取响应失败")
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("%s 不存在", path))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return xerrors.New(xerrors.CodeNetworkTimeout, fmt.Sprintf("%s 返回状态 %d", path, resp.StatusCode))
	case resp.StatusCode >= 400:
		return xerrors.New(CodeAPIRejected, fmt.Sprintf("%s 返回状态 %d: %s", path, resp.StatusCode, snippet(data)),
			xerrors.WithMetadata("status", strconv.Itoa(resp.StatusCode)))
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return xerrors.Wrap(CodeAPIRejected, err, fmt.Sprintf("解析 %s 响应失败", path))
	}
	c.logger.Debug("接口调用完成", slog.String("path", path), slog.Int("status", resp.StatusCode))
	return nil
}

func snippet(data []byte) string {
	s := strings.TrimSpace(string(data))
	if len(s) > 200 {
		return s[:200]
	}
	return s
}
