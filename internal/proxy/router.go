// Package proxy 解析唯一的上游代理配置，并为所有出站调用构建 HTTP 客户端。
package proxy

import (
	"context"
	stdErrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	xerrors "AgentMiner/internal/errors"
)

var defaultEgressCheckURLs = []string{
	"https://ipv4.icanhazip.com",
	"https://api.ipify.org",
	"https://ifconfig.me/ip",
}

// Config 描述代理主机与认证信息，Auth 形如 user:pass。
type Config struct {
	Host            string
	Auth            string
	EgressCheckURLs []string
}

// Router 持有解析后的代理地址，所有组件通过它获得 HTTP 客户端。
type Router struct {
	proxyURL  *url.URL
	checkURLs []string
}

// NewRouter 解析代理配置；Host 为空时所有请求直连。
func NewRouter(cfg Config) (*Router, error) {
	r := &Router{checkURLs: cfg.EgressCheckURLs}
	if len(r.checkURLs) == 0 {
		r.checkURLs = defaultEgressCheckURLs
	}

	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		return r, nil
	}
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	parsed, err := url.Parse(host)
	if err != nil || parsed.Host == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("代理地址无效: %s", cfg.Host))
	}
	if auth := strings.TrimSpace(cfg.Auth); auth != "" {
		user, pass, hasPass := strings.Cut(auth, ":")
		if hasPass {
			parsed.User = url.UserPassword(user, pass)
		} else {
			parsed.User = url.User(user)
		}
	}
	r.proxyURL = parsed
	return r, nil
}

// Enabled 判断是否配置了代理。
func (r *Router) Enabled() bool {
	return r != nil && r.proxyURL != nil
}

// Redacted 返回隐藏凭证后的代理地址，用于日志。
func (r *Router) Redacted() string {
	if !r.Enabled() {
		return "direct"
	}
	return r.proxyURL.Redacted()
}

// Transport 构建一个经由代理的 http.Transport。
func (r *Router) Transport() *http.Transport {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if r.Enabled() {
		transport.Proxy = http.ProxyURL(r.proxyURL)
	}
	transport.MaxIdleConnsPerHost = 4
	return transport
}

// Client 返回经由代理、带整体超时的 HTTP 客户端。
func (r *Router) Client(timeout time.Duration) *http.Client {
	return &http.Client{Transport: r.Transport(), Timeout: timeout}
}

// DirectClient 返回不经过代理的客户端，供专用 RPC 节点直连使用。
func (r *Router) DirectClient(timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	return &http.Client{Transport: transport, Timeout: timeout}
}

// VerifyEgress 通过代理访问公网 IP 回显服务，返回出口 IP。
func (r *Router) VerifyEgress(ctx context.Context) (string, error) {
	client := r.Client(10 * time.Second)
	var lastErr error
	for _, target := range r.checkURLs {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			lastErr = err
			continue
		}
		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
		resp.Body.Close()
		if err != nil || resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("%s 返回状态 %d", target, resp.StatusCode)
			continue
		}
		if ip := strings.TrimSpace(string(body)); ip != "" {
			return ip, nil
		}
	}
	return "", AsNetworkTimeout(lastErr, "代理出口检测失败")
}

// AsNetworkTimeout 把传输层失败（包括代理不可用）统一归为 NETWORK_TIMEOUT。
func AsNetworkTimeout(err error, message string) error {
	if err == nil {
		err = stdErrors.New("no reachable endpoint")
	}
	return xerrors.Wrap(xerrors.CodeNetworkTimeout, err, message)
}

// IsTransportError 判断错误是否来自网络或代理层。
func IsTransportError(err error) bool {
	if err == nil {
		return false
	}
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if stdErrors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	if stdErrors.As(err, &urlErr) {
		return true
	}
	var opErr *net.OpError
	return stdErrors.As(err, &opErr)
}
