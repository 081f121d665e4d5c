package social

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// OAuthCredentials 是 OAuth 1.0a 用户上下文凭证。
type OAuthCredentials struct {
	ConsumerKey    string
	ConsumerSecret string
	Token          string
	TokenSecret    string
}

// Complete 判断四个字段是否都已配置。
func (c OAuthCredentials) Complete() bool {
	return c.ConsumerKey != "" && c.ConsumerSecret != "" && c.Token != "" && c.TokenSecret != ""
}

type oauthSigner struct {
	creds OAuthCredentials
	nonce func() string
	now   func() time.Time
}

func newOAuthSigner(creds OAuthCredentials) *oauthSigner {
	return &oauthSigner{
		creds: creds,
		nonce: func() string { return strings.ReplaceAll(uuid.NewString(), "-", "") },
		now:   time.Now,
	}
}

// authorization 生成 HMAC-SHA1 签名的 Authorization 头。只有表单参数参与签名，JSON 请求体不参与。
func (s *oauthSigner) authorization(method, rawURL string, form url.Values) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("解析发帖地址失败: %w", err)
	}
	params := map[string]string{
		"oauth_consumer_key":     s.creds.ConsumerKey,
		"oauth_nonce":            s.nonce(),
		"oauth_signature_method": "HMAC-SHA1",
		"oauth_timestamp":        strconv.FormatInt(s.now().Unix(), 10),
		"oauth_token":            s.creds.Token,
		"oauth_version":          "1.0",
	}

	all := make(map[string]string, len(params))
	for k, v := range params {
		all[k] = v
	}
	for _, extra := range []url.Values{u.Query(), form} {
		for k, vs := range extra {
			if len(vs) > 0 {
				all[k] = vs[0]
			}
		}
	}
	base := signatureBase(method, u, all)
	key := percentEncode(s.creds.ConsumerSecret) + "&" + percentEncode(s.creds.TokenSecret)
	mac := hmac.New(sha1.New, []byte(key))
	mac.Write([]byte(base))
	params["oauth_signature"] = base64.StdEncoding.EncodeToString(mac.Sum(nil))

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf(`%s="%s"`, percentEncode(k), percentEncode(params[k])))
	}
	return "OAuth " + strings.Join(parts, ", "), nil
}

func signatureBase(method string, u *url.URL, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, percentEncode(k)+"="+percentEncode(params[k]))
	}
	baseURL := strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host) + u.EscapedPath()
	return strings.ToUpper(method) + "&" + percentEncode(baseURL) + "&" + percentEncode(strings.Join(pairs, "&"))
}

// percentEncode 按 RFC 3986 编码，只保留非保留字符。
func percentEncode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if ('A' <= c && c <= 'Z') || ('a' <= c && c <= 'z') || ('0' <= c && c <= '9') ||
			c == '-' || c == '.' || c == '_' || c == '~' {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", c)
	}
	return b.String()
}
