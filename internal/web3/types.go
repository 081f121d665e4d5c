package web3

import "strings"

// Endpoint 是一个 RPC 地址及其出站方式。
type Endpoint struct {
	URL      string
	ViaProxy bool
}

// Endpoints 按尝试顺序展开主 RPC 与备用 RPC。
// directPrimary 为 true 时主 RPC 直连，备用的公共 RPC 始终走代理。
func (c ChainDefinition) Endpoints(directPrimary bool) []Endpoint {
	primary := strings.TrimSpace(c.RPCURL)
	seen := map[string]struct{}{}
	var out []Endpoint
	if primary != "" {
		out = append(out, Endpoint{URL: primary, ViaProxy: !directPrimary})
		seen[primary] = struct{}{}
	}
	for _, url := range c.FallbackRPCURLs {
		url = strings.TrimSpace(url)
		if url == "" {
			continue
		}
		if _, dup := seen[url]; dup {
			continue
		}
		seen[url] = struct{}{}
		out = append(out, Endpoint{URL: url, ViaProxy: true})
	}
	return out
}
