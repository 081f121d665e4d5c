package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config 描述了 AgentMiner 在启动阶段需要加载的全部配置。
type Config struct {
	Proxy     ProxyConfig     `json:"proxy"`
	Web3      Web3Config      `json:"web3"`
	Contracts ContractsConfig `json:"contracts"`
	Wallet    WalletConfig    `json:"wallet"`
	Solver    SolverConfig    `json:"solver"`
	Social    SocialConfig    `json:"social"`
	AGC       AGCConfig       `json:"agc"`
	Miner     MinerConfig     `json:"miner"`
	State     StateConfig     `json:"state"`
	Dashboard DashboardConfig `json:"dashboard"`
	Notify    NotifyConfig    `json:"notify"`
	Journal   JournalConfig   `json:"journal"`
	Log       LogConfig       `json:"log"`
}

// ProxyConfig 描述所有出站请求共用的上游代理。
type ProxyConfig struct {
	Host    string `json:"host"`
	Auth    string `json:"auth"`
	AuthEnv string `json:"auth_env"`
	// DirectPrimaryRPC 为 true 时主 RPC 直连，只有备用公共 RPC 走代理。
	DirectPrimaryRPC bool     `json:"direct_primary_rpc"`
	EgressCheckURLs  []string `json:"egress_check_urls"`
}

// Web3Config 包含访问区块链节点所需的 RPC 地址。
type Web3Config struct {
	RPCURL         string `json:"rpc_url"`
	ChainConfig    string `json:"chain_config"`
	DefaultChain   string `json:"default_chain"`
	ChainID        int64  `json:"chain_id"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	ReceiptSeconds int    `json:"receipt_timeout_seconds"`
	Priority       string `json:"priority"`
}

// ContractsConfig 记录各业务合约地址。
type ContractsConfig struct {
	Token             string `json:"token"`
	AgentRegistry     string `json:"agent_registry"`
	ProblemManager    string `json:"problem_manager"`
	RewardDistributor string `json:"reward_distributor"`
}

// WalletConfig 指定签名私钥的来源，只保存引用，不保存私钥本身。
type WalletConfig struct {
	// KeyRef 形如 keystore:/path/to/file 或 env:VAR_NAME。
	KeyRef        string `json:"key_ref"`
	PassphraseEnv string `json:"passphrase_env"`
}

// SolverConfig 用于配置解题服务的调用方式。
type SolverConfig struct {
	BaseURL        string `json:"base_url"`
	APIKey         string `json:"api_key"`
	APIKeyEnv      string `json:"api_key_env"`
	Model          string `json:"model"`
	MaxTokens      int    `json:"max_tokens"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	DisableLocal   bool   `json:"disable_local"`
}

// Timeout 返回单次解题的超时时间。
func (s SolverConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// SocialConfig 描述发帖通道与节流参数。
type SocialConfig struct {
	Handle  string              `json:"handle"`
	Policy  string              `json:"policy"`
	Primary PrimaryAPIConfig    `json:"primary"`
	Relay   RelayConfig         `json:"relay"`
	Pacing  PacingConfig        `json:"pacing"`
	Health  ChannelHealthConfig `json:"health"`
	// Template 为每轮证明帖的文本模板，支持 {agent_id}、{puzzle_id} 与 {cycle} 占位符。
	Template       string `json:"template"`
	HistorySize    int    `json:"history_size"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// PrimaryAPIConfig 是官方 API 通道所需的 OAuth 1.0a 凭证。
type PrimaryAPIConfig struct {
	Endpoint        string `json:"endpoint"`
	APIKey          string `json:"api_key"`
	APIKeyEnv       string `json:"api_key_env"`
	APISecret       string `json:"api_secret"`
	APISecretEnv    string `json:"api_secret_env"`
	AccessToken     string `json:"access_token"`
	AccessTokenEnv  string `json:"access_token_env"`
	AccessSecret    string `json:"access_secret"`
	AccessSecretEnv string `json:"access_secret_env"`
}

// RelayConfig 是备用通道：由运营方自行部署的发帖中继。
type RelayConfig struct {
	Endpoint string `json:"endpoint"`
	Token    string `json:"token"`
	TokenEnv string `json:"token_env"`
}

// PacingConfig 控制发帖频率上限。
type PacingConfig struct {
	MaxPosts             int `json:"max_posts"`
	WindowSeconds        int `json:"window_seconds"`
	MinSpacingSeconds    int `json:"min_spacing_seconds"`
	RetryBaseSeconds     int `json:"retry_base_seconds"`
	RetryMaxDelaySeconds int `json:"retry_max_delay_seconds"`
}

// ChannelHealthConfig 控制主通道健康度的滑动窗口。
type ChannelHealthConfig struct {
	Window    int `json:"window"`
	Threshold int `json:"threshold"`
}

// AGCConfig 是挖矿平台 HTTP API 的地址。
type AGCConfig struct {
	BaseURL        string `json:"base_url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// MinerConfig 控制编排器的节奏与重试。
type MinerConfig struct {
	CycleIntervalSeconds  int     `json:"cycle_interval_seconds"`
	CycleJitter           float64 `json:"cycle_jitter"`
	RewardIntervalSeconds int     `json:"reward_interval_seconds"`
	MaxAttempts           int     `json:"max_attempts"`
	RetryBaseSeconds      int     `json:"retry_base_seconds"`
	RetryMaxDelaySeconds  int     `json:"retry_max_delay_seconds"`
	MaxRejections         int     `json:"max_rejections"`
	AutoClaim             *bool   `json:"auto_claim"`
}

// StateConfig 指定持久化记录文件的位置。
type StateConfig struct {
	Path       string `json:"path"`
	LegacyPath string `json:"legacy_path"`
}

// DashboardConfig 控制只读状态快照的发布方式。
type DashboardConfig struct {
	Address string      `json:"address"`
	Redis   RedisConfig `json:"redis"`
}

// RedisConfig 描述 Redis 快照发布目标。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Key      string `json:"key"`
	Channel  string `json:"channel"`
	// IntervalSeconds 为快照发布间隔，TTLSeconds 为 0 时快照不过期。
	IntervalSeconds int `json:"interval_seconds"`
	TTLSeconds      int `json:"ttl_seconds"`
}

// NotifyConfig 描述事件通知渠道。
type NotifyConfig struct {
	Webhook  WebhookConfig  `json:"webhook"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// WebhookConfig 是 Telegram 风格的机器人推送。
type WebhookConfig struct {
	URL      string `json:"url"`
	URLEnv   string `json:"url_env"`
	ChatID   string `json:"chat_id"`
	MinLevel string `json:"min_level"`
}

// RabbitMQConfig 描述事件队列。
type RabbitMQConfig struct {
	URL     string `json:"url"`
	URLEnv  string `json:"url_env"`
	Queue   string `json:"queue"`
	Durable bool   `json:"durable"`
}

// JournalConfig 描述每轮结果的审计存储。
type JournalConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
	DSNEnv string `json:"dsn_env"`
	Path   string `json:"path"`
}

// LogConfig 对应 pkg/logger 的配置。
type LogConfig struct {
	Level     string   `json:"level"`
	Format    string   `json:"format"`
	Outputs   []string `json:"outputs"`
	AuditPath string   `json:"audit_path"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Web3.RPCURL == "" && c.Web3.ChainConfig == "" {
		c.Web3.RPCURL = "https://mainnet.base.org"
	}
	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}
	if c.Web3.ChainID == 0 {
		c.Web3.ChainID = 8453
	}
	if c.Web3.TimeoutSeconds <= 0 {
		c.Web3.TimeoutSeconds = 20
	}
	if c.Web3.ReceiptSeconds <= 0 {
		c.Web3.ReceiptSeconds = 120
	}
	if c.Web3.Priority == "" {
		c.Web3.Priority = "normal"
	}

	if c.Contracts.Token == "" {
		c.Contracts.Token = "0x48778537634Fa47Ff9CDBFdcEd92F3B9DB50bd97"
	}
	if c.Contracts.AgentRegistry == "" {
		c.Contracts.AgentRegistry = "0x5A899d52C9450a06808182FdB1D1e4e23AdFe04D"
	}
	if c.Contracts.ProblemManager == "" {
		c.Contracts.ProblemManager = "0x7D563ae2881D2fC72f5f4c66334c079B4Cc051c6"
	}
	if c.Contracts.RewardDistributor == "" {
		c.Contracts.RewardDistributor = "0xD85aCAC804c074d3c57A422d26bAfAF04Ed6b899"
	}

	if c.Solver.Model == "" {
		c.Solver.Model = "gpt-4o-mini"
	}
	if c.Solver.MaxTokens <= 0 {
		c.Solver.MaxTokens = 2048
	}
	if c.Solver.TimeoutSeconds <= 0 {
		c.Solver.TimeoutSeconds = 90
	}

	if c.Social.Policy == "" {
		c.Social.Policy = "best_effort"
	}
	if c.Social.Primary.Endpoint == "" {
		c.Social.Primary.Endpoint = "https://api.twitter.com/2/tweets"
	}
	if c.Social.Pacing.MaxPosts <= 0 {
		c.Social.Pacing.MaxPosts = 10
	}
	if c.Social.Pacing.WindowSeconds <= 0 {
		c.Social.Pacing.WindowSeconds = 3600
	}
	if c.Social.Pacing.MinSpacingSeconds <= 0 {
		c.Social.Pacing.MinSpacingSeconds = 60
	}
	if c.Social.Pacing.RetryBaseSeconds <= 0 {
		c.Social.Pacing.RetryBaseSeconds = 5
	}
	if c.Social.Pacing.RetryMaxDelaySeconds <= 0 {
		c.Social.Pacing.RetryMaxDelaySeconds = 60
	}
	if c.Social.Health.Window <= 0 {
		c.Social.Health.Window = 5
	}
	if c.Social.Health.Threshold <= 0 {
		c.Social.Health.Threshold = c.Social.Health.Window
	}
	if c.Social.HistorySize <= 0 {
		c.Social.HistorySize = 32
	}
	if c.Social.TimeoutSeconds <= 0 {
		c.Social.TimeoutSeconds = 30
	}

	if c.AGC.BaseURL == "" {
		c.AGC.BaseURL = "https://api.agentcoin.site"
	}
	if c.AGC.TimeoutSeconds <= 0 {
		c.AGC.TimeoutSeconds = 15
	}

	if c.Miner.CycleIntervalSeconds <= 0 {
		c.Miner.CycleIntervalSeconds = 30
	}
	if c.Miner.CycleJitter < 0 || c.Miner.CycleJitter >= 1 {
		c.Miner.CycleJitter = 0
	}
	if c.Miner.RewardIntervalSeconds <= 0 {
		c.Miner.RewardIntervalSeconds = 300
	}
	if c.Miner.MaxAttempts <= 0 {
		c.Miner.MaxAttempts = 4
	}
	if c.Miner.RetryBaseSeconds <= 0 {
		c.Miner.RetryBaseSeconds = 2
	}
	if c.Miner.RetryMaxDelaySeconds <= 0 {
		c.Miner.RetryMaxDelaySeconds = 30
	}
	if c.Miner.MaxRejections <= 0 {
		c.Miner.MaxRejections = 3
	}
	if c.Miner.AutoClaim == nil {
		enabled := true
		c.Miner.AutoClaim = &enabled
	}

	if c.State.Path == "" {
		c.State.Path = filepath.Join(baseDir, "data", "agent.state.json")
	} else if !filepath.IsAbs(c.State.Path) {
		c.State.Path = filepath.Join(baseDir, c.State.Path)
	}
	if c.State.LegacyPath != "" && !filepath.IsAbs(c.State.LegacyPath) {
		c.State.LegacyPath = filepath.Join(baseDir, c.State.LegacyPath)
	}

	if c.Dashboard.Redis.Key == "" {
		c.Dashboard.Redis.Key = "agentminer:snapshot"
	}
	if c.Dashboard.Redis.IntervalSeconds <= 0 {
		c.Dashboard.Redis.IntervalSeconds = 15
	}
	if c.Notify.RabbitMQ.Queue == "" {
		c.Notify.RabbitMQ.Queue = "agentminer.events"
	}

	if c.Journal.Driver == "" {
		c.Journal.Driver = "file"
	}
	if c.Journal.Path == "" {
		c.Journal.Path = filepath.Join(baseDir, "data", "cycles.log")
	} else if !filepath.IsAbs(c.Journal.Path) {
		c.Journal.Path = filepath.Join(baseDir, c.Journal.Path)
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.AuditPath != "" && !filepath.IsAbs(c.Log.AuditPath) {
		c.Log.AuditPath = filepath.Join(baseDir, c.Log.AuditPath)
	}
}

// Validate 检查指定运行模式所必需的字段。
func (c *Config) Validate(mode string) error {
	var missing []string
	if strings.TrimSpace(c.Wallet.KeyRef) == "" {
		missing = append(missing, "wallet.key_ref")
	}
	switch mode {
	case "register":
		if strings.TrimSpace(c.Social.Handle) == "" {
			missing = append(missing, "social.handle")
		}
		if !c.Social.Primary.Configured() && strings.TrimSpace(c.Social.Relay.Endpoint) == "" {
			missing = append(missing, "social.primary 凭证或 social.relay.endpoint")
		}
	case "mine":
		if Secret(c.Solver.APIKey, c.Solver.APIKeyEnv) == "" {
			missing = append(missing, "solver.api_key")
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("配置缺失: %s", strings.Join(missing, ", "))
	}
	// 重启后发帖窗口只能从持久化的记录重建，记录容量小于上限会少算已发条数。
	if c.Social.HistorySize < c.Social.Pacing.MaxPosts {
		return fmt.Errorf("social.history_size (%d) 不能小于 social.pacing.max_posts (%d)",
			c.Social.HistorySize, c.Social.Pacing.MaxPosts)
	}
	return nil
}

// Configured 判断官方 API 通道的四个凭证是否齐全。
func (p PrimaryAPIConfig) Configured() bool {
	return Secret(p.APIKey, p.APIKeyEnv) != "" &&
		Secret(p.APISecret, p.APISecretEnv) != "" &&
		Secret(p.AccessToken, p.AccessTokenEnv) != "" &&
		Secret(p.AccessSecret, p.AccessSecretEnv) != ""
}

// Secret 优先使用显式值，否则从环境变量读取。
func Secret(value, env string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	if env = strings.TrimSpace(env); env != "" {
		return strings.TrimSpace(os.Getenv(env))
	}
	return ""
}

// Seconds 把配置中的秒数转换为 time.Duration。
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
