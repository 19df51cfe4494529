package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server   ServerConfig
	Store    StoreConfig
	Upstream UpstreamConfig
	AI       AIConfig
	Relay    RelayConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	store, err := loadStoreConfig()
	if err != nil {
		return nil, err
	}

	upstream, err := loadUpstreamConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	relay, err := loadRelayConfig()
	if err != nil {
		return nil, err
	}

	if upstream.Provider == ProviderArk && !ai.Enabled() {
		return nil, fmt.Errorf("UPSTREAM_PROVIDER=ark requires Model and ARK_API_KEY (or ARK_ACCESS_KEY + ARK_SECRET_KEY)")
	}

	return &Config{Server: server, Store: store, Upstream: upstream, AI: ai, Relay: relay}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "3001"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":3001" 或 "127.0.0.1:3001"。
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// Store drivers.
const (
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// StoreConfig 描述持久化配置。
type StoreConfig struct {
	Driver string
	Path   string
}

func loadStoreConfig() (StoreConfig, error) {
	driver := strings.ToLower(getEnvOrDefault("STORE_DRIVER", DriverSQLite))
	switch driver {
	case DriverSQLite, DriverMemory:
	default:
		return StoreConfig{}, fmt.Errorf("invalid STORE_DRIVER value: %q", driver)
	}

	return StoreConfig{
		Driver: driver,
		Path:   getEnvOrDefault("DATABASE_PATH", "relaychat.db"),
	}, nil
}

// Upstream providers.
const (
	ProviderOllama = "ollama"
	ProviderArk    = "ark"
)

// UpstreamConfig 描述生成服务配置。
type UpstreamConfig struct {
	Provider      string
	Endpoint      string
	Model         string
	AcceptTimeout time.Duration
}

func loadUpstreamConfig() (UpstreamConfig, error) {
	provider := strings.ToLower(getEnvOrDefault("UPSTREAM_PROVIDER", ProviderOllama))
	switch provider {
	case ProviderOllama, ProviderArk:
	default:
		return UpstreamConfig{}, fmt.Errorf("invalid UPSTREAM_PROVIDER value: %q", provider)
	}

	acceptTimeout, err := parseDurationEnv("UPSTREAM_ACCEPT_TIMEOUT", 60*time.Second)
	if err != nil {
		return UpstreamConfig{}, err
	}

	return UpstreamConfig{
		Provider:      provider,
		Endpoint:      strings.TrimRight(getEnvOrDefault("OLLAMA_ENDPOINT", "http://localhost:11434"), "/"),
		Model:         getEnvOrDefault("OLLAMA_MODEL", "gemma3:1b"),
		AcceptTimeout: acceptTimeout,
	}, nil
}

// RelayConfig 描述流式转发相关配置。
type RelayConfig struct {
	TurnTimeout        time.Duration
	RateLimitPerMinute int
	RateLimitBurst     int
	MetricsEnabled     bool
	AllowedOrigin      string
}

func loadRelayConfig() (RelayConfig, error) {
	turnTimeout, err := parseDurationEnv("RELAY_TURN_TIMEOUT", 5*time.Minute)
	if err != nil {
		return RelayConfig{}, err
	}

	perMinute := 30
	if override, err := parseOptionalIntEnv("RATE_LIMIT_PER_MINUTE"); err != nil {
		return RelayConfig{}, err
	} else if override != nil {
		perMinute = *override
	}

	burst := 5
	if override, err := parseOptionalIntEnv("RATE_LIMIT_BURST"); err != nil {
		return RelayConfig{}, err
	} else if override != nil && *override > 0 {
		burst = *override
	}

	metrics, err := parseBoolEnv("METRICS_ENABLED", true)
	if err != nil {
		return RelayConfig{}, err
	}

	return RelayConfig{
		TurnTimeout:        turnTimeout,
		RateLimitPerMinute: perMinute,
		RateLimitBurst:     burst,
		MetricsEnabled:     metrics,
		AllowedOrigin:      getEnvOrDefault("CORS_ALLOWED_ORIGIN", "*"),
	}, nil
}

// AIConfig 描述 Ark 大模型相关配置。
type AIConfig struct {
	APIKey      string
	AccessKey   string
	SecretKey   string
	Model       string
	BaseURL     string
	Region      string
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + Model 或 AK/SK 组合")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	return AIConfig{
		APIKey:      strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:   strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:   strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:       strings.TrimSpace(os.Getenv("Model")),
		BaseURL:     getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:      getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature: temperature,
		TopP:        topP,
		MaxTokens:   maxTokens,
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

// parseDurationEnv 接受 Go duration（"90s"）或整数秒；"0" 表示不限制。
func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	if seconds, err := strconv.Atoi(raw); err == nil {
		if seconds < 0 {
			return 0, fmt.Errorf("invalid %s value %q: must not be negative", key, raw)
		}
		return time.Duration(seconds) * time.Second, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("invalid %s value %q: must not be negative", key, raw)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
