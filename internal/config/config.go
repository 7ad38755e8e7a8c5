package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server    ServerConfig
	AI        AIConfig
	Speech    SpeechConfig
	History   HistoryConfig
	Router    RouterConfig
	Prompts   PromptsConfig
	Transport TransportConfig
	Schedule  ScheduleConfig
	Log       LogConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	speech, err := loadSpeechConfig()
	if err != nil {
		return nil, err
	}

	history, err := loadHistoryConfig()
	if err != nil {
		return nil, err
	}

	router, err := loadRouterConfig()
	if err != nil {
		return nil, err
	}

	transport, err := loadTransportConfig()
	if err != nil {
		return nil, err
	}

	schedule, err := loadScheduleConfig()
	if err != nil {
		return nil, err
	}

	prompts, err := loadPromptsConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:    server,
		AI:        ai,
		Speech:    speech,
		History:   history,
		Router:    router,
		Prompts:   prompts,
		Transport: transport,
		Schedule:  schedule,
		Log:       loadLogConfig(),
	}, nil
}

// Validate 检查运行网关必须的配置，缺失即启动失败。
func (c *Config) Validate() error {
	var errs []error
	if !c.AI.Enabled() {
		errs = append(errs, errors.New("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + ARK_MODEL 或 AK/SK 组合"))
	}
	if c.Transport.URL == "" {
		errs = append(errs, errors.New("BRIDGE_URL is required"))
	}
	if c.Router.Debounce <= 0 {
		errs = append(errs, fmt.Errorf("DEBOUNCE_SECONDS must be positive, got %s", c.Router.Debounce))
	}
	return errors.Join(errs...)
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr    string
	Enabled bool
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	enabled, err := parseBoolEnv("HTTP_ENABLED", true)
	if err != nil {
		return ServerConfig{}, err
	}

	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port, Enabled: enabled}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port, Enabled: enabled}, nil
}

// AIConfig 描述大模型相关配置。
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
	Timeout     time.Duration
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

	timeout, err := parseSecondsEnv("AI_TIMEOUT_SECONDS", 60*time.Second)
	if err != nil {
		return AIConfig{}, err
	}

	modelName := getEnvOrDefault("ARK_MODEL", strings.TrimSpace(os.Getenv("Model")))

	return AIConfig{
		APIKey:      strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:   strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:   strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:       modelName,
		BaseURL:     getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:      getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature: temperature,
		TopP:        topP,
		MaxTokens:   maxTokens,
		Timeout:     timeout,
	}, nil
}

// SpeechConfig 描述语音识别配置。
type SpeechConfig struct {
	AppID       string
	AccessToken string
	Endpoint    string
	ResourceID  string
	Language    string
	MaxSeconds  float64
	Timeout     int // seconds
	Enabled     bool
}

func loadSpeechConfig() (SpeechConfig, error) {
	timeout, err := parseOptionalIntEnv("SPEECH_TIMEOUT")
	if err != nil {
		return SpeechConfig{}, err
	}
	timeoutSeconds := 30 // 默认30秒
	if timeout != nil {
		timeoutSeconds = *timeout
	}

	maxSeconds, err := parseOptionalFloatEnv("STT_MAX_SECONDS")
	if err != nil {
		return SpeechConfig{}, err
	}
	limit := 60.0
	if maxSeconds != nil {
		limit = *maxSeconds
	}

	appID := strings.TrimSpace(os.Getenv("SPEECH_APP_ID"))
	accessToken := strings.TrimSpace(os.Getenv("SPEECH_ACCESS_TOKEN"))
	if accessToken == "" {
		accessToken = strings.TrimSpace(os.Getenv("SPEECH_API_KEY"))
	}

	enabled, err := parseBoolEnv("STT_ENABLED", appID != "" && accessToken != "")
	if err != nil {
		return SpeechConfig{}, err
	}
	if enabled && (appID == "" || accessToken == "") {
		return SpeechConfig{}, fmt.Errorf("STT_ENABLED requires SPEECH_APP_ID and SPEECH_ACCESS_TOKEN")
	}

	return SpeechConfig{
		AppID:       appID,
		AccessToken: accessToken,
		Endpoint:    getEnvOrDefault("SPEECH_ASR_ENDPOINT", ""),
		ResourceID:  getEnvOrDefault("SPEECH_ASR_RESOURCE_ID", ""),
		Language:    getEnvOrDefault("SPEECH_ASR_LANGUAGE", "zh-CN"),
		MaxSeconds:  limit,
		Timeout:     timeoutSeconds,
		Enabled:     enabled,
	}, nil
}

// HistoryConfig 描述对话分块存储。
type HistoryConfig struct {
	Dir                 string
	MaxMessagesPerChunk int
	ContextChunks       int
}

func loadHistoryConfig() (HistoryConfig, error) {
	perChunk, err := parsePositiveIntEnv("HISTORY_MAX_MESSAGES_PER_CHUNK", 20)
	if err != nil {
		return HistoryConfig{}, err
	}
	contextChunks, err := parsePositiveIntEnv("HISTORY_CONTEXT_CHUNKS", 5)
	if err != nil {
		return HistoryConfig{}, err
	}
	return HistoryConfig{
		Dir:                 filepath.Clean(getEnvOrDefault("HISTORY_DIR", filepath.Join("data", "history"))),
		MaxMessagesPerChunk: perChunk,
		ContextChunks:       contextChunks,
	}, nil
}

// RouterConfig 描述防抖与动作执行参数。
type RouterConfig struct {
	Debounce             time.Duration
	DefaultHuman         time.Duration
	CycleTimeout         time.Duration
	IncludeActionsPrompt bool
	IncludeProfilePrompt bool
}

func loadRouterConfig() (RouterConfig, error) {
	debounce, err := parseSecondsEnv("DEBOUNCE_SECONDS", 2*time.Second)
	if err != nil {
		return RouterConfig{}, err
	}
	typing, err := parseSecondsEnv("TYPING_SECONDS_DEFAULT", 5*time.Second)
	if err != nil {
		return RouterConfig{}, err
	}
	cycleTimeout, err := parseSecondsEnv("CYCLE_TIMEOUT_SECONDS", 5*time.Minute)
	if err != nil {
		return RouterConfig{}, err
	}
	includeActions, err := parseBoolEnv("INCLUDE_ACTIONS_PROMPT", true)
	if err != nil {
		return RouterConfig{}, err
	}
	includeProfile, err := parseBoolEnv("INCLUDE_PROFILE_PROMPT", true)
	if err != nil {
		return RouterConfig{}, err
	}
	return RouterConfig{
		Debounce:             debounce,
		DefaultHuman:         typing,
		CycleTimeout:         cycleTimeout,
		IncludeActionsPrompt: includeActions,
		IncludeProfilePrompt: includeProfile,
	}, nil
}

// PromptsConfig 描述系统提示词文件位置。
type PromptsConfig struct {
	Dir         string
	SystemName  string
	ActionsName string
	Watch       bool
}

func loadPromptsConfig() (PromptsConfig, error) {
	watch, err := parseBoolEnv("PROMPTS_WATCH", true)
	if err != nil {
		return PromptsConfig{}, err
	}
	return PromptsConfig{
		Dir:         getEnvOrDefault("SYSTEM_PROMPTS_DIR", "prompts"),
		SystemName:  getEnvOrDefault("SYSTEM_PROMPT_NAME", "default"),
		ActionsName: getEnvOrDefault("ACTIONS_PROMPT_NAME", "actions"),
		Watch:       watch,
	}, nil
}

// TransportConfig 描述消息桥接进程的连接方式。
type TransportConfig struct {
	URL           string
	Token         string
	SendRate      float64
	SendBurst     int
	TypingRefresh time.Duration
}

func loadTransportConfig() (TransportConfig, error) {
	sendRate, err := parseOptionalFloatEnv("BRIDGE_SEND_RATE")
	if err != nil {
		return TransportConfig{}, err
	}
	rate := 1.0
	if sendRate != nil {
		rate = *sendRate
	}
	burst, err := parsePositiveIntEnv("BRIDGE_SEND_BURST", 3)
	if err != nil {
		return TransportConfig{}, err
	}
	refresh, err := parseSecondsEnv("BRIDGE_TYPING_REFRESH_SECONDS", 4*time.Second)
	if err != nil {
		return TransportConfig{}, err
	}
	return TransportConfig{
		URL:           strings.TrimSpace(os.Getenv("BRIDGE_URL")),
		Token:         strings.TrimSpace(os.Getenv("BRIDGE_TOKEN")),
		SendRate:      rate,
		SendBurst:     burst,
		TypingRefresh: refresh,
	}, nil
}

// ScheduleConfig 描述定时主动消息。
type ScheduleConfig struct {
	Cron        string
	Targets     []int64
	Instruction string
}

func loadScheduleConfig() (ScheduleConfig, error) {
	var targets []int64
	for _, raw := range strings.Split(os.Getenv("PROACTIVE_TARGETS"), ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return ScheduleConfig{}, fmt.Errorf("invalid PROACTIVE_TARGETS entry %q: %w", raw, err)
		}
		targets = append(targets, id)
	}
	return ScheduleConfig{
		Cron:        strings.TrimSpace(os.Getenv("PROACTIVE_CRON")),
		Targets:     targets,
		Instruction: strings.TrimSpace(os.Getenv("PROACTIVE_INSTRUCTION")),
	}, nil
}

// LogConfig 描述日志输出。
type LogConfig struct {
	Level  string
	Format string
}

func loadLogConfig() LogConfig {
	return LogConfig{
		Level:  strings.ToLower(getEnvOrDefault("LOG_LEVEL", "info")),
		Format: strings.ToLower(getEnvOrDefault("LOG_FORMAT", "json")),
	}
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

// parseSecondsEnv 读取以秒为单位（可带小数）的时长。
func parseSecondsEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	val, err := parseOptionalFloatEnv(key)
	if err != nil {
		return 0, err
	}
	if val == nil {
		return defaultValue, nil
	}
	if *val < 0 {
		return 0, fmt.Errorf("invalid %s value %v: must not be negative", key, *val)
	}
	return time.Duration(*val * float64(time.Second)), nil
}

func parsePositiveIntEnv(key string, defaultValue int) (int, error) {
	val, err := parseOptionalIntEnv(key)
	if err != nil {
		return 0, err
	}
	if val == nil {
		return defaultValue, nil
	}
	if *val < 1 {
		return 0, fmt.Errorf("invalid %s value %d: must be positive", key, *val)
	}
	return *val, nil
}
