package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 描述了编排服务在启动阶段需要加载的全部配置。
type Config struct {
	Server        ServerConfig        `json:"server" yaml:"server"`
	Logging       LoggingConfig       `json:"logging" yaml:"logging"`
	LLM           LLMConfig           `json:"llm" yaml:"llm"`
	Agents        []AgentConfig       `json:"agents" yaml:"agents"`
	Orchestration OrchestrationConfig `json:"orchestration" yaml:"orchestration"`
	Storage       StorageConfig       `json:"storage" yaml:"storage"`
	TaskQueue     TaskQueueConfig     `json:"task_queue" yaml:"task_queue"`
	Events        EventsConfig        `json:"events" yaml:"events"`
	Knowledge     KnowledgeConfig     `json:"knowledge" yaml:"knowledge"`
	Alerting      AlertingConfig      `json:"alerting" yaml:"alerting"`
	Runtime       RuntimeConfig       `json:"runtime" yaml:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address             string   `json:"address" yaml:"address"`
	MetricsAddress      string   `json:"metrics_address" yaml:"metrics_address"`
	ShutdownTimeoutSecs int      `json:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds"`
	Samples             []string `json:"samples" yaml:"samples"`
}

// ShutdownTimeout 返回优雅关闭的等待时间。
func (c ServerConfig) ShutdownTimeout() time.Duration {
	return seconds(c.ShutdownTimeoutSecs, 5)
}

// LoggingConfig 对应 pkg/logger 的初始化参数。
type LoggingConfig struct {
	Level   string      `json:"level" yaml:"level"`
	Format  string      `json:"format" yaml:"format"`
	Outputs []string    `json:"outputs" yaml:"outputs"`
	NoColor bool        `json:"no_color" yaml:"no_color"`
	Audit   AuditConfig `json:"audit" yaml:"audit"`
}

// AuditConfig 控制审计日志的滚动策略。
type AuditConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Path       string `json:"path" yaml:"path"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `json:"compress" yaml:"compress"`
}

// LLMConfig 用于配置推理服务的调用方式。
type LLMConfig struct {
	Provider  string             `json:"provider" yaml:"provider"`
	MaxTokens int                `json:"max_tokens" yaml:"max_tokens"`
	OpenAI    OpenAIConfig       `json:"openai" yaml:"openai"`
	Anthropic AnthropicConfig    `json:"anthropic" yaml:"anthropic"`
	Python    PythonBridgeConfig `json:"python_bridge" yaml:"python_bridge"`
}

// OpenAIConfig 同时覆盖 OpenAI 与 OpenRouter 这类兼容接口。
type OpenAIConfig struct {
	APIKey         string `json:"api_key" yaml:"api_key"`
	APIKeyEnv      string `json:"api_key_env" yaml:"api_key_env"`
	BaseURL        string `json:"base_url" yaml:"base_url"`
	Model          string `json:"model" yaml:"model"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// Timeout 返回请求超时时间。
func (c OpenAIConfig) Timeout() time.Duration {
	return seconds(c.TimeoutSeconds, 60)
}

// AnthropicConfig 描述 Messages API 的访问参数。
type AnthropicConfig struct {
	APIKey         string `json:"api_key" yaml:"api_key"`
	APIKeyEnv      string `json:"api_key_env" yaml:"api_key_env"`
	BaseURL        string `json:"base_url" yaml:"base_url"`
	Model          string `json:"model" yaml:"model"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// Timeout 返回请求超时时间。
func (c AnthropicConfig) Timeout() time.Duration {
	return seconds(c.TimeoutSeconds, 60)
}

// PythonBridgeConfig 描述通过本地脚本完成推理时所需的信息。
type PythonBridgeConfig struct {
	PythonExecutable string `json:"python_executable" yaml:"python_executable"`
	ScriptPath       string `json:"script_path" yaml:"script_path"`
	WorkingDir       string `json:"working_dir" yaml:"working_dir"`
	TimeoutSeconds   int    `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// Timeout 返回单次脚本调用的超时时间。
func (c PythonBridgeConfig) Timeout() time.Duration {
	return seconds(c.TimeoutSeconds, 120)
}

// AgentConfig 描述一个外部工具代理的连接方式。
type AgentConfig struct {
	Name           string            `json:"name" yaml:"name"`
	Transport      string            `json:"transport" yaml:"transport"`
	Command        string            `json:"command" yaml:"command"`
	Args           []string          `json:"args" yaml:"args"`
	Env            map[string]string `json:"env" yaml:"env"`
	WorkingDir     string            `json:"working_dir" yaml:"working_dir"`
	URL            string            `json:"url" yaml:"url"`
	Headers        map[string]string `json:"headers" yaml:"headers"`
	TimeoutSeconds int               `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// Timeout 返回单次工具调用的超时时间。
func (c AgentConfig) Timeout() time.Duration {
	return seconds(c.TimeoutSeconds, 30)
}

// OrchestrationConfig 控制编排循环的各项上限。
type OrchestrationConfig struct {
	MaxRetries   int `json:"max_retries" yaml:"max_retries"`
	MaxDecisions int `json:"max_decisions" yaml:"max_decisions"`
	HistoryDepth int `json:"history_depth" yaml:"history_depth"`
}

// StorageConfig 统一描述聊天记录与异步任务的存储后端。
type StorageConfig struct {
	ChatStore ChatStoreConfig `json:"chat_store" yaml:"chat_store"`
	TaskStore TaskStoreConfig `json:"task_store" yaml:"task_store"`
}

// ChatStoreConfig 选择聊天记录的存储驱动。
type ChatStoreConfig struct {
	Driver   string      `json:"driver" yaml:"driver"`
	Database MySQLConfig `json:"mysql" yaml:"mysql"`
}

// TaskStoreConfig 选择异步任务状态的存储驱动。
type TaskStoreConfig struct {
	Driver   string      `json:"driver" yaml:"driver"`
	Retries  int         `json:"retries" yaml:"retries"`
	Database MySQLConfig `json:"mysql" yaml:"mysql"`
}

// MySQLConfig 描述 MySQL 连接池参数。
type MySQLConfig struct {
	DSN                    string `json:"dsn" yaml:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds" yaml:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds" yaml:"conn_max_idle_time_seconds"`
}

// TaskQueueConfig 描述异步任务队列。
type TaskQueueConfig struct {
	Driver   string         `json:"driver" yaml:"driver"`
	Worker   int            `json:"worker" yaml:"worker"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// RedisConfig 描述 Redis 连接参数。
type RedisConfig struct {
	Address          string `json:"address" yaml:"address"`
	Password         string `json:"password" yaml:"password"`
	DB               int    `json:"db" yaml:"db"`
	Queue            string `json:"queue" yaml:"queue"`
	Prefix           string `json:"prefix" yaml:"prefix"`
	BlockWaitSeconds int    `json:"block_wait_seconds" yaml:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url" yaml:"url"`
	Queue      string `json:"queue" yaml:"queue"`
	Prefetch   int    `json:"prefetch" yaml:"prefetch"`
	Durable    bool   `json:"durable" yaml:"durable"`
	AutoDelete bool   `json:"auto_delete" yaml:"auto_delete"`
}

// EventsConfig 控制生命周期事件的分发方式。
type EventsConfig struct {
	Driver           string      `json:"driver" yaml:"driver"`
	KeepaliveSeconds int         `json:"keepalive_seconds" yaml:"keepalive_seconds"`
	Redis            RedisConfig `json:"redis" yaml:"redis"`
}

// Keepalive 返回流式订阅的心跳间隔。
func (c EventsConfig) Keepalive() time.Duration {
	return seconds(c.KeepaliveSeconds, 30)
}

// KnowledgeConfig 指定附加上下文的知识库文件。
type KnowledgeConfig struct {
	Source     string `json:"source" yaml:"source"`
	MaxResults int    `json:"max_results" yaml:"max_results"`
}

// AlertingConfig 配置告警 webhook。
type AlertingConfig struct {
	SlackWebhook    string `json:"slack_webhook" yaml:"slack_webhook"`
	SlackChannel    string `json:"slack_channel" yaml:"slack_channel"`
	DingTalkWebhook string      `json:"dingtalk_webhook" yaml:"dingtalk_webhook"`
	Email           EmailConfig `json:"email" yaml:"email"`
	// MinSeverity 取 info/warning/critical，低于该级别的事件不发送。
	MinSeverity  string `json:"min_severity" yaml:"min_severity"`
	DedupSeconds int    `json:"dedup_seconds" yaml:"dedup_seconds"`
}

// EmailConfig 描述 SMTP 告警通道。
type EmailConfig struct {
	SMTPAddr      string   `json:"smtp_addr" yaml:"smtp_addr"`
	Username      string   `json:"username" yaml:"username"`
	Password      string   `json:"password" yaml:"password"`
	From          string   `json:"from" yaml:"from"`
	To            []string `json:"to" yaml:"to"`
	SubjectPrefix string   `json:"subject_prefix" yaml:"subject_prefix"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir" yaml:"data_dir"`
}

// Load 负责解析指定路径的配置文件，.yaml/.yml 走 YAML，其余按 JSON 解析。
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, &cfg)
	default:
		err = json.Unmarshal(content, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回不依赖配置文件的默认配置。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults(".")
	return cfg
}

// Validate 检查互相依赖的字段。
func (c *Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Agents))
	for i, agent := range c.Agents {
		if strings.TrimSpace(agent.Name) == "" {
			return fmt.Errorf("agents[%d] 缺少 name", i)
		}
		if _, ok := seen[agent.Name]; ok {
			return fmt.Errorf("agent %s 重复定义", agent.Name)
		}
		seen[agent.Name] = struct{}{}
		switch agent.Transport {
		case "stdio":
			if agent.Command == "" {
				return fmt.Errorf("agent %s 使用 stdio 传输但未配置 command", agent.Name)
			}
		case "http":
			if agent.URL == "" {
				return fmt.Errorf("agent %s 使用 http 传输但未配置 url", agent.Name)
			}
		default:
			return fmt.Errorf("agent %s 的传输方式 %q 不受支持", agent.Name, agent.Transport)
		}
	}
	if c.Storage.ChatStore.Driver == "mysql" && c.Storage.ChatStore.Database.DSN == "" {
		return errors.New("chat_store 使用 mysql 时必须配置 dsn")
	}
	if c.Storage.TaskStore.Driver == "mysql" && c.Storage.TaskStore.Database.DSN == "" {
		return errors.New("task_store 使用 mysql 时必须配置 dsn")
	}
	if c.Events.Driver == "redis" && c.Events.Redis.Address == "" {
		return errors.New("events 使用 redis 时必须配置 address")
	}
	switch c.TaskQueue.Driver {
	case "", "memory":
	case "redis":
		if c.TaskQueue.Redis.Address == "" {
			return errors.New("task_queue 使用 redis 时必须配置 address")
		}
	case "rabbitmq":
		if c.TaskQueue.RabbitMQ.URL == "" {
			return errors.New("task_queue 使用 rabbitmq 时必须配置 url")
		}
	default:
		return fmt.Errorf("未知的队列驱动: %s", c.TaskQueue.Driver)
	}
	if c.Alerting.Email.SMTPAddr != "" && (c.Alerting.Email.From == "" || len(c.Alerting.Email.To) == 0) {
		return errors.New("alerting.email 需要同时配置 from 与 to")
	}
	switch c.Alerting.MinSeverity {
	case "", "info", "warning", "critical":
	default:
		return fmt.Errorf("未知的告警级别: %s", c.Alerting.MinSeverity)
	}
	if c.Alerting.DedupSeconds < 0 {
		return errors.New("alerting.dedup_seconds 不能为负数")
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownTimeoutSecs <= 0 {
		c.Server.ShutdownTimeoutSecs = 5
	}
	if len(c.Server.Samples) == 0 {
		c.Server.Samples = []string{
			"List the tools you can use",
			"Add 2 and 3, then multiply the result by 4",
			"Send the weekly report summary to my manager",
		}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.MaxTokens <= 0 {
		c.LLM.MaxTokens = 4096
	}
	if c.LLM.OpenAI.APIKeyEnv == "" {
		c.LLM.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.LLM.Anthropic.APIKeyEnv == "" {
		c.LLM.Anthropic.APIKeyEnv = "ANTHROPIC_API_KEY"
	}
	if c.LLM.Python.PythonExecutable == "" {
		c.LLM.Python.PythonExecutable = "python3"
	}
	c.LLM.Python.WorkingDir = resolveDir(baseDir, c.LLM.Python.WorkingDir)

	for i := range c.Agents {
		if c.Agents[i].Transport == "" {
			if c.Agents[i].URL != "" {
				c.Agents[i].Transport = "http"
			} else {
				c.Agents[i].Transport = "stdio"
			}
		}
		if c.Agents[i].Transport == "stdio" {
			c.Agents[i].WorkingDir = resolveDir(baseDir, c.Agents[i].WorkingDir)
		}
	}

	if c.Orchestration.MaxRetries <= 0 {
		c.Orchestration.MaxRetries = 3
	}
	if c.Orchestration.MaxDecisions <= 0 {
		c.Orchestration.MaxDecisions = 10
	}
	if c.Orchestration.HistoryDepth <= 0 {
		c.Orchestration.HistoryDepth = 10
	}

	if c.Storage.ChatStore.Driver == "" {
		c.Storage.ChatStore.Driver = "memory"
	}
	if c.Storage.TaskStore.Driver == "" {
		c.Storage.TaskStore.Driver = "memory"
	}
	if c.Storage.TaskStore.Retries <= 0 {
		c.Storage.TaskStore.Retries = 3
	}

	if c.TaskQueue.Driver == "" {
		c.TaskQueue.Driver = "memory"
	}
	if c.TaskQueue.Worker <= 0 {
		c.TaskQueue.Worker = 4
	}

	if c.Events.Driver == "" {
		c.Events.Driver = "memory"
	}
	if c.Events.Redis.Prefix == "" {
		c.Events.Redis.Prefix = "openmcp:events"
	}

	if c.Knowledge.Source != "" && !filepath.IsAbs(c.Knowledge.Source) {
		c.Knowledge.Source = filepath.Join(baseDir, c.Knowledge.Source)
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}

// applyEnv 允许通过环境变量注入密钥类配置。
func (c *Config) applyEnv() {
	if c.LLM.OpenAI.APIKey == "" {
		c.LLM.OpenAI.APIKey = strings.TrimSpace(os.Getenv(c.LLM.OpenAI.APIKeyEnv))
	}
	if c.LLM.Anthropic.APIKey == "" {
		c.LLM.Anthropic.APIKey = strings.TrimSpace(os.Getenv(c.LLM.Anthropic.APIKeyEnv))
	}
	if c.Alerting.Email.Password == "" {
		c.Alerting.Email.Password = strings.TrimSpace(os.Getenv("OPENMCP_SMTP_PASSWORD"))
	}
	if dsn := strings.TrimSpace(os.Getenv("OPENMCP_MYSQL_DSN")); dsn != "" {
		if c.Storage.ChatStore.Database.DSN == "" {
			c.Storage.ChatStore.Database.DSN = dsn
		}
		if c.Storage.TaskStore.Database.DSN == "" {
			c.Storage.TaskStore.Database.DSN = dsn
		}
	}
}

func resolveDir(baseDir, dir string) string {
	if dir == "" {
		return baseDir
	}
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(baseDir, dir)
}

func seconds(value, fallback int) time.Duration {
	if value <= 0 {
		value = fallback
	}
	return time.Duration(value) * time.Second
}
