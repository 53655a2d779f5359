// Package app 组装编排服务的全部依赖，并负责它们的启动与释放。
package app

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"OpenMCP-Orchestrator/internal/config"
	"OpenMCP-Orchestrator/internal/dispatcher"
	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/events"
	"OpenMCP-Orchestrator/internal/knowledge"
	"OpenMCP-Orchestrator/internal/ledger"
	"OpenMCP-Orchestrator/internal/llm"
	"OpenMCP-Orchestrator/internal/llm/anthropic"
	"OpenMCP-Orchestrator/internal/llm/openai"
	"OpenMCP-Orchestrator/internal/llm/pythonbridge"
	"OpenMCP-Orchestrator/internal/mcp"
	"OpenMCP-Orchestrator/internal/observability/alerting"
	"OpenMCP-Orchestrator/internal/observability/metrics"
	"OpenMCP-Orchestrator/internal/orchestrator"
	"OpenMCP-Orchestrator/internal/planner"
	storagemysql "OpenMCP-Orchestrator/internal/storage/mysql"
	"OpenMCP-Orchestrator/internal/task"
	"OpenMCP-Orchestrator/pkg/logger"
)

// App 是进程级的依赖容器，替代包级全局变量。
type App struct {
	Config       *config.Config
	Registry     *prometheus.Registry
	Metrics      *metrics.Recorder
	Catalog      *mcp.Catalog
	Tools        *mcp.Executor
	Ledger       *ledger.Ledger
	Bus          orchestrator.Bus
	Orchestrator *orchestrator.Orchestrator
	Tasks        *task.Service
	Processor    *task.Processor
	Alerts       *alerting.FanoutDispatcher

	relay   *events.RedisRelay
	closers []func() error
	log     *slog.Logger
	once    sync.Once
}

// Option 自定义 App 的构造过程，主要用于替换外部协作方。
type Option func(*options)

type options struct {
	llm      llm.Client
	agents   []mcp.Agent
	registry *prometheus.Registry
}

// WithLLMClient 使用给定的推理客户端，而不是按配置创建。
func WithLLMClient(c llm.Client) Option {
	return func(o *options) {
		if c != nil {
			o.llm = c
		}
	}
}

// WithAgents 使用给定的工具代理，而不是按配置创建。
func WithAgents(agents ...mcp.Agent) Option {
	return func(o *options) {
		if len(agents) > 0 {
			o.agents = agents
		}
	}
}

// WithRegistry 指定指标注册表。
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) {
		if reg != nil {
			o.registry = reg
		}
	}
}

// New 根据配置构造全部组件。任一步骤失败都会释放已创建的资源。
func New(ctx context.Context, cfg *config.Config, opts ...Option) (_ *App, err error) {
	if cfg == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "配置不能为空")
	}
	o := options{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	a := &App{Config: cfg, log: logger.Named("app")}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if err = a.initMetrics(o.registry); err != nil {
		return nil, err
	}
	client := o.llm
	if client == nil {
		if client, err = newLLMClient(cfg.LLM); err != nil {
			return nil, err
		}
	}
	client = metrics.InstrumentLLM(providerLabel(cfg.LLM.Provider, o.llm != nil), client, a.Metrics)

	agents := o.agents
	if agents == nil {
		if agents, err = newAgents(cfg.Agents); err != nil {
			return nil, err
		}
	}
	a.Catalog = mcp.DiscoverCatalog(ctx, agents)
	a.closers = append(a.closers, a.Catalog.Close)
	a.Tools = mcp.NewExecutor(a.Catalog)

	if err = a.initLedger(ctx); err != nil {
		return nil, err
	}
	if err = a.initBus(ctx); err != nil {
		return nil, err
	}
	a.initAlerts()

	publisher := metrics.NewTap(a.Bus, a.Metrics)
	synth := planner.New(client, a.Tools, a.Ledger,
		planner.WithMaxRetries(cfg.Orchestration.MaxRetries),
		planner.WithMaxDecisions(cfg.Orchestration.MaxDecisions),
		planner.WithMaxTokens(cfg.LLM.MaxTokens),
		planner.WithPublisher(publisher),
	)
	disp := dispatcher.New(a.Tools, a.Ledger, dispatcher.WithPublisher(publisher))

	orchOpts := []orchestrator.Option{
		orchestrator.WithPublisher(publisher),
		orchestrator.WithMetrics(a.Metrics),
		orchestrator.WithHistoryDepth(cfg.Orchestration.HistoryDepth),
		orchestrator.WithKeepalive(cfg.Events.Keepalive()),
	}
	if a.Alerts.Len() > 0 {
		orchOpts = append(orchOpts, orchestrator.WithAlerts(a.Alerts))
	}
	if cfg.Knowledge.Source != "" {
		provider, loadErr := knowledge.LoadStaticProvider(cfg.Knowledge.Source, cfg.Knowledge.MaxResults)
		if loadErr != nil {
			return nil, loadErr
		}
		orchOpts = append(orchOpts, orchestrator.WithKnowledge(provider))
	}
	a.Orchestrator = orchestrator.New(synth, disp, a.Ledger, a.Bus, orchOpts...)

	if err = a.initTasks(ctx); err != nil {
		return nil, err
	}

	a.log.Info("应用初始化完成",
		slog.String("llm_provider", cfg.LLM.Provider),
		slog.Int("tools", len(a.Tools.Tools())),
		slog.String("chat_store", cfg.Storage.ChatStore.Driver),
		slog.String("task_queue", cfg.TaskQueue.Driver),
		slog.String("events", cfg.Events.Driver),
	)
	return a, nil
}

func (a *App) initMetrics(reg *prometheus.Registry) error {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	rec, err := metrics.NewRecorder(reg)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "初始化指标失败")
	}
	a.Registry = reg
	a.Metrics = rec
	return nil
}

func (a *App) initLedger(ctx context.Context) error {
	var opts []ledger.Option
	switch a.Config.Storage.ChatStore.Driver {
	case "", "memory":
	case "mysql":
		repo, err := storagemysql.NewChatRepository(ctx, mysqlPool(a.Config.Storage.ChatStore.Database))
		if err != nil {
			return err
		}
		a.closers = append(a.closers, repo.Close)
		opts = append(opts, ledger.WithChatStore(repo))
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的会话存储驱动: %s", a.Config.Storage.ChatStore.Driver))
	}
	a.Ledger = ledger.New(opts...)
	return nil
}

func (a *App) initBus(ctx context.Context) error {
	local := events.NewBus()
	switch a.Config.Events.Driver {
	case "", "memory":
		a.Bus = local
	case "redis":
		rc := a.Config.Events.Redis
		relay, err := events.NewRedisRelay(ctx, events.RedisRelayConfig{
			Address:  rc.Address,
			Password: rc.Password,
			DB:       rc.DB,
			Prefix:   rc.Prefix,
		}, local)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "初始化 Redis 事件中继失败")
		}
		a.relay = relay
		a.closers = append(a.closers, relay.Close)
		a.Bus = relay
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的事件驱动: %s", a.Config.Events.Driver))
	}
	return nil
}

func (a *App) initAlerts() {
	ac := a.Config.Alerting
	var notifiers []alerting.Notifier
	httpClient := &http.Client{Timeout: 10 * time.Second}
	if ac.SlackWebhook != "" {
		notifiers = append(notifiers, &alerting.SlackNotifier{
			Sender:    &alerting.SlackWebhook{URL: ac.SlackWebhook, Client: httpClient},
			ChannelID: ac.SlackChannel,
		})
	}
	if ac.DingTalkWebhook != "" {
		notifiers = append(notifiers, &alerting.DingTalkNotifier{
			Sender: &alerting.DingTalkWebhook{URL: ac.DingTalkWebhook, Client: httpClient},
		})
	}
	if ac.Email.SMTPAddr != "" {
		notifiers = append(notifiers, &alerting.EmailNotifier{
			Sender: &alerting.SMTPSender{
				Addr:     ac.Email.SMTPAddr,
				Username: ac.Email.Username,
				Password: ac.Email.Password,
				From:     ac.Email.From,
			},
			To:            ac.Email.To,
			SubjectPrefix: ac.Email.SubjectPrefix,
		})
	}
	a.Alerts = alerting.NewFanout(notifiers,
		alerting.WithMinSeverity(xerrors.Severity(ac.MinSeverity)),
		alerting.WithDedupWindow(time.Duration(ac.DedupSeconds)*time.Second),
	)
}

func (a *App) initTasks(ctx context.Context) error {
	var store task.Store
	switch a.Config.Storage.TaskStore.Driver {
	case "", "memory":
		store = task.NewMemoryStore()
	case "mysql":
		db, err := storagemysql.Open(ctx, mysqlPool(a.Config.Storage.TaskStore.Database))
		if err != nil {
			return err
		}
		store = task.NewMySQLStore(db)
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的任务存储驱动: %s", a.Config.Storage.TaskStore.Driver))
	}

	queue, err := newQueue(a.Config.TaskQueue)
	if err != nil {
		_ = store.Close()
		return err
	}

	a.Tasks = task.NewService(store, queue, a.Config.Storage.TaskStore.Retries)
	a.closers = append(a.closers, a.Tasks.Close)

	procOpts := []task.ProcessorOption{
		task.WithWorkerCount(a.Config.TaskQueue.Worker),
		task.WithProcessorLogger(logger.Named("task")),
		task.WithProcessorMetrics(a.Metrics),
	}
	if a.Alerts.Len() > 0 {
		procOpts = append(procOpts, task.WithAlertDispatcher(a.Alerts))
	}
	a.Processor = task.NewProcessor(a.Orchestrator, store, queue, procOpts...)
	return nil
}

func mysqlPool(c config.MySQLConfig) storagemysql.Config {
	return storagemysql.Config{
		DSN:             c.DSN,
		MaxOpenConns:    c.MaxOpenConns,
		MaxIdleConns:    c.MaxIdleConns,
		ConnMaxLifetime: time.Duration(c.ConnMaxLifetimeSeconds) * time.Second,
		ConnMaxIdleTime: time.Duration(c.ConnMaxIdleTimeSeconds) * time.Second,
	}
}

func newQueue(cfg config.TaskQueueConfig) (task.Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return task.NewMemoryQueue(1024), nil
	case "redis":
		return task.NewRedisQueue(task.RedisQueueConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Queue:     cfg.Redis.Queue,
			BlockWait: time.Duration(cfg.Redis.BlockWaitSeconds) * time.Second,
		})
	case "rabbitmq":
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Queue:      cfg.RabbitMQ.Queue,
			Prefetch:   cfg.RabbitMQ.Prefetch,
			Durable:    cfg.RabbitMQ.Durable,
			AutoDelete: cfg.RabbitMQ.AutoDelete,
		})
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的队列驱动: %s", cfg.Driver))
	}
}

func newLLMClient(cfg config.LLMConfig) (llm.Client, error) {
	switch cfg.Provider {
	case "openai", "openrouter":
		return openai.NewClient(openai.Config{
			APIKey:  cfg.OpenAI.APIKey,
			BaseURL: cfg.OpenAI.BaseURL,
			Model:   cfg.OpenAI.Model,
			Timeout: cfg.OpenAI.Timeout(),
		})
	case "anthropic":
		return anthropic.NewClient(anthropic.Config{
			APIKey:  cfg.Anthropic.APIKey,
			BaseURL: cfg.Anthropic.BaseURL,
			Model:   cfg.Anthropic.Model,
			Timeout: cfg.Anthropic.Timeout(),
		})
	case "python_bridge":
		script := pythonbridge.ResolveScriptPath(cfg.Python.WorkingDir, cfg.Python.ScriptPath)
		return pythonbridge.NewClient(script,
			pythonbridge.WithPython(cfg.Python.PythonExecutable),
			pythonbridge.WithWorkingDir(cfg.Python.WorkingDir),
			pythonbridge.WithTimeout(cfg.Python.Timeout()),
		)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的大模型 provider: %s", cfg.Provider))
	}
}

func providerLabel(provider string, injected bool) string {
	if injected {
		return "custom"
	}
	return strings.ToLower(provider)
}

func newAgents(cfgs []config.AgentConfig) ([]mcp.Agent, error) {
	agents := make([]mcp.Agent, 0, len(cfgs))
	for _, c := range cfgs {
		var (
			agent mcp.Agent
			err   error
		)
		switch c.Transport {
		case "http":
			agent, err = mcp.NewHTTPAgent(mcp.HTTPConfig{
				Name:    c.Name,
				URL:     c.URL,
				Headers: c.Headers,
				Timeout: c.Timeout(),
			})
		default:
			agent, err = mcp.NewStdioAgent(mcp.StdioConfig{
				Name:       c.Name,
				Command:    c.Command,
				Args:       c.Args,
				Env:        c.Env,
				WorkingDir: c.WorkingDir,
				Timeout:    c.Timeout(),
			})
		}
		if err != nil {
			for _, created := range agents {
				_ = created.Close()
			}
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, nil
}

// Start 启动后台组件（任务处理器、事件中继、独立指标端口），直到 ctx 取消。
func (a *App) Start(ctx context.Context) {
	go func() {
		if err := a.Processor.Start(ctx); err != nil && !stdErrors.Is(err, context.Canceled) {
			a.log.Error("任务处理器异常退出", slog.Any("error", err))
		}
	}()
	if a.relay != nil {
		go func() {
			if err := a.relay.Run(ctx); err != nil && !stdErrors.Is(err, context.Canceled) {
				a.log.Error("事件中继异常退出", slog.Any("error", err))
			}
		}()
	}
	if addr := a.Config.Server.MetricsAddress; addr != "" {
		go func() {
			if err := metrics.StartServer(ctx, addr, a.Registry); err != nil && !stdErrors.Is(err, context.Canceled) {
				a.log.Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}
}

// Close 按创建的逆序释放资源，可重复调用。
func (a *App) Close() error {
	var errs []error
	a.once.Do(func() {
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return stdErrors.Join(errs...)
}
