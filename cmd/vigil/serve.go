package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/vigil-dev/vigil/internal/agent"
	"github.com/vigil-dev/vigil/internal/agent/providers"
	"github.com/vigil-dev/vigil/internal/channels"
	"github.com/vigil-dev/vigil/internal/channels/telegram"
	"github.com/vigil-dev/vigil/internal/channels/whatsapp"
	"github.com/vigil-dev/vigil/internal/config"
	"github.com/vigil-dev/vigil/internal/corememory"
	"github.com/vigil-dev/vigil/internal/history"
	"github.com/vigil-dev/vigil/internal/memory"
	"github.com/vigil-dev/vigil/internal/memory/embeddings"
	openaiembed "github.com/vigil-dev/vigil/internal/memory/embeddings/openai"
	"github.com/vigil-dev/vigil/internal/observability"
	"github.com/vigil-dev/vigil/internal/projection"
	"github.com/vigil-dev/vigil/internal/queue"
	"github.com/vigil-dev/vigil/internal/reflection"
	"github.com/vigil-dev/vigil/internal/scheduler"
	"github.com/vigil-dev/vigil/internal/tools"
	"github.com/vigil-dev/vigil/internal/trust"
	"github.com/vigil-dev/vigil/internal/update"
	"github.com/vigil-dev/vigil/internal/usage"
	"github.com/vigil-dev/vigil/internal/workers"
	"github.com/vigil-dev/vigil/internal/workspace"
	"github.com/vigil-dev/vigil/pkg/models"
)

const busyReply = "Still catching up on earlier messages; give me a minute and send that again."

func buildServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the assistant",
		Long:  "Connects the configured channels and runs until interrupted.",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	ws, err := workspace.New(flagDataDir)
	if err != nil {
		return err
	}
	boot, err := ws.Bootstrap()
	if err != nil {
		return fmt.Errorf("bootstrap %s: %w", ws.Root, err)
	}
	for _, path := range boot.Created {
		fmt.Fprintf(os.Stderr, "created %s\n", path)
	}

	cfg, err := config.Load(ws.ConfigPath())
	if err != nil {
		return err
	}
	if len(cfg.Models.Providers) == 0 {
		return fmt.Errorf("no model providers configured; edit %s", ws.ConfigPath())
	}

	logger, logCloser, err := observability.NewLogger(observability.LogConfig{
		Level: cfg.Logging.Level,
		Dir:   ws.LogsDir(),
	})
	if err != nil {
		return err
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	promReg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(promReg)

	userID := flagUserID
	if err := ws.EnsureUserDirs(userID); err != nil {
		return err
	}

	// Defers unwind components first, then stores, then the embedder.
	embedder := embeddings.NewManager(embedderFactory(cfg), logger)
	defer embedder.Close()
	var embed memory.EmbedFunc
	if embedder.Available() {
		embed = embedder.Embed
	} else {
		logger.Warn("no embedding provider configured, memory runs keyword-only")
	}

	facts, err := memory.Open(ws.MemoryDBPath(userID), memory.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("open memory store: %w", err)
	}
	defer facts.Close()

	projections, err := projection.Open(ws.ProjectionsDBPath(userID), projection.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("open projection store: %w", err)
	}
	defer projections.Close()

	core := corememory.New(ws.CoreMemoryPath())
	hist := history.NewLog(ws.HistoryDir(), history.WithLogger(logger))
	defer hist.Close()
	ledger := usage.NewLedger(ws.UsageDir(),
		usage.WithLogger(logger), usage.WithPrices(pricesFromConfig(cfg)))

	providerSet, err := buildProviders(cfg)
	if err != nil {
		return err
	}
	chain, err := buildChain(cfg, providerSet, cfg.ModelChain(), logger, metrics)
	if err != nil {
		return err
	}

	trustStore, err := trust.NewStore(ws.TrustApprovalsPath(),
		trust.WithStoreLogger(logger), trust.WithPreapproved(cfg.Trust.Preapproved))
	if err != nil {
		return fmt.Errorf("open trust store: %w", err)
	}
	gateOpts := []trust.GateOption{trust.WithGateLogger(logger), trust.WithGateMetrics(metrics)}
	if cfg.Trust.GuardrailModel != "" {
		guardChain, err := buildChain(cfg, providerSet, []string{cfg.Trust.GuardrailModel}, logger, metrics)
		if err != nil {
			return err
		}
		gateOpts = append(gateOpts, trust.WithGuardrail(&llmGuardrail{chain: guardChain, model: cfg.Trust.GuardrailModel}))
	}
	gate := trust.NewGate(trustStore, gateOpts...)

	adapters := channels.NewRegistry()
	sender := &senderMux{registry: adapters}

	registry := agent.NewToolRegistry()
	registry.Register(tools.NewMemoryInsertTool(facts, projections, embed))
	registry.Register(tools.NewMemorySearchTool(facts, embed))
	registry.Register(tools.NewMemoryForgetTool(facts))
	registry.Register(tools.NewCoreAppendTool(core))
	registry.Register(tools.NewCoreReplaceTool(core))
	registry.Register(tools.NewProjectionAddTool(projections))
	registry.Register(tools.NewProjectionListTool(projections))
	registry.Register(tools.NewProjectionResolveTool(projections))
	registry.Register(tools.NewProjectionLinkTool(projections))

	var searchTool *tools.WebSearchTool
	if cfg.Tools.WebSearch.Enabled {
		searchTool = tools.NewWebSearchTool(cfg.Tools.WebSearch.SearxNGURL)
		registry.Register(searchTool)
	}
	var fetchTool *tools.FetchTool
	if cfg.Tools.FetchURL.Enabled {
		fetchTool = tools.NewFetchTool(tools.FetchConfig{
			Timeout: time.Duration(cfg.Tools.FetchURL.TimeoutMS) * time.Millisecond,
		})
		registry.Register(fetchTool)
	}
	if cfg.Tools.Shell.Enabled {
		registry.Register(tools.NewShellTool(ws.Root))
	}
	if cfg.Tools.Files.Enabled {
		baseDir := cfg.Tools.Files.BaseDir
		if baseDir == "" {
			baseDir = filepath.Join(ws.Root, "files")
		}
		if err := os.MkdirAll(baseDir, 0o755); err != nil {
			return fmt.Errorf("create files dir: %w", err)
		}
		registry.Register(tools.NewReadFileTool(baseDir))
		registry.Register(tools.NewWriteFileTool(baseDir))
		registry.Register(tools.NewListFilesTool(baseDir))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orch := agent.NewOrchestrator(
		agent.OrchestratorConfig{
			AgentName:  cfg.Agent.Name,
			BasePrompt: cfg.Agent.SystemPrompt,
			Timezone:   cfg.Agent.Timezone,
		},
		chain, registry, gate, sender,
		agent.WithCoreMemory(core),
		agent.WithProjections(projections),
		agent.WithHistorian(hist),
		agent.WithUsageRecorder(ledger),
		agent.WithOrchestratorLogger(logger),
		agent.WithOrchestratorMetrics(metrics),
		agent.WithOnRestart(stop),
	)

	qm := queue.NewManager(orch.HandleMessage,
		queue.WithLogger(logger),
		queue.WithMetrics(metrics),
		queue.WithOnReject(func(msg *models.Message) {
			notifyCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := sender.SendMessage(notifyCtx, msg.ChannelID, busyReply); err != nil {
				logger.Warn("backpressure notice failed", "channel", msg.ChannelID, "error", err)
			}
		}),
	)

	route := &routeTracker{}

	bridge := workers.NewBridge(facts, projections, projection.EmbedFunc(embed),
		route.bridgeTarget, qm.Enqueue,
		workers.WithBridgeLogger(logger), workers.WithBridgeMetrics(metrics))

	workerReg := workers.NewRegistry(ws,
		chainForModel(cfg, providerSet, logger, metrics),
		tools.WorkerToolset(searchTool, fetchTool),
		workers.WithMaxConcurrent(cfg.Tools.Workers.MaxConcurrent),
		workers.WithOnFinish(bridge.WorkerFinished),
		workers.WithLogger(logger),
		workers.WithMetrics(metrics),
	)
	registry.Register(workers.NewDispatchTool(workerReg))
	registry.Register(workers.NewStatusTool(workerReg))
	registry.Register(workers.NewSteerTool(workerReg))
	registry.Register(workers.NewInterruptTool(workerReg))

	reflectModel := cfg.Agent.ReflectionModel
	if reflectModel == "" {
		reflectModel = cfg.Agent.Model
	}
	pass := reflection.New(hist, projections, chain,
		reflection.WithModel(reflectModel),
		reflection.WithLogger(logger),
		reflection.WithMetrics(metrics))

	sched, err := scheduler.New(
		scheduler.Config{Window: cfg.ActiveWindow(), Jobs: cfg.Cron},
		projections, route.schedulerTarget, qm.Enqueue,
		scheduler.WithLogger(logger),
		scheduler.WithMetrics(metrics),
		scheduler.WithReflection(pass.Run),
	)
	if err != nil {
		return err
	}

	inbound := func(ctx context.Context, msg *models.Message) {
		route.observe(msg)
		qm.Enqueue(msg)
	}

	if cfg.Telegram.Token != "" {
		allowed, err := telegramUserIDs(cfg.Telegram.AllowedUsers)
		if err != nil {
			return err
		}
		tg, err := telegram.New(&telegram.Config{
			Token:        cfg.Telegram.Token,
			AllowedUsers: allowed,
		}, telegram.WithLogger(logger), telegram.WithMetrics(metrics))
		if err != nil {
			return err
		}
		tg.OnMessage(inbound)
		if err := adapters.Register(tg); err != nil {
			return err
		}
	}
	if cfg.WhatsApp.Enabled {
		wa, err := whatsapp.New(&whatsapp.Config{
			StorePath:   ws.WhatsAppStorePath(),
			AllowedJIDs: cfg.WhatsApp.AllowedUsers,
		}, whatsapp.WithLogger(logger), whatsapp.WithMetrics(metrics))
		if err != nil {
			return err
		}
		wa.OnMessage(inbound)
		if err := adapters.Register(wa); err != nil {
			return err
		}
	}
	if len(adapters.Adapters()) == 0 {
		return fmt.Errorf("no channels configured; set telegram.token or whatsapp.enabled in %s", ws.ConfigPath())
	}

	watcher := config.NewWatcher(ws.ConfigPath(), logger, func(next *config.Config) {
		orch.SetBasePrompt(next.Agent.SystemPrompt)
	})
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	}
	defer watcher.Close()

	var debugSrv *http.Server
	if cfg.Logging.DebugAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		debugSrv = &http.Server{Addr: cfg.Logging.DebugAddr, Handler: mux}
		go func() {
			if err := debugSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("debug listener failed", "addr", cfg.Logging.DebugAddr, "error", err)
			}
		}()
	}

	if err := adapters.StartAll(ctx); err != nil {
		return err
	}
	sched.Start(ctx)
	logger.Info("vigil running",
		"data_dir", ws.Root,
		"user", userID,
		"channels", len(adapters.Adapters()),
		"model", cfg.Agent.Model)

	checker := update.NewChecker(ws.UpdateCheckPath(), update.WithCheckerLogger(logger))
	go func() {
		res, err := checker.Check(ctx)
		if err != nil {
			logger.Debug("update check failed", "error", err)
			return
		}
		if update.Newer(version, res.Latest) {
			logger.Info("newer release available", "current", version, "latest", res.Latest, "url", res.URL)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := adapters.StopAll(shutdownCtx); err != nil {
		logger.Warn("adapter shutdown incomplete", "error", err)
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Warn("scheduler shutdown incomplete", "error", err)
	}
	if err := workerReg.Stop(shutdownCtx); err != nil {
		logger.Warn("worker shutdown incomplete", "error", err)
	}
	qm.Stop()
	if debugSrv != nil {
		_ = debugSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// buildProviders instantiates one provider client per configured
// endpoint, keyed by provider name.
func buildProviders(cfg *config.Config) (map[string]agent.Provider, error) {
	set := make(map[string]agent.Provider, len(cfg.Models.Providers))
	for i := range cfg.Models.Providers {
		p := &cfg.Models.Providers[i]
		switch p.API {
		case "openai":
			provider, err := providers.NewOpenAIProvider(providers.OpenAIConfig{
				APIKey:  p.APIKey,
				BaseURL: p.BaseURL,
				Name:    p.Name,
			})
			if err != nil {
				return nil, fmt.Errorf("provider %s: %w", p.Name, err)
			}
			set[p.Name] = provider
		default: // "anthropic" and unset
			provider, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
				APIKey:  p.APIKey,
				BaseURL: p.BaseURL,
			})
			if err != nil {
				return nil, fmt.Errorf("provider %s: %w", p.Name, err)
			}
			set[p.Name] = provider
		}
	}
	return set, nil
}

// buildChain assembles a fallback chain over the given model ids.
func buildChain(cfg *config.Config, set map[string]agent.Provider, ids []string, logger *slog.Logger, m *observability.Metrics) (*agent.Chain, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("agent.model is not set")
	}
	chainModels := make([]agent.ChainModel, 0, len(ids))
	for _, id := range ids {
		mc, pc, ok := cfg.FindModel(id)
		if !ok {
			return nil, fmt.Errorf("model %q not declared by any provider", id)
		}
		provider, ok := set[pc.Name]
		if !ok {
			return nil, fmt.Errorf("model %q: provider %q not built", id, pc.Name)
		}
		chainModels = append(chainModels, agent.ChainModel{
			ID:        id,
			Provider:  provider,
			MaxTokens: mc.MaxTokens,
		})
	}
	return agent.NewChain(chainModels, agent.WithChainLogger(logger), agent.WithChainMetrics(m)), nil
}

// chainForModel resolves a worker's requested model to a chain: the
// requested model first, then the default fallbacks.
func chainForModel(cfg *config.Config, set map[string]agent.Provider, logger *slog.Logger, m *observability.Metrics) workers.ChainFunc {
	return func(model string) (workers.Completer, error) {
		ids := cfg.ModelChain()
		if model != "" {
			merged := []string{model}
			for _, id := range ids {
				if id != model {
					merged = append(merged, id)
				}
			}
			ids = merged
		}
		return buildChain(cfg, set, ids, logger, m)
	}
}

// embedderFactory picks the first OpenAI-compatible provider for
// embeddings. Anthropic has no embedding endpoint.
func embedderFactory(cfg *config.Config) embeddings.Factory {
	for i := range cfg.Models.Providers {
		p := &cfg.Models.Providers[i]
		if p.API != "openai" || p.APIKey == "" {
			continue
		}
		pc := openaiembed.Config{APIKey: p.APIKey, BaseURL: p.BaseURL}
		return func() (embeddings.Provider, error) {
			return openaiembed.New(pc)
		}
	}
	return nil
}

func pricesFromConfig(cfg *config.Config) map[string]usage.Cost {
	prices := make(map[string]usage.Cost)
	for _, p := range cfg.Models.Providers {
		for _, mc := range p.Models {
			if mc.Cost.Input == 0 && mc.Cost.Output == 0 {
				continue
			}
			prices[mc.ID] = usage.Cost{Input: mc.Cost.Input, Output: mc.Cost.Output}
		}
	}
	return prices
}

func telegramUserIDs(raw []string) ([]int64, error) {
	ids := make([]int64, 0, len(raw))
	for _, s := range raw {
		id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("telegram.allowed_users: %q is not a user id", s)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// senderMux routes outbound traffic to the adapter owning the channel
// id prefix. Inbound channel ids are "tg:<chat>" or "wa:<jid>".
type senderMux struct {
	registry *channels.Registry
}

var (
	_ agent.Sender           = (*senderMux)(nil)
	_ agent.ApprovalPrompter = (*senderMux)(nil)
)

func (s *senderMux) adapterFor(channelID string) (channels.Adapter, error) {
	var platform models.Platform
	switch {
	case strings.HasPrefix(channelID, "tg:"):
		platform = models.PlatformTelegram
	case strings.HasPrefix(channelID, "wa:"):
		platform = models.PlatformWhatsApp
	default:
		return nil, fmt.Errorf("no adapter for channel %q", channelID)
	}
	a, ok := s.registry.Get(platform)
	if !ok {
		return nil, fmt.Errorf("platform %s is not running", platform)
	}
	return a, nil
}

func (s *senderMux) SendMessage(ctx context.Context, channelID, text string) (string, error) {
	a, err := s.adapterFor(channelID)
	if err != nil {
		return "", err
	}
	return a.SendMessage(ctx, channelID, text)
}

func (s *senderMux) SendTyping(ctx context.Context, channelID string) error {
	a, err := s.adapterFor(channelID)
	if err != nil {
		return err
	}
	return a.SendTyping(ctx, channelID)
}

func (s *senderMux) SendApprovalRequest(ctx context.Context, channelID, prompt, key string, timeout time.Duration) (models.ApprovalResult, error) {
	a, err := s.adapterFor(channelID)
	if err != nil {
		return models.ApprovalDeny, err
	}
	result, err := a.SendApprovalRequest(ctx, channelID, prompt, key, timeout)
	if err != nil {
		return models.ApprovalDeny, err
	}
	switch result {
	case channels.ApprovalAllow:
		return models.ApprovalAllow, nil
	case channels.ApprovalAllowAlways:
		return models.ApprovalAllowAlways, nil
	default:
		return models.ApprovalDeny, nil
	}
}

// routeTracker remembers where the principal last spoke so scheduler
// and worker wake-ups land on the right channel.
type routeTracker struct {
	mu        sync.Mutex
	platform  models.Platform
	channelID string
	userID    string
	known     bool
}

func (r *routeTracker) observe(msg *models.Message) {
	if msg.Direction != models.DirectionInbound || msg.ChannelID == "" {
		return
	}
	r.mu.Lock()
	r.platform = msg.Platform
	r.channelID = msg.ChannelID
	r.userID = msg.UserID
	r.known = true
	r.mu.Unlock()
}

func (r *routeTracker) schedulerTarget() (scheduler.Target, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.known {
		return scheduler.Target{}, false
	}
	return scheduler.Target{Platform: r.platform, ChannelID: r.channelID, UserID: r.userID}, true
}

func (r *routeTracker) bridgeTarget() (workers.Target, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.known {
		return workers.Target{}, false
	}
	return workers.Target{Platform: r.platform, ChannelID: r.channelID, UserID: r.userID}, true
}

// llmGuardrail classifies elevated tool calls with one minimal
// completion. Unparseable output fails safe to ASK inside ParseVerdict.
type llmGuardrail struct {
	chain *agent.Chain
	model string
}

func (g *llmGuardrail) Classify(ctx context.Context, tool string, arguments json.RawMessage, lastUserMessage string) (trust.Verdict, error) {
	prompt := fmt.Sprintf(
		"A personal assistant wants to run a privileged tool on its user's behalf.\n"+
			"Tool: %s\nArguments: %s\nUser's last message: %q\n\n"+
			"Reply with exactly one word. ALLOW if the call clearly serves what the user asked, "+
			"ASK if intent is unclear, BLOCK if it looks harmful or unrelated.",
		tool, string(arguments), lastUserMessage)

	resp, _, err := g.chain.Complete(ctx, &agent.CompletionRequest{
		Model:     g.model,
		Messages:  []agent.CompletionMessage{{Role: models.RoleUser, Content: prompt}},
		MaxTokens: 16,
	})
	if err != nil {
		return trust.VerdictAsk, err
	}
	return trust.ParseVerdict(resp.Text), nil
}
