// Package main provides the CLI entry point for the Cratos agentic
// execution core.
//
// Cratos drives a single persona's orchestrator loop: it turns a user
// message into LLM completions, dispatches tool calls under an
// approval policy, persists the resulting execution trail, and runs a
// background scheduler for proactive (time- or event-triggered) tasks.
// Channel adapters, a web UI, and multi-tenant gateway concerns live
// outside this binary.
//
// # Basic usage
//
//	cratos run --config cratos.yaml "summarize the open incidents"
//	cratos serve --config cratos.yaml
//	cratos status --config cratos.yaml
//	cratos skills list --config cratos.yaml
//	cratos rag install-pack ./docs --config cratos.yaml
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/first-fluke/cratos/internal/agent"
	"github.com/first-fluke/cratos/internal/agent/providers"
	"github.com/first-fluke/cratos/internal/agents"
	"github.com/first-fluke/cratos/internal/agents/heartbeat"
	"github.com/first-fluke/cratos/internal/auth"
	"github.com/first-fluke/cratos/internal/config"
	"github.com/first-fluke/cratos/internal/eventstore"
	"github.com/first-fluke/cratos/internal/llmprovider"
	"github.com/first-fluke/cratos/internal/memory"
	"github.com/first-fluke/cratos/internal/memory/embeddings"
	ragollama "github.com/first-fluke/cratos/internal/memory/embeddings/ollama"
	ragopenai "github.com/first-fluke/cratos/internal/memory/embeddings/openai"
	ragcontext "github.com/first-fluke/cratos/internal/rag/context"
	"github.com/first-fluke/cratos/internal/rag/eval"
	"github.com/first-fluke/cratos/internal/rag/index"
	"github.com/first-fluke/cratos/internal/rag/packs"
	"github.com/first-fluke/cratos/internal/rag/store/pgvector"
	"github.com/first-fluke/cratos/internal/replay"
	"github.com/first-fluke/cratos/internal/scheduler"
	"github.com/first-fluke/cratos/internal/sessions"
	"github.com/first-fluke/cratos/internal/skills"
	"github.com/first-fluke/cratos/internal/skillstore"
	"github.com/first-fluke/cratos/internal/tools/exec"
	"github.com/first-fluke/cratos/internal/tools/files"
	ragtools "github.com/first-fluke/cratos/internal/tools/rag"
	"github.com/first-fluke/cratos/pkg/models"
	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during release builds.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var configPath string

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "cratos",
		Short:        "Cratos agentic execution core",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "cratos.yaml", "path to configuration file")
	rootCmd.AddCommand(buildRunCmd(), buildServeCmd(), buildStatusCmd(), buildSkillsCmd(), buildReplayCmd(), buildMemoryCmd(), buildRagCmd(), buildApprovalsCmd())
	return rootCmd
}

// loadedEnv bundles the components every subcommand needs after
// reading the config file: the orchestrator runtime, its event store,
// and the skill router.
type loadedEnv struct {
	cfg             *config.Config
	runtime         *agent.AgenticLoop
	sessions        sessions.Store
	eventStore      eventstore.Store
	skills          *skills.Manager
	skillStore      skillstore.Store
	ragInjector     *ragcontext.Injector
	approvals       *agent.ApprovalChecker
	responderTokens *auth.ResponderJWT
	heartbeats      *heartbeat.Monitor
	heartbeatRunner *heartbeat.Runner
}

func loadEnv(ctx context.Context) (*loadedEnv, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	provider, err := buildProvider(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("build llm provider: %w", err)
	}

	registry := agent.NewToolRegistry()
	registerBuiltinTools(registry, cfg)

	sessionStore := sessions.NewMemoryStore()

	skillDBPath := "skills.db"
	skillStore, err := skillstore.OpenSQLiteStore(skillDBPath)
	if err != nil {
		return nil, fmt.Errorf("open skill store: %w", err)
	}
	skillRouter := skillstore.NewRouter(skillStore)

	approvalChecker := agent.NewApprovalChecker(nil)
	approvalChecker.SetStore(agent.NewMemoryApprovalStore())
	responderTokens := auth.NewResponderJWT(cfg.Tools.Execution.Approval.ResponderJWTSecret, cfg.Tools.Execution.Approval.ResponderTokenTTL)

	loop := agent.NewAgenticLoop(provider, registry, sessionStore, &agent.LoopConfig{
		MaxIterations:      cfg.Tools.Execution.MaxIterations,
		MaxToolCalls:       cfg.Tools.Execution.MaxToolCalls,
		EnableBackpressure: true,
		StreamToolResults:  true,
		DisableToolEvents:  cfg.Tools.Execution.DisableEvents,
		DefaultPersona:     cfg.DefaultPersona,
		PersonaConfig:      &agents.Config{Agents: &cfg.Agents},
		SkillRouter:        skillRouter,
		ApprovalChecker:    approvalChecker,
		RequireApproval:    cfg.Tools.Execution.RequireApproval,
	})

	dbPath := "cratos.db"
	if cfg.Database.URL != "" {
		dbPath = cfg.Database.URL
	}
	store, err := eventstore.OpenSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}

	skillMgr, err := skills.NewManager(&cfg.Skills, cfg.Workspace.Path, nil)
	if err != nil {
		return nil, fmt.Errorf("build skill manager: %w", err)
	}
	if err := skillMgr.Discover(ctx); err != nil {
		slog.Warn("skill discovery failed", "error", err)
	}

	var injector *ragcontext.Injector
	if cfg.RAG.Enabled && cfg.RAG.ContextInjection.Enabled {
		indexMgr, err := buildRAGIndexManager(cfg)
		if err != nil {
			slog.Warn("rag context injection unavailable", "error", err)
		} else {
			injector = ragcontext.NewInjector(indexMgr, &ragcontext.InjectorConfig{
				Enabled:   true,
				MaxChunks: cfg.RAG.ContextInjection.MaxChunks,
				MaxTokens: cfg.RAG.ContextInjection.MaxTokens,
				MinScore:  cfg.RAG.ContextInjection.MinScore,
				AutoQuery: true,
				Scope:     cfg.RAG.ContextInjection.Scope,
			})
		}
	}

	heartbeatMonitor, heartbeatRunner := buildHeartbeatRunner(cfg, loop, sessionStore)

	return &loadedEnv{
		cfg:             cfg,
		runtime:         loop,
		sessions:        sessionStore,
		eventStore:      store,
		skills:          skillMgr,
		skillStore:      skillStore,
		ragInjector:     injector,
		approvals:       approvalChecker,
		responderTokens: responderTokens,
		heartbeats:      heartbeatMonitor,
		heartbeatRunner: heartbeatRunner,
	}, nil
}

// buildProvider selects a concrete LLM backend from cfg.DefaultProvider.
// Vendor credentials and endpoint selection are the only
// provider-specific details here; everything downstream talks to the
// agent.LLMProvider interface.
func buildProvider(cfg config.LLMConfig) (agent.LLMProvider, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.DefaultProvider))
	providerCfg, ok := cfg.Providers[name]
	if !ok {
		providerCfg = cfg.Providers[cfg.DefaultProvider]
	}

	switch name {
	case "anthropic":
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       providerCfg.APIKey,
			BaseURL:      providerCfg.BaseURL,
			DefaultModel: providerCfg.DefaultModel,
		})
	case "openai":
		return providers.NewOpenAIProvider(providerCfg.APIKey), nil
	case "ollama":
		return providers.NewOllamaProvider(providers.OllamaConfig{
			BaseURL:      providerCfg.BaseURL,
			DefaultModel: providerCfg.DefaultModel,
		}), nil
	case "":
		return llmprovider.NewFakeProvider("noop", true), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.DefaultProvider)
	}
}

func registerBuiltinTools(registry *agent.ToolRegistry, cfg *config.Config) {
	execManager := exec.NewManager(cfg.Workspace.Path)
	registry.Register(exec.NewExecTool("execute_command", execManager))
	registry.Register(exec.NewProcessTool(execManager))

	fileCfg := files.Config{Workspace: cfg.Workspace.Path, MaxReadBytes: cfg.Workspace.MaxChars}
	registry.Register(files.NewReadTool(fileCfg))
	registry.Register(files.NewWriteTool(fileCfg))
	registry.Register(files.NewEditTool(fileCfg))
	registry.Register(files.NewApplyPatchTool(fileCfg))

	if cfg.RAG.Enabled {
		indexMgr, err := buildRAGIndexManager(cfg)
		if err != nil {
			slog.Warn("rag document index unavailable", "error", err)
		} else {
			toolCfg := ragtools.DefaultSearchToolConfig()
			toolCfg.DefaultLimit = cfg.RAG.Search.DefaultLimit
			toolCfg.DefaultThreshold = cfg.RAG.Search.DefaultThreshold
			toolCfg.MaxLimit = cfg.RAG.Search.MaxResults
			registry.Register(ragtools.NewSearchTool(indexMgr, &toolCfg))
		}
	}
}

// buildRAGIndexManager wires the pgvector-backed document store into a RAG
// index manager: pick an embedding provider from cfg.RAG.Embeddings, open
// (and migrate) the pgvector store, and hand both to the chunking/embedding
// pipeline that both the document_search tool and the context injector
// search against.
func buildRAGIndexManager(cfg *config.Config) (*index.Manager, error) {
	var embedder embeddings.Provider
	switch strings.ToLower(strings.TrimSpace(cfg.RAG.Embeddings.Provider)) {
	case "", "openai":
		provider, err := ragopenai.New(ragopenai.Config{
			APIKey:  cfg.RAG.Embeddings.APIKey,
			BaseURL: cfg.RAG.Embeddings.BaseURL,
			Model:   cfg.RAG.Embeddings.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("build rag embedding provider: %w", err)
		}
		embedder = provider
	case "ollama":
		provider, err := ragollama.New(ragollama.Config{
			BaseURL: cfg.RAG.Embeddings.BaseURL,
			Model:   cfg.RAG.Embeddings.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("build rag embedding provider: %w", err)
		}
		embedder = provider
	default:
		return nil, fmt.Errorf("unsupported rag embeddings provider %q", cfg.RAG.Embeddings.Provider)
	}

	dsn := cfg.RAG.Store.DSN
	if dsn == "" && cfg.RAG.Store.UseDatabaseURL {
		dsn = cfg.Database.URL
	}
	if dsn == "" {
		return nil, fmt.Errorf("rag.store.dsn (or rag.store.use_database_url) must be set when rag is enabled")
	}

	docStore, err := pgvector.New(pgvector.Config{
		DSN:           dsn,
		Dimension:     cfg.RAG.Store.Dimension,
		RunMigrations: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open rag document store: %w", err)
	}

	return index.NewManager(docStore, embedder, &index.Config{
		ChunkSize:    cfg.RAG.Chunking.ChunkSize,
		ChunkOverlap: cfg.RAG.Chunking.ChunkOverlap,
	}), nil
}

func buildRunCmd() *cobra.Command {
	var sessionKey string
	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Run a single prompt through the orchestrator and print the response",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := loadEnv(ctx)
			if err != nil {
				return err
			}

			if sessionKey == "" {
				sessionKey = "cli"
			}
			session, err := env.sessions.GetOrCreate(ctx, sessionKey, "default", models.ChannelCLI, sessionKey)
			if err != nil {
				return fmt.Errorf("get or create session: %w", err)
			}

			msg := &models.Message{Role: models.RoleUser, Content: args[0]}
			if env.ragInjector != nil {
				result, err := env.ragInjector.InjectForMessage(ctx, msg, session)
				if err != nil {
					slog.Warn("rag context injection failed", "error", err)
				} else if result.ChunksUsed > 0 {
					msg.Content = result.Context + msg.Content
				}
			}
			chunks, err := env.runtime.Run(ctx, session, msg)
			if err != nil {
				return fmt.Errorf("run: %w", err)
			}

			out := cmd.OutOrStdout()
			for chunk := range chunks {
				if chunk.Error != nil {
					return chunk.Error
				}
				if chunk.Text != "" {
					fmt.Fprint(out, chunk.Text)
				}
			}
			fmt.Fprintln(out)
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionKey, "session", "cli", "session key to run the prompt under")
	return cmd
}

func buildServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the proactive scheduler and an interactive prompt loop until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			env, err := loadEnv(ctx)
			if err != nil {
				return err
			}

			var sched *scheduler.Scheduler
			if env.cfg.Tasks.Enabled {
				dbPath := "scheduler.db"
				store, err := scheduler.OpenSQLiteStore(dbPath)
				if err != nil {
					return fmt.Errorf("open scheduler store: %w", err)
				}
				dispatcher := &scheduler.ActionDispatcher{Orchestrator: &orchestratorAdapter{env: env}}
				sched = scheduler.New(store, dispatcher, scheduler.Config{
					CheckInterval: env.cfg.Tasks.PollInterval,
					MaxConcurrent: env.cfg.Tasks.MaxConcurrency,
				})
				if err := sched.Start(ctx); err != nil {
					return fmt.Errorf("start scheduler: %w", err)
				}
				defer sched.Stop(context.Background())
			}

			if env.heartbeatRunner != nil {
				env.heartbeatRunner.Start()
				defer env.heartbeatRunner.Stop()
			}

			slog.Info("cratos serving", "tasks_enabled", env.cfg.Tasks.Enabled, "heartbeat_enabled", env.cfg.Heartbeat.Enabled)
			<-ctx.Done()
			slog.Info("shutting down")
			return nil
		},
	}
}

// buildHeartbeatRunner wires the per-persona liveness checker: one
// heartbeat.Runner entry per configured agent, each firing the
// heartbeat prompt through the same orchestrator loop used for real
// messages and recording the stripped acknowledgment on a
// heartbeat.Monitor. Returns nil, nil when heartbeats are disabled.
func buildHeartbeatRunner(cfg *config.Config, loop *agent.AgenticLoop, sessionStore sessions.Store) (*heartbeat.Monitor, *heartbeat.Runner) {
	if !cfg.Heartbeat.Enabled {
		return nil, nil
	}

	monitorCfg := heartbeat.Config{
		Enabled:         true,
		Interval:        cfg.Heartbeat.Interval,
		Prompt:          cfg.Heartbeat.Prompt,
		MaxAckChars:     cfg.Heartbeat.MaxAckChars,
		MissedThreshold: cfg.Heartbeat.MissedThreshold,
	}
	monitor := heartbeat.NewMonitor(monitorCfg)
	prompt := heartbeat.ResolvePrompt(cfg.Heartbeat.Prompt)

	runnerCfg := heartbeat.DefaultRunnerConfig()
	runnerCfg.Enabled = true
	runnerCfg.IntervalMs = cfg.Heartbeat.Interval.Milliseconds()
	runnerCfg.Prompt = prompt
	runnerCfg.AckMaxChars = cfg.Heartbeat.MaxAckChars
	runnerCfg.ActiveHours = &heartbeat.ActiveHoursConfig{
		Enabled:  cfg.Heartbeat.ActiveHours.Enabled,
		Start:    cfg.Heartbeat.ActiveHours.Start,
		End:      cfg.Heartbeat.ActiveHours.End,
		Timezone: cfg.Heartbeat.ActiveHours.Timezone,
		Days:     cfg.Heartbeat.ActiveHours.Days,
	}

	runner := heartbeat.NewRunner(runnerCfg,
		heartbeat.WithOnRun(func(ctx context.Context, agentID string, rc *heartbeat.RunnerConfig) (*heartbeat.RunResult, error) {
			sessionKey := "heartbeat:" + agentID
			session, err := sessionStore.GetOrCreate(ctx, sessionKey, agentID, models.ChannelSystem, sessionKey)
			if err != nil {
				monitor.MarkMissed(agentID)
				return &heartbeat.RunResult{Status: heartbeat.RunStatusFailed, Reason: err.Error()}, nil
			}

			chunks, err := loop.Run(ctx, session, &models.Message{Role: models.RoleUser, Content: rc.Prompt})
			if err != nil {
				monitor.MarkMissed(agentID)
				return &heartbeat.RunResult{Status: heartbeat.RunStatusFailed, Reason: err.Error()}, nil
			}

			var reply strings.Builder
			for chunk := range chunks {
				if chunk.Error != nil {
					monitor.MarkMissed(agentID)
					return &heartbeat.RunResult{Status: heartbeat.RunStatusFailed, Reason: chunk.Error.Error()}, nil
				}
				reply.WriteString(chunk.Text)
			}

			stripped := heartbeat.StripToken(reply.String(), rc.AckMaxChars)
			monitor.Record(agentID, stripped.Text)
			if stripped.ShouldSkip {
				return &heartbeat.RunResult{Status: heartbeat.RunStatusRan, Indicator: heartbeat.IndicatorOkToken}, nil
			}
			return &heartbeat.RunResult{Status: heartbeat.RunStatusRan, Preview: stripped.Text, Indicator: heartbeat.IndicatorSent}, nil
		}),
	)

	agentIDs := map[string]struct{}{}
	if cfg.DefaultPersona != "" {
		agentIDs[cfg.DefaultPersona] = struct{}{}
	}
	for id := range cfg.Agents.Agents {
		agentIDs[id] = struct{}{}
	}
	for id := range agentIDs {
		runner.RegisterAgent(id, nil)
	}

	return monitor, runner
}

// orchestratorAdapter bridges the orchestrator loop's streaming Run to
// the scheduler's RunToCompletion contract: drain the response channel
// and report the session key as the execution identifier.
type orchestratorAdapter struct {
	env *loadedEnv
}

func (a *orchestratorAdapter) RunToCompletion(ctx context.Context, userID, prompt string) (string, error) {
	sessionKey := "scheduler:" + userID
	session, err := a.env.sessions.GetOrCreate(ctx, sessionKey, userID, models.ChannelSystem, sessionKey)
	if err != nil {
		return "", err
	}
	chunks, err := a.env.runtime.Run(ctx, session, &models.Message{Role: models.RoleUser, Content: prompt})
	if err != nil {
		return "", err
	}
	for chunk := range chunks {
		if chunk.Error != nil {
			return "", chunk.Error
		}
	}
	return session.ID, nil
}

func buildStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the resolved configuration summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "workspace:       %s\n", cfg.Workspace.Path)
			fmt.Fprintf(out, "database:        %s\n", cfg.Database.URL)
			fmt.Fprintf(out, "llm provider:    %s\n", cfg.LLM.DefaultProvider)
			fmt.Fprintf(out, "approval profile: %s\n", cfg.Tools.Execution.Approval.Profile)
			fmt.Fprintf(out, "scheduler:       enabled=%v poll=%s\n", cfg.Tasks.Enabled, cfg.Tasks.PollInterval)
			return nil
		},
	}
}

func buildSkillsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "skills", Short: "Inspect registered skills"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all discovered skills and their eligibility",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := loadEnv(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, entry := range env.skills.ListAll() {
				eligible := "-"
				if _, ok := env.skills.GetEligible(entry.Name); ok {
					eligible = "eligible"
				} else {
					eligible = "ineligible"
				}
				fmt.Fprintf(out, "%-30s %s\n", entry.Name, eligible)
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "stats <name>",
		Short: "Show recorded execution counts for a skill from skills.db",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := loadEnv(ctx)
			if err != nil {
				return err
			}
			skill, err := env.skillStore.GetSkillByName(ctx, args[0])
			if err != nil {
				return fmt.Errorf("get skill %q: %w", args[0], err)
			}
			total, successes, err := env.skillStore.GetSkillExecutionCount(ctx, skill.ID)
			if err != nil {
				return fmt.Errorf("get execution count: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: %d executions, %d successful\n", skill.Name, total, successes)
			return nil
		},
	})
	return cmd
}

// buildReplayCmd exposes the event store's execution history: a list of
// recent executions and a detail drill-down for one of them, both backed
// by internal/replay.Viewer over the same eventstore.Store loadEnv opens
// for writing during run/serve.
func buildReplayCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "replay", Short: "Inspect and rerun past executions"}

	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recent executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := loadEnv(ctx)
			if err != nil {
				return err
			}
			viewer := replay.New(env.eventStore)
			summaries, err := viewer.GetRecentSummaries(ctx, limit)
			if err != nil {
				return fmt.Errorf("get recent summaries: %w", err)
			}
			out := cmd.OutOrStdout()
			for _, s := range summaries {
				fmt.Fprintf(out, "%-36s %-10s %-8s %s\n", s.ID, s.Status, s.ChannelType, s.InputPreview)
			}
			return nil
		},
	}
	listCmd.Flags().IntVar(&limit, "limit", 20, "maximum number of executions to list")
	cmd.AddCommand(listCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "show <execution-id>",
		Short: "Show the full event timeline and stats for one execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := loadEnv(ctx)
			if err != nil {
				return err
			}
			viewer := replay.New(env.eventStore)
			detail, err := viewer.GetExecutionDetail(ctx, args[0])
			if err != nil {
				return fmt.Errorf("get execution detail: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "execution:    %s\n", detail.Summary.ID)
			fmt.Fprintf(out, "status:       %s\n", detail.Summary.Status)
			fmt.Fprintf(out, "input:        %s\n", detail.Summary.InputPreview)
			fmt.Fprintf(out, "output:       %s\n", detail.Summary.OutputPreview)
			fmt.Fprintf(out, "events:       %d (llm=%d tool=%d errors=%d)\n",
				detail.Stats.EventCount, detail.Stats.LLMRequestCount, detail.Stats.ToolCallCount, detail.Stats.ErrorCount)
			for _, ev := range detail.Events {
				fmt.Fprintf(out, "  seq=%d type=%s\n", ev.SequenceNum, ev.Type)
			}
			return nil
		},
	})

	return cmd
}

// buildMemoryCmd exposes the memory store's knowledge-graph view: run a
// search against the configured vector memory backend and fold the
// matched entries' tags into a co-occurrence graph.
func buildMemoryCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "memory", Short: "Inspect stored memory entries"}

	var limit int
	graphCmd := &cobra.Command{
		Use:   "graph <query>",
		Short: "Build a tag co-occurrence graph from entries matching a query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			mgr, err := memory.NewManager(&cfg.VectorMemory)
			if err != nil {
				return fmt.Errorf("build memory manager: %w", err)
			}
			defer mgr.Close()

			resp, err := mgr.Search(ctx, &models.SearchRequest{Query: args[0], Scope: models.ScopeGlobal, Limit: limit})
			if err != nil {
				return fmt.Errorf("search memory: %w", err)
			}

			entries := make([]*models.MemoryEntry, 0, len(resp.Results))
			for _, r := range resp.Results {
				entries = append(entries, r.Entry)
			}
			graph := memory.BuildGraph(entries)
			stats := memory.GraphStats(entries, graph)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "entries=%d entities=%d\n", stats.EntryCount, stats.EntityCount)
			for _, n := range graph.Nodes {
				fmt.Fprintf(out, "  node %-20s mentions=%d\n", n.Label, n.MentionCount)
			}
			for _, e := range graph.Edges {
				fmt.Fprintf(out, "  edge %s -- %s weight=%d\n", e.Source, e.Target, e.Weight)
			}
			return nil
		},
	}
	graphCmd.Flags().IntVar(&limit, "limit", 20, "maximum number of matching entries to fold into the graph")
	cmd.AddCommand(graphCmd)

	return cmd
}

// buildRagCmd groups document-index maintenance and retrieval-quality
// evaluation utilities that sit alongside the document_search tool:
// installing a directory of documents ("packs") into the index, and
// scoring retrieval precision/recall against a hand-written test set.
func buildRagCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "rag", Short: "Maintain and evaluate the document retrieval index"}

	cmd.AddCommand(&cobra.Command{
		Use:   "install-pack <dir>",
		Short: "Parse, chunk, and index every document under dir",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if !cfg.RAG.Enabled {
				return fmt.Errorf("rag.enabled is false in %s", configPath)
			}
			indexMgr, err := buildRAGIndexManager(cfg)
			if err != nil {
				return fmt.Errorf("build rag index: %w", err)
			}
			report, err := packs.Install(ctx, args[0], indexMgr)
			if err != nil {
				return fmt.Errorf("install pack: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "indexed %d documents, %d chunks (%d errors)\n", report.Documents, report.Chunks, len(report.Errors))
			return nil
		},
	})

	var limit int
	var threshold float32
	evalCmd := &cobra.Command{
		Use:   "eval <testset.yaml>",
		Short: "Score retrieval precision/recall/MRR against a test set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if !cfg.RAG.Enabled {
				return fmt.Errorf("rag.enabled is false in %s", configPath)
			}
			indexMgr, err := buildRAGIndexManager(cfg)
			if err != nil {
				return fmt.Errorf("build rag index: %w", err)
			}
			testSet, err := eval.LoadTestSet(args[0])
			if err != nil {
				return fmt.Errorf("load test set: %w", err)
			}
			evaluator := eval.NewEvaluator(indexMgr, &eval.Options{Limit: limit, Threshold: threshold})
			report, err := evaluator.Evaluate(ctx, testSet)
			if err != nil {
				return fmt.Errorf("evaluate: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "test set:  %s\n", report.TestSetName)
			fmt.Fprintf(out, "precision: %.3f  recall: %.3f  mrr: %.3f  ndcg: %.3f\n",
				report.Summary.AvgPrecision, report.Summary.AvgRecall, report.Summary.AvgMRR, report.Summary.AvgNDCG)
			return nil
		},
	}
	evalCmd.Flags().IntVar(&limit, "limit", 10, "results to retrieve per query")
	evalCmd.Flags().Float32Var(&threshold, "threshold", 0.7, "minimum similarity score")
	cmd.AddCommand(evalCmd)

	return cmd
}

// buildApprovalsCmd exposes the pending-tool-approval workflow: listing
// requests awaiting a decision and resolving one. Resolving as someone
// other than the original requester requires a bearer token carrying the
// "admin" scope, validated against tools.execution.approval.responder_jwt_secret.
func buildApprovalsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "approvals", Short: "List and resolve pending tool-call approval requests"}

	var agentID string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List pending approval requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnv(cmd.Context())
			if err != nil {
				return err
			}
			pending, err := env.approvals.GetPendingRequests(cmd.Context(), agentID)
			if err != nil {
				return fmt.Errorf("list pending approvals: %w", err)
			}
			out := cmd.OutOrStdout()
			for _, req := range pending {
				fmt.Fprintf(out, "%s  tool=%s  agent=%s  nonce=%s  reason=%s\n", req.ID, req.ToolName, req.AgentID, req.Nonce, req.Reason)
			}
			return nil
		},
	}
	listCmd.Flags().StringVar(&agentID, "agent", "", "filter by agent id (empty lists all)")
	cmd.AddCommand(listCmd)

	var userID, token string
	resolveCmd := &cobra.Command{
		Use:   "resolve <request-id> <nonce> <allow|deny>",
		Short: "Resolve a pending approval request",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnv(cmd.Context())
			if err != nil {
				return err
			}

			decision := agent.ApprovalDenied
			switch strings.ToLower(args[2]) {
			case "allow", "allowed":
				decision = agent.ApprovalAllowed
			case "deny", "denied":
				decision = agent.ApprovalDenied
			default:
				return fmt.Errorf("decision must be allow or deny, got %q", args[2])
			}

			responder := agent.ResponderAuth{UserID: userID}
			if token != "" {
				responder, err = agent.ResolveResponderAuth(env.responderTokens, token)
				if err != nil {
					return fmt.Errorf("validate responder token: %w", err)
				}
			}

			resolved, err := env.approvals.Resolve(cmd.Context(), args[0], args[1], decision, responder)
			if err != nil {
				return fmt.Errorf("resolve approval: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", resolved.ID, resolved.Decision)
			return nil
		},
	}
	resolveCmd.Flags().StringVar(&userID, "user", "", "responder user id (used when --token is not given)")
	resolveCmd.Flags().StringVar(&token, "token", "", "signed responder JWT carrying the admin scope to resolve another user's request")
	cmd.AddCommand(resolveCmd)

	return cmd
}
