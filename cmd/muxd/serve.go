// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/muxrun/mux/internal/agentdef"
	"github.com/muxrun/mux/internal/compaction"
	"github.com/muxrun/mux/internal/config"
	"github.com/muxrun/mux/internal/history"
	"github.com/muxrun/mux/internal/httpapi"
	"github.com/muxrun/mux/internal/index"
	"github.com/muxrun/mux/internal/initstate"
	"github.com/muxrun/mux/internal/orchestrator"
	"github.com/muxrun/mux/internal/provider"
	"github.com/muxrun/mux/internal/runtime"
	"github.com/muxrun/mux/internal/stream"
	"github.com/muxrun/mux/internal/task"
	"github.com/muxrun/mux/internal/tool"
	"github.com/muxrun/mux/internal/wiring"
	"github.com/muxrun/mux/internal/workspace"
	"github.com/muxrun/mux/internal/wsservice"
)

type serveOptions struct {
	root            string
	host            string
	httpPort        int
	logLevel        string
	logFormat       string
	llmProvider     string
	anthropicKey    string
	anthropicModel  string
	bedrockRegion   string
	bedrockProfile  string
	bedrockModel    string
	temperature     float64
	maxTokens       int
	compactSchedule string
}

func serveCmd() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestrator daemon",
		Long: `Start muxd's HTTP+SSE server.

The daemon initializes the config/history/index stores, loads agent
definitions, resumes any task workspaces left awaiting a report from a
prior run, starts the idle-compaction sweep, and serves the Workspace
Service over HTTP until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.root, "root", config.Root(), "orchestrator data directory (default: $MUX_ROOT or ~/.mux)")
	cmd.Flags().StringVar(&opts.host, "host", "127.0.0.1", "HTTP server bind host")
	cmd.Flags().IntVar(&opts.httpPort, "http-port", 4170, "HTTP/REST+SSE server port")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&opts.logFormat, "log-format", "json", "log format (json, console)")
	cmd.Flags().StringVar(&opts.llmProvider, "llm-provider", "anthropic", "default LLM provider (anthropic, bedrock)")
	cmd.Flags().StringVar(&opts.anthropicKey, "anthropic-key", "", "Anthropic API key (or use keyring/ANTHROPIC_API_KEY)")
	cmd.Flags().StringVar(&opts.anthropicModel, "anthropic-model", provider.DefaultAnthropicModel, "default Anthropic model")
	cmd.Flags().StringVar(&opts.bedrockRegion, "bedrock-region", "us-east-1", "AWS region for the Bedrock provider")
	cmd.Flags().StringVar(&opts.bedrockProfile, "bedrock-profile", "", "AWS shared-config profile for the Bedrock provider")
	cmd.Flags().StringVar(&opts.bedrockModel, "bedrock-model", provider.DefaultBedrockModelID, "default Bedrock model id")
	cmd.Flags().Float64Var(&opts.temperature, "temperature", 1.0, "LLM temperature")
	cmd.Flags().IntVar(&opts.maxTokens, "max-tokens", 8192, "maximum output tokens per request")
	cmd.Flags().StringVar(&opts.compactSchedule, "compaction-schedule", "*/15 * * * *", "cron schedule for the idle-compaction sweep")

	return cmd
}

func newLogger(opts *serveOptions) (*zap.Logger, error) {
	var zapConfig zap.Config
	if opts.logFormat == "console" {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
	}
	level := zap.InfoLevel
	if opts.logLevel != "" {
		if err := level.UnmarshalText([]byte(opts.logLevel)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", opts.logLevel, err)
		}
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)
	return zapConfig.Build(zap.AddStacktrace(zap.ErrorLevel))
}

// buildProviderFactory resolves "<provider>:<model>" strings (spec
// §4.8 phase 3) into a ready provider.Provider, reading credentials
// from the secrets store with a flag/env fallback so a freshly
// installed daemon can run against an env-var key before a client
// ever calls the (not-yet-built) credentials-management surface.
func buildProviderFactory(secrets config.SecretsStore, opts *serveOptions, logger *zap.Logger) orchestrator.ProviderFactory {
	limiter := provider.NewRateLimiter(provider.RateLimiterConfig{Logger: logger})

	return func(ctx context.Context, modelString string) (provider.Provider, error) {
		name, model := splitModelString(modelString, opts.llmProvider)

		switch name {
		case "anthropic":
			key, err := secrets.Get("anthropicApiKey")
			if err != nil || key == "" {
				key = firstNonEmpty(opts.anthropicKey, os.Getenv("ANTHROPIC_API_KEY"))
			}
			if key == "" {
				return nil, &orchestrator.OrchestratorError{Kind: orchestrator.ErrAPIKeyNotFound, Provider: name}
			}
			if model == "" {
				model = opts.anthropicModel
			}
			return provider.NewAnthropic(provider.AnthropicConfig{
				APIKey:      key,
				Model:       model,
				MaxTokens:   opts.maxTokens,
				Temperature: opts.temperature,
				Logger:      logger,
			}, limiter), nil

		case "bedrock":
			if model == "" {
				model = opts.bedrockModel
			}
			p, err := provider.NewBedrock(ctx, provider.BedrockConfig{
				ModelID:     model,
				Region:      opts.bedrockRegion,
				Profile:     opts.bedrockProfile,
				MaxTokens:   opts.maxTokens,
				Temperature: opts.temperature,
				Logger:      logger,
			}, limiter)
			if err != nil {
				return nil, &orchestrator.OrchestratorError{Kind: orchestrator.ErrAPIKeyNotFound, Provider: name, Message: err.Error()}
			}
			return p, nil

		default:
			return nil, &orchestrator.OrchestratorError{Kind: orchestrator.ErrProviderNotSupported, Provider: name}
		}
	}
}

func splitModelString(modelString, defaultProvider string) (name, model string) {
	for i := 0; i < len(modelString); i++ {
		if modelString[i] == ':' {
			return modelString[:i], modelString[i+1:]
		}
	}
	if modelString != "" {
		return defaultProvider, modelString
	}
	return defaultProvider, ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// resolveRuntime builds the runtime.Runtime a workspace's RuntimeConfig
// names, satisfying orchestrator.Deps.Runtimes/wsservice's own runtime
// needs (spec §4.1).
func resolveRuntime(cfgStore *config.Store, muxRoot string) func(wsID string) (runtime.Runtime, error) {
	return func(wsID string) (runtime.Runtime, error) {
		ws, _, err := cfgStore.FindWorkspace(wsID)
		if err != nil {
			return nil, err
		}
		sessionRoot := config.SubDir("sessions")
		switch ws.RuntimeConfig.Mode {
		case workspace.RuntimeWorktree:
			return runtime.NewWorktree(filepath.Join(sessionRoot, wsID), ws.RuntimeConfig.SrcBaseDir), nil
		case workspace.RuntimeSSH:
			return runtime.NewSSH(ws.RuntimeConfig.Host, ws.RuntimeConfig.Port, ws.RuntimeConfig.IdentityFile, "", filepath.Join(sessionRoot, wsID)), nil
		case workspace.RuntimeContainer:
			return runtime.NewContainer(ws.RuntimeConfig.ContainerName, ws.RuntimeConfig.ContainerImage, filepath.Join(sessionRoot, wsID))
		default:
			return runtime.NewLocal(filepath.Join(sessionRoot, wsID)), nil
		}
	}
}

// maxTaskDepthFor walks a workspace's ParentWorkspaceID chain to
// compute its current task-nesting depth against the owning project's
// taskSettings, feeding orchestrator.Deps.MaxTaskDepth (spec §4.10
// step 1's check, re-derived here since L8 has no Task-Service
// dependency to call into).
func maxTaskDepthFor(cfgStore *config.Store) func(wsID string) (int, int, error) {
	return func(wsID string) (int, int, error) {
		doc := cfgStore.Load()
		ws, projectPath, err := cfgStore.FindWorkspace(wsID)
		if err != nil {
			return 0, 0, err
		}
		limit := 10
		if p, ok := doc.Projects[projectPath]; ok && p.TaskSettings != nil && p.TaskSettings.MaxTaskNestingDepth > 0 {
			limit = p.TaskSettings.MaxTaskNestingDepth
		} else if doc.TaskSettings.MaxTaskNestingDepth > 0 {
			limit = doc.TaskSettings.MaxTaskNestingDepth
		}

		depth := 0
		cur := ws
		for cur.ParentWorkspaceID != "" {
			parent, _, err := cfgStore.FindWorkspace(cur.ParentWorkspaceID)
			if err != nil {
				break
			}
			depth++
			cur = parent
		}
		return depth, limit, nil
	}
}

func defaultAgentDefinitions() map[string][]byte {
	return map[string][]byte{
		"default.md": []byte(`---
name: Default
description: General-purpose coding assistant with full tool access.
---
You are a careful, concise coding assistant. Read before you write, make the smallest change that satisfies the request, and explain non-obvious decisions briefly.
`),
	}
}

func runServe(ctx context.Context, opts *serveOptions) error {
	logger, err := newLogger(opts)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if err := os.MkdirAll(opts.root, 0o750); err != nil {
		return fmt.Errorf("muxd: create root dir: %w", err)
	}
	logger.Info("starting muxd", zap.String("root", opts.root))

	cfgStore := config.NewStore(opts.root, logger)
	historyStore := history.NewStore(opts.root, logger)
	initMgr := initstate.NewManager(opts.root, logger)
	secrets := config.NewSecretsStore(opts.root, logger)

	builtinAgents, err := agentdef.LoadBuiltin(defaultAgentDefinitions())
	if err != nil {
		return fmt.Errorf("muxd: load builtin agents: %w", err)
	}
	globalAgents, err := agentdef.LoadDir(config.SubDir("agents"), agentdef.ScopeGlobal)
	if err != nil {
		return fmt.Errorf("muxd: load global agents: %w", err)
	}
	agents := agentdef.NewRegistry(builtinAgents, globalAgents, nil)

	tools := tool.NewRegistry()
	runtimes := resolveRuntime(cfgStore, opts.root)
	procs := tool.NewBackgroundProcesses()
	costLookup := func(wsID string) float64 {
		cost, _ := historyStore.CumulativeCostUSD(wsID)
		return cost
	}
	tools.Register(tool.Definition{Name: tool.NameFileRead, Handler: tool.NewFileReadHandler(runtimes)})
	tools.Register(tool.Definition{Name: tool.NameFileEditReplaceString, Handler: tool.NewFileEditReplaceStringHandler(runtimes)})
	tools.Register(tool.Definition{Name: tool.NameFileEditInsert, Handler: tool.NewFileEditInsertHandler(runtimes)})
	tools.Register(tool.Definition{Name: tool.NameBash, Handler: tool.NewBashHandler(runtimes, costLookup)})
	tools.Register(tool.Definition{Name: tool.NameBashBackgroundStart, Handler: tool.NewBashBackgroundStartHandler(runtimes, procs, costLookup)})
	tools.Register(tool.Definition{Name: tool.NameBashOutput, Handler: tool.NewBashOutputHandler(procs)})
	tools.Register(tool.Definition{Name: tool.NameProposePlan, Handler: tool.NewProposePlanHandler()})
	tools.Register(tool.Definition{Name: tool.NameAskUserQuestion, Handler: tool.NewAskUserQuestionHandler()})

	streamMgr := stream.NewManager(historyStore, logger)

	orch := orchestrator.New(orchestrator.Deps{
		Config:       cfgStore,
		History:      historyStore,
		InitState:    initMgr,
		Agents:       agents,
		Tools:        tools,
		Stream:       streamMgr,
		Runtimes:     runtimes,
		Providers:    buildProviderFactory(secrets, opts, logger),
		MaxTaskDepth: maxTaskDepthFor(cfgStore),
		Logger:       logger,
	})

	wsSvc := wsservice.New(wsservice.Deps{
		MuxRoot:      opts.root,
		Config:       cfgStore,
		History:      historyStore,
		InitState:    initMgr,
		Orchestrator: orch,
		Logger:       logger,
	})

	taskSvc := task.New(task.Deps{
		Config:  cfgStore,
		History: historyStore,
		SendMessage: func(ctx context.Context, wsID, prompt string, opts task.SendMessageOptions) error {
			return wsSvc.SendMessage(ctx, wsID, prompt, wsservice.SendOptions{
				Model:                opts.Model,
				ThinkingLevel:        opts.ThinkingLevel,
				AllowQueuedAgentTask: opts.AllowQueuedAgentTask,
			})
		},
		ResumeStream: func(ctx context.Context, wsID string, opts task.ResumeOptions) error {
			return wsSvc.ResumeStream(ctx, wsID, wsservice.SendOptions{
				AdditionalSystemInstructions: opts.AdditionalSystemInstructions,
			})
		},
		RemoveWorkspace: func(ctx context.Context, wsID string) error {
			return wsSvc.Remove(ctx, wsID, true)
		},
		Logger: logger,
	})

	tools.Register(tool.Definition{Name: tool.NameTask, Handler: tool.NewTaskHandler(taskSvc)})
	tools.Register(tool.Definition{Name: tool.NameAgentReport, Handler: tool.NewAgentReportHandler(taskSvc)})

	idx, err := index.Open(ctx, opts.root, logger)
	if err != nil {
		return fmt.Errorf("muxd: open index: %w", err)
	}
	defer idx.Close()
	idx.Rebuild(cfgStore.Load())
	cfgStore.OnChange(func(doc *config.Document) { idx.Rebuild(doc) })

	sweeper := compaction.New(compaction.Deps{
		Config:   cfgStore,
		History:  historyStore,
		Chat:     wsSvc,
		Stream:   orch,
		Logger:   logger,
		Schedule: opts.compactSchedule,
	})
	if err := sweeper.Start(ctx); err != nil {
		return fmt.Errorf("muxd: start compaction sweeper: %w", err)
	}
	defer sweeper.Stop()

	hook := wiring.NewStreamEndHook(wiring.StreamEndHookDeps{
		Stream:  streamMgr,
		History: historyStore,
		Config:  cfgStore,
		Tasks:   taskSvc,
		Logger:  logger,
	})
	hookCtx, cancelHook := context.WithCancel(ctx)
	defer cancelHook()
	go hook.Run(hookCtx)

	if err := taskSvc.Initialize(ctx); err != nil {
		logger.Warn("task service initialize", zap.Error(err))
	}

	router := httpapi.New(httpapi.Deps{
		Workspaces: wsSvc,
		Stream:     streamMgr,
		Index:      idx,
		Logger:     logger,
	})
	sseCtx, cancelSSE := context.WithCancel(ctx)
	defer cancelSSE()
	go router.Run(sseCtx)

	addr := fmt.Sprintf("%s:%d", opts.host, opts.httpPort)
	httpSrv := &http.Server{Addr: addr, Handler: router}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", addr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			logger.Error("http server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown", zap.Error(err))
	}
	return nil
}
