package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/rendis/nodeflow/internal/config"
	"github.com/rendis/nodeflow/internal/engine"
	"github.com/rendis/nodeflow/internal/logging"
	"github.com/rendis/nodeflow/internal/nodes"
	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/internal/trigger"
	nfmcp "github.com/rendis/nodeflow/pkg/mcp"
	"github.com/rendis/nodeflow/pkg/schema"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the workflow engine over MCP stdio and run cron triggers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

// serve wires the store, engine, trigger scheduler and MCP server, and
// blocks until ctx ends or the MCP client disconnects.
func serve(ctx context.Context, cfg *config.Config) error {
	// stdout carries the MCP protocol; logs go to stderr.
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	kv, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return err
	}
	defer kv.Close()

	var (
		tools     nodes.ToolInvoker
		agents    nodes.AgentInvoker
		toolsConn *client.Client
	)
	if cfg.MCPTools.Command != "" {
		invoker, c, err := nodes.DialStdioTools(ctx, cfg.MCPTools.Command, cfg.MCPTools.Env, cfg.MCPTools.Args...)
		if err != nil {
			return err
		}
		tools, toolsConn = invoker, c
		agents = nodes.ToolAgents{Tools: invoker, Prefix: cfg.MCPTools.AgentToolPrefix}
		defer toolsConn.Close()
		logger.Info("mcp tool server connected", slog.String("command", cfg.MCPTools.Command))
	}

	typeTimeouts := make(map[schema.NodeType]time.Duration, len(cfg.TypeTimeouts))
	for typ, d := range cfg.TypeTimeouts {
		typeTimeouts[schema.NodeType(typ)] = d
	}

	eng, err := engine.New(engine.Options{
		Store:         kv,
		Agents:        agents,
		Tools:         tools,
		Logger:        logger,
		MeterProvider: otel.GetMeterProvider(),
		PoolSize:      cfg.PoolSize,
		Timeouts: engine.NodeExecutorConfig{
			DefaultTimeout: cfg.NodeTimeout,
			TypeTimeouts:   typeTimeouts,
		},
		CircuitBreaker: &engine.CircuitBreakerConfig{
			FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
			Cooldown:         cfg.CircuitBreaker.Cooldown,
			HalfOpenMax:      cfg.CircuitBreaker.HalfOpenMax,
		},
	})
	if err != nil {
		return err
	}

	triggers := trigger.NewScheduler(kv, eng, logger, cfg.TriggerTick)
	if n, err := triggers.RecoverMissed(ctx); err != nil {
		logger.Warn("missed trigger recovery failed", slog.String("error", err.Error()))
	} else if n > 0 {
		logger.Info("recovered missed triggers", slog.Int("count", n))
	}
	if err := triggers.Start(ctx); err != nil {
		return err
	}

	srv := nfmcp.NewNodeflowServer(nfmcp.NodeflowServerDeps{
		Engine:   eng,
		Triggers: triggers,
		Logger:   logger,
	})
	go func() {
		if err := srv.ForwardEvents(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("event forwarding stopped", slog.String("error", err.Error()))
		}
	}()

	logger.Info("nodeflow serving on stdio",
		slog.String("store", cfg.Store.Driver),
		slog.Int("pool_size", cfg.PoolSize),
		slog.Any("node_types", eng.NodeTypes()))
	serveErr := srv.Serve(ctx)

	triggers.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := eng.Shutdown(shutdownCtx); err != nil {
		logger.Error("engine shutdown", slog.String("error", err.Error()))
	}

	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return serveErr
	}
	return nil
}
