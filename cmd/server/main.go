// Package main is the entry point for the Jailbox MCP server.
//
// The Jailbox server is a sandboxed execution broker: it accepts
// commands together with a confinement policy and runs them inside
// Linux namespace and cgroup isolation, with bounded output capture,
// wall-clock timeouts, and cooperative cancellation. The server
// supports both stdio and HTTP transports.
//
// The application uses Uber's fx framework for dependency injection and
// lifecycle management, with zap for structured logging and viper for
// configuration.
package main

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/jailbox/broker"
	"github.com/isdmx/jailbox/config"
	"github.com/isdmx/jailbox/logger"
	"github.com/isdmx/jailbox/mcpserver"
	"github.com/isdmx/jailbox/sandbox"
)

// newBroker builds the execution broker from configuration.
func newBroker(cfg *config.Config, log *zap.Logger) *broker.Broker {
	return broker.New(log,
		broker.WithCgroupParent(cfg.Broker.CgroupParent),
		broker.WithGracePeriod(cfg.GetGracePeriod()),
		broker.WithOutputLimit(cfg.GetOutputLimit()),
		broker.WithMaxArtifactSize(cfg.GetMaxArtifactSize()),
	)
}

func main() {
	// The sandbox init child re-executes this binary; when that is who we
	// are, run the in-namespace setup and never return.
	sandbox.MaybeRunInit()

	app := fx.New(
		// Provide dependencies
		fx.Provide(
			// Config
			config.New,

			// Logger with configuration
			logger.NewFromConfig,

			// Execution broker
			newBroker,
			func(b *broker.Broker) mcpserver.Executor { return b },

			// MCP Server
			mcpserver.New,
		),

		// Start the appropriate transport based on config, and drain live
		// runs on shutdown.
		fx.Invoke(
			func(lc fx.Lifecycle, cfg *config.Config, b *broker.Broker, server *mcpserver.MCPServer) {
				lc.Append(fx.Hook{
					OnStart: func(context.Context) error {
						switch cfg.Server.Transport {
						case "stdio":
							go func() {
								if err := server.ServeStdio(); err != nil {
									panic(err)
								}
							}()
						case "http":
							go func() {
								if err := server.ServeHTTP(); err != nil {
									panic(err)
								}
							}()
						default:
							panic("unsupported transport: " + cfg.Server.Transport)
						}
						return nil
					},
					OnStop: func(ctx context.Context) error {
						return b.Shutdown(ctx)
					},
				})
			},
		),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	// Start the application
	app.Run()
}
