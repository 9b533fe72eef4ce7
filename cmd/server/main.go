package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"agentbrowser-core/internal/browser"
	"agentbrowser-core/internal/config"
	"agentbrowser-core/internal/logging"
	"agentbrowser-core/internal/mangle"
	mcpserver "agentbrowser-core/internal/mcp"
	"agentbrowser-core/internal/statusui"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

func main() {
	_ = godotenv.Load() // optional .env for CHROMIUM_PATH, OPENAI_API_KEY, etc.

	app := &cli.App{
		Name:  "agentbrowser-core",
		Usage: "browser-automation core server exposing navigation, research, and agent tools over MCP",
		Commands: []*cli.Command{
			serveCommand(),
			initWorkspaceCommand(),
			statusCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the MCP server (stdio by default, SSE when --sse-port is set)",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "path to config file (overrides workspace config)"},
			&cli.IntFlag{Name: "sse-port", Usage: "optional SSE port override (falls back to config)"},
			&cli.BoolFlag{Name: "no-workspace", Usage: "disable .agentbrowser/ workspace discovery"},
			&cli.StringFlag{Name: "workspace-dir", Usage: "explicit workspace root (skip walk-up discovery)"},
		},
		Action: runServe,
	}
}

func initWorkspaceCommand() *cli.Command {
	return &cli.Command{
		Name:  "init-workspace",
		Usage: "create .agentbrowser/ template in the target directory and exit",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "workspace-dir", Value: ".", Usage: "directory to initialize"},
		},
		Action: func(c *cli.Context) error {
			root := c.String("workspace-dir")
			if err := config.InitWorkspace(root); err != nil {
				return fmt.Errorf("failed to initialize workspace: %w", err)
			}
			fmt.Printf("created .agentbrowser/ workspace in %s\n", root)
			return nil
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "live terminal dashboard of research sessions for a running server",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "path to config file"},
		},
		Action: func(c *cli.Context) error {
			cfg, _, err := config.LoadWithWorkspace(c.String("config"), config.WorkspaceOptions{})
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return statusui.Run(cfg)
		},
	}
}

func runServe(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := config.WorkspaceOptions{
		Disable:     c.Bool("no-workspace"),
		ExplicitDir: c.String("workspace-dir"),
	}

	cfg, wsDir, err := config.LoadWithWorkspace(c.String("config"), opts)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if ssePort := c.Int("sse-port"); ssePort != 0 {
		cfg.MCP.SSEPort = ssePort
	}

	// Redirect logging to file for stdio mode; stderr interferes with MCP framing.
	logPath := ""
	if cfg.MCP.SSEPort == 0 {
		logPath = cfg.Server.LogFile
	}
	closer, err := logging.Init(logPath, false)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer closer.Close()

	log := logging.Component("main")
	if wsDir != "" {
		log.Info().Msgf("using workspace config from %s", wsDir)
	}

	mangleEngine, err := mangle.NewEngine(cfg.Mangle)
	if err != nil {
		return fmt.Errorf("failed to initialize mangle engine: %w", err)
	}

	sessionManager := browser.NewSessionManager(cfg.Browser, mangleEngine)
	if cfg.Browser.AutoStart {
		if err := sessionManager.Start(ctx); err != nil {
			return fmt.Errorf("failed to initialize session manager: %w", err)
		}
	} else {
		log.Info().Msg("browser auto-start disabled; use MCP tools to launch/attach later")
	}

	server, err := mcpserver.NewServer(cfg, sessionManager, mangleEngine)
	if err != nil {
		return fmt.Errorf("failed to initialize MCP server: %w", err)
	}
	defer server.Close()
	server.ResearchRegistry().StartSweeper(ctx)

	var startErr error
	if cfg.MCP.SSEPort > 0 {
		log.Info().Msgf("starting agentbrowser-core MCP SSE server on port %d", cfg.MCP.SSEPort)
		startErr = server.StartSSE(ctx, cfg.MCP.SSEPort)
	} else {
		log.Info().Msg("starting agentbrowser-core MCP stdio server")
		startErr = server.Start(ctx)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Research.StopAckTimeout())
	defer cancel()
	if err := server.ResearchRegistry().Shutdown(shutdownCtx); err != nil {
		log.Info().Msgf("research registry shutdown: %v", err)
	}
	if err := sessionManager.Shutdown(shutdownCtx); err != nil {
		log.Info().Msgf("session manager shutdown: %v", err)
	}

	if startErr != nil && !errors.Is(startErr, context.Canceled) {
		return fmt.Errorf("server exited with error: %w", startErr)
	}
	return nil
}
