package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/coderelay/coderelay/pkg/chat"
	"github.com/coderelay/coderelay/pkg/codex"
	"github.com/coderelay/coderelay/pkg/config"
	"github.com/coderelay/coderelay/pkg/gateway"
	relaylog "github.com/coderelay/coderelay/pkg/log"
	"github.com/coderelay/coderelay/pkg/runtime"
	"github.com/coderelay/coderelay/pkg/server"
	"github.com/coderelay/coderelay/pkg/store"
)

var (
	serveAddr            string
	serveLogLevel        string
	serveLogFormat       string
	serveCodexVersion    string
	serveInstructionsDir string
	serveSkipInstall     bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat relay server",
	Long: `Run the HTTP server: session REST endpoints, the websocket chat
endpoint that spawns one Codex turn per user message, the prompt
library, and the embedded gateway proxy the CLI talks to.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		// .env is optional; real environment wins.
		_ = godotenv.Load()

		logCfg := relaylog.Config{
			Level:  relaylog.Level(serveLogLevel),
			Format: serveLogFormat,
		}
		if err := relaylog.Init(logCfg); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		defer relaylog.Sync()

		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if serveAddr != "" {
			cfg.ListenAddr = serveAddr
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		initializer := runtime.NewInitializer(cfg.Paths, serveCodexVersion, serveInstructionsDir)
		var binary string
		if serveSkipInstall {
			binary = "codex"
		} else {
			state, err := initializer.Prepare(ctx)
			if err != nil {
				return fmt.Errorf("failed to prepare runtime: %w", err)
			}
			binary = state.Binary
			relaylog.Info("runtime ready", "binary", state.Binary, "codex_version", state.Version)
		}

		st, err := store.Open(ctx, cfg.Paths.DatabasePath)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer st.Close()

		gwCfg, err := config.LoadGatewayConfig(cfg.Paths)
		if err != nil {
			return fmt.Errorf("failed to load gateway config: %w", err)
		}
		registry, err := gateway.NewRegistry(gwCfg)
		if err != nil {
			return fmt.Errorf("failed to build gateway registry: %w", err)
		}

		runner := &codex.Runner{
			Binary:       binary,
			ModelAlias:   cfg.ModelAlias,
			GatewayURL:   cfg.GatewayURL,
			StaticAPIKey: cfg.StaticAPIKey,
			DataReadDir:  cfg.Paths.ReadDir,
			JSONFlags:    codex.ParseJSONFlags(os.Getenv("CODEX_JSON_FLAG")),
		}

		srv, err := server.NewServer(server.Options{
			Config:   cfg,
			Store:    st,
			Backends: registry,
			Starter:  chat.NewRunnerStarter(runner),
			Gateway:  gateway.NewHandler(registry, relaylog.Get()),
			EnsurePaths: func(userID, sessionID string) (codex.SessionPaths, error) {
				return runtime.EnsureSessionPaths(cfg.Paths, userID, sessionID)
			},
		})
		if err != nil {
			return err
		}

		relaylog.Info("serve started", "addr", cfg.ListenAddr, "db", cfg.Paths.DatabasePath)
		if err := srv.Start(ctx); err != nil && err != context.Canceled {
			return err
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides CODERELAY_LISTEN_ADDR)")
	serveCmd.Flags().StringVar(&serveLogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	serveCmd.Flags().StringVar(&serveLogFormat, "log-format", "console", "Log format: console or json")
	serveCmd.Flags().StringVar(&serveCodexVersion, "codex-version", "", "Codex CLI version to install (defaults to CODEX_VERSION)")
	serveCmd.Flags().StringVar(&serveInstructionsDir, "instructions-dir", "", "Directory of shared instruction docs synced into the read dir")
	serveCmd.Flags().BoolVar(&serveSkipInstall, "skip-install", false, "Skip CLI installation and use codex from PATH")
	rootCmd.AddCommand(serveCmd)
}
