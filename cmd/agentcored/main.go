// Command agentcored is the per-machine daemon: it supervises agent
// subprocesses, multiplexes their session event streams, and exposes
// both to local clients over a Unix socket (spec §4.1, §4.2, §8).
//
// Grounded on the teacher's cmd/agnt/main.go: a cobra root command with
// persistent flags (--config, --log-level) and a static version string.
// The root command itself runs the daemon; there are no subcommands.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/coderelay/sessioncore/internal/config"
	"github.com/coderelay/sessioncore/internal/localserver"
	"github.com/coderelay/sessioncore/internal/logging"
	"github.com/coderelay/sessioncore/internal/permission"
	"github.com/coderelay/sessioncore/internal/sessionstore"
)

const appName = "agentcored"

var appVersion = "0.1.0"

var (
	flagConfigPath string
	flagLogLevel   string
)

var rootCmd = &cobra.Command{
	Use:     appName,
	Short:   "Session & transport core daemon wrapping a coding-agent subprocess",
	Version: appVersion,
	RunE:    runDaemon,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfigPath, "config", config.DaemonConfigFileName, "path to daemon.kdl")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level: debug, info, warn, error")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	logger := logging.New("agentcored", flagLogLevel, os.Stderr)

	cfg, err := config.LoadDaemonConfig(flagConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := sessionstore.Open(cfg.SessionStorePath)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer store.Close()

	// The daemon starts with an empty rule set, so every
	// permission_request falls through to ask_user.
	defaultRules, err := permission.NewRuleSet(nil, permission.DecisionAskUser)
	if err != nil {
		return fmt.Errorf("build default rule set: %w", err)
	}

	h := newHub(cfg, store, defaultRules, logger)

	srv := localserver.New(cfg.SocketPath, h, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("start local server: %w", err)
	}
	logger.Info().Str("socket", cfg.SocketPath).Msg("agentcored listening")

	<-ctx.Done()
	logger.Info().Msg("agentcored shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.CrashWindow)
	defer cancel()
	return srv.Stop(shutdownCtx)
}
