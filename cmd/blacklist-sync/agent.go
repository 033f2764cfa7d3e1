package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/MarcoPoloResearchLab/blacklist-sync/internal/agent"
	"github.com/MarcoPoloResearchLab/blacklist-sync/internal/config"
	"github.com/MarcoPoloResearchLab/blacklist-sync/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func newAgentCommand() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Keep a local blacklist copy in sync with the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context(), once)
		},
	}

	defaults := config.NewViper()
	cmd.Flags().BoolVar(&once, "once", false, "Sync a single time and exit")
	cmd.Flags().String("server-url", defaults.GetString("agent.server_url"), "Sync server base URL")
	cmd.Flags().String("state-path", defaults.GetString("agent.state_path"), "Local bbolt state file")
	cmd.Flags().String("agent-client-secret", "", "Shared sync client secret (overrides env)")
	cmd.Flags().Duration("interval", defaults.GetDuration("agent.interval"), "Interval between syncs")
	cmd.Flags().Int("page-size", defaults.GetInt("agent.page_size"), "Maximum log entries per delta request")

	bindFlag(cmd, "agent.server_url", "server-url")
	bindFlag(cmd, "agent.state_path", "state-path")
	bindFlag(cmd, "agent.client_secret", "agent-client-secret")
	bindFlag(cmd, "agent.interval", "interval")
	bindFlag(cmd, "agent.page_size", "page-size")
	return cmd
}

func runAgent(ctx context.Context, once bool) error {
	agentConfig, err := config.LoadAgent(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(agentConfig.LogLevel, "agent")
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	store, err := agent.OpenStore(agentConfig.StatePath)
	if err != nil {
		return err
	}
	defer store.Close()

	source, err := agent.NewHTTPSource(agent.HTTPSourceConfig{
		BaseURL:      agentConfig.ServerURL,
		ClientSecret: agentConfig.ClientSecret,
		Timeout:      agentConfig.HTTPTimeout,
	})
	if err != nil {
		return err
	}

	syncAgent, err := agent.New(agent.Config{
		Store:    store,
		Source:   source,
		PageSize: agentConfig.PageSize,
		Interval: agentConfig.Interval,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if once {
		result, err := syncAgent.SyncOnce(signalCtx)
		if err != nil {
			return err
		}
		logger.Info("sync completed",
			zap.Int("pages", result.Pages),
			zap.Int("applied", result.Applied),
			zap.Int("skipped", result.Skipped),
			zap.Int64("last_sync_time", result.Cursor.Int64()))
		return nil
	}

	logger.Info("agent starting",
		zap.String("client_id", syncAgent.ClientID().String()),
		zap.String("server_url", agentConfig.ServerURL))
	return syncAgent.Run(signalCtx)
}
