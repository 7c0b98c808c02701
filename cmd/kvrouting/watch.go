package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/couchbase/kvrouting/topology"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print every route config accepted from the cluster",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := setupEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		go handleReloadSignals(ctx, env)

		a, err := env.newAgent(ctx)
		if err != nil {
			return err
		}
		defer func() {
			_ = a.Close()
		}()

		watcher := topology.NewChannelWatcher()
		a.ConfigManager().AddConfigWatcher(watcher)
		defer a.ConfigManager().RemoveConfigWatcher(watcher)

		useTLS := a.ConfigManager().UseTLS()
		lastRev := a.RouteConfig().Revision()
		err = writeOutput(cmd.OutOrStdout(), env.config.format, a.RouteConfig().Summary(useTLS))
		if err != nil {
			return err
		}

		for {
			select {
			case cfg := <-watcher.C():
				// the first config may be delivered again by the watcher
				if cfg.Revision().Compare(lastRev) == 0 {
					continue
				}
				lastRev = cfg.Revision()

				env.logger.Info("route config updated",
					zap.Stringer("revision", cfg.Revision()),
					zap.Int("numNodes", len(cfg.KvEndpoints().Select(useTLS))))

				err := writeOutput(cmd.OutOrStdout(), env.config.format, cfg.Summary(useTLS))
				if err != nil {
					return err
				}
			case <-ctx.Done():
				env.logger.Info("received signal, shutting down")
				return nil
			}
		}
	},
}

// handleReloadSignals reloads the configuration on SIGHUP.
func handleReloadSignals(ctx context.Context, env *cliEnv) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-sigCh:
			env.logger.Info("Received SIGHUP, reloading configuration...")
			env.reloadConfiguration()
		case <-ctx.Done():
			return
		}
	}
}
