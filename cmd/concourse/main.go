package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/concourse/internal/auth"
	"github.com/mistakeknot/concourse/internal/cli"
	httpapi "github.com/mistakeknot/concourse/internal/http"
	"github.com/mistakeknot/concourse/internal/server"
	"github.com/mistakeknot/concourse/internal/storage"
	"github.com/mistakeknot/concourse/internal/storage/sqlite"
	"github.com/mistakeknot/concourse/internal/ws"
)

const defaultAddr = ":7438"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "concourse",
		Short:         "Event-sourced coordination substrate for coding agents",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().String("db", "", "database path (default: per-project resolution from the working directory)")
	root.AddCommand(serveCmd(), initCmd(), healthCmd(), replayCmd(), snapshotCmd(), migrateCmd())
	return root
}

func openStore(cmd *cobra.Command) (*sqlite.Store, error) {
	path, _ := cmd.Flags().GetString("db")
	if path == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("getwd: %w", err)
		}
		path, err = sqlite.ResolveDBPath(cwd)
		if err != nil {
			return nil, err
		}
	}
	return sqlite.New(path)
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordination server",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return fmt.Errorf("store init: %w", err)
			}
			defer store.Close()

			keysFile, _ := cmd.Flags().GetString("keys-file")
			var keyring *auth.Keyring
			if keysFile != "" {
				keyring, err = auth.LoadKeyring(keysFile)
			} else {
				keyring, err = auth.LoadKeyringFromEnv()
			}
			if err != nil {
				return fmt.Errorf("auth init: %w", err)
			}

			hub := ws.NewHub()
			resilient := sqlite.NewResilient(store)
			svc := httpapi.NewService(resilient).WithBroadcaster(hub)
			router := httpapi.NewRouter(svc, hub.Handler(), auth.Middleware(keyring))

			addr, _ := cmd.Flags().GetString("addr")
			socket, _ := cmd.Flags().GetString("socket")
			srv, err := server.New(server.Config{Addr: addr, SocketPath: socket, Handler: router})
			if err != nil {
				return fmt.Errorf("server init: %w", err)
			}

			interval, _ := cmd.Flags().GetDuration("sweep-interval")
			sweeper := sqlite.NewSweeper(store, interval)
			sweeper.Start(cmd.Context())
			defer sweeper.Stop()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()
			log.Printf("concourse: listening on %s", addr)

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().String("addr", defaultAddr, "TCP listen address")
	cmd.Flags().String("socket", "", "optional unix socket path")
	cmd.Flags().String("keys-file", "", "API keys file (default: CONCOURSE_KEYS_FILE or ./concourse.keys.yaml)")
	cmd.Flags().Duration("sweep-interval", time.Minute, "expired deferred/lock sweep interval")
	return cmd
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate an API key for a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectKey, _ := cmd.Flags().GetString("project-key")
			keysFile, _ := cmd.Flags().GetString("keys-file")
			if keysFile == "" {
				keysFile = auth.ResolveKeysPath()
			}
			key, err := cli.InitKeysFile(keysFile, projectKey)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "key for %s written to %s:\n%s\n", projectKey, keysFile, key)
			return nil
		},
	}
	cmd.Flags().String("project-key", "", "project the key grants access to")
	cmd.Flags().String("keys-file", "", "keys file to append to")
	_ = cmd.MarkFlagRequired("project-key")
	return cmd
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Print store health counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()
			h, err := store.Health(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"ok=%v events=%d agents=%d messages=%d active_reservations=%d\n",
				h.OK, h.Events, h.Agents, h.Messages, h.ActiveReservations)
			return nil
		},
	}
}

func replayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Rebuild a project's views from the event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			projectKey, _ := cmd.Flags().GetString("project-key")
			clearViews, _ := cmd.Flags().GetBool("clear-views")
			batchSize, _ := cmd.Flags().GetInt("batch-size")
			fromSequence, _ := cmd.Flags().GetUint64("from-sequence")

			result, err := store.ReplayBatched(cmd.Context(), projectKey, func(p storage.Progress) {
				fmt.Fprintf(cmd.OutOrStdout(), "replayed %d/%d (%.1f%%)\n", p.Processed, p.Total, p.Percent)
			}, storage.ReplayOptions{
				BatchSize:    batchSize,
				FromSequence: fromSequence,
				ClearViews:   clearViews,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "done: %d events in %s\n", result.EventsReplayed, result.Duration)
			return nil
		},
	}
	cmd.Flags().String("project-key", "", "project to replay")
	cmd.Flags().Bool("clear-views", true, "clear materialized views before replaying")
	cmd.Flags().Int("batch-size", 0, "events per transaction (0 = default)")
	cmd.Flags().Uint64("from-sequence", 0, "replay events after this sequence")
	_ = cmd.MarkFlagRequired("project-key")
	return cmd
}

func snapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Dump a project's full state as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			projectKey, _ := cmd.Flags().GetString("project-key")
			snap, err := store.Snapshot(cmd.Context(), projectKey)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		},
	}
	cmd.Flags().String("project-key", "", "project to snapshot")
	_ = cmd.MarkFlagRequired("project-key")
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Show or change the schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			if cmd.Flags().Changed("rollback-to") {
				target, _ := cmd.Flags().GetInt("rollback-to")
				if err := store.RollbackTo(target); err != nil {
					return err
				}
			}
			version, err := store.SchemaVersion()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", version)
			return nil
		},
	}
	cmd.Flags().Int("rollback-to", 0, "roll the schema back to this version")
	return cmd
}
