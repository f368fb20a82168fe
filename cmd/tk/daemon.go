package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/taskkeep/taskkeep/internal/daemon"
	"github.com/taskkeep/taskkeep/internal/dashboard"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the background sync daemon",
	Long: `Run the daemon that keeps the local database and the remote backup
converged.

The daemon watches the database for changes made by other tk processes,
probes network connectivity, and polls the remote backup for changes
made on other devices. With --dashboard it also serves the WebSocket
status dashboard.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		eng, err := buildEngine(cmd.Context(), st)
		if err != nil {
			return err
		}

		cfg := daemon.DefaultConfig()
		cfg.LogFile = filepath.Join(dataDir(), "daemon.log")
		if viper.GetBool("daemon_log_stderr") {
			cfg.LogFile = ""
		}

		d, err := daemon.New(eng, st.Path(), cfg)
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if withDash, _ := cmd.Flags().GetBool("dashboard"); withDash {
			server := dashboard.NewServer(&dashboard.Config{
				Port:   viper.GetInt("dashboard_port"),
				Logger: log.New(os.Stderr, "[dashboard] ", log.LstdFlags),
			})
			if err := server.Start(); err != nil {
				return err
			}
			handler := dashboard.NewHandler(server, eng, 5*time.Second, nil)
			handler.Start(ctx)
			defer func() {
				handler.Stop()
				_ = server.Stop()
			}()
			fmt.Printf("Dashboard: http://localhost%s\n", server.GetAddr())
		}

		fmt.Println("Daemon running. Press Ctrl+C to stop.")
		return d.Start(ctx)
	},
}

func init() {
	daemonCmd.Flags().Bool("dashboard", false, "Also serve the status dashboard")
	rootCmd.AddCommand(daemonCmd)
}
