package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/taskkeep/taskkeep/internal/dashboard"
)

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Serve the real-time sync status dashboard",
	Long: `Start a WebSocket server that broadcasts sync status transitions and
engine snapshots to connected clients.

Example usage:
  tk dashboard               # Start on the configured port
  tk dashboard --port 9000   # Start on a custom port

Connect with a WebSocket client:
  ws://localhost:<port>/ws`,
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

		port, _ := cmd.Flags().GetInt("port")
		if port == 0 {
			port = viper.GetInt("dashboard_port")
		}

		server := dashboard.NewServer(&dashboard.Config{
			Port:   port,
			Logger: log.New(os.Stderr, "[dashboard] ", log.LstdFlags),
		})
		if err := server.Start(); err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		handler := dashboard.NewHandler(server, eng, 5*time.Second, nil)
		handler.Start(ctx)

		fmt.Printf("Dashboard on http://localhost:%d (ws://localhost:%d/ws)\n", port, port)
		fmt.Println("Press Ctrl+C to stop.")
		<-ctx.Done()

		handler.Stop()
		return server.Stop()
	},
}

func init() {
	dashboardCmd.Flags().IntP("port", "p", 0, "Port to listen on")
	rootCmd.AddCommand(dashboardCmd)
}
