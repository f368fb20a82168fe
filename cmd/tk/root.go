package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/taskkeep/taskkeep/internal/engine"
	"github.com/taskkeep/taskkeep/internal/remote"
	"github.com/taskkeep/taskkeep/internal/store"
	"github.com/taskkeep/taskkeep/internal/vault"
)

var rootCmd = &cobra.Command{
	Use:   "tk",
	Short: "Local-first task manager with encrypted Google Drive backup",
	Long: `tk manages your tasks in a local database and keeps an encrypted
backup in your Google Drive app data folder.

All commands work offline; changes made offline are queued and uploaded
on the next sync. Run 'tk connect' once to authorize backup, then 'tk
daemon' to keep both sides converged in the background.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("data-dir", "", "Data directory (default: ~/.taskkeep)")
	rootCmd.PersistentFlags().String("config", "", "Config file (default: <data-dir>/config.yaml)")
	_ = viper.BindPFlag("data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))
}

// initConfig loads the config file and environment overrides.
func initConfig() {
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(dataDir())
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("TASKKEEP")
	viper.AutomaticEnv()

	viper.SetDefault("backup_name", remote.DefaultBackupName)
	viper.SetDefault("dashboard_port", 8321)

	// A missing config file is fine; defaults apply.
	_ = viper.ReadInConfig()
}

// dataDir resolves the data directory.
func dataDir() string {
	if dir := viper.GetString("data_dir"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".taskkeep"
	}
	return filepath.Join(home, ".taskkeep")
}

// dbPath resolves the store database file.
func dbPath() string {
	return filepath.Join(dataDir(), "taskkeep.db")
}

// openStore opens the local database, creating it on first use.
func openStore() (*store.Store, error) {
	return store.Open(dbPath())
}

// buildEngine assembles the sync engine around an open store.
func buildEngine(ctx context.Context, st *store.Store) (*engine.Engine, error) {
	secret, err := vault.LoadOrCreateDeviceSecret(filepath.Join(dataDir(), "device.key"))
	if err != nil {
		return nil, fmt.Errorf("failed to load device secret: %w", err)
	}

	client := remote.NewClient(&remote.Config{
		BackupName: viper.GetString("backup_name"),
	})

	eng := engine.New(st, client, &engine.Config{
		DeviceSecret: secret,
		PollInterval: viper.GetDuration("poll_interval"),
	})
	if err := eng.LoadSyncState(ctx); err != nil {
		return nil, err
	}
	return eng, nil
}
