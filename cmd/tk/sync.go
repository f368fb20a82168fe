package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/taskkeep/taskkeep/internal/auth"
	"github.com/taskkeep/taskkeep/internal/engine"
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Authorize Google Drive backup",
	Long: `Run the browser authorization flow and store the resulting
credential, encrypted, in the local database.

If a backup already exists in Drive and you already have local tasks,
you will be asked whether to keep the local collection, the remote one,
or merge both.`,
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

		credFile, _ := cmd.Flags().GetString("credentials")
		if credFile == "" {
			credFile = filepath.Join(dataDir(), "credentials.json")
		}
		port, _ := cmd.Flags().GetInt("port")

		token, err := auth.Authorize(cmd.Context(), auth.Config{
			CredentialsFile: credFile,
			CallbackPort:    port,
		})
		if err != nil {
			if errors.Is(err, auth.ErrAuthCancelled) {
				fmt.Println("Authorization cancelled. Backup stays disabled.")
				return nil
			}
			return err
		}

		if err := eng.StoreAccessToken(cmd.Context(), token); err != nil {
			return err
		}
		fmt.Println("Backup authorized.")

		firstConnect, err := eng.CheckFirstTimeConnect(cmd.Context())
		if err != nil {
			return err
		}
		if firstConnect {
			decision, err := promptMergeDecision()
			if err != nil {
				return err
			}
			if err := eng.ApplyMergeDecision(cmd.Context(), decision); err != nil {
				return err
			}
		} else {
			if err := eng.PerformSync(cmd.Context()); err != nil {
				return err
			}
		}

		fmt.Println("Initial sync complete.")
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync with the remote backup now",
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

		if err := eng.PerformSync(cmd.Context()); err != nil {
			if errors.Is(err, engine.ErrReauthRequired) {
				return fmt.Errorf("credential expired, run 'tk connect' again")
			}
			return err
		}

		if eng.Status() == engine.StatusRemoteNewer {
			n, _ := st.ConflictCount(cmd.Context())
			fmt.Printf("Sync found %d conflicts. Run 'tk conflicts' to review.\n", n)
			return nil
		}
		fmt.Println("Synced.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync status",
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
		snap, err := eng.Snapshot(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("Status:    %s\n", snap.Status)
		fmt.Printf("Backup:    %s\n", onOff(snap.BackupEnabled))
		fmt.Printf("Pending:   %d queued changes\n", snap.Pending)
		fmt.Printf("Conflicts: %d\n", snap.Conflicts)
		if snap.LastSync != nil {
			fmt.Printf("Last sync: %s\n", snap.LastSync.Local().Format(time.RFC1123))
		} else {
			fmt.Printf("Last sync: never\n")
		}
		if snap.Error != "" {
			fmt.Printf("Error:     %s\n", snap.Error)
		}
		return nil
	},
}

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "List unresolved sync conflicts",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		conflicts, err := st.Conflicts(cmd.Context())
		if err != nil {
			return err
		}
		if len(conflicts) == 0 {
			fmt.Println("No conflicts.")
			return nil
		}

		for _, c := range conflicts {
			fmt.Printf("%s\n", shortID(c.TaskID))
			fmt.Printf("  local:  %s (%s, updated %s)\n",
				c.Local.Name, c.Local.Status, c.Local.UpdatedAt.Local().Format(time.RFC822))
			fmt.Printf("  remote: %s (%s, updated %s)\n",
				c.Remote.Name, c.Remote.Status, c.Remote.UpdatedAt.Local().Format(time.RFC822))
		}
		fmt.Printf("\nResolve with: tk resolve <id> --keep local|remote\n")
		return nil
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Resolve a sync conflict",
	Args:  cobra.ExactArgs(1),
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

		keep, _ := cmd.Flags().GetString("keep")
		var res engine.Resolution
		switch keep {
		case "local":
			res = engine.KeepLocal
		case "remote":
			res = engine.KeepRemote
		default:
			return fmt.Errorf("--keep must be 'local' or 'remote'")
		}

		// Conflicts are stored under the full task ID; accept a prefix.
		conflicts, err := st.Conflicts(cmd.Context())
		if err != nil {
			return err
		}
		taskID := args[0]
		for _, c := range conflicts {
			if strings.HasPrefix(c.TaskID, args[0]) {
				taskID = c.TaskID
				break
			}
		}

		if err := eng.ResolveConflict(cmd.Context(), taskID, res); err != nil {
			return err
		}
		fmt.Printf("Resolved %s, keeping %s version.\n", shortID(taskID), keep)

		remaining, err := st.ConflictCount(cmd.Context())
		if err != nil {
			return err
		}
		if remaining == 0 {
			fmt.Println("All conflicts resolved, syncing...")
			if err := eng.PerformSync(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("Synced.")
		} else {
			fmt.Printf("%d conflicts remaining.\n", remaining)
		}
		return nil
	},
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Manage the remote backup",
}

var backupDisableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Disable backup and delete the remote copy",
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
		if err := eng.DisableBackup(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("Backup disabled. Local tasks are untouched.")
		return nil
	},
}

// promptMergeDecision asks the user what to do when both local tasks and
// a remote backup exist before the first sync.
func promptMergeDecision() (engine.MergeDecision, error) {
	fmt.Println("\nA backup already exists in Drive, and you have local tasks.")
	fmt.Println("  [l] keep local  - overwrite the remote backup")
	fmt.Println("  [r] keep remote - replace local tasks with the backup")
	fmt.Println("  [m] merge       - combine both collections")
	fmt.Print("Choice [l/r/m]: ")

	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("failed to read choice: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "l", "local":
		return engine.MergeKeepLocal, nil
	case "r", "remote":
		return engine.MergeKeepRemote, nil
	case "m", "merge":
		return engine.MergeBoth, nil
	default:
		return "", fmt.Errorf("unrecognized choice %q", strings.TrimSpace(line))
	}
}

func onOff(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}

func init() {
	connectCmd.Flags().String("credentials", "", "Google API credentials JSON (default: <data-dir>/credentials.json)")
	connectCmd.Flags().Int("port", 0, "Local OAuth callback port (default: ephemeral)")
	_ = viper.BindPFlag("callback_port", connectCmd.Flags().Lookup("port"))

	resolveCmd.Flags().String("keep", "", "Which version to keep: local or remote")
	_ = resolveCmd.MarkFlagRequired("keep")

	backupCmd.AddCommand(backupDisableCmd)

	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(conflictsCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(backupCmd)
}
