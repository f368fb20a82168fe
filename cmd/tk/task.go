package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/taskkeep/taskkeep/internal/store"
	"github.com/taskkeep/taskkeep/internal/task"
)

var addCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add a task",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		t := &task.Task{
			ID:   uuid.NewString(),
			Name: strings.Join(args, " "),
		}
		t.EstimateMinutes, _ = cmd.Flags().GetInt("estimate")
		t.Effort, _ = cmd.Flags().GetInt("effort")
		t.Location, _ = cmd.Flags().GetString("location")
		t.Priority, _ = cmd.Flags().GetInt("priority")
		t.DependsOn, _ = cmd.Flags().GetString("depends-on")

		if deadline, _ := cmd.Flags().GetString("deadline"); deadline != "" {
			d, err := time.Parse("2006-01-02", deadline)
			if err != nil {
				return fmt.Errorf("invalid deadline %q (want YYYY-MM-DD)", deadline)
			}
			t.Deadline = &d
		}

		if every, _ := cmd.Flags().GetString("every"); every != "" {
			t.Type = task.TypeRecurring
			r, err := parseRecurrence(every)
			if err != nil {
				return err
			}
			t.Recurrence = r
		}
		if sessions, _ := cmd.Flags().GetInt("sessions"); sessions > 0 {
			sessionMinutes, _ := cmd.Flags().GetInt("session-minutes")
			t.Type = task.TypeProject
			t.Project = &task.Project{
				SessionMinutes:  sessionMinutes,
				SessionsPlanned: sessions,
			}
		}

		t.SetDefaults()
		if err := st.SaveTask(cmd.Context(), t, task.OpCreate); err != nil {
			return err
		}
		fmt.Printf("Added %s: %s\n", shortID(t.ID), t.Name)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		tasks, err := st.ListTasks(cmd.Context(), false)
		if err != nil {
			return err
		}
		showDone, _ := cmd.Flags().GetBool("all")

		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tTYPE\tSTATUS\tPRI\tDEADLINE")
		for _, t := range tasks {
			if !showDone && t.Status == task.StatusDone {
				continue
			}
			deadline := "-"
			if t.Deadline != nil {
				deadline = t.Deadline.Format("2006-01-02")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
				shortID(t.ID), t.Name, t.Type, t.Status, t.Priority, deadline)
		}
		return w.Flush()
	},
}

var doneCmd = &cobra.Command{
	Use:   "done <id>",
	Short: "Mark a task as done",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		t, err := resolveTask(cmd, st, args[0])
		if err != nil {
			return err
		}
		t.Status = task.StatusDone
		if t.Type == task.TypeProject && t.Project != nil {
			t.Project.SessionsDone = t.Project.SessionsPlanned
		}
		if err := st.SaveTask(cmd.Context(), t, task.OpUpdate); err != nil {
			return err
		}
		fmt.Printf("Done: %s\n", t.Name)
		return nil
	},
}

var rmCmd = &cobra.Command{
	Use:     "rm <id>",
	Aliases: []string{"delete"},
	Short:   "Delete a task",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		t, err := resolveTask(cmd, st, args[0])
		if err != nil {
			return err
		}
		if err := st.SoftDeleteTask(cmd.Context(), t.ID); err != nil {
			return err
		}
		fmt.Printf("Deleted: %s\n", t.Name)
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show task details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		t, err := resolveTask(cmd, st, args[0])
		if err != nil {
			return err
		}

		fmt.Printf("ID:        %s\n", t.ID)
		fmt.Printf("Name:      %s\n", t.Name)
		fmt.Printf("Type:      %s\n", t.Type)
		fmt.Printf("Status:    %s\n", t.Status)
		fmt.Printf("Priority:  %d\n", t.Priority)
		if t.EstimateMinutes > 0 {
			fmt.Printf("Estimate:  %d min\n", t.EstimateMinutes)
		}
		if t.Effort > 0 {
			fmt.Printf("Effort:    %d/5\n", t.Effort)
		}
		if t.Location != "" {
			fmt.Printf("Location:  %s\n", t.Location)
		}
		if t.Deadline != nil {
			fmt.Printf("Deadline:  %s\n", t.Deadline.Format("2006-01-02"))
		}
		if t.DependsOn != "" {
			fmt.Printf("Depends:   %s\n", shortID(t.DependsOn))
		}
		if t.Recurrence != nil {
			fmt.Printf("Repeats:   every %d %s\n", t.Recurrence.Interval, t.Recurrence.Frequency)
		}
		if t.Project != nil {
			fmt.Printf("Sessions:  %d/%d (%d min each)\n",
				t.Project.SessionsDone, t.Project.SessionsPlanned, t.Project.SessionMinutes)
		}
		fmt.Printf("Created:   %s\n", t.CreatedAt.Local().Format(time.RFC1123))
		fmt.Printf("Updated:   %s\n", t.UpdatedAt.Local().Format(time.RFC1123))
		return nil
	},
}

// resolveTask finds a task by full ID or unambiguous prefix.
func resolveTask(cmd *cobra.Command, st *store.Store, id string) (*task.Task, error) {
	tasks, err := st.ListTasks(cmd.Context(), false)
	if err != nil {
		return nil, err
	}

	var match *task.Task
	for _, t := range tasks {
		if t.ID == id {
			return t, nil
		}
		if strings.HasPrefix(t.ID, id) {
			if match != nil {
				return nil, fmt.Errorf("ambiguous task ID %q", id)
			}
			match = t
		}
	}
	if match == nil {
		return nil, fmt.Errorf("no task matching %q", id)
	}
	return match, nil
}

// parseRecurrence turns flag syntax like "day", "2-weeks", "month" into a
// recurrence pattern.
func parseRecurrence(every string) (*task.Recurrence, error) {
	interval := 1
	unit := every
	if i := strings.IndexByte(every, '-'); i > 0 {
		if _, err := fmt.Sscanf(every[:i], "%d", &interval); err != nil || interval < 1 {
			return nil, fmt.Errorf("invalid recurrence %q", every)
		}
		unit = every[i+1:]
	}
	switch strings.TrimSuffix(unit, "s") {
	case "day":
		return &task.Recurrence{Frequency: "daily", Interval: interval}, nil
	case "week":
		return &task.Recurrence{Frequency: "weekly", Interval: interval}, nil
	case "month":
		return &task.Recurrence{Frequency: "monthly", Interval: interval}, nil
	default:
		return nil, fmt.Errorf("invalid recurrence %q (want day/week/month)", every)
	}
}

// shortID abbreviates a UUID for display.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	addCmd.Flags().Int("estimate", 0, "Time estimate in minutes")
	addCmd.Flags().Int("effort", 0, "Effort level 1-5")
	addCmd.Flags().String("location", "", "Where the task can be done")
	addCmd.Flags().IntP("priority", "p", 2, "Priority (1=high, 3=low)")
	addCmd.Flags().String("deadline", "", "Deadline (YYYY-MM-DD)")
	addCmd.Flags().String("depends-on", "", "ID of a task that must finish first")
	addCmd.Flags().String("every", "", "Recurrence (day, week, month, 2-weeks, ...)")
	addCmd.Flags().Int("sessions", 0, "Plan as a project with N sessions")
	addCmd.Flags().Int("session-minutes", 50, "Session length for project tasks")

	listCmd.Flags().BoolP("all", "a", false, "Include completed tasks")

	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(doneCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(showCmd)
}
