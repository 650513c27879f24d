package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/kozaktomas/face-linker/internal/constants"
	"github.com/kozaktomas/face-linker/internal/database"
	"github.com/spf13/cobra"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List background tasks",
	Long: `List background tasks, newest first.

Examples:
  face-linker tasks
  face-linker tasks --status failed --limit 10`,
	RunE: runTasks,
}

func init() {
	rootCmd.AddCommand(tasksCmd)

	tasksCmd.Flags().String("status", "", "Filter by status (pending, processing, completed, failed)")
	tasksCmd.Flags().Int("limit", constants.DefaultTaskListLimit, "Maximum number of tasks to list")
	tasksCmd.Flags().Bool("json", false, "Output as JSON")
}

func parseTaskStatus(s string) (database.TaskStatus, error) {
	switch status := database.TaskStatus(s); status {
	case "", database.TaskStatusPending, database.TaskStatusProcessing,
		database.TaskStatusCompleted, database.TaskStatusFailed:
		return status, nil
	default:
		return "", fmt.Errorf("unknown task status %q", s)
	}
}

func runTasks(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	status, err := parseTaskStatus(mustGetString(cmd, "status"))
	if err != nil {
		return err
	}

	a, err := newApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	tasks, err := a.tasks.ListTasks(ctx, status, mustGetInt(cmd, "limit"))
	if err != nil {
		return fmt.Errorf("failed to list tasks: %w", err)
	}

	if mustGetBool(cmd, "json") {
		if tasks == nil {
			tasks = []database.BackgroundTask{}
		}
		return printJSON(tasks)
	}

	if len(tasks) == 0 {
		fmt.Println("No tasks found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tCREATED\tERROR")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			t.ID, t.Type, t.Status, t.CreatedAt.Format("2006-01-02 15:04:05"), t.Error)
	}
	return w.Flush()
}
