package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/deckcloud/deckcloud/internal/store"
)

var tasksJSON bool

func newTasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List the stored download tasks",
		Long: `Print the tasks from the state document as last persisted. This reads
the store directly and does not contact a running service, so progress
figures are as of the last refresh.`,
		Example: `  deckcloud tasks
  deckcloud tasks --json`,
		RunE: tasksRun,
	}

	cmd.Flags().BoolVar(&tasksJSON, "json", false, "print tasks as JSON")

	return cmd
}

func tasksRun(cmd *cobra.Command, args []string) error {
	state, err := store.Open(globalCfg.StatePath(), logger)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	tasks := state.Tasks()

	if tasksJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(tasks)
	}

	if len(tasks) == 0 {
		fmt.Println("no tasks")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tFILE\tSTATUS\tPROGRESS\tINSTALL")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.1f%%\t%s\n",
			shortID(t.TaskID), t.FileName, t.Status, t.ProgressPercent, t.InstallStatus)
	}
	return w.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
