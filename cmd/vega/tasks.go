package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/everydev1618/vegatree/internal/config"
	"github.com/everydev1618/vegatree/serve"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect and manage stored tasks",
	Long: `Inspect and manage tasks in the configured store.

These commands open the store directly, so stop a running server first
when using a single-writer driver such as bolt.`,
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()
		orch, err := a.orchestrator(nil)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		tasks, err := orch.ListTasks(ctx)
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			fmt.Println("No tasks.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tSPENT\tLIMIT\tPROMPT")
		for _, t := range tasks {
			spent, err := orch.TaskSpend(ctx, t.ID)
			if err != nil {
				return err
			}
			limit := "-"
			if t.BudgetLimit != nil {
				limit = t.BudgetLimit.String()
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.Status, spent, limit, truncate(t.Prompt, 48))
		}
		return w.Flush()
	},
}

var tasksInspectCmd = &cobra.Command{
	Use:   "inspect <task-id>",
	Short: "Print a task with its agents and spawn tree as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()
		orch, err := a.orchestrator(nil)
		if err != nil {
			return err
		}

		view, err := orch.InspectTask(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	},
}

var tasksDeleteYes bool

var tasksDeleteCmd = &cobra.Command{
	Use:   "delete <task-id>",
	Short: "Delete a task and everything it owns",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !tasksDeleteYes && !confirm(fmt.Sprintf("Delete task %s?", args[0])) {
			fmt.Println("Aborted.")
			return nil
		}
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()
		orch, err := a.orchestrator(nil)
		if err != nil {
			return err
		}
		if err := orch.DeleteTask(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted %s\n", args[0])
		return nil
	},
}

func init() {
	tasksDeleteCmd.Flags().BoolVarP(&tasksDeleteYes, "yes", "y", false, "Skip confirmation prompt")
	tasksPauseCmd.Flags().StringVar(&tasksServer, "server", "", "server base URL (default from server.addr)")
	tasksResumeCmd.Flags().StringVar(&tasksServer, "server", "", "server base URL (default from server.addr)")

	tasksCmd.AddCommand(tasksListCmd)
	tasksCmd.AddCommand(tasksInspectCmd)
	tasksCmd.AddCommand(tasksDeleteCmd)
	tasksCmd.AddCommand(tasksPauseCmd)
	tasksCmd.AddCommand(tasksResumeCmd)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

var tasksServer string

var tasksPauseCmd = &cobra.Command{
	Use:   "pause <task-id>",
	Short: "Pause a task on the running server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp serve.StatusResponse
		if err := postServer(cmd, "/api/tasks/"+args[0]+"/pause", &resp); err != nil {
			return err
		}
		fmt.Printf("Task %s %s\n", args[0], resp.Status)
		return nil
	},
}

var tasksResumeCmd = &cobra.Command{
	Use:   "resume <task-id>",
	Short: "Resume a paused task on the running server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp serve.TaskResponse
		if err := postServer(cmd, "/api/tasks/"+args[0]+"/resume", &resp); err != nil {
			return err
		}
		fmt.Printf("Task %s resumed (root %s)\n", args[0], resp.RootAgentID)
		return nil
	},
}

// postServer sends an empty POST to the running server and decodes the
// JSON reply into out.
func postServer(cmd *cobra.Command, path string, out any) error {
	base := tasksServer
	if base == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		base = serverURL(cfg.Server.Addr)
	}

	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, strings.TrimRight(base, "/")+path, nil)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("contact server at %s: %w", base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e serve.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
			return fmt.Errorf("server returned %s", resp.Status)
		}
		return fmt.Errorf("server returned %s: %s", resp.Status, e.Error)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// serverURL turns a listen address such as ":3001" into a base URL.
func serverURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}
