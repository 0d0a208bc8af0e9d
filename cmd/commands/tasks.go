package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/tmcfarlane/taskhub/internal/tasks"
)

// NewTasksCommand returns the tasks subcommand.
func NewTasksCommand() *cli.Command {
	return &cli.Command{
		Name:  "tasks",
		Usage: "Inspect stored tasks",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List stored tasks, newest first",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "status",
						Usage: "Only tasks with this status",
					},
				},
				Action: runTasksList,
			},
			{
				Name:      "show",
				Usage:     "Show task details",
				ArgsUsage: "<task_id>",
				Action:    runTasksShow,
			},
			{
				Name:   "stats",
				Usage:  "Show store statistics",
				Action: runTasksStats,
			},
			{
				Name:   "cleanup",
				Usage:  "Evict tasks beyond the retention bound now",
				Action: runTasksCleanup,
			},
		},
		DefaultCommand: "list",
	}
}

// openStore builds and initializes the configured backend for direct CLI
// access (no gateway connection needed).
func openStore(cmd *cli.Command) (tasks.Store, error) {
	store, err := newStore(loadConfig(cmd), nil)
	if err != nil {
		return nil, err
	}
	if err := store.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize store: %w", err)
	}
	return store, nil
}

func runTasksList(_ context.Context, cmd *cli.Command) error {
	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	list, err := store.Query(tasks.Filter{Status: tasks.Status(cmd.String("status"))})
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}

	if len(list) == 0 {
		fmt.Println("No tasks found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tCREATED\tDESCRIPTION")
	for _, r := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			r.ID,
			r.Status,
			r.CreatedAt.Format("2006-01-02 15:04:05"),
			r.Description,
		)
	}
	return w.Flush()
}

func runTasksShow(_ context.Context, cmd *cli.Command) error {
	taskID := cmd.Args().First()
	if taskID == "" {
		return fmt.Errorf("usage: taskhub tasks show <task_id>")
	}

	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	r, ok, err := store.Get(taskID)
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}
	if !ok {
		return fmt.Errorf("task %s not found", taskID)
	}

	fmt.Printf("ID:          %s\n", r.ID)
	fmt.Printf("Status:      %s\n", r.Status)
	fmt.Printf("Created:     %s\n", r.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("Updated:     %s\n", r.UpdatedAt.Format("2006-01-02 15:04:05"))
	if r.CompletedAt != nil {
		fmt.Printf("Completed:   %s\n", r.CompletedAt.Format("2006-01-02 15:04:05"))
	}

	if r.Description != "" {
		fmt.Printf("\nDescription:\n%s\n", r.Description)
	}

	if len(r.Todos) > 0 {
		fmt.Println("\nTodos:")
		for _, todo := range r.Todos {
			fmt.Printf("  [%s] %s\n", todo.State, todo.Title)
		}
	}

	if len(r.Messages) > 0 {
		fmt.Println("\nMessages:")
		for _, m := range r.Messages {
			fmt.Printf("  [%s] %s: %s\n", m.Ts.Format("15:04:05"), m.Role, m.Content)
		}
	}

	if r.Error != "" {
		fmt.Printf("\nError: %s\n", r.Error)
	}
	if r.Result != "" {
		fmt.Printf("\nResult:\n%s\n", r.Result)
	}

	return nil
}

func runTasksStats(_ context.Context, cmd *cli.Command) error {
	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	stats, err := store.Stats()
	if err != nil {
		return fmt.Errorf("store stats: %w", err)
	}

	fmt.Printf("Total:       %d\n", stats.Total)
	for status, n := range stats.ByStatus {
		fmt.Printf("  %-10s %d\n", status+":", n)
	}
	if stats.OldestCreatedAt != nil {
		fmt.Printf("Oldest:      %s\n", stats.OldestCreatedAt.Format("2006-01-02 15:04:05"))
	}
	if stats.NewestCreatedAt != nil {
		fmt.Printf("Newest:      %s\n", stats.NewestCreatedAt.Format("2006-01-02 15:04:05"))
	}
	fmt.Printf("Disk bytes:  %d\n", stats.DiskBytes)
	return nil
}

func runTasksCleanup(_ context.Context, cmd *cli.Command) error {
	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := store.Cleanup()
	if err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}
	fmt.Printf("Evicted %d task(s).\n", n)
	return nil
}
