package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lessonpipe/lessonpipe/internal/client"
	"github.com/lessonpipe/lessonpipe/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pipeline status from a running router",
	RunE:  runStatus,
}

var statusJSON bool

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print raw JSON")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load("")
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	c := client.New(cfg.Tab.RouterURL)
	status, err := c.PipelineStatus(cmd.Context())
	if err != nil {
		return fmt.Errorf("router unreachable at %s: %w", cfg.Tab.RouterURL, err)
	}

	if statusJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}

	fmt.Println("📡 lessonpipe Status")
	fmt.Println()
	fmt.Printf("Router: %s\n", cfg.Tab.RouterURL)
	if uptime, ok := status["uptime"].(float64); ok {
		fmt.Printf("Uptime: %ds\n", int(uptime))
	}
	if queues, ok := status["queues"].(map[string]any); ok {
		fmt.Println("\nQueues:")
		for role, n := range queues {
			fmt.Printf("  %s: %v\n", role, n)
		}
	}
	if tabs, ok := status["tabs"].(map[string]any); ok {
		fmt.Println("\nTabs:")
		for role, info := range tabs {
			fmt.Printf("  %s: %v\n", role, info)
		}
	}
	if sessions, ok := status["walkie_sessions"].(float64); ok {
		fmt.Printf("\nWalkie sessions: %d\n", int(sessions))
	}
	return nil
}
