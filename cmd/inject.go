package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lessonpipe/lessonpipe/internal/client"
	"github.com/lessonpipe/lessonpipe/internal/config"
)

var injectCmd = &cobra.Command{
	Use:   "inject [text...]",
	Short: "Inject text into the pipeline as if the student had spoken it",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runInject,
}

var injectRunID string

func init() {
	injectCmd.Flags().StringVar(&injectRunID, "run", "", "Flow run id to attribute the text to")
	rootCmd.AddCommand(injectCmd)
}

func runInject(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load("")
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	text := strings.Join(args, " ")
	c := client.New(cfg.Tab.RouterURL)
	res, err := c.InjectStudentText(cmd.Context(), text, injectRunID, "cli")
	if err != nil {
		return fmt.Errorf("inject failed: %w", err)
	}

	if res.Dropped {
		fmt.Println("⚠ Text was dropped by the noise filter")
		return nil
	}
	fmt.Printf("✓ Injected as segment %s\n", res.SegmentID)
	return nil
}
