package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "lessonpipe",
	Short: "lessonpipe: cross-tab lesson relay for AI conversation classes",
	Long:  "lessonpipe routes messages between the browser tabs of an AI-driven lesson:\nthe chat AI, the speaking avatar, the textbook page, and speech-to-text.",
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Version = Version
}
