package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "clipwatch",
	Short: "On-device motion and audio clip capture with background upload",
	Long: `clipwatch records short back-to-back clips from a local camera and
microphone, keeps only the clips that differ from the session's reference
clip, and uploads them to the backend when connectivity allows.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(clipsCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(remoteCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if os.Getenv("NO_COLOR") != "" {
		noColor = true
	}
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		fmt.Fprintln(os.Stderr)
		os.Exit(1)
	}
}
