package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:           "talesync",
	Short:         "talesync — audio memories with transcripts, topics, and similarity chains",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	// A .env in the working directory supplies TALESYNC_* overrides;
	// absence is not an error.
	_ = godotenv.Load()

	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.AddCommand(serveCmd, stopCmd, statusCmd, tokenCmd, configCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
