package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	logLevel  string
	logFormat string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "settimeout",
	Short:         "Greeter that keeps logging long after it answered",
	Long:          "Serves a greeter per request path. Every greeting logs once right away and then every 5 seconds for 1000 seconds, locally and to Baselime.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "Log format (console, json)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(deriveCmd)
}
