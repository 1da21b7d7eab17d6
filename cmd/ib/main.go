package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/issuebridge/issuebridge/internal/config"
)

// Version information, overridden at build time with -ldflags.
var (
	Version = "dev"
	Build   = "unknown"
)

var (
	configPath  string
	jsonOutput  bool
	verboseFlag bool

	rootCtx    context.Context
	rootCancel context.CancelFunc
)

var rootCmd = &cobra.Command{
	Use:           "ib",
	Short:         "ib - sync local issue records to a remote tracker",
	Long:          `Mirrors locally edited issue records into GitLab issues through a durable work queue, and pulls remote progress back.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		if err := config.InitializeWithFile(configPath); err != nil {
			return err
		}
		if cmd.Flags().Changed("json") {
			config.Set(config.KeyJSON, jsonOutput)
		}
		if verboseFlag {
			config.Set(config.KeyLogLevel, "debug")
		}
		jsonOutput = config.GetBool(config.KeyJSON)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if rootCancel != nil {
			rootCancel()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to issuebridge.yaml (default: search . and ~/.config/issuebridge)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddGroup(&cobra.Group{ID: "sync", Title: "Sync:"})
	rootCmd.AddGroup(&cobra.Group{ID: "maint", Title: "Maintenance:"})
	rootCmd.AddGroup(&cobra.Group{ID: "views", Title: "Views & Reports:"})
}

func getRootContext() context.Context {
	if rootCtx == nil {
		return context.Background()
	}
	return rootCtx
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if jsonOutput {
			outputJSONError(err)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}
