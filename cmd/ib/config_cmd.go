package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/issuebridge/issuebridge/internal/config"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "maint",
	Short:   "Inspect the effective configuration",
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every key with its effective value (secrets masked)",
	RunE: func(cmd *cobra.Command, args []string) error {
		kvs := config.Redacted()
		out := cmd.OutOrStdout()
		if jsonOutput {
			m := make(map[string]string, len(kvs))
			for _, kv := range kvs {
				m[kv[0]] = kv[1]
			}
			return outputJSON(out, m)
		}
		if f := config.ConfigFileUsed(); f != "" {
			fmt.Fprintf(out, "# %s\n", f)
		}
		for _, kv := range kvs {
			fmt.Fprintf(out, "%s = %s\n", kv[0], kv[1])
		}
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration without connecting to anything",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := config.Load(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "ok")
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Describe every configuration key and its environment variable",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		for _, k := range config.Keys {
			def := ""
			if k.Default != nil {
				def = fmt.Sprintf(" (default %v)", k.Default)
			}
			fmt.Fprintf(out, "%-28s %-30s %s%s\n", k.Key, k.EnvVar(), k.Description, def)
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		if jsonOutput {
			_ = outputJSON(cmd.OutOrStdout(), map[string]string{"version": Version, "build": Build})
			return
		}
		fmt.Fprintf(cmd.OutOrStdout(), "ib version %s (%s)\n", Version, Build)
	},
}

func init() {
	configCmd.AddCommand(configListCmd, configValidateCmd, configKeysCmd)
	rootCmd.AddCommand(configCmd, versionCmd)
}
