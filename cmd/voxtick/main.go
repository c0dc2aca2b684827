package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "voxtick",
		Short:         "Staged tick server for region-partitioned voxel worlds",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServer(cmd.Context(), cfgPath, cmd.Flags().Changed("config"))
		},
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", defaultConfigPath(), "path to the TOML config")

	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply tick journal migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMigrate(cmd.Context(), cfgPath, cmd.Flags().Changed("config"))
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "priorities",
		Short: "Print the task priority table",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printPriorities(cmd.OutOrStdout(), cfgPath, cmd.Flags().Changed("config"))
		},
	})
	return root
}

func defaultConfigPath() string {
	if p := os.Getenv("VOXTICK_CONFIG"); p != "" {
		return p
	}
	return "config/voxtick.toml"
}
