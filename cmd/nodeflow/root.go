package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "nodeflow",
		Short:         "Run workflows of agent, tool, transform and conditional nodes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"config file (default: nodeflow.{yaml,json} in . or ~/.nodeflow)")

	root.AddCommand(
		newServeCmd(&configPath),
		newValidateCmd(),
		newVersionCmd(),
	)
	return root
}
