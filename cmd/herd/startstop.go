package main

import (
	"context"

	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:   "start <gid>",
	Short: "start group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveConfig(cmd)
		if err != nil {
			return err
		}
		ctx := context.Background()
		a, err := buildApp(ctx, cfg)
		if err != nil {
			return err
		}
		return a.group.Start(ctx, nil, args[0])
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop <gid>",
	Short: "stop group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveConfig(cmd)
		if err != nil {
			return err
		}
		ctx := context.Background()
		a, err := buildApp(ctx, cfg)
		if err != nil {
			return err
		}
		return a.group.Stop(ctx, nil, args[0])
	},
}
