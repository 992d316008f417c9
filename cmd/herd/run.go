package main

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/herd/pkg/herderr"
	"github.com/cuemby/herd/pkg/task"
	"github.com/cuemby/herd/pkg/types"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run <name>",
	Short: "run a new group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]

		cfg, err := resolveConfig(cmd)
		if err != nil {
			return err
		}
		ctx := context.Background()
		a, err := buildApp(ctx, cfg)
		if err != nil {
			return err
		}

		memsize, _ := cmd.Flags().GetInt("memsize")
		checkPeriod, _ := cmd.Flags().GetInt("check-period")
		groupType, _ := cmd.Flags().GetString("type")
		password, _ := cmd.Flags().GetString("password")

		gt := types.GroupType(groupType)
		switch gt {
		case types.GroupMemcached, types.GroupTarantool, types.GroupTarantino:
		default:
			return fmt.Errorf("unrecognized --type %q", groupType)
		}

		var (
			bp        *types.Blueprint
			createErr error
		)
		t := a.tasks.Spawn("group.create", func(t *task.Task) {
			bp, createErr = a.group.Create(ctx, t, name, gt, memsize, password, time.Duration(checkPeriod)*time.Second)
			if createErr != nil {
				t.Fail(createErr.Error())
				return
			}
			t.Succeed("created")
		})
		t.WaitForCompletion(ctx, 10*time.Second)
		if createErr != nil {
			if herderr.Is(createErr, herderr.ConfigInvalid) {
				return fmt.Errorf("invalid group: %w", createErr)
			}
			return createErr
		}

		fmt.Println(bp.ID)
		return nil
	},
}

func init() {
	runCmd.Flags().IntP("check-period", "p", 10, "how often to run discovery-agent checks, in seconds")
	runCmd.Flags().Int("memsize", 500, "amount of memory to allocate, in MiB")
	runCmd.Flags().String("type", string(types.GroupMemcached), "group type: memcached, tarantool, or tarantino")
	runCmd.Flags().String("password", "", "optional instance user password")
}
