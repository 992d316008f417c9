package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/herd/pkg/herderr"
	"github.com/cuemby/herd/pkg/task"
	"github.com/spf13/cobra"
)

var rmCmd = &cobra.Command{
	Use:   "rm <group-or-instance-id>...",
	Short: "remove one or more groups or instances",
	Args:  cobra.MinimumNArgs(1),
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

		for _, id := range args {
			id := id
			var rmErr error
			t := a.tasks.Spawn("group.delete", func(t *task.Task) {
				if rmErr = removeOne(ctx, a, id); rmErr != nil {
					t.Fail(rmErr.Error())
					return
				}
				t.Succeed("removed")
			})
			t.WaitForCompletion(ctx, 10*time.Second)
			if rmErr != nil {
				return rmErr
			}
		}
		return nil
	},
}

// removeOne dispatches on whether id names a whole group or, by carrying an
// underscore, one "<group>_<instance>" container within it.
func removeOne(ctx context.Context, a *app, id string) error {
	if !strings.Contains(id, "_") {
		return a.group.Delete(ctx, nil, id)
	}

	idx := strings.LastIndex(id, "_")
	groupID, instanceStr := id[:idx], id[idx+1:]
	instance, err := strconv.Atoi(instanceStr)
	if err != nil {
		return fmt.Errorf("invalid instance id %q", id)
	}

	snap := a.sense.Current()
	alloc, ok := snap.Allocations[groupID]
	if !ok {
		return herderr.New(herderr.NotFound, "rm", fmt.Errorf("group %s not found", groupID))
	}
	host, ok := alloc.Instances[instance]
	if !ok {
		return herderr.New(herderr.NotFound, "rm", fmt.Errorf("instance %s not allocated", id))
	}

	if err := a.group.UnregisterInstance(ctx, groupID, instance, host); err != nil {
		return err
	}
	return a.group.DeleteContainer(ctx, groupID, instance, host)
}
