package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/herd/pkg/herderr"
	"github.com/cuemby/herd/pkg/sense"
	"github.com/cuemby/herd/pkg/types"
	"github.com/spf13/cobra"
)

const waitPollInterval = 2 * time.Second

var waitCmd = &cobra.Command{
	Use:   "wait <group-or-instance-id>",
	Short: "wait for a group or instance to reach a certain state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]

		passing, _ := cmd.Flags().GetBool("passing")
		warning, _ := cmd.Flags().GetBool("warning")
		critical, _ := cmd.Flags().GetBool("critical")
		want, err := wantedStatus(passing, warning, critical)
		if err != nil {
			return err
		}

		cfg, err := resolveConfig(cmd)
		if err != nil {
			return err
		}
		ctx := context.Background()
		a, err := buildApp(ctx, cfg)
		if err != nil {
			return err
		}

		for {
			snap := a.sense.Current()
			reached, err := statusReached(snap, id, want)
			if err != nil {
				return err
			}
			if reached {
				return nil
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(waitPollInterval):
			}
			if err := a.sense.Refresh(ctx); err != nil {
				return err
			}
		}
	},
}

func init() {
	waitCmd.Flags().Bool("passing", false, "wait until passing state")
	waitCmd.Flags().Bool("warning", false, "wait until warning state")
	waitCmd.Flags().Bool("critical", false, "wait until critical state")
}

func wantedStatus(passing, warning, critical bool) (types.CheckStatus, error) {
	switch {
	case passing && !warning && !critical:
		return types.StatusPassing, nil
	case warning && !passing && !critical:
		return types.StatusWarning, nil
	case critical && !passing && !warning:
		return types.StatusCritical, nil
	default:
		return "", fmt.Errorf("exactly one of --passing, --warning, --critical is required")
	}
}

// statusReached checks whether id's (or, for a whole group, its aggregated)
// registration status equals want.
func statusReached(snap sense.Snapshot, id string, want types.CheckStatus) (bool, error) {
	if strings.Contains(id, "_") {
		idx := strings.LastIndex(id, "_")
		groupID, instanceStr := id[:idx], id[idx+1:]
		instance, err := strconv.Atoi(instanceStr)
		if err != nil {
			return false, fmt.Errorf("invalid instance id %q", id)
		}
		regs, ok := snap.Registrations[groupID]
		if !ok {
			return false, nil
		}
		host := ""
		if alloc, ok := snap.Allocations[groupID]; ok {
			host = alloc.Instances[instance]
		}
		reg := types.PrimaryRegistration(regs[instance], host)
		if reg == nil {
			return false, nil
		}
		return reg.Status == want, nil
	}

	regs, ok := snap.Registrations[id]
	if !ok {
		if _, hasBP := snap.Blueprints[id]; !hasBP {
			return false, herderr.New(herderr.NotFound, "wait", fmt.Errorf("group %s not found", id))
		}
		return false, nil
	}
	var host string
	alloc := snap.Allocations[id]
	statuses := make([]types.CheckStatus, 0, len(regs))
	for instance, list := range regs {
		host = ""
		if alloc != nil {
			host = alloc.Instances[instance]
		}
		if reg := types.PrimaryRegistration(list, host); reg != nil {
			statuses = append(statuses, reg.Status)
		}
	}
	return types.CombineStatus(statuses...) == want, nil
}
