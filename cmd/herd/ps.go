package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/cuemby/herd/pkg/sense"
	"github.com/cuemby/herd/pkg/types"
	"github.com/spf13/cobra"
)

var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "show a list of running groups",
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

		quiet, _ := cmd.Flags().GetBool("quiet")
		snap := a.sense.Current()

		if quiet {
			groups := make(map[string]struct{}, len(snap.Blueprints))
			for id := range snap.Blueprints {
				groups[id] = struct{}{}
			}
			ids := make([]string, 0, len(groups))
			for id := range groups {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				fmt.Println(id)
			}
			return nil
		}

		rows := psRows(snap)
		fmt.Printf("%-34s %-10s %-16s %-10s %-8s %-10s %-20s %s\n",
			"GROUP", "INSTANCE #", "NAME", "TYPE", "SIZE", "STATE", "ADDRESS", "NODE")
		for _, r := range rows {
			fmt.Printf("%-34s %-10d %-16s %-10s %-8d %-10s %-20s %s\n",
				r.group, r.instance, r.name, r.groupType, r.sizeMiB, r.state, r.addr, r.node)
		}
		return nil
	},
}

func init() {
	psCmd.Flags().BoolP("quiet", "q", false, "only show group IDs")
}

type psRow struct {
	group     string
	instance  int
	name      string
	groupType types.GroupType
	sizeMiB   int
	state     string
	addr      string
	node      string
}

// psRows flattens a Snapshot into one row per blueprint instance, in group
// then instance-number order, folding registration and allocation state into
// the STATE and NODE columns.
func psRows(snap sense.Snapshot) []psRow {
	groupIDs := make([]string, 0, len(snap.Blueprints))
	for id := range snap.Blueprints {
		groupIDs = append(groupIDs, id)
	}
	sort.Strings(groupIDs)

	var rows []psRow
	for _, gid := range groupIDs {
		bp := snap.Blueprints[gid]
		alloc := snap.Allocations[gid]
		regs := snap.Registrations[gid]

		instances := make([]int, 0, len(bp.Instances))
		for num := range bp.Instances {
			instances = append(instances, num)
		}
		sort.Ints(instances)

		for _, num := range instances {
			bpInst := bp.Instances[num]
			node := ""
			if alloc != nil {
				node = alloc.Instances[num]
			}
			state := "unknown"
			if regs != nil {
				if reg := types.PrimaryRegistration(regs[num], node); reg != nil {
					state = string(reg.Status)
				}
			}
			rows = append(rows, psRow{
				group:     gid,
				instance:  num,
				name:      bp.Name,
				groupType: bp.Type,
				sizeMiB:   bp.MemSizeMiB,
				state:     state,
				addr:      bpInst.Addr,
				node:      node,
			})
		}
	}
	return rows
}
