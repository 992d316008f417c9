package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/herd/pkg/log"
	"github.com/spf13/cobra"
)

var healCmd = &cobra.Command{
	Use:   "heal",
	Short: "recover groups in failed state",
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

		attach, _ := cmd.Flags().GetBool("attach")
		healPeriod, _ := cmd.Flags().GetInt("heal-period")

		if !attach {
			return a.healer.Heal(ctx)
		}
		return healLoop(ctx, a, time.Duration(healPeriod)*time.Second)
	},
}

func init() {
	healCmd.Flags().BoolP("attach", "a", false, "attach to system and run healing continuously")
	healCmd.Flags().IntP("heal-period", "p", 300, "how often to query health checks, in seconds")
}

// healLoop runs Heal on a ticker until interrupted.
func healLoop(ctx context.Context, a *app, period time.Duration) error {
	logger := log.WithComponent("cli.heal")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		if err := a.healer.Heal(ctx); err != nil {
			logger.Error().Err(err).Msg("heal failed")
			fmt.Fprintf(os.Stderr, "heal: %v\n", err)
		}
		select {
		case <-ticker.C:
		case <-sigCh:
			return nil
		}
	}
}
