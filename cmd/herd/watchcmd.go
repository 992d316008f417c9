package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	wloop "github.com/cuemby/herd/pkg/watch"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "monitor for state changes and heal automatically",
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

		watchPeriod, _ := cmd.Flags().GetInt("watch-period")

		loop := wloop.New(a.reg, cfg.ConsulHost, a.healer)
		loop.SetWaitSeconds(time.Duration(watchPeriod) * time.Second)
		loop.Start()
		defer loop.Stop()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		return nil
	},
}

func init() {
	watchCmd.Flags().IntP("watch-period", "p", 300, "how often to query health checks, in seconds")
}
