// Command herd is the core-adjacent CLI: it embeds the whole reconciliation
// core (gateways, Sense, Allocator, Group Controller, Healer, Watch Loop,
// Task Facility) in a single process and exposes the narrow subcommand
// surface: ps, run, rm, heal, wait, watch, start, stop.
package main

import (
	"fmt"
	"os"

	"github.com/cuemby/herd/pkg/log"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "herd",
	Short: "herd orchestrates replicated memcached/tarantool pairs",
	Long: `herd places, wires, and heals replicated memcached/tarantool/tarantino
containers across a fleet of runtime hosts, keeping the discovery agent's
service registry and KV tree in sync with declared intent.`,
}

func init() {
	rootCmd.PersistentFlags().StringP("host", "H", "", "discovery agent (consul) address to connect to (or set CONSUL_HOST)")
	rootCmd.PersistentFlags().String("consul-acl-token", "", "bearer ACL token for the discovery agent (or set CONSUL_ACL_TOKEN)")
	rootCmd.PersistentFlags().String("config", "", "path to a herd config YAML file")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "output logs in JSON format")
	rootCmd.PersistentFlags().String("containerd-socket", "", "containerd socket path to dial (or set CONTAINERD_SOCKET; default /run/containerd/containerd.sock)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(psCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(healCmd)
	rootCmd.AddCommand(waitCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}
