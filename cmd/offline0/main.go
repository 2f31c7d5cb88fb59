package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "offline0:", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	addr       string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "offline0",
		Short:         "Offline-first caching layer for the Repair Shop CRM",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", getenvDefault("OFFLINE0_CONFIG", "/offline0.yaml"), "path to offline0.yaml")
	cmd.PersistentFlags().StringVar(&opts.addr, "addr", getenvDefault("OFFLINE0_ADDR", "http://127.0.0.1:8080"), "address of a running offline0")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newDrainCommand(opts))
	cmd.AddCommand(newAdoptCommand(opts))
	cmd.AddCommand(newVersionCommand(opts))
	return cmd
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
