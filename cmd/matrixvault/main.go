package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "matrixvault",
		Short: "matrixvault - an encrypted sparse matrix behind a password gate.",
		Long: `matrixvault stores a sparse grid of encrypted cells per secret. Each secret
opens its own namespace; a wrong secret simply sees nothing.

Usage:
  matrixvault <command> [flags]

Available Commands:
  serve      Run the HTTP service
  secrets    Manage the secrets registry
  seed-demo  Write demo data into empty namespaces
  audit      Inspect the access log
  token      Issue identity tokens for development
`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	loader := func() string { return configPath }
	root.AddCommand(
		newServeCmd(loader),
		newSecretsCmd(loader),
		newSeedDemoCmd(loader),
		newAuditCmd(loader),
		newTokenCmd(loader),
	)
	return root
}

func main() {
	// Interrupts cancel the context so serve can drain before enclaves are
	// purged.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		memguard.SafeExit(1)
	}
	memguard.Purge()
}
