// Command achctl is the operator CLI for the ACH service. Each subcommand runs
// one operation against the same database and file store the service uses.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "achctl",
		Short:         "Operate ACH batch exports, returns and settlement",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("env-dir", ".", "Directory containing an optional .env file")

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(runBatchCmd())
	rootCmd.AddCommand(retryUploadsCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(settleCmd())
	rootCmd.AddCommand(cleanupCmd())
	rootCmd.AddCommand(testSFTPCmd())
	rootCmd.AddCommand(rotateKeyCmd())
	rootCmd.AddCommand(setSFTPSecretCmd())
	rootCmd.AddCommand(checkDigitCmd())
	return rootCmd
}
