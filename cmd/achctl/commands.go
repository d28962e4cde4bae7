package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/transfa/ach-service/internal/bootstrap"
	"github.com/transfa/ach-service/internal/config"
	"github.com/transfa/ach-service/internal/store"
	"github.com/transfa/ach-service/internal/validation"
)

// withServices loads configuration, wires the service and runs fn.
func withServices(cmd *cobra.Command, fn func(ctx context.Context, cfg *config.Config, s *bootstrap.Services) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	return openServices(cmd, cfg, fn)
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	envDir, _ := cmd.Flags().GetString("env-dir")
	return config.LoadConfig(envDir)
}

func openServices(cmd *cobra.Command, cfg *config.Config, fn func(ctx context.Context, cfg *config.Config, s *bootstrap.Services) error) error {
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil))

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	services, err := bootstrap.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer services.Close()
	return fn(ctx, cfg, services)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the ACH tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			db, err := bootstrap.OpenDatabase(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := store.Migrate(cmd.Context(), db); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Schema is up to date")
			return nil
		},
	}
}

func runBatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run-batch",
		Short: "Export eligible orders into a NACHA file and upload it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, func(ctx context.Context, _ *config.Config, s *bootstrap.Services) error {
				result := s.Runner.Run(ctx, true)
				if err := printJSON(cmd.OutOrStdout(), result); err != nil {
					return err
				}
				if !result.Success {
					return fmt.Errorf("batch run failed")
				}
				return nil
			})
		},
	}
}

func retryUploadsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry-uploads",
		Short: "Retry batches whose upload failed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, func(ctx context.Context, _ *config.Config, s *bootstrap.Services) error {
				results, err := s.Runner.RetryFailedUploads(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), results)
			})
		},
	}
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Download and apply return and notification-of-change files",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, func(ctx context.Context, _ *config.Config, s *bootstrap.Services) error {
				result, err := s.Runner.Reconcile(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}
}

func settleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "settle",
		Short: "Complete orders whose batches passed the settlement window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, func(ctx context.Context, _ *config.Config, s *bootstrap.Services) error {
				result, err := s.Runner.SettleMatured(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}
}

func cleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete stored NACHA files past the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, func(ctx context.Context, _ *config.Config, s *bootstrap.Services) error {
				removed, err := s.Runner.CleanupRetention(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d file(s)\n", removed)
				return nil
			})
		},
	}
}

func testSFTPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test-sftp",
		Short: "Connect to the processor and list the upload directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, func(ctx context.Context, _ *config.Config, s *bootstrap.Services) error {
				ok, message := s.Runner.TestConnection(ctx)
				fmt.Fprintln(cmd.OutOrStdout(), message)
				if !ok {
					return fmt.Errorf("connection test failed")
				}
				return nil
			})
		},
	}
}

func rotateKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rotate-key",
		Short: "Re-encrypt every stored secret under the current master key",
		Long: `Moves every vault value from SECURITY_PREVIOUS_MASTER_KEY to SECURITY_MASTER_KEY.
Run the service with both variables set while rotating; it reads with either
key and writes with the current one. Re-run the command until it reports no
failures, then unset SECURITY_PREVIOUS_MASTER_KEY.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			previous := cfg.PreviousMasterKey()
			if previous == nil {
				return fmt.Errorf("SECURITY_PREVIOUS_MASTER_KEY must hold the key being retired")
			}
			return openServices(cmd, cfg, func(ctx context.Context, cfg *config.Config, s *bootstrap.Services) error {
				summary, err := s.Secrets.RotateKey(ctx, previous, cfg.MasterKey())
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), summary); err != nil {
					return err
				}
				if len(summary.Failed) > 0 {
					return fmt.Errorf("%d value(s) failed to rotate; run the command again", len(summary.Failed))
				}
				return nil
			})
		},
	}
	return cmd
}

func setSFTPSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "set-sftp-secret [password|private-key|passphrase]",
		Short:     "Store an SFTP credential encrypted in the vault",
		Long:      "Reads the credential from stdin. Private keys are read until EOF.",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"password", "private-key", "passphrase"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var value []byte
			var err error
			if args[0] == "private-key" {
				value, err = io.ReadAll(cmd.InOrStdin())
			} else {
				value, err = readSecret(cmd.InOrStdin())
			}
			if err != nil {
				return err
			}
			if len(value) == 0 {
				return fmt.Errorf("no value provided on stdin")
			}
			return withServices(cmd, func(ctx context.Context, _ *config.Config, s *bootstrap.Services) error {
				switch args[0] {
				case "password":
					err = s.Secrets.SaveSFTPPassword(ctx, value)
				case "private-key":
					err = s.Secrets.SaveSFTPPrivateKey(ctx, value)
				case "passphrase":
					err = s.Secrets.SaveSFTPPassphrase(ctx, value)
				default:
					return fmt.Errorf("unknown secret %q", args[0])
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Stored SFTP %s\n", args[0])
				return nil
			})
		},
	}
	return cmd
}

func checkDigitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-digit [first-8-digits]",
		Short: "Compute the ABA check digit for a routing number prefix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			digit, err := validation.RoutingCheckDigit(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s%d\n", args[0], digit)
			return nil
		},
	}
}

func readSecret(r io.Reader) ([]byte, error) {
	if f, ok := r.(*os.File); ok && f == os.Stdin {
		fmt.Fprint(os.Stderr, "Value: ")
	}
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return nil, err
	}
	return []byte(strings.TrimRight(line, "\r\n")), nil
}
