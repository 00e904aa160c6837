package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"
)

// withApp loads config, wires the service graph and runs fn against it.
func withApp(ctx context.Context, opts *RootOptions, fn func(ctx context.Context, a *app) error) error {
	cfg, logger, err := loadConfig(opts)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// NewProvisionCommand creates the provision command.
func NewProvisionCommand(rootOpts *RootOptions) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "provision <order-id>",
		Short: "Run one provisioning attempt for an order",
		Long: `Run one provisioning attempt for a paid, errored or failed order and print
the result. Orders that are already provisioned are reported as-is.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return withApp(ctx, rootOpts, func(ctx context.Context, a *app) error {
				result, err := a.provision.Provision(ctx, args[0])
				if result != nil {
					if werr := writeJSON(cmd.OutOrStdout(), result); werr != nil {
						return werr
					}
				}
				return err
			})
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "upper bound for the attempt")
	return cmd
}

// NewAuditCommand creates the audit command.
func NewAuditCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Run one auditor sweep over stuck orders and print the report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), rootOpts, func(ctx context.Context, a *app) error {
				report, err := a.auditor.Sweep(ctx)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), report)
			})
		},
	}
}

// NewSummaryCommand creates the summary command.
func NewSummaryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Print order counts and webhook health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), rootOpts, func(ctx context.Context, a *app) error {
				summary, err := a.summary.Summary(ctx)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), summary)
			})
		},
	}
}
