package cli

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/nganga-moses/overwatch-cloud/internal/observability"
	"github.com/nganga-moses/overwatch-cloud/internal/outbox"
)

// DLQRetryResult reports one manual dead-letter pass.
type DLQRetryResult struct {
	Requeued    int `json:"requeued"`
	Pending     int `json:"pending"`
	Quarantined int `json:"quarantined"`
}

// NewDLQCommand creates the dlq command group.
func NewDLQCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and retry the outbox dead-letter queue",
	}

	var batch int
	retry := &cobra.Command{
		Use:   "retry",
		Short: "Requeue due dead-letter entries into the outbox once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if batch <= 0 {
				return NewExitError(ExitCommandError, "--batch must be positive")
			}
			return runDLQ(rootOpts, cmd, batch)
		},
	}
	retry.Flags().IntVar(&batch, "batch", 100, "maximum entries handled in this pass")

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Print the dead-letter backlog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDLQ(rootOpts, cmd, 0)
		},
	}

	cmd.AddCommand(retry, stats)
	return cmd
}

// runDLQ performs one retry pass when batch is positive, then reports the backlog.
func runDLQ(opts *RootOptions, cmd *cobra.Command, batch int) error {
	ctx := cmd.Context()
	pool, err := opts.openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	logger := observability.NewLogger(opts.cfg.Environment, opts.cfg.LogLevel)
	logger.SetOutput(cmd.ErrOrStderr())
	manager := outbox.NewDLQManager(pool, opts.cfg.DLQMaxRetries, opts.cfg.DLQBaseDelay, logger.WithField("component", "dlq"))

	var result DLQRetryResult
	if batch > 0 {
		requeued, err := manager.RunOnce(ctx, batch)
		result.Requeued = requeued
		if err != nil {
			logger.WithError(err).WithFields(logrus.Fields{"requeued": requeued}).Warn("dlq pass finished with errors")
		}
	}
	stats, err := manager.Stats(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "read dlq stats", err)
	}
	result.Pending = stats.Pending
	result.Quarantined = stats.Quarantined

	return opts.formatter(cmd).Success(result, func(w io.Writer) error {
		return renderDLQResult(w, result, batch > 0)
	})
}

func renderDLQResult(w io.Writer, r DLQRetryResult, retried bool) error {
	if retried {
		fmt.Fprintf(w, "requeued %d entries\n", r.Requeued)
	}
	_, err := fmt.Fprintf(w, "pending %d, quarantined %d\n", r.Pending, r.Quarantined)
	return err
}
