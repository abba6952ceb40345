package cli

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/nganga-moses/overwatch-cloud/internal/domain"
	"github.com/nganga-moses/overwatch-cloud/internal/persistence/postgres"
)

// LogTailOptions holds flags for the log tail command.
type LogTailOptions struct {
	*RootOptions
	CustomerID string
	Since      int64
	Limit      int
}

// NewLogCommand creates the log command group.
func NewLogCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Inspect a customer's change log",
	}
	cmd.AddCommand(newLogTailCommand(rootOpts), newLogAuditCommand(rootOpts))
	return cmd
}

func newLogTailCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LogTailOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print change log entries after a version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Since < 0 {
				return NewExitError(ExitCommandError, "--since must not be negative")
			}
			if opts.Limit <= 0 {
				return NewExitError(ExitCommandError, "--limit must be positive")
			}
			return runLogTail(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.CustomerID, "customer", "", "customer id (required)")
	_ = cmd.MarkFlagRequired("customer")
	cmd.Flags().Int64Var(&opts.Since, "since", 0, "print entries with a version greater than this")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "maximum number of entries")

	return cmd
}

func runLogTail(opts *LogTailOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	pool, err := opts.openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	entries, err := postgres.NewStore(pool).ReadSince(ctx, opts.CustomerID, opts.Since, opts.Limit)
	if err != nil {
		return WrapExitError(ExitCommandError, "read change log", err)
	}
	if entries == nil {
		entries = []domain.ChangeEntry{}
	}

	f := opts.formatter(cmd)
	return f.Success(entries, func(w io.Writer) error {
		if len(entries) == 0 {
			_, err := fmt.Fprintf(w, "no entries after version %d\n", opts.Since)
			return err
		}
		return f.Table(changeHeader, changeRows(entries))
	})
}

var changeHeader = []string{"VERSION", "TYPE", "ID", "OP", "WORKSTATION", "RECORDED"}

func changeRows(entries []domain.ChangeEntry) [][]string {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			strconv.FormatInt(e.Version, 10),
			string(e.EntityType),
			e.EntityID,
			string(e.Operation),
			e.WorkstationID,
			e.RecordedAt.UTC().Format(time.RFC3339),
		})
	}
	return rows
}

// LogAuditOptions holds flags for the log audit command.
type LogAuditOptions struct {
	*RootOptions
	CustomerID string
	Limit      int
}

func newLogAuditCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LogAuditOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Print recent push, pull and bootstrap events, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Limit <= 0 {
				return NewExitError(ExitCommandError, "--limit must be positive")
			}
			return runLogAudit(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.CustomerID, "customer", "", "customer id (required)")
	_ = cmd.MarkFlagRequired("customer")
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "maximum number of events")

	return cmd
}

func runLogAudit(opts *LogAuditOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	pool, err := opts.openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	list, err := postgres.NewStore(pool).SyncEvents(ctx, opts.CustomerID, opts.Limit)
	if err != nil {
		return WrapExitError(ExitCommandError, "read sync events", err)
	}
	if list == nil {
		list = []domain.SyncEvent{}
	}

	f := opts.formatter(cmd)
	return f.Success(list, func(w io.Writer) error {
		return f.Table(auditHeader, auditRows(list))
	})
}

var auditHeader = []string{"AT", "WORKSTATION", "DIRECTION", "STATUS", "VERSIONS", "DURATION", "ERROR"}

func auditRows(list []domain.SyncEvent) [][]string {
	rows := make([][]string, 0, len(list))
	for _, e := range list {
		rows = append(rows, []string{
			e.CreatedAt.UTC().Format(time.RFC3339),
			e.WorkstationID,
			string(e.Direction),
			e.Status,
			fmt.Sprintf("%d..%d", e.VersionBefore, e.VersionAfter),
			e.Duration.String(),
			e.Error,
		})
	}
	return rows
}
