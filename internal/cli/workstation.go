package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nganga-moses/overwatch-cloud/internal/domain"
	"github.com/nganga-moses/overwatch-cloud/internal/persistence/postgres"
)

// WorkstationOptions holds flags shared by workstation commands.
type WorkstationOptions struct {
	*RootOptions
	CustomerID string
	ID         string
	Name       string
}

// NewWorkstationCommand creates the workstation command group.
func NewWorkstationCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WorkstationOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "workstation",
		Short: "Manage registered workstations",
	}
	cmd.PersistentFlags().StringVar(&opts.CustomerID, "customer", "", "customer id (required)")
	_ = cmd.MarkPersistentFlagRequired("customer")

	register := &cobra.Command{
		Use:   "register",
		Short: "Register a workstation for a customer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRegisterWorkstation(opts, cmd)
		},
	}
	register.Flags().StringVar(&opts.ID, "id", "", "workstation id (a random UUID when empty)")
	register.Flags().StringVar(&opts.Name, "name", "", "display name")

	list := &cobra.Command{
		Use:   "list",
		Short: "List a customer's workstations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runListWorkstations(opts, cmd)
		},
	}

	cmd.AddCommand(register, list)
	return cmd
}

func runRegisterWorkstation(opts *WorkstationOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	pool, err := opts.openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	ws, err := postgres.NewStore(pool).RegisterWorkstation(ctx, domain.Workstation{
		ID:         id,
		CustomerID: opts.CustomerID,
		Name:       opts.Name,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "register workstation", err)
	}

	f := opts.formatter(cmd)
	return f.Success(ws, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "registered workstation %s for customer %s\n", ws.ID, ws.CustomerID)
		return err
	})
}

func runListWorkstations(opts *WorkstationOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	pool, err := opts.openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	list, err := postgres.NewStore(pool).ListWorkstations(ctx, opts.CustomerID)
	if err != nil {
		return WrapExitError(ExitCommandError, "list workstations", err)
	}
	if list == nil {
		list = []domain.Workstation{}
	}

	f := opts.formatter(cmd)
	return f.Success(list, func(w io.Writer) error {
		return f.Table([]string{"ID", "NAME", "LAST SYNC", "LAST SEEN"}, workstationRows(list))
	})
}

func workstationRows(list []domain.Workstation) [][]string {
	rows := make([][]string, 0, len(list))
	for _, ws := range list {
		rows = append(rows, []string{ws.ID, ws.Name, formatOptionalTime(ws.LastSyncAt), formatOptionalTime(ws.LastSeenAt)})
	}
	return rows
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}
