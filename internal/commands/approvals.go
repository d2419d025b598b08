package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-budget-transfers/internal/client"
)

type approvalFlags struct {
	addr    string
	user    string
	timeout time.Duration
}

// dial connects to the approval service and tags the context with the user.
func (f *approvalFlags) dial(ctx context.Context) (*client.ApprovalsGRPCClient, context.Context, context.CancelFunc, error) {
	if f.user == "" {
		return nil, nil, nil, fmt.Errorf("--user is required")
	}
	c, err := client.NewApprovalsGRPCClient(f.addr)
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, cancel := context.WithTimeout(client.WithUser(ctx, f.user), f.timeout)
	return c, ctx, cancel, nil
}

func newApprovalsCommand() *cobra.Command {
	f := &approvalFlags{}
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "Act on transfer approvals through the gRPC API",
	}
	cmd.PersistentFlags().StringVar(&f.addr, "addr", "localhost:9086", "approval service gRPC address")
	cmd.PersistentFlags().StringVar(&f.user, "user", "", "acting user id")
	cmd.PersistentFlags().DurationVar(&f.timeout, "timeout", 10*time.Second, "request timeout")

	run := func(call func(ctx context.Context, c *client.ApprovalsGRPCClient, args []string) (map[string]any, error)) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel, err := f.dial(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()
			defer cancel()
			resp, err := call(ctx, c, args)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		}
	}

	pending := &cobra.Command{
		Use:   "pending",
		Short: "List the user's pending approvals",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, c *client.ApprovalsGRPCClient, _ []string) (map[string]any, error) {
			return c.PendingApprovals(ctx)
		}),
	}

	var comment string
	act := &cobra.Command{
		Use:   "act <transfer-id> <approve|reject|comment>",
		Short: "Record an action on a transfer's active stage",
		Args:  cobra.ExactArgs(2),
		RunE: run(func(ctx context.Context, c *client.ApprovalsGRPCClient, args []string) (map[string]any, error) {
			return c.ProcessAction(ctx, args[0], args[1], comment)
		}),
	}
	act.Flags().StringVar(&comment, "comment", "", "comment or rejection reason")

	delegate := &cobra.Command{
		Use:   "delegate <transfer-id> <to-user>",
		Short: "Hand the user's assignment to another user",
		Args:  cobra.ExactArgs(2),
		RunE: run(func(ctx context.Context, c *client.ApprovalsGRPCClient, args []string) (map[string]any, error) {
			return c.Delegate(ctx, args[0], args[1], comment)
		}),
	}
	delegate.Flags().StringVar(&comment, "comment", "", "delegation note")

	var reason string
	cancelCmd := &cobra.Command{
		Use:   "cancel <transfer-id>",
		Short: "Cancel a transfer and its workflow",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(ctx context.Context, c *client.ApprovalsGRPCClient, args []string) (map[string]any, error) {
			return c.Cancel(ctx, args[0], reason)
		}),
	}
	cancelCmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")

	status := &cobra.Command{
		Use:   "status <transfer-id>",
		Short: "Show a transfer's workflow",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(ctx context.Context, c *client.ApprovalsGRPCClient, args []string) (map[string]any, error) {
			return c.WorkflowStatus(ctx, args[0])
		}),
	}

	cmd.AddCommand(pending, act, delegate, cancelCmd, status)
	return cmd
}
