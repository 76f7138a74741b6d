// Package cli implements the taxlinkctl operator commands.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/taxlink-pk/taxlink/internal/fbr/retry"
	"github.com/taxlink-pk/taxlink/internal/fbr/submission"
	"github.com/taxlink-pk/taxlink/jobs"
)

// RetryOps manages the retry state of one invoice.
type RetryOps interface {
	ResetRetry(ctx context.Context, invoiceID, businessID int64) error
	DisableRetry(ctx context.Context, invoiceID, businessID int64) error
	RetryNow(ctx context.Context, invoiceID, businessID int64) (*submission.Result, error)
	Status(ctx context.Context, invoiceID, businessID int64) (*retry.StatusView, error)
}

// Sweeper runs a retry sweep in process.
type Sweeper interface {
	ProcessAllPendingRetries(ctx context.Context) (retry.Summary, error)
}

// JobOps enqueues and inspects background jobs.
type JobOps interface {
	Trigger(ctx context.Context, name string) (*asynq.TaskInfo, error)
	InspectQueues(ctx context.Context) ([]QueueStats, error)
}

// Backend holds what the commands operate on.
type Backend struct {
	Retries RetryOps
	Sweeper Sweeper
	Jobs    JobOps
	Close   func() error
}

// Opener connects the backend. It runs once per command invocation, after
// flags are parsed.
type Opener func(ctx context.Context) (*Backend, error)

// NewRootCommand builds the taxlinkctl command tree.
func NewRootCommand(open Opener) *cobra.Command {
	root := &cobra.Command{
		Use:           "taxlinkctl",
		Short:         "Operate FBR invoice submission and retries",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newSweepCommand(open), newRetryCommand(open), newJobsCommand(open))
	return root
}

func withBackend(cmd *cobra.Command, open Opener, fn func(*Backend) error) error {
	backend, err := open(cmd.Context())
	if err != nil {
		return err
	}
	if backend.Close != nil {
		defer func() {
			if err := backend.Close(); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "close: %v\n", err)
			}
		}()
	}
	return fn(backend)
}

func newSweepCommand(open Opener) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Resubmit every failed invoice whose retry is due",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withBackend(cmd, open, func(b *Backend) error {
				summary, err := b.Sweeper.ProcessAllPendingRetries(cmd.Context())
				if err != nil {
					return fmt.Errorf("sweep: %w", err)
				}
				return writeJSON(cmd.OutOrStdout(), summary)
			})
		},
	}
}

func newRetryCommand(open Opener) *cobra.Command {
	var businessID int64
	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Inspect or change the retry state of an invoice",
	}
	cmd.PersistentFlags().Int64Var(&businessID, "business", 0, "business that owns the invoice")
	_ = cmd.MarkPersistentFlagRequired("business")

	action := func(use, short string, run func(ctx context.Context, b *Backend, w io.Writer, invoiceID int64) error) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <invoice-id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				invoiceID, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil || invoiceID <= 0 {
					return fmt.Errorf("invalid invoice id %q", args[0])
				}
				if businessID <= 0 {
					return fmt.Errorf("--business must be a positive id")
				}
				return withBackend(cmd, open, func(b *Backend) error {
					return run(cmd.Context(), b, cmd.OutOrStdout(), invoiceID)
				})
			},
		}
	}

	status := func(ctx context.Context, b *Backend, w io.Writer, invoiceID int64) error {
		view, err := b.Retries.Status(ctx, invoiceID, businessID)
		if err != nil {
			return err
		}
		return writeJSON(w, view)
	}

	cmd.AddCommand(
		action("status", "Show retry state", status),
		action("reset", "Reset the retry budget and schedule an immediate retry",
			func(ctx context.Context, b *Backend, w io.Writer, invoiceID int64) error {
				if err := b.Retries.ResetRetry(ctx, invoiceID, businessID); err != nil {
					return err
				}
				return status(ctx, b, w, invoiceID)
			}),
		action("disable", "Stop automatic retries",
			func(ctx context.Context, b *Backend, w io.Writer, invoiceID int64) error {
				if err := b.Retries.DisableRetry(ctx, invoiceID, businessID); err != nil {
					return err
				}
				return status(ctx, b, w, invoiceID)
			}),
		action("now", "Resubmit immediately in the last attempted environment",
			func(ctx context.Context, b *Backend, w io.Writer, invoiceID int64) error {
				res, err := b.Retries.RetryNow(ctx, invoiceID, businessID)
				if res != nil {
					if werr := writeJSON(w, res); werr != nil {
						return werr
					}
				}
				return err
			}),
	)
	return cmd
}

func newJobsCommand(open Opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Trigger or inspect background jobs",
	}
	cmd.AddCommand(&cobra.Command{
		Use:       "trigger <name>",
		Short:     "Enqueue a job with its default payload",
		Args:      cobra.ExactArgs(1),
		ValidArgs: jobs.TriggerableTasks(),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, open, func(b *Backend) error {
				info, err := b.Jobs.Trigger(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s as %s on %s\n", info.Type, info.ID, info.Queue)
				return nil
			})
		},
	}, &cobra.Command{
		Use:   "stats",
		Short: "Show queue backlogs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withBackend(cmd, open, func(b *Backend) error {
				stats, err := b.Jobs.InspectQueues(cmd.Context())
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "QUEUE\tPENDING\tACTIVE\tSCHEDULED\tRETRY\tARCHIVED")
				for _, s := range stats {
					fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\n", s.Queue, s.Pending, s.Active, s.Scheduled, s.Retry, s.Archived)
				}
				return tw.Flush()
			})
		},
	})
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
