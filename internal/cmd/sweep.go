package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tomasbasham/cli-runtime/iooption"
	"github.com/tomasbasham/cli-runtime/templates"

	"github.com/tomasbasham/imagestore/internal/cleanup"
)

type SweepOptions struct {
	root *RootOptions

	Grace       time.Duration
	Concurrency int

	StoreOptions
	iooption.IOStreams
}

var (
	sweepLong = templates.LongDesc(`
		Delete blobs that no record references. Only blobs older than the
		grace period are considered, so uploads whose transaction is still
		open are never touched.`)

	sweepExample = templates.Examples(`
		# Sweep local disk storage against the default SQLite database
		imagestore sweep

		# Sweep a GCS bucket, only removing blobs older than a day
		imagestore sweep --storage-backend gcs --bucket my-images --grace 24h`)
)

func NewSweepOptions(root *RootOptions) *SweepOptions {
	return &SweepOptions{
		root:      root,
		IOStreams: root.IOStreams,
	}
}

func NewSweepCommand(o *SweepOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:                   "sweep",
		DisableFlagsInUseLine: true,
		Short:                 "Delete orphaned blobs",
		Long:                  sweepLong,
		Example:               sweepExample,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.Validate(); err != nil {
				return err
			}
			return o.Run()
		},
	}

	cmd.Flags().DurationVar(&o.Grace, "grace", cleanup.DefaultGrace, "Minimum age of an unreferenced blob before it is deleted")
	cmd.Flags().IntVar(&o.Concurrency, "concurrency", 4, "Maximum concurrent deletes")
	o.StoreOptions.AddFlags(cmd.Flags())

	return cmd
}

func (o *SweepOptions) Validate() error {
	if o.DatabaseDriver == driverMemory {
		// An empty memory store references nothing, so every blob would go.
		return fmt.Errorf("sweep requires a persistent database driver")
	}
	if o.Grace < 0 {
		return fmt.Errorf("--grace must not be negative")
	}
	return o.StoreOptions.Validate()
}

func (o *SweepOptions) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := o.root.Logger()

	st, err := o.StoreOptions.Open(ctx, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	sweeper := cleanup.NewSweeper(st.blobs, st.records, logger, nil)
	sweeper.Grace = o.Grace
	sweeper.Concurrency = o.Concurrency

	report, err := sweeper.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}

	fmt.Fprintf(o.Out, "Scanned %d blobs: %d deleted, %d failed, %d within grace period, %d ignored\n",
		report.Scanned, report.Deleted, report.Failed, report.Young, report.Ignored)
	if report.Failed > 0 {
		return fmt.Errorf("%d orphaned blobs could not be deleted", report.Failed)
	}
	return nil
}
