package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tomasbasham/cli-runtime/templates"

	"github.com/tomasbasham/imagestore/internal/artefact"
	"github.com/tomasbasham/imagestore/internal/cleanup"
	"github.com/tomasbasham/imagestore/internal/server"
	"github.com/tomasbasham/imagestore/internal/validate"
)

type ServeOptions struct {
	root *RootOptions

	Port             int
	MaxUploadSize    int64
	OperationTimeout time.Duration
	MaxInFlight      int64
	SweepInterval    time.Duration
	SweepGrace       time.Duration

	StoreOptions
}

var (
	serveLong = templates.LongDesc(`Start the image store HTTP server.`)

	serveExample = templates.Examples(`
		# Start on the default port with local disk storage
		imagestore serve

		# Store images in GCS and metadata in PostgreSQL
		imagestore serve --storage-backend gcs --bucket my-images \
			--database-driver postgres --database-dsn "postgres://localhost/imagestore?sslmode=disable"

		# Sweep orphaned blobs every hour
		imagestore serve --sweep-interval 1h`)
)

func NewServeOptions(root *RootOptions) *ServeOptions {
	return &ServeOptions{root: root}
}

func NewServeCommand(o *ServeOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Start the image store HTTP server",
		Long:    serveLong,
		Example: serveExample,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.Complete(cmd, args); err != nil {
				return err
			}
			if err := o.Validate(); err != nil {
				return err
			}
			if err := o.Run(cmd.Context()); err != nil {
				return err
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&o.Port, "port", "p", 8080, "Port to listen on")
	cmd.Flags().Int64Var(&o.MaxUploadSize, "max-upload-size", validate.DefaultMaxSize, "Largest accepted image in bytes")
	cmd.Flags().DurationVar(&o.OperationTimeout, "operation-timeout", 30*time.Second, "Deadline for each upload or delete")
	cmd.Flags().Int64Var(&o.MaxInFlight, "max-in-flight", 16, "Maximum concurrently executing operations")
	cmd.Flags().DurationVar(&o.SweepInterval, "sweep-interval", 0, "Interval between orphan sweeps (0 disables)")
	cmd.Flags().DurationVar(&o.SweepGrace, "sweep-grace", cleanup.DefaultGrace, "Minimum age of an unreferenced blob before a sweep deletes it")
	o.StoreOptions.AddFlags(cmd.Flags())

	return cmd
}

func (o *ServeOptions) Complete(cmd *cobra.Command, args []string) error {
	return nil
}

func (o *ServeOptions) Validate() error {
	if o.Port <= 0 || o.Port > 65535 {
		return fmt.Errorf("invalid port %d", o.Port)
	}
	if o.MaxUploadSize <= 0 {
		return fmt.Errorf("--max-upload-size must be positive")
	}
	if o.SweepInterval > 0 && o.DatabaseDriver == driverMemory {
		return fmt.Errorf("--sweep-interval cannot be used with the memory database driver")
	}
	return o.StoreOptions.Validate()
}

func (o *ServeOptions) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := o.root.Logger()

	st, err := o.StoreOptions.Open(ctx, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	metrics := cleanup.NewMetrics(nil)
	svc, err := artefact.New(artefact.Options{
		Records:          st.records,
		Blobs:            st.blobs,
		Validator:        validate.New(o.MaxUploadSize),
		Coordinator:      cleanup.NewCoordinator(st.blobs, logger, metrics),
		Logger:           logger,
		MaxInFlight:      o.MaxInFlight,
		OperationTimeout: o.OperationTimeout,
	})
	if err != nil {
		return err
	}

	if o.SweepInterval > 0 {
		sweeper := cleanup.NewSweeper(st.blobs, st.records, logger, metrics)
		sweeper.Grace = o.SweepGrace
		go sweeper.Run(ctx, o.SweepInterval)
	}

	srv := server.New(server.Options{
		Service:       svc,
		Logger:        logger,
		MaxUploadSize: o.MaxUploadSize,
	})

	addr := fmt.Sprintf(":%d", o.Port)
	logger.Info("starting image store server", "addr", addr, "storage_backend", o.StorageBackend, "database_driver", o.DatabaseDriver)
	return srv.ListenAndServe(ctx, addr)
}
