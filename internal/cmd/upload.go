package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tomasbasham/cli-runtime/iooption"
	"github.com/tomasbasham/cli-runtime/templates"

	"github.com/tomasbasham/imagestore/internal/artefact"
	"github.com/tomasbasham/imagestore/internal/cleanup"
	"github.com/tomasbasham/imagestore/internal/validate"
)

type UploadOptions struct {
	root *RootOptions
	data []byte

	OwnerID       int64
	Path          string
	MaxUploadSize int64
	Timeout       time.Duration

	StoreOptions
	iooption.IOStreams
}

var (
	uploadLong = templates.LongDesc(`
		Upload an image for an existing record directly against the configured
		stores. A previous image for the record is deleted once the new one is
		committed.`)

	uploadExample = templates.Examples(`
		# Upload a scan for record 42 using local disk and SQLite
		imagestore upload 42 ./scan.png

		# Upload into S3
		imagestore upload 42 ./scan.jpg --storage-backend s3 --bucket my-images`)
)

func NewUploadOptions(root *RootOptions) *UploadOptions {
	return &UploadOptions{
		root:      root,
		IOStreams: root.IOStreams,
	}
}

func NewUploadCommand(o *UploadOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:                   "upload OWNER_ID FILE",
		DisableFlagsInUseLine: true,
		Short:                 "Upload an image for a record",
		Long:                  uploadLong,
		Example:               uploadExample,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.Complete(cmd, args); err != nil {
				return err
			}
			if err := o.Validate(); err != nil {
				return err
			}
			if err := o.Run(); err != nil {
				return err
			}
			return nil
		},
	}

	cmd.Flags().Int64Var(&o.MaxUploadSize, "max-upload-size", validate.DefaultMaxSize, "Largest accepted image in bytes")
	cmd.Flags().DurationVarP(&o.Timeout, "timeout", "t", 30*time.Second, "Deadline for the upload")
	o.StoreOptions.AddFlags(cmd.Flags())

	return cmd
}

func (o *UploadOptions) Complete(cmd *cobra.Command, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("OWNER_ID and FILE are required")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid OWNER_ID %q: %w", args[0], err)
	}
	o.OwnerID = id
	o.Path = args[1]
	return nil
}

func (o *UploadOptions) Validate() error {
	if o.OwnerID <= 0 {
		return fmt.Errorf("OWNER_ID must be positive")
	}
	if o.DatabaseDriver == driverMemory {
		return fmt.Errorf("the memory database driver cannot hold records between runs")
	}

	// Read the file up front so a missing file fails before any store is
	// opened.
	data, err := os.ReadFile(o.Path)
	if err != nil {
		return fmt.Errorf("failed to read upload: %w", err)
	}
	o.data = data

	return o.StoreOptions.Validate()
}

func (o *UploadOptions) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := o.root.Logger()

	st, err := o.StoreOptions.Open(ctx, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	svc, err := artefact.New(artefact.Options{
		Records:          st.records,
		Blobs:            st.blobs,
		Validator:        validate.New(o.MaxUploadSize),
		Coordinator:      cleanup.NewCoordinator(st.blobs, logger, nil),
		Logger:           logger,
		OperationTimeout: o.Timeout,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(o.ErrOut, "Uploading %s for record %d...\n", o.Path, o.OwnerID)
	res, err := svc.Upload(ctx, o.OwnerID, artefact.File{
		Name: filepath.Base(o.Path),
		Data: o.data,
	})
	if err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}

	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	fmt.Fprintln(o.Out, string(out))
	return nil
}
