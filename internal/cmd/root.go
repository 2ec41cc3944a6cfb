package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	cliflag "github.com/tomasbasham/cli-runtime/flag"
	"github.com/tomasbasham/cli-runtime/iooption"
	"github.com/tomasbasham/cli-runtime/printer"
	"github.com/tomasbasham/cli-runtime/templates"
)

var (
	rootLong = templates.LongDesc(`
		Store a single validated image per record, keeping blob storage
		consistent with record metadata across commits and rollbacks.

		Every flag may also be set through an IMAGESTORE_ prefixed environment
		variable (for example IMAGESTORE_DATABASE_DSN) or a config file.`)

	rootExamples = templates.Examples(`
		# Serve with local disk storage and an SQLite database
		imagestore serve --storage-root ./images --database-dsn ./imagestore.db

		# Upload an image for record 42
		imagestore upload 42 ./scan.png`)

	// Flag names map to environment variables as log-level → IMAGESTORE_LOG_LEVEL.
	envKeyReplacer = strings.NewReplacer("-", "_")

	// Injected at build time using ldflags.
	version = ""
	commit  = ""
)

// RootOptions defines the options shared by every command.
type RootOptions struct {
	ConfigFile string
	LogLevel   string
	LogFormat  string

	config *viper.Viper
	logger *slog.Logger

	iooption.IOStreams
}

// NewRootOptions provides an initialised RootOptions instance.
func NewRootOptions(streams iooption.IOStreams) *RootOptions {
	return &RootOptions{
		config:    viper.New(),
		IOStreams: streams,
	}
}

// NewRootCommand creates the `imagestore` command with default arguments.
func NewRootCommand() *cobra.Command {
	options := NewRootOptions(iooption.IOStreams{
		In:     os.Stdin,
		Out:    os.Stdout,
		ErrOut: os.Stderr,
	})

	return NewRootCommandWithArgs(options)
}

// NewRootCommandWithArgs creates the `imagestore` command and its nested
// children.
func NewRootCommandWithArgs(o *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:                   "imagestore [command]",
		Version:               versionInfo(),
		DisableFlagsInUseLine: true,
		Short:                 "Transactional image storage for records",
		Long:                  rootLong,
		Example:               rootExamples,
		SilenceErrors:         true,
		SilenceUsage:          true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return o.Complete(cmd)
		},
	}

	pflags := cmd.PersistentFlags()
	pflags.StringVar(&o.ConfigFile, "config", "", "Path to a config file (yaml, json or toml)")
	pflags.StringVar(&o.LogLevel, "log-level", "info", "Log level: debug, info, warn or error")
	pflags.StringVar(&o.LogFormat, "log-format", "text", "Log format: text or json")

	printerOpts := printer.WarningPrinterOptions{Color: true}
	printer := printer.NewWarningPrinter(o.ErrOut, printerOpts)
	cmd.SetGlobalNormalizationFunc(cliflag.WarnWordSepNormalizeFunc(printer))

	cmd.AddCommand(NewServeCommand(NewServeOptions(o)))
	cmd.AddCommand(NewUploadCommand(NewUploadOptions(o)))
	cmd.AddCommand(NewSweepCommand(NewSweepOptions(o)))

	// The globlal normalisation function ensures that all flags specified meet
	// the desired format, changing users' input if necessary.
	cmd.SetGlobalNormalizationFunc(cliflag.WordSepNormalizeFunc())

	return cmd
}

// Complete loads configuration for the executing command and builds the
// logger. Values set explicitly on the command line take precedence over
// the environment, which takes precedence over the config file.
func (o *RootOptions) Complete(cmd *cobra.Command) error {
	v := o.config
	v.SetEnvPrefix("IMAGESTORE")
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()

	if o.ConfigFile != "" {
		v.SetConfigFile(o.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := applyConfig(v, cmd.Flags()); err != nil {
		return err
	}

	logger, err := newLogger(o.ErrOut, o.LogLevel, o.LogFormat)
	if err != nil {
		return err
	}
	o.logger = logger
	slog.SetDefault(logger)
	return nil
}

// Logger returns the logger built by Complete.
func (o *RootOptions) Logger() *slog.Logger {
	if o.logger == nil {
		return slog.Default()
	}
	return o.logger
}

// applyConfig copies configured values onto every flag the user did not set.
func applyConfig(v *viper.Viper, flags *pflag.FlagSet) error {
	if err := v.BindPFlags(flags); err != nil {
		return fmt.Errorf("failed to bind flags: %w", err)
	}

	var errs []string
	flags.VisitAll(func(f *pflag.Flag) {
		if f.Changed || !v.IsSet(f.Name) {
			return
		}
		if err := flags.Set(f.Name, v.GetString(f.Name)); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %s", f.Name, err))
		}
	})
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}

func versionInfo() string {
	if version == "" {
		return ""
	}
	return fmt.Sprintf("%s (commit: %s)", version, commit)
}
