package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/NASA-AMMOS/landform-https/internal/accesslog"
	"github.com/NASA-AMMOS/landform-https/internal/server"
	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type Flags struct {
	KeyFile         string
	AccessDB        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	Reset           bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		logrus.Fatal(err)
	}
}

func newRootCommand() *cobra.Command {
	f := new(Flags)

	command := &cobra.Command{
		Use:   "landform-https <port> <directory> <certificate>",
		Short: "Serve a directory over HTTPS on localhost",
		Long: "Serve a directory over HTTPS on localhost.\n\n" +
			"The certificate file must contain the PEM certificate and its private key,\n" +
			"unless the key is given separately with --key.",
		Args:          validateArgs,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Argument errors print usage; failures past this point do not.
			cmd.SilenceUsage = true
			return run(cmd, args, f)
		},
	}

	command.Flags().StringVar(&f.KeyFile, "key", "", "Read the private key from this file instead of the certificate file.")
	command.Flags().DurationVar(&f.ShutdownTimeout, "shutdown-timeout", server.DefaultShutdownTimeout, "Time allowed for in-flight requests on shutdown.")
	command.PersistentFlags().StringVar(&f.AccessDB, "access-db", "", "Record per-path hits in this database file (outside the served directory).")
	command.PersistentFlags().StringVar(&f.LogLevel, "log-level", "info", "Log level: debug, info, warn, error.")
	command.PersistentFlags().StringVar(&f.LogFormat, "log-format", "json", "Log format: json or text.")

	stats := &cobra.Command{
		Use:           "stats",
		Short:         "Print the per-path access ledger",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(cmd.OutOrStdout(), f)
		},
	}
	stats.Flags().BoolVar(&f.Reset, "reset", false, "Clear the ledger after printing it.")
	command.AddCommand(stats)

	return command
}

func validateArgs(cmd *cobra.Command, args []string) error {
	if err := cobra.ExactArgs(3)(cmd, args); err != nil {
		return err
	}
	return server.ValidatePort(args[0])
}

func newLogger(f *Flags) (*logrus.Logger, error) {
	logger := logrus.New()

	level, err := logrus.ParseLevel(f.LogLevel)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(level)

	switch f.LogFormat {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("unknown log format %q", f.LogFormat)
	}

	return logger, nil
}

func run(cmd *cobra.Command, args []string, f *Flags) error {
	logger, err := newLogger(f)
	if err != nil {
		return err
	}

	config := &server.Config{
		Host:            server.DefaultHost,
		Port:            args[0],
		RootDir:         args[1],
		CertFile:        args[2],
		KeyFile:         f.KeyFile,
		AccessDB:        f.AccessDB,
		ShutdownTimeout: f.ShutdownTimeout,
	}

	srv, err := server.New(config, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create server")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Received shutdown signal")
		cancel()
	}()

	go func() {
		select {
		case <-srv.Ready():
			printBanner(cmd.OutOrStdout(), srv.RootDir(), srv.GetPort())
		case <-ctx.Done():
		}
	}()

	if err := srv.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Server failed")
	}

	logger.Info("Server shutdown complete")
	return nil
}

func printBanner(w io.Writer, root, port string) {
	url := color.New(color.FgGreen, color.Bold).Sprintf("https://localhost:%s/", port)
	fmt.Fprintf(w, "Serving %s at %s\n", root, url)
	fmt.Fprintln(w, "Press Ctrl+C to stop")
}

func runStats(w io.Writer, f *Flags) error {
	if f.AccessDB == "" {
		return fmt.Errorf("--access-db is required")
	}

	logger, err := newLogger(f)
	if err != nil {
		return err
	}

	ledger, err := accesslog.Open(f.AccessDB, logger)
	if err != nil {
		return err
	}
	defer ledger.Close()

	stats, err := ledger.List()
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	header := color.New(color.Bold)
	header.Fprintln(tw, "PATH\tHITS\tLAST STATUS\tLAST SEEN")
	for _, stat := range stats {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", stat.Path, stat.Hits, stat.LastStatus, stat.LastSeen.Format(time.RFC3339))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if f.Reset {
		return ledger.Reset()
	}
	return nil
}
