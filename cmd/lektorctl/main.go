// lektorctl is the control client of the narration pipeline: it segments and
// ingests documents, submits and cancels jobs and reports their status.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/book-expert/lektor/internal/broker"
	"github.com/book-expert/lektor/internal/config"
	"github.com/book-expert/lektor/internal/core"
	"github.com/book-expert/lektor/internal/segmenter"
	"github.com/book-expert/lektor/internal/service"
	"github.com/book-expert/lektor/internal/synthesis"
	"github.com/book-expert/logger"
	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const (
	logFileName        = "lektorctl.log"
	healthCheckTimeout = 10 * time.Second
	audioFileMode      = 0o644
)

// app holds the state shared by the subcommands of one invocation.
type app struct {
	out        io.Writer
	configPath string
	subject    string
	role       string

	cfg    *config.Config
	log    *logger.Logger
	broker *broker.Broker
	svc    *service.Service
}

func main() {
	err := run(os.Args[1:], os.Stdout)
	if err != nil {
		os.Exit(1)
	}
}

// run executes one command line and releases everything it opened.
func run(args []string, out io.Writer) error {
	state := &app{out: out}

	rootCmd := newRootCommand(state)
	rootCmd.SetArgs(args)

	err := rootCmd.Execute()

	return errors.Join(err, state.close())
}

func newRootCommand(state *app) *cobra.Command {
	out := state.out

	rootCmd := &cobra.Command{
		Use:           "lektorctl",
		Short:         "Control the lektor narration pipeline",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.SetOut(out)
	rootCmd.PersistentFlags().StringVar(&state.configPath, "config", "", "path to project.toml (defaults to the configurator search)")
	rootCmd.PersistentFlags().StringVar(&state.subject, "user", os.Getenv("USER"), "user id the commands act as")
	rootCmd.PersistentFlags().StringVar(&state.role, "role", string(core.RoleUser), "role of the user (user or admin)")

	rootCmd.AddCommand(
		state.segmentCmd(),
		state.ingestCmd(),
		state.submitCmd(),
		state.statusCmd(),
		state.cancelCmd(),
		state.requeueCmd(),
		state.segmentsCmd(),
		state.fetchCmd(),
		state.healthCmd(),
	)

	return rootCmd
}

func (a *app) segmentCmd() *cobra.Command {
	var (
		documentID string
		threshold  int
	)

	cmd := &cobra.Command{
		Use:   "segment FILE",
		Short: "Split a text file into segments and print them as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			text, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", args[0], err)
			}

			segments := segmenter.New(segmenter.WithThreshold(threshold)).Segment(documentID, string(text))

			return a.printJSON(segments)
		},
	}

	cmd.Flags().StringVar(&documentID, "document", "local", "document id used for segment ids")
	cmd.Flags().IntVar(&threshold, "threshold", segmenter.DefaultAbbreviationThreshold, "abbreviation suppression threshold")

	return cmd
}

func (a *app) ingestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest DOCUMENT FILE",
		Short: "Segment a text file and store its segments",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", args[1], err)
			}

			err = a.open()
			if err != nil {
				return err
			}

			segments, err := a.svc.IngestDocument(cmd.Context(), a.claims(), args[0], string(text))
			if err != nil {
				return err
			}

			_, err = fmt.Fprintf(a.out, "Ingested %s from %s: %d segment(s)\n",
				args[0], humanize.Bytes(uint64(len(text))), len(segments))

			return err
		},
	}
}

func (a *app) submitCmd() *cobra.Command {
	var stream bool

	cmd := &cobra.Command{
		Use:   "submit DOCUMENT VOICE",
		Short: "Create a narration job for an ingested document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := a.open()
			if err != nil {
				return err
			}

			submit := a.svc.SubmitBatch
			if stream {
				submit = a.svc.SubmitStream
			}

			job, err := submit(cmd.Context(), a.claims(), args[0], args[1])
			if err != nil {
				return err
			}

			return a.printJSON(job)
		},
	}

	cmd.Flags().BoolVar(&stream, "stream", false, "create a stream job instead of a queued batch job")

	return cmd
}

func (a *app) statusCmd() *cobra.Command {
	return a.jobCmd("status JOB", "Print a job", func(ctx context.Context, jobID string) (core.Job, error) {
		return a.svc.Job(ctx, a.claims(), jobID)
	})
}

func (a *app) cancelCmd() *cobra.Command {
	return a.jobCmd("cancel JOB", "Request cancellation of a job", func(ctx context.Context, jobID string) (core.Job, error) {
		return a.svc.Cancel(ctx, a.claims(), jobID)
	})
}

func (a *app) requeueCmd() *cobra.Command {
	return a.jobCmd("requeue JOB", "Publish a queued batch job again", func(ctx context.Context, jobID string) (core.Job, error) {
		return a.svc.Requeue(ctx, a.claims(), jobID)
	})
}

func (a *app) jobCmd(use, short string, action func(ctx context.Context, jobID string) (core.Job, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := a.open()
			if err != nil {
				return err
			}

			job, err := action(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			return a.printJSON(job)
		},
	}
}

func (a *app) segmentsCmd() *cobra.Command {
	var from, limit int

	cmd := &cobra.Command{
		Use:   "segments DOCUMENT",
		Short: "Print the stored segments of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := a.open()
			if err != nil {
				return err
			}

			segments, err := a.svc.ListSegments(cmd.Context(), a.claims(), args[0], from, limit)
			if err != nil {
				return err
			}

			return a.printJSON(segments)
		},
	}

	cmd.Flags().IntVar(&from, "from", 0, "first segment order to print")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of segments (0 prints all)")

	return cmd
}

func (a *app) fetchCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "fetch JOB",
		Short: "Write the narration of a done job to a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := a.open()
			if err != nil {
				return err
			}

			narration, err := a.svc.Fetch(cmd.Context(), a.claims(), args[0])
			if err != nil {
				return err
			}

			if output == "" {
				output = filepath.Base(*narration.Job.ResultKey)
			}

			err = os.WriteFile(output, narration.Audio, audioFileMode)
			if err != nil {
				return fmt.Errorf("failed to write %s: %w", output, err)
			}

			_, err = fmt.Fprintf(a.out, "Wrote %s of %s to %s\n",
				humanize.Bytes(uint64(len(narration.Audio))), narration.ContentType, output)

			return err
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "file to write (defaults to the base name of the result key)")

	return cmd
}

func (a *app) healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the synthesis service health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			err := a.loadConfig()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), healthCheckTimeout)
			defer cancel()

			err = synthesis.NewClient(a.cfg.Synthesis.URL, healthCheckTimeout).HealthCheck(ctx)
			if err != nil {
				a.log.Error("Health check failed: %v", err)

				return fmt.Errorf("synthesis service is not healthy: %w", err)
			}

			_, err = fmt.Fprintln(a.out, "Synthesis service is healthy")

			return err
		},
	}
}

// loadConfig reads the configuration and opens the log file.
func (a *app) loadConfig() error {
	err := godotenv.Load()
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env file: %w", err)
	}

	bootstrapLog, err := logger.New(os.TempDir(), "lektorctl-bootstrap.log")
	if err != nil {
		return fmt.Errorf("failed to create bootstrap logger: %w", err)
	}

	defer func() { _ = bootstrapLog.Close() }()

	if a.configPath != "" {
		a.cfg, err = config.LoadFile(a.configPath)
	} else {
		a.cfg, err = config.Load(bootstrapLog)
	}

	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	a.log, err = logger.New(a.cfg.Paths.BaseLogsDir, logFileName)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	return nil
}

// open dials the running broker and builds the application context. The
// control client never hosts an embedded server of its own.
func (a *app) open() error {
	err := a.loadConfig()
	if err != nil {
		return err
	}

	a.broker, err = broker.Dial(a.cfg.NATS, a.log)
	if err != nil {
		return err
	}

	components, err := a.broker.Components(a.cfg, a.log)
	if err != nil {
		return fmt.Errorf("failed to bind NATS resources: %w", err)
	}

	options := []segmenter.Option{segmenter.WithThreshold(a.cfg.Segmenter.Threshold)}
	if len(a.cfg.Segmenter.Abbreviations) > 0 {
		options = append(options, segmenter.WithAbbreviations(a.cfg.Segmenter.Abbreviations))
	}

	a.svc = service.New(components.Jobs, components.Segments, components.Audio, components.Queue,
		segmenter.New(options...), a.log)

	return nil
}

func (a *app) close() error {
	var errs []error

	if a.broker != nil {
		errs = append(errs, a.broker.Close())
	}

	if a.log != nil {
		errs = append(errs, a.log.Close())
	}

	return errors.Join(errs...)
}

func (a *app) claims() core.Claims {
	return core.Claims{Subject: a.subject, Role: core.Role(a.role)}
}

func (a *app) printJSON(value any) error {
	encoder := json.NewEncoder(a.out)
	encoder.SetIndent("", "  ")

	err := encoder.Encode(value)
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}

	return nil
}
