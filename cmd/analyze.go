package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/sells-group/synthesis-cli/internal/model"
	"github.com/sells-group/synthesis-cli/internal/pipeline"
	"github.com/sells-group/synthesis-cli/internal/strategy"
	"github.com/sells-group/synthesis-cli/internal/workflow"
)

var (
	analyzeFile     string
	analyzeText     string
	analyzeStrategy string
	analyzeMetadata bool
	analyzeAsync    bool
	analyzeTemporal bool
	analyzeOut      string
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Analyze research notes through all five stages",
	Long:  "Reads research notes from --file (use - for stdin) or --text and runs chunk, infer, relate, explain and activate. Prints the result bundle as JSON.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		text, err := readInput(cmd.InOrStdin(), analyzeFile, analyzeText)
		if err != nil {
			return err
		}
		in := model.Input{
			Text:            text,
			Strategy:        analyzeStrategy,
			IncludeMetadata: analyzeMetadata,
		}
		if in.Strategy != "" {
			if err := cfg.ValidateStrategy(strategy.Normalize(in.Strategy)); err != nil {
				return err
			}
		}

		if analyzeTemporal {
			return submitTemporal(ctx, cmd.OutOrStdout(), in)
		}

		env, err := initAnalysis(ctx, "analyze")
		if err != nil {
			return err
		}
		defer env.Close()

		if analyzeAsync {
			id, err := env.Orchestrator.Start(ctx, in)
			if err != nil {
				return eris.Wrap(err, "analyze")
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "run %s started; waiting for completion\n", id)
			// The process owns the goroutine, so it waits before exiting.
			env.Orchestrator.Wait()
			run, err := env.Store.Read(ctx, id)
			if err != nil {
				return eris.Wrap(err, "analyze: read status")
			}
			return writeJSON(cmd.OutOrStdout(), run.Summarize())
		}

		res, err := env.Orchestrator.Run(ctx, in)
		if res == nil {
			return eris.Wrap(err, "analyze")
		}
		if err != nil {
			zap.L().Error("analysis failed",
				zap.String("run_id", res.RunID),
				zap.String("failed_stage", string(res.FailedStage)),
				zap.Error(err),
			)
			return eris.Wrapf(err, "analyze: run %s", res.RunID)
		}

		return writeBundle(cmd.OutOrStdout(), res, analyzeOut)
	},
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeFile, "file", "", "path to research notes (- for stdin)")
	analyzeCmd.Flags().StringVar(&analyzeText, "text", "", "research notes as a literal string")
	analyzeCmd.Flags().StringVar(&analyzeStrategy, "strategy", "", "extraction strategy (default from config)")
	analyzeCmd.Flags().BoolVar(&analyzeMetadata, "metadata", false, "attach diagnostics to the bundle")
	analyzeCmd.Flags().BoolVar(&analyzeAsync, "async", false, "start the run in the background and report its status")
	analyzeCmd.Flags().BoolVar(&analyzeTemporal, "temporal", false, "submit the run to the Temporal worker and return its id")
	analyzeCmd.Flags().StringVar(&analyzeOut, "out", "", "write the bundle to this file instead of stdout")
	analyzeCmd.MarkFlagsMutuallyExclusive("file", "text")
	analyzeCmd.MarkFlagsMutuallyExclusive("async", "temporal")
	rootCmd.AddCommand(analyzeCmd)
}

// readInput returns the notes from file (- reads stdin) or text.
func readInput(stdin io.Reader, file, text string) (string, error) {
	switch {
	case file == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", eris.Wrap(err, "read stdin")
		}
		text = string(data)
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return "", eris.Wrap(err, "read input file")
		}
		text = string(data)
	}
	if strings.TrimSpace(text) == "" {
		return "", eris.New("research notes are required (--file or --text)")
	}
	return text, nil
}

// createOutput opens the --out file. Tests replace it.
var createOutput = func(name string) (io.WriteCloser, error) {
	return os.Create(name)
}

func writeBundle(stdout io.Writer, res *pipeline.Result, out string) error {
	if out == "" {
		return writeJSON(stdout, res.Bundle)
	}
	f, err := createOutput(out)
	if err != nil {
		return eris.Wrap(err, "create output file")
	}
	if err := writeJSON(f, res.Bundle); err != nil {
		f.Close() //nolint:errcheck
		return eris.Wrapf(err, "write %s", out)
	}
	if err := f.Close(); err != nil {
		return eris.Wrapf(err, "close %s", out)
	}
	zap.L().Info("bundle written",
		zap.String("run_id", res.RunID),
		zap.String("path", out),
		zap.Float64("quality_score", res.Bundle.Summary.QualityScore),
	)
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func submitTemporal(ctx context.Context, out io.Writer, in model.Input) error {
	c, err := dialTemporal()
	if err != nil {
		return err
	}
	defer c.Close()

	id, err := workflow.NewSubmitter(c, cfg).Submit(ctx, in)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, id)
	return err
}

func dialTemporal() (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
	})
	if err != nil {
		return nil, eris.Wrap(err, "dial temporal")
	}
	return c, nil
}
