package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"deeprag/internal/api"
	"deeprag/internal/app/bootstrap"
	"deeprag/internal/domain/research"
)

type askOptions struct {
	maxSteps    int
	temperature float64
	stream      bool
	jsonOutput  bool
	timeout     time.Duration
}

func newAskCmd() *cobra.Command {
	opts := askOptions{}

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Run one research query and print the cited answer",
		Example: `  deeprag ask "What limits green hydrogen adoption?"
  deeprag ask --stream --max-steps 4 "Compare PEM and alkaline electrolysers"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if opts.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, opts.timeout)
				defer cancel()
			}

			app, err := bootstrap.Build(ctx, configFrom(cmd.Context()), version)
			if err != nil {
				return err
			}
			defer app.Close()
			if app.Orchestrator == nil {
				return errors.New("research engine not configured (set OPENAI_API_KEY or LLM_PROVIDER)")
			}

			q := research.Query{Question: strings.Join(args, " "), MaxSteps: opts.maxSteps}
			if cmd.Flags().Changed("temperature") {
				q.Temperature = &opts.temperature
			}
			return runAsk(ctx, app.Orchestrator, q, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().IntVar(&opts.maxSteps, "max-steps", 0, "iteration budget (1-20, default from config)")
	cmd.Flags().Float64Var(&opts.temperature, "temperature", 0, "sampling temperature (0-2)")
	cmd.Flags().BoolVar(&opts.stream, "stream", false, "print reasoning events as they happen")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "print the full result as JSON")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 5*time.Minute, "overall run deadline")
	return cmd
}

func runAsk(ctx context.Context, r api.Researcher, q research.Query, opts askOptions, out io.Writer) error {
	if !opts.stream {
		res, err := r.Run(ctx, q)
		if res != nil {
			if perr := printResult(out, res, opts.jsonOutput); perr != nil {
				return perr
			}
		}
		return err
	}

	events, err := r.Stream(ctx, q)
	if err != nil {
		return err
	}
	var final *research.Result
	for evt := range events {
		if evt.Terminal() {
			final = evt.Result
			if evt.Type == research.EventTypeError && final == nil {
				return errors.New(evt.Content)
			}
			continue
		}
		printEvent(out, evt)
	}
	if final == nil {
		return fmt.Errorf("run ended without a result: %w", context.Cause(ctx))
	}
	if err := printResult(out, final, opts.jsonOutput); err != nil {
		return err
	}
	if final.Failed() {
		return errors.New(final.Error)
	}
	return nil
}

func printEvent(out io.Writer, evt research.Event) {
	switch evt.Type {
	case research.EventTypePlan:
		fmt.Fprintf(out, "📋 Plan\n%s\n\n", indent(evt.Content))
	case research.EventTypeRetrieval:
		fmt.Fprintf(out, "🔎 Step %d [%v] %s\n", evt.Step, evt.Metadata["strategy"], evt.Content)
	case research.EventTypeReflection:
		fmt.Fprintf(out, "🤔 Step %d %s\n", evt.Step, evt.Content)
	case research.EventTypeAnswer:
		// 最终结果统一在 printResult 输出
	default:
		fmt.Fprintf(out, "%s %s\n", evt.Type, evt.Content)
	}
}

func printResult(out io.Writer, res *research.Result, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	fmt.Fprintf(out, "\n%s\n", res.Answer())
	if len(res.Citations) > 0 {
		fmt.Fprintln(out, "\nSources:")
		for _, c := range res.Citations {
			origin := c.Origin
			if origin == "" {
				origin = c.Title
			}
			fmt.Fprintf(out, "  [%s] %s (%s)\n", c.SourceID, origin, c.Method)
		}
	}
	fmt.Fprintf(out, "\n%d steps · %s · %s\n", res.StepsTaken(), res.State.TerminationReason, res.ProcessingTime.Round(time.Millisecond))
	return nil
}

func indent(s string) string {
	return "  " + strings.ReplaceAll(strings.TrimSpace(s), "\n", "\n  ")
}
