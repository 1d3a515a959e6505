package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/raphi011/relay"
	"github.com/raphi011/relay/internal/config"
	"github.com/raphi011/relay/internal/model"
	"github.com/spf13/cobra"
)

// maxEventSize is the longest event line accepted, log messages may be large.
const maxEventSize = 4 * 1024 * 1024

func newReplayCmd() *cobra.Command {
	var failOnFailure bool

	cmd := &cobra.Command{
		Use:   "replay [events.jsonl]",
		Short: "Report a run from a file of lifecycle events",
		Long: `Reads one JSON encoded lifecycle event per line, from the given file or stdin,
and reports them. The run is finished once all events were read.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(cmd)

			file, _ := cmd.Flags().GetString("config")

			cfg, err := config.Load(file)
			if err != nil {
				return err
			}

			in := io.Reader(os.Stdin)
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("opening events: %w", err)
				}
				defer f.Close()
				in = f
			}

			agent, err := relay.New(relay.WithConfig(cfg), relay.WithLogger(log))
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			result, err := replay(ctx, agent, in)

			closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			if err := agent.Close(closeCtx); err != nil {
				log.Warn("closing agent failed", "error", err)
			}

			if err != nil {
				return err
			}

			result.WriteSummary(cmd.OutOrStdout())

			if failOnFailure && result.Status == model.StatusFailed {
				return fmt.Errorf("run %s failed", result.Run.Name)
			}

			return nil
		},
	}

	cmd.Flags().BoolVar(&failOnFailure, "fail-on-failure", false, "Exit with an error if the run failed")

	return cmd
}

// replay handles the events read from in and finishes the run. An
// interrupted replay aborts the run.
func replay(ctx context.Context, agent *relay.Agent, in io.Reader) (relay.RunResult, error) {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)

	line := 0

	for scanner.Scan() {
		line++

		if len(scanner.Bytes()) == 0 {
			continue
		}

		e, err := relay.DecodeEvent(scanner.Bytes())
		if err != nil {
			return relay.RunResult{}, fmt.Errorf("line %d: %w", line, err)
		}

		if err := ctx.Err(); err != nil {
			abortCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if agent.Run() != nil {
				_ = agent.Abort(abortCtx)
			}

			return relay.RunResult{}, fmt.Errorf("replay interrupted: %w", err)
		}

		_ = agent.Handle(ctx, e)
	}

	if err := scanner.Err(); err != nil {
		return relay.RunResult{}, fmt.Errorf("reading events: %w", err)
	}

	if agent.Run() == nil {
		return relay.RunResult{}, errors.New("no run was started")
	}

	return agent.FinishRun(ctx)
}
