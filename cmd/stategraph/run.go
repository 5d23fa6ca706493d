package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/langgraph-go/stategraph/errors"
	"github.com/langgraph-go/stategraph/graph"
	"github.com/langgraph-go/stategraph/types"
)

// runFlags are shared by run and stream.
type runFlags struct {
	input       string
	inputFile   string
	set         []string
	sessionID   string
	maxSteps    int
	onNodeError string
}

func (f *runFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVarP(&f.input, "input", "i", "", "initial state as a JSON object")
	flags.StringVar(&f.inputFile, "input-file", "", "read the initial state from a JSON file (- for stdin)")
	flags.StringArrayVar(&f.set, "set", nil, "set a string key of the initial state (key=value, repeatable)")
	flags.StringVarP(&f.sessionID, "session", "s", "", "session id; enables checkpointing and resume")
	flags.IntVar(&f.maxSteps, "max-steps", 0, "override the step budget of this run")
	flags.StringVar(&f.onNodeError, "on-node-error", "", "override the node error policy: continue or fail")
}

func (f *runFlags) options(sessionID string) []graph.RunOption {
	var opts []graph.RunOption
	if sessionID != "" {
		opts = append(opts, graph.WithSessionID(sessionID))
	}
	if f.maxSteps != 0 {
		opts = append(opts, graph.WithRunMaxSteps(f.maxSteps))
	}
	if f.onNodeError != "" {
		opts = append(opts, graph.WithRunOnNodeError(types.ErrorPolicy(f.onNodeError)))
	}
	return append(opts, graph.WithRunTags("cli"))
}

// state builds the initial State from --input-file, --input and --set, in
// that order of precedence from low to high.
func (f *runFlags) state(stdin io.Reader) (types.State, error) {
	state := types.NewState()

	decode := func(what string, data []byte) error {
		var s types.State
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("%s is not a JSON object: %w", what, err)
		}
		state = state.Merge(s)
		return nil
	}

	if f.inputFile != "" {
		var (
			data []byte
			err  error
		)
		if f.inputFile == "-" {
			data, err = io.ReadAll(stdin)
		} else {
			data, err = os.ReadFile(f.inputFile)
		}
		if err != nil {
			return types.State{}, fmt.Errorf("failed to read input: %w", err)
		}
		if err := decode(f.inputFile, data); err != nil {
			return types.State{}, err
		}
	}
	if f.input != "" {
		if err := decode("--input", []byte(f.input)); err != nil {
			return types.State{}, err
		}
	}
	for _, kv := range f.set {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return types.State{}, fmt.Errorf("--set %q: want key=value", kv)
		}
		state = state.With(key, value)
	}
	return state, nil
}

type runReport struct {
	Status    types.RunStatus  `json:"status"`
	RunID     string           `json:"run_id"`
	SessionID string           `json:"session_id,omitempty"`
	Steps     int              `json:"steps"`
	LastNode  string           `json:"last_node,omitempty"`
	Resumed   bool             `json:"resumed,omitempty"`
	State     types.State      `json:"state"`
	Error     string           `json:"error,omitempty"`
	Code      errors.ErrorCode `json:"code,omitempty"`
}

func report(result *graph.Result, err error) runReport {
	r := runReport{
		Status:    result.Status,
		RunID:     result.RunID,
		SessionID: result.SessionID,
		Steps:     result.Steps,
		LastNode:  result.LastNode,
		Resumed:   result.Resumed,
		State:     result.State,
	}
	if err != nil {
		r.Error = err.Error()
		r.Code = errors.GetErrorCode(err)
	}
	return r
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outcome turns a run error into the command's error. A pause is not a
// failure of the command.
func outcome(err error) error {
	if err == nil || errors.IsGraphInterrupt(err) {
		return nil
	}
	return err
}

func newRunCmd(a *app) *cobra.Command {
	var (
		f        runFlags
		sessions int
	)
	cmd := &cobra.Command{
		Use:   "run <graph.hcl>",
		Short: "Run a graph and print the final state",
		Long: `Run a graph to completion and print a JSON report with the final state.

With --session every step is checkpointed; running again with the same
session resumes after the last completed step. With --sessions N the graph
runs N times concurrently, in sessions <session>-0 ... <session>-(N-1).`,
		Example: `  stategraph run retry.hcl --set input="hello"
  stategraph run review.hcl --session ticket-42 --input '{"proposal":"refund"}'
  stategraph run chat.hcl --backend sqlite --session demo --sessions 4`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := f.state(a.in)
			if err != nil {
				return err
			}
			persist := f.sessionID != ""
			if sessions > 0 && !persist {
				f.sessionID = "session"
				persist = true
			}
			cg, err := a.compile(cmd, args[0], persist)
			if err != nil {
				return err
			}
			if sessions > 0 {
				return runMany(cmd.Context(), cmd.OutOrStdout(), cg, input, &f, sessions)
			}

			result, runErr := cg.Run(cmd.Context(), input, f.options(f.sessionID)...)
			if result == nil {
				return runErr
			}
			if err := writeJSON(cmd.OutOrStdout(), report(result, runErr)); err != nil {
				return err
			}
			return outcome(runErr)
		},
	}
	f.register(cmd)
	cmd.Flags().IntVar(&sessions, "sessions", 0, "run this many sessions concurrently")
	return cmd
}

// runMany runs n sessions concurrently and prints one report per session,
// in session order.
func runMany(ctx context.Context, w io.Writer, cg *graph.CompiledGraph, input types.State, f *runFlags, n int) error {
	reports := make([]runReport, n)
	var (
		mu    sync.Mutex
		first error
	)

	var eg errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		sessionID := fmt.Sprintf("%s-%d", f.sessionID, i)
		eg.Go(func() error {
			result, err := cg.Run(ctx, input, f.options(sessionID)...)
			if result == nil {
				return err
			}
			reports[i] = report(result, err)
			if err := outcome(err); err != nil {
				mu.Lock()
				if first == nil {
					first = fmt.Errorf("session %s: %w", sessionID, err)
				}
				mu.Unlock()
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	if err := writeJSON(w, reports); err != nil {
		return err
	}
	return first
}

func newStreamCmd(a *app) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "stream <graph.hcl>",
		Short: "Run a graph and print one JSON line per step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := f.state(a.in)
			if err != nil {
				return err
			}
			cg, err := a.compile(cmd, args[0], f.sessionID != "")
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			it := cg.Stream(ctx, input, f.options(f.sessionID)...)
			defer it.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			for {
				chunk, err := it.Next(ctx)
				if err == io.EOF {
					return nil
				}
				if err != nil {
					return outcome(err)
				}
				if err := enc.Encode(map[string]interface{}{
					"step":   chunk.Step,
					"node":   chunk.Node,
					"next":   chunk.Next,
					"update": chunk.Update,
					"time":   chunk.Timestamp,
				}); err != nil {
					return err
				}
			}
		},
	}
	f.register(cmd)
	return cmd
}
