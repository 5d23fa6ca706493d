package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/langgraph-go/stategraph/checkpoint"
	"github.com/langgraph-go/stategraph/graph"
	"github.com/langgraph-go/stategraph/validation"
	"github.com/langgraph-go/stategraph/visualization"
)

func newValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <graph.hcl>...",
		Short: "Check that graph files load and compile",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := 0
			for _, path := range args {
				// Interrupt points need a checkpointer to compile.
				cg, err := a.compile(cmd, path, false, graph.WithCheckpointer(checkpoint.NewMemorySaver()))
				if err != nil {
					failed++
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %v\n", path, err)
					continue
				}
				report := validation.Check(cg)
				for _, f := range report.Findings {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", path, f)
				}
				if report.HasErrors() {
					failed++
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d nodes, longest path %d)\n",
					path, report.Stats.Nodes, report.Stats.LongestPath)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d graph files are invalid", failed, len(args))
			}
			return nil
		},
	}
}

func newGraphCmd(a *app) *cobra.Command {
	var (
		format   string
		vertical bool
	)
	cmd := &cobra.Command{
		Use:   "graph <graph.hcl>",
		Short: "Draw a graph as Mermaid, Graphviz or ASCII",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			drawFormat, err := visualization.ParseFormat(format)
			if err != nil {
				return err
			}
			cg, err := a.compile(cmd, args[0], false, graph.WithCheckpointer(checkpoint.NewMemorySaver()))
			if err != nil {
				return err
			}
			opts := visualization.DefaultDrawOptions()
			opts.Format = drawFormat
			opts.Horizontal = !vertical
			out, err := visualization.DrawGraph(cg, opts)
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), out)
			return err
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "mermaid", "output format: mermaid, dot or ascii")
	cmd.Flags().BoolVar(&vertical, "vertical", false, "draw top down instead of left to right")
	return cmd
}

func newSessionCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect and remove checkpointed sessions",
	}

	ls := &cobra.Command{
		Use:   "ls",
		Short: "List sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			ids, err := store.Saver.Sessions(cmd.Context())
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}

	inspect := &cobra.Command{
		Use:   "inspect <session-id>",
		Short: "Print the latest checkpoint of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			cp, err := store.Saver.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if cp == nil {
				return fmt.Errorf("session %q has no checkpoints", args[0])
			}
			return writeJSON(cmd.OutOrStdout(), cp)
		},
	}

	var limit int
	history := &cobra.Command{
		Use:   "history <session-id>",
		Short: "List the checkpoints of a session, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			list, err := store.Saver.List(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STEP\tNODE\tNEXT\tSTATUS\tTIME")
			for _, cp := range list {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", cp.StepIndex, cp.Node, cp.Next, cp.Status, cp.Timestamp.Format("15:04:05.000"))
			}
			return tw.Flush()
		},
	}
	history.Flags().IntVarP(&limit, "limit", "n", 0, "show at most this many checkpoints (0 for all)")

	rm := &cobra.Command{
		Use:   "rm <session-id>...",
		Short: "Delete sessions and their checkpoints",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			for _, id := range args {
				if err := store.Saver.Delete(cmd.Context(), id); err != nil {
					return fmt.Errorf("failed to remove %s: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", id)
			}
			return nil
		},
	}

	cmd.AddCommand(ls, inspect, history, rm)
	return cmd
}
