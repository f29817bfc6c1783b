package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"chirpwatch/internal/resolver"
)

var checkTimeout, mirrorsTimeout time.Duration

var checkCmd = &cobra.Command{
	Use:   "check <handle>",
	Short: "Query every backend once for a handle and print what each returned",
	Long:  "Runs a single audit-mode cycle against a throwaway in-memory store. Nothing is persisted and nobody is notified.",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheck,
}

var mirrorsCmd = &cobra.Command{
	Use:   "mirrors",
	Short: "Probe the configured mirror instances and list the healthy ones",
	RunE:  runMirrors,
}

func init() {
	checkCmd.Flags().DurationVar(&checkTimeout, "timeout", 2*time.Minute, "overall deadline")
	mirrorsCmd.Flags().DurationVar(&mirrorsTimeout, "timeout", time.Minute, "overall deadline")
}

func runCheck(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), checkTimeout)
	defer cancel()

	eng, err := oneShot(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close(context.Background()) }()

	if _, err := eng.Accounts.Add(ctx, args[0]); err != nil {
		return err
	}
	out, err := eng.Resolver.Resolve(ctx, args[0], resolver.Options{Audit: true, DryRun: true})
	writeOutcome(cmd.OutOrStdout(), out)
	return err
}

func runMirrors(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), mirrorsTimeout)
	defer cancel()

	eng, err := oneShot(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close(context.Background()) }()

	healthy := eng.Mirror.CheckHealth(ctx)
	_, total := eng.Mirror.Healthy()
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%d/%d mirrors healthy\n", len(healthy), total)
	for _, m := range healthy {
		fmt.Fprintln(w, "  "+m)
	}
	return ctx.Err()
}

func writeOutcome(w io.Writer, out resolver.Outcome) {
	fmt.Fprintf(w, "@%s: %s", out.Handle, out.Kind)
	if out.ID != "" {
		fmt.Fprintf(w, " %s via %s", out.ID, out.Backend)
	}
	fmt.Fprintln(w)
	for _, a := range out.Attempts {
		line := fmt.Sprintf("  %-8s %-9s", a.Backend, a.State)
		if a.Result.ID != "" {
			line += " id=" + a.Result.ID
		}
		if a.Duration > 0 {
			line += " " + a.Duration.Round(time.Millisecond).String()
		}
		if a.Reason != "" {
			line += " (" + a.Reason + ")"
		}
		if a.Err != nil {
			line += " [" + a.Kind() + "] " + a.Err.Error()
		}
		fmt.Fprintln(w, strings.TrimRight(line, " "))
	}
	if it := out.Item; it != nil && it.HasBody() {
		if !it.CreatedAt.IsZero() {
			fmt.Fprintf(w, "  posted %s\n", humanize.Time(it.CreatedAt))
		}
		if it.Text != "" {
			fmt.Fprintf(w, "  %s\n", it.Text)
		}
	}
}
