package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newLoopsCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "loops",
		Aliases: []string{"loop", "l"},
		Short:   "Inspect running control loops",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List loops with their mode, owner and last output",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := opts.client().ListLoops(cmd.Context())
			if err != nil {
				return err
			}
			if opts.jsonOutput() {
				return printJSON(cmd.OutOrStdout(), list)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tLEVEL\tMODE\tOWNER\tPV\tSP\tOUTPUT\tSTATE")
			for _, s := range list.Loops {
				state := "ok"
				switch {
				case s.Halted:
					state = "halted"
				case !s.Enabled:
					state = "disabled"
				case s.Degraded:
					state = "degraded: " + s.DegradedReason
				}
				output := "-"
				if s.HasOutput {
					output = fmt.Sprintf("%.3f", s.Output)
				}
				fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\t%.3f\t%.3f\t%s\t%s\n",
					s.LoopID, s.Name, s.CascadeLevel, s.Mode, s.Owner, s.ProcessValue, s.SetPoint, output, state)
			}
			for _, r := range list.Rejected {
				fmt.Fprintf(tw, "%d\t\t\t\t\t\t\t\trejected: %s\n", r.LoopID, r.Reason)
			}
			return tw.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show one loop's full snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseLoopID(args[0])
			if err != nil {
				return err
			}
			s, err := opts.client().GetLoop(cmd.Context(), id)
			if err != nil {
				return err
			}
			if opts.jsonOutput() {
				return printJSON(cmd.OutOrStdout(), s)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(tw, "Loop:\t%d (%s) v%d\n", s.LoopID, s.Name, s.Version)
			fmt.Fprintf(tw, "Enabled:\t%t\n", s.Enabled)
			fmt.Fprintf(tw, "Cascade level:\t%d\n", s.CascadeLevel)
			fmt.Fprintf(tw, "Mode:\t%s\n", s.Mode)
			fmt.Fprintf(tw, "Owner:\t%s\n", s.Owner)
			fmt.Fprintf(tw, "Gains:\tkp=%.4f ki=%.4f kd=%.4f\n", s.Gains.Kp, s.Gains.Ki, s.Gains.Kd)
			fmt.Fprintf(tw, "Process value:\t%.4f\n", s.ProcessValue)
			fmt.Fprintf(tw, "Set point:\t%.4f\n", s.SetPoint)
			fmt.Fprintf(tw, "Reverse:\t%t\n", s.Reverse)
			fmt.Fprintf(tw, "Terms:\terr=%.4f p=%.4f i=%.4f d=%.4f\n", s.Terms.Error, s.Terms.P, s.Terms.I, s.Terms.D)
			if s.HasOutput {
				fmt.Fprintf(tw, "Output:\t%.4f\n", s.Output)
			}
			if s.Digital != nil {
				fmt.Fprintf(tw, "Digital output:\t%t\n", *s.Digital)
			}
			if s.Degraded {
				fmt.Fprintf(tw, "Degraded:\t%s (%d ticks)\n", s.DegradedReason, s.DegradedTicks)
			}
			fmt.Fprintf(tw, "Halted:\t%t\n", s.Halted)
			if !s.LastTick.IsZero() {
				fmt.Fprintf(tw, "Last tick:\t%s\n", s.LastTick.Format(time.RFC3339Nano))
			}
			return tw.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Show per-loop health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			hs, err := opts.client().Health(cmd.Context())
			if err != nil {
				return err
			}
			if opts.jsonOutput() {
				return printJSON(cmd.OutOrStdout(), hs)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tCONSECUTIVE\tTOTAL\tLAST REASON")
			for _, h := range hs {
				fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%s\n", h.LoopID, h.Status, h.ConsecutiveFailed, h.DegradedTotal, h.LastReason)
			}
			return tw.Flush()
		},
	})

	return cmd
}

func newTuneCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "tune",
		Aliases: []string{"tuning", "t"},
		Short:   "Run and manage relay auto-tuning sessions",
	}

	var req TuneRequest
	var timeout time.Duration
	var interval time.Duration
	start := &cobra.Command{
		Use:   "start <loop-id>",
		Short: "Start a relay auto-tuning session on a loop",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseLoopID(args[0])
			if err != nil {
				return err
			}
			body := req
			body.TimeoutSec = int(timeout / time.Second)
			body.IntervalMS = int(interval / time.Millisecond)
			s, err := opts.client().StartTuning(cmd.Context(), id, body)
			if err != nil {
				return err
			}
			if opts.jsonOutput() {
				return printJSON(cmd.OutOrStdout(), s)
			}
			printSession(cmd.OutOrStdout(), s)
			return nil
		},
	}
	f := start.Flags()
	f.Float64Var(&req.RelayAmplitude, "amplitude", 0, "relay amplitude around the output midpoint (default 10% of the output span)")
	f.Float64Var(&req.RelayHysteresis, "hysteresis", 0, "relay switching hysteresis in process units")
	f.IntVar(&req.MinCycles, "min-cycles", 0, "oscillation cycles required before computing gains")
	f.IntVar(&req.MaxCycles, "max-cycles", 0, "cycles after which the session stops")
	f.Float64Var(&req.MaxAmplitude, "max-amplitude", 0, "abort when the process deviates further than this from the set point")
	f.StringVar(&req.Rule, "rule", "", "tuning rule (ziegler_nichols|tyreus_luyben|some_overshoot|no_overshoot)")
	f.DurationVar(&timeout, "session-timeout", 0, "session timeout")
	f.DurationVar(&interval, "interval", 0, "relay evaluation interval")
	cmd.AddCommand(start)

	sessionCmd := func(use, short string, call func(*cobra.Command, string) error) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <session-id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return call(cmd, args[0])
			},
		}
	}

	cmd.AddCommand(sessionCmd("show", "Show a tuning session", func(cmd *cobra.Command, id string) error {
		s, err := opts.client().GetSession(cmd.Context(), id)
		if err != nil {
			return err
		}
		if opts.jsonOutput() {
			return printJSON(cmd.OutOrStdout(), s)
		}
		printSession(cmd.OutOrStdout(), s)
		return nil
	}))

	cmd.AddCommand(sessionCmd("cancel", "Cancel a running tuning session", func(cmd *cobra.Command, id string) error {
		s, err := opts.client().CancelSession(cmd.Context(), id)
		if err != nil {
			return err
		}
		if opts.jsonOutput() {
			return printJSON(cmd.OutOrStdout(), s)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "session %s %s\n", s.ID, s.Status)
		return nil
	}))

	cmd.AddCommand(sessionCmd("rollback", "Restore the gains a completed session replaced", func(cmd *cobra.Command, id string) error {
		s, err := opts.client().Rollback(cmd.Context(), id)
		if err != nil {
			return err
		}
		if opts.jsonOutput() {
			return printJSON(cmd.OutOrStdout(), s)
		}
		g := s.OriginalGains
		if s.Applied && s.ComputedGains != nil {
			g = *s.ComputedGains
		}
		fmt.Fprintf(cmd.OutOrStdout(), "loop %d now uses kp=%.4f ki=%.4f kd=%.4f (applied=%t)\n", s.LoopID, g.Kp, g.Ki, g.Kd, s.Applied)
		return nil
	}))

	var limit int
	history := &cobra.Command{
		Use:   "history <loop-id>",
		Short: "List a loop's tuning sessions, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseLoopID(args[0])
			if err != nil {
				return err
			}
			sessions, err := opts.client().History(cmd.Context(), id, limit)
			if err != nil {
				return err
			}
			if opts.jsonOutput() {
				return printJSON(cmd.OutOrStdout(), sessions)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "SESSION\tSTATUS\tSTARTED\tCYCLES\tKP\tKI\tKD\tAPPLIED")
			for _, s := range sessions {
				kp, ki, kd := "-", "-", "-"
				if s.ComputedGains != nil {
					kp = fmt.Sprintf("%.4f", s.ComputedGains.Kp)
					ki = fmt.Sprintf("%.4f", s.ComputedGains.Ki)
					kd = fmt.Sprintf("%.4f", s.ComputedGains.Kd)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\t%t\n",
					s.ID, s.Status, s.StartedAt.Format(time.RFC3339), s.Cycles, kp, ki, kd, s.Applied)
			}
			return tw.Flush()
		},
	}
	history.Flags().IntVar(&limit, "limit", 0, "maximum number of sessions (server default 20)")
	cmd.AddCommand(history)

	return cmd
}

func newConfigCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Loop configuration commands",
	}

	var loopIDs []int64
	reload := &cobra.Command{
		Use:   "reload",
		Short: "Ask the runtime to reload loop configuration now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.client().Reload(cmd.Context(), loopIDs); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "reload requested")
			return nil
		},
	}
	reload.Flags().Int64SliceVar(&loopIDs, "loop", nil, "limit the reload hint to these loop ids")
	cmd.AddCommand(reload)

	return cmd
}
