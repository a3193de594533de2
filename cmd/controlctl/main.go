// Command controlctl is the operator CLI for the control runtime's admin API.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mhdr/Monitoring2025-sub014/internal/admin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	defaultAdminAddr = "http://localhost:8081"
	envPrefix        = "CONTROLCTL"
)

type rootOptions struct {
	v       *viper.Viper
	cfgFile string
}

func (o *rootOptions) client() *Client {
	return NewClient(o.v.GetString("admin-addr"), o.v.GetDuration("timeout"))
}

func (o *rootOptions) jsonOutput() bool {
	return o.v.GetString("output") == "json"
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{v: viper.New()}

	cmd := &cobra.Command{
		Use:           "controlctl",
		Short:         "Inspect control loops and drive auto-tuning sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.loadConfig(); err != nil {
				return err
			}
			switch out := opts.v.GetString("output"); out {
			case "text", "json":
				return nil
			default:
				return fmt.Errorf("invalid output %q: must be text or json", out)
			}
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.cfgFile, "config", "", "config file (default is $HOME/.controlctl.yaml)")
	pf.String("admin-addr", defaultAdminAddr, "admin API address")
	pf.Duration("timeout", 10*time.Second, "request timeout")
	pf.StringP("output", "o", "text", "output format (text|json)")
	for _, name := range []string{"admin-addr", "timeout", "output"} {
		_ = opts.v.BindPFlag(name, pf.Lookup(name))
	}

	cmd.AddCommand(newLoopsCommand(opts))
	cmd.AddCommand(newTuneCommand(opts))
	cmd.AddCommand(newConfigCommand(opts))
	return cmd
}

func (o *rootOptions) loadConfig() error {
	o.v.SetEnvPrefix(envPrefix)
	o.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	o.v.AutomaticEnv()

	if o.cfgFile != "" {
		o.v.SetConfigFile(o.cfgFile)
		if err := o.v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", o.cfgFile, err)
		}
		return nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	path := filepath.Join(home, ".controlctl.yaml")
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	o.v.SetConfigFile(path)
	if err := o.v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

func parseLoopID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid loop id %q", arg)
	}
	return id, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printSession(w io.Writer, s *admin.SessionResponse) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Session:\t%s\n", s.ID)
	fmt.Fprintf(tw, "Loop:\t%d\n", s.LoopID)
	fmt.Fprintf(tw, "Status:\t%s\n", s.Status)
	fmt.Fprintf(tw, "Rule:\t%s\n", s.Rule)
	fmt.Fprintf(tw, "Started:\t%s\n", s.StartedAt.Format(time.RFC3339))
	if s.EndedAt != nil {
		fmt.Fprintf(tw, "Ended:\t%s\n", s.EndedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(tw, "Cycles:\t%d\n", s.Cycles)
	if s.ComputedGains != nil {
		fmt.Fprintf(tw, "Ultimate period:\t%.3fs\n", s.UltimatePeriod)
		fmt.Fprintf(tw, "Ultimate gain:\t%.4f\n", s.CriticalGain)
		fmt.Fprintf(tw, "Computed gains:\tkp=%.4f ki=%.4f kd=%.4f\n", s.ComputedGains.Kp, s.ComputedGains.Ki, s.ComputedGains.Kd)
		fmt.Fprintf(tw, "Confidence:\t%.2f\n", s.Confidence)
	}
	fmt.Fprintf(tw, "Original gains:\tkp=%.4f ki=%.4f kd=%.4f\n", s.OriginalGains.Kp, s.OriginalGains.Ki, s.OriginalGains.Kd)
	fmt.Fprintf(tw, "Applied:\t%t\n", s.Applied)
	if s.Notes != "" {
		fmt.Fprintf(tw, "Notes:\t%s\n", s.Notes)
	}
	tw.Flush()
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
