package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edgeo-scada/icsnpp-listeners/internal/config"
	"github.com/edgeo-scada/icsnpp-listeners/internal/probe"
)

var (
	probeHost    string
	probeTimeout time.Duration
	probeOnly    []string
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Send one request to every listener and check the replies",
	Long: `Probe sends one well-formed request per protocol to a running icslisten and
verifies that each reply has the expected shape. Ports come from the same
configuration sources as the listeners.

Examples:
  icslisten probe --host 127.0.0.1
  icslisten probe --host 10.0.0.5 --only modbus,s7 --timeout 1s`,
	RunE: runProbe,
}

func init() {
	probeCmd.Flags().StringVarP(&probeHost, "host", "H", "127.0.0.1", "Host running icslisten")
	probeCmd.Flags().DurationVarP(&probeTimeout, "timeout", "t", probe.DefaultTimeout, "Timeout per probe")
	probeCmd.Flags().StringSliceVar(&probeOnly, "only", nil, "Probe only these listeners")
}

func runProbe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	names := config.Listeners()
	if len(probeOnly) > 0 {
		names = probeOnly
	}
	var targets []probe.Target
	for _, name := range names {
		if !cfg.Enabled(name) {
			continue
		}
		targets = append(targets, probe.Target{Name: name, Port: cfg.Port(name)})
	}

	results := probe.Run(context.Background(), probeHost, targets, probeTimeout)

	failed := 0
	for _, r := range results {
		status := style(okStyle, "PASS")
		detail := r.Detail
		if !r.OK() {
			status = style(failStyle, "FAIL")
			detail = r.Err.Error()
			failed++
		}
		fmt.Fprintf(os.Stdout, "%s %s %s %s\n",
			status,
			pad(style(nameStyle, r.Name), 12),
			style(dimStyle, fmt.Sprintf("%-4s %-21s %8s", r.Network, r.Addr, r.Latency.Round(time.Microsecond))),
			detail)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d probes failed", failed, len(results))
	}
	fmt.Println(style(okStyle, fmt.Sprintf("All %d probes passed", len(results))))
	return nil
}
