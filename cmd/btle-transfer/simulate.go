package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/user/btle-transfer/central"
	"github.com/user/btle-transfer/chunk"
	"github.com/user/btle-transfer/simlink"
)

var (
	simAttempts int
	simSamples  int
	simPayload  int
)

func init() {
	simulateCmd.Flags().IntVar(&simAttempts, "attempts", 1000, "Connection attempts to sample")
	simulateCmd.Flags().IntVar(&simSamples, "samples", 100, "RSSI samples per distance")
	simulateCmd.Flags().IntVar(&simPayload, "payload", 200, "Payload size for the chunking table")
	rootCmd.AddCommand(simulateCmd)
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Print what the simulated radio does with the current config",
	Long: `Sample the simulated radio: connection timing and failure rate, the RSSI a
receiver sees at various distances (and whether it passes the proximity
band), and how a payload is chunked at common MTUs.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		w := cmd.OutOrStdout()
		sim := *cfg.Simulation
		sim.Deterministic = false

		fmt.Fprintln(w, titleFmt("=== Simulated radio ==="))
		fmt.Fprintln(w)
		reportConnections(w, simlink.NewSimulator(&sim), simAttempts)
		fmt.Fprintln(w)
		reportRSSI(w, simlink.NewSimulator(&sim), cfg.Central, simSamples)
		fmt.Fprintln(w)
		reportChunking(w, simPayload)
		return nil
	},
}

func reportConnections(w io.Writer, sim *simlink.Simulator, attempts int) {
	cfg := sim.Config()
	fmt.Fprintf(w, "%s\n", infoFmt("Connections"))
	fmt.Fprintf(w, "Expected: %d-%dms delay, %.1f%% failure rate\n",
		cfg.MinConnectionDelay, cfg.MaxConnectionDelay, cfg.ConnectionFailureRate*100)
	if attempts <= 0 {
		return
	}

	failures := 0
	var total, lo, hi time.Duration
	for i := 0; i < attempts; i++ {
		d := sim.ConnectionDelay()
		total += d
		if i == 0 || d < lo {
			lo = d
		}
		if d > hi {
			hi = d
		}
		if !sim.ShouldConnectionSucceed() {
			failures++
		}
	}
	fmt.Fprintf(w, "  Attempts: %d\n", attempts)
	fmt.Fprintf(w, "  Failures: %d (%.2f%%)\n", failures, float64(failures)/float64(attempts)*100)
	fmt.Fprintf(w, "  Delay: avg %v, min %v, max %v\n", total/time.Duration(attempts), lo, hi)
}

func reportRSSI(w io.Writer, sim *simlink.Simulator, band central.Config, samples int) {
	fmt.Fprintf(w, "%s\n", infoFmt("RSSI by distance"))
	fmt.Fprintf(w, "Receiver band: [%d, %d] dBm\n", band.MinRSSI, band.MaxRSSI)
	if samples <= 0 {
		return
	}

	for _, d := range []float64{0.1, 0.5, 1, 2, 5, 10} {
		accepted := 0
		sum := 0
		for i := 0; i < samples; i++ {
			rssi := sim.GenerateRSSI(d)
			sum += rssi
			if band.InBand(rssi) {
				accepted++
			}
		}
		verdict := okFmt("connects")
		if accepted == 0 {
			verdict = errFmt("ignored")
		} else if accepted < samples {
			verdict = infoFmt("sometimes")
		}
		fmt.Fprintf(w, "  %5.1fm: avg %4d dBm, %3d%% in band  %s\n", d, sum/samples, accepted*100/samples, verdict)
	}
}

func reportChunking(w io.Writer, size int) {
	fmt.Fprintf(w, "%s\n", infoFmt("Chunking"))
	fmt.Fprintf(w, "Payload: %d bytes, plus one %q notification\n", size, chunk.EOM)
	for _, mtu := range []int{chunk.DefaultMTU, 64, 182, 244, 512} {
		n := chunk.DataChunks(size, mtu)
		fmt.Fprintf(w, "  MTU %3d: %3d data chunks + EOM = %d notifications\n", mtu, n, n+1)
	}
}
