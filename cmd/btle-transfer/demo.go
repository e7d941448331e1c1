package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/user/btle-transfer/central"
	"github.com/user/btle-transfer/metrics"
	"github.com/user/btle-transfer/peripheral"
	"github.com/user/btle-transfer/simlink"
	"github.com/user/btle-transfer/transport"
)

type demoOptions struct {
	text       string
	mtu        int
	queueDepth int
	distance   float64
	perfect    bool
	timeout    time.Duration
	status     string
}

var demoOpts = demoOptions{
	text:     "Hello from the other phone!",
	distance: 1,
	timeout:  10 * time.Second,
}

func init() {
	demoCmd.Flags().StringVarP(&demoOpts.text, "text", "t", demoOpts.text, "Message to send")
	demoCmd.Flags().IntVar(&demoOpts.mtu, "mtu", 0, "Receiver's maximum update length (default from config)")
	demoCmd.Flags().IntVar(&demoOpts.queueDepth, "queue-depth", 0, "Notifications in flight before the sender is told to wait (default from config)")
	demoCmd.Flags().Float64Var(&demoOpts.distance, "distance", demoOpts.distance, "Sender distance in meters")
	demoCmd.Flags().BoolVar(&demoOpts.perfect, "perfect", false, "No delays or connection failures")
	demoCmd.Flags().DurationVar(&demoOpts.timeout, "timeout", demoOpts.timeout, "Give up after this long")
	demoCmd.Flags().StringVar(&demoOpts.status, "status", "", "Serve /health, /status and /metrics on this address")
	rootCmd.AddCommand(demoCmd)
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a sender and a receiver over a simulated radio",
	Long: `Run both roles in one process over the simulated radio and exit once the
receiver has the message. Useful to watch the protocol with --log-level debug
without any hardware.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext(cmd.Context())
		defer stop()

		sim := *cfg.Simulation
		if demoOpts.perfect {
			sim = *simlink.PerfectSimulationConfig()
		}
		if demoOpts.mtu > 0 {
			sim.MTU = demoOpts.mtu
		}
		if demoOpts.queueDepth > 0 {
			sim.QueueDepth = demoOpts.queueDepth
		}

		printDemoHeader(cmd.OutOrStdout(), &sim)
		msg, err := runDemo(ctx, &sim, cfg.Central, cfg.Peripheral, demoOpts)
		if err != nil {
			return err
		}
		printMessage(cmd.OutOrStdout(), msg)
		return nil
	},
}

// runDemo wires both roles to one radio and waits for the first message
func runDemo(ctx context.Context, sim *simlink.SimulationConfig, rxCfg central.Config, txCfg peripheral.Config, opts demoOptions) (central.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	metrics.RegisterMetrics()
	radio := simlink.NewRadio(sim)
	defer radio.Close()

	rxLoop := transport.NewDispatcher(0)
	txLoop := transport.NewDispatcher(0)
	simC := simlink.NewCentral(radio, rxLoop, rxCfg.Name)
	simP := simlink.NewPeripheral(radio, txLoop, txCfg.Name)
	simP.SetDistance(opts.distance)

	received := make(chan central.Message, 1)
	rx := central.New(rxCfg, simC, rxLoop, central.OutputFunc(func(msg central.Message) {
		select {
		case received <- msg:
		default:
		}
	}))
	tx := peripheral.New(txCfg, simP, txLoop, []byte(opts.text))
	tx.Advertise(true)

	if srv := startStatus(ctx, opts.status); srv != nil {
		srv.Register("central", func() interface{} { return snapshot(ctx, rx.Status) })
		srv.Register("peripheral", func() interface{} { return snapshot(ctx, tx.Status) })
	}

	runCtx, stopRoles := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		rx.Run(runCtx)
	}()
	go func() {
		defer wg.Done()
		tx.Run(runCtx)
	}()
	defer func() {
		stopRoles()
		wg.Wait()
	}()

	select {
	case msg := <-received:
		return msg, nil
	case <-ctx.Done():
		return central.Message{}, fmt.Errorf("no message after %s (receiver %s, sender %s)", opts.timeout, rx.State(), tx.State())
	}
}

func printDemoHeader(w io.Writer, sim *simlink.SimulationConfig) {
	fmt.Fprintf(w, "%s mtu=%d queue=%d drain=%dms failure=%.1f%%\n",
		titleFmt("Simulated radio"), sim.MTU, sim.QueueDepth, sim.DrainInterval, sim.ConnectionFailureRate*100)
}
