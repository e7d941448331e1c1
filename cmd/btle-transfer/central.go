package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/user/btle-transfer/central"
	"github.com/user/btle-transfer/inbox"
	"github.com/user/btle-transfer/logger"
	"github.com/user/btle-transfer/metrics"
	"github.com/user/btle-transfer/tinyble"
	"github.com/user/btle-transfer/transport"
)

var (
	centralInbox  string
	centralStatus string
	centralNoSave bool
)

func init() {
	centralCmd.Flags().StringVar(&centralInbox, "inbox", "", "Inbox database (default from config)")
	centralCmd.Flags().StringVar(&centralStatus, "status", "", "Serve /health, /status and /metrics on this address")
	centralCmd.Flags().BoolVar(&centralNoSave, "no-save", false, "Print messages without storing them")
	rootCmd.AddCommand(centralCmd)
}

var centralCmd = &cobra.Command{
	Use:   "central",
	Short: "Receive messages from the nearest sender",
	Long: `Scan for a sender advertising the transfer service, collect its message and
print it. Senders outside the configured RSSI band are ignored. After each
message the receiver disconnects and scans again until interrupted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext(cmd.Context())
		defer stop()

		out := central.Output(central.OutputFunc(func(msg central.Message) {
			printMessage(cmd.OutOrStdout(), msg)
		}))
		if !centralNoSave {
			path := centralInbox
			if path == "" {
				path = cfg.InboxPath()
			}
			store, err := inbox.Open(path)
			if err != nil {
				return fmt.Errorf("failed to open inbox: %w", err)
			}
			defer store.Close()
			out = store.Output(func(r *inbox.Record) {
				printRecord(cmd.OutOrStdout(), r)
			}, func(err error) {
				logger.Error("inbox", "save failed: %v", err)
			})
		}

		loop := transport.NewDispatcher(0)
		radio, err := tinyble.NewCentral(tinyble.Options{}, loop, cfg.Central.Name)
		if err != nil {
			return err
		}
		defer radio.Close()

		metrics.RegisterMetrics()
		rx := central.New(cfg.Central, radio, loop, out)

		addr := centralStatus
		if addr == "" {
			addr = cfg.StatusAddr
		}
		if srv := startStatus(ctx, addr); srv != nil {
			srv.Register("central", func() interface{} { return snapshot(ctx, rx.Status) })
		}

		fmt.Fprintf(cmd.OutOrStdout(), "%s band [%d, %d] dBm, Ctrl-C to stop\n",
			titleFmt("Listening"), cfg.Central.MinRSSI, cfg.Central.MaxRSSI)
		return finished(rx.Run(ctx))
	},
}

func printMessage(w io.Writer, msg central.Message) {
	from := "unknown"
	if msg.Endpoint != nil {
		from = msg.Endpoint.Short()
	}
	fmt.Fprintf(w, "%s from %s %s\n%s\n",
		okFmt("📨 Message"), from,
		dimFmt(fmt.Sprintf("(%d bytes, %d chunks, %s)", len(msg.Data), msg.Chunks, msg.Finished.Sub(msg.Started).Round(time.Millisecond))),
		string(msg.Data))
}

func printRecord(w io.Writer, r *inbox.Record) {
	fmt.Fprintf(w, "%s %s %s\n%s\n",
		okFmt("📨 Message"), transport.ShortID(r.ID),
		dimFmt(fmt.Sprintf("(%d bytes, %d chunks, %s)", r.Bytes, r.Chunks, r.Duration().Round(time.Millisecond))),
		r.Body)
}
