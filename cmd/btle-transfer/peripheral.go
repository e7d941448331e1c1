package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/user/btle-transfer/metrics"
	"github.com/user/btle-transfer/peripheral"
	"github.com/user/btle-transfer/tinyble"
	"github.com/user/btle-transfer/transport"
)

var (
	sendText        string
	sendFile        string
	sendNoAdvertise bool
	sendStatus      string
)

func init() {
	peripheralCmd.Flags().StringVarP(&sendText, "text", "t", "", "Message to offer")
	peripheralCmd.Flags().StringVarP(&sendFile, "file", "f", "", "Read the message from a file")
	peripheralCmd.Flags().BoolVar(&sendNoAdvertise, "no-advertise", false, "Start with advertising off")
	peripheralCmd.Flags().StringVar(&sendStatus, "status", "", "Serve /health, /status and /metrics on this address")
	peripheralCmd.MarkFlagsMutuallyExclusive("text", "file")
	rootCmd.AddCommand(peripheralCmd)
}

var peripheralCmd = &cobra.Command{
	Use:   "peripheral",
	Short: "Offer a message to the next receiver that subscribes",
	Long: `Advertise the transfer service and send the message to every receiver that
subscribes. Lines typed on stdin replace the message and switch advertising
off, like editing the text on a phone. Commands:

  /adv on     start advertising
  /adv off    stop advertising
  /status     print the sender state`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := loadPayload(sendText, sendFile)
		if err != nil {
			return err
		}

		ctx, stop := signalContext(cmd.Context())
		defer stop()

		loop := transport.NewDispatcher(0)
		radio, err := tinyble.NewPeripheral(tinyble.Options{MTU: cfg.Peripheral.MTU}, loop, cfg.Peripheral.Name)
		if err != nil {
			return err
		}
		defer radio.Close()

		metrics.RegisterMetrics()
		tx := peripheral.New(cfg.Peripheral, radio, loop, payload)
		if !sendNoAdvertise {
			tx.Advertise(true)
		}

		addr := sendStatus
		if addr == "" {
			addr = cfg.StatusAddr
		}
		if srv := startStatus(ctx, addr); srv != nil {
			srv.Register("peripheral", func() interface{} { return snapshot(ctx, tx.Status) })
		}

		go readCommands(ctx, os.Stdin, cmd.OutOrStdout(), tx)

		fmt.Fprintf(cmd.OutOrStdout(), "%s %d bytes as %q, Ctrl-C to stop\n",
			titleFmt("Offering"), len(payload), cfg.Peripheral.LocalName)
		return finished(tx.Run(ctx))
	},
}

func loadPayload(text, file string) ([]byte, error) {
	if file == "" {
		return []byte(text), nil
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
	return data, nil
}

type commandKind int

const (
	commandEdit commandKind = iota
	commandAdvertise
	commandStatus
	commandUnknown
)

type command struct {
	kind commandKind
	on   bool
	text string
}

// parseCommand reads one stdin line. Anything that is not a /command is new
// message text.
func parseCommand(line string) command {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "/") {
		return command{kind: commandEdit, text: line}
	}

	fields := strings.Fields(trimmed)
	switch {
	case fields[0] == "/adv" && len(fields) == 2 && fields[1] == "on":
		return command{kind: commandAdvertise, on: true}
	case fields[0] == "/adv" && len(fields) == 2 && fields[1] == "off":
		return command{kind: commandAdvertise, on: false}
	case fields[0] == "/status" && len(fields) == 1:
		return command{kind: commandStatus}
	default:
		return command{kind: commandUnknown, text: trimmed}
	}
}

// sender is the part of the sender role stdin can drive
type sender interface {
	Advertise(on bool)
	Edit(payload []byte)
	Status(ctx context.Context) (peripheral.Status, error)
}

func readCommands(ctx context.Context, r io.Reader, w io.Writer, tx sender) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		runCommand(ctx, parseCommand(scanner.Text()), w, tx)
	}
}

func runCommand(ctx context.Context, c command, w io.Writer, tx sender) {
	switch c.kind {
	case commandEdit:
		tx.Edit([]byte(c.text))
		fmt.Fprintf(w, "%s %d bytes, advertising off (/adv on to offer it)\n", infoFmt("Message set:"), len(c.text))
	case commandAdvertise:
		tx.Advertise(c.on)
		state := "off"
		if c.on {
			state = "on"
		}
		fmt.Fprintf(w, "%s %s\n", infoFmt("Advertising"), state)
	case commandStatus:
		st, err := tx.Status(ctx)
		if err != nil {
			fmt.Fprintf(w, "%s %v\n", errFmt("status:"), err)
			return
		}
		fmt.Fprintf(w, "%s %s, advertising=%t, %d/%d bytes sent\n", titleFmt("Sender"), st.State, st.Advertising, st.Sent, st.Total)
	default:
		fmt.Fprintf(w, "%s %s\n", errFmt("unknown command:"), c.text)
	}
}
