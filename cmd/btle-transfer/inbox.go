package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/user/btle-transfer/inbox"
	"github.com/user/btle-transfer/transport"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"gopkg.in/yaml.v3"
)

var (
	inboxPath   string
	inboxLimit  int
	inboxOutput string
)

func init() {
	inboxCmd.PersistentFlags().StringVar(&inboxPath, "inbox", "", "Inbox database (default from config)")
	inboxCmd.PersistentFlags().StringVarP(&inboxOutput, "output", "o", "table", "Output format: table, json, yaml")
	inboxListCmd.Flags().IntVarP(&inboxLimit, "limit", "n", 20, "Show at most this many messages (0 for all)")
	inboxCmd.AddCommand(inboxListCmd, inboxShowCmd)
	rootCmd.AddCommand(inboxCmd)
}

var inboxCmd = &cobra.Command{
	Use:   "inbox",
	Short: "Browse received messages",
}

var inboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List received messages, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openInbox()
		if err != nil {
			return err
		}
		defer store.Close()

		records, err := store.List(cmd.Context(), inboxLimit)
		if err != nil {
			return err
		}
		return writeRecords(cmd.OutOrStdout(), inboxOutput, records)
	},
}

var inboxShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one received message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openInbox()
		if err != nil {
			return err
		}
		defer store.Close()

		r, err := store.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return writeRecord(cmd.OutOrStdout(), inboxOutput, r)
	},
}

func openInbox() (*inbox.Store, error) {
	path := inboxPath
	if path == "" {
		path = cfg.InboxPath()
	}
	store, err := inbox.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open inbox: %w", err)
	}
	return store, nil
}

var protoOutput = protojson.MarshalOptions{Multiline: true, Indent: "  "}

func writeRecords(w io.Writer, format string, records []*inbox.Record) error {
	switch format {
	case "json":
		list := &structpb.ListValue{}
		for _, r := range records {
			st, err := r.Struct()
			if err != nil {
				return err
			}
			list.Values = append(list.Values, structpb.NewStructValue(st))
		}
		return writeProto(w, list)
	case "yaml":
		return writeYAML(w, records)
	case "table":
		if len(records) == 0 {
			fmt.Fprintln(w, dimFmt("No messages yet."))
			return nil
		}
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tRECEIVED\tSENDER\tBYTES\tCHUNKS\tPREVIEW")
		for _, r := range records {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n",
				r.ID, r.ReceivedAt.Local().Format(time.DateTime), senderName(r), r.Bytes, r.Chunks, preview(r.Body, 32))
		}
		return tw.Flush()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func writeRecord(w io.Writer, format string, r *inbox.Record) error {
	switch format {
	case "json":
		st, err := r.Struct()
		if err != nil {
			return err
		}
		return writeProto(w, st)
	case "yaml":
		return writeYAML(w, r)
	case "table":
		fmt.Fprintf(w, "%s %s\n", titleFmt("ID:"), r.ID)
		fmt.Fprintf(w, "%s %s\n", titleFmt("From:"), senderName(r))
		fmt.Fprintf(w, "%s %s (%s)\n", titleFmt("Received:"), r.ReceivedAt.Local().Format(time.DateTime), r.Duration().Round(time.Millisecond))
		fmt.Fprintf(w, "%s %d bytes in %d chunks\n\n", titleFmt("Size:"), r.Bytes, r.Chunks)
		fmt.Fprintln(w, r.Body)
		return nil
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func writeProto(w io.Writer, m proto.Message) error {
	out, err := protoOutput.Marshal(m)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

func writeYAML(w io.Writer, v interface{}) error {
	out, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}

func senderName(r *inbox.Record) string {
	if r.Sender != "" {
		return r.Sender
	}
	return transport.ShortID(r.Endpoint)
}

// preview is the first line of body, cut to n runes
func preview(body string, n int) string {
	runes := []rune(body)
	for i, c := range runes {
		if c == '\n' {
			runes = runes[:i]
			break
		}
	}
	if len(runes) > n {
		return string(runes[:n-1]) + "…"
	}
	return string(runes)
}
