package client

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	transports "github.com/rzbill/xs/internal/cmd/client/transports"
)

// newAppendCommand constructs the `append` command.
func newAppendCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "append <topic>",
		Short: "Append a frame; the payload comes from --data, --file, or stdin with --data -",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, _ := cmd.Flags().GetString("data")
			file, _ := cmd.Flags().GetString("file")
			req := transports.AppendRequest{Topic: args[0]}
			req.Context, _ = cmd.Flags().GetString("context")
			req.TTL, _ = cmd.Flags().GetString("ttl")
			req.Meta, _ = cmd.Flags().GetString("meta")
			req.Hash, _ = cmd.Flags().GetString("hash")

			var payload io.Reader
			switch {
			case data != "" && file != "":
				return fmt.Errorf("use only one of --data and --file")
			case req.Hash != "" && (data != "" || file != ""):
				return fmt.Errorf("--hash replaces the payload; drop --data/--file")
			case data == "-":
				payload = cmd.InOrStdin()
			case data != "":
				payload = strings.NewReader(data)
			case file != "":
				fh, err := os.Open(file)
				if err != nil {
					return err
				}
				defer func() { _ = fh.Close() }()
				payload = fh
			}

			f, err := newTransport(baseURL).Append(cmd.Context(), req, payload)
			if err != nil {
				return err
			}
			return writeJSONLine(cmd.OutOrStdout(), f)
		},
	}
	cmd.Flags().StringP("context", "c", "", "Context id (default: root)")
	cmd.Flags().String("ttl", "", "Retention: forever, ephemeral, time:<ms>, head:<n>")
	cmd.Flags().String("meta", "", "Metadata as a JSON object")
	cmd.Flags().String("data", "", "Payload; - reads stdin")
	cmd.Flags().String("file", "", "Read the payload from a file")
	cmd.Flags().String("hash", "", "Reference an existing CAS payload")
	return cmd
}

// newCatCommand constructs the `cat` command.
func newCatCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cat",
		Short: "Print frames as JSON lines, optionally following new ones",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var req transports.ReadRequest
			req.After, _ = cmd.Flags().GetString("after")
			req.Topic, _ = cmd.Flags().GetString("topic")
			req.Context, _ = cmd.Flags().GetString("context")
			req.Filter, _ = cmd.Flags().GetString("filter")
			req.Limit, _ = cmd.Flags().GetInt("limit")
			req.Tail, _ = cmd.Flags().GetBool("tail")
			follow, _ := cmd.Flags().GetBool("follow")
			pulse, _ := cmd.Flags().GetInt("pulse")
			withPayload, _ := cmd.Flags().GetBool("payload")
			showThreshold, _ := cmd.Flags().GetBool("threshold")
			switch {
			case pulse > 0:
				req.Follow = fmt.Sprint(pulse)
			case follow:
				req.Follow = "on"
			}

			t := newTransport(baseURL)
			out := cmd.OutOrStdout()
			return t.Read(cmd.Context(), req, func(ev transports.Event) error {
				switch ev.Type {
				case "threshold":
					if showThreshold {
						return writeJSONLine(out, map[string]string{"type": "threshold"})
					}
					return nil
				case "heartbeat":
					return nil
				}
				if !withPayload {
					return writeJSONLine(out, ev.Frame)
				}
				p, err := framePayload(cmd.Context(), t, ev.Frame)
				if err != nil {
					return err
				}
				return writeJSONLine(out, frameWithPayload(ev.Frame, p))
			})
		},
	}
	cmd.Flags().String("after", "", "Start after this frame id")
	cmd.Flags().StringP("topic", "t", "", "Only frames of this topic")
	cmd.Flags().StringP("context", "c", "", "Only frames of this context")
	cmd.Flags().String("filter", "", "CEL filter expression")
	cmd.Flags().Int("limit", 0, "Max historical frames")
	cmd.Flags().Bool("tail", false, "Skip history; start at the end of the log")
	cmd.Flags().BoolP("follow", "f", false, "Keep streaming new frames")
	cmd.Flags().Int("pulse", 0, "Follow with heartbeats every N ms")
	cmd.Flags().Bool("payload", false, "Inline each frame's payload")
	cmd.Flags().Bool("threshold", false, "Print the end-of-history marker when following")
	return cmd
}

// newHeadCommand constructs the `head` command.
func newHeadCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "head <topic>",
		Short: "Print the newest frame of a topic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctxID, _ := cmd.Flags().GetString("context")
			f, err := newTransport(baseURL).Head(cmd.Context(), args[0], ctxID)
			if err != nil {
				return err
			}
			return writeJSONLine(cmd.OutOrStdout(), f)
		},
	}
	cmd.Flags().StringP("context", "c", "", "Context id (default: root)")
	return cmd
}

// newGetCommand constructs the `get` command.
func newGetCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Print one frame by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := newTransport(baseURL).Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSONLine(cmd.OutOrStdout(), f)
		},
	}
}

// newRemoveCommand constructs the `remove` command.
func newRemoveCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <id>",
		Aliases: []string{"rm"},
		Short:   "Remove a frame",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newTransport(baseURL).Remove(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "status:", "OK")
			return nil
		},
	}
}
