package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-nikobus/internal/bridges/nikobus"
	"github.com/nerrad567/gray-logic-nikobus/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-nikobus/internal/infrastructure/discovery"
)

// errInvalidFrames is returned by decode when any argument fails to verify.
var errInvalidFrames = errors.New("one or more lines did not verify")

func newEncodeCmd() *cobra.Command {
	var (
		function string
		address  string
		args     string
		group    int
	)

	cmd := &cobra.Command{
		Use:   "encode",
		Short: "Build a PC-link command frame",
		Long: `Build a complete PC-link command frame with both checksums.

Either give the function code directly, or use --group to build the
status request for an output group of the module.`,
		Example: `  # Raw frame
  nikobusd encode --function 12 --address C9A5

  # Status request for group 2 of module C9A5
  nikobusd encode --address C9A5 --group 2`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			addr, err := nikobus.ParseAddress(address)
			if err != nil {
				return err
			}

			var frame string
			if group > 0 {
				frame, err = nikobus.ReadGroupCommand(addr, group)
			} else {
				frame, err = encodeRaw(function, addr, args)
			}
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), frame)
			return nil
		},
	}

	cmd.Flags().StringVarP(&function, "function", "f", "", "Function code as two hex digits (e.g. 12)")
	cmd.Flags().StringVarP(&address, "address", "a", "", "Module address as four hex digits (e.g. C9A5)")
	cmd.Flags().StringVar(&args, "args", "", "Argument bytes as hex")
	cmd.Flags().IntVarP(&group, "group", "g", 0, "Build the status request for this output group")
	_ = cmd.MarkFlagRequired("address")
	cmd.MarkFlagsMutuallyExclusive("function", "group")

	return cmd
}

func encodeRaw(function string, addr nikobus.Address, args string) (string, error) {
	if len(function) != 2 {
		return "", fmt.Errorf("--function must be two hex digits, got %q", function)
	}
	code, err := nikobus.DecodeHex(function)
	if err != nil {
		return "", fmt.Errorf("--function: %w", err)
	}
	return nikobus.BuildFrame(uint8(code), addr, args)
}

func newDecodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decode LINE...",
		Short: "Verify and decode received lines",
		Long: `Verify and decode lines as received from the bus.

Command frames ('$...') are checked against both checksums. Button
presses ('#N...') are reported with their button address. The command
fails if any line does not verify.`,
		Example: `  nikobusd decode '$1012A5C94B71C1' '#N0D1C80'`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, lines []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "LINE\tKIND\tFUNCTION\tADDRESS\tARGS\tRESULT")

			var failed bool
			for _, line := range lines {
				if !decodeLine(w, strings.TrimSpace(line)) {
					failed = true
				}
			}
			if err := w.Flush(); err != nil {
				return err
			}

			if failed {
				return errInvalidFrames
			}
			return nil
		},
	}
}

// decodeLine writes one table row and reports whether the line verified.
func decodeLine(w io.Writer, line string) bool {
	if button, ok := nikobus.ParseButtonPress(line); ok {
		fmt.Fprintf(w, "%s\tbutton\t-\t%s\t-\tok\n", line, button)
		return true
	}

	if !nikobus.IsCommandFrame(line) {
		fmt.Fprintf(w, "%s\tunknown\t-\t-\t-\tunrecognised\n", line)
		return false
	}

	frame, err := nikobus.ParseFrame(line)
	if err != nil {
		fmt.Fprintf(w, "%s\tframe\t-\t-\t-\t%v\n", line, err)
		return false
	}

	args := frame.Args
	if args == "" {
		args = "-"
	}
	fmt.Fprintf(w, "%s\tframe\t%s\t%s\t%s\tok\n",
		line, nikobus.EncodeHex(uint64(frame.Function), 2), frame.Address, args)
	return true
}

func newFramesCmd(configPath func() string) *cobra.Command {
	var (
		limit   int
		asJSON  bool
		invalid bool
	)

	cmd := &cobra.Command{
		Use:   "frames",
		Short: "Show the most recent recorded frames",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit < 1 {
				return fmt.Errorf("--limit must be at least 1")
			}

			recorder, closeDB, err := openRecorder(cmd, configPath())
			if err != nil {
				return err
			}
			defer closeDB()

			frames, err := recorder.RecentFrames(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if invalid {
				frames = onlyInvalid(frames)
			}

			if asJSON {
				return writeJSON(cmd.OutOrStdout(), frames)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tRECEIVED\tVALID\tFUNCTION\tADDRESS\tRAW")
			for _, f := range frames {
				fmt.Fprintf(w, "%d\t%s\t%t\t%s\t%s\t%s\n",
					f.ID, f.ReceivedAt.Format(time.RFC3339), f.Valid, dash(f.Function), dash(f.Address), f.Raw)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Number of frames to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	cmd.Flags().BoolVar(&invalid, "invalid", false, "Only show lines that failed verification")

	return cmd
}

func newAddressesCmd(configPath func() string) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "addresses",
		Short: "List module addresses seen on the bus",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			recorder, closeDB, err := openRecorder(cmd, configPath())
			if err != nil {
				return err
			}
			defer closeDB()

			addresses, err := recorder.Addresses(cmd.Context())
			if err != nil {
				return err
			}

			if asJSON {
				return writeJSON(cmd.OutOrStdout(), addresses)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ADDRESS\tFRAMES\tFIRST SEEN\tLAST SEEN")
			for _, a := range addresses {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n",
					a.Address, a.FrameCount, a.FirstSeen.Format(time.RFC3339), a.LastSeen.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")

	return cmd
}

// openRecorder opens the configured database for reading the frame log.
func openRecorder(cmd *cobra.Command, configPath string) (*nikobus.Recorder, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	db, err := openDatabase(cmd.Context(), cfg)
	if err != nil {
		return nil, nil, err
	}

	closeDB := func() {
		if closeErr := db.Close(); closeErr != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "closing database: %v\n", closeErr)
		}
	}
	return nikobus.NewRecorder(db.DB), closeDB, nil
}

func newDiscoverCmd() *cobra.Command {
	var (
		timeout time.Duration
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Find Nikobus bridges on the local network",
		Long: `Browse mDNS for bridges advertising ` + discovery.ServiceType + `.

Bridges advertise when protocols.nikobus.advertise is enabled.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			instances, err := discovery.Browse(cmd.Context(), timeout)
			if err != nil {
				return err
			}

			if asJSON {
				return writeJSON(cmd.OutOrStdout(), instances)
			}

			if len(instances) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no bridges found")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tBRIDGE\tVERSION\tPC-LINK\tURL")
			for _, inst := range instances {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					inst.Name,
					dash(inst.TXT[discovery.TXTBridge]),
					dash(inst.TXT[discovery.TXTVersion]),
					dash(inst.TXT[discovery.TXTPCLink]),
					inst.URL())
			}
			return w.Flush()
		},
	}

	cmd.Flags().DurationVarP(&timeout, "timeout", "t", discovery.DefaultBrowseTimeout, "How long to listen for answers")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")

	return cmd
}

func onlyInvalid(frames []nikobus.RecordedFrame) []nikobus.RecordedFrame {
	out := frames[:0]
	for _, f := range frames {
		if !f.Valid {
			out = append(out, f)
		}
	}
	return out
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
