package cmd

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/babelcloud/screencast/internal/bitstream"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type BitstreamConvertOptions struct {
	ToAnnexB bool
}

type BitstreamDescribeOptions struct {
	Hex string
}

func NewBitstreamCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bitstream",
		Short: "Inspect and convert H.264 bitstreams",
	}
	cmd.AddCommand(newBitstreamConvertCommand())
	cmd.AddCommand(newBitstreamDescribeCommand())
	return cmd
}

func newBitstreamConvertCommand() *cobra.Command {
	opts := &BitstreamConvertOptions{}

	cmd := &cobra.Command{
		Use:   "convert <input> <output>",
		Short: "Convert between Annex-B and length-prefixed framing",
		Long: `Convert an Annex-B elementary stream (start code delimited) to
4-byte length-prefixed framing, or back with --to-annexb. Use - for stdin
or stdout.`,
		Example: `  screencast bitstream convert capture.h264 capture.avc
  screencast bitstream convert --to-annexb capture.avc capture.h264`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ExecuteBitstreamConvert(cmd, opts, args[0], args[1])
		},
	}

	cmd.Flags().BoolVar(&opts.ToAnnexB, "to-annexb", false, "Convert length-prefixed input to Annex-B")
	return cmd
}

func ExecuteBitstreamConvert(cmd *cobra.Command, opts *BitstreamConvertOptions, input, output string) error {
	data, err := readInput(cmd, input)
	if err != nil {
		return err
	}

	var out []byte
	if opts.ToAnnexB {
		out, err = bitstream.ToAnnexB(data)
		if err != nil {
			return errors.Wrap(err, "convert to annex-b")
		}
	} else {
		if !bitstream.IsAnnexB(data) {
			return errors.Errorf("%s does not start with an annex-b start code", input)
		}
		out = bitstream.ToLengthPrefixed(data)
	}

	if err := writeOutput(cmd, output, out); err != nil {
		return err
	}

	var units [][]byte
	if opts.ToAnnexB {
		units = bitstream.SplitNALUnits(out)
	} else {
		units, _ = bitstream.SplitLengthPrefixed(out)
	}
	if output != "-" {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s %d NAL units, %d -> %d bytes\n",
			color.GreenString("✓"), len(units), len(data), len(out))
	}
	return nil
}

func newBitstreamDescribeCommand() *cobra.Command {
	opts := &BitstreamDescribeOptions{}

	cmd := &cobra.Command{
		Use:   "describe [file]",
		Short: "Describe an H.264 configuration record",
		Long: `Print profile, compatibility, level, codec string and resolution of an
avcC configuration record. The input may be a raw record, given as a file or
as --hex, or an Annex-B stream whose first SPS and PPS are used.`,
		Example: `  screencast bitstream describe record.bin
  screencast bitstream describe --hex 0142c01fffe1...
  screencast bitstream describe capture.h264`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := ""
			if len(args) == 1 {
				input = args[0]
			}
			return ExecuteBitstreamDescribe(cmd, opts, input)
		},
	}

	cmd.Flags().StringVar(&opts.Hex, "hex", "", "Record as a hex string")
	return cmd
}

func ExecuteBitstreamDescribe(cmd *cobra.Command, opts *BitstreamDescribeOptions, input string) error {
	var (
		data []byte
		err  error
	)
	switch {
	case opts.Hex != "":
		data, err = hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(opts.Hex), "0x"))
		if err != nil {
			return errors.Wrap(err, "decode hex record")
		}
	case input != "":
		data, err = readInput(cmd, input)
		if err != nil {
			return err
		}
	default:
		return errors.New("pass a record file or --hex")
	}

	record, err := recordFrom(data)
	if err != nil {
		return err
	}

	info, err := bitstream.Describe(record)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	label := color.New(color.Bold).SprintFunc()
	fmt.Fprintf(out, "%s 0x%02X\n", label("Profile:      "), info.Profile)
	fmt.Fprintf(out, "%s 0x%02X\n", label("Compatibility:"), info.Compatibility)
	fmt.Fprintf(out, "%s 0x%02X\n", label("Level:        "), info.Level)
	fmt.Fprintf(out, "%s %s\n", label("Codec:        "), info.CodecString())
	if w, h, err := bitstream.Resolution(record); err == nil {
		fmt.Fprintf(out, "%s %dx%d\n", label("Resolution:   "), w, h)
	} else {
		fmt.Fprintf(out, "%s %s\n", label("Resolution:   "), color.YellowString("unknown (%v)", err))
	}
	return nil
}

// recordFrom returns data itself, or a record built from the parameter sets
// when data is an Annex-B stream.
func recordFrom(data []byte) ([]byte, error) {
	if !bitstream.IsAnnexB(data) {
		return data, nil
	}
	sps, pps := bitstream.ExtractParameterSets(bitstream.SplitNALUnits(data))
	if sps == nil || pps == nil {
		return nil, errors.New("stream carries no sps/pps")
	}
	return bitstream.BuildRecord(sps, pps)
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		return data, errors.Wrap(err, "read stdin")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	return data, nil
}

func writeOutput(cmd *cobra.Command, path string, data []byte) error {
	if path == "-" {
		_, err := cmd.OutOrStdout().Write(data)
		return errors.Wrap(err, "write stdout")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	return nil
}
