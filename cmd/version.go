package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/babelcloud/screencast/internal/version"
	"github.com/spf13/cobra"
)

type VersionOptions struct {
	OutputFormat string
}

func NewVersionCommand() *cobra.Command {
	opts := &VersionOptions{}

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ExecuteVersion(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.OutputFormat, "output", "o", "text", "Output format (text or json)")
	return cmd
}

func ExecuteVersion(cmd *cobra.Command, opts *VersionOptions) error {
	info := version.ClientInfo()
	out := cmd.OutOrStdout()

	switch opts.OutputFormat {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	case "text", "":
		fmt.Fprintf(out, "Version:      %s\n", info["Version"])
		fmt.Fprintf(out, "Protocol:     %s\n", info["ProtocolVersion"])
		fmt.Fprintf(out, "Go version:   %s\n", info["GoVersion"])
		fmt.Fprintf(out, "Git commit:   %s\n", info["GitCommit"])
		fmt.Fprintf(out, "Built:        %s\n", info["FormattedTime"])
		fmt.Fprintf(out, "OS/Arch:      %s/%s\n", info["OS"], info["Arch"])
		return nil
	default:
		return fmt.Errorf("unsupported output format %q", opts.OutputFormat)
	}
}
