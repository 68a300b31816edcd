package cmd

import (
	"fmt"

	"github.com/babelcloud/screencast/internal/util"
	"github.com/babelcloud/screencast/internal/version"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "screencast",
	Short: "Classroom screen share viewer",
	Long: `screencast joins a classroom room on a media router and watches the
teacher's shared screen. It also ships helpers to inspect H.264 bitstreams
and to manage saved rooms.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		verbose, _ := cmd.Flags().GetBool("verbose")
		util.InitLogger(verbose)
		util.SetupGlobalLogger()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flag("version").Changed {
			info := version.ClientInfo()
			fmt.Printf("screencast version %s, build %s\n", info["Version"], info["GitCommit"])
			return nil
		}
		return cmd.Help()
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.Flags().BoolP("version", "v", false, "Print version information and exit")
	rootCmd.PersistentFlags().Bool("verbose", false, "Enable debug logging")

	rootCmd.AddCommand(NewWatchCommand())
	rootCmd.AddCommand(NewBitstreamCommand())
	rootCmd.AddCommand(NewProfileCommand())
	rootCmd.AddCommand(NewVersionCommand())
}
