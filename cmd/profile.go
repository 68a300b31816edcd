package cmd

import (
	"fmt"

	"github.com/babelcloud/screencast/config"
	"github.com/babelcloud/screencast/internal/profile"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

type ProfileAddOptions struct {
	Room         string
	Name         string
	Server       string
	Acceleration string
	Use          bool
}

func NewProfileCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage saved rooms",
		Long:  `Saved rooms live in profiles.toml under the screencast home directory. The current profile is used by watch when no room is given.`,
	}

	cmd.AddCommand(newProfileAddCommand())
	cmd.AddCommand(newProfileListCommand())
	cmd.AddCommand(newProfileUseCommand())
	cmd.AddCommand(newProfileRemoveCommand())
	return cmd
}

func loadProfiles() (*profile.ProfileManager, error) {
	pm := profile.NewProfileManager(config.GetProfilePath(), config.GetServerURL())
	if err := pm.Load(); err != nil {
		return nil, err
	}
	return pm, nil
}

func newProfileAddCommand() *cobra.Command {
	opts := &ProfileAddOptions{}

	cmd := &cobra.Command{
		Use:     "add <id>",
		Short:   "Save a room",
		Example: `  screencast profile add math --room math-101 --name alice`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pm, err := loadProfiles()
			if err != nil {
				return err
			}
			id := args[0]
			if err := pm.Add(id, profile.Profile{
				RoomID:       opts.Room,
				Name:         opts.Name,
				ServerURL:    opts.Server,
				Acceleration: opts.Acceleration,
			}); err != nil {
				return err
			}
			if opts.Use {
				if err := pm.Use(id); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Saved profile %s\n", color.GreenString("✓"), id)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.Room, "room", "", "Room id")
	flags.StringVar(&opts.Name, "name", "", "Display name")
	flags.StringVar(&opts.Server, "server", "", "Router websocket URL")
	flags.StringVar(&opts.Acceleration, "acceleration", "", "Decoder preference (hardware or software)")
	flags.BoolVar(&opts.Use, "use", false, "Make it the current profile")
	_ = cmd.MarkFlagRequired("room")
	return cmd
}

func newProfileListCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List saved rooms",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pm, err := loadProfiles()
			if err != nil {
				return err
			}
			entries := pm.List()
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No profiles saved.")
				return nil
			}

			rows := make([]map[string]string, 0, len(entries))
			for _, e := range entries {
				mark := ""
				if e.Current {
					mark = "*"
				}
				rows = append(rows, map[string]string{
					"current": mark,
					"id":      e.ID,
					"room":    e.RoomID,
					"name":    e.Name,
					"server":  e.ServerURL,
				})
			}
			renderTable(cmd.OutOrStdout(), []TableColumn{
				{Header: "CURRENT", Key: "current"},
				{Header: "ID", Key: "id"},
				{Header: "ROOM", Key: "room"},
				{Header: "NAME", Key: "name"},
				{Header: "SERVER", Key: "server"},
			}, rows)
			return nil
		},
	}
}

func newProfileUseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "use <id>",
		Short: "Make a saved room current",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pm, err := loadProfiles()
			if err != nil {
				return err
			}
			if err := pm.Use(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Now using profile %s\n", color.GreenString("✓"), args[0])
			return nil
		},
	}
}

func newProfileRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "remove <id>",
		Aliases: []string{"rm"},
		Short:   "Delete a saved room",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pm, err := loadProfiles()
			if err != nil {
				return err
			}
			if err := pm.Remove(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Removed profile %s\n", color.GreenString("✓"), args[0])
			return nil
		},
	}
}
