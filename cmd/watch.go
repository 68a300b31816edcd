package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/babelcloud/screencast/config"
	"github.com/babelcloud/screencast/internal/decode"
	"github.com/babelcloud/screencast/internal/media"
	"github.com/babelcloud/screencast/internal/profile"
	"github.com/babelcloud/screencast/internal/render"
	"github.com/babelcloud/screencast/internal/signaling"
	"github.com/babelcloud/screencast/internal/util"
	"github.com/babelcloud/screencast/internal/version"
	"github.com/babelcloud/screencast/internal/viewer"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type WatchOptions struct {
	Room     string
	Profile  string
	Software bool
}

// watchTarget is where and how to watch, after flags, config and profile
// have been merged.
type watchTarget struct {
	ServerURL    string
	RoomID       string
	Name         string
	Acceleration decode.Acceleration
}

func NewWatchCommand() *cobra.Command {
	opts := &WatchOptions{}

	cmd := &cobra.Command{
		Use:   "watch [room]",
		Short: "Join a room and watch the shared screen",
		Long: `Join a classroom room as a student and watch every video the teacher
shares until interrupted. The room comes from the argument, --room, the
configuration or a saved profile, in that order.`,
		Example: `  screencast watch math-101
  screencast watch --server wss://router.example.com/ws --room math-101 --name alice
  screencast watch --profile math
  screencast watch math-101 --software`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				opts.Room = args[0]
			}
			return ExecuteWatch(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.String("server", "", "Router websocket URL")
	flags.StringVar(&opts.Room, "room", "", "Room to join")
	flags.String("name", "", "Display name announced to the room")
	flags.StringVar(&opts.Profile, "profile", "", "Saved profile to use")
	flags.BoolVar(&opts.Software, "software", false, "Decode in software from the start")

	v := config.Viper()
	_ = v.BindPFlag("server.url", flags.Lookup("server"))
	_ = v.BindPFlag("peer.name", flags.Lookup("name"))

	return cmd
}

func ExecuteWatch(cmd *cobra.Command, opts *WatchOptions) error {
	logger := util.GetLogger()

	target, err := resolveWatchTarget(cmd, opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sp := NewUISpinner(util.IsVerbose(), fmt.Sprintf("Joining room %s at %s", target.RoomID, target.ServerURL))

	dialCtx, cancel := context.WithTimeout(ctx, config.GetRequestTimeout())
	ch, err := signaling.Dial(dialCtx, target.ServerURL, http.Header{"User-Agent": {version.UserAgent()}})
	cancel()
	if err != nil {
		sp.Fail("Could not reach the router")
		return err
	}

	client := signaling.NewClient(ch, signaling.Config{
		RoomID:         target.RoomID,
		Name:           target.Name,
		Role:           signaling.RoleConsumer,
		RequestTimeout: config.GetRequestTimeout(),
		Logger:         logger,
	})
	client.OnStateChange(func(s signaling.ConnectionState) {
		switch s {
		case signaling.StateConnected:
			sp.Success(fmt.Sprintf("Joined room %s", target.RoomID))
		case signaling.StateError:
			sp.Fail(fmt.Sprintf("Could not join room %s", target.RoomID))
		}
	})

	receiver, err := media.NewReceiver(media.Config{
		ICEServers: config.GetICEServers(),
		Logger:     logger,
	})
	if err != nil {
		sp.Fail("Could not set up the media transport")
		client.Disconnect()
		return err
	}
	defer receiver.Close()

	inspectors := decode.Inspectors{HardwareAvailable: config.GetDecoderHardware(), Logger: logger}
	interval := config.GetStatusInterval()
	out := cmd.OutOrStdout()

	v := viewer.New(client, viewer.Options{
		Media:          receiver,
		DecoderFactory: inspectors.New,
		Prober:         inspectors,
		NewSurface: func(producerID string) render.Surface {
			return render.NewConsole(out, interval)
		},
		Acceleration:      target.Acceleration,
		PendingFrames:     config.GetPendingFrames(),
		MaxSoftwareErrors: config.GetMaxSoftwareErrors(),
		Logger:            logger,
	})

	err = v.Run(ctx)
	sp.Stop()
	if err != nil {
		return errors.Wrapf(err, "watch room %s", target.RoomID)
	}
	return nil
}

func resolveWatchTarget(cmd *cobra.Command, opts *WatchOptions) (watchTarget, error) {
	t := watchTarget{
		ServerURL:    config.GetServerURL(),
		RoomID:       opts.Room,
		Name:         config.GetPeerName(),
		Acceleration: parseAcceleration(config.GetDecoderAcceleration()),
	}
	if t.RoomID == "" {
		t.RoomID = config.GetRoomID()
	}

	if opts.Profile != "" || t.RoomID == "" {
		pm := profile.NewProfileManager(config.GetProfilePath(), config.GetServerURL())
		if err := pm.Load(); err != nil {
			return t, err
		}
		p, err := pm.Resolve(opts.Profile)
		if err != nil {
			if t.RoomID == "" && errors.Is(err, profile.ErrNoCurrentProfile) {
				return t, errors.New("no room given: pass one as an argument, with --room, or save a profile")
			}
			return t, err
		}
		if opts.Room == "" {
			t.RoomID = p.RoomID
		}
		if !cmd.Flags().Changed("server") && p.ServerURL != "" {
			t.ServerURL = p.ServerURL
		}
		if !cmd.Flags().Changed("name") && p.Name != "" {
			t.Name = p.Name
		}
		if p.Acceleration != "" {
			t.Acceleration = parseAcceleration(p.Acceleration)
		}
	}

	if opts.Software {
		t.Acceleration = decode.AccelerationSoftware
	}
	if t.RoomID == "" {
		return t, profile.ErrEmptyRoom
	}
	return t, nil
}

func parseAcceleration(s string) decode.Acceleration {
	switch s {
	case "software", string(decode.AccelerationSoftware):
		return decode.AccelerationSoftware
	default:
		return decode.AccelerationHardware
	}
}
