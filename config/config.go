package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

var v *viper.Viper

func init() {
	v = viper.New()
	setDefaults(v)

	// Environment variables
	v.SetEnvPrefix("SCREENCAST")
	v.AutomaticEnv()
	v.BindEnv("server.url", "SCREENCAST_SERVER_URL", "SCREENCAST_SERVER")
	v.BindEnv("room.id", "SCREENCAST_ROOM")
	v.BindEnv("peer.name", "SCREENCAST_NAME")
	v.BindEnv("signaling.request_timeout", "SCREENCAST_REQUEST_TIMEOUT")
	v.BindEnv("decoder.acceleration", "SCREENCAST_DECODER_ACCELERATION")
	v.BindEnv("decoder.hardware", "SCREENCAST_DECODER_HARDWARE")
	v.BindEnv("screencast.home", "SCREENCAST_HOME")
	v.BindEnv("profile.path", "SCREENCAST_PROFILE_PATH")

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	configPaths := []string{
		".",
		"$HOME/.screencast",
		filepath.Join(xdg.ConfigHome, "screencast"),
		"/etc/screencast",
	}
	for _, path := range configPaths {
		v.AddConfigPath(os.ExpandEnv(path))
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error was produced
			panic(fmt.Sprintf("Fatal error reading config file: %s", err))
		}
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.url", "ws://localhost:3016/ws")
	v.SetDefault("room.id", "")
	v.SetDefault("peer.name", "")
	v.SetDefault("signaling.request_timeout", 15*time.Second)

	v.SetDefault("decoder.acceleration", "hardware")
	v.SetDefault("decoder.hardware", true)
	v.SetDefault("decoder.pending_frames", 10)
	v.SetDefault("decoder.max_software_errors", 5)

	v.SetDefault("webrtc.ice_servers", []string{})
	v.SetDefault("render.status_interval", time.Second)

	v.SetDefault("screencast.home", filepath.Join(xdg.Home, ".screencast"))
	v.SetDefault("profile.path", "")
}

// Viper exposes the underlying instance so commands can bind flags to keys.
func Viper() *viper.Viper {
	return v
}

// GetServerURL returns the router's websocket URL
func GetServerURL() string {
	return v.GetString("server.url")
}

// GetRoomID returns the room to join when none is given on the command line
func GetRoomID() string {
	return v.GetString("room.id")
}

// GetPeerName returns the display name announced on join
func GetPeerName() string {
	return v.GetString("peer.name")
}

// GetRequestTimeout returns the per-request signaling timeout
func GetRequestTimeout() time.Duration {
	return v.GetDuration("signaling.request_timeout")
}

// GetDecoderAcceleration returns "hardware" or "software"
func GetDecoderAcceleration() string {
	return v.GetString("decoder.acceleration")
}

// GetDecoderHardware reports whether a hardware decoder should be assumed
// present
func GetDecoderHardware() bool {
	return v.GetBool("decoder.hardware")
}

func GetPendingFrames() int {
	return v.GetInt("decoder.pending_frames")
}

func GetMaxSoftwareErrors() int {
	return v.GetInt("decoder.max_software_errors")
}

// GetICEServers returns STUN/TURN URLs for the receive transport
func GetICEServers() []string {
	return v.GetStringSlice("webrtc.ice_servers")
}

func GetStatusInterval() time.Duration {
	return v.GetDuration("render.status_interval")
}

// GetHome returns the screencast home directory
func GetHome() string {
	return v.GetString("screencast.home")
}

// GetProfilePath returns the room profile file path
func GetProfilePath() string {
	if profilePath := v.GetString("profile.path"); profilePath != "" {
		return profilePath
	}
	return filepath.Join(GetHome(), "profiles.toml")
}
