package profile

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
)

var (
	ErrNoCurrentProfile    = errors.New("no current profile set, run 'screencast profile use' first")
	ErrProfileNotFound     = errors.New("profile not found")
	ErrCannotDeleteCurrent = errors.New("cannot delete the current profile, switch to another profile first")
	ErrEmptyRoom           = errors.New("room id is empty")
)

// ProfileConfig is the content of profiles.toml.
type ProfileConfig struct {
	Current  string             `toml:"current"`
	Profiles map[string]Profile `toml:"profiles"`
	Defaults ProfileDefaults    `toml:"defaults"`
}

// Profile is a saved room.
type Profile struct {
	RoomID       string `toml:"room"`
	Name         string `toml:"name,omitempty"`
	ServerURL    string `toml:"server_url,omitempty"`
	Acceleration string `toml:"acceleration,omitempty"`
}

// ProfileDefaults apply to profiles that leave a field empty.
type ProfileDefaults struct {
	ServerURL string `toml:"server_url,omitempty"`
}

// Entry is a profile with its id, for listing.
type Entry struct {
	ID      string
	Current bool
	Profile
}

// ProfileManager manages the profile file.
type ProfileManager struct {
	config ProfileConfig
	path   string
}

// NewProfileManager creates a manager for the file at path. defaultServer
// fills profiles without a server URL.
func NewProfileManager(path, defaultServer string) *ProfileManager {
	return &ProfileManager{
		config: ProfileConfig{
			Profiles: make(map[string]Profile),
			Defaults: ProfileDefaults{ServerURL: defaultServer},
		},
		path: path,
	}
}

// Path returns the profile file location.
func (pm *ProfileManager) Path() string {
	return pm.path
}

// Load reads the profile file. A missing file is created empty.
func (pm *ProfileManager) Load() error {
	if _, err := os.Stat(pm.path); os.IsNotExist(err) {
		return pm.Save()
	}

	data, err := os.ReadFile(pm.path)
	if err != nil {
		return errors.Wrap(err, "read profile file")
	}

	defaults := pm.config.Defaults
	pm.config = ProfileConfig{}
	if len(data) > 0 {
		if err := toml.Unmarshal(data, &pm.config); err != nil {
			return errors.Wrap(err, "parse profile file")
		}
	}

	if pm.config.Profiles == nil {
		pm.config.Profiles = make(map[string]Profile)
	}
	if pm.config.Defaults.ServerURL == "" {
		pm.config.Defaults.ServerURL = defaults.ServerURL
	}
	return nil
}

// Save writes the profile file, omitting server URLs equal to the default.
func (pm *ProfileManager) Save() error {
	if err := os.MkdirAll(filepath.Dir(pm.path), 0o755); err != nil {
		return errors.Wrap(err, "create config directory")
	}

	clean := ProfileConfig{
		Current:  pm.config.Current,
		Profiles: make(map[string]Profile, len(pm.config.Profiles)),
		Defaults: pm.config.Defaults,
	}
	for id, p := range pm.config.Profiles {
		if p.ServerURL == pm.config.Defaults.ServerURL {
			p.ServerURL = ""
		}
		clean.Profiles[id] = p
	}

	data, err := toml.Marshal(clean)
	if err != nil {
		return errors.Wrap(err, "serialize profiles")
	}
	if err := os.WriteFile(pm.path, data, 0o600); err != nil {
		return errors.Wrap(err, "write profile file")
	}
	return nil
}

// Add stores p under id and makes it current when it is the first profile.
func (pm *ProfileManager) Add(id string, p Profile) error {
	if p.RoomID == "" {
		return ErrEmptyRoom
	}
	pm.config.Profiles[id] = p
	if pm.config.Current == "" {
		pm.config.Current = id
	}
	return pm.Save()
}

// Remove deletes a profile other than the current one.
func (pm *ProfileManager) Remove(id string) error {
	if _, ok := pm.config.Profiles[id]; !ok {
		return errors.Wrapf(ErrProfileNotFound, "profile %q", id)
	}
	if id == pm.config.Current {
		return ErrCannotDeleteCurrent
	}
	delete(pm.config.Profiles, id)
	return pm.Save()
}

// Use makes id the current profile.
func (pm *ProfileManager) Use(id string) error {
	if _, ok := pm.config.Profiles[id]; !ok {
		return errors.Wrapf(ErrProfileNotFound, "profile %q", id)
	}
	pm.config.Current = id
	return pm.Save()
}

// Get returns a profile with defaults applied.
func (pm *ProfileManager) Get(id string) (Profile, error) {
	p, ok := pm.config.Profiles[id]
	if !ok {
		return Profile{}, errors.Wrapf(ErrProfileNotFound, "profile %q", id)
	}
	if p.ServerURL == "" {
		p.ServerURL = pm.config.Defaults.ServerURL
	}
	return p, nil
}

// Resolve returns the profile named id, or the current one when id is empty.
func (pm *ProfileManager) Resolve(id string) (Profile, error) {
	if id == "" {
		if pm.config.Current == "" {
			return Profile{}, ErrNoCurrentProfile
		}
		id = pm.config.Current
	}
	return pm.Get(id)
}

// List returns all profiles sorted by id.
func (pm *ProfileManager) List() []Entry {
	out := make([]Entry, 0, len(pm.config.Profiles))
	for id := range pm.config.Profiles {
		p, _ := pm.Get(id)
		out = append(out, Entry{ID: id, Current: id == pm.config.Current, Profile: p})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
