package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/spf13/viper"

	"github.com/petervdpas/delta/internal/util"
)

// EnvPrefix prefixes every environment override, e.g. DELTA_LOG_LEVEL.
const EnvPrefix = "DELTA"

type Config struct {
	Identity Identity `mapstructure:"identity" json:"identity"`
	P2P      P2P      `mapstructure:"p2p" json:"p2p"`
	Overlay  Overlay  `mapstructure:"overlay" json:"overlay"`
	Profile  Profile  `mapstructure:"profile" json:"profile"`
	Settings Settings `mapstructure:"settings" json:"settings"`
	Wireless Wireless `mapstructure:"wireless" json:"wireless"`
	Viewer   Viewer   `mapstructure:"viewer" json:"viewer"`
	Log      Log      `mapstructure:"log" json:"log"`
}

type Identity struct {
	KeyFile string `mapstructure:"key_file" json:"key_file"`
}

type P2P struct {
	ListenAddrs []string `mapstructure:"listen_addrs" json:"listen_addrs"`
	MdnsTag     string   `mapstructure:"mdns_tag" json:"mdns_tag"`
}

type Overlay struct {
	Topic         string `mapstructure:"topic" json:"topic"`
	AudioProtocol string `mapstructure:"audio_protocol" json:"audio_protocol"`
	RepublishSec  int    `mapstructure:"republish_seconds" json:"republish_seconds"`
	TickMillis    int    `mapstructure:"tick_millis" json:"tick_millis"`

	// StreamTimeoutSec bounds opening the audio stream, and how long an
	// accepted call waits for the caller's stream.
	StreamTimeoutSec int `mapstructure:"stream_timeout_seconds" json:"stream_timeout_seconds"`
}

func (o Overlay) RepublishInterval() time.Duration {
	return time.Duration(o.RepublishSec) * time.Second
}

func (o Overlay) TickInterval() time.Duration {
	return time.Duration(o.TickMillis) * time.Millisecond
}

func (o Overlay) StreamTimeout() time.Duration {
	return time.Duration(o.StreamTimeoutSec) * time.Second
}

type Profile struct {
	// Name is announced to other peers. NAME in the environment overrides it.
	Name string `mapstructure:"name" json:"name"`
}

type Settings struct {
	File string `mapstructure:"file" json:"file"`
}

type Wireless struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
	Path    string `mapstructure:"path" json:"path"`
}

type Viewer struct {
	// HTTPAddr is where the UI bridge listens. Empty disables it.
	HTTPAddr string `mapstructure:"http_addr" json:"http_addr"`
}

type Log struct {
	Level string `mapstructure:"level" json:"level"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
		},
		P2P: P2P{
			ListenAddrs: []string{"/ip4/0.0.0.0/tcp/0", "/ip4/0.0.0.0/udp/0/quic-v1"},
			MdnsTag:     "delta-mdns",
		},
		Overlay: Overlay{
			Topic:            "delta",
			AudioProtocol:    "/audio",
			RepublishSec:     3,
			TickMillis:       200,
			StreamTimeoutSec: 10,
		},
		Profile: Profile{
			Name: "Anonymous",
		},
		Settings: Settings{
			File: "data/settings.json",
		},
		Wireless: Wireless{
			Enabled: true,
			Path:    "/proc/net/wireless",
		},
		Viewer: Viewer{
			HTTPAddr: "127.0.0.1:7878",
		},
		Log: Log{
			Level: "info",
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("identity.key_file", d.Identity.KeyFile)

	v.SetDefault("p2p.listen_addrs", d.P2P.ListenAddrs)
	v.SetDefault("p2p.mdns_tag", d.P2P.MdnsTag)

	v.SetDefault("overlay.topic", d.Overlay.Topic)
	v.SetDefault("overlay.audio_protocol", d.Overlay.AudioProtocol)
	v.SetDefault("overlay.republish_seconds", d.Overlay.RepublishSec)
	v.SetDefault("overlay.tick_millis", d.Overlay.TickMillis)
	v.SetDefault("overlay.stream_timeout_seconds", d.Overlay.StreamTimeoutSec)

	v.SetDefault("profile.name", d.Profile.Name)
	v.SetDefault("settings.file", d.Settings.File)
	v.SetDefault("wireless.enabled", d.Wireless.Enabled)
	v.SetDefault("wireless.path", d.Wireless.Path)
	v.SetDefault("viewer.http_addr", d.Viewer.HTTPAddr)
	v.SetDefault("log.level", d.Log.Level)
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}

	// P2P
	if len(c.P2P.ListenAddrs) == 0 {
		return errors.New("p2p.listen_addrs needs at least one address")
	}
	for _, a := range c.P2P.ListenAddrs {
		if _, err := ma.NewMultiaddr(a); err != nil {
			return fmt.Errorf("p2p.listen_addrs: %q: %w", a, err)
		}
	}
	if strings.TrimSpace(c.P2P.MdnsTag) == "" {
		return errors.New("p2p.mdns_tag is required")
	}

	// Overlay
	if strings.TrimSpace(c.Overlay.Topic) == "" {
		return errors.New("overlay.topic is required")
	}
	if !strings.HasPrefix(c.Overlay.AudioProtocol, "/") {
		return errors.New("overlay.audio_protocol must start with /")
	}
	if c.Overlay.RepublishSec <= 0 {
		return errors.New("overlay.republish_seconds must be > 0")
	}
	if c.Overlay.TickMillis <= 0 {
		return errors.New("overlay.tick_millis must be > 0")
	}
	if c.Overlay.StreamTimeoutSec <= 0 {
		return errors.New("overlay.stream_timeout_seconds must be > 0")
	}

	// Profile
	if strings.TrimSpace(c.Profile.Name) == "" {
		return errors.New("profile.name is required")
	}

	if strings.TrimSpace(c.Settings.File) == "" {
		return errors.New("settings.file is required")
	}
	if c.Wireless.Enabled && strings.TrimSpace(c.Wireless.Path) == "" {
		return errors.New("wireless.path is required when wireless is enabled")
	}

	if _, err := logging.LevelFromString(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// Load reads the JSON file at path over the defaults, then applies
// environment overrides (DELTA_OVERLAY_TOPIC, ..., and NAME for the profile
// name).
func Load(v *viper.Viper, path string) (Config, error) {
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("profile.name", EnvPrefix+"_PROFILE_NAME", "NAME")

	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	v.SetConfigType("json")
	if err := v.ReadConfig(bytes.NewReader(util.StripBOM(b))); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file
// and loads that, so environment overrides still apply.
// Returns (cfg, createdNew, err).
func Ensure(v *viper.Viper, path string) (Config, bool, error) {
	created := false
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := Save(path, Default()); err != nil {
			return Config{}, false, fmt.Errorf("create default config: %w", err)
		}
		created = true
	} else if err != nil {
		return Config{}, false, err
	}
	cfg, err := Load(v, path)
	return cfg, created, err
}
