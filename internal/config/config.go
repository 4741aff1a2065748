// Package config loads the devloop configuration: a TOML file validated
// against a JSON Schema, then overridden from DEVLOOP_* environment
// variables (optionally seeded from a .env file).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/carlosprados/devloop/internal/validate"
)

var ErrInvalid = errors.New("invalid configuration")

// Duration is a time.Duration written as a string such as "400ms" or "1m".
type Duration struct{ time.Duration }

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

type Config struct {
	StateDir string        `toml:"state_dir"`
	Restart  RestartConfig `toml:"restart"`
	Server   ServerConfig  `toml:"server"`
	Remote   RemoteConfig  `toml:"remote"`
	Events   EventsConfig  `toml:"events"`
	Log      LogConfig     `toml:"log"`
	Runtime  RuntimeConfig `toml:"runtime"`
	API      APIConfig     `toml:"api"`
}

type RestartConfig struct {
	Enabled bool `toml:"enabled"`
	// URLs are the static roots of the application; empty means the ones
	// named by DEVLOOP_RESTART_URLS.
	URLs         []string `toml:"urls"`
	PollInterval Duration `toml:"poll_interval"`
	QuietPeriod  Duration `toml:"quiet_period"`
	// Exclude replaces the default exclude patterns when set.
	Exclude               []string `toml:"exclude"`
	AdditionalExclude     []string `toml:"additional_exclude"`
	AdditionalPaths       []string `toml:"additional_paths"`
	TriggerFile           string   `toml:"trigger_file"`
	ForceReferenceCleanup bool     `toml:"force_reference_cleanup"`
	SnapshotState         string   `toml:"snapshot_state"` // none|memory|file
	Notify                bool     `toml:"notify"`
	ContentHash           bool     `toml:"content_hash"`
}

type ServerConfig struct {
	Addr        string   `toml:"addr"`
	Shutdown    string   `toml:"shutdown"` // graceful|immediate
	GracePeriod Duration `toml:"grace_period"`
	// Root is served by the demo application, relative to the first
	// restart URL when not absolute.
	Root string `toml:"root"`
}

type RemoteConfig struct {
	URL        string   `toml:"url"`
	Secret     string   `toml:"secret"`
	SecretFile string   `toml:"secret_file"`
	RetryWait  Duration `toml:"retry_wait"`
}

type EventsConfig struct {
	NATSURL       string `toml:"nats_url"`
	MQTTBroker    string `toml:"mqtt_broker"`
	SubjectPrefix string `toml:"subject_prefix"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // console|json
}

type RuntimeConfig struct {
	OpenFiles uint64 `toml:"open_files"`
}

type APIConfig struct {
	Addr string `toml:"addr"`
}

// Default returns the configuration used for anything the file leaves out.
func Default() Config {
	return Config{
		StateDir: ".devloop",
		Restart: RestartConfig{
			Enabled:       true,
			PollInterval:  Duration{time.Second},
			QuietPeriod:   Duration{400 * time.Millisecond},
			SnapshotState: "memory",
		},
		Server: ServerConfig{
			Addr:        ":8080",
			Shutdown:    "graceful",
			GracePeriod: Duration{30 * time.Second},
		},
		Remote: RemoteConfig{RetryWait: Duration{2 * time.Second}},
		Events: EventsConfig{SubjectPrefix: "devloop"},
		Log:    LogConfig{Level: "info", Format: "console"},
		API:    APIConfig{Addr: "127.0.0.1:7070"},
	}
}

// Load reads path (when not empty) over the defaults, applies environment
// overrides and checks the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := Decode(b, &cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := ApplyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Decode validates b against the config schema and decodes it into cfg.
func Decode(b []byte, cfg *Config) error {
	var generic map[string]any
	if err := toml.Unmarshal(b, &generic); err != nil {
		return err
	}
	if err := validate.ValidateConfigMap(generic); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return toml.Unmarshal(b, cfg)
}

// Validate checks constraints the schema cannot express.
func (c *Config) Validate() error {
	if c.Restart.PollInterval.Duration <= 0 || c.Restart.QuietPeriod.Duration <= 0 {
		return fmt.Errorf("%w: poll_interval and quiet_period must be positive", ErrInvalid)
	}
	if c.Restart.PollInterval.Duration <= c.Restart.QuietPeriod.Duration {
		return fmt.Errorf("%w: poll_interval must be greater than quiet_period", ErrInvalid)
	}
	switch c.Restart.SnapshotState {
	case "none", "memory", "file":
	default:
		return fmt.Errorf("%w: unknown snapshot_state %q", ErrInvalid, c.Restart.SnapshotState)
	}
	switch c.Server.Shutdown {
	case "graceful", "immediate":
	default:
		return fmt.Errorf("%w: unknown server.shutdown %q", ErrInvalid, c.Server.Shutdown)
	}
	if c.Server.GracePeriod.Duration <= 0 {
		return fmt.Errorf("%w: grace_period must be positive", ErrInvalid)
	}
	if c.Remote.URL != "" && c.Remote.Secret == "" && c.Remote.SecretFile == "" {
		return fmt.Errorf("%w: remote.url needs a secret", ErrInvalid)
	}
	return nil
}

// ResolvePath joins a relative p onto base.
func ResolvePath(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// ApplyEnv overrides cfg from DEVLOOP_* variables. Unset variables leave the
// value alone; malformed ones are errors.
func ApplyEnv(cfg *Config) error {
	strs := map[string]*string{
		"DEVLOOP_STATE_DIR":      &cfg.StateDir,
		"DEVLOOP_TRIGGER_FILE":   &cfg.Restart.TriggerFile,
		"DEVLOOP_SNAPSHOT_STATE": &cfg.Restart.SnapshotState,
		"DEVLOOP_SERVER_ADDR":    &cfg.Server.Addr,
		"DEVLOOP_SHUTDOWN":       &cfg.Server.Shutdown,
		"DEVLOOP_SERVER_ROOT":    &cfg.Server.Root,
		"DEVLOOP_REMOTE_URL":     &cfg.Remote.URL,
		"DEVLOOP_REMOTE_SECRET":  &cfg.Remote.Secret,
		"DEVLOOP_NATS_URL":       &cfg.Events.NATSURL,
		"DEVLOOP_MQTT_BROKER":    &cfg.Events.MQTTBroker,
		"DEVLOOP_SUBJECT_PREFIX": &cfg.Events.SubjectPrefix,
		"DEVLOOP_LOG_LEVEL":      &cfg.Log.Level,
		"DEVLOOP_LOG_FORMAT":     &cfg.Log.Format,
		"DEVLOOP_API_ADDR":       &cfg.API.Addr,
	}
	for env, dst := range strs {
		if v, ok := os.LookupEnv(env); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	durs := map[string]*Duration{
		"DEVLOOP_POLL_INTERVAL": &cfg.Restart.PollInterval,
		"DEVLOOP_QUIET_PERIOD":  &cfg.Restart.QuietPeriod,
		"DEVLOOP_GRACE_PERIOD":  &cfg.Server.GracePeriod,
		"DEVLOOP_RETRY_WAIT":    &cfg.Remote.RetryWait,
	}
	for env, dst := range durs {
		if v, ok := os.LookupEnv(env); ok {
			if err := dst.UnmarshalText([]byte(strings.TrimSpace(v))); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrInvalid, env, err)
			}
		}
	}
	bools := map[string]*bool{
		"DEVLOOP_RESTART_ENABLED":         &cfg.Restart.Enabled,
		"DEVLOOP_FORCE_REFERENCE_CLEANUP": &cfg.Restart.ForceReferenceCleanup,
		"DEVLOOP_NOTIFY":                  &cfg.Restart.Notify,
		"DEVLOOP_CONTENT_HASH":            &cfg.Restart.ContentHash,
	}
	for env, dst := range bools {
		if v, ok := os.LookupEnv(env); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("%w: %s: %v", ErrInvalid, env, err)
			}
			*dst = b
		}
	}
	lists := map[string]*[]string{
		"DEVLOOP_ADDITIONAL_PATHS":   &cfg.Restart.AdditionalPaths,
		"DEVLOOP_ADDITIONAL_EXCLUDE": &cfg.Restart.AdditionalExclude,
	}
	for env, dst := range lists {
		if v, ok := os.LookupEnv(env); ok {
			*dst = splitList(v)
		}
	}
	if v, ok := os.LookupEnv("DEVLOOP_OPEN_FILES"); ok {
		n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("%w: DEVLOOP_OPEN_FILES: %v", ErrInvalid, err)
		}
		cfg.Runtime.OpenFiles = n
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
