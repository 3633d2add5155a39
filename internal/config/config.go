// ABOUTME: Layered configuration for the monitor
// ABOUTME: Defaults, optional YAML file, CAPMON_ environment and command-line flags via viper
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// EnvPrefix prefixes environment overrides, e.g. CAPMON_SERVER_ADDR
	EnvPrefix = "CAPMON"

	// FileName is the config file searched for when --config is not given
	FileName = "monitor"
)

// Config represents the complete client configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Audio   AudioConfig   `mapstructure:"audio" yaml:"audio"`
	Meter   MeterConfig   `mapstructure:"meter" yaml:"meter"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	UI      UIConfig      `mapstructure:"ui" yaml:"ui"`
}

// ServerConfig describes how to reach the capture server
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"` // host:port; empty means discover
	TLS             bool          `mapstructure:"tls" yaml:"tls"`
	Path            string        `mapstructure:"path" yaml:"path"`
	ReconnectDelay  time.Duration `mapstructure:"reconnect_delay" yaml:"reconnect_delay"`
	ControlTimeout  time.Duration `mapstructure:"control_timeout" yaml:"control_timeout"`
	Discover        bool          `mapstructure:"discover" yaml:"discover"`
	DiscoverTimeout time.Duration `mapstructure:"discover_timeout" yaml:"discover_timeout"`
}

// AudioConfig contains monitor playback parameters
type AudioConfig struct {
	Backend       string  `mapstructure:"backend" yaml:"backend"`     // oto, malgo or none
	BufferMs      int     `mapstructure:"buffer_ms" yaml:"buffer_ms"` // device buffer; 0 lets the backend choose
	LatencyBuffer float64 `mapstructure:"latency_buffer" yaml:"latency_buffer"`
	MaxLead       float64 `mapstructure:"max_lead" yaml:"max_lead"`
	Volume        int     `mapstructure:"volume" yaml:"volume"`
}

// MeterConfig tunes the level meters
type MeterConfig struct {
	FPS   int     `mapstructure:"fps" yaml:"fps"`
	Decay float64 `mapstructure:"decay" yaml:"decay"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"` // empty disables
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	File  string `mapstructure:"file" yaml:"file"`
}

// UIConfig selects the interface
type UIConfig struct {
	TUI bool `mapstructure:"tui" yaml:"tui"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		Server: ServerConfig{
			Path:            "/ws",
			ReconnectDelay:  2 * time.Second,
			ControlTimeout:  10 * time.Second,
			Discover:        true,
			DiscoverTimeout: 10 * time.Second,
		},
		Audio: AudioConfig{
			Backend:       "oto",
			LatencyBuffer: 0.1,
			MaxLead:       1.0,
			Volume:        100,
		},
		Meter: MeterConfig{
			FPS:   60,
			Decay: 0.25,
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "capture-monitor.log",
		},
		UI: UIConfig{
			TUI: true,
		},
	}
}

// Source is a loaded configuration with the flags and file it came from
type Source struct {
	v     *viper.Viper
	flags *pflag.FlagSet

	mu   sync.Mutex
	last *Config
}

// Load parses args and layers flags over environment over file over defaults.
// pflag.ErrHelp is returned unwrapped when -h is given.
func Load(args []string) (*Source, error) {
	fs := pflag.NewFlagSet("capture-monitor", pflag.ContinueOnError)
	fs.String("config", "", "Path to config file (default searches ./monitor.yaml)")
	fs.String("server", "", "Capture server address (host:port); empty enables discovery")
	fs.Bool("tls", false, "Use wss:// and https://")
	fs.String("audio-backend", "oto", "Audio backend: oto, malgo or none")
	fs.Int("buffer-ms", 0, "Audio device buffer in milliseconds (0 = backend default)")
	fs.Int("volume", 100, "Initial monitor volume (0-100)")
	fs.String("log-level", "info", "Log level: debug, info, warn or error")
	fs.String("log-file", "capture-monitor.log", "Log file path")
	fs.Bool("no-tui", false, "Disable the terminal UI and log to stdout")
	fs.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	fs.String("write-config", "", "Write the default config to this path and exit")
	fs.Bool("version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindings := map[string]string{
		"server.addr":     "server",
		"server.tls":      "tls",
		"audio.backend":   "audio-backend",
		"audio.buffer_ms": "buffer-ms",
		"audio.volume":    "volume",
		"logging.level":   "log-level",
		"logging.file":    "log-file",
		"metrics.addr":    "metrics-addr",
	}
	for key, flag := range bindings {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return nil, fmt.Errorf("failed to bind flag %s: %w", flag, err)
		}
	}
	if noTUI, _ := fs.GetBool("no-tui"); noTUI {
		v.Set("ui.tui", false)
	}

	v.SetConfigType("yaml")
	if path, _ := fs.GetString("config"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(FileName)
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/capture-monitor")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	return &Source{v: v, flags: fs}, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.tls", d.Server.TLS)
	v.SetDefault("server.path", d.Server.Path)
	v.SetDefault("server.reconnect_delay", d.Server.ReconnectDelay)
	v.SetDefault("server.control_timeout", d.Server.ControlTimeout)
	v.SetDefault("server.discover", d.Server.Discover)
	v.SetDefault("server.discover_timeout", d.Server.DiscoverTimeout)

	v.SetDefault("audio.backend", d.Audio.Backend)
	v.SetDefault("audio.buffer_ms", d.Audio.BufferMs)
	v.SetDefault("audio.latency_buffer", d.Audio.LatencyBuffer)
	v.SetDefault("audio.max_lead", d.Audio.MaxLead)
	v.SetDefault("audio.volume", d.Audio.Volume)

	v.SetDefault("meter.fps", d.Meter.FPS)
	v.SetDefault("meter.decay", d.Meter.Decay)

	v.SetDefault("metrics.addr", d.Metrics.Addr)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.file", d.Logging.File)

	v.SetDefault("ui.tui", d.UI.TUI)
}

// Config decodes and validates the layered settings
func (s *Source) Config() (*Config, error) {
	var cfg Config
	if err := s.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// File returns the config file in use, or "" if none was found
func (s *Source) File() string {
	return s.v.ConfigFileUsed()
}

// WriteConfigPath returns the --write-config argument
func (s *Source) WriteConfigPath() string {
	path, _ := s.flags.GetString("write-config")
	return path
}

// ShowVersion reports whether --version was given
func (s *Source) ShowVersion() bool {
	show, _ := s.flags.GetBool("version")
	return show
}

// Watch calls onChange with the previous and the reloaded config whenever
// the config file changes. current is the config in effect now. Invalid
// edits are logged and skipped. No-op without a file.
func (s *Source) Watch(logger *slog.Logger, current *Config, onChange func(prev, next *Config)) {
	if s.File() == "" {
		return
	}

	s.mu.Lock()
	s.last = current
	s.mu.Unlock()

	s.v.OnConfigChange(func(e fsnotify.Event) {
		s.reload(logger, e.Name, onChange)
	})
	s.v.WatchConfig()
}

func (s *Source) reload(logger *slog.Logger, name string, onChange func(prev, next *Config)) {
	next, err := s.Config()
	if err != nil {
		logger.Warn("Ignoring config change", slog.String("file", name), slog.String("error", err.Error()))
		return
	}

	s.mu.Lock()
	prev := s.last
	s.last = next
	s.mu.Unlock()

	if prev == nil {
		prev = next
	}
	logger.Info("Config reloaded", slog.String("file", name))
	onChange(prev, next)
}

// Validate performs validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}
	if err := c.Meter.Validate(); err != nil {
		return fmt.Errorf("meter config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Addr == "" && !s.Discover {
		return fmt.Errorf("addr cannot be empty when discovery is disabled")
	}
	if !strings.HasPrefix(s.Path, "/") {
		return fmt.Errorf("path must start with '/', got '%s'", s.Path)
	}
	if s.ReconnectDelay <= 0 {
		return fmt.Errorf("reconnect_delay must be positive, got %v", s.ReconnectDelay)
	}
	if s.ControlTimeout <= 0 {
		return fmt.Errorf("control_timeout must be positive, got %v", s.ControlTimeout)
	}
	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	validBackends := map[string]bool{"oto": true, "malgo": true, "none": true}
	if !validBackends[a.Backend] {
		return fmt.Errorf("backend must be one of [oto, malgo, none], got '%s'", a.Backend)
	}
	if a.BufferMs < 0 {
		return fmt.Errorf("buffer_ms cannot be negative, got %d", a.BufferMs)
	}
	if a.LatencyBuffer <= 0 {
		return fmt.Errorf("latency_buffer must be positive, got %f", a.LatencyBuffer)
	}
	if a.MaxLead <= a.LatencyBuffer {
		return fmt.Errorf("max_lead (%f) must be greater than latency_buffer (%f)", a.MaxLead, a.LatencyBuffer)
	}
	if a.Volume < 0 || a.Volume > 100 {
		return fmt.Errorf("volume must be between 0 and 100, got %d", a.Volume)
	}
	return nil
}

// Validate validates meter configuration
func (m *MeterConfig) Validate() error {
	if m.FPS < 1 || m.FPS > 240 {
		return fmt.Errorf("fps must be between 1 and 240, got %d", m.FPS)
	}
	if m.Decay <= 0 || m.Decay > 1 {
		return fmt.Errorf("decay must be in (0, 1], got %f", m.Decay)
	}
	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	if _, err := ParseLevel(l.Level); err != nil {
		return err
	}
	return nil
}

// ParseLevel maps a level name to a slog level
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", name)
	}
}

// MarshalYAML writes durations in their string form
func (s ServerConfig) MarshalYAML() (any, error) {
	return struct {
		Addr            string `yaml:"addr"`
		TLS             bool   `yaml:"tls"`
		Path            string `yaml:"path"`
		ReconnectDelay  string `yaml:"reconnect_delay"`
		ControlTimeout  string `yaml:"control_timeout"`
		Discover        bool   `yaml:"discover"`
		DiscoverTimeout string `yaml:"discover_timeout"`
	}{
		Addr:            s.Addr,
		TLS:             s.TLS,
		Path:            s.Path,
		ReconnectDelay:  s.ReconnectDelay.String(),
		ControlTimeout:  s.ControlTimeout.String(),
		Discover:        s.Discover,
		DiscoverTimeout: s.DiscoverTimeout.String(),
	}, nil
}

var sectionComments = map[string]string{
	"server":  "Capture server connection. Leave addr empty to browse for _capture._tcp.",
	"audio":   "Monitor playback. Backends: oto, malgo, none.",
	"meter":   "Level meter animation.",
	"metrics": "Prometheus endpoint, e.g. \":9464\". Empty disables.",
	"logging": "Log level and file.",
	"ui":      "Set tui to false for plain log output on stdout.",
}

// WriteDefault writes the default configuration as commented YAML
func WriteDefault(w io.Writer) error {
	var doc yaml.Node
	if err := doc.Encode(Default()); err != nil {
		return fmt.Errorf("failed to encode defaults: %w", err)
	}

	// doc is a mapping of alternating key and value nodes
	for i := 0; i+1 < len(doc.Content); i += 2 {
		key := doc.Content[i]
		if comment, ok := sectionComments[key.Value]; ok {
			key.HeadComment = comment
		}
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return enc.Close()
}
