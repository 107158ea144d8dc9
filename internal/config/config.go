package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode      string          `mapstructure:"mode"`
	Port      int             `mapstructure:"port"`
	LogLevel  string          `mapstructure:"log_level"`
	API       APIConfig       `mapstructure:"api"`
	Signaling SignalingConfig `mapstructure:"signaling"`
	Media     MediaConfig     `mapstructure:"media"`
	Voice     VoiceConfig     `mapstructure:"voice"`
	RTC       RTCConfig       `mapstructure:"rtc"`
	Control   ControlConfig   `mapstructure:"control"`
}

// APIConfig points at the chat platform REST API.
type APIConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	Token    string        `mapstructure:"token"`
	Bot      bool          `mapstructure:"bot"`
	Email    string        `mapstructure:"email"`
	Password string        `mapstructure:"password"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type SignalingConfig struct {
	URL            string          `mapstructure:"url"`
	ReadLimit      int64           `mapstructure:"read_limit"`
	PingPeriod     time.Duration   `mapstructure:"ping_period"`
	WriteWait      time.Duration   `mapstructure:"write_wait"`
	RequestTimeout time.Duration   `mapstructure:"request_timeout"`
	Reconnect      ReconnectConfig `mapstructure:"reconnect"`
}

type ReconnectConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
}

type MediaConfig struct {
	FFmpegPath  string        `mapstructure:"ffmpeg_path"`
	Output      string        `mapstructure:"output"`
	InputFormat string        `mapstructure:"input_format"`
	ReadNative  bool          `mapstructure:"read_native"`
	Bias        time.Duration `mapstructure:"bias"`
	SettleDelay time.Duration `mapstructure:"settle_delay"`
	ExitGrace   time.Duration `mapstructure:"exit_grace"`
	Volume      float64       `mapstructure:"volume"`
	// MaxRetainedBytes caps the input kept for seeking. Zero keeps all of it.
	MaxRetainedBytes int `mapstructure:"max_retained_bytes"`
}

type VoiceConfig struct {
	AutoLeave    time.Duration `mapstructure:"auto_leave"`
	ReadyTimeout time.Duration `mapstructure:"ready_timeout"`
}

type RTCConfig struct {
	STUNServers []string `mapstructure:"stun_servers"`
	Bitrate     int      `mapstructure:"bitrate"`
}

// ControlConfig tunes the local control plane.
type ControlConfig struct {
	RateLimit    int           `mapstructure:"rate_limit"`
	RateInterval time.Duration `mapstructure:"rate_interval"`
}

func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

// LoadFile reads fileName on top of the defaults. A missing file is not an error.
func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("revoice")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("api", cfg.API.BaseURL).
		Str("output", cfg.Media.Output).
		Msg("config ready")
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")

	v.SetDefault("api.base_url", "https://api.revolt.chat")
	v.SetDefault("api.token", "")
	v.SetDefault("api.bot", true)
	v.SetDefault("api.email", "")
	v.SetDefault("api.password", "")
	v.SetDefault("api.timeout", "10s")

	v.SetDefault("signaling.url", "wss://vortex.revolt.chat")
	v.SetDefault("signaling.read_limit", 1<<20)
	v.SetDefault("signaling.ping_period", "30s")
	v.SetDefault("signaling.write_wait", "5s")
	v.SetDefault("signaling.request_timeout", "15s")
	v.SetDefault("signaling.reconnect.enabled", false)
	v.SetDefault("signaling.reconnect.initial_delay", "1s")
	v.SetDefault("signaling.reconnect.max_delay", "30s")
	v.SetDefault("signaling.reconnect.max_attempts", 5)

	v.SetDefault("media.ffmpeg_path", "ffmpeg")
	v.SetDefault("media.output", "pcm")
	v.SetDefault("media.input_format", "")
	v.SetDefault("media.read_native", true)
	v.SetDefault("media.bias", "1ms")
	v.SetDefault("media.settle_delay", "100ms")
	v.SetDefault("media.exit_grace", "1s")
	v.SetDefault("media.volume", 1.0)
	v.SetDefault("media.max_retained_bytes", 64<<20)

	v.SetDefault("voice.auto_leave", "0s")
	v.SetDefault("voice.ready_timeout", "20s")

	v.SetDefault("rtc.stun_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("rtc.bitrate", 64000)

	v.SetDefault("control.rate_limit", 5)
	v.SetDefault("control.rate_interval", "10s")
}

func (c *Config) validate() error {
	switch c.Media.Output {
	case "pcm", "opus":
	default:
		return fmt.Errorf("media.output must be pcm or opus, got %q", c.Media.Output)
	}
	if c.Media.Volume < 0 || c.Media.Volume > 1 {
		return fmt.Errorf("media.volume must be within [0,1], got %v", c.Media.Volume)
	}
	if c.Media.MaxRetainedBytes < 0 {
		return fmt.Errorf("media.max_retained_bytes must not be negative")
	}
	if c.Signaling.Reconnect.Enabled && c.Signaling.Reconnect.InitialDelay <= 0 {
		return fmt.Errorf("signaling.reconnect.initial_delay must be positive")
	}
	return nil
}
