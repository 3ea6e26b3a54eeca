// Package config loads the settings of the vphone command from an optional
// .env file, the environment and command line flags, in increasing order of
// precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/arzzra/vphone/pkg/presence"
	"github.com/arzzra/vphone/pkg/rtp"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "VPHONE_"

// Config are the command settings.
type Config struct {
	User        string
	Password    string
	DisplayName string
	Domain      string
	Server      string
	Network     string
	ListenAddr  string
	ContactHost string
	NameServer  string

	MediaAddr   string
	MediaMode   rtp.Mode
	CapturePath string
	RecordPath  string

	Register        bool
	RegisterExpires time.Duration
	KeepAlive       time.Duration
	AutoAnswer      bool
	Call            string
	Duration        time.Duration
	Subscribe       []string
	Presence        presence.Status

	RedisAddr   string
	MetricsAddr string
	LogLevel    slog.Level
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		Network:         "udp",
		ListenAddr:      "0.0.0.0:5060",
		MediaAddr:       "0.0.0.0:0",
		MediaMode:       rtp.ModeEcho,
		Register:        true,
		RegisterExpires: time.Hour,
		LogLevel:        slog.LevelInfo,
	}
}

// Load reads envFile (missing is fine), then the environment, then args.
func Load(envFile string, args []string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	cfg := Default()
	if err := cfg.fromEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.fromFlags(args); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) fromEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}

	str("USER", &c.User)
	str("PASSWORD", &c.Password)
	str("DISPLAY_NAME", &c.DisplayName)
	str("DOMAIN", &c.Domain)
	str("SERVER", &c.Server)
	str("NETWORK", &c.Network)
	str("LISTEN", &c.ListenAddr)
	str("CONTACT_HOST", &c.ContactHost)
	str("NAMESERVER", &c.NameServer)
	str("MEDIA_ADDR", &c.MediaAddr)
	str("CAPTURE", &c.CapturePath)
	str("RECORD", &c.RecordPath)
	str("CALL", &c.Call)
	str("REDIS_ADDR", &c.RedisAddr)
	str("METRICS_ADDR", &c.MetricsAddr)
	boolean("REGISTER", &c.Register)
	boolean("AUTO_ANSWER", &c.AutoAnswer)
	duration("REGISTER_EXPIRES", &c.RegisterExpires)
	duration("KEEPALIVE", &c.KeepAlive)
	duration("DURATION", &c.Duration)

	if v, ok := lookup(EnvPrefix + "MEDIA_MODE"); ok {
		m, err := rtp.ParseMode(v)
		if err != nil {
			errs = append(errs, err)
		}
		c.MediaMode = m
	}
	if v, ok := lookup(EnvPrefix + "SUBSCRIBE"); ok {
		c.Subscribe = splitList(v)
	}
	if v, ok := lookup(EnvPrefix + "PRESENCE"); ok {
		c.Presence = presence.ParseStatus(v)
	}
	if v, ok := lookup(EnvPrefix + "LOG_LEVEL"); ok {
		if err := c.LogLevel.UnmarshalText([]byte(v)); err != nil {
			errs = append(errs, fmt.Errorf("%sLOG_LEVEL: %w", EnvPrefix, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Config) fromFlags(args []string) error {
	set := flag.NewFlagSet("vphone", flag.ContinueOnError)
	set.StringVar(&c.User, "user", c.User, "SIP user")
	set.StringVar(&c.Password, "password", c.Password, "digest password")
	set.StringVar(&c.DisplayName, "display-name", c.DisplayName, "display name in From")
	set.StringVar(&c.Domain, "domain", c.Domain, "AOR domain (default: server host)")
	set.StringVar(&c.Server, "server", c.Server, "registrar and outbound proxy, host:port or SIP URI")
	set.StringVar(&c.Network, "network", c.Network, "signaling transport: udp, tcp or tls")
	set.StringVar(&c.ListenAddr, "listen", c.ListenAddr, "signaling listen address")
	set.StringVar(&c.ContactHost, "contact-host", c.ContactHost, "host advertised in Contact and Via")
	set.StringVar(&c.NameServer, "nameserver", c.NameServer, "DNS server for SRV lookups (default: resolv.conf)")
	set.StringVar(&c.MediaAddr, "media-addr", c.MediaAddr, "RTP bind address, port 0 picks a free pair")
	set.StringVar(&c.CapturePath, "capture", c.CapturePath, "pcap file played in replay mode")
	set.StringVar(&c.RecordPath, "record", c.RecordPath, "pcap file written in record mode")
	set.BoolVar(&c.Register, "register", c.Register, "register on start when a server is set")
	set.DurationVar(&c.RegisterExpires, "register-expires", c.RegisterExpires, "requested registration interval")
	set.DurationVar(&c.KeepAlive, "keepalive", c.KeepAlive, "OPTIONS keep-alive interval, 0 disables")
	set.BoolVar(&c.AutoAnswer, "auto-answer", c.AutoAnswer, "answer incoming calls")
	set.StringVar(&c.Call, "call", c.Call, "call this target after start")
	set.DurationVar(&c.Duration, "duration", c.Duration, "hang up the outgoing call after this long, 0 keeps it")
	set.StringVar(&c.RedisAddr, "redis", c.RedisAddr, "Redis address of the shared identity registry")
	set.StringVar(&c.MetricsAddr, "metrics", c.MetricsAddr, "address of the Prometheus endpoint, empty disables")
	set.TextVar(&c.LogLevel, "log-level", c.LogLevel, "log level: debug, info, warn or error")
	set.Func("media-mode", "media mode: echo, replay, passive or record", func(v string) error {
		m, err := rtp.ParseMode(v)
		c.MediaMode = m
		return err
	})
	set.Func("subscribe", "comma separated presence targets", func(v string) error {
		c.Subscribe = append(c.Subscribe, splitList(v)...)
		return nil
	})
	set.Func("presence", "status to publish after start", func(v string) error {
		c.Presence = presence.ParseStatus(v)
		return nil
	})
	return set.Parse(args)
}

// Validate checks what the endpoint config cannot check by itself.
func (c Config) Validate() error {
	if c.User == "" {
		return errors.New("user is required")
	}
	switch c.Network {
	case "udp", "tcp", "tls":
	default:
		return fmt.Errorf("unsupported network %q", c.Network)
	}
	if c.MediaMode == rtp.ModeReplay && c.CapturePath == "" {
		return errors.New("replay mode needs a capture file")
	}
	if c.MediaMode == rtp.ModeRecord && c.RecordPath == "" {
		return errors.New("record mode needs a record file")
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
