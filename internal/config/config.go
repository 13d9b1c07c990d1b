// Package config loads the daemon's tunables from flags, environment
// variables, and an optional config file, in that order of precedence,
// using viper. Only the retransmission knobs, the ports and the log format
// are configurable; the wire protocol itself is fixed by package wire.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Defaults match spec.md exactly: two daemons must agree on ports to talk
// to each other, so these only change in tests.
const (
	DefaultPeerPort   = 7777
	DefaultClientPort = 7778
	DefaultDropRate   = 0.25
	DefaultRetries    = 3
	DefaultTimeout    = 5 * time.Second
	DefaultLogFormat  = "text"
)

// Config holds every daemon-wide tunable.
type Config struct {
	Host       string
	PeerPort   int
	ClientPort int
	DropRate   float64
	Retries    int
	Timeout    time.Duration
	LogFormat  string
}

// BindFlags registers the daemon's flags on fs with their defaults. Call
// once per cobra command.
func BindFlags(fs *pflag.FlagSet) {
	fs.Int("peer-port", DefaultPeerPort, "UDP port for peer-to-peer datagrams")
	fs.Int("client-port", DefaultClientPort, "TCP port for the local client control channel")
	fs.Float64("drop-rate", DefaultDropRate, "probability of simulating loss of an outbound datagram on any given attempt")
	fs.Int("retries", DefaultRetries, "number of send attempts before a reliable send times out")
	fs.Duration("timeout", DefaultTimeout, "per-attempt wait for an ACK before retrying")
	fs.String("log-format", DefaultLogFormat, `log output format: "text" or "json"`)
}

// Load layers flags over SIMPD_* environment variables over an optional
// simpd.yaml over the built-in defaults, and returns the resolved Config
// for the given host.
func Load(host string, fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SIMPD")
	v.AutomaticEnv()
	v.SetConfigName("simpd")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetDefault("peer-port", DefaultPeerPort)
	v.SetDefault("client-port", DefaultClientPort)
	v.SetDefault("drop-rate", DefaultDropRate)
	v.SetDefault("retries", DefaultRetries)
	v.SetDefault("timeout", DefaultTimeout)
	v.SetDefault("log-format", DefaultLogFormat)

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return Config{}, fmt.Errorf("config: reading simpd.yaml: %w", err)
		}
	}

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return Config{}, fmt.Errorf("config: binding flags: %w", err)
		}
	}

	if host == "" {
		return Config{}, fmt.Errorf("config: host must not be empty")
	}

	cfg := Config{
		Host:       host,
		PeerPort:   v.GetInt("peer-port"),
		ClientPort: v.GetInt("client-port"),
		DropRate:   v.GetFloat64("drop-rate"),
		Retries:    v.GetInt("retries"),
		Timeout:    v.GetDuration("timeout"),
		LogFormat:  v.GetString("log-format"),
	}
	if cfg.DropRate < 0 || cfg.DropRate >= 1 {
		return Config{}, fmt.Errorf("config: drop-rate must be in [0, 1), got %v", cfg.DropRate)
	}
	if cfg.Retries < 1 {
		return Config{}, fmt.Errorf("config: retries must be at least 1, got %d", cfg.Retries)
	}
	return cfg, nil
}
