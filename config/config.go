// Package config defines the coordination node's external configuration
// surface (spec.md §6), populated via spf13/viper bound to spf13/cobra
// persistent flags (spf13/pflag underneath).
package config

import (
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds every recognized option from spec.md §6 plus the transport
// and storage options needed to stand a reference node up (SPEC_FULL.md
// §10.3). Nested to match viper's dotted-key config sections
// ("session.lease_duration" etc).
type Config struct {
	Session    SessionConfig    `mapstructure:"session"`
	GC         GCConfig         `mapstructure:"gc"`
	Reconnect  ReconnectConfig  `mapstructure:"reconnect"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Transport  TransportConfig  `mapstructure:"transport"`
	Store      StoreConfig      `mapstructure:"store"`
}

type SessionConfig struct {
	LeaseDuration time.Duration `mapstructure:"lease_duration"`
	RenewInterval time.Duration `mapstructure:"renew_interval"`
}

type GCConfig struct {
	MaxSweepInterval time.Duration `mapstructure:"max_sweep_interval"`
}

type ReconnectConfig struct {
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
}

type CacheConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type TransportConfig struct {
	ListenAddress string `mapstructure:"listen_address"`
}

type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// Default matches spec.md §5's stated defaults (lease 10 min, GC max delay
// 10 s, backoff 1 s→12 s).
func Default() Config {
	return Config{
		Session: SessionConfig{
			LeaseDuration: 10 * time.Minute,
			RenewInterval: 5 * time.Minute,
		},
		GC: GCConfig{MaxSweepInterval: 10 * time.Second},
		Reconnect: ReconnectConfig{
			BackoffInitial: time.Second,
			BackoffMax:     12 * time.Second,
		},
		Cache:     CacheConfig{Enabled: true},
		Transport: TransportConfig{ListenAddress: ":2181"},
		Store:     StoreConfig{DataDir: "./data"},
	}
}

// BindFlags registers one persistent flag per recognized option on flags,
// seeded from Default(), and binds each to v under its dotted config key
// so flag > config-file > default precedence (viper's own) applies.
func BindFlags(flags *pflag.FlagSet, v *viper.Viper) error {
	d := Default()

	flags.Duration("session-lease-duration", d.Session.LeaseDuration, "session lease duration")
	flags.Duration("session-renew-interval", d.Session.RenewInterval, "session lease renewal interval")
	flags.Duration("gc-max-sweep-interval", d.GC.MaxSweepInterval, "maximum delay between garbage collector sweeps")
	flags.Duration("reconnect-backoff-initial", d.Reconnect.BackoffInitial, "initial reconnect/retry backoff")
	flags.Duration("reconnect-backoff-max", d.Reconnect.BackoffMax, "maximum reconnect/retry backoff")
	flags.Bool("cache-enabled", d.Cache.Enabled, "enable the facade's client-side read cache")
	flags.String("transport-listen-address", d.Transport.ListenAddress, "address this node's transport listens on")
	flags.String("store-data-dir", d.Store.DataDir, "directory for the backing store and warm-start cache")

	binds := map[string]string{
		"session.lease_duration":   "session-lease-duration",
		"session.renew_interval":   "session-renew-interval",
		"gc.max_sweep_interval":    "gc-max-sweep-interval",
		"reconnect.backoff_initial": "reconnect-backoff-initial",
		"reconnect.backoff_max":    "reconnect-backoff-max",
		"cache.enabled":            "cache-enabled",
		"transport.listen_address": "transport-listen-address",
		"store.data_dir":           "store-data-dir",
	}
	for key, flag := range binds {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return err
		}
	}
	return nil
}

// Load reads v's bound values (flags, optional config file, defaults) into
// a Config.
func Load(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
