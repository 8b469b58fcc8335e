package config

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestBindFlagsDefaults(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	v := viper.New()
	require.NoError(t, BindFlags(flags, v))

	cfg, err := Load(v)
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestBindFlagsOverridesDefault(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	v := viper.New()
	require.NoError(t, BindFlags(flags, v))

	require.NoError(t, flags.Parse([]string{"--session-lease-duration=1m", "--cache-enabled=false"}))

	cfg, err := Load(v)
	require.NoError(t, err)
	require.Equal(t, time.Minute, cfg.Session.LeaseDuration)
	require.False(t, cfg.Cache.Enabled)
}
