// Command coordnode runs a single coordination node: the backing store,
// session manager, lock manager, exchange transport, coordination facade,
// and garbage collector, all wired together per SPEC_FULL.md §10.5.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nimbusdb/coord/common/logging"
	"github.com/nimbusdb/coord/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var (
		devLogging bool
		configFile string
		peers      []string
	)

	root := &cobra.Command{
		Use:   "coordnode",
		Short: "A single node of the distributed coordination service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := logging.SetDevelopment(devLogging); err != nil {
				return err
			}
			if configFile != "" {
				v.SetConfigFile(configFile)
				if err := v.ReadInConfig(); err != nil {
					return fmt.Errorf("reading config file: %w", err)
				}
			}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.BoolVar(&devLogging, "log-dev", false, "use human-readable console logging instead of JSON")
	flags.StringVar(&configFile, "config", "", "path to a YAML/TOML/JSON config file")
	flags.StringSliceVar(&peers, "peer", nil, "address of a peer node to broadcast lock-release messages to (repeatable)")
	if err := config.BindFlags(flags, v); err != nil {
		panic(err)
	}

	root.AddCommand(newServeCmd(v, &peers))
	root.AddCommand(newStatusCmd(v))
	return root
}

