package main

import (
	"fmt"
	"os"

	"github.com/astro-monitor/backend/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var version = "dev"

type options struct {
	configPath string
	port       int
	mock       bool
}

func (o *options) addFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&o.configPath, "config", "c", "config.yaml", "Path to config file")
	fs.IntVarP(&o.port, "port", "p", 0, "Override server port")
	fs.BoolVar(&o.mock, "mock", false, "Simulate the automation tool instead of connecting to it")
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "astro-monitor",
		Short:         "Live session monitor for an observatory automation tool",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	opts.addFlags(root.PersistentFlags())

	root.AddCommand(newSnapshotCmd(opts), newTokenCmd())
	return root
}

func newTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Print a random value for server.auth_token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tok, err := config.GenerateToken()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
