package command

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"farcall/config"
)

var cfgFile string

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "farcall",
		Short:         "farcall RPC server and client tooling",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.Init(cfgFile)
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default farcall.yaml in . or /etc/farcall)")
	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newCallCommand())
	return cmd
}

func Execute() error {
	return newRootCommand().Execute()
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
