package command

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"farcall/client"
	"farcall/config"
	"farcall/discovery"
	"farcall/message"
)

// newCallCommand performs a one-shot call: farcall call ns/subns.name 1 '"a"'.
// Arguments are JSON literals. The target comes from --addr, the client
// config, or discovery when only a service name is configured.
func newCallCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "call <key> [args...]",
		Short: "Invoke a remote function once and print the result",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadClient()
			if err != nil {
				cfg = &config.ClientConfig{}
			}
			if addr != "" {
				cfg.Addr = addr
			}

			log, err := newLogger(viper.GetBool("debug"))
			if err != nil {
				return err
			}
			defer log.Sync()

			if cfg.Addr == "" {
				if len(cfg.Etcd) == 0 || cfg.Service == "" {
					return errors.New("no server address: set --addr, client.addr, or client.etcd + client.service")
				}
				disc, err := discovery.New(cfg.Etcd, log)
				if err != nil {
					return err
				}
				defer disc.Close()
				ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
				defer cancel()
				if cfg.Addr, err = disc.Resolve(ctx, cfg.Service); err != nil {
					return err
				}
			}

			key, err := parseKey(args[0])
			if err != nil {
				return err
			}
			callArgs, err := parseArgs(args[1:])
			if err != nil {
				return err
			}

			ct, err := config.CodecType(cfg.Codec)
			if err != nil {
				return err
			}
			conn := client.New(ct, log)
			if cfg.ConnectTimeout > 0 {
				conn.SetConnectTimeout(cfg.ConnectTimeout)
			}
			if err := conn.Connect(cfg.Addr); err != nil {
				return err
			}
			defer conn.Disconnect()

			result, err := conn.Call(key, callArgs...)
			if err != nil {
				return errors.Errorf("%+v", err)
			}
			out, err := json.Marshal(result)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "server address, host:port")
	return cmd
}

// parseKey reads "ns/subns.name" (namespace optional) into a Key.
func parseKey(s string) (message.Key, error) {
	dot := strings.LastIndex(s, ".")
	if dot == -1 {
		if s == "" {
			return message.Key{}, errors.New("empty function key")
		}
		return message.NewKey(s), nil
	}
	name := s[dot+1:]
	if name == "" {
		return message.Key{}, errors.Errorf("function key %q has no name", s)
	}
	return message.NewKey(name, strings.Split(s[:dot], "/")...), nil
}

// parseArgs treats each argument as a JSON literal, falling back to a plain
// string so `farcall call demo.greet world` works without quoting.
func parseArgs(raw []string) ([]any, error) {
	args := make([]any, 0, len(raw))
	for _, r := range raw {
		var v any
		if err := json.Unmarshal([]byte(r), &v); err != nil {
			v = r
		}
		args = append(args, v)
	}
	return args, nil
}
