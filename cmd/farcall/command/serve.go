package command

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"farcall/config"
	"farcall/discovery"
	"farcall/message"
	"farcall/middleware"
	"farcall/registry"
	"farcall/server"
	"farcall/stub"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a farcall server from config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServer()
			if err != nil {
				return err
			}

			log, err := newLogger(viper.GetBool("debug"))
			if err != nil {
				return err
			}
			defer log.Sync()

			reg := registry.New()
			// Built-in liveness probe; applications register their own
			// functions before calling Start.
			stub.Export(reg, message.NewKey("ping", "farcall"), func() string {
				return "pong"
			})

			svr := server.New(reg, log)
			svr.Use(middleware.LoggingMiddleware(log))
			if cfg.Timeout > 0 {
				svr.Use(middleware.TimeoutMiddleware(cfg.Timeout))
			}
			if cfg.RateLimit > 0 {
				svr.Use(middleware.RateLimitMiddleware(cfg.RateLimit, cfg.RateBurst))
			}

			if len(cfg.Etcd) > 0 {
				ann, err := discovery.New(cfg.Etcd, log)
				if err != nil {
					return err
				}
				defer ann.Close()
				svr.Announce(ann, cfg.Service, cfg.Advertise)
			}

			addr, err := svr.Start(cfg.Listen)
			if err != nil {
				return err
			}
			log.Info("serving", zap.Stringer("addr", addr))

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
			sig := <-quit
			log.Info("shutting down", zap.Stringer("signal", sig))

			// Give attached clients a window to disconnect, then cut them off.
			done := make(chan struct{})
			go func() {
				svr.Stop(false)
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(10 * time.Second):
				log.Warn("graceful stop timed out, forcing")
				svr.Stop(true)
				<-done
			}
			return nil
		},
	}
	return cmd
}
