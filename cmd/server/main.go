package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/zllovesuki/chanmux/connect"
	"github.com/zllovesuki/chanmux/internal/cli"
	"github.com/zllovesuki/chanmux/profiler"
	"github.com/zllovesuki/chanmux/service"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var Version = "dev"

var (
	configPath string
	listenAddr string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:          "chanmux-server",
	Short:        "Serve upper-case words over multiplexed channels",
	Version:      Version,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a yaml or toml config file")
	rootCmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "listen address, overrides the config file")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "verbose logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	bundle, err := cli.Load(configPath)
	if err != nil {
		return err
	}
	if listenAddr != "" {
		bundle.Addr = listenAddr
	}
	if debug {
		bundle.Debug = true
	}

	logger, undo, err := cli.NewLogger(bundle.Debug)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer undo()
	defer logger.Sync()

	cfg, err := bundle.Connect(logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if bundle.Profiler != "" {
		go func() {
			logger.Info("profiler listening", zap.String("addr", bundle.Profiler))
			if err := profiler.StartProfiler(bundle.Profiler); err != nil {
				logger.Error("profiler stopped", zap.Error(err))
			}
		}()
	}

	listener, err := cli.Listen(ctx, bundle.Addr)
	if err != nil {
		return fmt.Errorf("listening: %w", err)
	}
	defer listener.Close()
	logger.Info("server listening", zap.String("addr", listener.Addr().String()), zap.String("version", Version))

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("server stopped")
				return nil
			}
			return fmt.Errorf("accepting connection: %w", err)
		}
		go serveConn(ctx, cfg, conn, logger.With(zap.String("remote", conn.RemoteAddr().String())))
	}
}

func serveConn(ctx context.Context, cfg connect.Config, conn net.Conn, logger *zap.Logger) {
	defer conn.Close()

	c, tx, rx, err := connect.Conn[string, service.Request](ctx, cfg, conn)
	if err != nil {
		logger.Warn("connection setup failed", zap.Error(err))
		return
	}
	defer c.Close()

	if err := tx.Send(ctx, "chanmux "+Version); err != nil {
		logger.Warn("sending banner", zap.Error(err))
	}
	tx.Close()

	if err := service.Serve(ctx, rx, logger); err != nil {
		logger.Warn("serving requests", zap.Error(err))
	}
	rx.Close()
	logger.Debug("connection finished")
}
