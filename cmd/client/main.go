package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/zllovesuki/chanmux/connect"
	"github.com/zllovesuki/chanmux/internal/cli"
	"github.com/zllovesuki/chanmux/service"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var Version = "dev"

var (
	configPath string
	serverAddr string
	timeout    time.Duration
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:          "chanmux-client [words...]",
	Short:        "Send words to a chanmux server and print the replies",
	Version:      Version,
	Args:         cobra.MinimumNArgs(1),
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a yaml or toml config file")
	rootCmd.Flags().StringVarP(&serverAddr, "server", "s", "", "server address, overrides the config file")
	rootCmd.Flags().DurationVarP(&timeout, "timeout", "t", 10*time.Second, "give up after this long")
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
	if serverAddr != "" {
		bundle.Addr = serverAddr
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
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", bundle.Addr)
	if err != nil {
		return fmt.Errorf("dialing server: %w", err)
	}
	defer nc.Close()

	conn, tx, rx, err := connect.IOBuffered[service.Request, string](ctx, cfg, nc, nc, bundle.Buffer)
	if err != nil {
		return err
	}
	defer conn.Close()

	banner, ok, err := rx.Recv(ctx)
	if err != nil {
		return fmt.Errorf("receiving banner: %w", err)
	}
	if ok {
		logger.Debug("connected", zap.String("banner", banner))
	}

	replies, err := service.Call(ctx, tx, strings.Join(args, " "))
	if err != nil {
		return err
	}
	for _, r := range replies {
		fmt.Fprintln(cmd.OutOrStdout(), r)
	}
	tx.Close()
	return nil
}
