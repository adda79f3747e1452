// Command utp runs a uTP endpoint: either the server role (binds and
// accepts connections) or the client role (dials out), each exposing a
// SOCKS5 relay and/or UDP port-forward rules over the resulting tunnel.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"utp/internal/app"
	"utp/internal/conf"
	"utp/internal/flog"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "utp",
		Short: "Tunnel TCP/UDP traffic over a uTP connection multiplexer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "utp.yaml", "path to the YAML config file")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := conf.LoadFromFile(configPath)
	if err != nil {
		return err
	}

	flog.SetLevel(logLevel(cfg.Log.Level))
	defer flog.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.Role == "server" {
		srv, err := app.NewServer(cfg)
		if err != nil {
			return err
		}
		flog.Infof("utp: server listening on %s", cfg.Listen)
		return srv.Start(ctx)
	}

	cl, err := app.NewClient(ctx, cfg)
	if err != nil {
		return err
	}
	flog.Infof("utp: client connected to %s", cfg.Server)
	return cl.Start(ctx)
}

func logLevel(s string) int {
	switch s {
	case "debug":
		return int(flog.Debug)
	case "warn":
		return int(flog.Warn)
	case "error":
		return int(flog.Error)
	case "none":
		return int(flog.None)
	default:
		return int(flog.Info)
	}
}
