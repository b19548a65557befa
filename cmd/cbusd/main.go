// Command cbusd bridges a Clipsal C-Bus PCI/CNI to an MQTT broker using
// Home Assistant's discovery convention.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/mitchell-johnson/cbus/internal/cbus/session"
	"github.com/mitchell-johnson/cbus/internal/cbus/throttle"
	"github.com/mitchell-johnson/cbus/internal/config"
	"github.com/mitchell-johnson/cbus/internal/gateway"
	"github.com/mitchell-johnson/cbus/internal/metrics"
	"github.com/mitchell-johnson/cbus/internal/supervisor"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Parse(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if err := cfg.ValidateVerbosity(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	logger, err := cfg.Logger()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	tlsCfg, err := cfg.TLSConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.PCITCPAddr == "" {
		fmt.Fprintln(os.Stderr, "cbusd: --serial is not supported by this build; use --tcp")
		return 2
	}
	conn, err := net.Dial("tcp", cfg.PCITCPAddr)
	if err != nil {
		logger.Printf("cbusd: error: connecting to PCI at %s: %v", cfg.PCITCPAddr, err)
		return 1
	}
	defer conn.Close()

	stat := metrics.New()

	thr := throttle.New(ctx, throttle.WithStat(stat))

	sess := session.New(conn, session.Callbacks{}, session.Options{
		HandleClockRequests: cfg.HandleClockRequests,
		TimesyncInterval:    cfg.TimesyncInterval,
		Logger:              logger,
		Stat:                stat,
	})

	gw := gateway.New(gateway.Config{
		BrokerAddress:        cfg.BrokerAddress,
		BrokerPort:           cfg.BrokerPort,
		Keepalive:            cfg.BrokerKeepalive,
		Username:             cfg.BrokerUsername,
		Password:             cfg.BrokerPassword,
		TLS:                  tlsCfg,
		Labels:               cfg.Labels,
		StatusResyncInterval: cfg.StatusResyncInterval,
		Stat:                 stat,
	}, sess, thr, logger)

	sess.SetCallbacks(gw.Callbacks())

	sup := supervisor.New(sess, thr, gw, stat, cfg.MetricsAddr, logger)

	if err := sup.Run(ctx); err != nil {
		logger.Printf("cbusd: error: %v", err)
		return 1
	}
	return 0
}
