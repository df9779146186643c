package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/zerotier/ZeroTierOne-sub073/internal/config"
	"github.com/zerotier/ZeroTierOne-sub073/internal/log"
	"github.com/zerotier/ZeroTierOne-sub073/internal/metrics"
	"github.com/zerotier/ZeroTierOne-sub073/vl1"
	"github.com/zerotier/ZeroTierOne-sub073/vl1/discovery"
	"github.com/zerotier/ZeroTierOne-sub073/vl1/discovery/file"
	"github.com/zerotier/ZeroTierOne-sub073/vl1/discovery/memory"
	"github.com/zerotier/ZeroTierOne-sub073/vl1/identity"
	"github.com/zerotier/ZeroTierOne-sub073/vl1/protocol"
	"github.com/zerotier/ZeroTierOne-sub073/vl1/ratelimit"
	"github.com/zerotier/ZeroTierOne-sub073/vl1/session"
	"github.com/zerotier/ZeroTierOne-sub073/vl1/transport/quic"
	"github.com/zerotier/ZeroTierOne-sub073/vl1/transport/udp"
	"github.com/zerotier/ZeroTierOne-sub073/vl1/whois"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a node until interrupted",
	Long: `Run a node with the configured transport, roots and metrics endpoint.

Examples:
  vl1node run                       # Use vl1node.yml in the working directory
  vl1node run -c /etc/vl1node.yml   # Use an explicit config file`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		logger, err := log.Setup(cfg.Log)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return run(ctx, cfg, logger)
	},
}

func run(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	n, err := buildNode(cfg, logger)
	if err != nil {
		return err
	}
	defer n.Close()

	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path, logger)
		if err := srv.Start(ctx); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Stop(shutdownCtx); err != nil {
				logger.WithError(err).Warn("metrics server shutdown")
			}
		}()
	}

	logger.WithFields(logrus.Fields{
		"address":   n.Address().String(),
		"transport": cfg.Node.Transport,
		"listen":    cfg.Node.Listen,
		"roots":     len(cfg.Roots),
	}).Info("node started")
	err = n.Run(ctx)
	logger.Info("node stopped")
	return err
}

func buildNode(cfg *config.Config, logger *logrus.Logger) (*vl1.Node, error) {
	id, created, err := loadOrCreateIdentity(cfg.Node.IdentityPath)
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}
	if created {
		logger.WithField("path", cfg.Node.IdentityPath).Info("generated new identity")
	}

	var store discovery.Store = memory.New()
	if cfg.Node.StorePath != "" {
		fs, err := file.Open(cfg.Node.StorePath)
		if err != nil {
			return nil, fmt.Errorf("endpoint store: %w", err)
		}
		store = fs
	}

	roots := make([]vl1.Root, 0, len(cfg.Roots))
	for _, rc := range cfg.Roots {
		r, err := rc.Parse()
		if err != nil {
			return nil, err
		}
		roots = append(roots, vl1.Root{Identity: r.Identity, Endpoint: r.Endpoint})
	}

	var tr vl1.Transport
	switch cfg.Node.Transport {
	case discovery.NetworkQUIC:
		tr, err = quic.Listen(cfg.Node.Listen, id, logger)
	default:
		tr, err = udp.Listen(cfg.Node.Listen, cfg.Node.MTU)
	}
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}

	userLog := logger.WithField("component", "user_message")
	n, err := vl1.New(vl1.Config{
		Identity:  id,
		Transport: tr,
		Roots:     roots,
		Store:     store,
		Whois: whois.Config{
			RetryInterval:     config.Ticks(cfg.Whois.RetryInterval),
			RetryMax:          cfg.Whois.RetryMax,
			MaxWaitingPackets: cfg.Whois.MaxWaitingPackets,
		},
		WhoisRateLimit: ratelimit.Config{
			Max:    cfg.Whois.RateLimit,
			Window: config.Ticks(cfg.Whois.RateWindow),
		},
		MaxInFlight:     cfg.Defrag.MaxInFlight,
		FragmentTimeout: config.Ticks(cfg.Defrag.Timeout),
		Session: session.Config{
			MaxKeyUses:       cfg.Session.MaxKeyUses,
			RekeyAfterUses:   cfg.Session.RekeyAfterUses,
			OffersPerWindow:  cfg.Session.OffersPerWindow,
			Window:           config.Ticks(cfg.Session.Window),
			HandshakeTimeout: config.Ticks(cfg.Session.HandshakeTimeout),
			IdleTimeout:      config.Ticks(cfg.Session.IdleTimeout),
		},
		LegacyCipher:  cfg.Node.LegacyCipher,
		HelloInterval: config.Ticks(cfg.Node.HelloInterval),
		TickInterval:  cfg.Node.TickInterval,
		Log:           logger,
		OnUserMessage: func(from identity.Address, m protocol.UserMessage) {
			userLog.WithFields(logrus.Fields{
				"from": from.String(),
				"type": m.Type,
				"size": len(m.Data),
			}).Info("user message")
		},
	})
	if err != nil {
		tr.Close()
		return nil, err
	}
	return n, nil
}
