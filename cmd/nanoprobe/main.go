// SPDX-FileCopyrightText: © 2024 Assimilation Project Contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Command nanoprobe runs one node of the nanoprobe network: it binds its
// UDP transport, loads its key material and persisted session state,
// performs the startup handshake with the CMA, and serves heartbeats,
// discovery, and obey-commands until signalled to shut down (spec.md §4.10,
// §6).
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/assimilation-project/nanoprobe/core/config"
	"github.com/assimilation-project/nanoprobe/core/discovery"
	"github.com/assimilation-project/nanoprobe/core/fsprotocol"
	"github.com/assimilation-project/nanoprobe/core/heartbeat"
	"github.com/assimilation-project/nanoprobe/core/keystore"
	"github.com/assimilation-project/nanoprobe/core/log"
	"github.com/assimilation-project/nanoprobe/core/metrics"
	"github.com/assimilation-project/nanoprobe/core/netaddr"
	"github.com/assimilation-project/nanoprobe/core/netio"
	"github.com/assimilation-project/nanoprobe/core/statestore"
	"github.com/assimilation-project/nanoprobe/core/wire/decoder"
	"github.com/assimilation-project/nanoprobe/core/wire/frame"
	"github.com/assimilation-project/nanoprobe/core/wire/frameset"
	"github.com/assimilation-project/nanoprobe/nanoprobe"
)

func main() {
	var configPath string
	var statePassphraseEnv string
	var shutdownTimeout time.Duration
	flag.StringVar(&configPath, "config", "/etc/nanoprobe/nanoprobe.conf", "nanoprobe TOML configuration file")
	flag.StringVar(&statePassphraseEnv, "state-passphrase-env", "NANOPROBE_STATE_PASSPHRASE", "environment variable holding the statefile encryption passphrase")
	flag.DurationVar(&shutdownTimeout, "shutdown-timeout", 5*time.Second, "time to wait for a graceful HBSHUTDOWN ACK before exiting non-zero")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nanoprobe: %v\n", err)
		os.Exit(1)
	}

	logger := log.New("nanoprobe", cfg.Node.LogLevel)

	rendezvous, err := parseAddr(cfg.CMA.RendezvousAddr)
	if err != nil {
		logger.Error("invalid cma.rendezvous_addr", "err", err)
		os.Exit(1)
	}

	ks := keystore.New(cfg.Keys.Dir)
	if cfg.Keys.DefaultSignKeyID != "" {
		if err := ks.LoadBoxKeyPairFiles(cfg.Keys.DefaultSignKeyID); err != nil {
			logger.Warn("could not load default signing keypair, generating one", "keyID", cfg.Keys.DefaultSignKeyID, "err", err)
			if err := ks.GenerateAndSaveBoxKeyPair(cfg.Keys.DefaultSignKeyID); err != nil {
				logger.Error("failed to generate keypair", "err", err)
				os.Exit(1)
			}
		}
		ks.SetDefaultSignKeyID(cfg.Keys.DefaultSignKeyID)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg, "nanoprobe")

	dec := decoder.New(ks, ks, m)
	n, err := netio.New(cfg.Net.BindAddr, netio.BindOptions{
		FallbackToEphemeral: cfg.Net.BindFallbackEphemeral,
	}, dec, m, logger)
	if err != nil {
		logger.Error("failed to bind UDP transport", "addr", cfg.Net.BindAddr, "err", err)
		os.Exit(1)
	}
	defer n.Close()

	if cfg.Net.McastGroup != "" {
		group := net.ParseIP(cfg.Net.McastGroup)
		if group == nil {
			logger.Error("invalid net.mcast_group", "group", cfg.Net.McastGroup)
			os.Exit(1)
		}
		var ifi *net.Interface
		if cfg.Net.McastInterface != "" {
			ifi, err = net.InterfaceByName(cfg.Net.McastInterface)
			if err != nil {
				logger.Error("invalid net.mcast_interface", "name", cfg.Net.McastInterface, "err", err)
				os.Exit(1)
			}
		}
		if err := n.JoinMulticast(group, ifi); err != nil {
			logger.Error("failed to join multicast group", "group", cfg.Net.McastGroup, "err", err)
			os.Exit(1)
		}
	}

	statePath := filepath.Join(cfg.Keys.Dir, "session.state")
	passphrase := []byte(os.Getenv(statePassphraseEnv))
	stateWriter, state, err := statestore.Load(logger, statePath, passphrase)
	if err != nil {
		logger.Error("failed to load persisted session state", "err", err)
		os.Exit(1)
	}
	stateWriter.Start()
	defer stateWriter.Halt()

	envelope := func(dest netaddr.NetAddr) frameset.Envelope {
		return frameset.Envelope{Sign: ks.Sign}
	}

	proto := fsprotocol.New(n, envelope, fsprotocol.Config{
		WindowSize:     cfg.Net.WindowSize,
		RexmitInterval: cfg.Net.RexmitInterval.Duration(),
		MaxQueueLen:    cfg.Net.MaxQueueLen,
	}, m, logger)
	// The persisted state is loaded and its writer started, but its
	// SessionIDByQueue values are not applied: fsprotocol creates queues
	// lazily and has no hook for seeding their session ids, so every queue
	// starts with session id 0.
	_ = state

	hbListener := heartbeat.NewHbListener(m, logger)

	orch := nanoprobe.New(cfg.Node.Hostname, rendezvous, logger)
	orch.Protocol = proto
	orch.HbListener = hbListener

	proto.Deliver = func(src netaddr.NetAddr, qid uint16, fs *frameset.FrameSet) {
		proto.Ack(src, qid, fs)
		orch.ObeyCommand(src, fs)
	}

	discoverySender := func(fs *frameset.FrameSet) error {
		err := proto.SendUnsequenced(orch.RendezvousAddr, fs)
		if err == nil {
			if len(fs.Frames) > 0 {
				if raw, ok := fs.Frames[len(fs.Frames)-1].(*frame.ByteStringFrame); ok {
					orch.RecordInitialDiscovery(raw.Value)
				}
			}
		}
		return err
	}
	orch.Dispatcher = discovery.New(cfg.Node.Hostname, discoverySender, 30*time.Second, logger)
	orch.Dispatcher.AddSource(discovery.NewARPSource(cfg.Net.McastInterface))

	proto.Run()
	hbListener.Run()
	orch.Dispatcher.Run()

	orch.Start()

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Warn("sd_notify READY failed", "err", err)
	} else if sent {
		logger.Info("notified systemd: ready")
	}

	watchdogTicker := startWatchdogPetting(logger)
	defer watchdogTicker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err := orch.Shutdown(shutdownTimeout); err != nil {
		logger.Error("graceful shutdown failed", "err", err)
		proto.Halt()
		hbListener.Halt()
		orch.Dispatcher.Halt()
		os.Exit(1)
	}
	proto.Halt()
	hbListener.Halt()
	orch.Dispatcher.Halt()
}

// startWatchdogPetting pets the systemd watchdog from its own goroutine at
// half the interval systemd reports, mirroring moby's systemd-notify
// integration. It is not tied to the protocol's retransmission timer, so
// it keeps petting while the process runs whatever the protocol goroutines
// are doing. When the watchdog is not enabled it pets nothing and returns
// an unused ticker for the caller to stop.
func startWatchdogPetting(logger *log.Logger) *time.Ticker {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return time.NewTicker(time.Hour)
	}
	ticker := time.NewTicker(interval / 2)
	go func() {
		for range ticker.C {
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				logger.Warn("sd_notify WATCHDOG failed", "err", err)
			}
		}
	}()
	return ticker
}

func parseAddr(hostport string) (netaddr.NetAddr, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", hostport)
	if err != nil {
		return netaddr.NetAddr{}, err
	}
	return netaddr.FromUDPAddr(udpAddr)
}
