// Command tunwalld runs the tcp-terminating tun filter as a standalone
// process: it owns its own tun device and the default SO_MARK-based
// capability, rather than being embedded in a host application.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/sirupsen/logrus"

	"github.com/qnet/tunwall/internal/capability"
	"github.com/qnet/tunwall/internal/config"
	"github.com/qnet/tunwall/internal/decoder"
	"github.com/qnet/tunwall/internal/engine"
	"github.com/qnet/tunwall/internal/tcpengine"
	"github.com/qnet/tunwall/internal/tun"
	"github.com/qnet/tunwall/internal/uidresolver"
)

func main() {
	configPath := flag.String("config", "/etc/tunwall/config.yaml", "path to YAML config")
	flag.Parse()

	log := logrus.New()
	cfg := config.Default()
	if _, err := os.Stat(*configPath); err == nil {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.WithError(err).Fatal("tunwalld: failed to load config")
		}
		cfg = loaded
	}
	log.SetLevel(cfg.Level())
	entry := logrus.NewEntry(log)

	cmds, err := cfg.InterfaceCommandArgs()
	if err != nil {
		log.WithError(err).Fatal("tunwalld: bad extra_interface_commands")
	}

	dev, err := tun.Open(tun.Config{
		Name:             cfg.InterfaceName,
		MTU:              cfg.MTU,
		IPv4Address:      cfg.IPv4Address,
		IPv4Peer:         cfg.IPv4Peer,
		ExtraCommandArgs: cmds,
	})
	if err != nil {
		log.WithError(err).Fatal("tunwalld: failed to open tun device")
	}
	defer dev.Close()
	entry.WithField("name", dev.Name()).Info("tunwalld: tun device up")

	cap := capability.NewDefaultCapability(cfg.FirewallMark, entry)
	uids := uidresolver.New(cfg.ProcRoot, entry)
	dec := decoder.New(uids, cap, entry)
	if cfg.PcapPath != "" {
		f, err := os.Create(cfg.PcapPath)
		if err != nil {
			entry.WithError(err).Warn("tunwalld: pcap capture disabled, could not create file")
		} else {
			w := pcapgo.NewWriter(f)
			if err := w.WriteFileHeader(uint32(cfg.MTU), layers.LinkTypeRaw); err != nil {
				entry.WithError(err).Warn("tunwalld: pcap header write failed, capture disabled")
				f.Close()
			} else {
				dec.SetCapture(w, f)
			}
		}
	}

	flows, err := tcpengine.New(cap.Protect, entry)
	if err != nil {
		log.WithError(err).Fatal("tunwalld: failed to create flow engine")
	}

	eng := engine.New(dec, flows, cap, entry, cfg.IdleTimeout, cfg.PollTimeout, cfg.MTU)

	watcher, err := config.WatchFile(*configPath, entry, nil)
	if err != nil {
		entry.WithError(err).Warn("tunwalld: config watch disabled")
	} else {
		defer watcher.Close()
	}

	if err := eng.Start(dev); err != nil {
		log.WithError(err).Fatal("tunwalld: failed to start engine")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	entry.Info("tunwalld: shutting down")
	eng.Stop()
}
