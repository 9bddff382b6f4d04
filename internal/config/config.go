// Package config loads the engine's own tunables: timeouts, logging,
// tun interface setup, and optional diagnostics. It deliberately knows
// nothing about the policy/allow-block store an embedder owns.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/shlex"
	"github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v2"
)

// Config holds the engine's tunables.
type Config struct {
	// IdleTimeout is how long a flow may sit without activity before
	// the sweep reaps it (default 30s).
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	// PollTimeout bounds each event-loop iteration's readiness wait
	// (default 10s).
	PollTimeout time.Duration `yaml:"poll_timeout"`
	// MTU is the tun device's MTU; it also bounds each outbound-socket
	// read and the pcap snapshot length (default 32678). Tun reads use a
	// fixed 32678-byte buffer regardless.
	MTU int `yaml:"mtu"`
	// LogLevel is parsed with logrus.ParseLevel.
	LogLevel string `yaml:"log_level"`
	// PcapPath, if set, receives every packet C3 drops as malformed.
	PcapPath string `yaml:"pcap_path"`
	// FirewallMark is the SO_MARK value the default capability applies
	// to outbound sockets.
	FirewallMark int `yaml:"firewall_mark"`
	// InterfaceName, IPv4Address and IPv4Peer configure the tun device
	// a standalone binary creates for itself.
	InterfaceName string `yaml:"interface_name"`
	IPv4Address   string `yaml:"ipv4_address"`
	IPv4Peer      string `yaml:"ipv4_peer"`
	// ProcRoot overrides the uid resolver's /proc root, for testing or
	// running inside a mount namespace that remaps it.
	ProcRoot string `yaml:"proc_root"`
	// ExtraInterfaceCommands is a single shell-style string, split with
	// shlex; each resulting argv is run as one more `ip`-style post-up
	// command after the tun device is addressed.
	ExtraInterfaceCommands string `yaml:"extra_interface_commands"`
}

// Default returns the engine's built-in tunables.
func Default() Config {
	return Config{
		IdleTimeout:  30 * time.Second,
		PollTimeout:  10 * time.Second,
		MTU:           32678,
		LogLevel:      "info",
		FirewallMark:  0,
		InterfaceName: "tunwall0",
		ProcRoot:      "/proc",
	}
}

// Load reads and parses a YAML config file, filling any field the file
// omits from Default().
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// InterfaceCommandArgs splits ExtraInterfaceCommands into one argv per
// command using shlex so quoted arguments survive intact.
func (c Config) InterfaceCommandArgs() ([][]string, error) {
	if c.ExtraInterfaceCommands == "" {
		return nil, nil
	}
	fields, err := shlex.Split(c.ExtraInterfaceCommands)
	if err != nil {
		return nil, fmt.Errorf("config: split extra_interface_commands: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	// A leading "&&" separates successive commands; this mirrors the
	// shell conventions an operator already uses for such one-liners.
	var commands [][]string
	var current []string
	for _, f := range fields {
		if f == "&&" {
			if len(current) > 0 {
				commands = append(commands, current)
			}
			current = nil
			continue
		}
		current = append(current, f)
	}
	if len(current) > 0 {
		commands = append(commands, current)
	}
	return commands, nil
}

// Level parses LogLevel, defaulting to Info on a bad or empty value.
func (c Config) Level() logrus.Level {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// Watcher notifies a callback whenever the config file at path changes
// on disk. It never reloads anything itself: tun handover is never
// seamless, so applying a changed config is always an explicit
// reload() by the embedder.
type Watcher struct {
	fsw *fsnotify.Watcher
	log *logrus.Entry
}

// WatchFile starts watching path; onChange is invoked (from an internal
// goroutine) after each write or create event, with debouncing left to the
// caller. Call Close to stop watching.
func WatchFile(path string, log *logrus.Entry, onChange func()) (*Watcher, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: new watcher: %w", err)
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}

	w := &Watcher{fsw: fsw, log: log}
	go w.run(path, onChange)
	return w, nil
}

func (w *Watcher) run(path string, onChange func()) {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.log.WithField("path", path).Info("config file changed; call reload() to apply tun-affecting fields")
				if onChange != nil {
					onChange()
				}
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("config watcher error")
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
