// Package config loads, validates, and hot-reloads the overlay daemon's
// on-disk configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/ringroute/overlay/internal/util"
)

type Config struct {
	Identity Identity     `json:"identity"`
	Listen   Listen       `json:"listen"`
	Relay    Relay        `json:"relay"`
	Router   RouterConfig `json:"router"`
	Proxy    []ProxyRule  `json:"proxy"`
}

type Identity struct {
	// KeyFile persists the local peer id across restarts so reconnecting
	// peers keep recognizing us.
	KeyFile string `json:"key_file"`
}

type Listen struct {
	// Port the direct P2P acceptor binds on. 0 picks an ephemeral port.
	Port uint16 `json:"port"`
}

type Relay struct {
	Endpoints []RelayEndpointConfig `json:"endpoints"`
	RoomID    string                `json:"room_id"`
}

type RelayEndpointConfig struct {
	Host string `json:"host"`
	Port uint16 `json:"port"`
}

type RouterConfig struct {
	ProbeIntervalSec int `json:"probe_interval_seconds"`
	ReconnectSec     int `json:"reconnect_seconds"`
}

// ProxyRule requests that connections accepted on LocalPort be tunneled to
// RemotePeer, which dials 127.0.0.1:RemotePort on our behalf.
type ProxyRule struct {
	LocalPort  uint16 `json:"local_port"`
	RemotePeer string `json:"remote_peer"`
	RemotePort uint16 `json:"remote_port"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
		},
		Listen: Listen{
			Port: 0,
		},
		Relay: Relay{
			Endpoints: nil,
			RoomID:    "",
		},
		Router: RouterConfig{
			ProbeIntervalSec: 30,
			ReconnectSec:     10,
		},
		Proxy: nil,
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}

	if c.Listen.Port > 65535 {
		return errors.New("listen.port must be 0..65535")
	}

	for i, ep := range c.Relay.Endpoints {
		if strings.TrimSpace(ep.Host) == "" {
			return fmt.Errorf("relay.endpoints[%d].host is required", i)
		}
		if ep.Port == 0 {
			return fmt.Errorf("relay.endpoints[%d].port is required", i)
		}
		if net.ParseIP(ep.Host) == nil {
			if _, err := net.LookupHost(ep.Host); err != nil {
				return fmt.Errorf("relay.endpoints[%d].host %q does not resolve: %w", i, ep.Host, err)
			}
		}
	}
	if len(c.Relay.Endpoints) > 0 {
		if _, err := util.ValidateRoomID(c.Relay.RoomID); err != nil {
			return fmt.Errorf("relay.room_id: %w", err)
		}
	}

	if c.Router.ProbeIntervalSec <= 0 {
		return errors.New("router.probe_interval_seconds must be > 0")
	}
	if c.Router.ReconnectSec <= 0 {
		return errors.New("router.reconnect_seconds must be > 0")
	}

	seenPorts := make(map[uint16]bool, len(c.Proxy))
	for i, rule := range c.Proxy {
		if rule.LocalPort == 0 {
			return fmt.Errorf("proxy[%d].local_port is required", i)
		}
		if seenPorts[rule.LocalPort] {
			return fmt.Errorf("proxy[%d].local_port %d is already in use by another rule", i, rule.LocalPort)
		}
		seenPorts[rule.LocalPort] = true
		if strings.TrimSpace(rule.RemotePeer) == "" {
			return fmt.Errorf("proxy[%d].remote_peer is required", i)
		}
		if rule.RemotePort == 0 {
			return fmt.Errorf("proxy[%d].remote_port is required", i)
		}
	}

	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config
// file. Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}

// Watcher hot-reloads Config from path whenever the file changes on disk,
// watching the containing directory rather than the file itself so
// editors that replace-via-rename are still picked up (the same pattern
// the teacher's Lua engine uses for script hot reload).
type Watcher struct {
	path string
	fsw  *fsnotify.Watcher

	mu      sync.Mutex
	current Config

	subsMu sync.Mutex
	subs   []chan Config

	closed chan struct{}
}

// Watch loads (or creates) the config at path and starts watching it for
// changes.
func Watch(path string) (*Watcher, error) {
	cfg, _, err := Ensure(path)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if dir == "" {
		dir = "."
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", dir, err)
	}

	w := &Watcher{
		path:    path,
		fsw:     fsw,
		current: cfg,
		closed:  make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Current returns the most recently loaded Config.
func (w *Watcher) Current() Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Subscribe returns a channel that receives every successfully reloaded
// Config. A malformed edit is logged and skipped, never published.
func (w *Watcher) Subscribe() chan Config {
	ch := make(chan Config, 1)
	w.subsMu.Lock()
	w.subs = append(w.subs, ch)
	w.subsMu.Unlock()
	return ch
}

func (w *Watcher) Close() error {
	close(w.closed)
	return w.fsw.Close()
}

func (w *Watcher) loop() {
	abs, err := filepath.Abs(w.path)
	if err != nil {
		abs = w.path
	}
	for {
		select {
		case <-w.closed:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			eventAbs, err := filepath.Abs(event.Name)
			if err != nil || eventAbs != abs {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				log.Printf("config: reload %s failed: %v", w.path, err)
				continue
			}
			w.mu.Lock()
			w.current = cfg
			w.mu.Unlock()
			w.notify(cfg)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Printf("config: watcher error: %v", err)
		}
	}
}

func (w *Watcher) notify(cfg Config) {
	w.subsMu.Lock()
	defer w.subsMu.Unlock()
	for _, ch := range w.subs {
		select {
		case ch <- cfg:
		default:
		}
	}
}
