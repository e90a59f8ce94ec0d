// Package config loads and validates the TOML configuration for a node,
// grounded on the teacher's cmd/dtnd/configuration.go: a flat tomlConfig
// struct decoded with BurntSushi/toml, validated with errors accumulated
// into a single hashicorp/go-multierror, plus an fsnotify watch (grounded
// on cmd/dtn-tool/exchange.go's directory-watch idiom) so operators can
// edit the file on disk and have non-structural settings picked up live.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/trumanellis/indras-dtn/agemgr"
	"github.com/trumanellis/indras-dtn/custody"
	"github.com/trumanellis/indras-dtn/strategy"
)

// Config is the root of a node's TOML configuration.
type Config struct {
	Core      CoreConf
	Logging   LoggingConf
	Discovery DiscoveryConf
	Strategy  StrategyConf
	Custody   CustodyConf
	Age       AgeConf
	Admin     AdminConf
	Listen    []TransportConf
	Peer      []TransportConf
}

// CoreConf describes identity, storage, and group membership.
type CoreConf struct {
	Store      string
	NodeId     string   `toml:"node-id"`
	GroupPeers []string `toml:"group-peers"`
}

// LoggingConf mirrors the teacher's logConf block.
type LoggingConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// DiscoveryConf mirrors the teacher's discoveryConf block.
type DiscoveryConf struct {
	IPv4     bool
	IPv6     bool
	Interval time.Duration
}

// StrategyConf selects and parameterizes the DTN forwarding strategy.
type StrategyConf struct {
	Kind   string
	Copies uint8
}

// CustodyConf configures custody acceptance policy.
type CustodyConf struct {
	AcceptFromUnknown bool          `toml:"accept-from-unknown"`
	MaxCustodyBundles int           `toml:"max-custody-bundles"`
	AcceptanceTimeout time.Duration `toml:"acceptance-timeout"`
}

// AgeConf configures the age/expiration manager.
type AgeConf struct {
	DefaultLifetime time.Duration `toml:"default-lifetime"`
	MaxLifetime     time.Duration `toml:"max-lifetime"`
	SweepInterval   time.Duration `toml:"sweep-interval"`
}

// AdminConf configures the admin HTTP surface.
type AdminConf struct {
	Address   string
	Websocket bool
	Rest      bool
}

// TransportConf describes one listen or peer entry, used for both "listen"
// and "peer" tables.
type TransportConf struct {
	Peer     string
	Kind     string
	Endpoint string
}

// Load decodes filename as TOML and validates the result.
func Load(filename string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(filename, &cfg); err != nil {
		return nil, fmt.Errorf("config: decoding %s: %w", filename, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the configuration for structural problems, accumulating
// every error found rather than stopping at the first.
func (c *Config) Validate() error {
	var errs *multierror.Error

	if c.Core.Store == "" {
		errs = multierror.Append(errs, fmt.Errorf("core.store is empty"))
	}
	if c.Core.NodeId == "" {
		errs = multierror.Append(errs, fmt.Errorf("core.node-id is empty"))
	}

	switch c.Strategy.Kind {
	case "", "store-and-forward", "epidemic", "spray-and-wait", "prophet":
	default:
		errs = multierror.Append(errs, fmt.Errorf("strategy.kind %q is not a known strategy", c.Strategy.Kind))
	}

	if c.Custody.MaxCustodyBundles < 0 {
		errs = multierror.Append(errs, fmt.Errorf("custody.max-custody-bundles must not be negative"))
	}

	for i, l := range c.Listen {
		if l.Kind == "" {
			errs = multierror.Append(errs, fmt.Errorf("listen[%d].kind is empty", i))
		}
		if l.Endpoint == "" {
			errs = multierror.Append(errs, fmt.Errorf("listen[%d].endpoint is empty", i))
		}
	}

	for i, p := range c.Peer {
		if p.Peer == "" {
			errs = multierror.Append(errs, fmt.Errorf("peer[%d].peer is empty", i))
		}
	}

	if c.Discovery.Interval < 0 {
		errs = multierror.Append(errs, fmt.Errorf("discovery.interval must not be negative"))
	}

	return errs.ErrorOrNil()
}

// CustodyPolicy derives a custody.Policy from the configuration.
func (c *Config) CustodyPolicy() custody.Policy {
	policy := custody.DefaultPolicy()
	policy.AcceptFromUnknown = c.Custody.AcceptFromUnknown
	if c.Custody.MaxCustodyBundles > 0 {
		policy.MaxCustodyBundles = c.Custody.MaxCustodyBundles
	}
	if c.Custody.AcceptanceTimeout > 0 {
		policy.AcceptanceTimeout = c.Custody.AcceptanceTimeout
	}
	return policy
}

// AgeManagerConfig derives an agemgr.Config from the configuration.
func (c *Config) AgeManagerConfig() agemgr.Config {
	cfg := agemgr.DefaultConfig()
	if c.Age.DefaultLifetime > 0 {
		cfg.DefaultLifetime = c.Age.DefaultLifetime
	}
	if c.Age.MaxLifetime > 0 {
		cfg.MaxLifetime = c.Age.MaxLifetime
	}
	if c.Age.SweepInterval > 0 {
		cfg.CleanupInterval = c.Age.SweepInterval
	}
	return cfg
}

// Selector derives a strategy.Selector from the configuration: an empty
// strategy.kind gets the teacher-style default rule set (critical priority
// and low connectivity flood epidemically, stale bundles fall back to a
// cheap spray), while an explicit kind pins every bundle to that single
// strategy regardless of topology.
func (c *Config) Selector() (*strategy.Selector, error) {
	switch c.Strategy.Kind {
	case "":
		return strategy.WithDefaults(), nil

	case "store-and-forward":
		return strategy.NewSelector(strategy.Strategy{Kind: strategy.StoreAndForward}), nil

	case "epidemic":
		return strategy.NewSelector(strategy.Strategy{Kind: strategy.Epidemic}), nil

	case "spray-and-wait":
		copies := c.Strategy.Copies
		if copies == 0 {
			copies = 4
		}
		return strategy.NewSelector(strategy.Strategy{Kind: strategy.SprayAndWait, Copies: copies}), nil

	case "prophet":
		return strategy.NewSelector(strategy.Strategy{Kind: strategy.Prophet}), nil

	default:
		return nil, fmt.Errorf("config: unknown strategy kind %q", c.Strategy.Kind)
	}
}

// Watcher reloads Config whenever the underlying file changes on disk.
type Watcher struct {
	filename string
	watcher  *fsnotify.Watcher
	onReload func(*Config, error)
	closed   chan struct{}
}

// WatchFile begins watching filename's containing directory for changes,
// invoking onReload with the freshly loaded Config (or the error
// encountered) each time the file is rewritten.
func WatchFile(filename string, onReload func(*Config, error)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: starting file watcher: %w", err)
	}

	dir := filepath.Dir(filename)
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("config: watching %s: %w", dir, err)
	}

	w := &Watcher{filename: filename, watcher: fw, onReload: onReload, closed: make(chan struct{})}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	target := filepath.Clean(w.filename)

	for {
		select {
		case <-w.closed:
			return

		case e, ok := <-w.watcher.Events:
			if !ok {
				log.Error("config: fsnotify event channel closed")
				return
			}
			if filepath.Clean(e.Name) != target {
				continue
			}
			if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			cfg, err := Load(w.filename)
			w.onReload(cfg, err)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				log.Error("config: fsnotify error channel closed")
				return
			}
			log.WithError(err).Warn("config: file watcher errored")
		}
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	close(w.closed)
	return w.watcher.Close()
}
