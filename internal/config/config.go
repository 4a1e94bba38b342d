// Package config reads node configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/ryandielhenn/zephyrsync/pkg/gossip"
	"github.com/ryandielhenn/zephyrsync/pkg/reconcile"
)

type Config struct {
	NodeName       string        `env:"SYNC_NODE_NAME"`
	Group          string        `env:"SYNC_GROUP" envDefault:"default"`
	MandatoryPeers []string      `env:"SYNC_MANDATORY_PEERS" envSeparator:","`
	QueryTimeout   time.Duration `env:"SYNC_QUERY_TIMEOUT" envDefault:"10s"`
	PermitAlone    bool          `env:"SYNC_PERMIT_ALONE" envDefault:"true"`
	ApplyTimedOut  bool          `env:"SYNC_APPLY_TIMED_OUT_QUERIES" envDefault:"false"`
	QueryData      bool          `env:"SYNC_QUERY_DATA" envDefault:"true"`
	PushOnDepart   bool          `env:"SYNC_PUSH_ON_DEPART" envDefault:"false"`
	Debug          bool          `env:"SYNC_DEBUG" envDefault:"false"`

	HTTPAddr      string   `env:"SYNC_HTTP_ADDR" envDefault:":8080"`
	EtcdEndpoints []string `env:"SYNC_ETCD_ENDPOINTS" envSeparator:","`
	EtcdPrefix    string   `env:"SYNC_ETCD_PREFIX" envDefault:"/zephyrsync"`
	DBPath        string   `env:"SYNC_DB_PATH" envDefault:"zephyrsync.db"`
	CacheBytes    int      `env:"SYNC_CACHE_BYTES" envDefault:"67108864"`
}

// Load parses the environment and fills in a host-derived node name when
// none is set.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.MandatoryPeers = trimAll(cfg.MandatoryPeers)
	cfg.EtcdEndpoints = trimAll(cfg.EtcdEndpoints)
	if cfg.NodeName == "" {
		cfg.NodeName = defaultNodeName()
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.NodeName == "" {
		errs = append(errs, errors.New("node name is empty"))
	}
	if c.NodeName == gossip.Broadcast || strings.HasPrefix(c.NodeName, "group:") {
		errs = append(errs, fmt.Errorf("node name %q collides with a shared channel", c.NodeName))
	}
	if c.Group == "" {
		errs = append(errs, errors.New("group is empty"))
	}
	if c.QueryTimeout <= 0 {
		errs = append(errs, fmt.Errorf("query timeout must be positive, got %s", c.QueryTimeout))
	}
	if c.CacheBytes <= 0 {
		errs = append(errs, fmt.Errorf("cache size must be positive, got %d", c.CacheBytes))
	}
	return errors.Join(errs...)
}

func (c Config) Self() gossip.NodeID {
	return gossip.NodeID{Group: c.Group, Name: c.NodeName}
}

func (c Config) Policy() reconcile.Policy {
	return reconcile.Policy{
		MandatoryPeers:       c.MandatoryPeers,
		QueryTimeout:         c.QueryTimeout,
		PermitAlone:          c.PermitAlone,
		ApplyTimedOutQueries: c.ApplyTimedOut,
		QueryData:            c.QueryData,
		PushOnDepart:         c.PushOnDepart,
	}
}

// Restart lists the settings of next that differ from c but only take
// effect after a restart.
func (c Config) Restart(next Config) []string {
	var changed []string
	if c.NodeName != next.NodeName {
		changed = append(changed, "SYNC_NODE_NAME")
	}
	if c.Group != next.Group {
		changed = append(changed, "SYNC_GROUP")
	}
	if c.HTTPAddr != next.HTTPAddr {
		changed = append(changed, "SYNC_HTTP_ADDR")
	}
	if strings.Join(c.EtcdEndpoints, ",") != strings.Join(next.EtcdEndpoints, ",") {
		changed = append(changed, "SYNC_ETCD_ENDPOINTS")
	}
	if c.EtcdPrefix != next.EtcdPrefix {
		changed = append(changed, "SYNC_ETCD_PREFIX")
	}
	if c.DBPath != next.DBPath {
		changed = append(changed, "SYNC_DB_PATH")
	}
	if c.CacheBytes != next.CacheBytes {
		changed = append(changed, "SYNC_CACHE_BYTES")
	}
	return changed
}

func trimAll(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// defaultNodeName prefers the first non-loopback IPv4 address, which is
// what peers on other hosts can reach, then the hostname.
func defaultNodeName() string {
	if addrs, err := net.InterfaceAddrs(); err == nil {
		for _, a := range addrs {
			if ipn, ok := a.(*net.IPNet); ok && !ipn.IP.IsLoopback() && ipn.IP.To4() != nil {
				return ipn.IP.String()
			}
		}
	}
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "localhost"
}
