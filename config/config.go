// Package config loads the YAML configuration of a GojoGrid node.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/sushant-115/gojogrid/config/certs"
	"github.com/sushant-115/gojogrid/core/affinity"
	"github.com/sushant-115/gojogrid/core/cluster"
	"github.com/sushant-115/gojogrid/core/membership"
	"github.com/sushant-115/gojogrid/core/topology"
	"github.com/sushant-115/gojogrid/core/transport"
	"github.com/sushant-115/gojogrid/core/txhandler"
	"github.com/sushant-115/gojogrid/core/txservice"
	"github.com/sushant-115/gojogrid/pkg/logger"
	"github.com/sushant-115/gojogrid/pkg/telemetry"
)

const (
	defaultName     = "gojogrid"
	defaultGRPCAddr = "127.0.0.1:7400"
	defaultRaftAddr = "127.0.0.1:7500"
)

// nodeNamespace derives stable node ids from node names.
var nodeNamespace = uuid.MustParse("5c7f0a52-2f43-4c4e-9b4d-6f3c0f1f6a11")

// NodeConfig identifies this node.
type NodeConfig struct {
	// ID is a UUID. When empty it is derived from Name so restarts keep it.
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	GRPCAddr string `yaml:"grpc_addr"`
	// Client nodes coordinate transactions but own no partitions.
	Client bool `yaml:"client"`
}

// UUID returns the node id.
func (n NodeConfig) UUID() (uuid.UUID, error) {
	if n.ID == "" {
		return uuid.NewSHA1(nodeNamespace, []byte(n.Name)), nil
	}
	id, err := uuid.Parse(n.ID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid node id %q: %w", n.ID, err)
	}
	return id, nil
}

// Peer is another member the raft leader adds at startup.
type Peer struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	GRPCAddr string `yaml:"grpc_addr"`
	RaftAddr string `yaml:"raft_addr"`
	Client   bool   `yaml:"client"`
}

// Node returns the cluster node the peer describes.
func (p Peer) Node() (cluster.Node, error) {
	id, err := NodeConfig{ID: p.ID, Name: p.Name}.UUID()
	if err != nil {
		return cluster.Node{}, err
	}
	return cluster.Node{ID: id, Name: p.Name, Addr: p.GRPCAddr, Client: p.Client}, nil
}

// TransportConfig tunes node-to-node RPC.
type TransportConfig struct {
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RateLimit      float64       `yaml:"rate_limit"`
	Burst          int           `yaml:"burst"`
	TLS            certs.Config  `yaml:"tls"`
}

// Client returns the outbound settings.
func (t TransportConfig) Client() transport.ClientConfig {
	return transport.ClientConfig{RequestTimeout: t.RequestTimeout}
}

// Server returns the inbound settings.
func (t TransportConfig) Server() transport.ServerConfig {
	return transport.ServerConfig{RateLimit: t.RateLimit, Burst: t.Burst}
}

// Config is the complete node configuration.
type Config struct {
	Node        NodeConfig        `yaml:"node"`
	Peers       []Peer            `yaml:"peers"`
	Raft        topology.Config   `yaml:"raft"`
	Affinity    affinity.Config   `yaml:"affinity"`
	Membership  membership.Config `yaml:"membership"`
	Transaction txservice.Config  `yaml:"transaction"`
	Handler     txhandler.Config  `yaml:"handler"`
	Transport   TransportConfig   `yaml:"transport"`
	Logger      logger.Config     `yaml:"logger"`
	Telemetry   telemetry.Config  `yaml:"telemetry"`
}

// Default returns a single-node configuration.
func Default() *Config {
	c := &Config{}
	c.Adjust()
	return c
}

// Override changes a decoded configuration before defaults are filled.
type Override func(c *Config)

// Load reads the YAML file at path, fills defaults and validates the result.
// Unknown keys are rejected. An empty path yields the defaults.
func Load(path string, overrides ...Override) (*Config, error) {
	if path == "" {
		return Parse(nil, overrides...)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data, overrides...)
}

// Parse decodes YAML configuration.
func Parse(data []byte, overrides ...Override) (*Config, error) {
	c := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	for _, o := range overrides {
		o(c)
	}
	c.Adjust()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func adjustString(v *string, def string) {
	if *v == "" {
		*v = def
	}
}

func adjustDuration(v *time.Duration, def time.Duration) {
	if *v <= 0 {
		*v = def
	}
}

// Adjust fills zero fields with defaults. Sections owned by other packages
// default themselves when their components are built.
func (c *Config) Adjust() {
	adjustString(&c.Node.Name, defaultName)
	adjustString(&c.Node.GRPCAddr, defaultGRPCAddr)
	adjustString(&c.Raft.BindAddr, defaultRaftAddr)
	adjustString(&c.Raft.Dir, filepath.Join("data", c.Node.Name))
	adjustDuration(&c.Transport.RequestTimeout, 10*time.Second)
	adjustString(&c.Telemetry.ServiceName, defaultName)
	if len(c.Transaction.Caches) == 0 {
		c.Transaction.Caches = []txservice.CacheConfig{{Name: "default"}}
	}
	if c.Transport.TLS.Enabled {
		adjustString(&c.Transport.TLS.Dir, filepath.Join(c.Raft.Dir, "certs"))
	}
}

// Validate reports the first configuration error.
func (c *Config) Validate() error {
	if _, err := c.Node.UUID(); err != nil {
		return err
	}
	if _, _, err := net.SplitHostPort(c.Node.GRPCAddr); err != nil {
		return fmt.Errorf("invalid node.grpc_addr %q: %w", c.Node.GRPCAddr, err)
	}
	if _, _, err := net.SplitHostPort(c.Raft.BindAddr); err != nil {
		return fmt.Errorf("invalid raft.bind_addr %q: %w", c.Raft.BindAddr, err)
	}
	if c.Affinity.Backups < 0 {
		return fmt.Errorf("affinity.backups must not be negative, got %d", c.Affinity.Backups)
	}
	if c.Transport.RateLimit < 0 {
		return fmt.Errorf("transport.rate_limit must not be negative, got %g", c.Transport.RateLimit)
	}
	seen := map[string]bool{c.Node.Name: true}
	for i, p := range c.Peers {
		if p.Name == "" || p.GRPCAddr == "" {
			return fmt.Errorf("peers[%d]: name and grpc_addr are required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("peers[%d]: duplicate node name %q", i, p.Name)
		}
		seen[p.Name] = true
		if _, err := p.Node(); err != nil {
			return fmt.Errorf("peers[%d]: %w", i, err)
		}
	}
	return nil
}

// LocalNode returns this node as a cluster member.
func (c *Config) LocalNode() (cluster.Node, error) {
	id, err := c.Node.UUID()
	if err != nil {
		return cluster.Node{}, err
	}
	return cluster.Node{ID: id, Name: c.Node.Name, Addr: c.Node.GRPCAddr, Client: c.Node.Client}, nil
}
