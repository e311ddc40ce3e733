package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sample = `
node:
  name: alpha
  grpc_addr: 10.0.0.1:7400
peers:
  - name: beta
    grpc_addr: 10.0.0.2:7400
    raft_addr: 10.0.0.2:7500
  - id: 0b7c6f0e-5c5a-4a43-8d4e-2b8d3c0a9f10
    name: gamma
    grpc_addr: 10.0.0.3:7400
    client: true
raft:
  bind_addr: 10.0.0.1:7500
  bootstrap: true
affinity:
  partitions: 256
  backups: 1
membership:
  heartbeat_interval: 250ms
transaction:
  default_timeout: 3s
  caches:
    - name: accounts
    - name: sessions
      near: true
      expiry: 10m
transport:
  request_timeout: 2s
  rate_limit: 500
  tls:
    enabled: true
logger:
  level: debug
  format: console
telemetry:
  enabled: true
  prometheus_port: 9464
`

func TestLoad_Sample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	c, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "alpha", c.Node.Name)
	require.True(t, c.Raft.Bootstrap)
	require.Equal(t, 256, c.Affinity.Partitions)
	require.Equal(t, 250*time.Millisecond, c.Membership.HeartbeatInterval)
	require.Equal(t, 3*time.Second, c.Transaction.DefaultTimeout)
	require.Len(t, c.Transaction.Caches, 2)
	require.Equal(t, 10*time.Minute, c.Transaction.Caches[1].Expiry)
	require.Equal(t, 2*time.Second, c.Transport.Client().RequestTimeout)
	require.Equal(t, 500.0, c.Transport.Server().RateLimit)
	require.Equal(t, filepath.Join("data", "alpha", "certs"), c.Transport.TLS.Dir)
	require.Equal(t, "gojogrid", c.Telemetry.ServiceName)

	local, err := c.LocalNode()
	require.NoError(t, err)
	again, err := Default().LocalNode()
	require.NoError(t, err)
	require.NotEqual(t, local.ID, again.ID)

	beta, err := c.Peers[0].Node()
	require.NoError(t, err)
	derived, err := NodeConfig{Name: "beta"}.UUID()
	require.NoError(t, err)
	require.Equal(t, derived, beta.ID, "ids derive from names")

	gamma, err := c.Peers[1].Node()
	require.NoError(t, err)
	require.Equal(t, "0b7c6f0e-5c5a-4a43-8d4e-2b8d3c0a9f10", gamma.ID.String())
	require.True(t, gamma.Client)
}

func TestParse_EmptyUsesDefaults(t *testing.T) {
	c, err := Parse(nil)
	require.NoError(t, err)
	require.Equal(t, Default(), c)
	require.Equal(t, "default", c.Transaction.Caches[0].Name)
}

func TestParse_Rejects(t *testing.T) {
	cases := map[string]string{
		"unknown key":    "node:\n  nmae: typo\n",
		"bad node id":    "node:\n  id: nope\n",
		"bad address":    "node:\n  grpc_addr: no-port\n",
		"negative rate":  "transport:\n  rate_limit: -1\n",
		"duplicate peer": "node:\n  name: a\npeers:\n  - name: a\n    grpc_addr: h:1\n",
		"peer w/o addr":  "peers:\n  - name: b\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestLoad_OverridesBeforeDefaults(t *testing.T) {
	c, err := Load("", func(c *Config) { c.Node.Name = "delta" })
	require.NoError(t, err)
	require.Equal(t, "delta", c.Node.Name)
	require.Equal(t, filepath.Join("data", "delta"), c.Raft.Dir)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
