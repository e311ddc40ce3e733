package affinity

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sushant-115/gojogrid/core/cluster"
)

func servers(n int) []cluster.Node {
	nodes := make([]cluster.Node, n)
	for i := range nodes {
		nodes[i] = cluster.Node{ID: uuid.New(), Name: fmt.Sprintf("node-%d", i), Order: int64(i + 1)}
	}
	return nodes
}

func TestRendezvous_OwnersArePrimaryPlusBackups(t *testing.T) {
	r, err := NewRendezvous(Config{Partitions: 64, Backups: 1}, zaptest.NewLogger(t))
	require.NoError(t, err)

	r.OnTopology(cluster.Topology{Version: 1, Nodes: servers(3)})

	for i := 0; i < 100; i++ {
		owners, err := r.OwnersOf(fmt.Sprintf("key-%d", i), 1)
		require.NoError(t, err)
		require.Len(t, owners, 2)
		require.NotEqual(t, owners[0].ID, owners[1].ID)
	}
}

func TestRendezvous_Deterministic(t *testing.T) {
	nodes := servers(4)
	a, err := NewRendezvous(Config{Partitions: 128, Backups: 2}, nil)
	require.NoError(t, err)
	b, err := NewRendezvous(Config{Partitions: 128, Backups: 2}, nil)
	require.NoError(t, err)

	a.OnTopology(cluster.Topology{Version: 3, Nodes: nodes})
	// Same members, different slice order.
	reversed := []cluster.Node{nodes[3], nodes[2], nodes[1], nodes[0]}
	b.OnTopology(cluster.Topology{Version: 3, Nodes: reversed})

	for part := 0; part < 128; part++ {
		oa, err := a.PartitionOwners(part, 3)
		require.NoError(t, err)
		ob, err := b.PartitionOwners(part, 3)
		require.NoError(t, err)
		require.Equal(t, cluster.IDs(oa), cluster.IDs(ob))
	}
}

func TestRendezvous_ClientsNeverOwn(t *testing.T) {
	r, err := NewRendezvous(Config{Partitions: 32, Backups: 3}, nil)
	require.NoError(t, err)

	nodes := servers(2)
	client := cluster.Node{ID: uuid.New(), Name: "client", Order: 10, Client: true}
	r.OnTopology(cluster.Topology{Version: 1, Nodes: append(nodes, client)})

	for part := 0; part < 32; part++ {
		owners, err := r.PartitionOwners(part, 1)
		require.NoError(t, err)
		require.Len(t, owners, 2, "backups are capped by the number of servers")
		for _, o := range owners {
			require.NotEqual(t, client.ID, o.ID)
		}
	}
}

func TestRendezvous_NoServers(t *testing.T) {
	r, err := NewRendezvous(Config{Partitions: 8}, nil)
	require.NoError(t, err)
	r.OnTopology(cluster.Topology{Version: 1})

	_, err = r.OwnersOf("k", 1)
	require.ErrorIs(t, err, ErrNoOwners)
}

func TestRendezvous_UnknownVersion(t *testing.T) {
	r, err := NewRendezvous(Config{Partitions: 8, History: 1}, nil)
	require.NoError(t, err)
	nodes := servers(2)
	r.OnTopology(cluster.Topology{Version: 1, Nodes: nodes})
	r.OnTopology(cluster.Topology{Version: 2, Nodes: nodes})

	_, err = r.OwnersOf("k", 1)
	require.ErrorIs(t, err, ErrUnknownTopology)
	_, err = r.OwnersOf("k", 2)
	require.NoError(t, err)
	require.Equal(t, uint64(2), r.LatestVersion())
}

func TestRendezvous_NodeLeaveOnlyMovesItsPartitions(t *testing.T) {
	r, err := NewRendezvous(Config{Partitions: 256}, nil)
	require.NoError(t, err)
	nodes := servers(4)
	r.OnTopology(cluster.Topology{Version: 1, Nodes: nodes})
	r.OnTopology(cluster.Topology{Version: 2, Nodes: nodes[:3]})

	for part := 0; part < 256; part++ {
		before, err := r.PartitionOwners(part, 1)
		require.NoError(t, err)
		after, err := r.PartitionOwners(part, 2)
		require.NoError(t, err)
		if before[0].ID != nodes[3].ID {
			require.Equal(t, before[0].ID, after[0].ID)
		}
	}
}
