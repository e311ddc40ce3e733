package txmapping

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sushant-115/gojogrid/core/affinity"
	"github.com/sushant-115/gojogrid/core/cluster"
	"github.com/sushant-115/gojogrid/core/transaction"
)

// --- Test Helpers ---

type staticResolver struct {
	owners map[string][]cluster.Node
}

func (r *staticResolver) OwnersOf(key string, _ uint64) ([]cluster.Node, error) {
	nodes, ok := r.owners[key]
	if !ok || len(nodes) == 0 {
		return nil, affinity.ErrNoOwners
	}
	return nodes, nil
}

func node(name string, order int64) cluster.Node {
	return cluster.Node{ID: uuid.New(), Name: name, Order: order}
}

// --- Tests ---

func TestBuild_GroupsByPrimaryAndNear(t *testing.T) {
	a, b, c := node("a", 1), node("b", 2), node("c", 3)
	res := &staticResolver{owners: map[string][]cluster.Node{
		"k1": {a, b},
		"k2": {b, c},
		"k3": {a, c},
	}}
	plain := &transaction.CacheContext{Name: "accounts", Affinity: res}
	near := &transaction.CacheContext{Name: "accounts-near", Near: true, Affinity: res}

	tx := transaction.New(transaction.Options{TopologyVersion: 3})
	e1 := transaction.NewEntry(near, "k1", transaction.OpUpdate, []byte("v1"))
	e2 := transaction.NewEntry(plain, "k2", transaction.OpRead, nil)
	e3 := transaction.NewEntry(near, "k3", transaction.OpDelete, nil)
	e4 := transaction.NewEntry(plain, "k1", transaction.OpCreate, []byte("v4"))
	for _, e := range []*transaction.Entry{e1, e2, e3, e4} {
		tx.AddEntry(e)
	}

	out, err := Build(tx)
	require.NoError(t, err)
	require.Len(t, out.Mappings, 3, "node a appears as near and plain target")

	require.Equal(t, a.ID, out.Mappings[0].Node().ID)
	require.True(t, out.Mappings[0].Near())
	require.Equal(t, []*transaction.Entry{e1, e3}, out.Mappings[0].Writes())

	require.Equal(t, b.ID, out.Mappings[1].Node().ID)
	require.Equal(t, []*transaction.Entry{e2}, out.Mappings[1].Reads())
	require.Empty(t, out.Mappings[1].Writes())

	require.Equal(t, a.ID, out.Mappings[2].Node().ID)
	require.False(t, out.Mappings[2].Near())

	// Every entry lands in exactly one mapping whose node is its primary.
	seen := map[*transaction.Entry]int{}
	for _, m := range out.Mappings {
		for _, e := range m.Entries() {
			seen[e]++
			require.Equal(t, m.Node().ID, e.NodeID())
		}
	}
	require.Len(t, seen, 4)
	for e, n := range seen {
		require.Equal(t, 1, n, "entry %s mapped %d times", e, n)
	}

	require.Equal(t, []uuid.UUID{a.ID, b.ID}, out.Topology.Primaries())
	require.Equal(t, []uuid.UUID{b.ID, c.ID}, out.Topology.Backups(a.ID))
	require.Equal(t, []uuid.UUID{c.ID}, out.Topology.Backups(b.ID))
	require.False(t, out.OnePhaseCommit())
}

func TestBuild_Deterministic(t *testing.T) {
	logger := zaptest.NewLogger(t)
	r, err := affinity.NewRendezvous(affinity.Config{Partitions: 64, Backups: 1}, logger)
	require.NoError(t, err)
	var nodes []cluster.Node
	for i := 0; i < 5; i++ {
		nodes = append(nodes, node(fmt.Sprintf("n%d", i), int64(i+1)))
	}
	r.OnTopology(cluster.Topology{Version: 1, Nodes: nodes})
	cache := &transaction.CacheContext{Name: "orders", Affinity: r}

	build := func() []string {
		tx := transaction.New(transaction.Options{TopologyVersion: 1})
		for i := 0; i < 50; i++ {
			tx.AddEntry(transaction.NewEntry(cache, fmt.Sprintf("key-%d", i), transaction.OpUpdate, nil))
		}
		out, err := Build(tx)
		require.NoError(t, err)
		var layout []string
		for _, m := range out.Mappings {
			for _, e := range m.Entries() {
				layout = append(layout, m.Node().ID.String()+"="+e.Key)
			}
		}
		return layout
	}

	first := build()
	for i := 0; i < 10; i++ {
		require.Equal(t, first, build())
	}
}

func TestBuild_NoOwnersIsFatal(t *testing.T) {
	res := &staticResolver{owners: map[string][]cluster.Node{}}
	cache := &transaction.CacheContext{Name: "accounts", Affinity: res}
	tx := transaction.New(transaction.Options{TopologyVersion: 9})
	tx.AddEntry(transaction.NewEntry(cache, "missing", transaction.OpUpdate, nil))

	_, err := Build(tx)
	require.Error(t, err)
	require.ErrorIs(t, err, affinity.ErrNoOwners)
}

func TestBuild_EmptyTransaction(t *testing.T) {
	out, err := Build(transaction.New(transaction.Options{}))
	require.NoError(t, err)
	require.Empty(t, out.Mappings)
	require.Empty(t, out.Topology.TransactionNodes())
}

func TestBuild_OnePhaseCommit(t *testing.T) {
	a, b := node("a", 1), node("b", 2)
	cache := &transaction.CacheContext{Name: "c", Affinity: &staticResolver{owners: map[string][]cluster.Node{
		"solo":   {a},
		"backed": {a, b},
	}}}

	tx := transaction.New(transaction.Options{})
	tx.AddEntry(transaction.NewEntry(cache, "solo", transaction.OpUpdate, nil))
	out, err := Build(tx)
	require.NoError(t, err)
	require.True(t, out.OnePhaseCommit())

	tx = transaction.New(transaction.Options{})
	tx.AddEntry(transaction.NewEntry(cache, "backed", transaction.OpUpdate, nil))
	out, err = Build(tx)
	require.NoError(t, err)
	require.False(t, out.OnePhaseCommit(), "backups need the update")
}

func TestNodeMapping_ExplicitLock(t *testing.T) {
	a := node("a", 1)
	cache := &transaction.CacheContext{Name: "c", Affinity: &staticResolver{owners: map[string][]cluster.Node{"k": {a}}}}
	tx := transaction.New(transaction.Options{})
	e := transaction.NewEntry(cache, "k", transaction.OpUpdate, nil)
	e.ExplicitVersion = &transaction.Version{TopologyVersion: 1, Order: 7}
	tx.AddEntry(e)

	out, err := Build(tx)
	require.NoError(t, err)
	require.True(t, out.Mappings[0].ExplicitLock())
}
