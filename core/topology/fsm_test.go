package topology

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/sushant-115/gojogrid/core/cluster"
)

// --- Test Helpers ---

type memSink struct {
	bytes.Buffer
	cancelled bool
	closed    bool
}

func (s *memSink) ID() string    { return "mem" }
func (s *memSink) Cancel() error { s.cancelled = true; return nil }
func (s *memSink) Close() error  { s.closed = true; return nil }

type change struct {
	top  cluster.Topology
	left []cluster.Node
}

func apply(t *testing.T, f *FSM, index uint64, op string, n cluster.Node) interface{} {
	t.Helper()
	data, err := Command{Op: op, Node: n}.Encode()
	require.NoError(t, err)
	return f.Apply(&raft.Log{Index: index, Data: data})
}

// --- Tests ---

func TestFSM_JoinLeaveBumpsVersion(t *testing.T) {
	f := NewFSM(zaptest.NewLogger(t))
	var changes []change
	f.Subscribe(ListenerFunc(func(top cluster.Topology, left []cluster.Node) {
		changes = append(changes, change{top, left})
	}))

	a := cluster.Node{ID: uuid.New(), Name: "a", Addr: "10.0.0.1:7000"}
	b := cluster.Node{ID: uuid.New(), Name: "b", Addr: "10.0.0.2:7000"}

	require.Equal(t, uint64(1), apply(t, f, 1, OpNodeJoin, a))
	require.Equal(t, uint64(2), apply(t, f, 2, OpNodeJoin, b))
	require.Equal(t, uint64(2), apply(t, f, 3, OpNodeJoin, a), "rejoin with the same address is a no-op")

	top := f.Topology()
	require.Equal(t, uint64(2), top.Version)
	require.Equal(t, []uuid.UUID{a.ID, b.ID}, cluster.IDs(top.Nodes))
	require.Equal(t, int64(1), top.Nodes[0].Order)
	require.Equal(t, int64(2), top.Nodes[1].Order)

	require.Equal(t, uint64(3), apply(t, f, 4, OpNodeFail, a))
	require.Equal(t, uint64(3), apply(t, f, 5, OpNodeLeave, a), "already gone")
	require.Equal(t, uint64(5), f.LastAppliedIndex())

	require.Len(t, changes, 3)
	require.Empty(t, changes[0].left)
	require.Equal(t, []uuid.UUID{a.ID}, cluster.IDs(changes[2].left))
	require.Equal(t, []uuid.UUID{b.ID}, cluster.IDs(changes[2].top.Nodes))
}

func TestFSM_UnknownAndMalformedCommands(t *testing.T) {
	f := NewFSM(zaptest.NewLogger(t))
	res := apply(t, f, 1, "shrink", cluster.Node{ID: uuid.New()})
	err, ok := res.(error)
	require.True(t, ok)
	require.ErrorIs(t, err, ErrUnknownOp)

	res = f.Apply(&raft.Log{Index: 2, Data: []byte("{not json")})
	_, ok = res.(error)
	require.True(t, ok)
	require.Equal(t, uint64(0), f.Version())
}

func TestFSM_SnapshotRestore(t *testing.T) {
	src := NewFSM(zaptest.NewLogger(t))
	a := cluster.Node{ID: uuid.New(), Addr: "a:1"}
	b := cluster.Node{ID: uuid.New(), Addr: "b:1"}
	apply(t, src, 1, OpNodeJoin, a)
	apply(t, src, 2, OpNodeJoin, b)

	snap, err := src.Snapshot()
	require.NoError(t, err)
	sink := &memSink{}
	require.NoError(t, snap.Persist(sink))
	require.True(t, sink.closed)
	snap.Release()

	dst := NewFSM(zaptest.NewLogger(t))
	stale := cluster.Node{ID: uuid.New(), Addr: "c:1"}
	apply(t, dst, 1, OpNodeJoin, stale)
	var left []cluster.Node
	dst.Subscribe(ListenerFunc(func(_ cluster.Topology, l []cluster.Node) { left = l }))

	require.NoError(t, dst.Restore(io.NopCloser(bytes.NewReader(sink.Bytes()))))
	require.Equal(t, src.Topology(), dst.Topology())
	require.Equal(t, []uuid.UUID{stale.ID}, cluster.IDs(left))

	// Join order continues after the restored nodes.
	d := cluster.Node{ID: uuid.New(), Addr: "d:1"}
	apply(t, dst, 3, OpNodeJoin, d)
	got, ok := dst.Topology().Node(d.ID)
	require.True(t, ok)
	require.Equal(t, int64(3), got.Order)
}

func TestReplicator_InMemory(t *testing.T) {
	// raft keeps logging from its own goroutines while shutting down.
	fsm := NewFSM(zap.NewNop())
	r, err := OpenInMemory("node-1", Config{}, fsm, zap.NewNop())
	require.NoError(t, err)
	defer r.Shutdown()

	require.Eventually(t, r.IsLeader, 5*time.Second, 10*time.Millisecond)

	n := cluster.Node{ID: uuid.New(), Name: "n1", Addr: "127.0.0.1:7001"}
	ver, err := r.Join(n)
	require.NoError(t, err)
	require.Equal(t, uint64(1), ver)

	ver, err = r.Fail(n)
	require.NoError(t, err)
	require.Equal(t, uint64(2), ver)
	require.Empty(t, r.FSM().Topology().Nodes)

	_, err = r.Propose(Command{Op: "bogus", Node: n})
	require.ErrorIs(t, err, ErrUnknownOp)
}
