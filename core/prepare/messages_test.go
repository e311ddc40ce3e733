package prepare

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sushant-115/gojogrid/core/cluster"
	"github.com/sushant-115/gojogrid/core/transaction"
)

func TestWireError_PreservesKind(t *testing.T) {
	node := uuid.New()

	tests := []struct {
		name  string
		err   error
		check func(t *testing.T, got error)
	}{
		{
			name: "topology",
			err:  &transaction.TopologyError{NodeID: node, Reason: "unreachable"},
			check: func(t *testing.T, got error) {
				var topErr *transaction.TopologyError
				require.ErrorAs(t, got, &topErr)
				require.Equal(t, node, topErr.NodeID)
				require.Equal(t, "unreachable", topErr.Reason)
			},
		},
		{
			name: "lock conflict",
			err:  &transaction.ApplicationError{NodeID: node, Err: transaction.ErrKeyLocked},
			check: func(t *testing.T, got error) {
				require.ErrorIs(t, got, transaction.ErrKeyLocked)
				var appErr *transaction.ApplicationError
				require.ErrorAs(t, got, &appErr)
				require.Equal(t, node, appErr.NodeID)
			},
		},
		{
			name: "timeout",
			err:  fmt.Errorf("remote: %w", transaction.ErrTxTimeout),
			check: func(t *testing.T, got error) {
				require.ErrorIs(t, got, transaction.ErrTxTimeout)
			},
		},
		{
			name: "plain",
			err:  errors.New("store failure"),
			check: func(t *testing.T, got error) {
				require.Equal(t, transaction.KindApplication, transaction.KindOf(got))
				require.ErrorContains(t, got, "store failure")
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := ToWireError(tc.err, node)
			require.Equal(t, transaction.KindOf(tc.err), w.Kind)
			tc.check(t, w.Err())
		})
	}

	require.Nil(t, ToWireError(nil, node))
	var nilWire *WireError
	require.NoError(t, nilWire.Err())
}

func TestWireError_MalformedNodeBlamesSender(t *testing.T) {
	sender := uuid.New()

	topo := &WireError{Kind: transaction.KindTopology, Message: "gone", NodeID: "not-a-uuid"}
	var topErr *transaction.TopologyError
	require.ErrorAs(t, topo.ErrFrom(sender), &topErr)
	require.Equal(t, sender, topErr.NodeID)

	app := &WireError{Kind: transaction.KindApplication, Message: transaction.ErrKeyLocked.Error()}
	var appErr *transaction.ApplicationError
	require.ErrorAs(t, app.ErrFrom(sender), &appErr)
	require.Equal(t, sender, appErr.NodeID)
	require.ErrorIs(t, appErr, transaction.ErrKeyLocked)

	timeout := &WireError{Kind: transaction.KindTimeout, NodeID: "??"}
	require.ErrorIs(t, timeout.ErrFrom(sender), transaction.ErrTxTimeout)
	require.ErrorContains(t, timeout.ErrFrom(sender), sender.String())

	valid := uuid.New()
	ok := &WireError{Kind: transaction.KindTopology, NodeID: valid.String()}
	require.ErrorAs(t, ok.ErrFrom(sender), &topErr)
	require.Equal(t, valid, topErr.NodeID, "a well-formed id is kept")
}

func TestInFlight_RoutesByFutureID(t *testing.T) {
	f := newFixture(t)
	a := remote("a", 2)
	cache := &transaction.CacheContext{Name: "accounts", Affinity: staticResolver{"k1": {a}, "k2": {a}}}

	c1 := f.mgr.Prepare(context.Background(), newTx(cache, nil, "k1"))
	c2 := f.mgr.Prepare(context.Background(), newTx(cache, nil, "k2"))
	require.Equal(t, 2, f.mgr.InFlight().Len())

	got, ok := f.mgr.InFlight().Get(c2.FutureID().String())
	require.True(t, ok)
	require.Same(t, c2, got)

	sent := f.transport.requests()
	require.Len(t, sent, 2)
	require.True(t, f.mgr.Deliver(a.ID, success(sent[1].req, a.ID)))
	_, err := wait(t, c2)
	require.NoError(t, err)
	require.False(t, c1.IsDone())
	require.Equal(t, 1, f.mgr.InFlight().Len())

	require.False(t, f.mgr.OnNodeLeft(cluster.Node{ID: uuid.New()}))
	require.True(t, f.mgr.OnNodeLeft(a))
	_, err = wait(t, c1)
	require.True(t, transaction.IsTopologyError(err))
	require.Equal(t, 0, f.mgr.InFlight().Len())
}

func TestNewManager_Validation(t *testing.T) {
	logger := zaptest.NewLogger(t)
	_, err := NewManager(Config{}, logger)
	require.Error(t, err)

	_, err = NewManager(Config{LocalNodeID: uuid.New(), Transport: &recordingTransport{}}, logger)
	require.Error(t, err)

	_, err = NewManager(Config{LocalNodeID: uuid.New(), Transport: &recordingTransport{}, Local: &stubLocal{}}, nil)
	require.NoError(t, err)
}
