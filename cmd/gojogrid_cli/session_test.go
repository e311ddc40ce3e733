package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sushant-115/gojogrid/core/prepare"
	"github.com/sushant-115/gojogrid/core/transaction"
	"github.com/sushant-115/gojogrid/core/transport"
)

type recordingExecutor struct {
	addr string
	req  *transport.ExecuteRequest
	res  *transport.ExecuteResponse
	err  error
}

func (r *recordingExecutor) Execute(_ context.Context, addr string, req *transport.ExecuteRequest) (*transport.ExecuteResponse, error) {
	r.addr, r.req = addr, req
	return r.res, r.err
}

func run(s *session, lines ...string) {
	for _, l := range lines {
		s.process(context.Background(), strings.Fields(l))
	}
}

func TestSession_PrepareSendsEnlistedOps(t *testing.T) {
	exec := &recordingExecutor{res: &transport.ExecuteResponse{
		TxID:        "tx-1",
		State:       "PREPARED",
		Nodes:       []prepare.NodeBackups{{Primary: "n1", Backups: []string{"n2"}}},
		DhtVersions: []prepare.EntryVersion{{}},
		Released:    2,
	}}
	var out bytes.Buffer
	s := newSession("10.0.0.1:7400", exec, &out)

	run(s,
		"put accounts alice 100 coins",
		"get accounts bob",
		"lock accounts carol",
		"isolation serializable",
		"timeout 2s",
		"prepare",
	)

	require.Equal(t, "10.0.0.1:7400", exec.addr)
	require.Len(t, exec.req.Ops, 3)
	require.Equal(t, transaction.OpUpdate, exec.req.Ops[0].Op)
	require.Equal(t, []byte("100 coins"), exec.req.Ops[0].Value)
	require.Equal(t, transaction.OpRead, exec.req.Ops[1].Op)
	require.False(t, exec.req.Ops[1].Lock)
	require.True(t, exec.req.Ops[2].Lock)
	require.Equal(t, transaction.Serializable, exec.req.Isolation)
	require.Equal(t, (2 * time.Second).Milliseconds(), exec.req.TimeoutMillis)

	require.Contains(t, out.String(), "PREPARED")
	require.Contains(t, out.String(), "primary n1 backups [n2]")
	require.Contains(t, out.String(), "2 locks released")
	require.Empty(t, s.ops, "a prepared transaction is cleared")
}

func TestSession_PrepareReportsCause(t *testing.T) {
	exec := &recordingExecutor{res: &transport.ExecuteResponse{
		State: "ROLLED_BACK",
		Err:   &prepare.WireError{Kind: transaction.KindTopology, Message: "node left"},
	}}
	var out bytes.Buffer
	s := newSession("a:1", exec, &out)
	run(s, "delete accounts alice", "prepare")
	require.Contains(t, out.String(), "node left")
}

func TestSession_ExecuteFailureKeepsOps(t *testing.T) {
	exec := &recordingExecutor{err: errors.New("connection refused")}
	var out bytes.Buffer
	s := newSession("a:1", exec, &out)
	run(s, "create accounts alice 1", "prepare")
	require.Contains(t, out.String(), "connection refused")
	require.Len(t, s.ops, 1)
}

func TestSession_RejectsBadInput(t *testing.T) {
	exec := &recordingExecutor{}
	var out bytes.Buffer
	s := newSession("a:1", exec, &out)
	run(s, "put accounts", "get accounts", "isolation chaos", "timeout soon", "frobnicate", "prepare")
	require.Empty(t, s.ops)
	require.Nil(t, exec.req, "nothing to prepare")
	require.Equal(t, 6, strings.Count(out.String(), "Error:"))
	require.Equal(t, transaction.RepeatableRead, s.isolation)
}

func TestSession_ExitAndReset(t *testing.T) {
	var out bytes.Buffer
	s := newSession("a:1", &recordingExecutor{}, &out)
	require.True(t, s.process(context.Background(), []string{"transform", "c", "k", "v"}))
	require.True(t, s.process(context.Background(), []string{"reset"}))
	require.Empty(t, s.ops)
	require.True(t, s.process(context.Background(), nil))
	require.False(t, s.process(context.Background(), []string{"EXIT"}))
}
