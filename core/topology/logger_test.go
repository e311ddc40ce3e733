package topology

import (
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestRaftLogger_Levels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewRaftLogger(zap.New(core))
	require.Equal(t, hclog.Debug, l.GetLevel())

	l.Named("raft").With("peer", "n2").Info("entering follower state", "term", 3)
	l.Debug("failed to get log: tx closed")
	l.SetLevel(hclog.Warn)
	l.Info("suppressed")
	l.Log(hclog.Error, "failed to contact quorum", "odd")

	entries := logs.AllUntimed()
	require.Len(t, entries, 2)
	require.Equal(t, "entering follower state", entries[0].Message)
	require.Equal(t, "raft", entries[0].LoggerName)
	fields := entries[0].ContextMap()
	require.Equal(t, "n2", fields["peer"])
	require.EqualValues(t, 3, fields["term"])
	require.Equal(t, zapcore.ErrorLevel, entries[1].Level)
	require.Equal(t, "(missing)", entries[1].ContextMap()["odd"])
	require.False(t, l.IsInfo())
	require.True(t, l.IsError())
}
