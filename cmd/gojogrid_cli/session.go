package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sushant-115/gojogrid/core/transaction"
	"github.com/sushant-115/gojogrid/core/transport"
)

type executor interface {
	Execute(ctx context.Context, addr string, req *transport.ExecuteRequest) (*transport.ExecuteResponse, error)
}

// session accumulates the operations of one transaction until it is prepared.
type session struct {
	addr      string
	exec      executor
	out       io.Writer
	ops       []transport.ExecuteOp
	isolation transaction.Isolation
	timeout   time.Duration
}

func newSession(addr string, exec executor, out io.Writer) *session {
	return &session{addr: addr, exec: exec, out: out, isolation: transaction.RepeatableRead}
}

var opByCommand = map[string]transaction.Operation{
	"get":       transaction.OpRead,
	"put":       transaction.OpUpdate,
	"create":    transaction.OpCreate,
	"delete":    transaction.OpDelete,
	"transform": transaction.OpTransform,
}

var isolationByName = map[string]transaction.Isolation{
	"read_committed":  transaction.ReadCommitted,
	"repeatable_read": transaction.RepeatableRead,
	"serializable":    transaction.Serializable,
}

// process runs one shell command. It returns false when the shell should exit.
func (s *session) process(ctx context.Context, args []string) bool {
	if len(args) == 0 {
		return true
	}
	command := strings.ToLower(args[0])
	switch command {
	case "get", "delete":
		if len(args) != 3 {
			fmt.Fprintf(s.out, "Error: %s requires <cache> <key>.\n", command)
			return true
		}
		s.add(transport.ExecuteOp{Cache: args[1], Key: args[2], Op: opByCommand[command]})
	case "put", "create", "transform":
		if len(args) < 4 {
			fmt.Fprintf(s.out, "Error: %s requires <cache> <key> <value>.\n", command)
			return true
		}
		value := []byte(strings.Join(args[3:], " "))
		s.add(transport.ExecuteOp{Cache: args[1], Key: args[2], Op: opByCommand[command], Value: value})
	case "lock":
		if len(args) != 3 {
			fmt.Fprintln(s.out, "Error: lock requires <cache> <key>.")
			return true
		}
		s.add(transport.ExecuteOp{Cache: args[1], Key: args[2], Op: transaction.OpRead, Lock: true})
	case "isolation":
		if len(args) != 2 {
			fmt.Fprintln(s.out, "Error: isolation requires read_committed, repeatable_read or serializable.")
			return true
		}
		iso, ok := isolationByName[strings.ToLower(args[1])]
		if !ok {
			fmt.Fprintf(s.out, "Error: unknown isolation %q.\n", args[1])
			return true
		}
		s.isolation = iso
	case "timeout":
		if len(args) != 2 {
			fmt.Fprintln(s.out, "Error: timeout requires a duration such as 5s.")
			return true
		}
		d, err := time.ParseDuration(args[1])
		if err != nil || d < 0 {
			fmt.Fprintf(s.out, "Error: invalid timeout %q.\n", args[1])
			return true
		}
		s.timeout = d
	case "show":
		s.show()
	case "prepare":
		s.prepare(ctx)
	case "reset":
		s.ops = nil
		fmt.Fprintln(s.out, "Transaction cleared.")
	case "help":
		s.help()
	case "exit", "quit":
		return false
	default:
		fmt.Fprintln(s.out, "Error: Unknown command. Type 'help' for a list of commands.")
	}
	return true
}

func (s *session) add(op transport.ExecuteOp) {
	s.ops = append(s.ops, op)
	fmt.Fprintf(s.out, "Enlisted %s %s/%s (%d ops)\n", op.Op, op.Cache, op.Key, len(s.ops))
}

func (s *session) show() {
	if len(s.ops) == 0 {
		fmt.Fprintln(s.out, "Transaction is empty.")
		return
	}
	for i, op := range s.ops {
		lock := ""
		if op.Lock {
			lock = " (locked)"
		}
		fmt.Fprintf(s.out, "%3d  %-9s %s/%s%s\n", i+1, op.Op, op.Cache, op.Key, lock)
	}
}

func (s *session) prepare(ctx context.Context) {
	if len(s.ops) == 0 {
		fmt.Fprintln(s.out, "Error: nothing to prepare.")
		return
	}
	req := &transport.ExecuteRequest{
		Ops:           s.ops,
		Isolation:     s.isolation,
		TimeoutMillis: s.timeout.Milliseconds(),
	}
	res, err := s.exec.Execute(ctx, s.addr, req)
	if err != nil {
		fmt.Fprintf(s.out, "Error: execute failed: %v\n", err)
		return
	}
	s.ops = nil

	fmt.Fprintf(s.out, "Transaction %s [xid=%s, topVer=%d]: %s\n", res.TxID, res.XidVersion, res.TopologyVersion, res.State)
	if res.Err != nil {
		fmt.Fprintf(s.out, "  cause (%s): %s\n", res.Err.Kind, res.Err.Message)
	}
	for _, n := range res.Nodes {
		fmt.Fprintf(s.out, "  primary %s backups %v\n", n.Primary, n.Backups)
	}
	if res.OnePhaseCommit {
		fmt.Fprintln(s.out, "  one-phase commit")
	}
	fmt.Fprintf(s.out, "  %d lock versions assigned, %d locks released\n", len(res.DhtVersions), res.Released)
}

func (s *session) help() {
	fmt.Fprintln(s.out, "Commands:")
	fmt.Fprintln(s.out, "  get <cache> <key>")
	fmt.Fprintln(s.out, "  put|create|transform <cache> <key> <value>")
	fmt.Fprintln(s.out, "  delete <cache> <key>")
	fmt.Fprintln(s.out, "  lock <cache> <key>")
	fmt.Fprintln(s.out, "  isolation read_committed|repeatable_read|serializable")
	fmt.Fprintln(s.out, "  timeout <duration>")
	fmt.Fprintln(s.out, "  show | prepare | reset")
	fmt.Fprintln(s.out, "  help | exit")
}
