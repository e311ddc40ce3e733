package prepare

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sushant-115/gojogrid/core/transaction"
)

// WireEntry is one transaction entry as carried in a prepare request.
type WireEntry struct {
	Cache           string                `codec:"cache"`
	Key             string                `codec:"key"`
	Value           []byte                `codec:"value,omitempty"`
	Op              transaction.Operation `codec:"op"`
	ExplicitVersion *transaction.Version  `codec:"explicit_ver,omitempty"`
	SkipStore       bool                  `codec:"skip_store,omitempty"`
	KeepBinary      bool                  `codec:"keep_binary,omitempty"`
	ExpiryMillis    int64                 `codec:"expiry_ms,omitempty"`
}

// TxKey returns the cross-cache key of the entry.
func (w WireEntry) TxKey() transaction.TxKey {
	return transaction.TxKey{Cache: w.Cache, Key: w.Key}
}

func toWireEntry(e *transaction.Entry) WireEntry {
	w := WireEntry{
		Cache:           e.Cache.Name,
		Key:             e.Key,
		Value:           e.Value,
		Op:              e.Op,
		ExplicitVersion: e.ExplicitVersion,
		SkipStore:       e.Cache.OpCtx.SkipStore,
		KeepBinary:      e.Cache.OpCtx.KeepBinary,
	}
	if e.Cache.OpCtx.Expiry > 0 {
		w.ExpiryMillis = e.Cache.OpCtx.Expiry.Milliseconds()
	}
	return w
}

// NodeBackups lists the backups of one primary.
type NodeBackups struct {
	Primary string   `codec:"primary"`
	Backups []string `codec:"backups"`
}

// EntryVersion pairs a key with the lock version its primary assigned. A nil
// Version in a request reserves a slot the primary must fill.
type EntryVersion struct {
	Cache   string               `codec:"cache"`
	Key     string               `codec:"key"`
	Version *transaction.Version `codec:"ver,omitempty"`
}

// Request asks one primary node to lock and prepare its share of a transaction.
type Request struct {
	FutureID        string                  `codec:"fut_id"`
	MiniID          string                  `codec:"mini_id"`
	TopologyVersion uint64                  `codec:"top_ver"`
	XidVersion      transaction.Version     `codec:"xid_ver"`
	TxID            string                  `codec:"tx_id"`
	Concurrency     transaction.Concurrency `codec:"concurrency"`
	Isolation       transaction.Isolation   `codec:"isolation"`
	TimeoutMillis   int64                   `codec:"timeout_ms"`
	Reads           []WireEntry             `codec:"reads"`
	Writes          []WireEntry             `codec:"writes"`
	Near            bool                    `codec:"near"`
	TxNodes         []NodeBackups           `codec:"tx_nodes"`
	Last            bool                    `codec:"last"`
	Backups         []string                `codec:"backups"`
	OnePhaseCommit  bool                    `codec:"one_phase"`
	ReturnValue     bool                    `codec:"return_value"`
	ImplicitSingle  bool                    `codec:"implicit_single"`
	ExplicitLock    bool                    `codec:"explicit_lock"`
	SubjectID       string                  `codec:"subject_id"`
	TaskNameHash    int32                   `codec:"task_name_hash"`
	DhtVersions     []EntryVersion          `codec:"dht_vers"`
}

// Entries returns reads followed by writes.
func (r *Request) Entries() []WireEntry {
	out := make([]WireEntry, 0, len(r.Reads)+len(r.Writes))
	out = append(out, r.Reads...)
	return append(out, r.Writes...)
}

func (r *Request) String() string {
	return fmt.Sprintf("PrepareRequest[fut=%s, mini=%s, xid=%s, topVer=%d, reads=%d, writes=%d, near=%t, onePhase=%t]",
		r.FutureID, r.MiniID, r.XidVersion, r.TopologyVersion, len(r.Reads), len(r.Writes), r.Near, r.OnePhaseCommit)
}

// Response is a primary node's answer to a Request. Err is set when the node
// rejected the request.
type Response struct {
	FutureID    string         `codec:"fut_id"`
	MiniID      string         `codec:"mini_id"`
	NodeID      string         `codec:"node_id"`
	DhtVersions []EntryVersion `codec:"dht_vers"`
	Err         *WireError     `codec:"err,omitempty"`
}

// NewResponse builds the reply to req sent by node.
func NewResponse(req *Request, node uuid.UUID) *Response {
	return &Response{FutureID: req.FutureID, MiniID: req.MiniID, NodeID: node.String()}
}

// ErrorResponse builds a reply carrying err.
func ErrorResponse(req *Request, node uuid.UUID, err error) *Response {
	res := NewResponse(req, node)
	res.Err = ToWireError(err, node)
	return res
}

// WireError is an error flattened for transport.
type WireError struct {
	Kind    transaction.ErrorKind `codec:"kind"`
	Message string                `codec:"msg"`
	NodeID  string                `codec:"node_id"`
}

func (w *WireError) Error() string { return w.Message }

// knownErrors are rebuilt by identity so callers can keep using errors.Is.
var knownErrors = []error{
	transaction.ErrKeyLocked,
	transaction.ErrTxRolledBack,
	transaction.ErrPrepareFailed,
}

// ToWireError flattens err raised on node.
func ToWireError(err error, node uuid.UUID) *WireError {
	if err == nil {
		return nil
	}
	w := &WireError{Kind: transaction.KindOf(err), Message: err.Error(), NodeID: node.String()}

	var topErr *transaction.TopologyError
	var appErr *transaction.ApplicationError
	switch {
	case errors.As(err, &topErr):
		w.NodeID = topErr.NodeID.String()
		w.Message = topErr.Reason
	case errors.As(err, &appErr):
		w.NodeID = appErr.NodeID.String()
		w.Message = appErr.Err.Error()
	}
	return w
}

// Err rebuilds a typed error from the wire form.
func (w *WireError) Err() error {
	return w.ErrFrom(uuid.Nil)
}

// ErrFrom is Err for an error received from sender. sender is blamed when
// the carried node id is missing or malformed.
func (w *WireError) ErrFrom(sender uuid.UUID) error {
	if w == nil {
		return nil
	}
	node, err := uuid.Parse(w.NodeID)
	if err != nil {
		node = sender
	}
	switch w.Kind {
	case transaction.KindTopology:
		return &transaction.TopologyError{NodeID: node, Reason: w.Message}
	case transaction.KindTimeout:
		return fmt.Errorf("node %s: %w", node, transaction.ErrTxTimeout)
	case transaction.KindInvalidState:
		return fmt.Errorf("node %s: %w", node, transaction.ErrInvalidTxState)
	}
	for _, known := range knownErrors {
		switch {
		case w.Message == known.Error():
			return &transaction.ApplicationError{NodeID: node, Err: known}
		case strings.HasPrefix(w.Message, known.Error()+":"):
			detail := strings.TrimPrefix(w.Message, known.Error())
			return &transaction.ApplicationError{NodeID: node, Err: fmt.Errorf("%w%s", known, detail)}
		}
	}
	return &transaction.ApplicationError{NodeID: node, Err: errors.New(w.Message)}
}

// Timeout returns the transaction timeout carried by the request.
func (r *Request) Timeout() time.Duration {
	return time.Duration(r.TimeoutMillis) * time.Millisecond
}
