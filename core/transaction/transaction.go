package transaction

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// TransactionState represents the state of a transaction on its coordinating node.
type TransactionState int32

const (
	TxStateActive         TransactionState = iota // Operations are being enlisted
	TxStatePreparing                              // Prepare requests are in flight
	TxStatePrepared                               // Every owning node locked its keys and agreed
	TxStateMarkedRollback                         // The transaction can only be rolled back
)

func (s TransactionState) String() string {
	switch s {
	case TxStateActive:
		return "ACTIVE"
	case TxStatePreparing:
		return "PREPARING"
	case TxStatePrepared:
		return "PREPARED"
	case TxStateMarkedRollback:
		return "MARKED_ROLLBACK"
	default:
		return fmt.Sprintf("TransactionState(%d)", int32(s))
	}
}

// Concurrency is the locking discipline of a transaction.
type Concurrency int

const (
	Pessimistic Concurrency = iota
	Optimistic
)

func (c Concurrency) String() string {
	if c == Optimistic {
		return "OPTIMISTIC"
	}
	return "PESSIMISTIC"
}

// Isolation is the isolation level of a transaction.
type Isolation int

const (
	ReadCommitted Isolation = iota
	RepeatableRead
	Serializable
)

// Options configure a new transaction.
type Options struct {
	Concurrency     Concurrency
	Isolation       Isolation
	TopologyVersion uint64
	// Timeout of zero means the transaction never times out.
	Timeout time.Duration
	// SubjectID identifies the security subject that started the transaction.
	SubjectID    uuid.UUID
	TaskNameHash int32
	// Implicit transactions are started by a single cache operation.
	Implicit        bool
	ImplicitSingle  bool
	NeedReturnValue bool
	// NodeOrder is the join order of the coordinating node, used in versions.
	NodeOrder int64
}

var xidOrder atomic.Uint64

// Tx is a transaction owned by its coordinating node. State is only changed
// through TransitionTo and SetRollbackOnly.
type Tx struct {
	ID              uuid.UUID
	XidVersion      Version
	Concurrency     Concurrency
	Isolation       Isolation
	TopologyVersion uint64
	Timeout         time.Duration
	StartTime       time.Time
	SubjectID       uuid.UUID
	TaskNameHash    int32
	Implicit        bool
	ImplicitSingle  bool
	NeedReturnValue bool

	state atomic.Int32

	mu             sync.RWMutex
	entries        []*Entry
	txNodes        map[uuid.UUID][]uuid.UUID
	onePhaseCommit bool
}

// New creates an ACTIVE transaction.
func New(opts Options) *Tx {
	return &Tx{
		ID: uuid.New(),
		XidVersion: Version{
			TopologyVersion: opts.TopologyVersion,
			Order:           xidOrder.Add(1),
			NodeOrder:       opts.NodeOrder,
		},
		Concurrency:     opts.Concurrency,
		Isolation:       opts.Isolation,
		TopologyVersion: opts.TopologyVersion,
		Timeout:         opts.Timeout,
		StartTime:       time.Now(),
		SubjectID:       opts.SubjectID,
		TaskNameHash:    opts.TaskNameHash,
		Implicit:        opts.Implicit,
		ImplicitSingle:  opts.ImplicitSingle,
		NeedReturnValue: opts.NeedReturnValue,
	}
}

// Pessimistic reports whether the transaction locks keys before prepare.
func (tx *Tx) Pessimistic() bool { return tx.Concurrency == Pessimistic }

// State returns the current state.
func (tx *Tx) State() TransactionState {
	return TransactionState(tx.state.Load())
}

// TransitionTo moves the transaction to the given state if the move is legal
// from the current state. It reports whether the transition happened.
func (tx *Tx) TransitionTo(to TransactionState) bool {
	for {
		from := tx.State()
		if !validTransition(from, to) {
			return false
		}
		if tx.state.CompareAndSwap(int32(from), int32(to)) {
			return true
		}
	}
}

// SetRollbackOnly marks the transaction rollback-only. It returns true when
// the transaction is rollback-only after the call.
func (tx *Tx) SetRollbackOnly() bool {
	if tx.State() == TxStateMarkedRollback {
		return true
	}
	return tx.TransitionTo(TxStateMarkedRollback) || tx.State() == TxStateMarkedRollback
}

func validTransition(from, to TransactionState) bool {
	switch to {
	case TxStatePreparing:
		return from == TxStateActive
	case TxStatePrepared:
		return from == TxStatePreparing
	case TxStateMarkedRollback:
		return from == TxStateActive || from == TxStatePreparing
	}
	return false
}

// Deadline returns when the transaction times out and whether it has a timeout.
func (tx *Tx) Deadline() (time.Time, bool) {
	if tx.Timeout <= 0 {
		return time.Time{}, false
	}
	return tx.StartTime.Add(tx.Timeout), true
}

// TimedOut reports whether the deadline has passed.
func (tx *Tx) TimedOut() bool {
	d, ok := tx.Deadline()
	return ok && !time.Now().Before(d)
}

// AddEntry enlists an entry. Entries keep their enlist order.
func (tx *Tx) AddEntry(e *Entry) {
	tx.mu.Lock()
	tx.entries = append(tx.entries, e)
	tx.mu.Unlock()
}

// AllEntries returns the enlisted entries in enlist order.
func (tx *Tx) AllEntries() []*Entry {
	tx.mu.RLock()
	defer tx.mu.RUnlock()
	out := make([]*Entry, len(tx.entries))
	copy(out, tx.entries)
	return out
}

// Entry finds an enlisted entry by key.
func (tx *Tx) Entry(k TxKey) (*Entry, bool) {
	tx.mu.RLock()
	defer tx.mu.RUnlock()
	for _, e := range tx.entries {
		if e.TxKey() == k {
			return e, true
		}
	}
	return nil, false
}

// SetTransactionNodes records primary -> backups for the commit fan-out.
func (tx *Tx) SetTransactionNodes(nodes map[uuid.UUID][]uuid.UUID) {
	tx.mu.Lock()
	tx.txNodes = nodes
	tx.mu.Unlock()
}

// TransactionNodes returns the map recorded by SetTransactionNodes.
func (tx *Tx) TransactionNodes() map[uuid.UUID][]uuid.UUID {
	tx.mu.RLock()
	defer tx.mu.RUnlock()
	return tx.txNodes
}

// SetOnePhaseCommit records whether prepare and commit can be merged.
func (tx *Tx) SetOnePhaseCommit(v bool) {
	tx.mu.Lock()
	tx.onePhaseCommit = v
	tx.mu.Unlock()
}

// OnePhaseCommit reports the flag set by SetOnePhaseCommit.
func (tx *Tx) OnePhaseCommit() bool {
	tx.mu.RLock()
	defer tx.mu.RUnlock()
	return tx.onePhaseCommit
}

func (tx *Tx) String() string {
	return fmt.Sprintf("Tx[id=%s, xid=%s, concurrency=%s, state=%s, topVer=%d, entries=%d]",
		tx.ID, tx.XidVersion, tx.Concurrency, tx.State(), tx.TopologyVersion, len(tx.AllEntries()))
}
