package transaction

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sushant-115/gojogrid/core/affinity"
)

// Operation is the kind of change an entry applies to its key.
type Operation int

const (
	OpRead Operation = iota
	OpCreate
	OpUpdate
	OpDelete
	OpTransform
)

func (op Operation) String() string {
	switch op {
	case OpRead:
		return "READ"
	case OpCreate:
		return "CREATE"
	case OpUpdate:
		return "UPDATE"
	case OpDelete:
		return "DELETE"
	case OpTransform:
		return "TRANSFORM"
	default:
		return fmt.Sprintf("Operation(%d)", int(op))
	}
}

// IsWrite reports whether the operation modifies the key.
func (op Operation) IsWrite() bool { return op != OpRead }

// OperationContext carries per-cache flags that travel with every entry of
// the cache. Values are immutable; the With methods return modified copies.
type OperationContext struct {
	SkipStore  bool
	SubjectID  uuid.UUID
	KeepBinary bool
	// Expiry is the time-to-live applied to written values, zero for none.
	Expiry time.Duration
}

// WithSkipStore returns a copy with SkipStore set.
func (c OperationContext) WithSkipStore(skip bool) OperationContext {
	c.SkipStore = skip
	return c
}

// WithSubjectID returns a copy bound to the given security subject.
func (c OperationContext) WithSubjectID(id uuid.UUID) OperationContext {
	c.SubjectID = id
	return c
}

// WithKeepBinary returns a copy that keeps values in binary form.
func (c OperationContext) WithKeepBinary() OperationContext {
	c.KeepBinary = true
	return c
}

// WithExpiry returns a copy with the given time-to-live. Values written with
// an expiry are kept in binary form.
func (c OperationContext) WithExpiry(ttl time.Duration) OperationContext {
	c.KeepBinary = true
	c.Expiry = ttl
	return c
}

// CacheContext describes the cache an entry belongs to.
type CacheContext struct {
	Name string
	// Near caches live on the transaction originator and are mapped apart
	// from the partitioned cache backing them.
	Near     bool
	Affinity affinity.Resolver
	OpCtx    OperationContext
}

// TxKey identifies a key across caches.
type TxKey struct {
	Cache string
	Key   string
}

func (k TxKey) String() string { return k.Cache + "/" + k.Key }

// Entry is one key's pending operation within a transaction.
type Entry struct {
	Cache *CacheContext
	Key   string
	Value []byte
	Op    Operation
	// ExplicitVersion is set when the key was locked explicitly by the user.
	ExplicitVersion *Version

	mu         sync.Mutex
	nodeID     uuid.UUID
	dhtVersion *Version
}

// NewEntry creates an entry for key in cache.
func NewEntry(cache *CacheContext, key string, op Operation, value []byte) *Entry {
	return &Entry{Cache: cache, Key: key, Op: op, Value: value}
}

// TxKey returns the cross-cache key of the entry.
func (e *Entry) TxKey() TxKey {
	return TxKey{Cache: e.Cache.Name, Key: e.Key}
}

// SetNodeID records the resolved primary node.
func (e *Entry) SetNodeID(id uuid.UUID) {
	e.mu.Lock()
	e.nodeID = id
	e.mu.Unlock()
}

// NodeID returns the resolved primary node, uuid.Nil before mapping.
func (e *Entry) NodeID() uuid.UUID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nodeID
}

// SetDhtVersion records the lock version assigned by the primary node.
func (e *Entry) SetDhtVersion(v Version) {
	e.mu.Lock()
	e.dhtVersion = &v
	e.mu.Unlock()
}

// DhtVersion returns the version assigned by the primary, if any.
func (e *Entry) DhtVersion() (Version, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dhtVersion == nil {
		return Version{}, false
	}
	return *e.dhtVersion, true
}

func (e *Entry) String() string {
	return fmt.Sprintf("Entry[key=%s, op=%s, node=%s]", e.TxKey(), e.Op, e.NodeID())
}
