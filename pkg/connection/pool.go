// Package connection keeps one shared gRPC client connection per remote
// address. A coordinator sending prepare requests to many primaries reuses
// them instead of dialing per request.
package connection

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
)

var ErrPoolClosed = errors.New("connection pool is closed")

// PoolManager manages one *grpc.ClientConn per address.
type PoolManager struct {
	mu     sync.RWMutex
	conns  map[string]*grpc.ClientConn
	opts   []grpc.DialOption
	closed bool
	logger *zap.Logger
}

// NewPoolManager creates a pool. opts are applied to every new connection;
// without transport credentials in opts the connections are plaintext.
func NewPoolManager(logger *zap.Logger, opts ...grpc.DialOption) *PoolManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PoolManager{
		conns:  make(map[string]*grpc.ClientConn),
		opts:   opts,
		logger: logger.Named("connpool"),
	}
}

// Get returns the connection for address, creating it on first use.
func (m *PoolManager) Get(address string) (*grpc.ClientConn, error) {
	m.mu.RLock()
	conn, ok := m.conns[address]
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrPoolClosed
	}
	if ok && conn.GetState() != connectivity.Shutdown {
		return conn, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrPoolClosed
	}
	// Double-check after acquiring write lock
	if conn, ok := m.conns[address]; ok && conn.GetState() != connectivity.Shutdown {
		return conn, nil
	}

	opts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, m.opts...)
	// passthrough hands the address to the dialer untouched.
	conn, err := grpc.NewClient("passthrough:///"+address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", address, err)
	}
	conn.Connect()
	m.conns[address] = conn
	m.logger.Debug("Opened connection", zap.String("address", address))
	return conn, nil
}

// State reports the connectivity state of the connection to address. ok is
// false when no connection was opened yet.
func (m *PoolManager) State(address string) (state connectivity.State, ok bool) {
	m.mu.RLock()
	conn, ok := m.conns[address]
	m.mu.RUnlock()
	if !ok {
		return connectivity.Idle, false
	}
	return conn.GetState(), true
}

// Remove closes and forgets the connection to address.
func (m *PoolManager) Remove(address string) error {
	m.mu.Lock()
	conn, ok := m.conns[address]
	delete(m.conns, address)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return conn.Close()
}

// Len returns the number of pooled connections.
func (m *PoolManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Close shuts down every connection. Get fails afterwards.
func (m *PoolManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for addr, conn := range m.conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", addr, err))
		}
	}
	m.conns = make(map[string]*grpc.ClientConn)
	m.closed = true
	return errors.Join(errs...)
}
