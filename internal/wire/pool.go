/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package wire

import (
	"sync"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
)

// ConnPool caches one *grpc.ClientConn per endpoint, dialing lazily and
// reusing the connection across calls. Adapted from the teacher's
// sharding.Transport.getClient double-checked-locking cache, generalized
// from a raft-peer-id keyed map to an endpoint-string keyed one shared by
// both peer and orderer dialing.
type ConnPool struct {
	mu      sync.RWMutex
	conns   map[string]*grpc.ClientConn
	tlsCfg  TLSConfig
	ka      KeepaliveConfig
}

// NewConnPool builds an empty pool that dials new endpoints with tlsCfg and
// ka.
func NewConnPool(tlsCfg TLSConfig, ka KeepaliveConfig) *ConnPool {
	return &ConnPool{
		conns:  make(map[string]*grpc.ClientConn),
		tlsCfg: tlsCfg,
		ka:     ka,
	}
}

// Get returns the cached connection for endpoint, dialing and caching one
// if none exists yet.
func (p *ConnPool) Get(endpoint string) (*grpc.ClientConn, error) {
	p.mu.RLock()
	conn, ok := p.conns[endpoint]
	p.mu.RUnlock()
	if ok {
		return conn, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, ok := p.conns[endpoint]; ok {
		return conn, nil
	}

	conn, err := Dial(endpoint, p.tlsCfg, p.ka)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to dial %s", endpoint)
	}
	p.conns[endpoint] = conn
	return conn, nil
}

// Close tears down every pooled connection. An error from an individual
// close does not stop the sweep; only the first such error is returned.
func (p *ConnPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for endpoint, conn := range p.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = errors.WithMessagef(err, "failed to close connection to %s", endpoint)
		}
	}
	p.conns = make(map[string]*grpc.ClientConn)
	return firstErr
}

// Evict drops endpoint from the cache, closing its connection if present.
// Callers use this after a connection is observed to be permanently broken,
// so the next Get redials instead of handing back the dead connection.
func (p *ConnPool) Evict(endpoint string) {
	p.mu.Lock()
	conn, ok := p.conns[endpoint]
	delete(p.conns, endpoint)
	p.mu.Unlock()

	if ok {
		_ = conn.Close()
	}
}
