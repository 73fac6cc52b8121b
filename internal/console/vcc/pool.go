// Package vcc is the client side of the bridging nodes: a pool of gRPC
// connections keyed by node id and a Client that issues the bridging RPCs.
package vcc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// PoolConfig holds configuration for the bridging node pool
type PoolConfig struct {
	// NodeAddresses maps node ID to address (e.g., "vcc-0" -> "10.0.0.5:9400")
	NodeAddresses       map[string]string
	KeepaliveInterval   time.Duration
	KeepaliveTimeout    time.Duration
	HealthCheckInterval time.Duration
	UnhealthyThreshold  int // Number of failed health checks before marking unhealthy
	HealthyThreshold    int // Number of successful health checks before marking healthy

	// DialOptions are appended to the default options.
	DialOptions []grpc.DialOption
}

// DefaultPoolConfig returns sensible defaults
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		KeepaliveInterval:   30 * time.Second,
		KeepaliveTimeout:    10 * time.Second,
		HealthCheckInterval: 5 * time.Second,
		UnhealthyThreshold:  3,
		HealthyThreshold:    2,
	}
}

// ErrUnknownNode is returned for a node id that is not configured.
var ErrUnknownNode = errors.New("unknown bridging node")

// ErrNoAvailableNodes is returned when no healthy node can take a request.
var ErrNoAvailableNodes = errors.New("no available bridging nodes")

// poolMember is one bridging node in the pool
type poolMember struct {
	id           string
	address      string
	conn         *grpc.ClientConn
	healthy      atomic.Bool
	failCount    atomic.Int32
	successCount atomic.Int32
}

// Pool manages connections to the bridging nodes with health checking
type Pool struct {
	mu          sync.RWMutex
	members     []*poolMember
	membersByID map[string]*poolMember
	nextIndex   atomic.Uint64
	config      PoolConfig
	stopCh      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

// NewPool creates a client connection per configured node. Connections are
// established lazily by gRPC; a node that never becomes ready is marked
// unhealthy by the health checker.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if len(cfg.NodeAddresses) == 0 {
		return nil, fmt.Errorf("no bridging node addresses provided")
	}
	d := DefaultPoolConfig()
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = d.HealthCheckInterval
	}
	if cfg.UnhealthyThreshold <= 0 {
		cfg.UnhealthyThreshold = d.UnhealthyThreshold
	}
	if cfg.HealthyThreshold <= 0 {
		cfg.HealthyThreshold = d.HealthyThreshold
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = d.KeepaliveInterval
	}
	if cfg.KeepaliveTimeout <= 0 {
		cfg.KeepaliveTimeout = d.KeepaliveTimeout
	}

	p := &Pool{
		members:     make([]*poolMember, 0, len(cfg.NodeAddresses)),
		membersByID: make(map[string]*poolMember, len(cfg.NodeAddresses)),
		config:      cfg,
		stopCh:      make(chan struct{}),
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                cfg.KeepaliveInterval,
			Timeout:             cfg.KeepaliveTimeout,
			PermitWithoutStream: true,
		}),
	}
	opts = append(opts, cfg.DialOptions...)

	ids := make([]string, 0, len(cfg.NodeAddresses))
	for id := range cfg.NodeAddresses {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, nodeID := range ids {
		addr := cfg.NodeAddresses[nodeID]
		conn, err := grpc.NewClient(addr, opts...)
		if err != nil {
			p.closeConns()
			return nil, fmt.Errorf("bridging node %s at %s: %w", nodeID, addr, err)
		}
		conn.Connect()

		member := &poolMember{id: nodeID, address: addr, conn: conn}
		member.healthy.Store(true)
		p.members = append(p.members, member)
		p.membersByID[nodeID] = member
		slog.Info("[Pool] Bridging node configured", "node_id", nodeID, "address", addr)
	}

	p.wg.Add(1)
	go p.healthChecker()

	slog.Info("[Pool] Bridging node pool initialized", "total", len(p.members))
	return p, nil
}

// healthChecker periodically checks health of all members
func (p *Pool) healthChecker() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.checkAllHealth()
		}
	}
}

// checkAllHealth checks health of all pool members
func (p *Pool) checkAllHealth() {
	for _, member := range p.members {
		if checkMemberHealth(member) {
			member.failCount.Store(0)
			newSuccess := member.successCount.Add(1)

			// Mark healthy after threshold consecutive successes
			if !member.healthy.Load() && int(newSuccess) >= p.config.HealthyThreshold {
				member.healthy.Store(true)
				slog.Info("[Pool] Bridging node marked healthy", "node_id", member.id)
			}
			continue
		}

		member.successCount.Store(0)
		newFail := member.failCount.Add(1)

		// Mark unhealthy after threshold consecutive failures
		if member.healthy.Load() && int(newFail) >= p.config.UnhealthyThreshold {
			member.healthy.Store(false)
			slog.Warn("[Pool] Bridging node marked unhealthy", "node_id", member.id, "address", member.address)
		}
	}
}

// checkMemberHealth reads the connectivity state and kicks idle channels.
func checkMemberHealth(member *poolMember) bool {
	switch member.conn.GetState() {
	case connectivity.Idle:
		member.conn.Connect()
		return true
	case connectivity.TransientFailure, connectivity.Shutdown:
		return false
	default:
		return true
	}
}

// conn returns the connection for nodeID. An empty nodeID picks a healthy
// node round-robin.
func (p *Pool) conn(nodeID string) (*poolMember, error) {
	if nodeID != "" {
		p.mu.RLock()
		m, ok := p.membersByID[nodeID]
		p.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
		}
		return m, nil
	}
	return p.selectMember()
}

// selectMember picks a healthy member using round-robin
func (p *Pool) selectMember() (*poolMember, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	available := make([]*poolMember, 0, len(p.members))
	for _, m := range p.members {
		if m.healthy.Load() {
			available = append(available, m)
		}
	}
	if len(available) == 0 {
		return nil, ErrNoAvailableNodes
	}

	idx := p.nextIndex.Add(1) % uint64(len(available))
	return available[idx], nil
}

// ListNodes returns all node IDs in the pool
func (p *Pool) ListNodes() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	nodes := make([]string, 0, len(p.members))
	for _, m := range p.members {
		nodes = append(nodes, m.id)
	}
	return nodes
}

// Ready reports whether at least one node is healthy
func (p *Pool) Ready() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, m := range p.members {
		if m.healthy.Load() {
			return true
		}
	}
	return false
}

// Close stops health checking and closes every connection
func (p *Pool) Close() error {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	return p.closeConns()
}

func (p *Pool) closeConns() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var lastErr error
	for _, m := range p.members {
		if err := m.conn.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Stats returns pool statistics
func (p *Pool) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := PoolStats{
		TotalMembers: len(p.members),
		Members:      make([]MemberStats, 0, len(p.members)),
	}
	for _, m := range p.members {
		ms := MemberStats{
			NodeID:  m.id,
			Address: m.address,
			Healthy: m.healthy.Load(),
			State:   m.conn.GetState().String(),
		}
		if ms.Healthy {
			stats.HealthyMembers++
		}
		stats.Members = append(stats.Members, ms)
	}
	return stats
}

// PoolStats holds pool statistics
type PoolStats struct {
	TotalMembers   int           `json:"total_members"`
	HealthyMembers int           `json:"healthy_members"`
	Members        []MemberStats `json:"members"`
}

// MemberStats holds stats for a single pool member
type MemberStats struct {
	NodeID  string `json:"node_id"`
	Address string `json:"address"`
	Healthy bool   `json:"healthy"`
	State   string `json:"state"`
}

// invoke runs a unary RPC on nodeID and records failures against the node.
func (p *Pool) invoke(ctx context.Context, nodeID, method string, in, out any) error {
	m, err := p.conn(nodeID)
	if err != nil {
		return err
	}
	if err := m.conn.Invoke(ctx, method, in, out); err != nil {
		m.failCount.Add(1)
		return err
	}
	return nil
}
