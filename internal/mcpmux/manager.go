package mcpmux

import (
	"context"
	"fmt"
	"sync"

	"github.com/pml-systems/pml-gateway/internal/telemetry"
	"github.com/pml-systems/pml-gateway/internal/toolerr"
)

// Manager owns one connection per configured tool server and is the
// gateway's single entry point for invoking a tool by server id and name. It
// also owns the health tracker shared by all connections.
type Manager struct {
	tele     telemetry.Bundle
	sampling SamplingHandler

	health *healthTracker

	mu       sync.RWMutex
	configs  map[string]ServerConfig
	conns    map[string]Caller
	mutexes  map[string]*sync.Mutex // per-server call mutex for WriteModeMutex servers
}

// NewManager constructs an empty Manager. Connections are established lazily
// the first time a server is used, or eagerly via Connect.
func NewManager(tele telemetry.Bundle, sampling SamplingHandler) *Manager {
	return &Manager{
		tele:     tele,
		sampling: sampling,
		health:   newHealthTracker(DefaultPingInterval, DefaultMissedPingThreshold, tele.Logger),
		configs:  make(map[string]ServerConfig),
		conns:    make(map[string]Caller),
		mutexes:  make(map[string]*sync.Mutex),
	}
}

// Register adds a server configuration without connecting.
func (m *Manager) Register(cfg ServerConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[cfg.ID] = cfg
	if cfg.WriteMode == WriteModeMutex {
		m.mutexes[cfg.ID] = &sync.Mutex{}
	}
}

// Connect eagerly dials serverID.
func (m *Manager) Connect(ctx context.Context, serverID string) error {
	_, err := m.connOrDial(ctx, serverID)
	return err
}

func (m *Manager) connOrDial(ctx context.Context, serverID string) (Caller, error) {
	m.mu.RLock()
	conn, ok := m.conns[serverID]
	m.mu.RUnlock()
	if ok && conn.State() == StateReady {
		return conn, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Re-check after acquiring the write lock in case another goroutine won the race.
	if conn, ok := m.conns[serverID]; ok && conn.State() == StateReady {
		return conn, nil
	}

	cfg, ok := m.configs[serverID]
	if !ok {
		return nil, toolerr.New(fmt.Sprintf("unknown tool server %q", serverID))
	}

	var newConn Caller
	var err error
	switch cfg.Transport {
	case TransportHTTPStream:
		newConn, err = dialHTTP(ctx, cfg, m.tele, m.sampling)
	default:
		newConn, err = dialStdio(ctx, cfg, m.tele, m.sampling)
	}
	if err != nil {
		m.health.RecordFailure(serverID)
		return nil, err
	}
	m.conns[serverID] = newConn
	m.health.RecordSuccess(serverID)
	return newConn, nil
}

// CallTool invokes a tool on the named server, dialing the connection lazily
// if it is not already established. Servers configured with WriteModeMutex
// serialize CallTool end to end; others allow interleaved concurrent calls.
func (m *Manager) CallTool(ctx context.Context, serverID string, req CallRequest) (CallResponse, error) {
	m.mu.RLock()
	mutex := m.mutexes[serverID]
	m.mu.RUnlock()
	if mutex != nil {
		mutex.Lock()
		defer mutex.Unlock()
	}

	conn, err := m.connOrDial(ctx, serverID)
	if err != nil {
		return CallResponse{}, err
	}

	resp, err := conn.CallTool(ctx, req)
	if err != nil {
		m.health.RecordFailure(serverID)
		return CallResponse{}, err
	}
	m.health.RecordSuccess(serverID)
	return resp, nil
}

// Health reports serverID's derived health.
func (m *Manager) Health(serverID string) ServerHealth { return m.health.Health(serverID) }

// State reports serverID's connection lifecycle state, or StateDisconnected
// if no connection has been established yet.
func (m *Manager) State(serverID string) State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if conn, ok := m.conns[serverID]; ok {
		return conn.State()
	}
	return StateDisconnected
}

// Drain stops serverID's health probe and closes its connection. This
// Manager does not track individual in-flight calls per server, so Drain
// closes the connection immediately; callers that need graceful
// drain should stop routing new work to serverID before calling Drain.
func (m *Manager) Drain(serverID string) error {
	m.mu.Lock()
	conn, ok := m.conns[serverID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	m.health.StopProbe(serverID)
	return conn.Close()
}

// Close tears down every connection and the health tracker.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for id, conn := range m.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.conns, id)
	}
	m.health.Close()
	return firstErr
}
