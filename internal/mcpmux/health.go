package mcpmux

import (
	"context"
	"sync"
	"time"

	"github.com/pml-systems/pml-gateway/internal/telemetry"
)

// DefaultPingInterval is the default interval between health check pings.
const DefaultPingInterval = 10 * time.Second

// DefaultMissedPingThreshold is the number of consecutive missed pings before
// a server is reported unhealthy.
const DefaultMissedPingThreshold = 3

// ServerHealth reports a ToolServer connection's derived health.
type ServerHealth struct {
	Healthy            bool
	LastSuccess        time.Time
	Age                time.Duration
	StalenessThreshold time.Duration
	ConsecutiveFails   int
}

// healthTracker maintains a rolling health record per tool server: every
// successful call marks the server fresh, and a background ticker probes
// idle servers with a lightweight tools/list so failures surface before a
// real request times out.
type healthTracker struct {
	pingInterval        time.Duration
	missedPingThreshold int
	stalenessThreshold  time.Duration
	logger              telemetry.Logger

	mu      sync.RWMutex
	state   map[string]*serverHealthState
	cancels map[string]context.CancelFunc
}

type serverHealthState struct {
	lastSuccess      time.Time
	consecutiveFails int
}

func newHealthTracker(pingInterval time.Duration, missedThreshold int, logger telemetry.Logger) *healthTracker {
	if pingInterval <= 0 {
		pingInterval = DefaultPingInterval
	}
	if missedThreshold <= 0 {
		missedThreshold = DefaultMissedPingThreshold
	}
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &healthTracker{
		pingInterval:        pingInterval,
		missedPingThreshold: missedThreshold,
		stalenessThreshold:  time.Duration(missedThreshold+1) * pingInterval,
		logger:              logger,
		state:               make(map[string]*serverHealthState),
		cancels:             make(map[string]context.CancelFunc),
	}
}

// RecordSuccess marks serverID as having answered a call just now.
func (h *healthTracker) RecordSuccess(serverID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.stateFor(serverID)
	s.lastSuccess = time.Now()
	s.consecutiveFails = 0
}

// RecordFailure increments serverID's consecutive-failure counter.
func (h *healthTracker) RecordFailure(serverID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.stateFor(serverID)
	s.consecutiveFails++
	if s.consecutiveFails == h.missedPingThreshold {
		h.logger.Warn(context.Background(), "tool server became unhealthy",
			"server_id", serverID, "consecutive_fails", s.consecutiveFails)
	}
}

func (h *healthTracker) stateFor(serverID string) *serverHealthState {
	s, ok := h.state[serverID]
	if !ok {
		s = &serverHealthState{}
		h.state[serverID] = s
	}
	return s
}

// Health reports serverID's derived health.
func (h *healthTracker) Health(serverID string) ServerHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.state[serverID]
	if !ok {
		return ServerHealth{StalenessThreshold: h.stalenessThreshold}
	}
	age := time.Since(s.lastSuccess)
	healthy := s.consecutiveFails < h.missedPingThreshold && (s.lastSuccess.IsZero() || age <= h.stalenessThreshold)
	return ServerHealth{
		Healthy:            healthy,
		LastSuccess:        s.lastSuccess,
		Age:                age,
		StalenessThreshold: h.stalenessThreshold,
		ConsecutiveFails:   s.consecutiveFails,
	}
}

func (h *healthTracker) IsHealthy(serverID string) bool { return h.Health(serverID).Healthy }

// StartProbe launches a background ping loop for serverID using the given
// probe func, typically a lightweight tools/list call through the connection.
func (h *healthTracker) StartProbe(ctx context.Context, serverID string, probe func(context.Context) error) {
	h.mu.Lock()
	if _, ok := h.cancels[serverID]; ok {
		h.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	h.cancels[serverID] = cancel
	h.mu.Unlock()

	go func() {
		ticker := time.NewTicker(h.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				callCtx, cancel := context.WithTimeout(loopCtx, h.pingInterval)
				err := probe(callCtx)
				cancel()
				if err != nil {
					h.RecordFailure(serverID)
				} else {
					h.RecordSuccess(serverID)
				}
			}
		}
	}()
}

// StopProbe halts serverID's background ping loop and clears its state.
func (h *healthTracker) StopProbe(serverID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cancel, ok := h.cancels[serverID]; ok {
		cancel()
		delete(h.cancels, serverID)
	}
	delete(h.state, serverID)
}

func (h *healthTracker) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, cancel := range h.cancels {
		cancel()
	}
	h.cancels = make(map[string]context.CancelFunc)
}
