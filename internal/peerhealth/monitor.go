// Package peerhealth tracks per-peer throughput and latency, maintains the
// persistent blacklist and reputation table, and selects low performers for
// periodic rotation.
package peerhealth

import (
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"swarmstream/internal/domain"
)

const (
	// DefaultRotationThreshold is the minimum swarm size before rotation
	// considers a session.
	DefaultRotationThreshold = 5
	// latencyWindow bounds the simple moving average of probe round-trips.
	latencyWindow = 8
)

type peerState struct {
	conn      domain.PeerConnection
	lastAt    time.Time
	lastDown  int64
	lastUp    int64
	latencies []float64
}

type Monitor struct {
	rotationThreshold int
	logger            *slog.Logger
	now               func() time.Time

	mu         sync.Mutex
	peers      map[domain.PeerAddr]*peerState
	reputation map[domain.PeerAddr]*domain.PeerReputationEntry
	blacklist  map[domain.PeerAddr]struct{}
}

func New(rotationThreshold int, logger *slog.Logger) *Monitor {
	if rotationThreshold <= 0 {
		rotationThreshold = DefaultRotationThreshold
	}
	return &Monitor{
		rotationThreshold: rotationThreshold,
		logger:            logger,
		now:               time.Now,
		peers:             make(map[domain.PeerAddr]*peerState),
		reputation:        make(map[domain.PeerAddr]*domain.PeerReputationEntry),
		blacklist:         make(map[domain.PeerAddr]struct{}),
	}
}

// Allowed reports whether a peer may connect. Blacklisted addresses are
// refused before any handshake is attempted.
func (m *Monitor) Allowed(addr domain.PeerAddr) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, banned := m.blacklist[addr]
	return !banned
}

// Blacklist adds an address to the persistent rejection set and forgets its
// live state.
func (m *Monitor) Blacklist(addr domain.PeerAddr) {
	m.mu.Lock()
	m.blacklist[addr] = struct{}{}
	delete(m.peers, addr)
	m.mu.Unlock()
	m.logger.Info("peer blacklisted", slog.String("addr", string(addr)))
}

// OnPeerConnected registers a peer for a session, creating the connection
// record on first sight.
func (m *Monitor) OnPeerConnected(sessionID domain.SessionID, addr domain.PeerAddr) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.peers[addr]
	if !ok {
		st = &peerState{
			conn: domain.PeerConnection{
				Addr:        addr,
				Sessions:    make(map[domain.SessionID]struct{}),
				ConnectedAt: now,
			},
			lastAt: now,
		}
		m.peers[addr] = st
	}
	st.conn.Sessions[sessionID] = struct{}{}

	rep := m.reputationLocked(addr)
	rep.Successes++
	rep.LastSeen = now
}

// OnPeerDisconnected drops the session membership; a peer with no sessions
// left is removed entirely (a connection must always belong to a session).
func (m *Monitor) OnPeerDisconnected(sessionID domain.SessionID, addr domain.PeerAddr, clean bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st, ok := m.peers[addr]; ok {
		delete(st.conn.Sessions, sessionID)
		if len(st.conn.Sessions) == 0 {
			delete(m.peers, addr)
		}
	}
	if !clean {
		rep := m.reputationLocked(addr)
		rep.Failures++
		rep.LastSeen = m.now()
	}
}

// OnTransfer accumulates bytes moved with a peer.
func (m *Monitor) OnTransfer(addr domain.PeerAddr, downBytes, upBytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.peers[addr]
	if !ok {
		return
	}
	st.conn.BytesDown += downBytes
	st.conn.BytesUp += upBytes

	rep := m.reputationLocked(addr)
	rep.TotalBytes += downBytes + upBytes
	rep.LastSeen = m.now()
}

// ObserveLatency folds a probe round-trip into the peer's moving average.
func (m *Monitor) ObserveLatency(addr domain.PeerAddr, rtt time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.peers[addr]
	if !ok {
		return
	}
	st.latencies = append(st.latencies, float64(rtt.Milliseconds()))
	if len(st.latencies) > latencyWindow {
		st.latencies = st.latencies[len(st.latencies)-latencyWindow:]
	}
	var sum float64
	for _, l := range st.latencies {
		sum += l
	}
	st.conn.LatencyMS = sum / float64(len(st.latencies))
}

// SampleSpeeds recomputes rolling speeds from cumulative byte deltas.
// Negative deltas (engine restart) are clamped to zero.
func (m *Monitor) SampleSpeeds() {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, st := range m.peers {
		dt := now.Sub(st.lastAt).Seconds()
		if dt <= 0 {
			continue
		}
		deltaDown := st.conn.BytesDown - st.lastDown
		deltaUp := st.conn.BytesUp - st.lastUp
		if deltaDown < 0 {
			deltaDown = 0
		}
		if deltaUp < 0 {
			deltaUp = 0
		}
		st.conn.DownloadSpeed = int64(float64(deltaDown) / dt)
		st.conn.UploadSpeed = int64(float64(deltaUp) / dt)
		st.lastAt = now
		st.lastDown = st.conn.BytesDown
		st.lastUp = st.conn.BytesUp
	}
}

// Peers returns copies of the connections participating in a session.
func (m *Monitor) Peers(sessionID domain.SessionID) []domain.PeerConnection {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.PeerConnection
	for _, st := range m.peers {
		if _, ok := st.conn.Sessions[sessionID]; ok {
			c := st.conn
			c.Sessions = nil
			out = append(out, c)
		}
	}
	return out
}

// RotationCandidates returns the bottom 20% (rounded up) of a session's
// peers by combined speed, or nil when the swarm is at or below the
// threshold. The caller disconnects them and triggers a re-announce.
func (m *Monitor) RotationCandidates(sessionID domain.SessionID) []domain.PeerAddr {
	peers := m.Peers(sessionID)
	if len(peers) <= m.rotationThreshold {
		return nil
	}

	sort.Slice(peers, func(i, j int) bool {
		return peers[i].Throughput() < peers[j].Throughput()
	})

	drop := int(math.Ceil(0.2 * float64(len(peers))))
	addrs := make([]domain.PeerAddr, 0, drop)
	for _, p := range peers[:drop] {
		addrs = append(addrs, p.Addr)
	}
	return addrs
}

// HealthScore summarizes a session's swarm quality in [0,1]: share of peers
// moving data, discounted by high average latency.
func (m *Monitor) HealthScore(sessionID domain.SessionID) float64 {
	peers := m.Peers(sessionID)
	if len(peers) == 0 {
		return 0
	}
	active := 0
	var latencySum float64
	for _, p := range peers {
		if p.Throughput() > 0 {
			active++
		}
		latencySum += p.LatencyMS
	}
	score := float64(active) / float64(len(peers))
	avgLatency := latencySum / float64(len(peers))
	if avgLatency > 500 {
		score *= 0.5
	} else if avgLatency > 200 {
		score *= 0.8
	}
	return score
}

// RemoveSession detaches a session from all peers, dropping connections
// that end up with no session.
func (m *Monitor) RemoveSession(sessionID domain.SessionID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for addr, st := range m.peers {
		delete(st.conn.Sessions, sessionID)
		if len(st.conn.Sessions) == 0 {
			delete(m.peers, addr)
		}
	}
}

// ConnectedPeers is the count of live connections across all sessions.
func (m *Monitor) ConnectedPeers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.peers)
}

// BlacklistSnapshot returns the rejection set for persistence.
func (m *Monitor) BlacklistSnapshot() []domain.PeerAddr {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.PeerAddr, 0, len(m.blacklist))
	for addr := range m.blacklist {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RestoreBlacklist loads a persisted rejection set.
func (m *Monitor) RestoreBlacklist(addrs []domain.PeerAddr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range addrs {
		m.blacklist[a] = struct{}{}
	}
}

// ReputationSnapshot returns the reputation table for persistence.
func (m *Monitor) ReputationSnapshot() []domain.PeerReputationEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.PeerReputationEntry, 0, len(m.reputation))
	for _, e := range m.reputation {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// PruneReputation drops entries last seen at or before the cutoff and
// returns how many were removed. Later snapshots no longer carry them.
func (m *Monitor) PruneReputation(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for addr, e := range m.reputation {
		if !e.LastSeen.After(cutoff) {
			delete(m.reputation, addr)
			removed++
		}
	}
	return removed
}

// RestoreReputation loads persisted entries, keeping newer in-memory data.
func (m *Monitor) RestoreReputation(entries []domain.PeerReputationEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		if _, ok := m.reputation[e.Addr]; !ok {
			copied := e
			m.reputation[e.Addr] = &copied
		}
	}
}

func (m *Monitor) reputationLocked(addr domain.PeerAddr) *domain.PeerReputationEntry {
	rep, ok := m.reputation[addr]
	if !ok {
		rep = &domain.PeerReputationEntry{Addr: addr}
		m.reputation[addr] = rep
	}
	return rep
}
