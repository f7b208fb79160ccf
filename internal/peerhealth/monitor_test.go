package peerhealth

import (
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"swarmstream/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMonitor(t *testing.T, threshold int) (*Monitor, *time.Time) {
	t.Helper()
	m := New(threshold, testLogger())
	clock := time.Unix(1700000000, 0)
	m.now = func() time.Time { return clock }
	return m, &clock
}

func TestBlacklist(t *testing.T) {
	m, _ := newTestMonitor(t, 5)
	addr := domain.PeerAddr("10.0.0.1:6881")

	if !m.Allowed(addr) {
		t.Fatal("fresh peer not allowed")
	}
	m.OnPeerConnected("s1", addr)
	m.Blacklist(addr)

	if m.Allowed(addr) {
		t.Error("blacklisted peer still allowed")
	}
	if got := m.ConnectedPeers(); got != 0 {
		t.Errorf("ConnectedPeers = %d after blacklist, want 0", got)
	}

	snap := m.BlacklistSnapshot()
	if len(snap) != 1 || snap[0] != addr {
		t.Errorf("BlacklistSnapshot = %v, want [%s]", snap, addr)
	}
}

func TestRestoreBlacklist(t *testing.T) {
	m, _ := newTestMonitor(t, 5)
	m.RestoreBlacklist([]domain.PeerAddr{"1.1.1.1:1", "2.2.2.2:2"})
	if m.Allowed("1.1.1.1:1") || m.Allowed("2.2.2.2:2") {
		t.Error("restored blacklist entry allowed")
	}
	if m.Allowed("3.3.3.3:3") != true {
		t.Error("unlisted peer refused")
	}
}

func TestPeerLifecycle(t *testing.T) {
	m, _ := newTestMonitor(t, 5)
	addr := domain.PeerAddr("10.0.0.1:6881")

	m.OnPeerConnected("s1", addr)
	m.OnPeerConnected("s2", addr)
	if got := m.ConnectedPeers(); got != 1 {
		t.Fatalf("ConnectedPeers = %d, want 1 (same addr, two sessions)", got)
	}

	m.OnPeerDisconnected("s1", addr, true)
	if got := m.ConnectedPeers(); got != 1 {
		t.Errorf("ConnectedPeers = %d after one session left, want 1", got)
	}
	m.OnPeerDisconnected("s2", addr, false)
	if got := m.ConnectedPeers(); got != 0 {
		t.Errorf("ConnectedPeers = %d after all sessions left, want 0", got)
	}

	reps := m.ReputationSnapshot()
	if len(reps) != 1 {
		t.Fatalf("reputation entries = %d, want 1", len(reps))
	}
	if reps[0].Successes != 2 || reps[0].Failures != 1 {
		t.Errorf("reputation = %d successes / %d failures, want 2/1", reps[0].Successes, reps[0].Failures)
	}
}

func TestRemoveSession(t *testing.T) {
	m, _ := newTestMonitor(t, 5)
	m.OnPeerConnected("s1", "10.0.0.1:1")
	m.OnPeerConnected("s1", "10.0.0.2:1")
	m.OnPeerConnected("s2", "10.0.0.2:1")

	m.RemoveSession("s1")

	if got := m.ConnectedPeers(); got != 1 {
		t.Errorf("ConnectedPeers = %d, want 1 (only the s2 member survives)", got)
	}
	if len(m.Peers("s1")) != 0 {
		t.Error("removed session still has peers")
	}
}

func TestSampleSpeeds(t *testing.T) {
	m, clock := newTestMonitor(t, 5)
	addr := domain.PeerAddr("10.0.0.1:6881")
	m.OnPeerConnected("s1", addr)

	m.OnTransfer(addr, 2_000_000, 500_000)
	*clock = clock.Add(2 * time.Second)
	m.SampleSpeeds()

	peers := m.Peers("s1")
	if len(peers) != 1 {
		t.Fatalf("peers = %d, want 1", len(peers))
	}
	if peers[0].DownloadSpeed != 1_000_000 {
		t.Errorf("DownloadSpeed = %d, want 1000000", peers[0].DownloadSpeed)
	}
	if peers[0].UploadSpeed != 250_000 {
		t.Errorf("UploadSpeed = %d, want 250000", peers[0].UploadSpeed)
	}

	// No further transfer: next sample decays to zero.
	*clock = clock.Add(2 * time.Second)
	m.SampleSpeeds()
	peers = m.Peers("s1")
	if peers[0].DownloadSpeed != 0 || peers[0].UploadSpeed != 0 {
		t.Errorf("idle speeds = %d/%d, want 0/0", peers[0].DownloadSpeed, peers[0].UploadSpeed)
	}
}

func TestRotationCandidates(t *testing.T) {
	m, clock := newTestMonitor(t, 5)

	// Ten peers with strictly increasing throughput.
	for i := 0; i < 10; i++ {
		addr := domain.PeerAddr(fmt.Sprintf("10.0.0.%d:6881", i))
		m.OnPeerConnected("s1", addr)
		m.OnTransfer(addr, int64(i+1)*1000, 0)
	}
	*clock = clock.Add(time.Second)
	m.SampleSpeeds()

	got := m.RotationCandidates("s1")
	if len(got) != 2 {
		t.Fatalf("candidates = %d, want 2 (ceil of 20%% of 10)", len(got))
	}
	want := map[domain.PeerAddr]bool{"10.0.0.0:6881": true, "10.0.0.1:6881": true}
	for _, addr := range got {
		if !want[addr] {
			t.Errorf("unexpected rotation candidate %s", addr)
		}
	}
}

func TestRotationBelowThreshold(t *testing.T) {
	m, _ := newTestMonitor(t, 5)
	for i := 0; i < 5; i++ {
		m.OnPeerConnected("s1", domain.PeerAddr(fmt.Sprintf("10.0.0.%d:6881", i)))
	}
	if got := m.RotationCandidates("s1"); got != nil {
		t.Errorf("candidates = %v at threshold, want nil", got)
	}
}

func TestRotationCeilRoundsUp(t *testing.T) {
	m, _ := newTestMonitor(t, 5)
	for i := 0; i < 6; i++ {
		m.OnPeerConnected("s1", domain.PeerAddr(fmt.Sprintf("10.0.0.%d:6881", i)))
	}
	if got := m.RotationCandidates("s1"); len(got) != 2 {
		t.Errorf("candidates = %d for 6 peers, want 2 (ceil(1.2))", len(got))
	}
}

func TestHealthScore(t *testing.T) {
	m, clock := newTestMonitor(t, 5)

	if got := m.HealthScore("s1"); got != 0 {
		t.Errorf("empty swarm score = %v, want 0", got)
	}

	m.OnPeerConnected("s1", "10.0.0.1:1")
	m.OnPeerConnected("s1", "10.0.0.2:1")
	m.OnTransfer("10.0.0.1:1", 1000, 0)
	*clock = clock.Add(time.Second)
	m.SampleSpeeds()

	if got := m.HealthScore("s1"); got != 0.5 {
		t.Errorf("score = %v with 1/2 active, want 0.5", got)
	}

	// Very high latency halves the score.
	m.ObserveLatency("10.0.0.1:1", 600*time.Millisecond)
	m.ObserveLatency("10.0.0.2:1", 600*time.Millisecond)
	if got := m.HealthScore("s1"); got != 0.25 {
		t.Errorf("score = %v with >500ms latency, want 0.25", got)
	}
}

func TestObserveLatencyWindow(t *testing.T) {
	m, _ := newTestMonitor(t, 5)
	m.OnPeerConnected("s1", "10.0.0.1:1")

	// Fill the window with 100ms, then push it out with 300ms samples.
	for i := 0; i < latencyWindow; i++ {
		m.ObserveLatency("10.0.0.1:1", 100*time.Millisecond)
	}
	for i := 0; i < latencyWindow; i++ {
		m.ObserveLatency("10.0.0.1:1", 300*time.Millisecond)
	}

	peers := m.Peers("s1")
	if len(peers) != 1 {
		t.Fatalf("peers = %d, want 1", len(peers))
	}
	if peers[0].LatencyMS != 300 {
		t.Errorf("LatencyMS = %v, want 300 (old samples evicted)", peers[0].LatencyMS)
	}
}

func TestRestoreReputationKeepsNewer(t *testing.T) {
	m, _ := newTestMonitor(t, 5)
	m.OnPeerConnected("s1", "10.0.0.1:1") // creates an in-memory entry with 1 success

	m.RestoreReputation([]domain.PeerReputationEntry{
		{Addr: "10.0.0.1:1", Successes: 99},
		{Addr: "10.0.0.9:1", Successes: 3},
	})

	reps := m.ReputationSnapshot()
	if len(reps) != 2 {
		t.Fatalf("reputation entries = %d, want 2", len(reps))
	}
	for _, r := range reps {
		switch r.Addr {
		case "10.0.0.1:1":
			if r.Successes != 1 {
				t.Errorf("live entry overwritten: successes = %d, want 1", r.Successes)
			}
		case "10.0.0.9:1":
			if r.Successes != 3 {
				t.Errorf("restored entry successes = %d, want 3", r.Successes)
			}
		}
	}
}

func TestPruneReputation(t *testing.T) {
	m, clock := newTestMonitor(t, 5)
	m.RestoreReputation([]domain.PeerReputationEntry{
		{Addr: "10.0.0.1:1", Successes: 4, LastSeen: clock.Add(-48 * time.Hour)},
		{Addr: "10.0.0.2:1", Successes: 7, LastSeen: *clock},
	})

	if removed := m.PruneReputation(clock.Add(-24 * time.Hour)); removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	reps := m.ReputationSnapshot()
	if len(reps) != 1 || reps[0].Addr != "10.0.0.2:1" {
		t.Fatalf("snapshot after prune = %+v, want only the fresh entry", reps)
	}

	if removed := m.PruneReputation(clock.Add(-24 * time.Hour)); removed != 0 {
		t.Errorf("second prune removed = %d, want 0", removed)
	}
}
