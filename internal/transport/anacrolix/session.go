package anacrolix

import (
	"log/slog"
	"sync"
	"time"

	"github.com/anacrolix/torrent"

	"swarmstream/internal/domain"
	"swarmstream/internal/domain/ports"
)

// eventBuffer bounds the synthesized event stream. The coordinator drains
// continuously; the buffer only absorbs bursts (many pieces completing in
// one poll tick).
const eventBuffer = 256

// Session wraps one live torrent and synthesizes the transport event stream
// by polling the client's counters.
type Session struct {
	id       domain.ContentID
	torrent  *torrent.Torrent
	seedOnly bool
	logger   *slog.Logger

	events chan ports.TransportEvent
	quit   chan struct{}
	once   sync.Once

	mu        sync.Mutex
	maxConns  int
	lastRead  int64
	lastWrite int64
	pieces    []bool
	peers     map[domain.PeerAddr]struct{}
	ready     bool
	doneSent  bool
}

func newSession(id domain.ContentID, t *torrent.Torrent, opts ports.SessionOptions, seedOnly bool, poll time.Duration, logger *slog.Logger) *Session {
	maxConns := opts.MaxPeers
	if maxConns <= 0 {
		maxConns = 35
	}
	s := &Session{
		id:       id,
		torrent:  t,
		seedOnly: seedOnly,
		logger:   logger,
		events:   make(chan ports.TransportEvent, eventBuffer),
		quit:     make(chan struct{}),
		maxConns: maxConns,
		peers:    make(map[domain.PeerAddr]struct{}),
	}

	t.SetMaxEstablishedConns(maxConns)
	if opts.Upload {
		t.AllowDataUpload()
	} else {
		t.DisallowDataUpload()
	}
	if !seedOnly {
		t.AllowDataDownload()
	}

	go s.watch(poll)
	return s
}

func (s *Session) ContentID() domain.ContentID { return s.id }

func (s *Session) Ready() bool {
	return torrentInfoReady(s.torrent)
}

func (s *Session) Length() int64 {
	if !s.Ready() {
		return 0
	}
	return s.torrent.Length()
}

func (s *Session) PieceLength() int64 {
	if !s.Ready() {
		return 0
	}
	return int64(s.torrent.Info().PieceLength)
}

func (s *Session) NumPieces() int {
	if !s.Ready() {
		return 0
	}
	return s.torrent.NumPieces()
}

func (s *Session) PieceComplete(index int) bool {
	if !s.Ready() || index < 0 || index >= s.torrent.NumPieces() {
		return false
	}
	return s.torrent.PieceState(index).Complete
}

func (s *Session) FilePaths() []string {
	if !s.Ready() {
		return nil
	}
	files := s.torrent.Files()
	paths := make([]string, 0, len(files))
	for _, f := range files {
		paths = append(paths, f.Path())
	}
	return paths
}

func (s *Session) Events() <-chan ports.TransportEvent {
	return s.events
}

func (s *Session) SetPiecePriority(index int, prio domain.PiecePriority) {
	if !s.Ready() || index < 0 || index >= s.torrent.NumPieces() {
		return
	}
	s.torrent.Piece(index).SetPriority(mapPriority(prio))
}

func (s *Session) SetMaxConns(n int) {
	if n < 1 {
		n = 1
	}
	s.mu.Lock()
	s.maxConns = n
	s.mu.Unlock()
	s.torrent.SetMaxEstablishedConns(n)
}

func (s *Session) AllowUpload()    { s.torrent.AllowDataUpload() }
func (s *Session) DisallowUpload() { s.torrent.DisallowDataUpload() }

// DropPeers sheds len(addrs) connections by briefly squeezing the connection
// cap; the client closes its least useful conns first. The subsequent
// re-announce pulls in replacements.
func (s *Session) DropPeers(addrs []domain.PeerAddr) {
	if len(addrs) == 0 {
		return
	}
	s.mu.Lock()
	restore := s.maxConns
	s.mu.Unlock()

	squeezed := s.torrent.Stats().ActivePeers - len(addrs)
	if squeezed < 1 {
		squeezed = 1
	}
	s.torrent.SetMaxEstablishedConns(squeezed)

	time.AfterFunc(2*time.Second, func() {
		select {
		case <-s.quit:
		default:
			s.mu.Lock()
			// Keep a later SetMaxConns if one arrived meanwhile.
			if s.maxConns == restore {
				s.torrent.SetMaxEstablishedConns(restore)
			}
			s.mu.Unlock()
		}
	})
}

// ReAnnounce nudges the announcers by re-adding the torrent's trackers,
// which requeues them for an immediate announce.
func (s *Session) ReAnnounce() {
	metainfo := s.torrent.Metainfo()
	tiers := metainfo.AnnounceList
	if len(tiers) == 0 && metainfo.Announce != "" {
		tiers = [][]string{{metainfo.Announce}}
	}
	if len(tiers) > 0 {
		s.torrent.AddTrackers(tiers)
	}
}

func (s *Session) Stats() ports.TransportStats {
	stats := s.torrent.Stats()
	return ports.TransportStats{
		BytesRead:    stats.BytesReadUsefulData.Int64(),
		BytesWritten: stats.BytesWrittenData.Int64(),
		ActivePeers:  stats.ActivePeers,
	}
}

func (s *Session) stop() {
	s.once.Do(func() {
		close(s.quit)
		s.torrent.Drop()
	})
}

// watch polls the torrent and turns counter deltas, piece completions and
// peer set changes into events. It closes the stream when the session stops.
func (s *Session) watch(poll time.Duration) {
	defer close(s.events)

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-s.quit:
			return
		case <-s.torrent.Closed():
			s.emit(ports.TransportEvent{Type: ports.TransportError, Err: domain.ErrTransport})
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Session) tick() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ready {
		if !torrentInfoReady(s.torrent) {
			s.pollPeersLocked()
			return
		}
		s.ready = true
		s.pieces = make([]bool, s.torrent.NumPieces())
		if !s.seedOnly {
			s.torrent.DownloadAll()
		}
	}

	stats := s.torrent.Stats()
	read := stats.BytesReadUsefulData.Int64()
	written := stats.BytesWrittenData.Int64()

	if delta := read - s.lastRead; delta > 0 {
		s.emit(ports.TransportEvent{Type: ports.TransportDownload, Bytes: delta})
	}
	if delta := written - s.lastWrite; delta > 0 {
		s.emit(ports.TransportEvent{Type: ports.TransportUpload, Bytes: delta})
	}
	s.lastRead = read
	s.lastWrite = written

	for i := range s.pieces {
		if !s.pieces[i] && s.torrent.PieceState(i).Complete {
			s.pieces[i] = true
			s.emit(ports.TransportEvent{Type: ports.TransportPieceComplete, Piece: i})
		}
	}

	s.pollPeersLocked()

	if !s.doneSent && s.torrent.Length() > 0 && s.torrent.BytesCompleted() >= s.torrent.Length() {
		s.doneSent = true
		s.emit(ports.TransportEvent{Type: ports.TransportDone})
	}
}

// pollPeersLocked diffs the live peer set against the previous tick.
func (s *Session) pollPeersLocked() {
	current := make(map[domain.PeerAddr]struct{})
	for _, pc := range s.torrent.PeerConns() {
		if pc == nil || pc.RemoteAddr == nil {
			continue
		}
		current[domain.PeerAddr(pc.RemoteAddr.String())] = struct{}{}
	}
	s.applyPeerDiffLocked(current)
}

// applyPeerDiffLocked turns peer set changes into connect/disconnect events.
// The client surfaces no announce callback, so a previously unknown peer is
// the observable sign of a productive tracker exchange and the diff reports
// one tracker response per tick that gained peers.
func (s *Session) applyPeerDiffLocked(current map[domain.PeerAddr]struct{}) {
	fresh := 0
	for addr := range current {
		if _, known := s.peers[addr]; !known {
			fresh++
			s.emit(ports.TransportEvent{Type: ports.TransportPeerConnected, Peer: addr})
		}
	}
	for addr := range s.peers {
		if _, still := current[addr]; !still {
			s.emit(ports.TransportEvent{Type: ports.TransportPeerDisconnected, Peer: addr})
		}
	}
	s.peers = current
	if fresh > 0 {
		s.emit(ports.TransportEvent{Type: ports.TransportTrackerResponse, PeerCount: len(current)})
	}
}

func (s *Session) emit(ev ports.TransportEvent) {
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("transport event dropped, stream backed up",
			slog.String("contentId", string(s.id)),
			slog.String("event", string(ev.Type)),
		)
	}
}

func mapPriority(prio domain.PiecePriority) torrent.PiecePriority {
	switch prio {
	case domain.PriorityNone:
		return torrent.PiecePriorityNone
	case domain.PriorityNow:
		return torrent.PiecePriorityNow
	case domain.PriorityNext:
		return torrent.PiecePriorityNext
	case domain.PriorityReadahead:
		return torrent.PiecePriorityReadahead
	case domain.PriorityNormal:
		return torrent.PiecePriorityNormal
	default:
		return torrent.PiecePriorityNormal
	}
}
