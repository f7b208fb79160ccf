package ports

import (
	"context"

	"swarmstream/internal/domain"
)

// TransportEventType enumerates what the transport engine reports per
// session.
type TransportEventType string

const (
	TransportDownload         TransportEventType = "download"
	TransportUpload           TransportEventType = "upload"
	TransportDone             TransportEventType = "done"
	TransportPeerConnected    TransportEventType = "peerConnected"
	TransportPeerDisconnected TransportEventType = "peerDisconnected"
	TransportError            TransportEventType = "error"
	TransportTrackerResponse  TransportEventType = "trackerResponse"
	TransportPieceComplete    TransportEventType = "pieceComplete"
)

// TransportEvent is one entry of a session's event stream.
type TransportEvent struct {
	Type      TransportEventType
	Bytes     int64           // download/upload
	Peer      domain.PeerAddr // peerConnected/peerDisconnected
	PeerCount int             // trackerResponse
	Piece     int             // pieceComplete
	Err       error           // error
}

// SessionOptions tune a transport session at creation time.
type SessionOptions struct {
	MaxPeers int
	Upload   bool
}

// TransportSession is one live session inside the transport engine. The
// engine owns the wire protocol; this subsystem only steers it.
type TransportSession interface {
	ContentID() domain.ContentID
	// Ready reports whether content metadata (length, piece grid) is known.
	Ready() bool
	Length() int64
	PieceLength() int64
	NumPieces() int
	PieceComplete(index int) bool
	FilePaths() []string

	// Events returns the session event stream. The channel is closed when
	// the session is removed.
	Events() <-chan TransportEvent

	SetPiecePriority(index int, prio domain.PiecePriority)
	SetMaxConns(n int)
	AllowUpload()
	DisallowUpload()
	// DropPeers disconnects up to len(addrs) peers. Addrs are advisory:
	// engines that cannot target individual peers shed the same number of
	// connections instead.
	DropPeers(addrs []domain.PeerAddr)
	// ReAnnounce asks trackers for replacement peers.
	ReAnnounce()
	Stats() TransportStats
}

// TransportStats mirrors the engine's cumulative counters.
type TransportStats struct {
	BytesRead    int64
	BytesWritten int64
	ActivePeers  int
}

// Transport is the pre-existing wire engine, consumed at this boundary only.
type Transport interface {
	AddSession(ctx context.Context, locator string, opts SessionOptions) (TransportSession, error)
	SeedSession(ctx context.Context, filePath string, opts SessionOptions) (TransportSession, error)
	RemoveSession(ctx context.Context, id domain.ContentID) error
	Close() error
}
