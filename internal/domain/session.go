package domain

import (
	"errors"
	"time"
)

// ContentID is the opaque hash identifying one content item (hex encoded).
type ContentID string

// SessionID identifies one running session. Distinct from ContentID: the same
// content may be re-downloaded under a fresh session.
type SessionID string

// PiecePriority orders pieces for the transport engine's request picker.
// Higher values are fetched first.
type PiecePriority int

const (
	PriorityNone      PiecePriority = -1
	PriorityNormal    PiecePriority = 1 // baseline: eventually fetched
	PriorityReadahead PiecePriority = 2 // extended lookahead window
	PriorityNext      PiecePriority = 3 // backward-seek window
	PriorityNow       PiecePriority = 4 // pre-buffer window, fetch immediately
)

// SessionMetadata is caller-supplied and opaque to the swarm machinery.
type SessionMetadata struct {
	Category        string  `json:"category,omitempty"`
	Quality         string  `json:"quality,omitempty"`
	DurationSeconds float64 `json:"durationSeconds,omitempty"`
}

// ContentSession is one content item being seeded, downloaded or streamed.
// It is owned exclusively by the coordinator; other components receive a
// reference and must go through the coordinator's locking discipline.
type ContentSession struct {
	ID             SessionID
	ContentID      ContentID
	DeclaredLength int64
	PieceLength    int64
	PieceCount     int
	Completed      []bool
	Priorities     []PiecePriority
	ExpectedDigest []byte // optional blake3 digest of the full content
	Files          []string
	Status         SessionStatus
	Metadata       SessionMetadata
	CreatedAt      time.Time
	CompletedAt    time.Time
}

// NewContentSession allocates the completion and priority vectors sized to
// the piece count, which is the invariant every later mutation preserves.
func NewContentSession(id SessionID, contentID ContentID, length, pieceLength int64, pieces int, meta SessionMetadata, now time.Time) (*ContentSession, error) {
	if pieces < 0 {
		return nil, errors.New("negative piece count")
	}
	if pieceLength < 0 || length < 0 {
		return nil, errors.New("negative length")
	}
	priorities := make([]PiecePriority, pieces)
	for i := range priorities {
		priorities[i] = PriorityNormal
	}
	return &ContentSession{
		ID:             id,
		ContentID:      contentID,
		DeclaredLength: length,
		PieceLength:    pieceLength,
		PieceCount:     pieces,
		Completed:      make([]bool, pieces),
		Priorities:     priorities,
		Status:         StatusQueued,
		Metadata:       meta,
		CreatedAt:      now,
	}, nil
}

// Transition applies a lifecycle change, rejecting moves the state machine
// does not allow.
func (s *ContentSession) Transition(to SessionStatus) error {
	if s.Status == to {
		return nil
	}
	if !CanTransition(s.Status, to) {
		return ErrInvalidTransition
	}
	s.Status = to
	return nil
}

// MarkPiece records completion of a single piece.
func (s *ContentSession) MarkPiece(index int) {
	if index >= 0 && index < len(s.Completed) {
		s.Completed[index] = true
	}
}

// AllPiecesComplete reports whether the completion bit vector is entirely set.
// Sessions with zero pieces are never considered complete.
func (s *ContentSession) AllPiecesComplete() bool {
	if s.PieceCount == 0 {
		return false
	}
	for _, done := range s.Completed {
		if !done {
			return false
		}
	}
	return true
}

// Progress returns the completed fraction in [0,1] by piece count.
func (s *ContentSession) Progress() float64 {
	if s.PieceCount == 0 {
		return 0
	}
	done := 0
	for _, d := range s.Completed {
		if d {
			done++
		}
	}
	return float64(done) / float64(s.PieceCount)
}

// SessionSummary is the read-only view returned by ListSessions.
type SessionSummary struct {
	ID          SessionID     `json:"id"`
	ContentID   ContentID     `json:"contentId"`
	Status      SessionStatus `json:"status"`
	Progress    float64       `json:"progress"`
	Peers       int           `json:"peers"`
	Length      int64         `json:"length"`
	Metadata    SessionMetadata `json:"metadata,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	CompletedAt time.Time     `json:"completedAt,omitempty"`
}

// VerificationRecord caches the verification verdict for a content item.
// Once Verified is true the record is never silently overwritten; only an
// explicit redownload invalidates it.
type VerificationRecord struct {
	ContentID ContentID `json:"contentId"`
	Verified  bool      `json:"verified"`
	At        time.Time `json:"at"`
}
