// Package scheduler computes per-piece fetch priorities from the playback
// position so the transport engine fetches for smooth progressive playback
// instead of sequential bulk download.
package scheduler

import "swarmstream/internal/domain"

// DefaultDurationSeconds is assumed when the caller supplied no playback
// duration estimate. Very short or very long content gets a skewed
// bytes-per-second estimate under this fallback; priorities stay correct in
// ordering, only the window sizes suffer.
const DefaultDurationSeconds = 3600

type Config struct {
	PreBufferSeconds float64 // forward window fetched first
	LookaheadSeconds float64 // second window, medium priority
	BacktrackSeconds float64 // behind the position, supports seeking back
}

func DefaultConfig() Config {
	return Config{
		PreBufferSeconds: 20,
		LookaheadSeconds: 90,
		BacktrackSeconds: 10,
	}
}

// Assignment describes the computed windows; mainly useful for logging and
// the event stream.
type Assignment struct {
	TargetPiece    int
	PreBufferEnd   int // exclusive
	LookaheadEnd   int // exclusive
	BacktrackStart int // inclusive
}

type Scheduler struct {
	cfg Config
}

func New(cfg Config) *Scheduler {
	if cfg.PreBufferSeconds <= 0 {
		cfg.PreBufferSeconds = DefaultConfig().PreBufferSeconds
	}
	if cfg.LookaheadSeconds <= 0 {
		cfg.LookaheadSeconds = DefaultConfig().LookaheadSeconds
	}
	if cfg.BacktrackSeconds < 0 {
		cfg.BacktrackSeconds = 0
	}
	return &Scheduler{cfg: cfg}
}

// Recompute assigns the four priority tiers relative to the piece under the
// playback position. It is a pure function of session state plus position:
// it mutates only the session's priority vector, which the transport engine
// reads to pick requests. Tier ordering is strict — pre-buffer pieces always
// outrank lookahead pieces, which outrank baseline.
func (s *Scheduler) Recompute(sess *domain.ContentSession, playbackPositionSeconds float64) Assignment {
	n := sess.PieceCount
	if n == 0 || sess.PieceLength <= 0 {
		return Assignment{}
	}
	if playbackPositionSeconds < 0 {
		playbackPositionSeconds = 0
	}

	duration := sess.Metadata.DurationSeconds
	if duration <= 0 {
		duration = DefaultDurationSeconds
	}
	bytesPerSec := float64(sess.DeclaredLength) / duration

	target := int(playbackPositionSeconds * bytesPerSec / float64(sess.PieceLength))
	if target >= n {
		target = n - 1
	}

	preEnd := target + s.windowPieces(bytesPerSec, s.cfg.PreBufferSeconds, sess.PieceLength)
	if preEnd > n {
		preEnd = n
	}
	lookEnd := preEnd + s.windowPieces(bytesPerSec, s.cfg.LookaheadSeconds, sess.PieceLength)
	if lookEnd > n {
		lookEnd = n
	}
	backStart := target - s.windowPieces(bytesPerSec, s.cfg.BacktrackSeconds, sess.PieceLength)
	if backStart < 0 {
		backStart = 0
	}

	for i := 0; i < n; i++ {
		switch {
		case i >= target && i < preEnd:
			sess.Priorities[i] = domain.PriorityNow
		case i >= backStart && i < target:
			sess.Priorities[i] = domain.PriorityNext
		case i >= preEnd && i < lookEnd:
			sess.Priorities[i] = domain.PriorityReadahead
		default:
			// Baseline keeps every remaining piece eligible so later seeks
			// and completion for seeding still happen.
			sess.Priorities[i] = domain.PriorityNormal
		}
	}

	return Assignment{
		TargetPiece:    target,
		PreBufferEnd:   preEnd,
		LookaheadEnd:   lookEnd,
		BacktrackStart: backStart,
	}
}

// windowPieces converts a seconds window to whole pieces, at least one.
func (s *Scheduler) windowPieces(bytesPerSec, seconds float64, pieceLength int64) int {
	if seconds <= 0 {
		return 0
	}
	bytes := bytesPerSec * seconds
	pieces := int((bytes + float64(pieceLength) - 1) / float64(pieceLength))
	if pieces < 1 {
		pieces = 1
	}
	return pieces
}
