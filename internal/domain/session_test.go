package domain

import (
	"errors"
	"testing"
	"time"
)

func newTestSession(t *testing.T, pieces int) *ContentSession {
	t.Helper()
	s, err := NewContentSession("sess-1", "abc123", int64(pieces)*262144, 262144, pieces,
		SessionMetadata{Category: "video"}, time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("NewContentSession: %v", err)
	}
	return s
}

func TestNewContentSession(t *testing.T) {
	s := newTestSession(t, 8)

	if s.Status != StatusQueued {
		t.Errorf("new session status = %s, want %s", s.Status, StatusQueued)
	}
	if len(s.Completed) != 8 || len(s.Priorities) != 8 {
		t.Fatalf("vector sizes = %d/%d, want 8/8", len(s.Completed), len(s.Priorities))
	}
	for i, p := range s.Priorities {
		if p != PriorityNormal {
			t.Errorf("Priorities[%d] = %d, want %d", i, p, PriorityNormal)
		}
	}
}

func TestNewContentSessionRejectsNegative(t *testing.T) {
	if _, err := NewContentSession("s", "c", 100, 10, -1, SessionMetadata{}, time.Now()); err == nil {
		t.Error("negative piece count accepted")
	}
	if _, err := NewContentSession("s", "c", -1, 10, 5, SessionMetadata{}, time.Now()); err == nil {
		t.Error("negative length accepted")
	}
}

func TestTransition(t *testing.T) {
	s := newTestSession(t, 4)

	steps := []SessionStatus{StatusDownloading, StatusStreaming, StatusCompleted, StatusSeeding, StatusStopped}
	for _, to := range steps {
		if err := s.Transition(to); err != nil {
			t.Fatalf("Transition(%s): %v", to, err)
		}
	}

	if err := s.Transition(StatusDownloading); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Transition out of stopped: got %v, want ErrInvalidTransition", err)
	}
}

func TestTransitionSelfIsNoop(t *testing.T) {
	s := newTestSession(t, 4)
	if err := s.Transition(StatusQueued); err != nil {
		t.Errorf("self-transition: %v", err)
	}
}

func TestMarkPieceAndProgress(t *testing.T) {
	s := newTestSession(t, 4)

	if got := s.Progress(); got != 0 {
		t.Errorf("empty progress = %v, want 0", got)
	}

	s.MarkPiece(0)
	s.MarkPiece(2)
	s.MarkPiece(-1) // out of range, ignored
	s.MarkPiece(99)

	if got := s.Progress(); got != 0.5 {
		t.Errorf("progress = %v, want 0.5", got)
	}
	if s.AllPiecesComplete() {
		t.Error("AllPiecesComplete = true with 2/4 pieces")
	}

	s.MarkPiece(1)
	s.MarkPiece(3)
	if !s.AllPiecesComplete() {
		t.Error("AllPiecesComplete = false with all pieces marked")
	}
}

func TestAllPiecesCompleteZeroPieces(t *testing.T) {
	s := newTestSession(t, 0)
	if s.AllPiecesComplete() {
		t.Error("zero-piece session reported complete")
	}
	if got := s.Progress(); got != 0 {
		t.Errorf("zero-piece progress = %v, want 0", got)
	}
}
