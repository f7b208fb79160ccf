package domain

// SessionStatus is the lifecycle state of a content session. A session may
// only reach Seeding after the verifier confirmed it; Stopped and Error are
// terminal.
type SessionStatus string

const (
	StatusQueued      SessionStatus = "queued"
	StatusDownloading SessionStatus = "downloading"
	StatusStreaming   SessionStatus = "streaming"
	StatusSeeding     SessionStatus = "seeding"
	StatusCompleted   SessionStatus = "completed"
	StatusStopped     SessionStatus = "stopped"
	StatusError       SessionStatus = "error"
)

// validTransitions is the adjacency list of allowed lifecycle transitions.
var validTransitions = map[SessionStatus][]SessionStatus{
	StatusQueued:      {StatusDownloading, StatusStreaming, StatusSeeding, StatusStopped, StatusError},
	StatusDownloading: {StatusStreaming, StatusSeeding, StatusCompleted, StatusStopped, StatusError},
	StatusStreaming:   {StatusDownloading, StatusSeeding, StatusCompleted, StatusStopped, StatusError},
	StatusSeeding:     {StatusCompleted, StatusStopped, StatusError},
	StatusCompleted:   {StatusSeeding, StatusStopped},
	StatusStopped:     {},
	StatusError:       {StatusStopped},
}

// CanTransition reports whether a lifecycle transition is allowed.
func CanTransition(from, to SessionStatus) bool {
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status admits no further transitions besides
// teardown.
func (s SessionStatus) Terminal() bool {
	return s == StatusStopped || s == StatusError
}

// Active reports whether the session is exchanging data with peers.
func (s SessionStatus) Active() bool {
	switch s {
	case StatusDownloading, StatusStreaming, StatusSeeding:
		return true
	}
	return false
}
