package ports

import "swarmstream/internal/domain"

// PlatformInfo exposes connection type, metered flag and battery state with
// change notifications.
type PlatformInfo interface {
	Profile() domain.ResourceProfile
	// Changes delivers a fresh profile on every relevant platform signal.
	Changes() <-chan domain.ResourceProfile
}
