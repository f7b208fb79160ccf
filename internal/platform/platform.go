// Package platform feeds resource-governor inputs. The subsystem itself has
// no OS integration; the host process observes network and battery state and
// pushes snapshots here.
package platform

import (
	"os"
	"strconv"
	"strings"
	"sync"

	"swarmstream/internal/domain"
)

const changeBuffer = 8

// Source holds the latest resource profile and notifies the coordinator on
// every update.
type Source struct {
	mu      sync.Mutex
	profile domain.ResourceProfile
	changes chan domain.ResourceProfile
}

func New(initial domain.ResourceProfile) *Source {
	return &Source{
		profile: initial,
		changes: make(chan domain.ResourceProfile, changeBuffer),
	}
}

// FromEnv builds the initial profile from environment variables, defaulting
// to an unmetered connection on external power.
func FromEnv() *Source {
	return New(domain.ResourceProfile{
		Network:      networkClass(os.Getenv("SWARM_NETWORK_CLASS")),
		Metered:      envBool("SWARM_NETWORK_METERED", false),
		Charging:     envBool("SWARM_CHARGING", true),
		BatteryLevel: envFloat("SWARM_BATTERY_LEVEL", 1),
	})
}

// Profile returns the current snapshot.
func (s *Source) Profile() domain.ResourceProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile
}

// Changes is the update stream consumed by the coordinator.
func (s *Source) Changes() <-chan domain.ResourceProfile {
	return s.changes
}

// Update replaces the snapshot and notifies. An unchanged profile is not
// re-broadcast.
func (s *Source) Update(p domain.ResourceProfile) {
	s.mu.Lock()
	if p == s.profile {
		s.mu.Unlock()
		return
	}
	s.profile = p
	s.mu.Unlock()

	select {
	case s.changes <- p:
	default:
		// Coordinator is behind; it re-reads Profile() on the next
		// governance tick anyway.
	}
}

func networkClass(value string) domain.NetworkClass {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "ethernet":
		return domain.NetworkEthernet
	case "wifi":
		return domain.NetworkWiFi
	case "cellular":
		return domain.NetworkCellular
	case "":
		return domain.NetworkUnknown
	default:
		return domain.NetworkUnknown
	}
}

func envBool(key string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envFloat(key string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil || parsed < 0 || parsed > 1 {
		return fallback
	}
	return parsed
}
