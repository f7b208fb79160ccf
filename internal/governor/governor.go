// Package governor adapts concurrency limits, upload throttles and
// pause/resume decisions to network, battery and user policy.
package governor

import (
	"log/slog"
	"sync"

	"swarmstream/internal/domain"
)

// Action tells the coordinator what to do with seeding sessions.
type Action string

const (
	ActionNone          Action = "none"
	ActionPauseSeeding  Action = "pause_seeding"
	ActionResumeSeeding Action = "resume_seeding"
)

const (
	ReasonMeteredNetwork = "metered_network"
	ReasonLowBattery     = "low_battery"
	ReasonConditionsOK   = "conditions_ok"
)

// Decision is the output of one evaluation cycle.
type Decision struct {
	SharingAllowed         bool
	MaxConcurrentPeers     int
	UploadLimitBytesPerSec int64 // 0 = unlimited
	Action                 Action
	Reason                 string
}

// Governor is a state machine over {network type, metered, charging,
// battery, policy}. It remembers why it paused so it only resumes when that
// reason clears.
type Governor struct {
	logger *slog.Logger

	mu          sync.Mutex
	policy      domain.UserPolicy
	pauseReason string // "" when not paused
}

// New rejects invalid policy up front (never silently clamped).
func New(policy domain.UserPolicy, logger *slog.Logger) (*Governor, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &Governor{policy: policy, logger: logger}, nil
}

// SetPolicy swaps the live policy; invalid values are rejected and the old
// policy stays in effect.
func (g *Governor) SetPolicy(p domain.UserPolicy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	g.mu.Lock()
	g.policy = p
	g.mu.Unlock()
	return nil
}

// Policy returns the live policy.
func (g *Governor) Policy() domain.UserPolicy {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.policy
}

// Evaluate runs the transition rules against a fresh platform snapshot.
// Called whenever any input changes and from the periodic governance task.
func (g *Governor) Evaluate(profile domain.ResourceProfile) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	policy := g.policy

	if profile.Metered && policy.OnlyOnWiFi {
		return g.pauseLocked(ReasonMeteredNetwork, policy, profile)
	}
	if !profile.Charging && policy.SaveBattery && profile.BatteryLevel < policy.LowBatteryThreshold {
		// Battery saving pauses seeding regardless of network.
		return g.pauseLocked(ReasonLowBattery, policy, profile)
	}

	action := ActionNone
	if g.pauseReason != "" {
		g.pauseReason = ""
		action = ActionResumeSeeding
	}

	factor := profile.Network.QualityFactor()
	maxPeers := int(float64(policy.MaxConcurrentPeers) * factor)
	if maxPeers < 1 {
		maxPeers = 1
	}
	uploadLimit := policy.UploadLimitBytesPerSec
	if uploadLimit > 0 && factor < 1 {
		uploadLimit = int64(float64(uploadLimit) * factor)
	}

	return Decision{
		SharingAllowed:         true,
		MaxConcurrentPeers:     maxPeers,
		UploadLimitBytesPerSec: uploadLimit,
		Action:                 action,
		Reason:                 ReasonConditionsOK,
	}
}

// Paused reports whether seeding is currently suspended and why.
func (g *Governor) Paused() (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pauseReason != "", g.pauseReason
}

func (g *Governor) pauseLocked(reason string, policy domain.UserPolicy, profile domain.ResourceProfile) Decision {
	action := ActionNone
	if g.pauseReason != reason {
		if g.pauseReason == "" {
			action = ActionPauseSeeding
		}
		g.pauseReason = reason
		g.logger.Info("seeding paused",
			slog.String("reason", reason),
			slog.String("network", string(profile.Network)),
			slog.Bool("metered", profile.Metered),
			slog.Float64("battery", profile.BatteryLevel),
		)
	}
	return Decision{
		SharingAllowed:         false,
		MaxConcurrentPeers:     policy.MaxConcurrentPeers,
		UploadLimitBytesPerSec: policy.UploadLimitBytesPerSec,
		Action:                 action,
		Reason:                 reason,
	}
}
