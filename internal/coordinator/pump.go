package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"swarmstream/internal/domain"
	"swarmstream/internal/domain/ports"
	"swarmstream/internal/governor"
	"swarmstream/internal/metrics"
	"swarmstream/internal/stats"
)

// pump drains one session's transport event stream until the session stops
// or the stream closes.
func (c *Coordinator) pump(ctx context.Context, id domain.SessionID, s *session) {
	defer c.wg.Done()
	defer close(s.done)

	events := s.ts.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.handleTransportEvent(ctx, id, s, ev)
		}
	}
}

func (c *Coordinator) handleTransportEvent(ctx context.Context, id domain.SessionID, s *session, ev ports.TransportEvent) {
	switch ev.Type {
	case ports.TransportDownload:
		if ev.Peer != "" {
			c.health.OnTransfer(ev.Peer, ev.Bytes, 0)
		}
		c.mu.Lock()
		c.populateLocked(s)
		c.mu.Unlock()

	case ports.TransportUpload:
		if ev.Peer != "" {
			c.health.OnTransfer(ev.Peer, 0, ev.Bytes)
		}

	case ports.TransportPieceComplete:
		c.mu.Lock()
		c.populateLocked(s)
		s.content.MarkPiece(ev.Piece)
		c.mu.Unlock()

	case ports.TransportDone:
		c.completeSession(ctx, id, s)

	case ports.TransportPeerConnected:
		c.peerConnected(id, s, ev.Peer)

	case ports.TransportPeerDisconnected:
		c.health.OnPeerDisconnected(id, ev.Peer, true)
		c.events.publish(domain.Event{Type: domain.EventDisconnect, SessionID: id, Peer: ev.Peer})

	case ports.TransportTrackerResponse:
		c.mu.Lock()
		s.retries = 0
		c.mu.Unlock()

	case ports.TransportError:
		c.transportError(ctx, id, s, ev.Err)
	}
}

func (c *Coordinator) peerConnected(id domain.SessionID, s *session, addr domain.PeerAddr) {
	if !c.health.Allowed(addr) {
		// Known-bad peer slipped past the engine's own filters.
		s.ts.DropPeers([]domain.PeerAddr{addr})
		metrics.SecurityEventsTotal.WithLabelValues("blacklisted_peer_rejected").Inc()
		c.events.publish(domain.Event{
			Type:      domain.EventSecurity,
			SessionID: id,
			Peer:      addr,
			Security:  &domain.SecurityPayload{Kind: "blacklisted_peer_rejected", PeerAddress: addr},
		})
		return
	}
	c.health.OnPeerConnected(id, addr)
	c.events.publish(domain.Event{Type: domain.EventConnect, SessionID: id, Peer: addr})
}

// completeSession runs the verification flow after the transport reports all
// bytes present. Verified content transitions to seeding; unverified content
// is removed and reported, never seeded.
func (c *Coordinator) completeSession(ctx context.Context, id domain.SessionID, s *session) {
	c.mu.Lock()
	c.populateLocked(s)
	for i := 0; i < s.content.PieceCount; i++ {
		if s.ts.PieceComplete(i) {
			s.content.Completed[i] = true
		}
	}
	content := s.content
	c.mu.Unlock()

	res, err := c.verifier.Verify(ctx, content)
	if err != nil {
		c.logger.Error("verification failed to run",
			slog.String("sessionId", string(id)),
			slog.String("error", err.Error()),
		)
		c.events.publish(domain.Event{
			Type:      domain.EventError,
			SessionID: id,
			Error:     &domain.ErrorPayload{Kind: domain.ErrorKindVerification, Message: err.Error()},
		})
		return
	}

	if !res.Verified {
		metrics.VerificationsTotal.WithLabelValues("failed").Inc()
		c.events.publish(domain.Event{
			Type:      domain.EventSecurity,
			SessionID: id,
			Security:  &domain.SecurityPayload{Kind: "verification_failed"},
		})
		c.events.publish(domain.Event{
			Type:      domain.EventError,
			SessionID: id,
			Error:     &domain.ErrorPayload{Kind: domain.ErrorKindVerification, Message: res.Reason},
		})
		if err := c.Stop(ctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
			c.logger.Warn("failed to stop unverified session",
				slog.String("sessionId", string(id)),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	metrics.VerificationsTotal.WithLabelValues("verified").Inc()

	c.mu.Lock()
	if err := content.Transition(domain.StatusCompleted); err == nil {
		content.CompletedAt = c.now().UTC()
	}
	paused, _ := c.governor.Paused()
	if !paused {
		if err := content.Transition(domain.StatusSeeding); err == nil {
			s.ts.AllowUpload()
		}
	} else {
		s.pausedBySystem = true
	}
	c.mu.Unlock()

	c.logger.Info("session complete",
		slog.String("sessionId", string(id)),
		slog.String("contentId", string(content.ContentID)),
		slog.Bool("cached", res.Cached),
	)
	c.events.publish(domain.Event{
		Type:      domain.EventComplete,
		SessionID: id,
		Complete:  &domain.CompletePayload{Verified: true},
	})
}

// transportError retries via tracker re-announce up to the limit, then tears
// the session down with a terminal error event.
func (c *Coordinator) transportError(ctx context.Context, id domain.SessionID, s *session, cause error) {
	msg := "transport error"
	if cause != nil {
		msg = cause.Error()
	}

	c.mu.Lock()
	s.retries++
	retries := s.retries
	c.mu.Unlock()

	if retries <= c.cfg.RetryLimit {
		c.logger.Warn("transport error, re-announcing",
			slog.String("sessionId", string(id)),
			slog.Int("attempt", retries),
			slog.String("error", msg),
		)
		metrics.TrackerRetriesTotal.Inc()
		s.ts.ReAnnounce()
		return
	}

	c.logger.Error("transport error, retry limit exhausted",
		slog.String("sessionId", string(id)),
		slog.String("error", msg),
	)
	c.mu.Lock()
	_ = s.content.Transition(domain.StatusError)
	c.mu.Unlock()
	c.events.publish(domain.Event{
		Type:      domain.EventError,
		SessionID: id,
		Error:     &domain.ErrorPayload{Kind: domain.ErrorKindTransport, Message: msg},
	})
	if err := c.Stop(ctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
		c.logger.Warn("failed to stop errored session",
			slog.String("sessionId", string(id)),
			slog.String("error", err.Error()),
		)
	}
}

// ComposeHandshake returns the encrypted capability announcement a session
// sends to a newly connected peer.
func (c *Coordinator) ComposeHandshake(id domain.SessionID) ([]byte, error) {
	c.mu.RLock()
	s, ok := c.sessions[id]
	c.mu.RUnlock()
	if !ok {
		return nil, domain.ErrNotFound
	}
	return s.channel.Handshake(c.cfg.Capabilities)
}

// AcceptHandshake processes a peer's encrypted handshake. Failures feed the
// misbehaviour counter like any other malformed traffic.
func (c *Coordinator) AcceptHandshake(id domain.SessionID, peer domain.PeerAddr, payload []byte) ([]string, error) {
	c.mu.RLock()
	s, ok := c.sessions[id]
	c.mu.RUnlock()
	if !ok {
		return nil, domain.ErrNotFound
	}
	caps, err := s.channel.OnHandshake(payload)
	if err != nil {
		c.peerFailure(id, s, peer, err)
		return nil, err
	}
	return caps, nil
}

// HandlePeerMessage decrypts and validates an inbound peer message. Malformed
// or undecryptable traffic is dropped with a security event; a peer that
// crosses the failure threshold is blacklisted and disconnected.
func (c *Coordinator) HandlePeerMessage(id domain.SessionID, peer domain.PeerAddr, ciphertext []byte) (domain.PeerMessage, error) {
	c.mu.RLock()
	s, ok := c.sessions[id]
	c.mu.RUnlock()
	if !ok {
		return domain.PeerMessage{}, domain.ErrNotFound
	}
	if !c.health.Allowed(peer) {
		return domain.PeerMessage{}, domain.ErrPeerBlacklisted
	}

	msg, err := s.channel.DecryptMessage(ciphertext)
	if err != nil {
		c.peerFailure(id, s, peer, err)
		return domain.PeerMessage{}, err
	}
	return msg, nil
}

// EncryptPeerMessage seals an outbound message for a session's channel.
func (c *Coordinator) EncryptPeerMessage(id domain.SessionID, msg domain.PeerMessage) ([]byte, error) {
	c.mu.RLock()
	s, ok := c.sessions[id]
	c.mu.RUnlock()
	if !ok {
		return nil, domain.ErrNotFound
	}
	return s.channel.EncryptMessage(msg)
}

func (c *Coordinator) peerFailure(id domain.SessionID, s *session, peer domain.PeerAddr, cause error) {
	kind := "malformed_message"
	if errors.Is(cause, domain.ErrPeerMisbehaving) {
		kind = "peer_misbehaving"
		c.health.Blacklist(peer)
		s.ts.DropPeers([]domain.PeerAddr{peer})
		c.health.OnPeerDisconnected(id, peer, false)
	}
	metrics.SecurityEventsTotal.WithLabelValues(kind).Inc()
	c.events.publish(domain.Event{
		Type:      domain.EventSecurity,
		SessionID: id,
		Peer:      peer,
		Security:  &domain.SecurityPayload{Kind: kind, PeerAddress: peer},
	})
}

// --- periodic task bodies ---

// rotatePeers drops the slowest fifth of each large swarm and asks trackers
// for replacements.
func (c *Coordinator) rotatePeers(ctx context.Context) {
	c.mu.RLock()
	sessions := make(map[domain.SessionID]*session, len(c.sessions))
	for id, s := range c.sessions {
		if s.content.Status.Active() {
			sessions[id] = s
		}
	}
	c.mu.RUnlock()

	for id, s := range sessions {
		if ctx.Err() != nil {
			return
		}
		candidates := c.health.RotationCandidates(id)
		if len(candidates) == 0 {
			continue
		}
		s.ts.DropPeers(candidates)
		for _, addr := range candidates {
			c.health.OnPeerDisconnected(id, addr, true)
			c.events.publish(domain.Event{Type: domain.EventDisconnect, SessionID: id, Peer: addr})
		}
		metrics.RotationDisconnectsTotal.Add(float64(len(candidates)))
		s.ts.ReAnnounce()
		c.logger.Debug("rotated slow peers",
			slog.String("sessionId", string(id)),
			slog.Int("dropped", len(candidates)),
		)
	}
}

// probeLatencies round-trips a connection to every live peer and feeds the
// elapsed time into health scoring. The engine owns the wire protocol, so
// connection establishment is the cheapest per-peer round trip available.
func (c *Coordinator) probeLatencies(ctx context.Context) {
	c.mu.RLock()
	ids := make([]domain.SessionID, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	c.mu.RUnlock()

	targets := make(map[domain.PeerAddr]struct{})
	for _, id := range ids {
		for _, p := range c.health.Peers(id) {
			targets[p.Addr] = struct{}{}
		}
	}
	if len(targets) == 0 {
		return
	}

	sem := make(chan struct{}, probeConcurrency)
	var wg sync.WaitGroup
	for addr := range targets {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(addr domain.PeerAddr) {
			defer wg.Done()
			defer func() { <-sem }()
			probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
			defer cancel()
			rtt, err := c.probe(probeCtx, addr)
			if err != nil {
				// Unreachable peers age out through rotation instead.
				return
			}
			c.health.ObserveLatency(addr, rtt)
		}(addr)
	}
	wg.Wait()
}

// evaluateResources re-runs the governor against a fresh platform snapshot.
func (c *Coordinator) evaluateResources(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	c.applyDecision(c.governor.Evaluate(c.platform.Profile()))
}

// applyDecision pushes a governor decision onto every session and the shared
// upload limiter. Pause and resume are applied per session exactly once per
// transition; re-evaluations with an unchanged verdict are no-ops.
func (c *Coordinator) applyDecision(d governor.Decision) {
	limit := rate.Inf
	if d.UploadLimitBytesPerSec > 0 {
		limit = rate.Limit(d.UploadLimitBytesPerSec)
	}
	if c.limiter.Limit() != limit {
		c.limiter.SetLimit(limit)
	}

	c.mu.Lock()
	paused := 0
	for id, s := range c.sessions {
		s.ts.SetMaxConns(d.MaxConcurrentPeers)

		seedingLike := s.content.Status == domain.StatusSeeding ||
			s.content.Status == domain.StatusCompleted

		switch d.Action {
		case governor.ActionPauseSeeding:
			if seedingLike && !s.pausedBySystem {
				s.pausedBySystem = true
				s.ts.DisallowUpload()
				c.events.publish(domain.Event{
					Type:      domain.EventBandwidthChange,
					SessionID: id,
					Bandwidth: &domain.BandwidthPayload{Action: domain.BandwidthPauseSeeding, Reason: d.Reason},
				})
			}
		case governor.ActionResumeSeeding:
			if s.pausedBySystem {
				s.pausedBySystem = false
				s.ts.AllowUpload()
				if s.content.Status == domain.StatusCompleted {
					_ = s.content.Transition(domain.StatusSeeding)
				}
				c.events.publish(domain.Event{
					Type:      domain.EventBandwidthChange,
					SessionID: id,
					Bandwidth: &domain.BandwidthPayload{Action: domain.BandwidthResumeSeeding, Reason: d.Reason},
				})
			}
		}
		if s.pausedBySystem {
			paused++
		}
	}
	c.mu.Unlock()
	metrics.PausedSessions.Set(float64(paused))
}

// watchPlatform reacts to platform signal changes immediately instead of
// waiting for the next governance tick.
func (c *Coordinator) watchPlatform(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case profile, ok := <-c.platform.Changes():
			if !ok {
				return
			}
			c.applyDecision(c.governor.Evaluate(profile))
		}
	}
}

// sampleStats runs once per second: per-peer speeds, per-session deltas,
// progress events and gauge updates.
func (c *Coordinator) sampleStats(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	c.health.SampleSpeeds()

	c.mu.Lock()
	points := make([]stats.SessionSample, 0, len(c.sessions))
	type progressEntry struct {
		id    domain.SessionID
		ev    domain.ProgressPayload
		final bool
	}
	var progress []progressEntry
	active := 0
	var totalDown, totalUp int64

	for id, s := range c.sessions {
		ts := s.ts.Stats()
		deltaDown := ts.BytesRead - s.lastDown
		deltaUp := ts.BytesWritten - s.lastUp
		if deltaDown < 0 {
			deltaDown = 0
		}
		if deltaUp < 0 {
			deltaUp = 0
		}
		s.lastDown = ts.BytesRead
		s.lastUp = ts.BytesWritten

		interval := c.cfg.SampleInterval.Seconds()
		if interval <= 0 {
			interval = 1
		}
		s.downSpeed = int64(float64(deltaDown) / interval)
		s.upSpeed = int64(float64(deltaUp) / interval)
		totalDown += s.downSpeed
		totalUp += s.upSpeed

		points = append(points, stats.SessionSample{
			ContentID:       s.content.ContentID,
			DownloadSpeed:   s.downSpeed,
			UploadSpeed:     s.upSpeed,
			DownloadedDelta: deltaDown,
			UploadedDelta:   deltaUp,
		})

		if s.content.Status.Active() {
			active++
			var eta int64
			if s.downSpeed > 0 {
				remaining := int64(float64(s.content.DeclaredLength) * (1 - s.content.Progress()))
				eta = remaining / s.downSpeed
			}
			progress = append(progress, progressEntry{
				id: id,
				ev: domain.ProgressPayload{
					Progress:    s.content.Progress(),
					Speed:       s.downSpeed,
					Peers:       ts.ActivePeers,
					ETASeconds:  eta,
					HealthScore: c.health.HealthScore(id),
				},
			})
		}
	}
	c.mu.Unlock()

	c.stats.Sample(points)

	for _, p := range progress {
		ev := p.ev
		c.events.publish(domain.Event{Type: domain.EventProgress, SessionID: p.id, Progress: &ev})
	}

	metrics.ActiveSessions.Set(float64(active))
	metrics.DownloadSpeedBytes.Set(float64(totalDown))
	metrics.UploadSpeedBytes.Set(float64(totalUp))
	metrics.PeersConnected.Set(float64(c.health.ConnectedPeers()))
}

// flushStats persists totals, blacklist and reputation on the long period.
func (c *Coordinator) flushStats(ctx context.Context) {
	if err := c.stats.Flush(ctx); err != nil {
		c.logger.Warn("stats flush failed", slog.String("error", err.Error()))
	}
	c.persistPeerState(ctx)
}

func (c *Coordinator) persistPeerState(ctx context.Context) {
	if err := c.store.SaveBlacklist(ctx, c.health.BlacklistSnapshot()); err != nil {
		c.logger.Warn("blacklist persist failed", slog.String("error", err.Error()))
	}
	if err := c.store.SaveReputation(ctx, c.health.ReputationSnapshot()); err != nil {
		c.logger.Warn("reputation persist failed", slog.String("error", err.Error()))
	}
}

// cleanupState prunes reputation entries not seen within the retention
// window from the live table, then persists what remains. Pruning in memory
// first keeps the next flush from resurrecting the removed entries.
func (c *Coordinator) cleanupState(ctx context.Context) {
	if c.cfg.ReputationMaxAge <= 0 {
		return
	}
	cutoff := c.now().Add(-c.cfg.ReputationMaxAge)
	removed := c.health.PruneReputation(cutoff)
	if removed == 0 {
		return
	}
	if err := c.store.SaveReputation(ctx, c.health.ReputationSnapshot()); err != nil {
		c.logger.Warn("reputation cleanup persist failed", slog.String("error", err.Error()))
		return
	}
	c.logger.Info("pruned stale peer reputation", slog.Int("removed", removed))
}

// rotateIdentity mints a fresh identity once the current one expires.
// Existing sessions keep the key they handshook with.
func (c *Coordinator) rotateIdentity(ctx context.Context) {
	rotated, err := c.identity.RotateIfExpired(ctx)
	if err != nil {
		c.logger.Warn("identity rotation failed", slog.String("error", err.Error()))
		return
	}
	if rotated {
		metrics.SecurityEventsTotal.WithLabelValues("identity_rotated").Inc()
	}
}
