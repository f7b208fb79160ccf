// Package coordinator owns the lifecycle of every content session, wires the
// scheduler, health monitor, governor, verifier and stats together, and
// exposes the public API and event stream.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"swarmstream/internal/domain"
	"swarmstream/internal/domain/ports"
	"swarmstream/internal/governor"
	"swarmstream/internal/identity"
	"swarmstream/internal/peerhealth"
	"swarmstream/internal/scheduler"
	"swarmstream/internal/securechannel"
	"swarmstream/internal/stats"
	"swarmstream/internal/verify"
)

type Config struct {
	Capabilities           []string
	RetryLimit             int           // tracker re-announces before a session error is fatal
	StopGracePeriod        time.Duration // bound on waiting for a session pump to drain
	RotationInterval       time.Duration
	GovernanceInterval     time.Duration
	SampleInterval         time.Duration
	ProbeInterval          time.Duration // per-peer latency probe cadence
	FlushInterval          time.Duration
	CleanupInterval        time.Duration
	IdentityRotateInterval time.Duration
	RotationThreshold      int
	ReputationMaxAge       time.Duration
	Scheduler              scheduler.Config
}

func DefaultConfig() Config {
	return Config{
		Capabilities:           []string{"metadata", "streaming-stats", "bitfield"},
		RetryLimit:             3,
		StopGracePeriod:        5 * time.Second,
		RotationInterval:       30 * time.Second,
		GovernanceInterval:     15 * time.Second,
		SampleInterval:         time.Second,
		ProbeInterval:          30 * time.Second,
		FlushInterval:          5 * time.Minute,
		CleanupInterval:        time.Hour,
		IdentityRotateInterval: identity.DefaultRotateInterval,
		RotationThreshold:      peerhealth.DefaultRotationThreshold,
		ReputationMaxAge:       30 * 24 * time.Hour,
		Scheduler:              scheduler.DefaultConfig(),
	}
}

type Deps struct {
	Transport     ports.Transport
	Platform      ports.PlatformInfo
	Store         ports.StateStore
	Crypto        ports.CryptoProvider
	UploadLimiter *rate.Limiter // shared with the transport engine
	Logger        *slog.Logger
}

const (
	probeTimeout     = 2 * time.Second
	probeConcurrency = 8
)

// dialProbe measures a peer round trip as the cost of establishing a plain
// connection to its wire address.
func dialProbe(ctx context.Context, addr domain.PeerAddr) (time.Duration, error) {
	var d net.Dialer
	start := time.Now()
	conn, err := d.DialContext(ctx, "tcp", string(addr))
	if err != nil {
		return 0, err
	}
	_ = conn.Close()
	return time.Since(start), nil
}

// session is the coordinator's private wrapper around one content session.
type session struct {
	content   *domain.ContentSession
	ts        ports.TransportSession
	channel   *securechannel.Channel
	cancel    context.CancelFunc
	done      chan struct{}
	stopOnce  sync.Once
	streaming bool

	retries        int
	lastDown       int64
	lastUp         int64
	downSpeed      int64
	upSpeed        int64
	playbackPos    float64
	pausedBySystem bool
	populated      bool
}

type Coordinator struct {
	cfg       Config
	transport ports.Transport
	platform  ports.PlatformInfo
	store     ports.StateStore
	crypto    ports.CryptoProvider
	limiter   *rate.Limiter
	logger    *slog.Logger
	now       func() time.Time
	probe     func(ctx context.Context, addr domain.PeerAddr) (time.Duration, error)

	identity *identity.Manager
	health   *peerhealth.Monitor
	sched    *scheduler.Scheduler
	governor *governor.Governor
	stats    *stats.Aggregator
	verifier *verify.Verifier

	events *hub
	runner *runner

	mu       sync.RWMutex
	sessions map[domain.SessionID]*session

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup
	started    bool
}

// New validates the policy and assembles the coordinator with injected
// collaborators. Nothing runs until Start.
func New(deps Deps, cfg Config, policy domain.UserPolicy) (*Coordinator, error) {
	if deps.Transport == nil || deps.Platform == nil || deps.Store == nil || deps.Crypto == nil {
		return nil, errors.New("coordinator: missing dependency")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.UploadLimiter == nil {
		deps.UploadLimiter = rate.NewLimiter(rate.Inf, 0)
	}

	gov, err := governor.New(policy, deps.Logger)
	if err != nil {
		return nil, err
	}
	verifier, err := verify.New(deps.Store, deps.Logger)
	if err != nil {
		return nil, err
	}

	return &Coordinator{
		cfg:       cfg,
		transport: deps.Transport,
		platform:  deps.Platform,
		store:     deps.Store,
		crypto:    deps.Crypto,
		limiter:   deps.UploadLimiter,
		logger:    deps.Logger,
		now:       time.Now,
		probe:     dialProbe,
		identity:  identity.New(deps.Crypto, deps.Store, cfg.IdentityRotateInterval, deps.Logger),
		health:    peerhealth.New(cfg.RotationThreshold, deps.Logger),
		sched:     scheduler.New(cfg.Scheduler),
		governor:  gov,
		stats:     stats.New(deps.Store, stats.DefaultWindow, deps.Logger),
		verifier:  verifier,
		events:    newHub(),
		runner:    newRunner(deps.Logger),
		sessions:  make(map[domain.SessionID]*session),
	}, nil
}

// Start restores persisted state and launches the periodic tasks and the
// platform signal watcher. A transport that failed to initialize surfaces
// here, to the caller; everything later is contained and reported through
// the event stream.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("coordinator already started")
	}
	c.started = true
	c.rootCtx, c.rootCancel = context.WithCancel(context.Background())
	c.mu.Unlock()

	if err := c.identity.Load(ctx); err != nil {
		return fmt.Errorf("identity restore: %w", err)
	}
	if err := c.stats.Restore(ctx); err != nil {
		c.logger.Warn("stats restore failed", slog.String("error", err.Error()))
	}
	if addrs, err := c.store.LoadBlacklist(ctx); err != nil {
		c.logger.Warn("blacklist restore failed", slog.String("error", err.Error()))
	} else {
		c.health.RestoreBlacklist(addrs)
	}
	if entries, err := c.store.LoadReputation(ctx); err != nil {
		c.logger.Warn("reputation restore failed", slog.String("error", err.Error()))
	} else {
		c.health.RestoreReputation(entries)
	}
	if policy, ok, err := c.store.LoadPolicy(ctx); err != nil {
		c.logger.Warn("policy restore failed", slog.String("error", err.Error()))
	} else if ok {
		if err := c.governor.SetPolicy(policy); err != nil {
			c.logger.Warn("stored policy rejected", slog.String("error", err.Error()))
		}
	}

	c.runner.Start(c.rootCtx, []Task{
		{Name: "peer-rotation", Every: c.cfg.RotationInterval, Run: c.rotatePeers},
		{Name: "governance", Every: c.cfg.GovernanceInterval, Run: c.evaluateResources},
		{Name: "stats-sample", Every: c.cfg.SampleInterval, Run: c.sampleStats},
		{Name: "latency-probe", Every: c.cfg.ProbeInterval, Run: c.probeLatencies},
		{Name: "stats-flush", Every: c.cfg.FlushInterval, Run: c.flushStats},
		{Name: "state-cleanup", Every: c.cfg.CleanupInterval, Run: c.cleanupState},
		{Name: "identity-rotation", Every: c.cfg.IdentityRotateInterval, Run: c.rotateIdentity},
	})

	c.wg.Add(1)
	go c.watchPlatform(c.rootCtx)

	// Apply the initial platform snapshot immediately.
	c.applyDecision(c.governor.Evaluate(c.platform.Profile()))
	return nil
}

// Close stops every session, the periodic tasks and the transport, flushing
// state on the way out.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	ids := make([]domain.SessionID, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		if err := c.Stop(ctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
			c.logger.Warn("session stop on close failed",
				slog.String("sessionId", string(id)),
				slog.String("error", err.Error()),
			)
		}
	}

	c.runner.Stop()
	c.rootCancel()
	c.wg.Wait()

	if err := c.stats.Flush(ctx); err != nil {
		c.logger.Warn("final stats flush failed", slog.String("error", err.Error()))
	}
	c.persistPeerState(ctx)
	c.events.close()
	return c.transport.Close()
}

// StartSeeding makes local content available to the swarm. The session
// reaches seeding only after verification.
func (c *Coordinator) StartSeeding(ctx context.Context, filePath string, meta domain.SessionMetadata) (domain.SessionID, error) {
	ts, err := c.transport.SeedSession(ctx, filePath, c.sessionOptions())
	if err != nil {
		return "", fmt.Errorf("%w: seed: %v", domain.ErrTransport, err)
	}
	return c.register(ts, meta, false)
}

// StartDownload fetches content for later seeding.
func (c *Coordinator) StartDownload(ctx context.Context, locator string, meta domain.SessionMetadata) (domain.SessionID, error) {
	ts, err := c.transport.AddSession(ctx, locator, c.sessionOptions())
	if err != nil {
		return "", fmt.Errorf("%w: add: %v", domain.ErrTransport, err)
	}
	return c.register(ts, meta, false)
}

// StartStreaming fetches content prioritized for progressive playback. The
// caller drives prioritization through SetPlaybackPosition.
func (c *Coordinator) StartStreaming(ctx context.Context, locator string, meta domain.SessionMetadata) (domain.SessionID, error) {
	ts, err := c.transport.AddSession(ctx, locator, c.sessionOptions())
	if err != nil {
		return "", fmt.Errorf("%w: add: %v", domain.ErrTransport, err)
	}
	return c.register(ts, meta, true)
}

// Stop tears a session down: it is synchronously unregistered from the
// health monitor and governor bookkeeping, the pump is drained within the
// grace period, and a single terminal stop event is emitted.
func (c *Coordinator) Stop(ctx context.Context, id domain.SessionID) error {
	c.mu.Lock()
	s, ok := c.sessions[id]
	if ok {
		delete(c.sessions, id)
	}
	c.mu.Unlock()
	if !ok {
		return domain.ErrNotFound
	}

	c.health.RemoveSession(id)
	s.cancel()

	select {
	case <-s.done:
	case <-time.After(c.cfg.StopGracePeriod):
		c.logger.Warn("session pump did not drain within grace period",
			slog.String("sessionId", string(id)),
		)
	case <-ctx.Done():
	}

	if err := c.transport.RemoveSession(ctx, s.content.ContentID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		c.logger.Warn("transport remove failed",
			slog.String("sessionId", string(id)),
			slog.String("error", err.Error()),
		)
	}

	c.mu.Lock()
	_ = s.content.Transition(domain.StatusStopped)
	c.mu.Unlock()

	s.stopOnce.Do(func() {
		c.events.publish(domain.Event{Type: domain.EventStop, SessionID: id})
	})
	return nil
}

// ListSessions returns a stable-ordered summary of every session.
func (c *Coordinator) ListSessions() []domain.SessionSummary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]domain.SessionSummary, 0, len(c.sessions))
	for id, s := range c.sessions {
		out = append(out, domain.SessionSummary{
			ID:          id,
			ContentID:   s.content.ContentID,
			Status:      s.content.Status,
			Progress:    s.content.Progress(),
			Peers:       s.ts.Stats().ActivePeers,
			Length:      s.content.DeclaredLength,
			Metadata:    s.content.Metadata,
			CreatedAt:   s.content.CreatedAt,
			CompletedAt: s.content.CompletedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats returns the live aggregate snapshot.
func (c *Coordinator) Stats() domain.AggregateStats {
	c.mu.RLock()
	active := 0
	for _, s := range c.sessions {
		if s.content.Status.Active() {
			active++
		}
	}
	c.mu.RUnlock()
	return c.stats.Snapshot(active, c.health.ConnectedPeers())
}

// Subscribe registers an event observer.
func (c *Coordinator) Subscribe() (<-chan domain.Event, func()) {
	return c.events.Subscribe()
}

// SetPolicy validates, persists and applies a new user policy, then
// re-evaluates resource limits immediately.
func (c *Coordinator) SetPolicy(ctx context.Context, p domain.UserPolicy) error {
	if err := c.governor.SetPolicy(p); err != nil {
		return err
	}
	if err := c.store.SavePolicy(ctx, p); err != nil {
		c.logger.Warn("policy persist failed", slog.String("error", err.Error()))
	}
	c.applyDecision(c.governor.Evaluate(c.platform.Profile()))
	return nil
}

// Policy returns the live user policy.
func (c *Coordinator) Policy() domain.UserPolicy {
	return c.governor.Policy()
}

// SetPlaybackPosition recomputes piece priorities for a streaming session.
// Invoked on every playback-position change rather than continuously, which
// bounds scheduling overhead.
func (c *Coordinator) SetPlaybackPosition(id domain.SessionID, seconds float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[id]
	if !ok {
		return domain.ErrNotFound
	}
	s.playbackPos = seconds
	if !s.populated {
		return nil // recomputed once metadata arrives
	}
	asn := c.sched.Recompute(s.content, seconds)
	c.pushPrioritiesLocked(s)
	c.logger.Debug("piece priorities recomputed",
		slog.String("sessionId", string(id)),
		slog.Int("targetPiece", asn.TargetPiece),
		slog.Int("preBufferEnd", asn.PreBufferEnd),
		slog.Int("lookaheadEnd", asn.LookaheadEnd),
	)
	return nil
}

func (c *Coordinator) sessionOptions() ports.SessionOptions {
	d := c.governor.Evaluate(c.platform.Profile())
	return ports.SessionOptions{
		MaxPeers: d.MaxConcurrentPeers,
		Upload:   d.SharingAllowed,
	}
}

func (c *Coordinator) register(ts ports.TransportSession, meta domain.SessionMetadata, streaming bool) (domain.SessionID, error) {
	id := domain.SessionID(uuid.NewString())
	content, err := domain.NewContentSession(id, ts.ContentID(), 0, 0, 0, meta, c.now().UTC())
	if err != nil {
		return "", err
	}

	pumpCtx, cancel := context.WithCancel(c.rootCtx)
	s := &session{
		content:   content,
		ts:        ts,
		channel:   securechannel.New(c.crypto, c.identity, c.logger),
		cancel:    cancel,
		done:      make(chan struct{}),
		streaming: streaming,
	}

	c.mu.Lock()
	c.sessions[id] = s
	if ts.Ready() {
		c.populateLocked(s)
	}
	c.mu.Unlock()

	c.wg.Add(1)
	go c.pump(pumpCtx, id, s)

	c.logger.Info("session registered",
		slog.String("sessionId", string(id)),
		slog.String("contentId", string(ts.ContentID())),
		slog.Bool("streaming", streaming),
	)
	return id, nil
}

// populateLocked fills session geometry once transport metadata is known.
// Caller holds c.mu.
func (c *Coordinator) populateLocked(s *session) {
	if s.populated || !s.ts.Ready() {
		return
	}
	pieces := s.ts.NumPieces()
	s.content.DeclaredLength = s.ts.Length()
	s.content.PieceLength = s.ts.PieceLength()
	s.content.PieceCount = pieces
	s.content.Completed = make([]bool, pieces)
	s.content.Priorities = make([]domain.PiecePriority, pieces)
	for i := 0; i < pieces; i++ {
		s.content.Completed[i] = s.ts.PieceComplete(i)
		s.content.Priorities[i] = domain.PriorityNormal
	}
	s.content.Files = s.ts.FilePaths()
	s.populated = true

	target := domain.StatusDownloading
	if s.streaming {
		target = domain.StatusStreaming
	}
	if err := s.content.Transition(target); err == nil && s.streaming {
		c.sched.Recompute(s.content, s.playbackPos)
		c.pushPrioritiesLocked(s)
	}
}

// pushPrioritiesLocked mirrors the session's priority vector into the
// transport engine. Caller holds c.mu.
func (c *Coordinator) pushPrioritiesLocked(s *session) {
	for i, p := range s.content.Priorities {
		s.ts.SetPiecePriority(i, p)
	}
}
