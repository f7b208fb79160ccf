// Package anacrolix adapts the anacrolix/torrent client to the transport
// port. The wire protocol, piece picking and disk IO all live in the client;
// this layer only steers it and translates its state into the event stream
// the coordinator consumes.
package anacrolix

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"golang.org/x/time/rate"

	"swarmstream/internal/domain"
	"swarmstream/internal/domain/ports"
)

// addTimeout caps how long we wait for the client to accept a new torrent.
// AddMagnet can block on an internal client mutex when the client is busy
// resolving metadata for another torrent.
const addTimeout = 10 * time.Second

// defaultPollInterval drives event synthesis: the client has no push-style
// notification API, so each session is polled and deltas become events.
const defaultPollInterval = time.Second

type Config struct {
	DataDir      string
	PollInterval time.Duration
	// UploadLimiter is shared with the resource governor, which adjusts the
	// limit at runtime.
	UploadLimiter *rate.Limiter
}

type Engine struct {
	client *torrent.Client
	poll   time.Duration
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[domain.ContentID]*Session
	closed   bool
}

func New(cfg Config, logger *slog.Logger) (*Engine, error) {
	clientConfig := torrent.NewDefaultClientConfig()
	if cfg.DataDir != "" {
		clientConfig.DataDir = cfg.DataDir
	}
	clientConfig.Seed = true
	if cfg.UploadLimiter != nil {
		clientConfig.UploadRateLimiter = cfg.UploadLimiter
	}

	client, err := torrent.NewClient(clientConfig)
	if err != nil {
		return nil, err
	}
	return NewWithClient(client, cfg.PollInterval, logger), nil
}

func NewWithClient(client *torrent.Client, poll time.Duration, logger *slog.Logger) *Engine {
	if poll <= 0 {
		poll = defaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		client:   client,
		poll:     poll,
		logger:   logger,
		sessions: make(map[domain.ContentID]*Session),
	}
}

// AddSession starts fetching content identified by a magnet link or a
// metainfo file path.
func (e *Engine) AddSession(ctx context.Context, locator string, opts ports.SessionOptions) (ports.TransportSession, error) {
	t, err := e.add(ctx, locator)
	if err != nil {
		return nil, err
	}
	return e.register(t, opts, false)
}

// SeedSession makes already-present content available to the swarm. The path
// names the metainfo file; the payload must sit in the client's data
// directory so the client verifies it from disk instead of fetching.
func (e *Engine) SeedSession(ctx context.Context, filePath string, opts ports.SessionOptions) (ports.TransportSession, error) {
	t, err := e.add(ctx, filePath)
	if err != nil {
		return nil, err
	}
	return e.register(t, opts, true)
}

func (e *Engine) RemoveSession(ctx context.Context, id domain.ContentID) error {
	e.mu.Lock()
	s, ok := e.sessions[id]
	if ok {
		delete(e.sessions, id)
	}
	e.mu.Unlock()
	if !ok {
		return domain.ErrNotFound
	}
	s.stop()
	return nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	sessions := make([]*Session, 0, len(e.sessions))
	for id, s := range e.sessions {
		sessions = append(sessions, s)
		delete(e.sessions, id)
	}
	e.mu.Unlock()

	for _, s := range sessions {
		s.stop()
	}
	if e.client == nil {
		return nil
	}
	errList := e.client.Close()
	if len(errList) > 0 {
		return errList[0]
	}
	return nil
}

// add hands the locator to the client with a timeout so a busy client never
// blocks the caller indefinitely.
func (e *Engine) add(ctx context.Context, locator string) (*torrent.Torrent, error) {
	if e.client == nil {
		return nil, errors.New("torrent client not configured")
	}

	type addResult struct {
		t   *torrent.Torrent
		err error
	}
	ch := make(chan addResult, 1)
	go func() {
		var t *torrent.Torrent
		var err error
		if strings.HasPrefix(locator, "magnet:") {
			t, err = e.client.AddMagnet(locator)
		} else {
			t, err = e.client.AddTorrentFromFile(locator)
		}
		ch <- addResult{t, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.t, nil
	case <-time.After(addTimeout):
		// The goroutine may still complete the add after we give up; drop
		// the orphaned torrent when it does.
		go func() {
			if res := <-ch; res.t != nil {
				res.t.Drop()
			}
		}()
		return nil, errors.New("torrent client busy, try again later")
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.t != nil {
				res.t.Drop()
			}
		}()
		return nil, ctx.Err()
	}
}

func (e *Engine) register(t *torrent.Torrent, opts ports.SessionOptions, seedOnly bool) (*Session, error) {
	id := domain.ContentID(t.InfoHash().HexString())

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		t.Drop()
		return nil, errors.New("transport engine closed")
	}
	if existing, ok := e.sessions[id]; ok {
		// The client returned the same torrent it already tracks.
		return existing, nil
	}

	s := newSession(id, t, opts, seedOnly, e.poll, e.logger)
	e.sessions[id] = s
	return s, nil
}

func torrentInfoReady(t *torrent.Torrent) bool {
	if t == nil {
		return false
	}
	select {
	case <-t.GotInfo():
		return true
	default:
		return false
	}
}
