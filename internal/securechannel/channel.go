// Package securechannel encrypts peer-to-peer metadata exchanges and
// negotiates capabilities during handshake.
package securechannel

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"swarmstream/internal/domain"
	"swarmstream/internal/domain/ports"
)

// DefaultFailureLimit is how many decrypt/parse failures a peer gets before
// the channel reports it as misbehaving.
const DefaultFailureLimit = 5

// identitySource decouples the channel from the identity manager.
type identitySource interface {
	Current() domain.Identity
}

type handshakePayload struct {
	EphemeralID  string   `json:"ephemeralId"`
	Capabilities []string `json:"capabilities"`
	Version      int      `json:"version"`
}

const handshakeVersion = 1

// Channel is a per-session secure metadata channel. Outbound messages carry
// a session-scoped ephemeral identifier instead of the persistent identity,
// so peers cannot correlate sessions. The identity key in use is pinned at
// construction: identity rotation only affects channels created afterwards.
type Channel struct {
	crypto       ports.CryptoProvider
	key          []byte
	ephemeralID  string
	failureLimit int
	logger       *slog.Logger

	mu       sync.Mutex
	failures int
	peerCaps []string
}

func New(crypto ports.CryptoProvider, ids identitySource, logger *slog.Logger) *Channel {
	return &Channel{
		crypto:       crypto,
		key:          ids.Current().Key,
		ephemeralID:  uuid.NewString(),
		failureLimit: DefaultFailureLimit,
		logger:       logger,
	}
}

// EphemeralID is the session-scoped sender identifier.
func (c *Channel) EphemeralID() string {
	return c.ephemeralID
}

// Handshake produces the encrypted capability announcement for a new peer.
func (c *Channel) Handshake(capabilities []string) ([]byte, error) {
	raw, err := json.Marshal(handshakePayload{
		EphemeralID:  c.ephemeralID,
		Capabilities: capabilities,
		Version:      handshakeVersion,
	})
	if err != nil {
		return nil, err
	}
	return c.crypto.Seal(c.key, raw)
}

// OnHandshake decrypts a peer's handshake and returns its capability set.
func (c *Channel) OnHandshake(payload []byte) ([]string, error) {
	raw, err := c.crypto.Open(c.key, payload)
	if err != nil {
		return nil, c.recordFailure(fmt.Errorf("handshake decrypt: %w", err))
	}
	var hs handshakePayload
	if err := json.Unmarshal(raw, &hs); err != nil {
		return nil, c.recordFailure(fmt.Errorf("%w: handshake: %v", domain.ErrMalformedMessage, err))
	}
	if hs.Version != handshakeVersion {
		return nil, c.recordFailure(fmt.Errorf("%w: handshake version %d", domain.ErrMalformedMessage, hs.Version))
	}
	c.mu.Lock()
	c.peerCaps = hs.Capabilities
	c.mu.Unlock()
	return hs.Capabilities, nil
}

// PeerCapabilities returns the set negotiated by the last handshake.
func (c *Channel) PeerCapabilities() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerCaps
}

// EncryptMessage validates, stamps the ephemeral sender and seals a message.
func (c *Channel) EncryptMessage(msg domain.PeerMessage) ([]byte, error) {
	msg.Sender = c.ephemeralID
	raw, err := domain.EncodeMessage(msg)
	if err != nil {
		return nil, err
	}
	return c.crypto.Seal(c.key, raw)
}

// DecryptMessage opens and validates an inbound message. Failures count
// toward the misbehaviour threshold; the caller drops the message and emits
// a security event, and tears the peer down once ErrPeerMisbehaving is
// returned.
func (c *Channel) DecryptMessage(ciphertext []byte) (domain.PeerMessage, error) {
	raw, err := c.crypto.Open(c.key, ciphertext)
	if err != nil {
		return domain.PeerMessage{}, c.recordFailure(fmt.Errorf("message decrypt: %w", err))
	}
	msg, err := domain.DecodeMessage(raw)
	if err != nil {
		return domain.PeerMessage{}, c.recordFailure(err)
	}
	return msg, nil
}

// Failures returns the running failure count.
func (c *Channel) Failures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures
}

func (c *Channel) recordFailure(cause error) error {
	c.mu.Lock()
	c.failures++
	n := c.failures
	c.mu.Unlock()

	c.logger.Warn("secure channel failure",
		slog.Int("failures", n),
		slog.String("error", cause.Error()),
	)
	if n >= c.failureLimit {
		return fmt.Errorf("%w: %v", domain.ErrPeerMisbehaving, cause)
	}
	return cause
}
