package domain

import (
	"encoding/json"
	"fmt"
)

// MessageKind tags the peer metadata message union. The set is closed:
// decoding rejects unknown tags explicitly instead of falling through.
type MessageKind string

const (
	MsgHaveMetadata    MessageKind = "have-metadata"
	MsgRequestMetadata MessageKind = "request-metadata"
	MsgStreamingStats  MessageKind = "streaming-stats"
	MsgBitfieldUpdate  MessageKind = "bitfield-update"
	MsgNetworkInfo     MessageKind = "network-info"
)

type HaveMetadataPayload struct {
	ContentID ContentID       `json:"contentId"`
	Metadata  SessionMetadata `json:"metadata"`
}

type RequestMetadataPayload struct {
	ContentID ContentID `json:"contentId"`
}

type StreamingStatsPayload struct {
	ContentID     ContentID `json:"contentId"`
	DownloadSpeed int64     `json:"downloadSpeed"`
	UploadSpeed   int64     `json:"uploadSpeed"`
	Peers         int       `json:"peers"`
}

type BitfieldUpdatePayload struct {
	ContentID ContentID `json:"contentId"`
	Bitfield  []byte    `json:"bitfield"`
}

type NetworkInfoPayload struct {
	Network NetworkClass `json:"network"`
	Metered bool         `json:"metered"`
}

// PeerMessage is the metadata message exchanged over the secure channel.
// Sender carries a session-scoped ephemeral identifier, never the caller's
// persistent identity, so peers cannot correlate sessions.
type PeerMessage struct {
	Kind   MessageKind `json:"kind"`
	Sender string      `json:"sender"`

	HaveMetadata    *HaveMetadataPayload    `json:"haveMetadata,omitempty"`
	RequestMetadata *RequestMetadataPayload `json:"requestMetadata,omitempty"`
	StreamingStats  *StreamingStatsPayload  `json:"streamingStats,omitempty"`
	BitfieldUpdate  *BitfieldUpdatePayload  `json:"bitfieldUpdate,omitempty"`
	NetworkInfo     *NetworkInfoPayload     `json:"networkInfo,omitempty"`
}

// Validate checks that the kind is known and the matching payload is present.
func (m PeerMessage) Validate() error {
	var ok bool
	switch m.Kind {
	case MsgHaveMetadata:
		ok = m.HaveMetadata != nil
	case MsgRequestMetadata:
		ok = m.RequestMetadata != nil
	case MsgStreamingStats:
		ok = m.StreamingStats != nil
	case MsgBitfieldUpdate:
		ok = m.BitfieldUpdate != nil
	case MsgNetworkInfo:
		ok = m.NetworkInfo != nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessage, m.Kind)
	}
	if !ok {
		return fmt.Errorf("%w: missing payload for %q", ErrMalformedMessage, m.Kind)
	}
	return nil
}

// EncodeMessage serializes a validated message.
func EncodeMessage(m PeerMessage) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// DecodeMessage parses and validates a message, rejecting unknown kinds and
// missing payloads.
func DecodeMessage(data []byte) (PeerMessage, error) {
	var m PeerMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return PeerMessage{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := m.Validate(); err != nil {
		return PeerMessage{}, err
	}
	return m, nil
}
