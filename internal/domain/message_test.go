package domain

import (
	"errors"
	"testing"
)

func TestEncodeDecodeMessage(t *testing.T) {
	original := PeerMessage{
		Kind:   MsgStreamingStats,
		Sender: "ephemeral-42",
		StreamingStats: &StreamingStatsPayload{
			ContentID:     "abc123",
			DownloadSpeed: 1 << 20,
			UploadSpeed:   1 << 18,
			Peers:         12,
		},
	}

	data, err := EncodeMessage(original)
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}

	decoded, err := DecodeMessage(data)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if decoded.Kind != MsgStreamingStats || decoded.Sender != "ephemeral-42" {
		t.Errorf("decoded header = %s/%s, want %s/ephemeral-42", decoded.Kind, decoded.Sender, MsgStreamingStats)
	}
	if decoded.StreamingStats == nil || decoded.StreamingStats.Peers != 12 {
		t.Errorf("decoded payload = %+v, want 12 peers", decoded.StreamingStats)
	}
}

func TestValidateUnknownKind(t *testing.T) {
	m := PeerMessage{Kind: "shutdown-now", Sender: "x"}
	if err := m.Validate(); !errors.Is(err, ErrUnknownMessage) {
		t.Errorf("Validate unknown kind: got %v, want ErrUnknownMessage", err)
	}
	if _, err := EncodeMessage(m); !errors.Is(err, ErrUnknownMessage) {
		t.Errorf("EncodeMessage unknown kind: got %v, want ErrUnknownMessage", err)
	}
}

func TestValidateMissingPayload(t *testing.T) {
	kinds := []MessageKind{MsgHaveMetadata, MsgRequestMetadata, MsgStreamingStats, MsgBitfieldUpdate, MsgNetworkInfo}
	for _, kind := range kinds {
		t.Run(string(kind), func(t *testing.T) {
			m := PeerMessage{Kind: kind, Sender: "x"}
			if err := m.Validate(); !errors.Is(err, ErrMalformedMessage) {
				t.Errorf("got %v, want ErrMalformedMessage", err)
			}
		})
	}
}

func TestDecodeMessageRejectsGarbage(t *testing.T) {
	if _, err := DecodeMessage([]byte("{not json")); !errors.Is(err, ErrMalformedMessage) {
		t.Errorf("garbage input: got %v, want ErrMalformedMessage", err)
	}
	if _, err := DecodeMessage([]byte(`{"kind":"bitfield-update","sender":"x"}`)); !errors.Is(err, ErrMalformedMessage) {
		t.Errorf("missing payload on wire: got %v, want ErrMalformedMessage", err)
	}
	if _, err := DecodeMessage([]byte(`{"kind":"evil","sender":"x"}`)); !errors.Is(err, ErrUnknownMessage) {
		t.Errorf("unknown kind on wire: got %v, want ErrUnknownMessage", err)
	}
}

func TestPolicyValidate(t *testing.T) {
	valid := DefaultPolicy()
	if err := valid.Validate(); err != nil {
		t.Fatalf("default policy invalid: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*UserPolicy)
	}{
		{"threshold above one", func(p *UserPolicy) { p.LowBatteryThreshold = 1.5 }},
		{"threshold negative", func(p *UserPolicy) { p.LowBatteryThreshold = -0.1 }},
		{"zero peers", func(p *UserPolicy) { p.MaxConcurrentPeers = 0 }},
		{"negative peers", func(p *UserPolicy) { p.MaxConcurrentPeers = -5 }},
		{"negative upload limit", func(p *UserPolicy) { p.UploadLimitBytesPerSec = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultPolicy()
			tt.mutate(&p)
			if err := p.Validate(); !errors.Is(err, ErrInvalidPolicy) {
				t.Errorf("got %v, want ErrInvalidPolicy", err)
			}
		})
	}
}
