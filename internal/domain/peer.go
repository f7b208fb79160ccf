package domain

import "time"

// PeerAddr is a peer's network address ("host:port").
type PeerAddr string

// PeerConnection is the live view of one peer participating in one or more
// sessions. A connection whose session set becomes empty must be removed.
type PeerConnection struct {
	Addr          PeerAddr
	Capabilities  []string
	DownloadSpeed int64 // bytes/sec, rolling
	UploadSpeed   int64
	BytesDown     int64 // cumulative
	BytesUp       int64
	LatencyMS     float64 // moving average of probe round-trips
	Sessions      map[SessionID]struct{}
	ConnectedAt   time.Time
}

// Throughput is the combined rolling speed used for rotation ordering.
func (p *PeerConnection) Throughput() int64 {
	return p.DownloadSpeed + p.UploadSpeed
}

// PeerReputationEntry aggregates per-address history across sessions. It
// feeds rotation and blacklist decisions and survives restarts.
type PeerReputationEntry struct {
	Addr       PeerAddr  `json:"addr"`
	TotalBytes int64     `json:"totalBytes"`
	Successes  int64     `json:"successes"`
	Failures   int64     `json:"failures"`
	LastSeen   time.Time `json:"lastSeen"`
}
