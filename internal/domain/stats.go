package domain

import "time"

// TransferTotals are the cumulative byte counters and monotonic peaks
// persisted across restarts.
type TransferTotals struct {
	DownloadedBytes   int64     `json:"downloadedBytes"`
	UploadedBytes     int64     `json:"uploadedBytes"`
	PeakDownloadSpeed int64     `json:"peakDownloadSpeed"`
	PeakUploadSpeed   int64     `json:"peakUploadSpeed"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// ContentTotals is the per-content byte breakdown.
type ContentTotals struct {
	ContentID       ContentID `json:"contentId"`
	DownloadedBytes int64     `json:"downloadedBytes"`
	UploadedBytes   int64     `json:"uploadedBytes"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// AggregateStats is the live snapshot exposed by the coordinator.
type AggregateStats struct {
	Totals          TransferTotals  `json:"totals"`
	AvgDownloadSpeed float64        `json:"avgDownloadSpeed"` // over the sliding window
	AvgUploadSpeed   float64        `json:"avgUploadSpeed"`
	ActiveSessions   int            `json:"activeSessions"`
	ConnectedPeers   int            `json:"connectedPeers"`
	PerContent       []ContentTotals `json:"perContent,omitempty"`
}
