// Package stats exposes the download core's live counters through
// go-metrics, the same registry style used for the rest of the ambient
// stack.
package stats

import (
	"github.com/rcrowley/go-metrics"
)

// Stats holds the counters and gauges tracked over the lifetime of one
// download.
type Stats struct {
	registry metrics.Registry

	BytesDownloaded  metrics.Counter
	BytesUploaded    metrics.Counter
	PiecesDownloaded metrics.Counter
	PiecesVerified   metrics.Counter
	PiecesFailed     metrics.Counter
	ActivePeers      metrics.Counter
	InflightBlocks   metrics.Counter

	DownloadSpeed metrics.Meter
	UploadSpeed   metrics.Meter
}

// New returns a fresh, independently registered set of counters. Each
// download gets its own registry so multiple downloads in one process
// never collide on metric names.
func New() *Stats {
	r := metrics.NewRegistry()
	return &Stats{
		registry:         r,
		BytesDownloaded:  metrics.NewRegisteredCounter("bytes_downloaded", r),
		BytesUploaded:    metrics.NewRegisteredCounter("bytes_uploaded", r),
		PiecesDownloaded: metrics.NewRegisteredCounter("pieces_downloaded", r),
		PiecesVerified:   metrics.NewRegisteredCounter("pieces_verified", r),
		PiecesFailed:     metrics.NewRegisteredCounter("pieces_failed", r),
		ActivePeers:      metrics.NewRegisteredCounter("active_peers", r),
		InflightBlocks:   metrics.NewRegisteredCounter("inflight_blocks", r),
		DownloadSpeed:    metrics.NewRegisteredMeter("download_speed", r),
		UploadSpeed:      metrics.NewRegisteredMeter("upload_speed", r),
	}
}

// Snapshot is a point-in-time, front-end-friendly view of every counter.
type Snapshot struct {
	BytesDownloaded  int64
	BytesUploaded    int64
	PiecesDownloaded int64
	PiecesVerified   int64
	PiecesFailed     int64
	ActivePeers      int64
	InflightBlocks   int64
	DownloadRate     float64 // bytes/sec, 1-minute EWMA
	UploadRate       float64
	Progress         float64
}

// Snapshot reads every counter once and combines them with progress,
// which the caller computes from the piece store since Stats has no
// view of piece state itself.
func (s *Stats) Snapshot(progress float64) Snapshot {
	return Snapshot{
		BytesDownloaded:  s.BytesDownloaded.Count(),
		BytesUploaded:    s.BytesUploaded.Count(),
		PiecesDownloaded: s.PiecesDownloaded.Count(),
		PiecesVerified:   s.PiecesVerified.Count(),
		PiecesFailed:     s.PiecesFailed.Count(),
		ActivePeers:      s.ActivePeers.Count(),
		InflightBlocks:   s.InflightBlocks.Count(),
		DownloadRate:     s.DownloadSpeed.Rate1(),
		UploadRate:       s.UploadSpeed.Rate1(),
		Progress:         progress,
	}
}

// Registry exposes the underlying go-metrics registry so an embedding
// front end can wire its own reporter (e.g. metrics.Log, a graphite
// exporter) without this package taking a position on where stats go.
func (s *Stats) Registry() metrics.Registry { return s.registry }
