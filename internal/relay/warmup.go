package relay

import (
	"context"
	"time"

	"github.com/muxtun/muxtun/internal/relay/protocol"

	"golang.org/x/time/rate"
)

// WarmupConfig controls the padding pacer that runs on each freshly dialed
// subflow. Middleboxes along residential paths grow their congestion windows
// from observed traffic, so pushing throwaway bytes at a fixed rate right
// after connect leaves the path warm before real data shows up.
type WarmupConfig struct {
	Enabled        bool
	BytesPerSecond int
	TotalBytes     int64
	ChunkSize      int
}

type warmer struct {
	session *Session
	subflow *Subflow
	cfg     WarmupConfig
}

func newWarmer(sess *Session, sf *Subflow, cfg WarmupConfig) *warmer {
	return &warmer{session: sess, subflow: sf, cfg: cfg}
}

func (w *warmer) run(ctx context.Context) {
	chunk := w.cfg.ChunkSize
	if chunk <= 0 {
		chunk = 4096
	}
	bps := w.cfg.BytesPerSecond
	if bps <= 0 {
		return
	}
	limiter := rate.NewLimiter(rate.Limit(bps), chunk)
	payload := make([]byte, chunk)

	var sent int64
	for w.cfg.TotalBytes <= 0 || sent < w.cfg.TotalBytes {
		if err := limiter.WaitN(ctx, chunk); err != nil {
			return
		}
		// Real transmissions take priority; padding only fills idle air.
		if w.session.activeSends.Load() > 0 {
			select {
			case <-time.After(50 * time.Millisecond):
			case <-ctx.Done():
				return
			}
			continue
		}
		frame := &protocol.Frame{
			Type:      protocol.FramePadding,
			SessionID: w.session.id,
			Payload:   payload,
		}
		if err := w.subflow.send(frame); err != nil {
			return
		}
		sent += int64(chunk)
	}
}
