package twitchchat

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/onnwee/chatxp/backend/chat"
	"github.com/onnwee/chatxp/backend/config"
	"github.com/onnwee/chatxp/backend/stream"
	"github.com/onnwee/chatxp/backend/twitchapi"
)

// LifecycleStore is the persistence surface of the lifecycle loop.
type LifecycleStore interface {
	GetActiveLivestreams(ctx context.Context) ([]stream.Livestream, error)
	OpenLivestream(ctx context.Context, ls stream.Livestream) error
	CloseLivestream(ctx context.Context, platform chat.Platform, livestreamID string, end time.Time) error
}

// Lifecycle polls Helix live status for the configured channel, keeps the
// livestream table in sync, and runs the IRC recorder exactly while the
// channel is live.
type Lifecycle struct {
	Cfg     *config.Config
	Helix   *twitchapi.HelixClient
	Store   LifecycleStore
	Handler Handler

	recorderCancel context.CancelFunc
}

// Run blocks until ctx is done. Poll cadence comes from
// TWITCH_LIVE_CHECK_INTERVAL (default 1m).
func (l *Lifecycle) Run(ctx context.Context) {
	interval := time.Minute
	if s := os.Getenv("TWITCH_LIVE_CHECK_INTERVAL"); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			interval = d
		}
	}
	logger := slog.Default().With(
		slog.String("channel", l.Cfg.TwitchChannel),
		slog.String("component", "twitch_lifecycle"))
	logger.Info("twitch lifecycle starting", slog.Duration("interval", interval))

	l.checkOnce(ctx, logger)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			l.stopRecorder()
			logger.Info("twitch lifecycle stopped")
			return
		case <-ticker.C:
			l.checkOnce(ctx, logger)
		}
	}
}

func (l *Lifecycle) checkOnce(ctx context.Context, logger *slog.Logger) {
	info, err := l.Helix.GetStream(ctx, l.Cfg.TwitchChannel)
	if err != nil {
		logger.Warn("helix live check failed", slog.Any("err", err))
		return
	}

	openID := l.openTwitchLivestreamID(ctx, logger)

	switch {
	case info != nil && openID == "":
		start := info.StartedAt
		ls := stream.Livestream{
			ID: info.ID, StreamerID: l.Cfg.StreamerID,
			Platform: chat.PlatformTwitch, Start: &start,
		}
		if err := l.Store.OpenLivestream(ctx, ls); err != nil {
			logger.Warn("open livestream", slog.Any("err", err))
			return
		}
		logger.Info("twitch channel live", slog.String("stream_id", info.ID))
		l.startRecorder(ctx, logger)

	case info == nil && openID != "":
		if err := l.Store.CloseLivestream(ctx, chat.PlatformTwitch, openID, time.Now().UTC()); err != nil {
			logger.Warn("close livestream", slog.Any("err", err))
			return
		}
		logger.Info("twitch channel offline", slog.String("stream_id", openID))
		l.stopRecorder()

	case info != nil && openID != "" && l.recorderCancel == nil:
		// Live row survived a restart; resume recording.
		l.startRecorder(ctx, logger)
	}
}

func (l *Lifecycle) openTwitchLivestreamID(ctx context.Context, logger *slog.Logger) string {
	active, err := l.Store.GetActiveLivestreams(ctx)
	if err != nil {
		logger.Warn("list active livestreams", slog.Any("err", err))
		return ""
	}
	for _, ls := range active {
		if ls.Platform == chat.PlatformTwitch && ls.StreamerID == l.Cfg.StreamerID {
			return ls.ID
		}
	}
	return ""
}

func (l *Lifecycle) startRecorder(ctx context.Context, logger *slog.Logger) {
	if l.recorderCancel != nil {
		return
	}
	rctx, cancel := context.WithCancel(ctx)
	l.recorderCancel = cancel
	rec := &Recorder{Cfg: l.Cfg, Handler: l.Handler}
	go func() {
		if err := rec.Run(rctx); err != nil {
			logger.Warn("recorder exited", slog.Any("err", err))
		}
	}()
}

func (l *Lifecycle) stopRecorder() {
	if l.recorderCancel != nil {
		l.recorderCancel()
		l.recorderCancel = nil
	}
}
