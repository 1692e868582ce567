package youtubeapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/api/googleapi"
	yt "google.golang.org/api/youtube/v3"

	"github.com/onnwee/chatxp/backend/chat"
	"github.com/onnwee/chatxp/backend/poll"
	"github.com/onnwee/chatxp/backend/stream"
)

// ChatFetcher adapts the YouTube live chat API to the poll scheduler's
// fetcher contract. The livestream id is the video id; the live chat id is
// resolved once per livestream and cached.
type ChatFetcher struct {
	Service *Service

	mu      sync.Mutex
	chatIDs map[string]string // video id -> live chat id
}

// FetchPage retrieves the next live chat page for the livestream, resuming
// from its stored continuation token.
func (f *ChatFetcher) FetchPage(ctx context.Context, ls stream.Livestream) (poll.Page, error) {
	svc, err := f.Service.Client(ctx)
	if err != nil {
		return poll.Page{}, fmt.Errorf("youtube client: %w", err)
	}
	chatID, err := f.liveChatID(ctx, svc, ls.ID)
	if err != nil {
		return poll.Page{}, err
	}

	call := svc.LiveChatMessages.List(chatID, []string{"snippet", "authorDetails"}).Context(ctx)
	if ls.ContinuationToken != nil && *ls.ContinuationToken != "" {
		call = call.PageToken(*ls.ContinuationToken)
	}
	resp, err := call.Do()
	if err != nil {
		if ChatEnded(err) {
			// The broadcast closed its chat. Surface an empty terminal page;
			// lifecycle will close the livestream row shortly after.
			return poll.Page{}, fmt.Errorf("live chat ended for video %s: %w", ls.ID, err)
		}
		return poll.Page{}, fmt.Errorf("live chat list: %w", err)
	}

	page := poll.Page{Items: make([]chat.Item, 0, len(resp.Items))}
	if resp.NextPageToken != "" {
		tok := resp.NextPageToken
		page.NextCursor = &tok
	}
	for _, m := range resp.Items {
		it, ok := toItem(m)
		if !ok {
			continue
		}
		page.Items = append(page.Items, it)
	}
	return page, nil
}

func (f *ChatFetcher) liveChatID(ctx context.Context, svc *yt.Service, videoID string) (string, error) {
	f.mu.Lock()
	if id, ok := f.chatIDs[videoID]; ok {
		f.mu.Unlock()
		return id, nil
	}
	f.mu.Unlock()

	resp, err := svc.Videos.List([]string{"liveStreamingDetails"}).Id(videoID).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("resolve live chat id for %s: %w", videoID, err)
	}
	if len(resp.Items) == 0 || resp.Items[0].LiveStreamingDetails == nil ||
		resp.Items[0].LiveStreamingDetails.ActiveLiveChatId == "" {
		return "", fmt.Errorf("video %s has no active live chat", videoID)
	}
	id := resp.Items[0].LiveStreamingDetails.ActiveLiveChatId

	f.mu.Lock()
	if f.chatIDs == nil {
		f.chatIDs = map[string]string{}
	}
	f.chatIDs[videoID] = id
	f.mu.Unlock()
	return id, nil
}

// toItem normalizes one API message into the canonical item. Messages without
// an id or author are dropped (system events, deleted rows).
func toItem(m *yt.LiveChatMessage) (chat.Item, bool) {
	if m == nil || m.Id == "" || m.Snippet == nil || m.AuthorDetails == nil {
		return chat.Item{}, false
	}
	ts, err := time.Parse(time.RFC3339, m.Snippet.PublishedAt)
	if err != nil {
		return chat.Item{}, false
	}
	var attrs []string
	if m.AuthorDetails.IsChatOwner {
		attrs = append(attrs, "owner")
	}
	if m.AuthorDetails.IsChatModerator {
		attrs = append(attrs, "moderator")
	}
	if m.AuthorDetails.IsChatSponsor {
		attrs = append(attrs, "member")
	}
	if m.AuthorDetails.IsVerified {
		attrs = append(attrs, "verified")
	}
	return chat.Item{
		ID:        m.Id,
		Timestamp: ts.UTC(),
		Platform:  chat.PlatformYouTube,
		Author: chat.Author{
			ChannelID:  m.AuthorDetails.ChannelId,
			Name:       m.AuthorDetails.DisplayName,
			Attributes: attrs,
		},
		Parts: chat.SplitEmojiShortcodes(m.Snippet.DisplayMessage),
	}, true
}

// ChatEnded reports whether err is the API's "live chat is over" rejection.
func ChatEnded(err error) bool {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return false
	}
	if gerr.Code != 403 && gerr.Code != 404 {
		return false
	}
	for _, e := range gerr.Errors {
		if e.Reason == "liveChatEnded" || e.Reason == "liveChatNotFound" || e.Reason == "liveChatDisabled" {
			return true
		}
	}
	return false
}

// LifecycleStore is the persistence surface of the live discovery job.
type LifecycleStore interface {
	GetActiveLivestreams(ctx context.Context) ([]stream.Livestream, error)
	OpenLivestream(ctx context.Context, ls stream.Livestream) error
	CloseLivestream(ctx context.Context, platform chat.Platform, livestreamID string, end time.Time) error
}

// StartLiveDiscoveryJob polls the YouTube search API for a live broadcast on
// the configured channel and keeps the livestream table in sync: a found
// broadcast opens a row, a vanished one closes it. Runs until ctx is done.
func StartLiveDiscoveryJob(ctx context.Context, svc *Service, store LifecycleStore, channelID, streamerID string, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	slog.Info("youtube live discovery starting",
		slog.String("channel", channelID), slog.Duration("interval", interval))
	discoverOnce(ctx, svc, store, channelID, streamerID)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("youtube live discovery stopped")
			return
		case <-ticker.C:
			discoverOnce(ctx, svc, store, channelID, streamerID)
		}
	}
}

func discoverOnce(ctx context.Context, svc *Service, store LifecycleStore, channelID, streamerID string) {
	logger := slog.Default().With(slog.String("component", "yt_discovery"))
	yts, err := svc.Client(ctx)
	if err != nil {
		logger.Warn("youtube client", slog.Any("err", err))
		return
	}
	resp, err := yts.Search.List([]string{"id"}).
		ChannelId(channelID).EventType("live").Type("video").MaxResults(1).
		Context(ctx).Do()
	if err != nil {
		logger.Warn("live search", slog.Any("err", err))
		return
	}

	liveVideoID := ""
	if len(resp.Items) > 0 && resp.Items[0].Id != nil {
		liveVideoID = resp.Items[0].Id.VideoId
	}

	active, err := store.GetActiveLivestreams(ctx)
	if err != nil {
		logger.Warn("list active livestreams", slog.Any("err", err))
		return
	}
	now := time.Now().UTC()
	openVideoID := ""
	for _, ls := range active {
		if ls.Platform != chat.PlatformYouTube || ls.StreamerID != streamerID {
			continue
		}
		if ls.ID == liveVideoID {
			openVideoID = ls.ID
			continue
		}
		// Open row for a broadcast that is no longer live.
		if err := store.CloseLivestream(ctx, chat.PlatformYouTube, ls.ID, now); err != nil {
			logger.Warn("close livestream", slog.String("video", ls.ID), slog.Any("err", err))
		} else {
			logger.Info("youtube livestream ended", slog.String("video", ls.ID))
		}
	}

	if liveVideoID != "" && openVideoID == "" {
		ls := stream.Livestream{
			ID: liveVideoID, StreamerID: streamerID,
			Platform: chat.PlatformYouTube, Start: &now,
		}
		if err := store.OpenLivestream(ctx, ls); err != nil {
			logger.Warn("open livestream", slog.String("video", liveVideoID), slog.Any("err", err))
		} else {
			logger.Info("youtube livestream live", slog.String("video", liveVideoID))
		}
	}
}
