// Package twitchchat ingests Twitch IRC chat and keeps the Twitch livestream
// lifecycle in sync with Helix live status. Twitch pushes messages over IRC,
// so this path bypasses the poll scheduler and feeds the chat consumer
// directly.
package twitchchat

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/chatxp/backend/chat"
	"github.com/onnwee/chatxp/backend/config"
)

// Handler consumes normalized chat items, same contract as the poll
// scheduler's downstream.
type Handler interface {
	OnChatItem(ctx context.Context, it chat.Item, streamerID string) (bool, error)
}

// Recorder connects to a channel's IRC chat and forwards every message as a
// canonical item.
type Recorder struct {
	Cfg     *config.Config
	Handler Handler
}

// Run connects and blocks until ctx is canceled or the connection fails.
func (r *Recorder) Run(ctx context.Context) error {
	if err := r.Cfg.ValidateChatReady(); err != nil {
		return err
	}
	client := twitch.NewClient(r.Cfg.TwitchBotUsername, r.Cfg.TwitchOAuthToken)
	logger := slog.Default().With(
		slog.String("channel", r.Cfg.TwitchChannel),
		slog.String("component", "twitchchat"))

	client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		it := toItem(msg)
		if it.Empty() {
			return
		}
		if _, err := r.Handler.OnChatItem(ctx, it, r.Cfg.StreamerID); err != nil {
			logger.Warn("forwarding irc message failed", slog.String("item_id", it.ID), slog.Any("err", err))
		}
	})

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		client.Disconnect()
		close(done)
	}()

	client.Join(r.Cfg.TwitchChannel)
	logger.Info("twitch chat recorder connecting")
	if err := client.Connect(); err != nil {
		select {
		case <-ctx.Done():
			// Disconnect during shutdown; not an error.
		default:
			logger.Error("twitch chat connect error", slog.Any("err", err))
			return err
		}
	}
	<-done
	logger.Info("twitch chat recorder stopped")
	return nil
}

// toItem normalizes one IRC message. IRC has no server-side message parts, so
// emote occurrences become emoji parts and the remaining words one text part.
// Emote tokens are removed from the text so they are not scored twice. Badge
// names become author attributes.
func toItem(msg twitch.PrivateMessage) chat.Item {
	var attrs []string
	for badge := range msg.User.Badges {
		attrs = append(attrs, badge)
	}
	emoteNames := map[string]bool{}
	for _, e := range msg.Emotes {
		if e != nil {
			emoteNames[e.Name] = true
		}
	}
	var words []string
	for _, w := range strings.Fields(msg.Message) {
		if !emoteNames[w] {
			words = append(words, w)
		}
	}
	parts := []chat.MessagePart{}
	if text := strings.Join(words, " "); text != "" {
		parts = append(parts, chat.MessagePart{Kind: chat.PartText, Text: text})
	}
	for _, e := range msg.Emotes {
		if e == nil {
			continue
		}
		n := e.Count
		if n <= 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			parts = append(parts, chat.MessagePart{Kind: chat.PartEmoji, Text: e.Name})
		}
	}
	ts := msg.Time
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	id := msg.ID
	if id == "" {
		// IRC occasionally omits the message id tag; synthesize a stable one.
		id = msg.User.ID + ":" + strconv.FormatInt(ts.UnixNano(), 10)
	}
	return chat.Item{
		ID:        id,
		Timestamp: ts.UTC(),
		Platform:  chat.PlatformTwitch,
		Author: chat.Author{
			ChannelID:  msg.User.ID,
			Name:       msg.User.DisplayName,
			Attributes: attrs,
		},
		Parts: parts,
	}
}
