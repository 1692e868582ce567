package youtubeapi

import (
	"errors"
	"fmt"
	"testing"

	"google.golang.org/api/googleapi"
	yt "google.golang.org/api/youtube/v3"

	"github.com/onnwee/chatxp/backend/chat"
)

func apiMessage(id, channelID, text string) *yt.LiveChatMessage {
	return &yt.LiveChatMessage{
		Id: id,
		Snippet: &yt.LiveChatMessageSnippet{
			PublishedAt:    "2025-06-01T12:00:00Z",
			DisplayMessage: text,
		},
		AuthorDetails: &yt.LiveChatMessageAuthorDetails{
			ChannelId:       channelID,
			DisplayName:     "Viewer",
			IsChatModerator: true,
		},
	}
}

func TestToItem(t *testing.T) {
	it, ok := toItem(apiMessage("m1", "ch1", "hello :wave: there"))
	if !ok {
		t.Fatal("valid message rejected")
	}
	if it.ID != "m1" || it.Platform != chat.PlatformYouTube {
		t.Fatalf("item = %+v", it)
	}
	if it.Author.ChannelID != "ch1" {
		t.Fatalf("author = %+v", it.Author)
	}
	if got := it.EmojiCount(); got != 1 {
		t.Fatalf("emoji count = %d want 1", got)
	}
	if got := it.Text(); got != "hello  there" {
		t.Fatalf("text = %q", got)
	}
	found := false
	for _, a := range it.Author.Attributes {
		if a == "moderator" {
			found = true
		}
	}
	if !found {
		t.Fatalf("moderator attribute missing: %v", it.Author.Attributes)
	}
}

func TestToItemRejectsIncomplete(t *testing.T) {
	cases := []*yt.LiveChatMessage{
		nil,
		{},
		{Id: "m1"},
		{Id: "m1", Snippet: &yt.LiveChatMessageSnippet{PublishedAt: "not-a-time"},
			AuthorDetails: &yt.LiveChatMessageAuthorDetails{ChannelId: "ch"}},
	}
	for i, m := range cases {
		if _, ok := toItem(m); ok {
			t.Fatalf("case %d accepted, want rejected", i)
		}
	}
}

func TestChatEnded(t *testing.T) {
	ended := &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "liveChatEnded"}}}
	if !ChatEnded(ended) {
		t.Fatal("liveChatEnded not detected")
	}
	if !ChatEnded(fmt.Errorf("wrap: %w", ended)) {
		t.Fatal("wrapped liveChatEnded not detected")
	}
	quota := &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "quotaExceeded"}}}
	if ChatEnded(quota) {
		t.Fatal("quota error misclassified as chat end")
	}
	if ChatEnded(errors.New("plain")) {
		t.Fatal("plain error misclassified")
	}
}
