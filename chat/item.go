// Package chat defines the canonical, provider-agnostic chat item model.
//
// Every ingest path (YouTube live chat polling, Twitch IRC) normalizes its
// provider payload into an Item before anything downstream sees it. Items are
// immutable after construction; consumers dedupe on Item.ID since a retried
// poll page re-delivers items that already took effect.
package chat

import (
	"strings"
	"time"
	"unicode"
)

// Platform identifies the originating streaming service of a chat item or
// livestream record.
type Platform string

const (
	PlatformYouTube Platform = "youtube"
	PlatformTwitch  Platform = "twitch"
)

// PartKind discriminates message part variants.
type PartKind string

const (
	PartText  PartKind = "text"
	PartEmoji PartKind = "emoji"
)

// MessagePart is one ordered segment of a chat message: either literal text
// or an emoji/emote reference (Text then holds the emoji label).
type MessagePart struct {
	Kind PartKind `json:"kind"`
	Text string   `json:"text"`
}

// Author identifies the user who sent a chat item on its platform.
// Attributes carries provider role flags (e.g. "moderator", "owner").
type Author struct {
	ChannelID  string   `json:"channel_id"`
	Name       string   `json:"name"`
	Attributes []string `json:"attributes,omitempty"`
}

// Item is one canonical chat message.
type Item struct {
	ID           string        `json:"id"` // provider-unique
	Timestamp    time.Time     `json:"timestamp"`
	Platform     Platform      `json:"platform"`
	Author       Author        `json:"author"`
	Parts        []MessagePart `json:"parts"`
	ContextToken string        `json:"context_token,omitempty"` // opaque, may be empty
}

// Text returns the concatenated text content of the item, excluding emoji
// parts.
func (it Item) Text() string {
	var b strings.Builder
	for _, p := range it.Parts {
		if p.Kind == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// EmojiCount returns the number of emoji parts.
func (it Item) EmojiCount() int {
	n := 0
	for _, p := range it.Parts {
		if p.Kind == PartEmoji {
			n++
		}
	}
	return n
}

// Empty reports whether the item carries no content: no emoji parts and no
// non-whitespace text.
func (it Item) Empty() bool {
	if it.EmojiCount() > 0 {
		return false
	}
	return strings.TrimSpace(it.Text()) == ""
}

// SplitEmojiShortcodes splits a display string into text and emoji parts,
// treating :shortcode: spans as emoji. Providers that inline emoji into the
// display text (YouTube) use this during normalization. Unterminated or empty
// colons stay literal text.
func SplitEmojiShortcodes(s string) []MessagePart {
	var parts []MessagePart
	var text strings.Builder
	flush := func() {
		if text.Len() > 0 {
			parts = append(parts, MessagePart{Kind: PartText, Text: text.String()})
			text.Reset()
		}
	}
	runes := []rune(s)
	for i := 0; i < len(runes); {
		if runes[i] != ':' {
			text.WriteRune(runes[i])
			i++
			continue
		}
		end := -1
		for j := i + 1; j < len(runes); j++ {
			if runes[j] == ':' {
				end = j
				break
			}
			if !isShortcodeRune(runes[j]) {
				break
			}
		}
		if end <= i+1 {
			text.WriteRune(runes[i])
			i++
			continue
		}
		flush()
		parts = append(parts, MessagePart{Kind: PartEmoji, Text: string(runes[i+1 : end])})
		i = end + 1
	}
	flush()
	return parts
}

func isShortcodeRune(r rune) bool {
	return r == '-' || r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
