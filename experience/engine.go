// Package experience converts chat activity into experience points. The
// scoring functions here are pure: they take a chat item plus prior per-user
// state and return an XP delta with the next state. All storage is owned by
// the caller (see Service for the db-backed consumer).
package experience

import (
	"math"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/onnwee/chatxp/backend/chat"
)

// Tuning carries the numeric knobs of the engine. The exact weights are
// configuration, not contract; only monotonicity and the zero/boundary cases
// are guaranteed.
type Tuning struct {
	// BaseXP is the reward for a message before multipliers.
	BaseXP float64
	// LevelCost scales the cubic level curve: reaching level L costs
	// LevelCost * L^3 total XP.
	LevelCost float64
	// Target chat cadence band. Messages faster than the min shrink the
	// spam multiplier, slower than the max grow it, in between is a dead
	// zone.
	TargetChatPeriodMin time.Duration
	TargetChatPeriodMax time.Duration
	// Bounds on a single spam-multiplier step: the factor applied at
	// elapsed=0 (worst spam) and the factor approached for very large gaps.
	MultiplierChangeAtMin float64
	MultiplierChangeAtMax float64
}

// DefaultTuning returns the production defaults.
func DefaultTuning() Tuning {
	return Tuning{
		BaseXP:                1000,
		LevelCost:             50,
		TargetChatPeriodMin:   4 * time.Second,
		TargetChatPeriodMax:   20 * time.Second,
		MultiplierChangeAtMin: 0.95,
		MultiplierChangeAtMax: 1.05,
	}
}

// TuningFromEnv returns DefaultTuning with env overrides applied.
// Knobs: XP_BASE, XP_LEVEL_COST, XP_TARGET_CHAT_PERIOD_MIN/MAX (durations),
// XP_MULTIPLIER_CHANGE_AT_MIN/MAX.
func TuningFromEnv() Tuning {
	t := DefaultTuning()
	if v := os.Getenv("XP_BASE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			t.BaseXP = f
		}
	}
	if v := os.Getenv("XP_LEVEL_COST"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			t.LevelCost = f
		}
	}
	if v := os.Getenv("XP_TARGET_CHAT_PERIOD_MIN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			t.TargetChatPeriodMin = d
		}
	}
	if v := os.Getenv("XP_TARGET_CHAT_PERIOD_MAX"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > t.TargetChatPeriodMin {
			t.TargetChatPeriodMax = d
		}
	}
	if v := os.Getenv("XP_MULTIPLIER_CHANGE_AT_MIN"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 && f < 1 {
			t.MultiplierChangeAtMin = f
		}
	}
	if v := os.Getenv("XP_MULTIPLIER_CHANGE_AT_MAX"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 1 {
			t.MultiplierChangeAtMax = f
		}
	}
	return t
}

// State is the per-user scoring state. Callers load it, pass it in, and
// persist what comes back; the engine never stores anything.
type State struct {
	XP                  float64
	LastMessageAt       time.Time // zero = no prior message
	SpamMultiplier      float64   // in (0,1]; zero value treated as 1
	ParticipationStreak int
	ViewershipStreak    int
}

// NewState returns the state of a user who has never chatted.
func NewState() State {
	return State{SpamMultiplier: 1}
}

// sat is a saturating score term: strictly increasing in x, 0 at 0,
// approaching 1. k sets the half-way point.
func sat(x, k float64) float64 {
	if x <= 0 {
		return 0
	}
	return x / (x + k)
}

// MessageQuality scores the effort/richness of a chat item. Zero for an
// empty message; strictly increasing in emoji count, text length, word
// count, average word length, and distinct characters. Scaled to roughly
// [0, 2).
func MessageQuality(it chat.Item) float64 {
	text := it.Text()
	emoji := it.EmojiCount()
	if emoji == 0 && strings.TrimSpace(text) == "" {
		return 0
	}
	words := strings.Fields(text)
	var wordRunes int
	for _, w := range words {
		wordRunes += utf8.RuneCountInString(w)
	}
	avgWordLen := 0.0
	if len(words) > 0 {
		avgWordLen = float64(wordRunes) / float64(len(words))
	}
	distinct := map[rune]struct{}{}
	for _, r := range text {
		distinct[r] = struct{}{}
	}

	return 2 * (0.15*sat(float64(emoji), 2) +
		0.25*sat(float64(utf8.RuneCountInString(text)), 40) +
		0.25*sat(float64(len(words)), 8) +
		0.15*sat(avgWordLen, 6) +
		0.20*sat(float64(len(distinct)), 16))
}

// Level maps cumulative XP to a level and the fractional progress toward the
// next one. Level(0) = (0, 0). XP cost per level is cubic, so leveling
// decelerates.
func (t Tuning) Level(xp float64) (level int, progress float64) {
	if xp <= 0 {
		return 0, 0
	}
	level = int(math.Cbrt(xp / t.LevelCost))
	// Guard against float rounding on the cube root.
	for t.threshold(level+1) <= xp {
		level++
	}
	for level > 0 && t.threshold(level) > xp {
		level--
	}
	lo, hi := t.threshold(level), t.threshold(level+1)
	return level, (xp - lo) / (hi - lo)
}

func (t Tuning) threshold(level int) float64 {
	l := float64(level)
	return t.LevelCost * l * l * l
}

// ParticipationMultiplier rewards consecutive-session attendance. Strictly
// increasing in streak, asymptotically bounded.
func ParticipationMultiplier(streak int) float64 {
	s := float64(streak)
	return 1 + 1.5*s/(s+10)
}

// ViewershipMultiplier rewards passive watching streaks.
func ViewershipMultiplier(streak int) float64 {
	s := float64(streak)
	return 1 + 0.5*s/(s+10)
}

// QualityMultiplier maps a quality score in [0,2] onto an XP multiplier.
func QualityMultiplier(quality float64) float64 {
	return 0.5 + 0.75*quality
}

// SpamMultiplier advances the bounded pacing feedback loop. Chatting faster
// than TargetChatPeriodMin shrinks the multiplier (at worst by
// MultiplierChangeAtMin per message), chatting slower than
// TargetChatPeriodMax grows it (approaching MultiplierChangeAtMax for very
// large gaps), and the band in between leaves it untouched so normal pacing
// variance doesn't oscillate. The result stays in (0,1].
func (t Tuning) SpamMultiplier(now, previous time.Time, previousMultiplier float64) float64 {
	elapsed := now.Sub(previous)
	if elapsed < 0 {
		elapsed = 0
	}
	switch {
	case elapsed < t.TargetChatPeriodMin:
		frac := float64(elapsed) / float64(t.TargetChatPeriodMin)
		factor := t.MultiplierChangeAtMin + (1-t.MultiplierChangeAtMin)*frac
		return clampMultiplier(previousMultiplier * factor)
	case elapsed <= t.TargetChatPeriodMax:
		return previousMultiplier
	default:
		over := float64(elapsed - t.TargetChatPeriodMax)
		grow := over / (over + float64(t.TargetChatPeriodMax))
		factor := 1 + (t.MultiplierChangeAtMax-1)*grow
		return clampMultiplier(previousMultiplier * factor)
	}
}

func clampMultiplier(m float64) float64 {
	if m > 1 {
		return 1
	}
	return m
}

// Delta scores one chat item against the user's prior state and returns the
// XP delta plus the next state. Deterministic for identical inputs.
func (t Tuning) Delta(it chat.Item, st State) (float64, State) {
	spam := st.SpamMultiplier
	if spam == 0 {
		spam = 1
	}
	if !st.LastMessageAt.IsZero() {
		spam = t.SpamMultiplier(it.Timestamp, st.LastMessageAt, spam)
	}
	quality := MessageQuality(it)
	delta := t.BaseXP *
		ParticipationMultiplier(st.ParticipationStreak) *
		QualityMultiplier(quality) *
		spam *
		ViewershipMultiplier(st.ViewershipStreak)

	next := st
	next.XP += delta
	next.LastMessageAt = it.Timestamp
	next.SpamMultiplier = spam
	return delta, next
}
