package experience

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/onnwee/chatxp/backend/chat"
	"github.com/onnwee/chatxp/backend/telemetry"
)

// ChatStore persists chat items. InsertChatItem must be idempotent on item
// id: it reports false (and no error) for an item that was already stored.
// This is what makes re-delivered poll pages safe.
type ChatStore interface {
	InsertChatItem(ctx context.Context, it chat.Item, streamerID string) (inserted bool, err error)
}

// StateStore loads and saves per-user scoring state. GetState returns
// NewState() for a user with no row.
type StateStore interface {
	GetState(ctx context.Context, streamerID, userID string) (State, error)
	SaveState(ctx context.Context, streamerID, userID string, st State) error
}

// Service is the chat consumer: it dedupes items, runs the scoring engine,
// and persists the result. It implements the poll scheduler's handler
// contract (OnChatItem).
type Service struct {
	Chat   ChatStore
	States StateStore
	Tuning Tuning
}

// OnChatItem processes one canonical chat item. It returns (true, nil) when
// the item was new and experience was awarded, (false, nil) for a duplicate
// delivery, and an error when persistence failed (which makes the scheduler
// withhold the page's cursor advance and retry the page).
func (s *Service) OnChatItem(ctx context.Context, it chat.Item, streamerID string) (bool, error) {
	if it.ID == "" {
		return false, fmt.Errorf("chat item without id")
	}
	inserted, err := s.Chat.InsertChatItem(ctx, it, streamerID)
	if err != nil {
		return false, fmt.Errorf("insert chat item %s: %w", it.ID, err)
	}
	if !inserted {
		telemetry.IncChatItemsDeduped()
		return false, nil
	}

	userID := it.Author.ChannelID
	st, err := s.States.GetState(ctx, streamerID, userID)
	if err != nil {
		return false, fmt.Errorf("load experience state for %s: %w", userID, err)
	}
	if err := validateState(st); err != nil {
		return false, fmt.Errorf("experience state for %s: %w", userID, err)
	}

	delta, next := s.Tuning.Delta(it, st)
	if err := s.States.SaveState(ctx, streamerID, userID, next); err != nil {
		return false, fmt.Errorf("save experience state for %s: %w", userID, err)
	}
	telemetry.ObserveXPAwarded(delta)
	telemetry.LoggerWithCorr(ctx).Debug("xp awarded",
		slog.String("user", userID),
		slog.Float64("delta", delta),
		slog.String("component", "experience"))
	return true, nil
}

// validateState rejects states that violate the engine's caller contract.
// These indicate corrupted rows or a programming error upstream, not a
// runtime condition to absorb.
func validateState(st State) error {
	if st.ParticipationStreak < 0 || st.ViewershipStreak < 0 {
		return fmt.Errorf("negative streak (participation=%d viewership=%d)", st.ParticipationStreak, st.ViewershipStreak)
	}
	if st.SpamMultiplier < 0 || st.SpamMultiplier > 1 {
		return fmt.Errorf("spam multiplier %v outside (0,1]", st.SpamMultiplier)
	}
	return nil
}
