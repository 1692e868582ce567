package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/onnwee/chatxp/backend/chat"
	"github.com/onnwee/chatxp/backend/experience"
	"github.com/onnwee/chatxp/backend/stream"
)

// LivestreamStore is the Postgres store for livestream records. It backs both
// the poll scheduler (active set, cursor writes) and the session aggregator
// (historical reads).
type LivestreamStore struct{ DB *sql.DB }

// GetActiveLivestreams returns livestreams that have started and not ended,
// across all streamers and platforms. Also heartbeats so /status can tell the
// poll loop is making store calls.
func (s *LivestreamStore) GetActiveLivestreams(ctx context.Context) ([]stream.Livestream, error) {
	SetJobHeartbeat(ctx, s.DB, "job_poll_last")
	rows, err := s.DB.QueryContext(ctx, `
		SELECT platform, livestream_id, streamer_id, started_at, ended_at, continuation_token
		FROM livestreams
		WHERE started_at IS NOT NULL AND ended_at IS NULL
		ORDER BY started_at ASC, platform ASC, livestream_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query active livestreams: %w", err)
	}
	defer rows.Close()
	return scanLivestreams(rows)
}

// GetLivestreams returns the streamer's livestream records (including unstarted
// and ended ones) ordered ascending by start time, as the aggregator requires.
func (s *LivestreamStore) GetLivestreams(ctx context.Context, streamerID string, since time.Time) ([]stream.Livestream, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT platform, livestream_id, streamer_id, started_at, ended_at, continuation_token
		FROM livestreams
		WHERE streamer_id = $1 AND (started_at IS NULL OR started_at >= $2)
		ORDER BY started_at ASC NULLS LAST, platform ASC, livestream_id ASC`, streamerID, since)
	if err != nil {
		return nil, fmt.Errorf("query livestreams: %w", err)
	}
	defer rows.Close()
	return scanLivestreams(rows)
}

func scanLivestreams(rows *sql.Rows) ([]stream.Livestream, error) {
	var out []stream.Livestream
	for rows.Next() {
		var (
			ls         stream.Livestream
			platform   string
			start, end sql.NullTime
			token      sql.NullString
		)
		if err := rows.Scan(&platform, &ls.ID, &ls.StreamerID, &start, &end, &token); err != nil {
			return nil, fmt.Errorf("scan livestream: %w", err)
		}
		ls.Platform = chat.Platform(platform)
		if start.Valid {
			t := start.Time
			ls.Start = &t
		}
		if end.Valid {
			t := end.Time
			ls.End = &t
		}
		if token.Valid {
			v := token.String
			ls.ContinuationToken = &v
		}
		out = append(out, ls)
	}
	return out, rows.Err()
}

// SetContinuationToken persists the chat poll cursor for one livestream.
// token == nil clears it.
func (s *LivestreamStore) SetContinuationToken(ctx context.Context, platform chat.Platform, livestreamID string, token *string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE livestreams SET continuation_token = $1, updated_at = NOW()
		WHERE platform = $2 AND livestream_id = $3`, token, string(platform), livestreamID)
	if err != nil {
		return fmt.Errorf("set continuation token: %w", err)
	}
	return nil
}

// OpenLivestream upserts a livestream row and marks it started. Reopening an
// already-open row is a no-op for started_at.
func (s *LivestreamStore) OpenLivestream(ctx context.Context, ls stream.Livestream) error {
	start := time.Now().UTC()
	if ls.Start != nil {
		start = *ls.Start
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO livestreams(platform, livestream_id, streamer_id, started_at, updated_at)
		VALUES($1,$2,$3,$4,NOW())
		ON CONFLICT(platform, livestream_id) DO UPDATE SET
			started_at = COALESCE(livestreams.started_at, EXCLUDED.started_at),
			ended_at = NULL,
			updated_at = NOW()`,
		string(ls.Platform), ls.ID, ls.StreamerID, start)
	if err != nil {
		return fmt.Errorf("open livestream: %w", err)
	}
	return nil
}

// CloseLivestream stamps ended_at on an open livestream.
func (s *LivestreamStore) CloseLivestream(ctx context.Context, platform chat.Platform, livestreamID string, end time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE livestreams SET ended_at = $1, updated_at = NOW()
		WHERE platform = $2 AND livestream_id = $3 AND ended_at IS NULL`,
		end, string(platform), livestreamID)
	if err != nil {
		return fmt.Errorf("close livestream: %w", err)
	}
	return nil
}

// GetLivestreamParticipation reports, per started livestream of the streamer
// in ascending start order, whether any of userIDs sent a stored chat message
// during that livestream's window. Chat rows do not carry a livestream id, so
// membership is inferred from platform, streamer, and timestamp range.
func (s *LivestreamStore) GetLivestreamParticipation(ctx context.Context, streamerID string, userIDs []string) ([]stream.LivestreamParticipation, error) {
	if len(userIDs) == 0 {
		// Keep the row shape: every livestream appears with a false flag.
		userIDs = []string{""}
	}
	placeholders := make([]string, len(userIDs))
	args := []any{streamerID}
	for i, id := range userIDs {
		placeholders[i] = fmt.Sprintf("$%d", i+2)
		args = append(args, id)
	}
	q := fmt.Sprintf(`
		SELECT l.platform, l.livestream_id, l.streamer_id, l.started_at, l.ended_at,
			EXISTS (
				SELECT 1 FROM chat_messages c
				WHERE c.streamer_id = l.streamer_id
				  AND c.platform = l.platform
				  AND c.user_id IN (%s)
				  AND c.ts >= l.started_at
				  AND (l.ended_at IS NULL OR c.ts <= l.ended_at)
			) AS participated
		FROM livestreams l
		WHERE l.streamer_id = $1 AND l.started_at IS NOT NULL
		ORDER BY l.started_at ASC, l.platform ASC, l.livestream_id ASC`, strings.Join(placeholders, ","))

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query participation: %w", err)
	}
	defer rows.Close()

	var out []stream.LivestreamParticipation
	for rows.Next() {
		var (
			p          stream.LivestreamParticipation
			platform   string
			start, end sql.NullTime
		)
		if err := rows.Scan(&platform, &p.Livestream.ID, &p.Livestream.StreamerID, &start, &end, &p.Participated); err != nil {
			return nil, fmt.Errorf("scan participation: %w", err)
		}
		p.Livestream.Platform = chat.Platform(platform)
		if start.Valid {
			t := start.Time
			p.Livestream.Start = &t
		}
		if end.Valid {
			t := end.Time
			p.Livestream.End = &t
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ChatStore persists canonical chat items. Insertion is idempotent on the
// provider message id.
type ChatStore struct{ DB *sql.DB }

// InsertChatItem stores one chat item, returning false when the id was
// already present. ON CONFLICT DO NOTHING makes the at-least-once delivery
// from the poll loop exactly-once at the row level.
func (s *ChatStore) InsertChatItem(ctx context.Context, it chat.Item, streamerID string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO chat_messages(message_id, platform, streamer_id, user_id, username, ts, body, emoji_count, attributes)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT(message_id) DO NOTHING`,
		it.ID, string(it.Platform), streamerID, it.Author.ChannelID, it.Author.Name,
		it.Timestamp, it.Text(), it.EmojiCount(), strings.Join(it.Author.Attributes, ","))
	if err != nil {
		return false, fmt.Errorf("insert chat message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// ExperienceStore persists per-user scoring state and serves leaderboard reads.
type ExperienceStore struct{ DB *sql.DB }

// GetState loads one user's scoring state, returning a fresh state for users
// without a row.
func (s *ExperienceStore) GetState(ctx context.Context, streamerID, userID string) (experience.State, error) {
	var (
		st   experience.State
		last sql.NullTime
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT xp, spam_multiplier, participation_streak, viewership_streak, last_message_at
		FROM user_experience WHERE streamer_id = $1 AND user_id = $2`,
		streamerID, userID).
		Scan(&st.XP, &st.SpamMultiplier, &st.ParticipationStreak, &st.ViewershipStreak, &last)
	if err == sql.ErrNoRows {
		return experience.NewState(), nil
	}
	if err != nil {
		return experience.State{}, fmt.Errorf("query experience state: %w", err)
	}
	if last.Valid {
		st.LastMessageAt = last.Time
	}
	return st, nil
}

// SaveState upserts one user's scoring state.
func (s *ExperienceStore) SaveState(ctx context.Context, streamerID, userID string, st experience.State) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO user_experience(streamer_id, user_id, xp, spam_multiplier, participation_streak, viewership_streak, last_message_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,NOW())
		ON CONFLICT(streamer_id, user_id) DO UPDATE SET
			xp = EXCLUDED.xp,
			spam_multiplier = EXCLUDED.spam_multiplier,
			participation_streak = EXCLUDED.participation_streak,
			viewership_streak = EXCLUDED.viewership_streak,
			last_message_at = EXCLUDED.last_message_at,
			updated_at = NOW()`,
		streamerID, userID, st.XP, st.SpamMultiplier, st.ParticipationStreak, st.ViewershipStreak,
		sql.NullTime{Time: st.LastMessageAt, Valid: !st.LastMessageAt.IsZero()})
	if err != nil {
		return fmt.Errorf("save experience state: %w", err)
	}
	return nil
}

// LeaderboardEntry is one row of a streamer's XP leaderboard.
type LeaderboardEntry struct {
	UserID string  `json:"user_id"`
	XP     float64 `json:"xp"`
}

// Leaderboard returns the streamer's top users by XP.
func (s *ExperienceStore) Leaderboard(ctx context.Context, streamerID string, limit int) ([]LeaderboardEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT user_id, xp FROM user_experience
		WHERE streamer_id = $1 ORDER BY xp DESC, user_id ASC LIMIT $2`,
		streamerID, limit)
	if err != nil {
		return nil, fmt.Errorf("query leaderboard: %w", err)
	}
	defer rows.Close()
	var out []LeaderboardEntry
	for rows.Next() {
		var e LeaderboardEntry
		if err := rows.Scan(&e.UserID, &e.XP); err != nil {
			return nil, fmt.Errorf("scan leaderboard row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
