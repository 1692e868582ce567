package db

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// StartChatRetentionJob runs a loop that deletes chat rows older than the
// retention window. Experience state is untouched; only the raw message log
// is trimmed. Env knobs:
//
//	CHAT_RETENTION_DAYS (default 90, 0 disables)
//	CHAT_RETENTION_INTERVAL (default 6h)
func StartChatRetentionJob(ctx context.Context, dbc *sql.DB) {
	keepDays := 90
	if s := os.Getenv("CHAT_RETENTION_DAYS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			keepDays = n
		}
	}
	if keepDays == 0 {
		slog.Info("chat retention disabled")
		return
	}
	interval := 6 * time.Hour
	if s := os.Getenv("CHAT_RETENTION_INTERVAL"); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			interval = d
		}
	}
	slog.Info("chat retention job starting", slog.Int("keep_days", keepDays), slog.Duration("interval", interval))
	retentionOnce(ctx, dbc, keepDays)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("chat retention job stopped")
			return
		case <-ticker.C:
			retentionOnce(ctx, dbc, keepDays)
		}
	}
}

func retentionOnce(ctx context.Context, dbc *sql.DB, keepDays int) {
	SetJobHeartbeat(ctx, dbc, "job_chat_retention_last")
	cutoff := time.Now().UTC().Add(-time.Duration(keepDays) * 24 * time.Hour)
	start := time.Now()
	res, err := dbc.ExecContext(ctx, `DELETE FROM chat_messages WHERE ts < $1`, cutoff)
	if err != nil {
		slog.Warn("chat retention delete", slog.Any("err", err), slog.String("component", "retention"))
		return
	}
	n, _ := res.RowsAffected()
	UpdateMovingAvg(ctx, dbc, "avg_retention_delete_ms", float64(time.Since(start).Milliseconds()))
	if n > 0 {
		slog.Info("chat retention pruned messages", slog.Int64("deleted", n), slog.Time("cutoff", cutoff))
	}
}
