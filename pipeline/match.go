package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/chat-pulse/highlight"
	"github.com/onnwee/chat-pulse/telemetry"
)

// MatchPair is one aligned event pair, referencing chat_events rows. Peak
// times are absolute unix seconds, A's shifted onto B's clock.
type MatchPair struct {
	AEventID        int64   `json:"a_event_id"`
	BEventID        int64   `json:"b_event_id"`
	Score           float64 `json:"score"`
	AbsPeakAAligned int64   `json:"abs_peak_a_aligned"`
	AbsPeakB        int64   `json:"abs_peak_b"`
	DeltaPeakSec    int64   `json:"delta_peak_sec"`
}

// MatchOutcome is the alignment of video A against video B. Stored reports
// whether the result came from a previous computation.
type MatchOutcome struct {
	VideoA     string      `json:"video_a"`
	VideoB     string      `json:"video_b"`
	OffsetSec  float64     `json:"offset_sec"`
	ComputedAt time.Time   `json:"computed_at"`
	Stored     bool        `json:"stored"`
	Pairs      []MatchPair `json:"pairs"`
}

// GetOrComputeMatch returns the stored alignment of videoA against videoB,
// computing and persisting it first when none exists. Orientation matters:
// (a,b) and (b,a) are separate rows with mirrored offsets. Detection wipes
// stale matches, so a stored row always reflects the current events.
func GetOrComputeMatch(ctx context.Context, dbc *sql.DB, videoA, videoB string) (*MatchOutcome, error) {
	if videoA == "" || videoB == "" {
		return nil, fmt.Errorf("both video ids required")
	}
	if videoA == videoB {
		return nil, fmt.Errorf("cannot match a video against itself")
	}

	var (
		matchID    int64
		offsetSec  float64
		computedAt time.Time
	)
	err := dbc.QueryRowContext(ctx,
		`SELECT id, COALESCE(offset_sec,0), computed_at FROM event_matches WHERE video_a=$1 AND video_b=$2`,
		videoA, videoB).Scan(&matchID, &offsetSec, &computedAt)
	switch {
	case err == nil:
		pairs, err := loadPairs(ctx, dbc, matchID)
		if err != nil {
			return nil, err
		}
		return &MatchOutcome{
			VideoA:     videoA,
			VideoB:     videoB,
			OffsetSec:  offsetSec,
			ComputedAt: computedAt,
			Stored:     true,
			Pairs:      pairs,
		}, nil
	case err != sql.ErrNoRows:
		return nil, fmt.Errorf("lookup match: %w", err)
	}

	return computeMatch(ctx, dbc, videoA, videoB)
}

func computeMatch(ctx context.Context, dbc *sql.DB, videoA, videoB string) (*MatchOutcome, error) {
	resA, aIDs, err := loadDetection(ctx, dbc, videoA)
	if err != nil {
		return nil, err
	}
	resB, bIDs, err := loadDetection(ctx, dbc, videoB)
	if err != nil {
		return nil, err
	}

	result := highlight.Match(resA, resB)

	tx, err := dbc.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin match tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var matchID int64
	if err := tx.QueryRowContext(ctx,
		`INSERT INTO event_matches (video_a, video_b, offset_sec, computed_at)
		 VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (video_a, video_b) DO UPDATE SET offset_sec=EXCLUDED.offset_sec, computed_at=NOW()
		 RETURNING id`,
		videoA, videoB, result.OffsetSec).Scan(&matchID); err != nil {
		return nil, fmt.Errorf("upsert match: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM event_match_pairs WHERE match_id=$1`, matchID); err != nil {
		return nil, fmt.Errorf("clear match pairs: %w", err)
	}

	pairs := make([]MatchPair, 0, len(result.Matches))
	if len(result.Matches) > 0 {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO event_match_pairs (match_id, a_event_id, b_event_id, score, abs_peak_a_aligned, abs_peak_b, delta_peak_sec)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`)
		if err != nil {
			return nil, fmt.Errorf("prepare pair insert: %w", err)
		}
		for _, m := range result.Matches {
			p := MatchPair{
				AEventID:        aIDs[m.AIdx],
				BEventID:        bIDs[m.BIdx],
				Score:           m.Score,
				AbsPeakAAligned: m.AbsPeakAAligned,
				AbsPeakB:        m.AbsPeakB,
				DeltaPeakSec:    m.DeltaPeakSec,
			}
			if _, err := stmt.ExecContext(ctx, matchID, p.AEventID, p.BEventID, p.Score, p.AbsPeakAAligned, p.AbsPeakB, p.DeltaPeakSec); err != nil {
				_ = stmt.Close()
				return nil, fmt.Errorf("insert match pair: %w", err)
			}
			pairs = append(pairs, p)
		}
		if err := stmt.Close(); err != nil {
			return nil, fmt.Errorf("close pair insert: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	if telemetry.MatchesComputed != nil {
		telemetry.MatchesComputed.Inc()
	}
	slog.Info("match computed",
		slog.String("video_a", videoA),
		slog.String("video_b", videoB),
		slog.Float64("offset_sec", result.OffsetSec),
		slog.Int("pairs", len(pairs)),
		slog.String("component", "match"))

	return &MatchOutcome{
		VideoA:     videoA,
		VideoB:     videoB,
		OffsetSec:  result.OffsetSec,
		ComputedAt: time.Now().UTC(),
		Stored:     false,
		Pairs:      pairs,
	}, nil
}

// loadDetection rebuilds a DetectionResult from the stored events of a
// processed video, returning the chat_events row ids in event order so match
// indexes can be mapped back to rows.
func loadDetection(ctx context.Context, dbc *sql.DB, videoID string) (*highlight.DetectionResult, []int64, error) {
	var processed bool
	err := dbc.QueryRowContext(ctx, `SELECT COALESCE(processed,FALSE) FROM videos WHERE id=$1`, videoID).Scan(&processed)
	if err == sql.ErrNoRows {
		return nil, nil, fmt.Errorf("video %s not found", videoID)
	}
	if err != nil {
		return nil, nil, err
	}
	if !processed {
		return nil, nil, fmt.Errorf("video %s has not been processed yet", videoID)
	}

	// The stats row pins the absolute baseline even after retention removed
	// the raw chat.
	var first sql.NullTime
	_ = dbc.QueryRowContext(ctx, `SELECT first_message_at FROM video_stats WHERE video_id=$1`, videoID).Scan(&first)
	if !first.Valid {
		_ = dbc.QueryRowContext(ctx, `SELECT MIN(abs_timestamp) FROM chat_messages WHERE video_id=$1`, videoID).Scan(&first)
	}
	if !first.Valid {
		return nil, nil, fmt.Errorf("video %s has no chat baseline", videoID)
	}

	rows, err := dbc.QueryContext(ctx,
		`SELECT id, start_sec, end_sec, peak_sec, COALESCE(peak_zscore,0), COALESCE(peak_count,0)
		 FROM chat_events WHERE video_id=$1 ORDER BY start_sec ASC, end_sec ASC`, videoID)
	if err != nil {
		return nil, nil, fmt.Errorf("load events: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()

	var (
		events []highlight.EventInterval
		ids    []int64
	)
	for rows.Next() {
		var (
			id int64
			ev highlight.EventInterval
		)
		if err := rows.Scan(&id, &ev.StartSec, &ev.EndSec, &ev.PeakSec, &ev.PeakZScore, &ev.PeakCount); err != nil {
			return nil, nil, err
		}
		events = append(events, ev)
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	return &highlight.DetectionResult{FirstMessageTime: first.Time, Events: events}, ids, nil
}

func loadPairs(ctx context.Context, dbc *sql.DB, matchID int64) ([]MatchPair, error) {
	rows, err := dbc.QueryContext(ctx,
		`SELECT COALESCE(a_event_id,0), COALESCE(b_event_id,0), COALESCE(score,0), COALESCE(abs_peak_a_aligned,0), COALESCE(abs_peak_b,0), COALESCE(delta_peak_sec,0)
		 FROM event_match_pairs WHERE match_id=$1 ORDER BY score DESC, id ASC`, matchID)
	if err != nil {
		return nil, fmt.Errorf("load match pairs: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()

	pairs := make([]MatchPair, 0, 8)
	for rows.Next() {
		var p MatchPair
		if err := rows.Scan(&p.AEventID, &p.BEventID, &p.Score, &p.AbsPeakAAligned, &p.AbsPeakB, &p.DeltaPeakSec); err != nil {
			return nil, err
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}
