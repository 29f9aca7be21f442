package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/onnwee/chat-pulse/analytics"
	"github.com/onnwee/chat-pulse/chatlog"
	"github.com/onnwee/chat-pulse/telemetry"
)

// snapshotKeep bounds how many historical distance/cluster snapshots stay in
// the database; older ones are pruned at the end of each sweep.
const snapshotKeep = 5

// clusterVideoRow and friends mirror the analytics output shapes with the
// database's text video ids, since the analytics package works on the numeric
// ids chat log files use.
type clusterVideoRow struct {
	VideoID     string `json:"video_id"`
	ChannelID   string `json:"channel_id"`
	ChannelName string `json:"channel_name"`
	Title       string `json:"title"`
}

type clusterRow struct {
	Videos            []clusterVideoRow `json:"videos"`
	AverageSimilarity float64           `json:"average_similarity"`
}

type relationRow struct {
	VideoID     string  `json:"video_id"`
	Similarity  float64 `json:"similarity"`
	SharedUsers int     `json:"shared_users"`
	Title       string  `json:"title"`
	ChannelName string  `json:"channel_name"`
}

// RunAnalyticsSweep recomputes the audience analyses over everything stored:
// the channel distance graph, per-video relations, replay clusters and the
// per-video stat rows. Results land in their tables for the API to serve.
func RunAnalyticsSweep(ctx context.Context, dbc *sql.DB) error {
	var sweepErr error
	d := telemetry.TimeFunc(telemetry.AnalyticsSweepDuration, func() {
		sweepErr = runSweep(ctx, dbc)
	})
	if sweepErr != nil {
		return sweepErr
	}
	if telemetry.AnalyticsSweeps != nil {
		telemetry.AnalyticsSweeps.Inc()
	}
	slog.Info("analytics sweep completed", slog.Duration("sweep_duration", d), slog.String("component", "analytics"))
	return nil
}

func runSweep(ctx context.Context, dbc *sql.DB) error {
	_, _ = dbc.ExecContext(ctx, `INSERT INTO kv (key,value,updated_at) VALUES ('job_analytics_last', to_char(NOW() AT TIME ZONE 'UTC','YYYY-MM-DD"T"HH24:MI:SS.MS"Z"'), NOW())
		ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`)

	channels, err := loadChannels(ctx, dbc)
	if err != nil {
		return err
	}
	metas, dbIDs, err := loadVideoMetas(ctx, dbc)
	if err != nil {
		return err
	}
	logs, err := loadViewerLogs(ctx, dbc, dbIDs)
	if err != nil {
		return err
	}

	if err := refreshVideoStats(ctx, dbc); err != nil {
		return err
	}
	if len(logs) == 0 {
		slog.Info("analytics sweep found no chat; skipping set analyses", slog.String("component", "analytics"))
		return nil
	}

	if err := sweepDistances(ctx, dbc, channels, metas, logs); err != nil {
		return err
	}
	if err := sweepRelations(ctx, dbc, channels, metas, logs, dbIDs); err != nil {
		return err
	}
	return sweepClusters(ctx, dbc, channels, metas, logs, dbIDs)
}

func loadChannels(ctx context.Context, dbc *sql.DB) ([]analytics.Channel, error) {
	rows, err := dbc.QueryContext(ctx, `SELECT id, COALESCE(display_name, id) FROM channels`)
	if err != nil {
		return nil, fmt.Errorf("load channels: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()

	var out []analytics.Channel
	for rows.Next() {
		var ch analytics.Channel
		if err := rows.Scan(&ch.ID, &ch.Name); err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// loadVideoMetas maps every videos row onto the analytics metadata shape.
// Synthetic sequential ids stand in for the text primary keys; dbIDs maps
// them back (index = synthetic id - 1). A video without a start or duration
// gets a zero EndedAt, which the time-constrained analyses treat as skip —
// open live sessions fall out naturally.
func loadVideoMetas(ctx context.Context, dbc *sql.DB) ([]analytics.VideoMeta, []string, error) {
	rows, err := dbc.QueryContext(ctx,
		`SELECT id, channel_id, COALESCE(title,''), started_at, COALESCE(duration_seconds,0) FROM videos ORDER BY id`)
	if err != nil {
		return nil, nil, fmt.Errorf("load videos: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()

	var (
		metas []analytics.VideoMeta
		dbIDs []string
	)
	for rows.Next() {
		var (
			id        string
			meta      analytics.VideoMeta
			startedAt sql.NullTime
			duration  int64
		)
		if err := rows.Scan(&id, &meta.ChannelID, &meta.Title, &startedAt, &duration); err != nil {
			return nil, nil, err
		}
		if startedAt.Valid {
			meta.StartedAt = startedAt.Time
			if duration > 0 {
				meta.EndedAt = startedAt.Time.Add(time.Duration(duration) * time.Second)
			}
		}
		meta.ID = uint64(len(dbIDs) + 1)
		metas = append(metas, meta)
		dbIDs = append(dbIDs, id)
	}
	return metas, dbIDs, rows.Err()
}

// loadViewerLogs builds one pseudo chat log per video holding its distinct
// chatters. Only the user id matters to the set analyses, so the messages
// are deduplicated in SQL rather than loaded wholesale.
func loadViewerLogs(ctx context.Context, dbc *sql.DB, dbIDs []string) ([]chatlog.ChatLog, error) {
	aidByDB := make(map[string]uint64, len(dbIDs))
	for i, id := range dbIDs {
		aidByDB[id] = uint64(i + 1)
	}

	rows, err := dbc.QueryContext(ctx,
		`SELECT DISTINCT video_id, username FROM chat_messages WHERE COALESCE(username,'') <> ''`)
	if err != nil {
		return nil, fmt.Errorf("load chatters: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()

	byAid := make(map[uint64]*chatlog.ChatLog)
	for rows.Next() {
		var videoID, username string
		if err := rows.Scan(&videoID, &username); err != nil {
			return nil, err
		}
		aid, ok := aidByDB[videoID]
		if !ok {
			continue
		}
		log, ok := byAid[aid]
		if !ok {
			log = &chatlog.ChatLog{VideoID: aid}
			byAid[aid] = log
		}
		log.Messages = append(log.Messages, chatlog.ChatMessage{UserID: username})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	maxUsers := 10000
	if s := os.Getenv("ANALYTICS_MAX_USERS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			maxUsers = n
		}
	}
	ptrs := make([]*chatlog.ChatLog, 0, len(byAid))
	for _, log := range byAid {
		ptrs = append(ptrs, log)
	}
	// Drop pathological recordings (raids, bot floods) before pairing.
	ptrs = chatlog.FilterByUserCount(ptrs, maxUsers)

	out := make([]chatlog.ChatLog, len(ptrs))
	for i, log := range ptrs {
		out[i] = *log
	}
	return out, nil
}

func sweepDistances(ctx context.Context, dbc *sql.DB, channels []analytics.Channel, metas []analytics.VideoMeta, logs []chatlog.ChatLog) error {
	maxNodes := 0
	if s := os.Getenv("ANALYTICS_MAX_CHANNELS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			maxNodes = n
		}
	}
	nodes, links, err := analytics.ChannelDistances(ctx, channels, metas, logs, maxNodes)
	if err != nil {
		return fmt.Errorf("channel distances: %w", err)
	}
	if nodes == nil {
		nodes = []analytics.ChannelNode{}
	}
	if links == nil {
		links = []analytics.ChannelLink{}
	}
	nodesJSON, err := json.Marshal(nodes)
	if err != nil {
		return err
	}
	linksJSON, err := json.Marshal(links)
	if err != nil {
		return err
	}
	if _, err := dbc.ExecContext(ctx,
		`INSERT INTO channel_distances (nodes, links, computed_at) VALUES ($1, $2, NOW())`,
		nodesJSON, linksJSON); err != nil {
		return fmt.Errorf("store distances: %w", err)
	}
	_, _ = dbc.ExecContext(ctx,
		`DELETE FROM channel_distances WHERE id NOT IN (SELECT id FROM channel_distances ORDER BY computed_at DESC, id DESC LIMIT $1)`,
		snapshotKeep)
	slog.Debug("channel distances stored", slog.Int("nodes", len(nodes)), slog.Int("links", len(links)), slog.String("component", "analytics"))
	return nil
}

func sweepRelations(ctx context.Context, dbc *sql.DB, channels []analytics.Channel, metas []analytics.VideoMeta, logs []chatlog.ChatLog, dbIDs []string) error {
	all, err := analytics.AllVideoRelations(ctx, channels, metas, logs)
	if err != nil {
		return fmt.Errorf("video relations: %w", err)
	}
	for aid, rels := range all {
		out := make([]relationRow, 0, len(rels))
		for _, r := range rels {
			out = append(out, relationRow{
				VideoID:     dbIDs[r.VideoID-1],
				Similarity:  r.Similarity,
				SharedUsers: r.SharedUsers,
				Title:       r.Title,
				ChannelName: r.ChannelName,
			})
		}
		blob, err := json.Marshal(out)
		if err != nil {
			return err
		}
		if _, err := dbc.ExecContext(ctx,
			`INSERT INTO video_relations (video_id, relations, updated_at) VALUES ($1, $2, NOW())
			 ON CONFLICT (video_id) DO UPDATE SET relations=EXCLUDED.relations, updated_at=NOW()`,
			dbIDs[aid-1], blob); err != nil {
			return fmt.Errorf("store relations: %w", err)
		}
	}
	slog.Debug("video relations stored", slog.Int("videos", len(all)), slog.String("component", "analytics"))
	return nil
}

func sweepClusters(ctx context.Context, dbc *sql.DB, channels []analytics.Channel, metas []analytics.VideoMeta, logs []chatlog.ChatLog, dbIDs []string) error {
	clusters, err := analytics.ClusterVideos(ctx, channels, metas, logs, analytics.DefaultClusterThreshold)
	if err != nil {
		return fmt.Errorf("cluster videos: %w", err)
	}
	out := make([]clusterRow, 0, len(clusters))
	for _, c := range clusters {
		row := clusterRow{AverageSimilarity: c.AverageSimilarity}
		for _, v := range c.Videos {
			row.Videos = append(row.Videos, clusterVideoRow{
				VideoID:     dbIDs[v.VideoID-1],
				ChannelID:   v.ChannelID,
				ChannelName: v.ChannelName,
				Title:       v.Title,
			})
		}
		out = append(out, row)
	}
	blob, err := json.Marshal(out)
	if err != nil {
		return err
	}
	if _, err := dbc.ExecContext(ctx,
		`INSERT INTO replay_clusters (clusters, computed_at) VALUES ($1, NOW())`, blob); err != nil {
		return fmt.Errorf("store clusters: %w", err)
	}
	_, _ = dbc.ExecContext(ctx,
		`DELETE FROM replay_clusters WHERE id NOT IN (SELECT id FROM replay_clusters ORDER BY computed_at DESC, id DESC LIMIT $1)`,
		snapshotKeep)
	slog.Debug("replay clusters stored", slog.Int("clusters", len(out)), slog.String("component", "analytics"))
	return nil
}

// refreshVideoStats recomputes counts from the raw chat. The conditional
// update means retention emptying a processed video's chat never zeroes the
// stats detection wrote.
func refreshVideoStats(ctx context.Context, dbc *sql.DB) error {
	_, err := dbc.ExecContext(ctx, `
		INSERT INTO video_stats (video_id, message_count, unique_chatters, event_count, first_message_at, last_message_at, updated_at)
		SELECT v.id,
		       COUNT(m.id),
		       COUNT(DISTINCT m.username) FILTER (WHERE COALESCE(m.username,'') <> ''),
		       (SELECT COUNT(1) FROM chat_events e WHERE e.video_id = v.id),
		       MIN(m.abs_timestamp),
		       MAX(m.abs_timestamp),
		       NOW()
		FROM videos v
		LEFT JOIN chat_messages m ON m.video_id = v.id
		GROUP BY v.id
		ON CONFLICT (video_id) DO UPDATE SET
			message_count=EXCLUDED.message_count,
			unique_chatters=EXCLUDED.unique_chatters,
			event_count=EXCLUDED.event_count,
			first_message_at=EXCLUDED.first_message_at,
			last_message_at=EXCLUDED.last_message_at,
			updated_at=NOW()
		WHERE EXCLUDED.message_count > 0`)
	if err != nil {
		return fmt.Errorf("refresh video stats: %w", err)
	}
	return nil
}

// StartAnalyticsCron schedules RunAnalyticsSweep on the given cron expression
// and stops the scheduler when the context ends. Invalid expressions are an
// error so a typo fails loudly at boot instead of silently never running.
func StartAnalyticsCron(ctx context.Context, dbc *sql.DB, cronSpec string) error {
	c := cron.New()
	if _, err := c.AddFunc(cronSpec, func() {
		if err := RunAnalyticsSweep(ctx, dbc); err != nil {
			slog.Warn("analytics sweep", slog.Any("err", err))
		}
	}); err != nil {
		return fmt.Errorf("bad analytics cron %q: %w", cronSpec, err)
	}
	c.Start()
	slog.Info("analytics cron scheduled", slog.String("cron", cronSpec))
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
		slog.Info("analytics cron stopped")
	}()
	return nil
}
