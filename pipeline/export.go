package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/onnwee/chat-pulse/analytics"
)

// ExportAnalytics writes the latest stored analytics snapshots as JSON files
// under dir: channel_distance.json (the full graph), related_channels.json
// (per-channel neighbor lists) and video_relations.json (per-video related
// recordings keyed by video id). A sweep must have stored a distance
// snapshot first.
func ExportAnalytics(ctx context.Context, dbc *sql.DB, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create export dir: %w", err)
	}

	var nodesJSON, linksJSON []byte
	err := dbc.QueryRowContext(ctx,
		`SELECT nodes, links FROM channel_distances ORDER BY computed_at DESC, id DESC LIMIT 1`).
		Scan(&nodesJSON, &linksJSON)
	if err == sql.ErrNoRows {
		return fmt.Errorf("no distance snapshot stored; run an analytics sweep first")
	}
	if err != nil {
		return fmt.Errorf("load distance snapshot: %w", err)
	}
	var (
		nodes []analytics.ChannelNode
		links []analytics.ChannelLink
	)
	if err := json.Unmarshal(nodesJSON, &nodes); err != nil {
		return fmt.Errorf("decode distance nodes: %w", err)
	}
	if err := json.Unmarshal(linksJSON, &links); err != nil {
		return fmt.Errorf("decode distance links: %w", err)
	}

	if err := analytics.WriteChannelDistances(filepath.Join(dir, "channel_distance.json"), nodes, links); err != nil {
		return err
	}
	related := analytics.RelatedChannelLinks(links,
		analytics.RelatedLinkMinDistance, analytics.RelatedLinksPerChannel, nil)
	if err := analytics.WriteRelatedChannelLinks(filepath.Join(dir, "related_channels.json"), related); err != nil {
		return err
	}

	if err := exportVideoRelations(ctx, dbc, filepath.Join(dir, "video_relations.json")); err != nil {
		return err
	}

	slog.Info("analytics exported",
		slog.String("dir", dir),
		slog.Int("nodes", len(nodes)),
		slog.Int("links", len(links)),
		slog.String("component", "analytics"))
	return nil
}

// exportVideoRelations dumps the video_relations table as one JSON object
// keyed by video id. The stored blobs already carry database video ids, so
// they pass through untouched.
func exportVideoRelations(ctx context.Context, dbc *sql.DB, path string) error {
	rows, err := dbc.QueryContext(ctx, `SELECT video_id, relations FROM video_relations ORDER BY video_id`)
	if err != nil {
		return fmt.Errorf("load video relations: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()

	all := make(map[string]json.RawMessage)
	for rows.Next() {
		var (
			id   string
			blob []byte
		)
		if err := rows.Scan(&id, &blob); err != nil {
			return err
		}
		all[id] = json.RawMessage(blob)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal video relations: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
