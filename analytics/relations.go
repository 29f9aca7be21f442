package analytics

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/onnwee/chat-pulse/chatlog"
)

const (
	// relationBuffer widens the target's broadcast range on both sides
	// before testing overlap, so back-to-back streams still relate.
	relationBuffer = 10 * time.Minute
	// RelatedVideoMinSimilarity gates the single-target lookup.
	RelatedVideoMinSimilarity = 0.05
	// BulkRelationMinSimilarity gates the all-pairs sweep; lower, since
	// the sweep feeds ranking rather than direct display.
	BulkRelationMinSimilarity = 0.02
)

// VideoRelation is one related recording: how much of the audiences
// overlap and enough metadata to display it.
type VideoRelation struct {
	VideoID     uint64  `json:"video_id"`
	Similarity  float64 `json:"similarity"`
	SharedUsers int     `json:"shared_users"`
	Title       string  `json:"title"`
	ChannelName string  `json:"channel_name"`
}

// rangesOverlap reports whether the candidate broadcast range intersects
// the target's, with the target widened by relationBuffer.
func rangesOverlap(targetStart, targetEnd, candStart, candEnd time.Time) bool {
	return targetStart.Add(-relationBuffer).Before(candEnd) &&
		candStart.Before(targetEnd.Add(relationBuffer))
}

// RelatedVideos finds recordings that aired while the target was live and
// share at least RelatedVideoMinSimilarity of its audience, most similar
// first. Candidates without broadcast times are skipped; a target without
// them is an error.
func RelatedVideos(channels []Channel, videos []VideoMeta, logs []chatlog.ChatLog, target uint64) ([]VideoRelation, error) {
	var targetMeta *VideoMeta
	for i := range videos {
		if videos[i].ID == target {
			targetMeta = &videos[i]
			break
		}
	}
	if targetMeta == nil {
		return nil, fmt.Errorf("target video %d not found", target)
	}
	if targetMeta.StartedAt.IsZero() || targetMeta.EndedAt.IsZero() {
		return nil, fmt.Errorf("target video %d: missing broadcast time range", target)
	}

	names := make(map[string]string, len(channels))
	for _, ch := range channels {
		names[ch.ID] = ch.Name
	}
	viewers := videoViewers(logs)
	targetUsers := viewers[target]

	var relations []VideoRelation
	for _, v := range videos {
		if v.ID == target {
			continue
		}
		if v.StartedAt.IsZero() || v.EndedAt.IsZero() {
			continue
		}
		if !rangesOverlap(targetMeta.StartedAt, targetMeta.EndedAt, v.StartedAt, v.EndedAt) {
			continue
		}
		sim, shared := jaccard(targetUsers, viewers[v.ID])
		if sim < RelatedVideoMinSimilarity {
			continue
		}
		relations = append(relations, VideoRelation{
			VideoID:     v.ID,
			Similarity:  sim,
			SharedUsers: shared,
			Title:       v.Title,
			ChannelName: names[v.ChannelID],
		})
	}

	sort.SliceStable(relations, func(i, j int) bool { return relations[i].Similarity > relations[j].Similarity })
	return relations, nil
}

// AllVideoRelations runs the related-video scan for every recording with
// chatters and a broadcast time range, keyed by video ID. Each list is
// sorted most similar first and gated at BulkRelationMinSimilarity.
func AllVideoRelations(ctx context.Context, channels []Channel, videos []VideoMeta, logs []chatlog.ChatLog) (map[uint64][]VideoRelation, error) {
	names := make(map[string]string, len(channels))
	for _, ch := range channels {
		names[ch.ID] = ch.Name
	}
	viewers := videoViewers(logs)

	results := make([][]VideoRelation, len(videos))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i := range videos {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			target := videos[i]
			targetUsers := viewers[target.ID]
			if len(targetUsers) == 0 {
				return nil
			}
			if target.StartedAt.IsZero() || target.EndedAt.IsZero() {
				return nil
			}

			// Non-nil so eligible targets keep an entry even with no
			// relations.
			relations := make([]VideoRelation, 0)
			for _, v := range videos {
				if v.ID == target.ID {
					continue
				}
				if v.StartedAt.IsZero() || v.EndedAt.IsZero() {
					continue
				}
				if !rangesOverlap(target.StartedAt, target.EndedAt, v.StartedAt, v.EndedAt) {
					continue
				}
				sim, shared := jaccard(targetUsers, viewers[v.ID])
				if sim < BulkRelationMinSimilarity {
					continue
				}
				relations = append(relations, VideoRelation{
					VideoID:     v.ID,
					Similarity:  sim,
					SharedUsers: shared,
					Title:       v.Title,
					ChannelName: names[v.ChannelID],
				})
			}
			sort.SliceStable(relations, func(a, b int) bool { return relations[a].Similarity > relations[b].Similarity })
			results[i] = relations
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	all := make(map[uint64][]VideoRelation, len(videos))
	for i, v := range videos {
		if results[i] != nil {
			all[v.ID] = results[i]
		}
	}
	return all, nil
}
