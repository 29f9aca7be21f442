package analytics

import (
	"context"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/onnwee/chat-pulse/chatlog"
)

// DefaultClusterThreshold is the Jaccard similarity at which two
// recordings are considered to share an audience.
const DefaultClusterThreshold = 0.1

// ClusterVideo is one recording inside a cluster.
type ClusterVideo struct {
	VideoID     uint64 `json:"video_id"`
	ChannelID   string `json:"channel_id"`
	ChannelName string `json:"channel_name"`
	Title       string `json:"title"`
}

// VideoCluster groups recordings whose chatter sets overlap. The average
// is over all member pairs, threshold or not, so loosely attached members
// pull it down.
type VideoCluster struct {
	Videos            []ClusterVideo `json:"videos"`
	AverageSimilarity float64        `json:"average_similarity"`
}

// ClusterVideos connects recordings whose chatter Jaccard similarity is at
// least threshold and returns the connected components with two or more
// members, strongest average first. Only videos with a loaded chat log
// participate.
func ClusterVideos(ctx context.Context, channels []Channel, videos []VideoMeta, logs []chatlog.ChatLog, threshold float64) ([]VideoCluster, error) {
	viewers := videoViewers(logs)
	names := make(map[string]string, len(channels))
	for _, ch := range channels {
		names[ch.ID] = ch.Name
	}

	var members []ClusterVideo
	var sets []userSet
	for _, v := range videos {
		set, ok := viewers[v.ID]
		if !ok {
			continue
		}
		members = append(members, ClusterVideo{
			VideoID:     v.ID,
			ChannelID:   v.ChannelID,
			ChannelName: names[v.ChannelID],
			Title:       v.Title,
		})
		sets = append(sets, set)
	}
	n := len(members)
	if n == 0 {
		return nil, nil
	}

	// Similarity over all pairs in parallel; union sequentially after.
	rows := make([][]int, n)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i := 0; i < n; i++ {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var row []int
			for j := i + 1; j < n; j++ {
				if sim, _ := jaccard(sets[i], sets[j]); sim >= threshold {
					row = append(row, j)
				}
			}
			rows[i] = row
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	for i, row := range rows {
		for _, j := range row {
			union(parent, i, j)
		}
	}

	var roots []int
	grouped := make(map[int][]int)
	for i := 0; i < n; i++ {
		r := find(parent, i)
		if _, ok := grouped[r]; !ok {
			roots = append(roots, r)
		}
		grouped[r] = append(grouped[r], i)
	}

	var clusters []VideoCluster
	for _, r := range roots {
		idxs := grouped[r]
		if len(idxs) < 2 {
			continue
		}
		vids := make([]ClusterVideo, len(idxs))
		total, pairs := 0.0, 0
		for a := 0; a < len(idxs); a++ {
			vids[a] = members[idxs[a]]
			for b := a + 1; b < len(idxs); b++ {
				sim, _ := jaccard(sets[idxs[a]], sets[idxs[b]])
				total += sim
				pairs++
			}
		}
		avg := 0.0
		if pairs > 0 {
			avg = total / float64(pairs)
		}
		clusters = append(clusters, VideoCluster{Videos: vids, AverageSimilarity: avg})
	}

	sort.SliceStable(clusters, func(i, j int) bool {
		return clusters[i].AverageSimilarity > clusters[j].AverageSimilarity
	})
	return clusters, nil
}

func find(parent []int, x int) int {
	for parent[x] != x {
		parent[x] = parent[parent[x]]
		x = parent[x]
	}
	return x
}

func union(parent []int, x, y int) {
	px, py := find(parent, x), find(parent, y)
	if px != py {
		parent[px] = py
	}
}
