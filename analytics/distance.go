package analytics

import (
	"context"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/onnwee/chat-pulse/chatlog"
)

// Defaults for the related-links view: keep links at distance >= 0.01 and
// at most 32 neighbors per channel.
const (
	RelatedLinkMinDistance = 0.01
	RelatedLinksPerChannel = 32
)

// ChannelNode is one channel in the distance graph. ChatCount is the
// number of distinct chatters seen across the channel's recordings.
type ChannelNode struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ChatCount int    `json:"chat_count"`
}

// ChannelLink is an undirected audience-overlap edge. Distance is
// intersection size over the smaller side's chatter count, so 1.0 means
// the smaller audience is fully contained in the larger one.
type ChannelLink struct {
	Source   string  `json:"source"`
	Target   string  `json:"target"`
	Inter    int     `json:"inter"`
	Distance float64 `json:"distance"`
}

// ChannelDistances computes the audience-overlap graph over all channel
// pairs. Channels without chatters are dropped; maxNodes > 0 keeps only
// the busiest channels before pairing. Nodes that end up with no link are
// removed and links come back sorted by distance, closest first.
func ChannelDistances(ctx context.Context, channels []Channel, videos []VideoMeta, logs []chatlog.ChatLog, maxNodes int) ([]ChannelNode, []ChannelLink, error) {
	videoChannel := make(map[uint64]string, len(videos))
	for _, v := range videos {
		videoChannel[v.ID] = v.ChannelID
	}
	viewers := channelViewers(logs, videoChannel)

	var nodes []ChannelNode
	for _, ch := range channels {
		if n := len(viewers[ch.ID]); n > 0 {
			nodes = append(nodes, ChannelNode{ID: ch.ID, Name: ch.Name, ChatCount: n})
		}
	}
	sort.SliceStable(nodes, func(i, j int) bool { return nodes[i].ChatCount > nodes[j].ChatCount })
	if maxNodes > 0 && len(nodes) > maxNodes {
		nodes = nodes[:maxNodes]
	}

	// All i<j pairs, one row per i.
	rows := make([][]ChannelLink, len(nodes))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i := range nodes {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			src := nodes[i]
			srcUsers := viewers[src.ID]
			var row []ChannelLink
			for j := i + 1; j < len(nodes); j++ {
				dst := nodes[j]
				inter := intersectCount(srcUsers, viewers[dst.ID])
				if inter == 0 {
					continue
				}
				minCount := min(src.ChatCount, dst.ChatCount)
				if minCount == 0 {
					continue
				}
				row = append(row, ChannelLink{
					Source:   src.ID,
					Target:   dst.ID,
					Inter:    inter,
					Distance: float64(inter) / float64(minCount),
				})
			}
			rows[i] = row
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	var links []ChannelLink
	for _, row := range rows {
		links = append(links, row...)
	}

	linked := make(map[string]struct{}, len(nodes))
	for _, l := range links {
		linked[l.Source] = struct{}{}
		linked[l.Target] = struct{}{}
	}
	kept := nodes[:0]
	for _, n := range nodes {
		if _, ok := linked[n.ID]; ok {
			kept = append(kept, n)
		}
	}
	nodes = kept

	sort.SliceStable(links, func(i, j int) bool { return links[i].Distance > links[j].Distance })
	return nodes, links, nil
}

// RelatedLink is one neighbor in a channel's related-channels list.
type RelatedLink struct {
	Target   string  `json:"target"`
	Inter    int     `json:"inter"`
	Distance float64 `json:"distance"`
}

// RelatedChannelLinks turns the link list into a per-channel neighbor map:
// both endpoints of a qualifying link see each other, sorted by distance
// with at most perChannel entries. Links touching a blacklisted channel
// are dropped entirely.
func RelatedChannelLinks(links []ChannelLink, minDistance float64, perChannel int, blacklist []string) map[string][]RelatedLink {
	blocked := make(map[string]struct{}, len(blacklist))
	for _, id := range blacklist {
		blocked[id] = struct{}{}
	}

	adj := make(map[string][]RelatedLink)
	for _, l := range links {
		if l.Distance < minDistance {
			continue
		}
		if _, ok := blocked[l.Source]; ok {
			continue
		}
		if _, ok := blocked[l.Target]; ok {
			continue
		}
		adj[l.Source] = append(adj[l.Source], RelatedLink{Target: l.Target, Inter: l.Inter, Distance: l.Distance})
		adj[l.Target] = append(adj[l.Target], RelatedLink{Target: l.Source, Inter: l.Inter, Distance: l.Distance})
	}

	for id, neighbors := range adj {
		sort.SliceStable(neighbors, func(i, j int) bool { return neighbors[i].Distance > neighbors[j].Distance })
		if len(neighbors) > perChannel {
			neighbors = neighbors[:perChannel]
		}
		adj[id] = neighbors
	}
	return adj
}
