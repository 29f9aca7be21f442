package analytics

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/onnwee/chat-pulse/chatlog"
)

// DistanceExport is the channel-distance payload: the graph plus a KST
// update stamp so readers can tell how fresh it is.
type DistanceExport struct {
	UpdateTime string        `json:"updateTime"`
	Nodes      []ChannelNode `json:"nodes"`
	Links      []ChannelLink `json:"links"`
}

func exportStamp() string {
	return time.Now().In(chatlog.KST).Format("2006-01-02 15:04:05")
}

// WriteChannelDistances writes the distance graph to path.
func WriteChannelDistances(path string, nodes []ChannelNode, links []ChannelLink) error {
	data, err := json.Marshal(DistanceExport{UpdateTime: exportStamp(), Nodes: nodes, Links: links})
	if err != nil {
		return fmt.Errorf("marshal channel distances: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write channel distances: %w", err)
	}
	return nil
}

// WriteRelatedChannelLinks writes the per-channel neighbor map to path.
func WriteRelatedChannelLinks(path string, related map[string][]RelatedLink) error {
	data, err := json.Marshal(related)
	if err != nil {
		return fmt.Errorf("marshal related channel links: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write related channel links: %w", err)
	}
	return nil
}

// WriteVideoRelations writes the all-pairs relation map to path. Video IDs
// become JSON object keys.
func WriteVideoRelations(path string, all map[uint64][]VideoRelation) error {
	data, err := json.Marshal(all)
	if err != nil {
		return fmt.Errorf("marshal video relations: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write video relations: %w", err)
	}
	return nil
}

type timelinesExport struct {
	Videos []VideoTimeline `json:"videos"`
}

// WriteVideoTimelines writes the per-video timelines to path, indented:
// the payload is small and gets eyeballed during debugging.
func WriteVideoTimelines(path string, timelines []VideoTimeline) error {
	data, err := json.MarshalIndent(timelinesExport{Videos: timelines}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal video timelines: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write video timelines: %w", err)
	}
	return nil
}
