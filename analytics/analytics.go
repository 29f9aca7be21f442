package analytics

import (
	"time"

	"github.com/onnwee/chat-pulse/chatlog"
)

// Channel is the channel metadata the analytics need. The pipeline fills
// it from the channels table.
type Channel struct {
	ID   string
	Name string
}

// VideoMeta is the per-recording metadata the analytics need. StartedAt
// and EndedAt bound the broadcast; either may be zero when the catalog
// never resolved them, in which case time-constrained analyses skip the
// video.
type VideoMeta struct {
	ID        uint64
	ChannelID string
	Title     string
	StartedAt time.Time
	EndedAt   time.Time
}

type userSet map[string]struct{}

// videoViewers maps each video with a loaded log to its distinct chatter
// user IDs.
func videoViewers(logs []chatlog.ChatLog) map[uint64]userSet {
	viewers := make(map[uint64]userSet, len(logs))
	for _, log := range logs {
		set, ok := viewers[log.VideoID]
		if !ok {
			set = make(userSet)
			viewers[log.VideoID] = set
		}
		for _, m := range log.Messages {
			set[m.UserID] = struct{}{}
		}
	}
	return viewers
}

// channelViewers folds video viewer sets up to their channels. Logs whose
// video is not in videoChannel are ignored.
func channelViewers(logs []chatlog.ChatLog, videoChannel map[uint64]string) map[string]userSet {
	viewers := make(map[string]userSet)
	for _, log := range logs {
		channelID, ok := videoChannel[log.VideoID]
		if !ok {
			continue
		}
		set, ok := viewers[channelID]
		if !ok {
			set = make(userSet)
			viewers[channelID] = set
		}
		for _, m := range log.Messages {
			set[m.UserID] = struct{}{}
		}
	}
	return viewers
}

// intersectCount walks the smaller set and probes the larger one.
func intersectCount(a, b userSet) int {
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	n := 0
	for u := range small {
		if _, ok := large[u]; ok {
			n++
		}
	}
	return n
}

// jaccard returns |A∩B| / |A∪B| and the intersection size. Either set
// empty yields zero.
func jaccard(a, b userSet) (float64, int) {
	if len(a) == 0 || len(b) == 0 {
		return 0, 0
	}
	inter := intersectCount(a, b)
	if inter == 0 {
		return 0, 0
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union), inter
}
