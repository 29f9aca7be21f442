package analytics

import (
	"sort"
	"time"

	"github.com/onnwee/chat-pulse/chatlog"
)

// TimelineBucketSec is the width of a coarse timeline bucket.
const TimelineBucketSec = 600

// TimelineEntry is one bucket: offset of the bucket start in seconds from
// the first message, and the message count inside it. Empty buckets are
// omitted.
type TimelineEntry struct {
	Time  int64 `json:"time"`
	Count int   `json:"count"`
}

// VideoTimeline is the coarse chat-rate curve of one recording.
type VideoTimeline struct {
	VideoID   uint64          `json:"videoId"`
	StartTime string          `json:"start_time"`
	Timeline  []TimelineEntry `json:"timeline"`
}

// ChatTimeline buckets a recording's messages into TimelineBucketSec
// intervals anchored at the first message. The bool is false when the log
// has no messages.
func ChatTimeline(log chatlog.ChatLog) (VideoTimeline, bool) {
	if len(log.Messages) == 0 {
		return VideoTimeline{}, false
	}

	first := log.Messages[0].Time
	for _, m := range log.Messages[1:] {
		if m.Time.Before(first) {
			first = m.Time
		}
	}

	buckets := make(map[int64]int)
	for _, m := range log.Messages {
		elapsed := int64(m.Time.Sub(first) / time.Second)
		buckets[(elapsed/TimelineBucketSec)*TimelineBucketSec]++
	}

	entries := make([]TimelineEntry, 0, len(buckets))
	for t, c := range buckets {
		entries = append(entries, TimelineEntry{Time: t, Count: c})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Time < entries[j].Time })

	return VideoTimeline{
		VideoID:   log.VideoID,
		StartTime: first.Format("2006-01-02T15:04:05-0700"),
		Timeline:  entries,
	}, true
}

// VideoTimelines builds timelines for every non-empty log, sorted by video
// ID.
func VideoTimelines(logs []chatlog.ChatLog) []VideoTimeline {
	timelines := make([]VideoTimeline, 0, len(logs))
	for _, log := range logs {
		if tl, ok := ChatTimeline(log); ok {
			timelines = append(timelines, tl)
		}
	}
	sort.Slice(timelines, func(i, j int) bool { return timelines[i].VideoID < timelines[j].VideoID })
	return timelines
}
