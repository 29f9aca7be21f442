// Package analytics derives cross-recording audience structure from chat
// logs: channel-to-channel audience distances, viewer-overlap clusters of
// recordings, video relation graphs bounded by broadcast-time overlap, and
// coarse per-video chat timelines.
//
// All computations are pure; the caller supplies channel metadata, video
// metadata, and loaded chat logs. The pipeline layer persists results and
// the export helpers produce the JSON payloads downstream readers consume.
package analytics
