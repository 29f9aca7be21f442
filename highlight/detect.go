package highlight

import (
	"math"
	"sort"
	"time"

	"github.com/onnwee/chat-pulse/chatlog"
)

// Detection tuning. These stay compile-time constants: changing them
// changes which events historical chat produces, so adjustments ship with
// a reindex rather than an env var.
const (
	// smoothAlpha weights the EWMA over the per-second message rate.
	smoothAlpha = 0.2
	// The baseline median and MAD for second t are computed over the
	// trailing window [t-baselineWindowSec, t-baselineLagSec], clamped
	// to the series start. The lag keeps the burst being scored out of
	// its own baseline.
	baselineWindowSec = 600
	baselineLagSec    = 60
	// zPeak is the robust z-score a second must exceed to seed a peak.
	zPeak = 8.0
	// zExpand bounds the outward expansion of an event interval.
	zExpand = 2.5
	// mergeGapSec merges a peak into the previous interval when its gap
	// from the interval's running end is at most this many seconds.
	mergeGapSec = 12
	// eps keeps the z-score denominator away from zero.
	eps = 1e-6
)

// EventInterval is one detected burst. All offsets are whole seconds
// relative to the recording's first message, with
// StartSec <= PeakSec <= EndSec.
type EventInterval struct {
	StartSec   int64   `json:"start_sec"`
	EndSec     int64   `json:"end_sec"`
	PeakSec    int64   `json:"peak_sec"`
	PeakZScore float64 `json:"peak_z_score"`
	PeakCount  int     `json:"peak_count"`
}

// TimelinePoint is one second of the diagnostic timeline.
type TimelinePoint struct {
	TimeSec int64   `json:"time_sec"`
	Count   int     `json:"count"`
	ZScore  float64 `json:"z_score"`
}

// DetectionResult is the detector output for one recording. Events are in
// chronological order and may be empty. The timeline is advisory.
type DetectionResult struct {
	FirstMessageTime time.Time       `json:"first_message_time"`
	Events           []EventInterval `json:"events"`
	Timeline         []TimelinePoint `json:"timeline,omitempty"`
}

// AbsTime converts an offset in seconds to the recording's absolute time.
func (r *DetectionResult) AbsTime(sec int64) time.Time {
	return r.FirstMessageTime.Add(time.Duration(sec) * time.Second)
}

// Detect finds burst events in a recording's chat. The bool is false when
// there are no messages to analyze; that is an absence, not an error. The
// input slice is left untouched.
func Detect(messages []chatlog.ChatMessage) (*DetectionResult, bool) {
	if len(messages) == 0 {
		return nil, false
	}

	sorted := make([]chatlog.ChatMessage, len(messages))
	copy(sorted, messages)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Time.Before(sorted[j].Time) })

	first := sorted[0].Time
	counts := resampleSeconds(sorted, first)

	var minSec, maxSec int64
	started := false
	for sec := range counts {
		if !started {
			minSec, maxSec = sec, sec
			started = true
			continue
		}
		if sec < minSec {
			minSec = sec
		}
		if sec > maxSec {
			maxSec = sec
		}
	}

	n := int(maxSec - minSec + 1)
	rate := make([]float64, 0, n)
	times := make([]int64, 0, n)
	for sec := minSec; sec <= maxSec; sec++ {
		rate = append(rate, float64(counts[sec]))
		times = append(times, sec)
	}

	smooth := ewma(rate, smoothAlpha)

	zScores := make([]float64, len(smooth))
	for i := range smooth {
		t := times[i]
		winStart := max(t-baselineWindowSec, minSec)
		winEnd := max(t-baselineLagSec, minSec)
		// times is dense, so the window is an index range.
		window := smooth[winStart-minSec : winEnd-minSec+1]

		baseVal := smooth[i]
		madVal := 1.0
		if len(window) > 0 {
			baseVal = median(window)
			madVal = mad(window)
		}
		zScores[i] = (smooth[i] - baseVal) / (madVal + eps)
	}

	var peaks []peak
	for _, idx := range pickPeaks(zScores, rate, zPeak) {
		peaks = append(peaks, peak{sec: times[idx], z: zScores[idx], count: int(rate[idx])})
	}

	events := expandIntervals(mergePeaks(peaks, mergeGapSec), times, zScores, zExpand)

	timeline := make([]TimelinePoint, len(times))
	for i := range times {
		timeline[i] = TimelinePoint{TimeSec: times[i], Count: int(rate[i]), ZScore: zScores[i]}
	}

	return &DetectionResult{FirstMessageTime: first, Events: events, Timeline: timeline}, true
}

// resampleSeconds counts messages per whole elapsed second since first.
func resampleSeconds(messages []chatlog.ChatMessage, first time.Time) map[int64]int {
	counts := make(map[int64]int, len(messages))
	for _, m := range messages {
		counts[int64(m.Time.Sub(first)/time.Second)]++
	}
	return counts
}

// ewma smooths values with an exponential moving average seeded at the
// first sample, so out[0] == values[0].
func ewma(values []float64, alpha float64) []float64 {
	if len(values) == 0 {
		return nil
	}
	out := make([]float64, len(values))
	prev := values[0]
	for i, v := range values {
		prev = alpha*v + (1-alpha)*prev
		out[i] = prev
	}
	return out
}

// median returns the middle of values; even lengths average the two
// middle elements. Empty input returns 0.
func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

// mad returns the median absolute deviation of values, floored at 1.0 so
// flat windows cannot blow up the z denominator.
func mad(values []float64) float64 {
	if len(values) == 0 {
		return 1.0
	}
	med := median(values)
	devs := make([]float64, len(values))
	for i, v := range values {
		devs[i] = math.Abs(v - med)
	}
	if m := median(devs); m >= 1e-10 {
		return m
	}
	return 1.0
}

// pickPeaks collapses each maximal run of z > threshold into the run's
// strongest index. z ties fall back to the larger raw rate.
func pickPeaks(z, rate []float64, threshold float64) []int {
	var peaks []int
	for i := 0; i < len(z); {
		if z[i] <= threshold {
			i++
			continue
		}
		best := i
		for i < len(z) && z[i] > threshold {
			if z[i] > z[best] || (z[i] == z[best] && rate[i] > rate[best]) {
				best = i
			}
			i++
		}
		peaks = append(peaks, best)
	}
	return peaks
}

type peak struct {
	sec   int64
	z     float64
	count int
}

// mergePeaks folds time-ordered peaks into seed intervals. A peak within
// gapSec of the running interval end extends it, so merges chain: each
// consecutive gap counts, not the distance to the interval's first peak.
// A strictly larger z takes over as the representative; on equal z the
// earlier peak stays.
func mergePeaks(peaks []peak, gapSec int64) []EventInterval {
	var merged []EventInterval
	for _, p := range peaks {
		if n := len(merged); n > 0 && p.sec-merged[n-1].EndSec <= gapSec {
			iv := &merged[n-1]
			iv.EndSec = p.sec
			if p.z > iv.PeakZScore {
				iv.PeakSec = p.sec
				iv.PeakZScore = p.z
				iv.PeakCount = p.count
			}
			continue
		}
		merged = append(merged, EventInterval{
			StartSec:   p.sec,
			EndSec:     p.sec,
			PeakSec:    p.sec,
			PeakZScore: p.z,
			PeakCount:  p.count,
		})
	}
	return merged
}

// expandIntervals widens each seed over the neighboring seconds where z
// stays above floor. Expansion halts at the first sub-floor second; it
// never skips over a dip.
func expandIntervals(seeds []EventInterval, times []int64, z []float64, floor float64) []EventInterval {
	events := make([]EventInterval, 0, len(seeds))
	for _, seed := range seeds {
		startIdx := int(seed.StartSec - times[0])
		endIdx := int(seed.EndSec - times[0])
		for i := startIdx - 1; i >= 0 && z[i] > floor; i-- {
			seed.StartSec = times[i]
		}
		for i := endIdx + 1; i < len(z) && z[i] > floor; i++ {
			seed.EndSec = times[i]
		}
		events = append(events, seed)
	}
	return events
}
