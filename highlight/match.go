package highlight

import (
	"math"
	"sort"
)

// Matching tuning.
const (
	// matchTopK caps how many events per side vote in the offset
	// histogram.
	matchTopK = 40
	// peakWindowSec bounds how far apart aligned peaks may sit and
	// still pair up.
	peakWindowSec = 90
	// minOverlapSec and minOverlapRatio gate candidate pairs on the
	// aligned interval overlap.
	minOverlapSec   = 15
	minOverlapRatio = 0.35
	// matchZMin drops weak events before candidate generation.
	matchZMin = 3.0
	// offsetBinSec is the histogram bin width for offset estimation.
	offsetBinSec = 10
)

// MatchedEvent pairs event AIdx of recording A with event BIdx of
// recording B. Peak times are absolute unix seconds, A's shifted by the
// estimated offset.
type MatchedEvent struct {
	AIdx            int     `json:"a_idx"`
	BIdx            int     `json:"b_idx"`
	Score           float64 `json:"score"`
	AbsPeakAAligned int64   `json:"abs_peak_a_aligned"`
	AbsPeakB        int64   `json:"abs_peak_b"`
	DeltaPeakSec    int64   `json:"delta_peak_sec"`
}

// MatchResult aligns recording A against recording B. Adding OffsetSec to
// A's absolute times lines it up with B. No event index appears in more
// than one match.
type MatchResult struct {
	OffsetSec float64        `json:"offset_sec"`
	Matches   []MatchedEvent `json:"matches"`
}

type indexedEvent struct {
	idx int
	ev  *EventInterval
}

// Match aligns the detected events of two recordings using peak times
// only. When either side has no event at or above matchZMin the result is
// a zero offset with no matches; that is a valid outcome, not an error.
func Match(a, b *DetectionResult) MatchResult {
	aStrong := filterByZ(a.Events, matchZMin)
	bStrong := filterByZ(b.Events, matchZMin)
	if len(aStrong) == 0 || len(bStrong) == 0 {
		return MatchResult{}
	}

	aBase := a.FirstMessageTime.Unix()
	bBase := b.FirstMessageTime.Unix()

	// The histogram votes come from the strongest events of the full
	// lists, so weak events still help when a side has few strong ones.
	offset := estimateOffset(topEvents(a.Events, matchTopK), topEvents(b.Events, matchTopK), aBase, bBase)
	offsetWhole := int64(offset)

	bByPeak := make([]indexedEvent, len(bStrong))
	copy(bByPeak, bStrong)
	sort.Slice(bByPeak, func(i, j int) bool { return bByPeak[i].ev.PeakSec < bByPeak[j].ev.PeakSec })

	type candidate struct {
		aIdx, bIdx      int
		score           float64
		absPeakAAligned int64
		absPeakB        int64
		deltaPeak       int64
	}
	var candidates []candidate

	for _, ae := range aStrong {
		aAligned := aBase + ae.ev.PeakSec + offsetWhole
		lo := aAligned - peakWindowSec
		hi := aAligned + peakWindowSec
		start := sort.Search(len(bByPeak), func(i int) bool { return bBase+bByPeak[i].ev.PeakSec >= lo })
		end := sort.Search(len(bByPeak), func(i int) bool { return bBase+bByPeak[i].ev.PeakSec >= hi })

		for _, be := range bByPeak[start:end] {
			bAbsPeak := bBase + be.ev.PeakSec
			deltaPeak := abs64(bAbsPeak - aAligned)
			if deltaPeak > peakWindowSec {
				continue
			}

			aStart := aBase + ae.ev.StartSec + offsetWhole
			aEnd := aBase + ae.ev.EndSec + offsetWhole
			bStart := bBase + be.ev.StartSec
			bEnd := bBase + be.ev.EndSec

			overlap := min(aEnd, bEnd) - max(aStart, bStart)
			if overlap < 0 {
				overlap = 0
			}
			if overlap < minOverlapSec {
				continue
			}
			minLen := min(aEnd-aStart, bEnd-bStart)
			if minLen == 0 {
				continue
			}
			ratio := float64(overlap) / float64(minLen)
			if ratio < minOverlapRatio {
				continue
			}

			candidates = append(candidates, candidate{
				aIdx:            ae.idx,
				bIdx:            be.idx,
				score:           ratio + 0.03*math.Min(ae.ev.PeakZScore, be.ev.PeakZScore),
				absPeakAAligned: aAligned,
				absPeakB:        bAbsPeak,
				deltaPeak:       deltaPeak,
			})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	usedA := make(map[int]bool, len(candidates))
	usedB := make(map[int]bool, len(candidates))
	var matches []MatchedEvent
	for _, c := range candidates {
		if usedA[c.aIdx] || usedB[c.bIdx] {
			continue
		}
		usedA[c.aIdx] = true
		usedB[c.bIdx] = true
		matches = append(matches, MatchedEvent{
			AIdx:            c.aIdx,
			BIdx:            c.bIdx,
			Score:           c.score,
			AbsPeakAAligned: c.absPeakAAligned,
			AbsPeakB:        c.absPeakB,
			DeltaPeakSec:    c.deltaPeak,
		})
	}

	return MatchResult{OffsetSec: offset, Matches: matches}
}

// TopEvents returns the indices of the k strongest events by peak
// z-score, strongest first. Ties keep chronological order.
func TopEvents(events []EventInterval, k int) []int {
	top := topEvents(events, k)
	out := make([]int, len(top))
	for i, t := range top {
		out[i] = t.idx
	}
	return out
}

func topEvents(events []EventInterval, k int) []indexedEvent {
	indexed := make([]indexedEvent, len(events))
	for i := range events {
		indexed[i] = indexedEvent{i, &events[i]}
	}
	sort.SliceStable(indexed, func(i, j int) bool { return indexed[i].ev.PeakZScore > indexed[j].ev.PeakZScore })
	if len(indexed) > k {
		indexed = indexed[:k]
	}
	return indexed
}

func filterByZ(events []EventInterval, zMin float64) []indexedEvent {
	var out []indexedEvent
	for i := range events {
		if events[i].PeakZScore >= zMin {
			out = append(out, indexedEvent{i, &events[i]})
		}
	}
	return out
}

// estimateOffset picks the heaviest 10s bin of cross-pair peak deltas,
// each weighted by min(z_a, z_b), then refines to the weighted average of
// raw deltas within one bin of the winner.
func estimateOffset(aTop, bTop []indexedEvent, aBase, bBase int64) float64 {
	type weightedDelta struct {
		delta  int64
		weight float64
	}
	deltas := make([]weightedDelta, 0, len(aTop)*len(bTop))
	for _, a := range aTop {
		aAbs := aBase + a.ev.PeakSec
		for _, b := range bTop {
			deltas = append(deltas, weightedDelta{
				delta:  bBase + b.ev.PeakSec - aAbs,
				weight: math.Min(a.ev.PeakZScore, b.ev.PeakZScore),
			})
		}
	}
	if len(deltas) == 0 {
		return 0
	}

	bins := make(map[int64]float64)
	for _, d := range deltas {
		bins[floorBin(d.delta, offsetBinSec)] += d.weight
	}

	var bestBin int64
	bestWeight := math.Inf(-1)
	for bin, w := range bins {
		if w > bestWeight || (w == bestWeight && bin < bestBin) {
			bestBin, bestWeight = bin, w
		}
	}

	var weightedSum, weightSum float64
	for _, d := range deltas {
		if abs64(d.delta-bestBin) <= offsetBinSec {
			weightedSum += float64(d.delta) * d.weight
			weightSum += d.weight
		}
	}
	if weightSum > 0 {
		return weightedSum / weightSum
	}
	return float64(bestBin)
}

// floorBin rounds delta down to a multiple of size, toward negative
// infinity, so negative deltas land in their true bin.
func floorBin(delta, size int64) int64 {
	bin := (delta / size) * size
	if delta < 0 && delta%size != 0 {
		bin -= size
	}
	return bin
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
