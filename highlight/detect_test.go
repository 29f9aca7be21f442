package highlight

import (
	"math"
	"testing"
	"time"

	"github.com/onnwee/chat-pulse/chatlog"
)

// burstLog builds a log with one background message per second over
// [0, span] and rates[s] messages at each second s present in rates.
func burstLog(span int64, rates map[int64]int) []chatlog.ChatMessage {
	t0 := time.Date(2025, 10, 24, 18, 0, 0, 0, time.UTC)
	var msgs []chatlog.ChatMessage
	for s := int64(0); s <= span; s++ {
		n := 1
		if r, ok := rates[s]; ok {
			n = r
		}
		for i := 0; i < n; i++ {
			msgs = append(msgs, chatlog.ChatMessage{
				Time:     t0.Add(time.Duration(s) * time.Second),
				Nickname: "n",
				Message:  "m",
				UserID:   "u",
			})
		}
	}
	return msgs
}

func TestMedian(t *testing.T) {
	cases := []struct {
		in   []float64
		want float64
	}{
		{[]float64{1, 2, 3}, 2},
		{[]float64{1, 2, 3, 4}, 2.5},
		{[]float64{3, 1, 2}, 2},
		{[]float64{7}, 7},
		{nil, 0},
	}
	for _, c := range cases {
		if got := median(c.in); got != c.want {
			t.Errorf("median(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestMADFloorsOnConstantSeries(t *testing.T) {
	if got := mad([]float64{5, 5, 5, 5}); got != 1.0 {
		t.Errorf("mad of constant series = %v, want floor 1.0", got)
	}
	if got := mad(nil); got != 1.0 {
		t.Errorf("mad of empty series = %v, want 1.0", got)
	}
	if got := mad([]float64{1, 3, 5, 7, 9}); got != 2.0 {
		t.Errorf("mad = %v, want 2.0", got)
	}
}

func TestEWMASeed(t *testing.T) {
	for _, alpha := range []float64{0.2, 0.5, 1.0} {
		for _, v0 := range []float64{1, 2, 4, 8} {
			out := ewma([]float64{v0, 9, 3}, alpha)
			if out[0] != v0 {
				t.Errorf("ewma seed with alpha=%v: out[0] = %v, want %v", alpha, out[0], v0)
			}
		}
	}
	// Recurrence: out[i] = alpha*v + (1-alpha)*out[i-1].
	alpha := 0.2
	out := ewma([]float64{1, 5}, alpha)
	want := alpha*5 + (1-alpha)*out[0]
	if out[1] != want {
		t.Errorf("ewma recurrence: out[1] = %v, want %v", out[1], want)
	}
	if got := ewma(nil, 0.2); got != nil {
		t.Errorf("ewma(nil) = %v, want nil", got)
	}
}

func TestResampleConservation(t *testing.T) {
	msgs := burstLog(120, map[int64]int{30: 7, 95: 3})
	counts := resampleSeconds(msgs, msgs[0].Time)
	total := 0
	for _, c := range counts {
		total += c
	}
	if total != len(msgs) {
		t.Errorf("resampled count sum = %d, want %d", total, len(msgs))
	}
	if counts[30] != 7 || counts[95] != 3 || counts[0] != 1 {
		t.Errorf("per-second counts wrong: %d/%d/%d", counts[0], counts[30], counts[95])
	}
}

func TestPickPeaks(t *testing.T) {
	z := []float64{0, 9, 10, 9, 0, 12, 0}
	rate := []float64{1, 1, 1, 1, 1, 1, 1}
	got := pickPeaks(z, rate, 8.0)
	if len(got) != 2 || got[0] != 2 || got[1] != 5 {
		t.Errorf("pickPeaks = %v, want [2 5]", got)
	}

	// Equal z inside a run: larger raw rate wins.
	z = []float64{0, 9, 9, 0}
	rate = []float64{0, 5, 7, 0}
	got = pickPeaks(z, rate, 8.0)
	if len(got) != 1 || got[0] != 2 {
		t.Errorf("pickPeaks tie = %v, want [2]", got)
	}

	// Run touching the series edge.
	z = []float64{9, 8.5, 0}
	rate = []float64{2, 1, 0}
	got = pickPeaks(z, rate, 8.0)
	if len(got) != 1 || got[0] != 0 {
		t.Errorf("pickPeaks edge run = %v, want [0]", got)
	}
}

func TestMergePeaksChain(t *testing.T) {
	// Consecutive gaps of 10s chain into one interval even though the
	// last peak is 30s from the first.
	peaks := []peak{
		{sec: 100, z: 9.0, count: 10},
		{sec: 110, z: 9.5, count: 20},
		{sec: 120, z: 9.2, count: 15},
		{sec: 130, z: 9.1, count: 12},
	}
	merged := mergePeaks(peaks, 12)
	if len(merged) != 1 {
		t.Fatalf("got %d intervals, want 1 (chained merge)", len(merged))
	}
	iv := merged[0]
	if iv.StartSec != 100 || iv.EndSec != 130 {
		t.Errorf("interval = [%d, %d], want [100, 130]", iv.StartSec, iv.EndSec)
	}
	if iv.PeakSec != 110 || iv.PeakCount != 20 {
		t.Errorf("representative = sec %d count %d, want the z=9.5 peak at 110", iv.PeakSec, iv.PeakCount)
	}

	// A 15s gap exceeds the threshold and splits.
	merged = mergePeaks([]peak{{sec: 100, z: 9, count: 1}, {sec: 115, z: 9, count: 1}}, 12)
	if len(merged) != 2 {
		t.Fatalf("got %d intervals, want 2", len(merged))
	}
}

func TestMergePeaksEqualZKeepsEarlier(t *testing.T) {
	merged := mergePeaks([]peak{
		{sec: 100, z: 9.0, count: 10},
		{sec: 105, z: 9.0, count: 20},
	}, 12)
	if len(merged) != 1 {
		t.Fatalf("got %d intervals, want 1", len(merged))
	}
	if merged[0].PeakSec != 100 || merged[0].PeakCount != 10 {
		t.Errorf("equal-z merge moved the representative: %+v", merged[0])
	}

	merged = mergePeaks([]peak{
		{sec: 100, z: 9.0, count: 10},
		{sec: 105, z: 9.5, count: 20},
	}, 12)
	if merged[0].PeakSec != 105 || merged[0].PeakCount != 20 {
		t.Errorf("strictly larger z should replace the representative: %+v", merged[0])
	}
}

func TestExpandIntervals(t *testing.T) {
	times := []int64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	z := []float64{3, 2, 3, 3, 9, 3, 3, 2, 9, 3, 0}
	seeds := []EventInterval{{StartSec: 4, EndSec: 4, PeakSec: 4, PeakZScore: 9}}

	got := expandIntervals(seeds, times, z, 2.5)
	if len(got) != 1 {
		t.Fatalf("got %d events", len(got))
	}
	// Expansion stops at the dip at t=1 and t=7 even though t=0 and t=8
	// are back above the floor.
	if got[0].StartSec != 2 || got[0].EndSec != 6 {
		t.Errorf("expanded to [%d, %d], want [2, 6]", got[0].StartSec, got[0].EndSec)
	}
	if got[0].StartSec > 4 || got[0].EndSec < 4 {
		t.Errorf("expansion shrank the seed: %+v", got[0])
	}

	// Seeds at the series edges must not walk out of range.
	edges := []EventInterval{
		{StartSec: 0, EndSec: 0, PeakSec: 0},
		{StartSec: 10, EndSec: 10, PeakSec: 10},
	}
	got = expandIntervals(edges, times, z, 2.5)
	if got[0].StartSec != 0 {
		t.Errorf("left edge seed start = %d", got[0].StartSec)
	}
	if got[1].EndSec != 10 {
		t.Errorf("right edge seed end = %d", got[1].EndSec)
	}
}

func TestDetectEmpty(t *testing.T) {
	if res, ok := Detect(nil); ok || res != nil {
		t.Fatalf("Detect(nil) = (%v, %v), want absence", res, ok)
	}
}

func TestDetectFlatLogHasNoEvents(t *testing.T) {
	res, ok := Detect(burstLog(1200, nil))
	if !ok {
		t.Fatal("Detect returned no result for a non-empty log")
	}
	if len(res.Events) != 0 {
		t.Errorf("flat log produced %d events: %+v", len(res.Events), res.Events)
	}
	if len(res.Timeline) != 1201 {
		t.Errorf("timeline has %d points, want 1201", len(res.Timeline))
	}
}

func TestDetectSyntheticBurst(t *testing.T) {
	msgs := burstLog(1000, map[int64]int{700: 50})
	res, ok := Detect(msgs)
	if !ok {
		t.Fatal("Detect returned no result")
	}
	if len(res.Events) != 1 {
		t.Fatalf("got %d events, want 1: %+v", len(res.Events), res.Events)
	}
	ev := res.Events[0]
	if ev.PeakSec != 700 {
		t.Errorf("peak sec = %d, want 700", ev.PeakSec)
	}
	if ev.PeakCount != 50 {
		t.Errorf("peak count = %d, want 50", ev.PeakCount)
	}
	if ev.PeakZScore <= zPeak {
		t.Errorf("peak z = %v, want > %v", ev.PeakZScore, zPeak)
	}
	// The EWMA tail decays below the expansion floor six seconds out.
	if ev.StartSec != 700 || ev.EndSec != 706 {
		t.Errorf("interval = [%d, %d], want [700, 706]", ev.StartSec, ev.EndSec)
	}
}

func TestDetectMergesNearbySpikes(t *testing.T) {
	// 5s apart: one event; the later spike rides the first one's EWMA
	// tail, scores higher, and takes over as representative.
	res, ok := Detect(burstLog(1400, map[int64]int{700: 50, 705: 50}))
	if !ok {
		t.Fatal("no result")
	}
	if len(res.Events) != 1 {
		t.Fatalf("5s spikes: got %d events, want 1: %+v", len(res.Events), res.Events)
	}
	if res.Events[0].PeakSec != 705 || res.Events[0].PeakCount != 50 {
		t.Errorf("5s spikes: representative = %+v, want peak at 705", res.Events[0])
	}
	if res.Events[0].StartSec != 700 {
		t.Errorf("5s spikes: start = %d, want 700", res.Events[0].StartSec)
	}

	// 30s apart: two events.
	res, ok = Detect(burstLog(1400, map[int64]int{700: 50, 730: 50}))
	if !ok {
		t.Fatal("no result")
	}
	if len(res.Events) != 2 {
		t.Fatalf("30s spikes: got %d events, want 2: %+v", len(res.Events), res.Events)
	}
	if res.Events[0].PeakSec != 700 || res.Events[1].PeakSec != 730 {
		t.Errorf("30s spikes: peaks = %d, %d", res.Events[0].PeakSec, res.Events[1].PeakSec)
	}
}

func TestDetectIntervalContainment(t *testing.T) {
	msgs := burstLog(1500, map[int64]int{300: 40, 700: 80, 1100: 45})
	res, ok := Detect(msgs)
	if !ok {
		t.Fatal("no result")
	}
	if len(res.Events) == 0 {
		t.Fatal("expected events")
	}
	for i, ev := range res.Events {
		if ev.StartSec > ev.PeakSec || ev.PeakSec > ev.EndSec {
			t.Errorf("event %d violates start <= peak <= end: %+v", i, ev)
		}
	}
	total := 0
	for _, p := range res.Timeline {
		total += p.Count
	}
	if total != len(msgs) {
		t.Errorf("timeline count sum = %d, want %d", total, len(msgs))
	}
}

func TestDetectSortsWithoutMutatingInput(t *testing.T) {
	ordered := burstLog(900, map[int64]int{400: 40})
	scrambled := make([]chatlog.ChatMessage, len(ordered))
	copy(scrambled, ordered)
	for i := 0; i < len(scrambled)-1; i += 2 {
		scrambled[i], scrambled[i+1] = scrambled[i+1], scrambled[i]
	}
	snapshot := make([]chatlog.ChatMessage, len(scrambled))
	copy(snapshot, scrambled)

	want, _ := Detect(ordered)
	got, ok := Detect(scrambled)
	if !ok {
		t.Fatal("no result")
	}
	if !got.FirstMessageTime.Equal(want.FirstMessageTime) {
		t.Errorf("anchor differs: %v vs %v", got.FirstMessageTime, want.FirstMessageTime)
	}
	if len(got.Events) != len(want.Events) {
		t.Fatalf("event counts differ: %d vs %d", len(got.Events), len(want.Events))
	}
	for i := range got.Events {
		if got.Events[i] != want.Events[i] {
			t.Errorf("event %d differs: %+v vs %+v", i, got.Events[i], want.Events[i])
		}
	}
	for i := range scrambled {
		if !scrambled[i].Time.Equal(snapshot[i].Time) {
			t.Fatal("Detect reordered the caller's slice")
		}
	}
}

func TestAbsTime(t *testing.T) {
	t0 := time.Date(2025, 10, 24, 18, 0, 0, 0, time.UTC)
	r := &DetectionResult{FirstMessageTime: t0}
	if got := r.AbsTime(90); !got.Equal(t0.Add(90 * time.Second)) {
		t.Errorf("AbsTime(90) = %v", got)
	}
}

func TestDetectBaselineLagExcludesBurst(t *testing.T) {
	// A burst must be scored against the pre-burst baseline, not against
	// itself: z at the burst second stays large even though the smoothed
	// rate jumped.
	res, ok := Detect(burstLog(1000, map[int64]int{700: 50}))
	if !ok {
		t.Fatal("no result")
	}
	var zAt700 float64
	for _, p := range res.Timeline {
		if p.TimeSec == 700 {
			zAt700 = p.ZScore
		}
	}
	want := (0.2*50 + 0.8*1 - 1) / (1 + eps)
	if math.Abs(zAt700-want) > 1e-9 {
		t.Errorf("z at burst = %v, want about %v", zAt700, want)
	}
}
